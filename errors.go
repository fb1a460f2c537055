// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
)

// Error kinds. Every error returned by a [Session] is an [*Error] whose Kind is one of these values,
// so callers can branch with [errors.Is]:
//
//	if errors.Is(err, rcon.ErrTimeout) {
//		// reconnect and retry
//	}
var (
	// ErrConnection indicates a transport-level failure: the server refused the connection, the
	// address did not resolve, the connection was reset, or the session is not connected.
	ErrConnection = errors.New("rcon: connection error")

	// ErrAuth indicates the server rejected the session's password.
	ErrAuth = errors.New("rcon: unauthorized")

	// ErrProtocol indicates a malformed or oversized packet.
	ErrProtocol = errors.New("rcon: protocol error")

	// ErrTimeout indicates an operation's deadline passed before it completed.
	ErrTimeout = errors.New("rcon: timeout")

	// ErrIO indicates the connection closed or was aborted in the middle of a read or write. It is a
	// refinement of ErrConnection: errors of this kind also match ErrConnection.
	ErrIO = errors.New("rcon: i/o error")
)

// Error describes a failed session operation.
type Error struct {
	// Op is the operation that failed, such as "dial", "auth", "execute", "encode" or "decode".
	Op string

	// Kind is one of [ErrConnection], [ErrAuth], [ErrProtocol], [ErrTimeout] or [ErrIO].
	Kind error

	// Err is the underlying cause, if any.
	Err error
}

func newError(op string, kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Error() + " (" + e.Op + ")"
	}
	return e.Kind.Error() + " (" + e.Op + "): " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the receiver's kind. [ErrIO] errors also match [ErrConnection], and
// any error satisfying [Error.Timeout] matches [ErrTimeout].
func (e *Error) Is(target error) bool {
	switch target {
	case e.Kind:
		return true
	case ErrConnection:
		return e.Kind == ErrIO
	case ErrTimeout:
		return e.Timeout()
	}
	return false
}

// Timeout reports whether the operation failed because a deadline passed. A dial that timed out
// is of kind [ErrConnection] but still reports true. This follows the [net.Error] convention.
func (e *Error) Timeout() bool {
	if e.Kind == ErrTimeout {
		return true
	}
	var nerr net.Error
	return errors.As(e.Err, &nerr) && nerr.Timeout()
}

// classify wraps a failure from socket I/O or the codec into an [*Error] of the appropriate kind.
// ctx is the context of the operation, used to tell cancellations and expired deadlines apart from
// aborted reads.
func classify(ctx context.Context, op string, err error) *Error {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr
	}

	// An aborted read caused by the context takes the context's reason.
	if ctx != nil && ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return newError(op, ErrTimeout, ctx.Err())
		}
		return newError(op, ErrIO, ctx.Err())
	}

	var nerr net.Error
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return newError(op, ErrTimeout, err)
	case errors.As(err, &nerr) && nerr.Timeout():
		return newError(op, ErrTimeout, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
		return newError(op, ErrIO, err)
	default:
		return newError(op, ErrConnection, err)
	}
}
