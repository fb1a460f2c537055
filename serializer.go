// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon

import "context"

// call is a command waiting for, or undergoing, execution.
type call struct {
	ctx     context.Context
	command string
	done    chan result
}

type result struct {
	output string
	err    error
}

// submit hands c to the session's worker. The hand-off is unbuffered: callers block until the
// worker is free, and blocked callers are released in the order they arrived, so commands go out
// on the wire in submission order with at most one in flight.
//
// If the caller's context ends before the hand-off, the command was never sent and the session is
// left untouched.
func (s *Session) submit(c *call) error {
	// select picks at random among ready cases, so a dead context must not race the hand-off.
	if err := c.ctx.Err(); err != nil {
		return classify(c.ctx, "execute", err)
	}
	select {
	case s.calls <- c:
		return nil
	case <-s.closed:
		return newError("execute", ErrConnection, errSessionClosed)
	case <-c.ctx.Done():
		return classify(c.ctx, "execute", c.ctx.Err())
	}
}

// serve is the session's worker. It runs one command at a time until the session closes.
func (s *Session) serve() {
	defer s.worker.Done()

	for {
		select {
		case c := <-s.calls:
			// A context that ended during the hand-off never reaches the connection.
			if err := c.ctx.Err(); err != nil {
				c.done <- result{err: classify(c.ctx, "execute", err)}
				continue
			}
			output, err := s.execute(c.ctx, c.command)
			c.done <- result{output, err}

		case <-s.closed:
			return
		}
	}
}
