// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon

import "strconv"

// State is the lifecycle state of a [Session].
//
// A session moves forward through StateDisconnected, StateConnecting and StateAuthenticating to
// StateReady, alternates between StateReady and StateExecuting while commands run, and ends in
// StateClosed. StateClosed is terminal and reachable from every other state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateExecuting
	StateClosed
)

var stateNames = [...]string{
	StateDisconnected:   "disconnected",
	StateConnecting:     "connecting",
	StateAuthenticating: "authenticating",
	StateReady:          "ready",
	StateExecuting:      "executing",
	StateClosed:         "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

// canTransition reports whether the session may move from one state to another.
func canTransition(from, to State) bool {
	if to == StateClosed {
		return true
	}
	switch from {
	case StateDisconnected:
		return to == StateConnecting
	case StateConnecting:
		return to == StateAuthenticating
	case StateAuthenticating:
		return to == StateReady
	case StateReady:
		return to == StateExecuting
	case StateExecuting:
		return to == StateReady
	}
	return false
}
