// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

/*
Package rcon provides mechanisms for interacting with the Source RCON protocol as described by
Valve Software at https://developer.valvesoftware.com/wiki/Source_RCON_Protocol.

A [Session] owns one connection to an RCON server. It is connected and authorized once, executes
commands one at a time in the order they are submitted, and is closed for good by the first
failure:

	s, err := rcon.Dial(ctx, rcon.SessionConfig{
		Host:     "192.0.2.1",
		Port:     25575,
		Password: "super secret password",
	})
	if err != nil {
		return err
	}
	defer s.Close()

	out, err := s.Execute(ctx, "list")

Responses that the server splits over several packets are reassembled by sending a probe packet
behind every command and reading until the server echoes it back.

Errors returned by a session are [*Error] values whose kind is one of [ErrConnection], [ErrAuth],
[ErrProtocol], [ErrTimeout] or [ErrIO]. Retrying is left to the caller.
*/
package rcon
