// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon

import (
	"bytes"
	"context"
	"fmt"
	"net"
)

// The protocol has no "more data follows" flag, and a response may be split over several packets
// or preceded by an empty one. Every command is therefore followed by a probe packet with the same
// ID and a marker body. The server answers requests in order, so the echo of the marker arrives
// after every packet belonging to the command's response.

type segment int

const (
	segmentAppended segment = iota
	segmentStale
	segmentEnd
)

// reassembler concatenates the bodies of response packets for one command.
type reassembler struct {
	id       int32
	marker   []byte
	limit    int
	buf      bytes.Buffer
	segments int
}

func newReassembler(id int32, marker string, limit int) *reassembler {
	return &reassembler{
		id:     id,
		marker: []byte(marker),
		limit:  limit,
	}
}

// add consumes one packet read after the command and its probe were sent.
func (r *reassembler) add(p Packet) (segment, error) {
	switch {
	case p.ID == -1 && p.Type == PacketTypeAuthResponse:
		return segmentStale, newError("execute", ErrAuth, nil)
	case p.ID != r.id:
		return segmentStale, nil
	case bytes.Equal(p.Body, r.marker):
		return segmentEnd, nil
	}

	if r.buf.Len()+len(p.Body) > r.limit {
		return segmentStale, newError("execute", ErrProtocol, fmt.Errorf("response exceeds limit of %d bytes", r.limit))
	}
	r.buf.Write(p.Body)
	r.segments++
	return segmentAppended, nil
}

func (r *reassembler) String() string {
	return r.buf.String()
}

// roundTrip sends command followed by the probe and reads packets until the probe's echo arrives.
// It reports the response and the number of packets it was assembled from.
func (s *Session) roundTrip(ctx context.Context, conn net.Conn, command string) (string, int, error) {
	id := s.loadAndIncrementSeq()
	req := Packet{
		ID:   id,
		Type: PacketTypeExecCommand,
		Body: []byte(command),
	}
	probe := Packet{
		ID:   id,
		Type: PacketTypeExecCommand,
		Body: []byte(s.config.ProbeMarker),
	}
	if err := s.writePackets(conn, req, probe); err != nil {
		return "", 0, classify(ctx, "execute", err)
	}

	r := newReassembler(id, s.config.ProbeMarker, s.config.MaxResponseSize)
	for {
		p, err := s.readPacket(conn)
		if err != nil {
			return "", r.segments, classify(ctx, "execute", err)
		}

		seg, err := r.add(p)
		if err != nil {
			return "", r.segments, err
		}
		switch seg {
		case segmentEnd:
			return r.String(), r.segments, nil
		case segmentStale:
			s.logger.Debug().Int32("id", p.ID).Int32("want", id).Msg("skipping packet for another request")
		}
	}
}
