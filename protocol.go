// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// WrapperSize is the cumulative size of non-body bytes that contribute to calculation of the packet
// size that precedes a binary packet. Eight bytes are accounted for by the packet ID and type,
// while two bytes are accounted for by the null byte termination of the body and packet. The packet
// size itself is not included in the size calculation.
const WrapperSize = 8 + 2

// MaximumBodySize is the largest body the protocol allows in a single packet.
const MaximumBodySize = 4096

// MaximumPacketSize is the default ceiling for the packet size that precedes binary packets. Inbound
// packets declaring a larger size are rejected before any of the declared bytes are read.
const MaximumPacketSize = MaximumBodySize + WrapperSize

const (
	// PacketTypeAuth represents a client authorization request packet. It indicates that the body
	// will contain the server password.
	PacketTypeAuth = 3

	// PacketTypeAuthResponse represents a server authorization response packet. If authorization
	// failed, the packet ID will have a value of -1 rather than that of the matching client request
	// packet.
	PacketTypeAuthResponse = 2

	// PacketTypeExecCommand represents a client request packet that contains a command to be executed
	// by the server.
	PacketTypeExecCommand = 2

	// PacketTypeResponseValue represents a server response packet that contains the output of a
	// server command initiated by a [PacketTypeExecCommand] client request packet.
	PacketTypeResponseValue = 0
)

// Packet is a singular RCON protocol packet, either as a request from a client or a response from
// a server.
type Packet struct {
	// ID is a field chosen by the client which can be used to correlate request packets with
	// response packets. The singular case where this response field will not match the request
	// packet is in the case of auth failure, where the [Packet.Type] will be an
	// [PacketTypeAuthResponse] and this field will have a value of -1.
	ID int32

	// Type indicates the purpose of the packet. Its value should always be one of [PacketTypeAuth],
	// [PacketTypeAuthResponse], [PacketTypeExecCommand], or [PacketTypeResponseValue].
	Type int32

	// Body contains the data relevant to the provided packet type. This will be the RCON password for
	// the server, the command to be executed, or the server's response to a request. It's possible
	// that the body is empty.
	Body []byte
}

// EncodePacket encodes p into its binary wire form. A packet whose size would exceed maxSize is
// rejected with an [ErrProtocol] error. A maxSize of zero or less selects [MaximumPacketSize].
func EncodePacket(p Packet, maxSize int32) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = MaximumPacketSize
	}
	if len(p.Body) > int(maxSize)-WrapperSize {
		return nil, newError("encode", ErrProtocol, fmt.Errorf("packet body of %d bytes exceeds limit of %d", len(p.Body), int(maxSize)-WrapperSize))
	}
	packetSize := int32(len(p.Body) + WrapperSize)

	b := make([]byte, 4+packetSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(packetSize))
	binary.LittleEndian.PutUint32(b[4:8], uint32(p.ID))
	binary.LittleEndian.PutUint32(b[8:12], uint32(p.Type))
	copy(b[12:], p.Body)
	// The trailing two bytes are already zero.

	return b, nil
}

// ReadPacket reads exactly one packet from r. The declared packet size is validated against
// maxSize before the remainder of the packet is read, so a corrupt or hostile size prefix never
// causes a large allocation. A maxSize of zero or less selects [MaximumPacketSize].
//
// A packet whose two terminating bytes are not zero is still returned; servers are not consistent
// about the terminator.
func ReadPacket(r io.Reader, maxSize int32) (Packet, error) {
	p, _, _, err := readPacket(r, maxSize)
	return p, err
}

// readPacket is the shared decoder. It reports the number of bytes consumed and whether the packet
// carried a well-formed terminator.
func readPacket(r io.Reader, maxSize int32) (Packet, int64, bool, error) {
	if maxSize <= 0 {
		maxSize = MaximumPacketSize
	}

	var size [4]byte
	n, err := io.ReadFull(r, size[:])
	if err != nil {
		return Packet{}, int64(n), false, err
	}
	packetSize := int32(binary.LittleEndian.Uint32(size[:]))

	// Ensure the packet size isn't smaller than allowed by the protocol.
	if packetSize < WrapperSize {
		return Packet{}, 4, false, newError("decode", ErrProtocol, fmt.Errorf("packet size %d too small", packetSize))
	}

	// Ensure the packet size isn't larger than the configured ceiling.
	if packetSize > maxSize {
		return Packet{}, 4, false, newError("decode", ErrProtocol, fmt.Errorf("packet size %d exceeds limit of %d", packetSize, maxSize))
	}

	buf := make([]byte, packetSize)
	m, err := io.ReadFull(r, buf)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Packet{}, int64(4 + m), false, err
	}

	p := Packet{
		ID:   int32(binary.LittleEndian.Uint32(buf[0:4])),
		Type: int32(binary.LittleEndian.Uint32(buf[4:8])),
		Body: buf[8 : packetSize-2],
	}
	terminated := buf[packetSize-2] == 0 && buf[packetSize-1] == 0

	return p, int64(4 + packetSize), terminated, nil
}

// MarshalBinary encodes the receiving [Packet] into binary form and returns the result. This
// satisfies the [encoding.BinaryMarshaler] interface.
func (p Packet) MarshalBinary() ([]byte, error) {
	return EncodePacket(p, MaximumPacketSize)
}

// WriteTo writes a binary representation of the packet to [io.Writer] w. This method satisfies the
// [io.WriterTo] interface.
func (p Packet) WriteTo(w io.Writer) (int64, error) {
	bs, err := p.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(bs)

	return int64(n), err
}

// UnmarshalBinary decodes the binary encoded packet b into the receiving [Packet]. Trailing bytes
// beyond the declared packet size are an error. This satisfies the [encoding.BinaryUnmarshaler]
// interface.
func (p *Packet) UnmarshalBinary(b []byte) error {
	r := bytes.NewReader(b)
	if _, err := p.ReadFrom(r); err != nil {
		return err
	}
	if r.Len() != 0 {
		return newError("decode", ErrProtocol, fmt.Errorf("%d trailing bytes after packet", r.Len()))
	}
	return nil
}

// ReadFrom reads a binary representation of a packet into the receiving [Packet] instance. This
// method satisfies the [io.ReaderFrom] interface.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	decoded, n, _, err := readPacket(r, MaximumPacketSize)
	if err != nil {
		return n, err
	}
	*p = decoded
	return n, nil
}

// EqualTo determines if the provided Packet content matches the receiving Packet content.
func (p Packet) EqualTo(p2 Packet) bool {
	switch {
	case p.ID != p2.ID:
		return false
	case p.Type != p2.Type:
		return false
	case !bytes.Equal(p.Body, p2.Body):
		return false
	}
	return true
}

// Clone returns a deep copy of the receiving Packet.
func (p Packet) Clone() Packet {
	c := p
	if p.Body != nil {
		c.Body = append([]byte(nil), p.Body...)
	}
	return c
}
