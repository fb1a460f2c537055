// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Package mockserver runs scripted RCON servers for tests.
package mockserver

import (
	"bytes"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/schultz-is/rcon-go/v2"
)

// Server accepts TCP connections on a loopback port and runs a handler for each one.
type Server struct {
	ln      net.Listener
	handler func(*Conn)

	mu     sync.Mutex
	conns  []net.Conn
	closed bool
	wg     sync.WaitGroup
}

// Start listens on 127.0.0.1 and serves every accepted connection with handler in its own
// goroutine. The server is shut down when the test ends.
func Start(t testing.TB, handler func(*Conn)) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("mockserver: listen: %v", err)
	}
	s := &Server{ln: ln, handler: handler}
	s.wg.Add(1)
	go s.accept()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handler(&Conn{Conn: conn})
		}()
	}
}

// Close stops accepting, closes every open connection, and waits for the handlers to return.
func (s *Server) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	s.closed = true
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Host returns the host the server listens on.
func (s *Server) Host() string {
	return s.ln.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the port the server listens on.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Addr returns the server's host:port address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host(), strconv.Itoa(s.Port()))
}

// Config returns a session configuration pointing at the server.
func (s *Server) Config(password string) rcon.SessionConfig {
	return rcon.SessionConfig{
		Host:     s.Host(),
		Port:     s.Port(),
		Password: password,
		Timeout:  2 * time.Second,
	}
}

// Conn is the server side of one client connection.
type Conn struct {
	net.Conn
}

// ReadPacket reads one packet from the client.
func (c *Conn) ReadPacket() (rcon.Packet, error) {
	var p rcon.Packet
	_, err := p.ReadFrom(c.Conn)
	return p, err
}

// WritePacket writes one packet to the client.
func (c *Conn) WritePacket(p rcon.Packet) error {
	_, err := p.WriteTo(c.Conn)
	return err
}

// Authorize reads the client's authorization request and accepts it when it carries password,
// replying with the request's ID, or rejects it with an ID of -1. It returns the request packet.
func (c *Conn) Authorize(password string) (rcon.Packet, error) {
	req, err := c.ReadPacket()
	if err != nil {
		return req, err
	}
	if req.Type != rcon.PacketTypeAuth {
		return req, errors.New("mockserver: expected auth packet")
	}
	id := req.ID
	if string(req.Body) != password {
		id = -1
	}
	return req, c.WritePacket(rcon.Packet{ID: id, Type: rcon.PacketTypeAuthResponse})
}

// ReadCommand reads a command packet and the probe packet that follows it.
func (c *Conn) ReadCommand() (cmd, probe rcon.Packet, err error) {
	cmd, err = c.ReadPacket()
	if err != nil {
		return cmd, probe, err
	}
	probe, err = c.ReadPacket()
	return cmd, probe, err
}

// Reply answers a command with one response packet per body, followed by the echo of probe.
func (c *Conn) Reply(cmd, probe rcon.Packet, bodies ...string) error {
	var buf bytes.Buffer
	for _, body := range bodies {
		p := rcon.Packet{ID: cmd.ID, Type: rcon.PacketTypeResponseValue, Body: []byte(body)}
		if _, err := p.WriteTo(&buf); err != nil {
			return err
		}
	}
	echo := rcon.Packet{ID: probe.ID, Type: rcon.PacketTypeResponseValue, Body: probe.Body}
	if _, err := echo.WriteTo(&buf); err != nil {
		return err
	}
	_, err := c.Write(buf.Bytes())
	return err
}

// Console returns a handler that authorizes clients with password and then answers each command
// with the response found in responses. Unknown commands are answered with "Unknown command".
func Console(password string, responses map[string][]string) func(*Conn) {
	return func(c *Conn) {
		if _, err := c.Authorize(password); err != nil {
			return
		}
		for {
			cmd, probe, err := c.ReadCommand()
			if err != nil {
				return
			}
			bodies, ok := responses[string(cmd.Body)]
			if !ok {
				bodies = []string{"Unknown command"}
			}
			if err := c.Reply(cmd, probe, bodies...); err != nil {
				return
			}
		}
	}
}
