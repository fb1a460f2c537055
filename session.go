// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout is the default amount of time allowed for each session operation: dialing,
// authorizing, and one command round trip.
const DefaultTimeout = 15 * time.Second

// DefaultProbeMarker is the body of the probe packet sent behind every command. The server's echo
// of this body marks the end of the command's response.
const DefaultProbeMarker = "rcon-go/end-of-response"

// DefaultMaxResponseSize bounds the reassembled size of a single command response.
const DefaultMaxResponseSize = 1 << 20

// aLongTimeAgo is a non-zero time in the past, used to abort blocked reads and writes immediately.
var aLongTimeAgo = time.Unix(1, 0)

var errSessionClosed = errors.New("session closed")

// Dialer opens the transport a [Session] speaks RCON over. [*net.Dialer] satisfies this interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialerFunc adapts an ordinary function to the [Dialer] interface.
type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DialContext calls f(ctx, network, address).
func (f DialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// SessionConfig contains settings to control [Session] instances. The zero value of every optional
// field selects a sensible default.
type SessionConfig struct {
	// Host and Port locate the RCON server.
	Host string
	Port int

	// Password is sent to the server to authorize the session.
	Password string

	// Timeout limits each operation a session performs: dialing, authorizing, and each command
	// round trip get their own deadline. A value of zero selects [DefaultTimeout]. A context
	// deadline that is sooner takes precedence.
	Timeout time.Duration

	// Dialer opens the connection. RCON is unencrypted, so supplying a dialer that returns a
	// [crypto/tls.Conn] encrypts traffic when the server supports it; a dialer may equally return a
	// Unix socket or any other [net.Conn]. A nil Dialer uses a [net.Dialer] over TCP.
	Dialer Dialer

	// MaxPacketSize is the largest declared packet size accepted from, or sent to, the server. A
	// value of zero selects [MaximumPacketSize].
	MaxPacketSize int32

	// MaxResponseSize bounds the total size of one reassembled command response. A value of zero
	// selects [DefaultMaxResponseSize].
	MaxResponseSize int

	// ProbeMarker is the body of the probe packet that follows every command. It must be something
	// no command will ever print, and it must fit in a single packet. An empty value selects
	// [DefaultProbeMarker].
	ProbeMarker string

	// StartingSeq is the initial value for a session's command packet ID sequence. Any value less
	// than zero will be ignored.
	StartingSeq int32

	// Logger receives log entries from a session. A nil Logger discards them.
	Logger *zerolog.Logger

	// LogOutboundAuthPackets enables debug logging of outbound authorization request packets,
	// exposing server passwords in plaintext. When this field is false (the default value,)
	// outbound authorization packets will be sanitized to hide both the password text and packet
	// length.
	//
	// WARNING: Only enable this flag if you are aware of the implications and are willing to accept
	// the risks!
	LogOutboundAuthPackets bool

	// Metrics receives session measurements. A nil Metrics disables reporting.
	Metrics *Metrics
}

// Addr returns the host:port address described by the configuration.
func (c SessionConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = MaximumPacketSize
	}
	if c.MaxResponseSize <= 0 {
		c.MaxResponseSize = DefaultMaxResponseSize
	}
	if c.ProbeMarker == "" {
		c.ProbeMarker = DefaultProbeMarker
	}
	return c
}

// Session is an RCON session over a single connection. A session is created disconnected, is
// connected and authorized once with [Session.Connect], executes any number of commands, and is
// closed for good by [Session.Close] or by the first failure. A closed session cannot be reused;
// create a new one to reconnect.
//
// Sessions are safe for concurrent use. Commands from concurrent callers are executed one at a
// time, in the order they were submitted.
type Session struct {
	config SessionConfig
	addr   string
	logger zerolog.Logger

	// seq tracks the monotonically increasing packet ID that a session sends to servers with each
	// command. This will be a value between zero and [math.MaxInt32] inclusive.
	seq atomic.Int32

	// mu guards state and conn. It is never held across network I/O.
	mu    sync.Mutex
	state State
	conn  net.Conn

	// calls hands commands to the worker goroutine started by Connect.
	calls     chan *call
	closed    chan struct{}
	closeOnce sync.Once
	worker    sync.WaitGroup
}

// NewSession creates a disconnected [Session] configured by config.
func NewSession(config SessionConfig) *Session {
	config = config.withDefaults()
	s := &Session{
		config: config,
		addr:   config.Addr(),
		logger: zerolog.Nop(),
		state:  StateDisconnected,
		calls:  make(chan *call),
		closed: make(chan struct{}),
	}
	if config.Logger != nil {
		s.logger = config.Logger.With().Str("addr", s.addr).Logger()
	}
	if config.StartingSeq > 0 {
		s.seq.Store(config.StartingSeq)
	}
	return s
}

// Dial creates a [Session] and connects it. On failure the session is closed and only the error is
// returned.
func Dial(ctx context.Context, config SessionConfig) (*Session, error) {
	s := NewSession(config)
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Addr returns the address the session connects to.
func (s *Session) Addr() string {
	return s.addr
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Connect dials the server and authorizes the session with the configured password. It is only
// valid on a disconnected session. Dialing and authorizing each get their own deadline.
//
// A failure closes the session. The error is of kind [ErrConnection] when the server could not be
// reached, [ErrAuth] when the password was rejected, and [ErrTimeout], [ErrProtocol] or [ErrIO]
// when the authorization exchange failed.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.transition(StateDisconnected, StateConnecting); err != nil {
		return newError("dial", ErrConnection, err)
	}

	conn, err := s.dial(ctx)
	if err != nil {
		s.teardown(err)
		return err
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		_ = conn.Close()
		return newError("dial", ErrConnection, errSessionClosed)
	}
	s.conn = conn
	s.setStateLocked(StateAuthenticating)
	s.mu.Unlock()

	if err := s.authenticate(ctx, conn); err != nil {
		s.teardown(err)
		return err
	}

	// The worker is registered under mu so that Close either sees it or stops the session first.
	s.mu.Lock()
	if s.state != StateAuthenticating {
		st := s.state
		s.mu.Unlock()
		return newError("auth", ErrConnection, fmt.Errorf("session is %s", st))
	}
	s.setStateLocked(StateReady)
	s.worker.Add(1)
	s.mu.Unlock()
	s.logger.Debug().Msg("session ready")

	go s.serve()

	return nil
}

func (s *Session) dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	conn, err := s.config.Dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		e := classify(ctx, "dial", err)
		e.Kind = ErrConnection
		return nil, e
	}
	return conn, nil
}

// authenticate performs the authorization exchange over conn.
func (s *Session) authenticate(ctx context.Context, conn net.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	release := bindContext(ctx, conn)
	defer release()

	id := rand.Int32N(math.MaxInt32)
	req := Packet{
		ID:   id,
		Type: PacketTypeAuth,
		Body: []byte(s.config.Password),
	}
	if err := s.writePackets(conn, req); err != nil {
		return classify(ctx, "auth", err)
	}

	resp, err := s.readPacket(conn)
	if err != nil {
		return classify(ctx, "auth", err)
	}

	// Source engine servers precede the authorization response with an empty response value.
	if resp.ID == id && resp.Type == PacketTypeResponseValue && len(resp.Body) == 0 {
		resp, err = s.readPacket(conn)
		if err != nil {
			return classify(ctx, "auth", err)
		}
	}

	if resp.ID == -1 {
		return newError("auth", ErrAuth, nil)
	}
	return nil
}

// Execute runs command on the server and returns its complete response, reassembled from however
// many packets the server split it into. It is only valid on a connected session.
//
// Concurrent calls are queued and executed one at a time in the order they were submitted. A call
// whose context ends while it is still queued returns without affecting the session. Once a
// command has been sent, any failure, including a timeout or cancellation, closes the session:
// the position in the byte stream can no longer be trusted, so the caller must reconnect with a
// new session.
func (s *Session) Execute(ctx context.Context, command string) (string, error) {
	if st := s.State(); st != StateReady && st != StateExecuting {
		return "", newError("execute", ErrConnection, fmt.Errorf("session is %s", st))
	}
	if len(command)+WrapperSize > int(s.config.MaxPacketSize) {
		return "", newError("execute", ErrProtocol, fmt.Errorf("command of %d bytes exceeds limit of %d", len(command), int(s.config.MaxPacketSize)-WrapperSize))
	}
	if len(s.config.ProbeMarker)+WrapperSize > int(s.config.MaxPacketSize) {
		return "", newError("execute", ErrProtocol, fmt.Errorf("probe marker of %d bytes exceeds limit of %d", len(s.config.ProbeMarker), int(s.config.MaxPacketSize)-WrapperSize))
	}

	c := &call{
		ctx:     ctx,
		command: command,
		done:    make(chan result, 1),
	}
	if err := s.submit(c); err != nil {
		return "", err
	}
	res := <-c.done
	return res.output, res.err
}

// execute performs one command round trip on the worker goroutine.
func (s *Session) execute(ctx context.Context, command string) (string, error) {
	s.mu.Lock()
	if s.state != StateReady {
		st := s.state
		s.mu.Unlock()
		return "", newError("execute", ErrConnection, fmt.Errorf("session is %s", st))
	}
	conn := s.conn
	s.setStateLocked(StateExecuting)
	s.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	release := bindContext(ctx, conn)

	output, segments, err := s.roundTrip(ctx, conn, command)
	release()
	s.config.Metrics.executed(s.addr, segments, err, time.Since(start))
	if err != nil {
		s.teardown(err)
		return "", err
	}

	if err := s.transition(StateExecuting, StateReady); err != nil {
		// Closed while the response was being read. The response is complete, so it is still
		// returned.
		s.logger.Debug().Err(err).Msg("session closed during execute")
	}
	return output, nil
}

// Close closes the session and its connection. Queued commands fail with an [ErrConnection] error
// and a command in flight is aborted. Close may be called in any state and any number of times.
func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	if s.state != StateClosed {
		s.setStateLocked(StateClosed)
	}
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.closed) })

	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.worker.Wait()
	return err
}

// teardown closes the session after a failure.
func (s *Session) teardown(cause error) {
	s.mu.Lock()
	prev := s.state
	conn := s.conn
	s.conn = nil
	if prev != StateClosed {
		s.setStateLocked(StateClosed)
	}
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.closed) })
	if conn != nil {
		_ = conn.Close()
	}
	if prev != StateClosed {
		s.logger.Warn().Err(cause).Str("state", prev.String()).Msg("session closed after failure")
	}
}

// transition moves the session from one state to another, failing if the session is not in the
// expected state.
func (s *Session) transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != from {
		return fmt.Errorf("session is %s", s.state)
	}
	s.setStateLocked(to)
	return nil
}

// setStateLocked must be called with s.mu held.
func (s *Session) setStateLocked(to State) {
	if !canTransition(s.state, to) {
		panic(fmt.Sprintf("rcon: invalid session transition from %s to %s", s.state, to))
	}
	s.logger.Debug().Str("from", s.state.String()).Str("to", to.String()).Msg("session state")
	s.state = to
	s.config.Metrics.transitioned(s.addr, to)
}

// bindContext applies ctx's deadline to conn and aborts conn's pending I/O when ctx ends. The
// returned function must be called once the I/O is finished.
func bindContext(ctx context.Context, conn net.Conn) func() {
	if d, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(d)
	}
	aborted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(aLongTimeAgo)
		close(aborted)
	})
	return func() {
		if !stop() {
			<-aborted
		}
	}
}

// writePackets encodes ps and writes them to conn with a single write.
func (s *Session) writePackets(conn net.Conn, ps ...Packet) error {
	var buf []byte
	for _, p := range ps {
		bs, err := EncodePacket(p, s.config.MaxPacketSize)
		if err != nil {
			return err
		}
		s.logPacket("sending packet", p)
		buf = append(buf, bs...)
	}

	n, err := conn.Write(buf)
	s.config.Metrics.sent(s.addr, len(ps), n)
	return err
}

// readPacket reads one packet from conn.
func (s *Session) readPacket(conn net.Conn) (Packet, error) {
	p, n, terminated, err := readPacket(conn, s.config.MaxPacketSize)
	if err != nil {
		return Packet{}, err
	}
	s.config.Metrics.received(s.addr, n)
	if !terminated {
		s.logger.Warn().Int32("id", p.ID).Int32("type", p.Type).Msg("packet incorrectly terminated")
	}
	s.logPacket("received packet", p)
	return p, nil
}

// loadAndIncrementSeq returns and then increments the receiving session's seq, wrapping around to
// zero when [math.MaxInt32] is reached.
func (s *Session) loadAndIncrementSeq() int32 {
	var seq int32
	swapped := false
	for !swapped {
		seq = s.seq.Load()
		switch {
		case seq < 0:
			swapped = s.seq.CompareAndSwap(seq, 1)
			seq = 0

		case seq == math.MaxInt32:
			swapped = s.seq.CompareAndSwap(seq, 0)

		default:
			swapped = s.seq.CompareAndSwap(seq, seq+1)
		}
	}
	return seq
}

// logPacket writes a debug record containing the provided packet in hex. When the logger is not
// level set for debug records, this function is essentially a NOP. If the provided packet is an
// outbound authorization packet, its body and length are obfuscated to prevent leaking a plaintext
// password into logs.
func (s *Session) logPacket(msg string, packet Packet) {
	e := s.logger.Debug()
	if !e.Enabled() {
		return
	}

	// Unless the session is explicitly configured to log outbound authorization packets, scrub the
	// password when applicable.
	if packet.Type == PacketTypeAuth && !s.config.LogOutboundAuthPackets {
		packet.Body = []byte{'x', 'x', 'x', 'x', 'x'}
	}

	bs, err := EncodePacket(packet, s.config.MaxPacketSize)
	if err != nil {
		e.Discard()
		s.logger.Error().Err(err).Msg("failed to marshal packet for logging")
		return
	}

	e.Int32("id", packet.ID).Int32("type", packet.Type).Hex("packet", bs).Msg(msg)
}
