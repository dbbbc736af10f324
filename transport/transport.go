// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package transport moves miIO frames over UDP.
//
// Each device gets its own connected UDP socket, so reads only ever see
// datagrams from that device. A device has at most one outstanding request;
// concurrent callers for the same device queue, callers for different devices
// never wait on each other. The transport does not retry.
package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/soothill/miio-bridge/pkg/errors"
	"github.com/soothill/miio-bridge/pkg/logger"
	"github.com/soothill/miio-bridge/protocol"
)

// Matcher inspects a received frame. It returns true to accept the frame as
// the response, false to discard it and keep waiting, or an error to abort.
type Matcher func(frame []byte) (bool, error)

// MatchAny accepts the first frame received.
func MatchAny([]byte) (bool, error) { return true, nil }

const maxDatagram = 64 * 1024

// Options configures a Transport.
type Options struct {
	// Port used when an address has no explicit port. Defaults to 54321.
	Port int
}

// Transport owns the per-device sockets.
type Transport struct {
	port int

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

type session struct {
	addr string
	sem  chan struct{} // one outstanding request

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// New creates a transport.
func New(opts Options) *Transport {
	port := opts.Port
	if port == 0 {
		port = protocol.DefaultPort
	}
	return &Transport{
		port:     port,
		sessions: make(map[string]*session),
	}
}

// Address normalizes host or host:port to host:port.
func (t *Transport) Address(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(t.port))
}

func (t *Transport) session(addr string) (*session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.ErrConnectionClosed
	}
	s, ok := t.sessions[addr]
	if !ok {
		s = &session{addr: addr, sem: make(chan struct{}, 1)}
		t.sessions[addr] = s
	}
	return s, nil
}

// Request sends frame to addr and waits up to timeout for a frame accepted by
// match. It returns errors.ErrTimeout when nothing acceptable arrives and
// errors.ErrDeviceRemoved when the session is closed while waiting.
func (t *Transport) Request(ctx context.Context, addr string, frame []byte, timeout time.Duration, match Matcher) ([]byte, error) {
	addr = t.Address(addr)
	s, err := t.session(addr)
	if err != nil {
		return nil, err
	}
	if match == nil {
		match = MatchAny
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.sem }()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, errors.NewNetworkError("set deadline", addr, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(frame); err != nil {
		return nil, s.classify(ctx, err)
	}

	buf := make([]byte, maxDatagram)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, s.classify(ctx, err)
		}
		resp := make([]byte, n)
		copy(resp, buf[:n])

		ok, err := match(resp)
		if err != nil {
			return nil, err
		}
		if ok {
			return resp, nil
		}
		logger.Debug().Str("address", addr).Int("bytes", n).Msg("Discarding unmatched response")
	}
}

func (s *session) connect(ctx context.Context) (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.ErrDeviceRemoved
	}
	if s.conn != nil {
		return s.conn, nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", s.addr)
	if err != nil {
		return nil, errors.NewNetworkError("dial", s.addr, err)
	}
	s.conn = conn
	logger.Debug().Str("address", s.addr).Msg("Opened device socket")
	return conn, nil
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// classify maps a socket error onto the error taxonomy.
func (s *session) classify(ctx context.Context, err error) error {
	if s.isClosed() {
		return errors.ErrDeviceRemoved
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if stderrors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", s.addr, errors.ErrTimeout)
		}
		return ctxErr
	}
	var ne net.Error
	if stderrors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%s: %w", s.addr, errors.ErrTimeout)
	}
	return errors.NewNetworkError("read", s.addr, err)
}

func (s *session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Close releases the socket for addr. A request in flight on that socket
// returns errors.ErrDeviceRemoved.
func (t *Transport) Close(addr string) error {
	addr = t.Address(addr)
	t.mu.Lock()
	s, ok := t.sessions[addr]
	delete(t.sessions, addr)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return s.close()
}

// CloseAll releases every socket and rejects further requests.
func (t *Transport) CloseAll() error {
	t.mu.Lock()
	sessions := t.sessions
	t.sessions = make(map[string]*session)
	t.closed = true
	t.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Sessions returns the number of open device sessions.
func (t *Transport) Sessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
