// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package client implements request/response calls against a single device.
//
// A Session owns the device identity, the request sequence counter and the
// device clock offset learned from the hello handshake. Calls on a session are
// queued so only one round trip (including its retries) is in flight per
// device. Timeouts are retried only for calls marked idempotent or explicitly
// opted in; decryption failures surface as errors.ErrUnauthorized and are
// never retried.
package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/soothill/miio-bridge/descriptor"
	"github.com/soothill/miio-bridge/pkg/errors"
	"github.com/soothill/miio-bridge/pkg/logger"
	"github.com/soothill/miio-bridge/pkg/metrics"
	"github.com/soothill/miio-bridge/protocol"
	"github.com/soothill/miio-bridge/transport"
)

// Requester sends one frame and waits for the matching response.
type Requester interface {
	Request(ctx context.Context, addr string, frame []byte, timeout time.Duration, match transport.Matcher) ([]byte, error)
}

// Options tunes a session.
type Options struct {
	Timeout    time.Duration // per attempt
	Retries    int           // extra attempts for idempotent calls
	RetryDelay time.Duration // delay before retry n is n*RetryDelay

	// HandshakeRate limits hello exchanges per device.
	HandshakeRate  rate.Limit
	HandshakeBurst int

	// MaxPropertiesPerRequest splits reads into several calls when > 0.
	MaxPropertiesPerRequest int
}

// DefaultOptions returns the settings used when none are configured.
func DefaultOptions() Options {
	return Options{
		Timeout:        5 * time.Second,
		Retries:        2,
		RetryDelay:     500 * time.Millisecond,
		HandshakeRate:  rate.Every(time.Second),
		HandshakeBurst: 3,
	}
}

func (o *Options) setDefaults() {
	d := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.HandshakeRate == 0 {
		o.HandshakeRate = d.HandshakeRate
	}
	if o.HandshakeBurst <= 0 {
		o.HandshakeBurst = d.HandshakeBurst
	}
}

// CallOptions qualifies a single call.
type CallOptions struct {
	// Idempotent marks calls that may always be repeated after a timeout,
	// such as property reads.
	Idempotent bool

	// Retry opts a non-idempotent call, usually a write, in to the same
	// retry policy.
	Retry bool
}

func (o CallOptions) retryable() bool { return o.Idempotent || o.Retry }

// Read is the option set used for property reads.
var Read = CallOptions{Idempotent: true}

const (
	// seqJump is added to the counter before a retry so the device does not
	// treat the retry as a duplicate of the request it may have seen.
	seqJump = 100

	// tokenMismatchLimit is the number of consecutive undecryptable answers,
	// the last one straight after a fresh handshake, that is reported as
	// errors.ErrUnauthorized.
	tokenMismatchLimit = 2
)

// Session is the client side of one device.
type Session struct {
	name      string
	requester Requester
	opts      Options
	limiter   *rate.Limiter
	log       zerolog.Logger

	// closing is cancelled by Close. closeMu is held for reading while a
	// frame is being sent so Close can wait out a send that raced it.
	closing context.Context
	closeFn context.CancelFunc
	closeMu sync.RWMutex

	// queue serializes calls and guards the fields below.
	queue      chan struct{}
	identity   protocol.Identity
	seq        uint32
	handshaken bool
	stamp      uint32
	stampAt    time.Time
	mismatches int

	dialectMu  sync.RWMutex
	dialect    descriptor.Dialect
	readMethod string
}

// NewSession creates a session for the device. name is used in logs and
// error messages.
func NewSession(name string, id protocol.Identity, r Requester, opts Options) *Session {
	opts.setDefaults()
	closing, closeFn := context.WithCancel(context.Background())
	return &Session{
		name:      name,
		requester: r,
		opts:      opts,
		limiter:   rate.NewLimiter(opts.HandshakeRate, opts.HandshakeBurst),
		log:       logger.ForDevice(name, id.Model),
		closing:   closing,
		closeFn:   closeFn,
		queue:     make(chan struct{}, 1),
		identity:  id,
		dialect:   descriptor.DialectMiIO,
	}
}

// Close ends the session. Queued and later calls return
// errors.ErrDeviceRemoved without sending anything, and a request already on
// the wire is abandoned. Close returns once no frame can be sent through the
// session any more.
func (s *Session) Close() {
	s.closeFn()
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	return s.closing.Err() != nil
}

func (s *Session) removed() error {
	return fmt.Errorf("%s: %w", s.name, errors.ErrDeviceRemoved)
}

// Name returns the device name given at construction.
func (s *Session) Name() string { return s.name }

// SetDialect selects the property read/write convention.
func (s *Session) SetDialect(d descriptor.Dialect, readMethod string) {
	s.dialectMu.Lock()
	defer s.dialectMu.Unlock()
	if d == "" {
		d = descriptor.DialectMiIO
	}
	s.dialect = d
	s.readMethod = readMethod
}

func (s *Session) wire() (descriptor.Dialect, string) {
	s.dialectMu.RLock()
	defer s.dialectMu.RUnlock()
	return s.dialect, s.readMethod
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.queue <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closing.Done():
		return s.removed()
	}
	if s.Closed() {
		<-s.queue
		return s.removed()
	}
	return nil
}

// send hands one frame to the requester. A session closed before or during
// the exchange yields errors.ErrDeviceRemoved.
func (s *Session) send(ctx context.Context, frame []byte, match transport.Matcher) ([]byte, error) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.Closed() {
		return nil, s.removed()
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.closing, cancel)
	defer stop()

	resp, err := s.requester.Request(reqCtx, s.identity.Address, frame, s.opts.Timeout, match)
	if err != nil && s.Closed() {
		return nil, s.removed()
	}
	return resp, err
}

func (s *Session) release() { <-s.queue }

// Identity returns a copy of the device identity.
func (s *Session) Identity(ctx context.Context) (protocol.Identity, error) {
	if err := s.acquire(ctx); err != nil {
		return protocol.Identity{}, err
	}
	defer s.release()
	return s.identity, nil
}

// Rekey replaces the token. It waits until no call is in flight, so a token
// is never rotated underneath a running poll. The next call re-handshakes.
func (s *Session) Rekey(ctx context.Context, token protocol.Token) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	s.identity.Token = token
	s.handshaken = false
	s.mismatches = 0
	s.log.Info().Msg("Device token rotated")
	return nil
}

// Readdress points the session at a new network address.
func (s *Session) Readdress(ctx context.Context, addr string) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	s.identity.Address = addr
	s.handshaken = false
	return nil
}

// Hello performs a handshake and returns the raw answer. If the session has
// no token and the device exposes one, the session adopts it.
func (s *Session) Hello(ctx context.Context) (*protocol.Hello, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	return s.handshake(ctx, true)
}

// handshake learns the device id and clock. resetSeq restarts the request
// counter; a handshake made for a retry keeps it so ids stay increasing.
func (s *Session) handshake(ctx context.Context, resetSeq bool) (*protocol.Hello, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := s.send(ctx, protocol.HelloFrame(),
		func(b []byte) (bool, error) { return protocol.IsHello(b), nil })
	if err != nil {
		metrics.Handshakes.WithLabelValues(resultLabel(err)).Inc()
		return nil, fmt.Errorf("handshake %s: %w", s.name, err)
	}
	hello, err := protocol.ParseHello(resp)
	if err != nil {
		metrics.Handshakes.WithLabelValues(metrics.ResultError).Inc()
		return nil, fmt.Errorf("handshake %s: %w", s.name, err)
	}
	metrics.Handshakes.WithLabelValues(metrics.ResultSuccess).Inc()

	if s.identity.DeviceID != 0 && s.identity.DeviceID != hello.DeviceID {
		s.log.Warn().Uint32("configured", s.identity.DeviceID).Uint32("reported", hello.DeviceID).Msg("Device id differs from configuration; using reported id")
	}
	s.identity.DeviceID = hello.DeviceID
	if s.identity.Token.IsZero() && hello.TokenExposed {
		s.identity.Token = hello.Token
		s.log.Info().Msg("Adopted token exposed by unprovisioned device")
	}
	s.stamp = hello.Stamp
	s.stampAt = time.Now()
	if resetSeq {
		s.seq = 0
	}
	s.handshaken = true
	s.log.Debug().Uint32("stamp", hello.Stamp).Msg("Handshake complete")
	return hello, nil
}

// Call invokes method with params and returns the raw result.
func (s *Session) Call(ctx context.Context, method string, params any, opts CallOptions) (json.RawMessage, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	return s.call(ctx, method, params, opts)
}

func (s *Session) call(ctx context.Context, method string, params any, opts CallOptions) (json.RawMessage, error) {
	attempts := 1
	if opts.retryable() {
		attempts += s.opts.Retries
	}

	for attempt := 0; ; attempt++ {
		result, err := s.roundTrip(ctx, method, params, attempt > 0)
		if err == nil {
			metrics.RequestsTotal.WithLabelValues(method, metrics.ResultSuccess).Inc()
			return result, nil
		}
		if !errors.Retryable(err) || attempt+1 >= attempts || ctx.Err() != nil {
			metrics.RequestsTotal.WithLabelValues(method, resultLabel(err)).Inc()
			if errors.Retryable(err) {
				// The device may have rebooted; learn its clock again next time.
				s.handshaken = false
			}
			return nil, err
		}

		metrics.RequestRetries.Inc()
		delay := s.opts.RetryDelay * time.Duration(attempt+1)
		s.log.Debug().Str("method", method).Int("attempt", attempt+1).Dur("delay", delay).Msg("Retrying after timeout")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closing.Done():
			return nil, s.removed()
		}
	}
}

// roundTrip sends one request. A retry re-handshakes first and moves the
// counter past any id the device may still remember.
func (s *Session) roundTrip(ctx context.Context, method string, params any, retry bool) (json.RawMessage, error) {
	switch {
	case retry:
		if _, err := s.handshake(ctx, false); err != nil {
			return nil, err
		}
		s.seq += seqJump
	case !s.handshaken:
		if _, err := s.handshake(ctx, true); err != nil {
			return nil, err
		}
	}

	s.seq++
	id := s.seq
	payload, err := protocol.MarshalRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	stamp := s.stamp + uint32(time.Since(s.stampAt)/time.Second)
	frame, err := protocol.Encode(&s.identity, stamp, payload)
	if err != nil {
		return nil, err
	}

	var resp *protocol.Response
	match := func(b []byte) (bool, error) {
		if protocol.IsHello(b) {
			return false, nil
		}
		msg, err := protocol.Decode(&s.identity, b)
		if err != nil {
			return false, err
		}
		r, err := protocol.ParseResponse(msg.Payload)
		if err != nil {
			return false, errors.NewMalformed(err.Error())
		}
		if r.ID != id {
			s.log.Debug().Uint32("seq", id).Uint32("got", r.ID).Msg("Discarding response for another request")
			return false, nil
		}
		resp = r
		return true, nil
	}

	if _, err := s.send(ctx, frame, match); err != nil {
		if errors.IsTokenMismatch(err) {
			return nil, s.tokenMismatch(method, err)
		}
		if stderrors.Is(err, errors.ErrAuthFailed) {
			return nil, fmt.Errorf("%s %s: %w (%w)", s.name, method, errors.ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("%s %s: %w", s.name, method, err)
	}
	s.mismatches = 0
	if resp.Error != nil {
		return nil, errors.NewDeviceError(s.name, method, resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

// tokenMismatch counts an answer that did not decrypt. The first one is
// treated as corruption and forces a fresh handshake; when the answer after
// that handshake is undecryptable too, the token is wrong.
func (s *Session) tokenMismatch(method string, err error) error {
	s.handshaken = false
	s.mismatches++
	if s.mismatches < tokenMismatchLimit {
		s.log.Debug().Str("method", method).Int("mismatches", s.mismatches).Msg("Answer did not decrypt, re-handshaking")
		return fmt.Errorf("%s %s: %w", s.name, method, err)
	}
	s.log.Warn().Str("method", method).Int("mismatches", s.mismatches).Msg("Answers do not decrypt with the configured token")
	return fmt.Errorf("%s %s: %w (%w)", s.name, method, errors.ErrUnauthorized,
		errors.NewAuthFailed(fmt.Sprintf("%d consecutive answers did not decrypt", s.mismatches)))
}

func resultLabel(err error) string {
	if errors.Retryable(err) {
		return metrics.ResultTimeout
	}
	return metrics.ResultError
}
