// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package coordinator polls one device on a schedule and publishes immutable
// state snapshots to its entities.
//
// Each Coordinator owns a single device. Polls never overlap: the run loop,
// Refresh and RefreshNow all funnel into one singleflight key, so concurrent
// requests share the poll that is already running. Failed polls back off
// exponentially and flip the snapshot to Degraded straight away, so stale
// values are never reported as current.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/soothill/miio-bridge/descriptor"
	apperrors "github.com/soothill/miio-bridge/pkg/errors"
	"github.com/soothill/miio-bridge/pkg/logger"
	"github.com/soothill/miio-bridge/pkg/metrics"
)

const (
	DefaultInterval   = 30 * time.Second
	DefaultMaxBackoff = 5 * time.Minute
	DefaultMultiplier = 2.0

	pollKey = "poll"
)

// Reader is the device side of a poll.
type Reader interface {
	GetProperties(ctx context.Context, ds []*descriptor.Descriptor) (map[string]any, error)
	Ping(ctx context.Context) error
}

// Options tune the poll schedule.
type Options struct {
	Interval    time.Duration
	PollTimeout time.Duration // per poll; defaults to Interval
	MaxBackoff  time.Duration
	Multiplier  float64
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = o.Interval
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.Multiplier < 1 {
		o.Multiplier = DefaultMultiplier
	}
}

// Coordinator schedules polls for one device.
type Coordinator struct {
	deviceID string
	model    string
	reader   Reader
	readable []*descriptor.Descriptor
	log      zerolog.Logger

	snapshot atomic.Pointer[Snapshot]
	polling  atomic.Bool
	group    singleflight.Group

	mu       sync.Mutex
	backoff  Backoff
	timeout  time.Duration
	base     context.Context
	subs     map[int]func(Event)
	nextSub  int
	failures int

	trigger     chan struct{}
	rescheduled chan struct{}
}

// New creates a coordinator for the readable descriptors in set.
func New(deviceID string, set *descriptor.Set, r Reader, opts Options) *Coordinator {
	opts.setDefaults()
	model := ""
	var readable []*descriptor.Descriptor
	if set != nil {
		model = set.Model
		readable = set.Readable()
	}
	c := &Coordinator{
		deviceID: deviceID,
		model:    model,
		reader:   r,
		readable: readable,
		log:      logger.ForDevice(deviceID, model),
		backoff: Backoff{
			Interval:   opts.Interval,
			Multiplier: opts.Multiplier,
			Max:        opts.MaxBackoff,
		},
		timeout:     opts.PollTimeout,
		subs:        make(map[int]func(Event)),
		trigger:     make(chan struct{}, 1),
		rescheduled: make(chan struct{}, 1),
	}
	c.snapshot.Store(&Snapshot{Status: StatusIdle, Values: map[string]any{}})
	return c
}

// DeviceID returns the device this coordinator polls.
func (c *Coordinator) DeviceID() string { return c.deviceID }

// Snapshot returns the current snapshot. It is never nil.
func (c *Coordinator) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// Status is Polling while a poll is in flight, otherwise the status of the
// last completed poll.
func (c *Coordinator) Status() Status {
	if c.polling.Load() {
		return StatusPolling
	}
	return c.snapshot.Load().Status
}

// Subscribe registers fn for every poll result. The returned func removes it.
func (c *Coordinator) Subscribe(fn func(Event)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// SetInterval changes the base poll interval. The new value applies from the
// next scheduled poll.
func (c *Coordinator) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	if c.timeout == c.backoff.Interval {
		c.timeout = d
	}
	c.backoff.Interval = d
	c.mu.Unlock()
	c.signal(c.rescheduled)
}

// Interval returns the base poll interval.
func (c *Coordinator) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff.Interval
}

// NextDelay returns the wait before the next scheduled poll.
func (c *Coordinator) NextDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff.Delay(c.failures)
}

// Refresh asks the run loop to poll as soon as possible. Requests made while
// a poll is running collapse into a single follow-up poll.
func (c *Coordinator) Refresh() {
	c.signal(c.trigger)
}

// RefreshNow polls immediately, or joins the poll already in flight, and
// waits for its result.
func (c *Coordinator) RefreshNow(ctx context.Context) (*Snapshot, error) {
	base := c.baseContext()
	if base == nil {
		base = context.WithoutCancel(ctx)
	}
	ch := c.group.DoChan(pollKey, func() (any, error) {
		snap := c.poll(base)
		return snap, snap.Err
	})
	select {
	case <-ctx.Done():
		return c.Snapshot(), ctx.Err()
	case res := <-ch:
		c.signal(c.rescheduled)
		snap, _ := res.Val.(*Snapshot)
		return snap, res.Err
	}
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (c *Coordinator) Run(ctx context.Context) {
	c.mu.Lock()
	c.base = ctx
	c.mu.Unlock()

	c.log.Info().Dur("interval", c.Interval()).Int("properties", len(c.readable)).
		Msg("Starting device polling")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("Stopped device polling")
			return
		case <-c.rescheduled:
			timer.Reset(c.NextDelay())
			continue
		case <-timer.C:
		case <-c.trigger:
		}

		if ctx.Err() != nil {
			return
		}
		ch := c.group.DoChan(pollKey, func() (any, error) {
			snap := c.poll(ctx)
			return snap, snap.Err
		})
		select {
		case <-ctx.Done():
			return
		case <-ch:
		}
		// drain a reschedule raised by our own poll
		select {
		case <-c.rescheduled:
		default:
		}
		timer.Reset(c.NextDelay())
	}
}

func (c *Coordinator) baseContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.base
}

func (c *Coordinator) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// poll runs one cycle and publishes the resulting snapshot.
func (c *Coordinator) poll(ctx context.Context) *Snapshot {
	prev := c.snapshot.Load()
	c.polling.Store(true)
	defer c.polling.Store(false)

	c.mu.Lock()
	timeout := c.timeout
	c.mu.Unlock()

	start := time.Now()
	values, err := c.read(ctx, timeout)
	if errors.Is(err, apperrors.ErrDeviceBusy) && ctx.Err() == nil {
		c.log.Debug().Err(err).Msg("Device busy, retrying poll once")
		values, err = c.read(ctx, timeout)
	}
	metrics.PollDuration.Observe(time.Since(start).Seconds())

	now := time.Now()
	if err == nil {
		c.mu.Lock()
		c.failures = 0
		c.mu.Unlock()
		next := &Snapshot{Values: values, Updated: now, Polled: now, Status: StatusUpdated}
		c.snapshot.Store(next)

		metrics.PollsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
		metrics.ConsecutiveFailures.WithLabelValues(c.deviceID).Set(0)
		metrics.DeviceAvailable.WithLabelValues(c.deviceID, c.model).Set(1)

		recovered := prev.Status == StatusDegraded || prev.Failures > 0
		if recovered {
			c.log.Info().Int("failures", prev.Failures).Msg("Device recovered")
		}
		c.publish(Event{DeviceID: c.deviceID, Snapshot: next, Recovered: recovered})
		return next
	}

	if ctx.Err() != nil && !errors.Is(err, apperrors.ErrTimeout) {
		// Device removed or shutting down; leave the snapshot as it was.
		return &Snapshot{
			Values:   prev.Values,
			Updated:  prev.Updated,
			Polled:   prev.Polled,
			Status:   prev.Status,
			Err:      ctx.Err(),
			Failures: prev.Failures,
		}
	}

	c.mu.Lock()
	c.failures++
	failures := c.failures
	c.mu.Unlock()

	pollErr := apperrors.NewPollError(c.deviceID, failures, err)
	next := &Snapshot{
		Values:   prev.Values,
		Updated:  prev.Updated,
		Polled:   now,
		Status:   StatusDegraded,
		Err:      pollErr,
		Failures: failures,
	}
	c.snapshot.Store(next)

	result := metrics.ResultError
	if errors.Is(err, apperrors.ErrTimeout) {
		result = metrics.ResultTimeout
	}
	metrics.PollsTotal.WithLabelValues(result).Inc()
	metrics.ConsecutiveFailures.WithLabelValues(c.deviceID).Set(float64(failures))
	metrics.DeviceAvailable.WithLabelValues(c.deviceID, c.model).Set(0)

	lost := prev.Status != StatusDegraded && prev.Failures == 0
	evt := c.log.Warn()
	if !lost {
		evt = c.log.Debug()
	}
	evt.Err(err).Int("failures", failures).Dur("next_poll", c.NextDelay()).Msg("Poll failed")

	c.publish(Event{DeviceID: c.deviceID, Snapshot: next, Lost: lost})
	return next
}

func (c *Coordinator) read(ctx context.Context, timeout time.Duration) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if len(c.readable) == 0 {
		if err := c.reader.Ping(ctx); err != nil {
			return nil, err
		}
		return map[string]any{}, nil
	}
	return c.reader.GetProperties(ctx, c.readable)
}

func (c *Coordinator) publish(e Event) {
	c.mu.Lock()
	subs := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		c.deliver(fn, e)
	}
}

func (c *Coordinator) deliver(fn func(Event), e Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("Subscriber panicked")
		}
	}()
	fn(e)
}
