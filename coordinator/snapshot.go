// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package coordinator

import "time"

// Status is the coordinator state machine position.
type Status int32

const (
	StatusIdle Status = iota
	StatusPolling
	StatusUpdated
	StatusDegraded
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPolling:
		return "polling"
	case StatusUpdated:
		return "updated"
	case StatusDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// MarshalText renders the status name in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is the last-known device state. A published snapshot is never
// modified; the coordinator replaces it wholesale.
type Snapshot struct {
	Values   map[string]any
	Updated  time.Time // time of the last successful poll
	Polled   time.Time // time this snapshot was produced
	Status   Status
	Err      error
	Failures int
}

// Available reports whether the last poll succeeded.
func (s *Snapshot) Available() bool {
	return s != nil && s.Status == StatusUpdated
}

// Value returns one property value.
func (s *Snapshot) Value(name string) (any, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.Values[name]
	return v, ok
}

// Age is the time since the last successful poll.
func (s *Snapshot) Age(now time.Time) time.Duration {
	if s == nil || s.Updated.IsZero() {
		return 0
	}
	return now.Sub(s.Updated)
}

// Event is delivered to subscribers after every poll.
type Event struct {
	DeviceID  string
	Snapshot  *Snapshot
	Recovered bool // Degraded -> Updated
	Lost      bool // Updated -> Degraded
}
