// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package errors provides the structured error types shared by the miIO bridge.
//
// Errors fall into two groups. Sentinels name a failure class (timeout,
// malformed frame, unauthorized, device-reported, ...) and are matched with
// errors.Is. Struct types carry context (operation, device id, error code)
// and are extracted with errors.As. Every struct type unwraps to the sentinel
// or cause it was built from, so callers can use whichever view they need.
//
// # Example Usage
//
//	_, err := client.Call(ctx, "get_prop", params, opts)
//	if errors.Is(err, errors.ErrUnauthorized) {
//	    // token is stale, device needs re-pairing
//	}
//
//	var devErr *errors.DeviceError
//	if errors.As(err, &devErr) {
//	    log.Printf("device returned code %d", devErr.Code)
//	}
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the protocol and coordination taxonomy.
var (
	// ErrTimeout indicates no response arrived before the deadline
	ErrTimeout = errors.New("operation timeout")

	// ErrMalformed indicates a frame failed structural or checksum validation
	ErrMalformed = errors.New("malformed frame")

	// ErrAuthFailed indicates a frame could not be decrypted with the configured token
	ErrAuthFailed = errors.New("decryption failed")

	// ErrUnauthorized indicates the device rejected our token and needs re-pairing
	ErrUnauthorized = errors.New("unauthorized")

	// ErrDeviceReported indicates the device answered with an error code
	ErrDeviceReported = errors.New("device reported error")

	// ErrUnsupported indicates the device does not support a property or method
	ErrUnsupported = errors.New("unsupported property or method")

	// ErrOutOfRange indicates a value outside the permitted range or choices
	ErrOutOfRange = errors.New("value out of range")

	// ErrDeviceBusy indicates the device did not acknowledge in time on its side
	ErrDeviceBusy = errors.New("device busy")

	// ErrDescriptorMissing indicates a composite entity lacked a required descriptor
	ErrDescriptorMissing = errors.New("descriptor missing")

	// ErrUnavailable indicates the owning device is degraded
	ErrUnavailable = errors.New("entity unavailable")

	// ErrNotWritable indicates a write against a read-only descriptor
	ErrNotWritable = errors.New("property not writable")

	// ErrDeviceRemoved indicates the device session was closed during a request
	ErrDeviceRemoved = errors.New("device removed")

	// ErrDeviceNotFound indicates a device was not found
	ErrDeviceNotFound = errors.New("device not found")

	// ErrCircuitBreakerOpen indicates the circuit breaker is open
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionClosed indicates a connection was closed
	ErrConnectionClosed = errors.New("connection closed")
)

// DecodeError is returned by the wire codec.
type DecodeError struct {
	Reason string // short description of the check that failed
	Err    error  // ErrMalformed or ErrAuthFailed

	// TokenMismatch marks a checksum failure whose payload also does not
	// decrypt with the configured token. One such frame may be corruption;
	// a run of them means the device uses another token.
	TokenMismatch bool
}

func (e *DecodeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("decode: %v: %s", e.Err, e.Reason)
	}
	return fmt.Sprintf("decode: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// NewMalformed creates a decode error for a structurally invalid frame.
func NewMalformed(reason string) *DecodeError {
	return &DecodeError{Reason: reason, Err: ErrMalformed}
}

// NewAuthFailed creates a decode error for a frame that would not decrypt.
func NewAuthFailed(reason string) *DecodeError {
	return &DecodeError{Reason: reason, Err: ErrAuthFailed}
}

// NewTokenMismatch creates a Malformed decode error flagged as a possible
// token mismatch.
func NewTokenMismatch(reason string) *DecodeError {
	return &DecodeError{Reason: reason, Err: ErrMalformed, TokenMismatch: true}
}

// IsTokenMismatch reports whether err is a decode error flagged as a
// possible token mismatch.
func IsTokenMismatch(err error) bool {
	var de *DecodeError
	return errors.As(err, &de) && de.TokenMismatch
}

// IsDecodeError checks if an error is a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Device error codes with a known meaning.
const (
	CodePropertyNotReadable = -4001
	CodePropertyNotWritable = -4002
	CodePropertyNotFound    = -4003
	CodeOperationFailed     = -4004
	CodeValueOutOfRange     = -4005
	CodeInvalidParams       = -5001
	CodeUserAckTimeout      = -9999
	CodeMethodNotFound      = -10000
)

// DeviceError is an error object returned inside a valid device response.
type DeviceError struct {
	DeviceID string
	Method   string
	Code     int
	Message  string
}

func (e *DeviceError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "no message"
	}
	if e.DeviceID != "" {
		return fmt.Sprintf("device %s: %s returned code %d: %s", e.DeviceID, e.Method, e.Code, msg)
	}
	return fmt.Sprintf("%s returned code %d: %s", e.Method, e.Code, msg)
}

// Kind returns the sentinel describing the code.
func (e *DeviceError) Kind() error {
	switch e.Code {
	case CodePropertyNotReadable, CodePropertyNotWritable, CodePropertyNotFound, CodeMethodNotFound:
		return ErrUnsupported
	case CodeValueOutOfRange, CodeInvalidParams:
		return ErrOutOfRange
	case CodeUserAckTimeout:
		return ErrDeviceBusy
	default:
		return ErrDeviceReported
	}
}

// Is reports the code's kind, and ErrDeviceReported for every code.
func (e *DeviceError) Is(target error) bool {
	return target == ErrDeviceReported || target == e.Kind()
}

// NewDeviceError creates a device-reported error.
func NewDeviceError(deviceID, method string, code int, message string) *DeviceError {
	return &DeviceError{DeviceID: deviceID, Method: method, Code: code, Message: message}
}

// IsDeviceError checks if an error is a DeviceError.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}

// DiscoveryError represents an error during mDNS address resolution.
type DiscoveryError struct {
	Op  string // Operation being performed (e.g., "mDNS browse", "parse hostname")
	Err error  // Underlying error
}

func (e *DiscoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("discovery %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("discovery %s failed", e.Op)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// NewDiscoveryError creates a new discovery error.
func NewDiscoveryError(op string, err error) *DiscoveryError {
	return &DiscoveryError{Op: op, Err: err}
}

// IsDiscoveryError checks if an error is a DiscoveryError.
func IsDiscoveryError(err error) bool {
	var de *DiscoveryError
	return errors.As(err, &de)
}

// StorageError represents an error in the descriptor cache.
type StorageError struct {
	Op  string // Operation being performed (e.g., "read", "write")
	Key string // Cache key (model string) if applicable
	Err error  // Underlying error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage %s (key=%s): %v", e.Op, e.Key, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s failed", e.Op)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new storage error.
func NewStorageError(op string, key string, err error) *StorageError {
	return &StorageError{Op: op, Key: key, Err: err}
}

// IsStorageError checks if an error is a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field string // Configuration field that caused the error
	Value string // Invalid value (optional, redacted for tokens)
	Err   error  // Underlying error or description
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("config error in field %q (value=%q): %v", e.Field, e.Value, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("config error in field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config error in field %q", e.Field)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new configuration error.
func NewConfigError(field string, value string, err error) *ConfigError {
	return &ConfigError{Field: field, Value: value, Err: err}
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// PollError wraps a failed poll cycle.
type PollError struct {
	DeviceID string
	Failures int // consecutive failures including this one
	Err      error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("poll (device=%s, failures=%d): %v", e.DeviceID, e.Failures, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}

// NewPollError creates a new poll error.
func NewPollError(deviceID string, failures int, err error) *PollError {
	return &PollError{DeviceID: deviceID, Failures: failures, Err: err}
}

// IsPollError checks if an error is a PollError.
func IsPollError(err error) bool {
	var pe *PollError
	return errors.As(err, &pe)
}

// ValidationError represents a value rejected before it reached the device.
type ValidationError struct {
	Field   string // Field that failed validation
	Value   any    // Invalid value
	Reason  string // Why validation failed
	Details error  // Additional details (optional)
}

func (e *ValidationError) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("validation error: field %q with value %v: %s (%v)", e.Field, e.Value, e.Reason, e.Details)
	}
	return fmt.Sprintf("validation error: field %q with value %v: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Details
}

// NewValidationError creates a new validation error.
func NewValidationError(field string, value any, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// NewRangeError creates a validation error that matches ErrOutOfRange.
func NewRangeError(field string, value any, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason, Details: ErrOutOfRange}
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NetworkError represents a socket-level error.
type NetworkError struct {
	Op   string // Operation being performed (e.g., "dial", "write")
	Addr string // Network address (if applicable)
	Err  error  // Underlying error
}

func (e *NetworkError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("network %s (%s): %v", e.Op, e.Addr, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("network %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("network %s failed", e.Op)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new network error.
func NewNetworkError(op string, addr string, err error) *NetworkError {
	return &NetworkError{Op: op, Addr: addr, Err: err}
}

// IsNetworkError checks if an error is a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// NotificationError represents an error sending notifications.
type NotificationError struct {
	Type string // Notification type (e.g., "slack")
	Err  error  // Underlying error
}

func (e *NotificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("notification %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("notification %s failed", e.Type)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

// NewNotificationError creates a new notification error.
func NewNotificationError(notifType string, err error) *NotificationError {
	return &NotificationError{Type: notifType, Err: err}
}

// IsNotificationError checks if an error is a NotificationError.
func IsNotificationError(err error) bool {
	var ne *NotificationError
	return errors.As(err, &ne)
}

// Retryable reports whether a failed call may be repeated unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout)
}
