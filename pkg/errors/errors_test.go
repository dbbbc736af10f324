// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestDiscoveryError(t *testing.T) {
	baseErr := fmt.Errorf("network unreachable")
	err := NewDiscoveryError("mDNS scan", baseErr)

	// Test Error() method
	errMsg := err.Error()
	if !strings.Contains(errMsg, "discovery") || !strings.Contains(errMsg, "mDNS scan") {
		t.Errorf("Error() = %q, want message containing 'discovery' and 'mDNS scan'", errMsg)
	}

	// Test Unwrap()
	if !errors.Is(err, baseErr) {
		t.Error("errors.Is() should find wrapped error")
	}

	// Test IsDiscoveryError()
	if !IsDiscoveryError(err) {
		t.Error("IsDiscoveryError() should return true for DiscoveryError")
	}

	// Test errors.As()
	var de *DiscoveryError
	if !errors.As(err, &de) {
		t.Error("errors.As() should extract DiscoveryError")
	}
	if de.Op != "mDNS scan" {
		t.Errorf("DiscoveryError.Op = %q, want %q", de.Op, "mDNS scan")
	}
}

func TestStorageError(t *testing.T) {
	baseErr := fmt.Errorf("connection timeout")
	err := NewStorageError("write", "zhimi.fan.za4", baseErr)

	// Test Error() method
	errMsg := err.Error()
	if !strings.Contains(errMsg, "storage") || !strings.Contains(errMsg, "write") || !strings.Contains(errMsg, "zhimi.fan.za4") {
		t.Errorf("Error() = %q, want message containing 'storage', 'write', and the key", errMsg)
	}

	// Test Unwrap()
	if !errors.Is(err, baseErr) {
		t.Error("errors.Is() should find wrapped error")
	}

	// Test IsStorageError()
	if !IsStorageError(err) {
		t.Error("IsStorageError() should return true for StorageError")
	}

	// Test errors.As()
	var se *StorageError
	if !errors.As(err, &se) {
		t.Error("errors.As() should extract StorageError")
	}
	if se.Op != "write" {
		t.Errorf("StorageError.Op = %q, want %q", se.Op, "write")
	}
	if se.Key != "zhimi.fan.za4" {
		t.Errorf("StorageError.Key = %q, want %q", se.Key, "zhimi.fan.za4")
	}
}

func TestConfigError(t *testing.T) {
	baseErr := fmt.Errorf("invalid format")
	err := NewConfigError("devices[0].token", "<redacted>", baseErr)

	// Test Error() method
	errMsg := err.Error()
	if !strings.Contains(errMsg, "config") || !strings.Contains(errMsg, "devices[0].token") {
		t.Errorf("Error() = %q, want message containing 'config' and 'devices[0].token'", errMsg)
	}

	// Test IsConfigError()
	if !IsConfigError(err) {
		t.Error("IsConfigError() should return true for ConfigError")
	}

	// Test errors.As()
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Error("errors.As() should extract ConfigError")
	}
	if ce.Field != "devices[0].token" {
		t.Errorf("ConfigError.Field = %q, want %q", ce.Field, "devices[0].token")
	}
}

func TestPollError(t *testing.T) {
	err := NewPollError("lamp-1", 3, ErrTimeout)

	errMsg := err.Error()
	if !strings.Contains(errMsg, "poll") || !strings.Contains(errMsg, "lamp-1") || !strings.Contains(errMsg, "failures=3") {
		t.Errorf("Error() = %q, want message containing 'poll', 'lamp-1', and 'failures=3'", errMsg)
	}

	if !IsPollError(err) {
		t.Error("IsPollError() should return true for PollError")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("errors.Is() should find ErrTimeout through PollError")
	}
}

func TestDecodeError(t *testing.T) {
	malformed := NewMalformed("bad magic")
	if !errors.Is(malformed, ErrMalformed) {
		t.Error("NewMalformed() should match ErrMalformed")
	}
	if errors.Is(malformed, ErrAuthFailed) {
		t.Error("NewMalformed() should not match ErrAuthFailed")
	}

	auth := NewAuthFailed("bad padding")
	if !errors.Is(auth, ErrAuthFailed) {
		t.Error("NewAuthFailed() should match ErrAuthFailed")
	}
	if !IsDecodeError(fmt.Errorf("wrapped: %w", auth)) {
		t.Error("IsDecodeError() should see through wrapping")
	}
	if !strings.Contains(auth.Error(), "bad padding") {
		t.Errorf("Error() = %q, want reason included", auth.Error())
	}

	mismatch := NewTokenMismatch("checksum mismatch")
	if !errors.Is(mismatch, ErrMalformed) || errors.Is(mismatch, ErrAuthFailed) {
		t.Error("NewTokenMismatch() should match ErrMalformed only")
	}
	if !IsTokenMismatch(fmt.Errorf("wrapped: %w", mismatch)) {
		t.Error("IsTokenMismatch() should see through wrapping")
	}
	if IsTokenMismatch(malformed) {
		t.Error("IsTokenMismatch() should be false for plain malformed frames")
	}
}

func TestDeviceErrorKinds(t *testing.T) {
	testCases := []struct {
		code int
		want error
	}{
		{CodePropertyNotReadable, ErrUnsupported},
		{CodePropertyNotWritable, ErrUnsupported},
		{CodePropertyNotFound, ErrUnsupported},
		{CodeMethodNotFound, ErrUnsupported},
		{CodeValueOutOfRange, ErrOutOfRange},
		{CodeInvalidParams, ErrOutOfRange},
		{CodeUserAckTimeout, ErrDeviceBusy},
		{CodeOperationFailed, ErrDeviceReported},
		{-1234, ErrDeviceReported},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("code_%d", tc.code), func(t *testing.T) {
			err := fmt.Errorf("call: %w", NewDeviceError("lamp-1", "set_bright", tc.code, "x"))
			if !errors.Is(err, tc.want) {
				t.Errorf("errors.Is(%d, %v) = false, want true", tc.code, tc.want)
			}
			if !errors.Is(err, ErrDeviceReported) {
				t.Errorf("errors.Is(%d, ErrDeviceReported) = false, want true", tc.code)
			}
			var de *DeviceError
			if !errors.As(err, &de) || de.Code != tc.code {
				t.Errorf("errors.As() code = %v, want %d", de, tc.code)
			}
		})
	}
}

func TestRangeErrorMatchesOutOfRange(t *testing.T) {
	err := NewRangeError("brightness", 150, "must be within [1, 100]")
	if !errors.Is(err, ErrOutOfRange) {
		t.Error("NewRangeError() should match ErrOutOfRange")
	}
	if !IsValidationError(err) {
		t.Error("NewRangeError() should be a ValidationError")
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(fmt.Errorf("x: %w", ErrTimeout)) {
		t.Error("Retryable(timeout) = false, want true")
	}
	for _, err := range []error{NewAuthFailed("x"), NewMalformed("x"), NewDeviceError("", "m", -1, "")} {
		if Retryable(err) {
			t.Errorf("Retryable(%v) = true, want false", err)
		}
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("fan_level", -1, "must be non-negative")

	// Test Error() method
	errMsg := err.Error()
	if !strings.Contains(errMsg, "validation") || !strings.Contains(errMsg, "fan_level") || !strings.Contains(errMsg, "non-negative") {
		t.Errorf("Error() = %q, want message containing 'validation', 'fan_level', and 'non-negative'", errMsg)
	}

	// Test IsValidationError()
	if !IsValidationError(err) {
		t.Error("IsValidationError() should return true for ValidationError")
	}

	// Test errors.As()
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Error("errors.As() should extract ValidationError")
	}
	if ve.Field != "fan_level" {
		t.Errorf("ValidationError.Field = %q, want %q", ve.Field, "fan_level")
	}
	if ve.Reason != "must be non-negative" {
		t.Errorf("ValidationError.Reason = %q, want %q", ve.Reason, "must be non-negative")
	}
}

func TestNetworkError(t *testing.T) {
	baseErr := fmt.Errorf("connection refused")
	err := NewNetworkError("dial", "192.168.1.100:54321", baseErr)

	// Test Error() method
	errMsg := err.Error()
	if !strings.Contains(errMsg, "network") || !strings.Contains(errMsg, "dial") || !strings.Contains(errMsg, "192.168.1.100:54321") {
		t.Errorf("Error() = %q, want message containing 'network', 'dial', and address", errMsg)
	}

	// Test IsNetworkError()
	if !IsNetworkError(err) {
		t.Error("IsNetworkError() should return true for NetworkError")
	}
}

func TestNotificationError(t *testing.T) {
	baseErr := fmt.Errorf("webhook failed")
	err := NewNotificationError("slack", baseErr)

	// Test Error() method
	errMsg := err.Error()
	if !strings.Contains(errMsg, "notification") || !strings.Contains(errMsg, "slack") {
		t.Errorf("Error() = %q, want message containing 'notification' and 'slack'", errMsg)
	}

	// Test IsNotificationError()
	if !IsNotificationError(err) {
		t.Error("IsNotificationError() should return true for NotificationError")
	}
}

func TestSentinelErrors(t *testing.T) {
	testCases := []struct {
		name string
		err  error
	}{
		{"ErrTimeout", ErrTimeout},
		{"ErrMalformed", ErrMalformed},
		{"ErrAuthFailed", ErrAuthFailed},
		{"ErrUnauthorized", ErrUnauthorized},
		{"ErrDeviceReported", ErrDeviceReported},
		{"ErrUnsupported", ErrUnsupported},
		{"ErrOutOfRange", ErrOutOfRange},
		{"ErrDeviceBusy", ErrDeviceBusy},
		{"ErrDescriptorMissing", ErrDescriptorMissing},
		{"ErrUnavailable", ErrUnavailable},
		{"ErrNotWritable", ErrNotWritable},
		{"ErrDeviceRemoved", ErrDeviceRemoved},
		{"ErrDeviceNotFound", ErrDeviceNotFound},
		{"ErrCircuitBreakerOpen", ErrCircuitBreakerOpen},
		{"ErrInvalidConfig", ErrInvalidConfig},
		{"ErrConnectionClosed", ErrConnectionClosed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Test that sentinel errors have non-empty messages
			if tc.err.Error() == "" {
				t.Errorf("%s has empty error message", tc.name)
			}

			// Test that sentinel errors can be wrapped and checked with errors.Is()
			wrapped := fmt.Errorf("operation failed: %w", tc.err)
			if !errors.Is(wrapped, tc.err) {
				t.Errorf("errors.Is() should find wrapped %s", tc.name)
			}
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	// Create a chain of errors
	baseErr := fmt.Errorf("base error")
	discoveryErr := NewDiscoveryError("scan", baseErr)
	storageErr := NewStorageError("write", "chuangmi.plug.m1", discoveryErr)

	// Test unwrapping works through the chain
	if !errors.Is(storageErr, baseErr) {
		t.Error("errors.Is() should find base error through chain")
	}

	// Test As() works for intermediate types
	var de *DiscoveryError
	if !errors.As(storageErr, &de) {
		t.Error("errors.As() should find DiscoveryError in chain")
	}

	var se *StorageError
	if !errors.As(storageErr, &se) {
		t.Error("errors.As() should find StorageError at top of chain")
	}
}

func TestErrorsWithoutUnderlyingError(t *testing.T) {
	// Test errors can be created without underlying errors
	discoveryErr := NewDiscoveryError("scan", nil)
	if discoveryErr.Error() == "" {
		t.Error("DiscoveryError without underlying error should have message")
	}

	storageErr := NewStorageError("write", "", nil)
	if storageErr.Error() == "" {
		t.Error("StorageError without underlying error should have message")
	}

	configErr := NewConfigError("field", "", nil)
	if configErr.Error() == "" {
		t.Error("ConfigError without underlying error should have message")
	}
}

func TestIsHelperWithWrongType(t *testing.T) {
	// Test that Is helpers return false for wrong error types
	genericErr := fmt.Errorf("generic error")

	if IsDiscoveryError(genericErr) {
		t.Error("IsDiscoveryError() should return false for generic error")
	}

	if IsStorageError(genericErr) {
		t.Error("IsStorageError() should return false for generic error")
	}

	if IsConfigError(genericErr) {
		t.Error("IsConfigError() should return false for generic error")
	}

	if IsPollError(genericErr) {
		t.Error("IsPollError() should return false for generic error")
	}

	if IsDeviceError(genericErr) {
		t.Error("IsDeviceError() should return false for generic error")
	}

	if IsValidationError(genericErr) {
		t.Error("IsValidationError() should return false for generic error")
	}

	if IsNetworkError(genericErr) {
		t.Error("IsNetworkError() should return false for generic error")
	}

	if IsNotificationError(genericErr) {
		t.Error("IsNotificationError() should return false for generic error")
	}
}
