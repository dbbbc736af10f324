// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package api

import (
	"context"
	"errors"
	"net/http"

	apperrors "github.com/soothill/miio-bridge/pkg/errors"
	"github.com/soothill/miio-bridge/pkg/logger"
)

// Problem is the JSON error body.
type Problem struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP. Order matters: a local
// validation error wraps ErrOutOfRange too, and every device code matches
// ErrDeviceReported.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, apperrors.ErrDeviceNotFound):
		return http.StatusNotFound, "not_found"
	case apperrors.IsValidationError(err):
		return http.StatusBadRequest, "invalid_value"
	case errors.Is(err, apperrors.ErrNotWritable):
		return http.StatusBadRequest, "not_writable"
	case errors.Is(err, apperrors.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, apperrors.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, apperrors.ErrUnsupported), errors.Is(err, apperrors.ErrOutOfRange):
		return http.StatusUnprocessableEntity, "rejected_by_device"
	case errors.Is(err, apperrors.ErrDeviceBusy):
		return http.StatusServiceUnavailable, "device_busy"
	case errors.Is(err, apperrors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, apperrors.ErrDeviceRemoved):
		return http.StatusGone, "device_removed"
	case errors.Is(err, apperrors.ErrDeviceReported):
		return http.StatusBadGateway, "device_error"
	case errors.Is(err, apperrors.ErrMalformed), errors.Is(err, apperrors.ErrAuthFailed):
		return http.StatusBadGateway, "protocol_error"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Warn().Err(err).Str("request_id", RequestIDFrom(r.Context())).Str("path", r.URL.Path).Msg("Request failed")
	}
	respondError(w, r, status, code, err.Error())
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	respondJSON(w, r, status, Problem{
		Error:     code,
		Message:   message,
		RequestID: RequestIDFrom(r.Context()),
	})
}
