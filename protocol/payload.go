// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package protocol

import (
	"encoding/json"
	"fmt"
)

// Request is the JSON body sent to a device.
type Request struct {
	ID     uint32 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// ErrorBody is the error object of a failed call.
type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Response is the JSON body returned by a device.
type Response struct {
	ID     uint32          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// MarshalRequest encodes a request body. Nil params become an empty list.
func MarshalRequest(id uint32, method string, params any) ([]byte, error) {
	if params == nil {
		params = []any{}
	}
	return json.Marshal(Request{ID: id, Method: method, Params: params})
}

// ParseResponse decodes a response body.
func ParseResponse(payload []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(trimNull(payload), &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &resp, nil
}

// trimNull drops the trailing NUL some firmwares append to JSON bodies.
func trimNull(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}
