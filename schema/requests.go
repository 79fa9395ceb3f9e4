package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// APIResponse is the REST envelope returned by the backend.
type APIResponse[T any] struct {
	Success bool   `json:"success"`
	Data    *T     `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// DecodeAPIResponse decodes an envelope and returns its data.
// Unsuccessful envelopes and missing data are reported as ErrRequestFailed.
func DecodeAPIResponse[T any](raw []byte) (T, error) {
	var zero T
	var envelope APIResponse[T]
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return zero, fmt.Errorf("%w: decode envelope: %v", ErrRequestFailed, err)
	}
	if !envelope.Success {
		msg := strings.TrimSpace(envelope.Message)
		if msg == "" {
			msg = "unsuccessful response"
		}
		return zero, fmt.Errorf("%w: %s", ErrRequestFailed, msg)
	}
	if envelope.Data == nil {
		return zero, fmt.Errorf("%w: response has no data", ErrRequestFailed)
	}
	return *envelope.Data, nil
}

// OK wraps data in a successful envelope.
func OK[T any](data T) APIResponse[T] {
	return APIResponse[T]{Success: true, Data: &data}
}

// Failure builds an unsuccessful envelope.
func Failure[T any](message string) APIResponse[T] {
	return APIResponse[T]{Success: false, Message: message}
}
