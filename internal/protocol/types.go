package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the wire protocol version spoken between a pool and its workers.
const Version = 1

// Call is sent from the pool to a worker to invoke one exported function.
type Call struct {
	ID   uint64            `json:"id"`
	Fn   string            `json:"fn"`
	Args []json.RawMessage `json:"args"`
}

// Response is sent from a worker back to the pool once a call has finished.
type Response struct {
	ID    uint64          `json:"id"`
	OK    bool            `json:"ok"`
	Value json.RawMessage `json:"value,omitempty"`
	Error *ErrorInfo      `json:"error,omitempty"` // only when ok=false
}

// ErrorInfo carries a worker-side failure verbatim.
type ErrorInfo struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// NewCall builds a Call, marshaling each argument to JSON.
func NewCall(id uint64, fn string, args ...any) (*Call, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal argument %d: %w", i, err)
		}
		raw = append(raw, b)
	}
	return &Call{ID: id, Fn: fn, Args: raw}, nil
}

// Success builds an ok Response carrying value.
func Success(id uint64, value any) (*Response, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{ID: id, OK: true, Value: b}, nil
}

// Failure builds an error Response.
func Failure(id uint64, message, stack string) *Response {
	if message == "" {
		message = "unknown error"
	}
	return &Response{ID: id, OK: false, Error: &ErrorInfo{Message: message, Stack: stack}}
}
