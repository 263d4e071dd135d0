package api

import (
	"encoding/json"

	"github.com/mattjoyce/concurrent/internal/journal"
)

// CallRequest is the JSON body for POST /call/{module}/{fn}
type CallRequest struct {
	Args []json.RawMessage `json:"args"`
}

// CallResponse is returned once the call has settled successfully.
type CallResponse struct {
	CallID     uint64          `json:"call_id"`
	Module     string          `json:"module"`
	Fn         string          `json:"fn"`
	Value      json.RawMessage `json:"value"`
	DurationMS int64           `json:"duration_ms"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error  string `json:"error"`
	CallID uint64 `json:"call_id,omitempty"`
	// Stack is the worker-side stack for remote failures.
	Stack string `json:"stack,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ModulesLoaded int    `json:"modules_loaded"`
	Workers       int    `json:"workers"`
	InFlight      int    `json:"in_flight"`
	EventsDropped int64  `json:"events_dropped"`
}

// CallsResponse is returned by GET /calls.
type CallsResponse struct {
	Calls []journal.Entry `json:"calls"`
}
