package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/concurrent/internal/dispatch"
	"github.com/mattjoyce/concurrent/internal/engine"
	"github.com/mattjoyce/concurrent/internal/journal"
	"github.com/mattjoyce/concurrent/internal/module"
	"github.com/mattjoyce/concurrent/internal/pool"
	"github.com/mattjoyce/concurrent/internal/worker"
)

const maxCallsLimit = 1000

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	for _, st := range s.engine.Stats() {
		resp.ModulesLoaded++
		resp.Workers += st.Size
		resp.InFlight += st.InFlight
	}
	if s.events != nil {
		resp.EventsDropped = s.events.Dropped()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handlePools handles GET /pools.
func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Stats())
}

// handleListModules handles GET /modules.
func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	mods := s.engine.Modules()
	if mods == nil {
		mods = []engine.ModuleInfo{}
	}
	respondJSON(w, http.StatusOK, mods)
}

// handleGetModule handles GET /modules/{module}.
func (s *Server) handleGetModule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "module")
	for _, m := range s.engine.Modules() {
		if m.Name == name {
			respondJSON(w, http.StatusOK, m)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "module not found")
}

// handleCall handles POST /call/{module}/{fn}. The module is loaded on
// first use and the call is awaited up to the configured timeout.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	modName := chi.URLParam(r, "module")
	fn := chi.URLParam(r, "fn")

	var req CallRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	px, err := s.engine.Load(r.Context(), modName)
	if err != nil {
		s.writeCallError(w, 0, err)
		return
	}

	args := make([]any, len(req.Args))
	for i, a := range req.Args {
		args[i] = a
	}

	start := time.Now()
	f, err := px.Call(r.Context(), fn, args...)
	if err != nil {
		s.writeCallError(w, 0, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.CallTimeout)
	defer cancel()
	value, err := f.Await(ctx)
	if err != nil {
		s.writeCallError(w, f.ID(), err)
		return
	}

	respondJSON(w, http.StatusOK, CallResponse{
		CallID:     f.ID(),
		Module:     modName,
		Fn:         fn,
		Value:      value,
		DurationMS: time.Since(start).Milliseconds(),
	})
}

func (s *Server) writeCallError(w http.ResponseWriter, callID uint64, err error) {
	resp := ErrorResponse{Error: err.Error(), CallID: callID}
	status := http.StatusInternalServerError

	var remote *dispatch.RemoteError
	switch {
	case errors.As(err, &remote):
		status = http.StatusUnprocessableEntity
		resp.Stack = remote.Stack
	case errors.Is(err, engine.ErrUnknownModule), errors.Is(err, module.ErrUnknownFunction):
		status = http.StatusNotFound
	case errors.Is(err, module.ErrArity):
		status = http.StatusBadRequest
	case errors.Is(err, pool.ErrPoolTerminated):
		status = http.StatusServiceUnavailable
	case errors.Is(err, worker.ErrWorkerTerminated):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	default:
		s.logger.Error("call failed", "call_id", callID, "error", err)
	}
	respondJSON(w, status, resp)
}

// handleCalls handles GET /calls?module=&limit=.
func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		s.writeError(w, http.StatusNotFound, "call journal is disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxCallsLimit)
	}

	entries, err := s.calls.Recent(r.Context(), r.URL.Query().Get("module"), limit)
	if err != nil {
		s.logger.Error("failed to read call journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read call journal")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	respondJSON(w, http.StatusOK, CallsResponse{Calls: entries})
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.engine.Modules()))
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
