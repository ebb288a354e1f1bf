// Package httpapi exposes the engine's diagnostics over a small local HTTP
// surface: health, a status snapshot, the live record collection, and a
// couple of control endpoints for visibility and manual flushes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/agentworkforce/tabsync/internal/tabsync"
)

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	engine      *tabsync.Engine
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(engine *tabsync.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *tabsync.Engine, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:      engine,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	correlationID := getCorrelationID(r)
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch {
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.engine.Status())
	case r.URL.Path == "/v1/tabs" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"tabs": s.engine.Tabs()})
	case r.URL.Path == "/v1/visibility" && r.Method == http.MethodPost:
		s.handleVisibility(w, r, correlationID)
	case r.URL.Path == "/v1/flush" && r.Method == http.MethodPost:
		s.handleFlush(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		Visible bool `json:"visible"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	s.engine.OnVisibilityChange(req.Visible)
	writeJSON(w, http.StatusOK, map[string]bool{"visible": req.Visible})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		Force bool `json:"force"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.engine.Flush(ctx, req.Force); err != nil {
		switch {
		case errors.Is(err, tabsync.ErrNotReady):
			writeError(w, http.StatusConflict, "identity_not_ready", "instance identity is not resolved yet", correlationID)
		case errors.Is(err, tabsync.ErrEmptyWriteRejected):
			writeError(w, http.StatusConflict, "empty_write_rejected", "refusing to persist an empty batch", correlationID)
		case errors.Is(err, tabsync.ErrLoopDetected):
			writeError(w, http.StatusTooManyRequests, "loop_detected", "write queue circuit breaker is open", correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "flush_failed", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"flushed": true})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func clientKey(r *http.Request) string {
	return r.RemoteAddr
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
