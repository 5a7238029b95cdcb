// Package httpapi exposes the local control API: engine status, the pending
// queue, provider connect/disconnect, and direct document writes.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mindfold/mapsync/internal/mapsync"
)

const (
	scopeRead  = "sync:read"
	scopeWrite = "sync:write"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	engine      *mapsync.Engine
	documents   mapsync.DocumentStore
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

func NewServer(engine *mapsync.Engine, documents mapsync.DocumentStore) *Server {
	return NewServerWithConfig(engine, documents, ServerConfig{})
}

func NewServerWithConfig(engine *mapsync.Engine, documents mapsync.DocumentStore, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
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
		documents:   documents,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	switch {
	case parts[1] == "status" && len(parts) == 2 && r.Method == http.MethodGet:
		s.withAuth(w, r, scopeRead, s.handleStatus)
	case parts[1] == "queue" && len(parts) == 2 && r.Method == http.MethodGet:
		s.withAuth(w, r, scopeRead, s.handleQueue)
	case parts[1] == "providers" && len(parts) == 2 && r.Method == http.MethodGet:
		s.withAuth(w, r, scopeRead, s.handleProviders)
	case parts[1] == "providers" && len(parts) == 4:
		providerID := parts[2]
		switch {
		case parts[3] == "connect" && r.Method == http.MethodPost:
			s.withAuth(w, r, scopeWrite, func(w http.ResponseWriter, r *http.Request) {
				s.handleConnect(w, r, providerID)
			})
		case parts[3] == "disconnect" && r.Method == http.MethodPost:
			s.withAuth(w, r, scopeWrite, func(w http.ResponseWriter, r *http.Request) {
				s.handleDisconnect(w, r, providerID)
			})
		default:
			writeError(w, http.StatusNotFound, "not_found", "route not found")
		}
	case parts[1] == "maps" && len(parts) == 3:
		mapName := parts[2]
		switch r.Method {
		case http.MethodPut:
			s.withAuth(w, r, scopeWrite, func(w http.ResponseWriter, r *http.Request) {
				s.handlePutMap(w, r, mapName)
			})
		case http.MethodDelete:
			s.withAuth(w, r, scopeWrite, func(w http.ResponseWriter, r *http.Request) {
				s.handleDeleteMap(w, r, mapName)
			})
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		}
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) withAuth(w http.ResponseWriter, r *http.Request, scope string, next http.HandlerFunc) {
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, scope, time.Now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, time.Now()) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return
	}
	next(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := s.engine.State()
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	state := s.engine.State()
	writeJSON(w, http.StatusOK, map[string]any{"entries": state.Queue})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	state := s.engine.State()
	ids := s.engine.Providers()
	sort.Strings(ids)
	type providerInfo struct {
		ID        string `json:"id"`
		Connected bool   `json:"connected"`
	}
	providers := make([]providerInfo, 0, len(ids))
	for _, id := range ids {
		_, connected := state.Accounts[id]
		providers = append(providers, providerInfo{ID: id, Connected: connected})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, providerID string) {
	if err := s.engine.Connect(r.Context(), providerID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, providerID string) {
	if err := s.engine.Disconnect(r.Context(), providerID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) handlePutMap(w http.ResponseWriter, r *http.Request, mapName string) {
	var body struct {
		Document string `json:"document"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if err := s.documents.Save(mapName, body.Document); err != nil {
		s.writeEngineError(w, err)
		return
	}
	if err := s.engine.EnqueueUpdate(mapName, body.Document); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleDeleteMap(w http.ResponseWriter, r *http.Request, mapName string) {
	if err := s.documents.Delete(mapName); err != nil && !errors.Is(err, mapsync.ErrNotFound) {
		s.writeEngineError(w, err)
		return
	}
	if err := s.engine.EnqueueDelete(mapName); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mapsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, mapsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case mapsync.IsOffline(err):
		writeError(w, http.StatusServiceUnavailable, "offline", err.Error())
	case mapsync.IsAuthentication(err):
		writeError(w, http.StatusBadGateway, "provider_auth", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
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
