// Package httpapi serves a docstore over HTTP: REST endpoints for single and
// batched mutations plus a websocket stream of snapshots per user.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/numberguard/internal/contacts"
	"github.com/agentworkforce/numberguard/internal/docstore"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          zerolog.Logger
}

type Server struct {
	store       docstore.Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
	router      chi.Router
	log         zerolog.Logger
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

type listResponse struct {
	Contacts []contacts.Record `json:"contacts"`
}

type createResponse struct {
	ID string `json:"id"`
}

type batchRequest struct {
	Mutations []docstore.Mutation `json:"mutations"`
}

type batchResponse struct {
	IDs []string `json:"ids"`
}

func NewServer(store docstore.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{Logger: zerolog.Nop()})
}

func NewServerWithConfig(store docstore.Store, cfg ServerConfig) *Server {
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
	s := &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		log:         cfg.Logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1/users/{uid}/contacts", func(r chi.Router) {
		r.With(s.authorize(ScopeContactsRead)).Get("/", s.handleList)
		r.With(s.authorize(ScopeContactsWrite)).Post("/", s.handleCreate)
		r.With(s.authorize(ScopeContactsWrite)).Post("/batch", s.handleBatch)
		r.With(s.authorize(ScopeContactsRead)).Get("/stream", s.handleStream)
		r.With(s.authorize(ScopeContactsWrite)).Patch("/{id}", s.handleUpdate)
		r.With(s.authorize(ScopeContactsWrite)).Delete("/{id}", s.handleDelete)
	})
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("correlation_id", getCorrelationID(r)).
			Msg("request")
	})
}

func (s *Server) authorize(requiredScope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := chi.URLParam(r, "uid")
			claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, userID, requiredScope, time.Now().UTC())
			if authErr != nil {
				writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
				return
			}
			correlationID := getCorrelationID(r)
			if correlationID == "" {
				writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
				return
			}
			if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
				retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.List(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		s.writeStoreError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Contacts: docs})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var rec contacts.Record
	if !s.decodeJSONBody(w, r, correlationID, &rec) {
		return
	}
	id, err := s.store.Create(r.Context(), chi.URLParam(r, "uid"), rec)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{ID: id})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var patch contacts.Patch
	if !s.decodeJSONBody(w, r, correlationID, &patch) {
		return
	}
	if err := s.store.Update(r.Context(), chi.URLParam(r, "uid"), chi.URLParam(r, "id"), patch); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), chi.URLParam(r, "uid"), chi.URLParam(r, "id")); err != nil {
		s.writeStoreError(w, err, getCorrelationID(r))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req batchRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	ids, err := s.store.Commit(r.Context(), chi.URLParam(r, "uid"), req.Mutations)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{IDs: ids})
}

// handleStream upgrades to a websocket and sends the user's full collection
// once on connect and again after every change.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "uid")
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("user", userID).Msg("websocket accept failed")
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	changes, stop, err := s.store.Watch(ctx, userID)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "watch failed")
		return
	}
	defer stop()

	for {
		docs, err := s.store.List(ctx, userID)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn().Err(err).Str("user", userID).Msg("snapshot list failed")
				conn.Close(websocket.StatusInternalError, "list failed")
			}
			return
		}
		if err := wsjson.Write(ctx, conn, listResponse{Contacts: docs}); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-changes:
		}
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	var mErr *docstore.MutationError
	index := -1
	if errors.As(err, &mErr) {
		index = mErr.Index
	}
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, docstore.ErrInvalid):
		status, code = http.StatusBadRequest, "invalid_document"
	default:
		s.log.Error().Err(err).Str("correlation_id", correlationID).Msg("store failure")
	}
	body := map[string]any{
		"code":          code,
		"message":       err.Error(),
		"correlationId": correlationID,
	}
	if index >= 0 {
		body["index"] = index
	}
	writeJSON(w, status, body)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
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
