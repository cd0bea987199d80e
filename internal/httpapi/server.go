package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/skillsync/internal/progress"
	"github.com/agentworkforce/skillsync/internal/syncer"
)

const (
	scopeRead  = "progress:read"
	scopeWrite = "progress:write"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// FeedOrigins lists extra host patterns allowed to open the websocket feed.
	FeedOrigins  []string
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

// Engine is the mutation surface of the sync orchestrator.
type Engine interface {
	SetSource(url string, status progress.SourceStatus) syncer.Snapshot
	CompleteActivity(c progress.Completion) (syncer.Snapshot, bool, error)
	AttachHeader(c progress.Completion) (syncer.Snapshot, bool, error)
	Trigger(cause string) syncer.Snapshot
}

type Server struct {
	store       *syncer.StateStore
	engine      Engine
	cfg         ServerConfig
	logger      *zap.Logger
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

func NewServer(store *syncer.StateStore, engine Engine) *Server {
	return NewServerWithConfig(store, engine, ServerConfig{})
}

func NewServerWithConfig(store *syncer.StateStore, engine Engine, cfg ServerConfig) *Server {
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
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
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
		store:       store,
		engine:      engine,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	var requiredScope string
	var route string
	switch {
	case r.URL.Path == "/v1/progress/ledger" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "ledger"
	case r.URL.Path == "/v1/progress/sync" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "sync"
	case r.URL.Path == "/v1/progress/badges" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "badges"
	case r.URL.Path == "/v1/progress/feed" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "feed"
	case r.URL.Path == "/v1/progress/source" && r.Method == http.MethodPut:
		requiredScope = scopeWrite
		route = "source"
	case r.URL.Path == "/v1/progress/activities/complete" && r.Method == http.MethodPost:
		requiredScope = scopeWrite
		route = "complete"
	case r.URL.Path == "/v1/progress/activities/header" && r.Method == http.MethodPost:
		requiredScope = scopeWrite
		route = "header"
	case r.URL.Path == "/v1/progress/badges/evaluate" && r.Method == http.MethodPost:
		requiredScope = scopeWrite
		route = "evaluate"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	authHeader := r.Header.Get("Authorization")
	if route == "feed" && authHeader == "" {
		// Browsers cannot set headers on websocket upgrades.
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && route != "feed" {
		if !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "ledger":
		s.handleLedger(w, r, correlationID)
	case "sync":
		s.handleSync(w, r, correlationID)
	case "badges":
		s.handleBadges(w, r, correlationID)
	case "feed":
		s.handleFeed(w, r, correlationID)
	case "source":
		s.handleSetSource(w, r, correlationID)
	case "complete":
		s.handleCompleteActivity(w, r, correlationID)
	case "header":
		s.handleAttachHeader(w, r, correlationID)
	case "evaluate":
		s.handleEvaluate(w, r, correlationID)
	}
}

func (s *Server) handleLedger(w http.ResponseWriter, _ *http.Request, _ string) {
	snap := s.store.Snapshot()
	w.Header().Set("ETag", strconv.FormatUint(snap.Ledger.Version, 10))
	writeJSON(w, http.StatusOK, map[string]any{
		"seq":       snap.Seq,
		"sourceUrl": snap.SourceURL,
		"ledger":    snap.Ledger,
	})
}

type syncResponse struct {
	State    syncer.State `json:"state"`
	SignedIn bool         `json:"signedIn"`
	UserID   string       `json:"userId,omitempty"`
	Settled  bool         `json:"settled"`
	Version  uint64       `json:"version"`
}

func (s *Server) handleSync(w http.ResponseWriter, _ *http.Request, _ string) {
	snap := s.store.Snapshot()
	writeJSON(w, http.StatusOK, syncResponse{
		State:    snap.Sync.State,
		SignedIn: snap.Sync.SignedIn,
		UserID:   snap.Sync.UserID,
		Settled:  snap.Sync.Settled(),
		Version:  snap.Ledger.Version,
	})
}

func (s *Server) handleBadges(w http.ResponseWriter, _ *http.Request, _ string) {
	snap := s.store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"sourceUrl":    snap.SourceURL,
		"sourceStatus": snap.SourceStatus,
		"badges":       snap.Badges,
		"preferences":  snap.Preferences,
	})
}

func (s *Server) handleSetSource(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		URL    string `json:"url"`
		Status string `json:"status"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "url is required", correlationID)
		return
	}
	snap := s.engine.SetSource(req.URL, progress.ParseSourceStatus(req.Status))
	writeJSON(w, http.StatusOK, map[string]any{
		"seq":          snap.Seq,
		"sourceUrl":    snap.SourceURL,
		"sourceStatus": snap.SourceStatus,
	})
}

func (s *Server) handleCompleteActivity(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req progress.Completion
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	snap, changed, err := s.engine.CompleteActivity(req)
	s.writeMutation(w, snap, changed, err, correlationID)
}

func (s *Server) handleAttachHeader(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req progress.Completion
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	snap, changed, err := s.engine.AttachHeader(req)
	s.writeMutation(w, snap, changed, err, correlationID)
}

func (s *Server) writeMutation(w http.ResponseWriter, snap syncer.Snapshot, changed bool, err error, correlationID string) {
	if err != nil {
		switch {
		case errors.Is(err, progress.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		case errors.Is(err, progress.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		default:
			s.logger.Error("ledger mutation failed", zap.String("correlation_id", correlationID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"changed": changed,
		"seq":     snap.Seq,
		"version": snap.Ledger.Version,
	})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, _ *http.Request, _ string) {
	snap := s.engine.Trigger("badges-evaluate")
	writeJSON(w, http.StatusAccepted, map[string]any{"seq": snap.Seq})
}

type feedMessage struct {
	Seq          uint64                `json:"seq"`
	Cause        string                `json:"cause"`
	Sync         syncer.SyncStatus     `json:"sync"`
	SourceURL    string                `json:"sourceUrl"`
	SourceStatus progress.SourceStatus `json:"sourceStatus"`
	Version      uint64                `json:"version"`
	Ledger       *progress.Ledger      `json:"ledger"`
	Badges       *progress.BadgeState  `json:"badges,omitempty"`
}

func newFeedMessage(snap syncer.Snapshot) feedMessage {
	return feedMessage{
		Seq:          snap.Seq,
		Cause:        snap.Cause,
		Sync:         snap.Sync,
		SourceURL:    snap.SourceURL,
		SourceStatus: snap.SourceStatus,
		Version:      snap.Ledger.Version,
		Ledger:       snap.Ledger,
		Badges:       snap.Badges,
	}
}

// handleFeed streams every published snapshot, starting with the current
// one. Slow readers skip intermediate snapshots.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request, correlationID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.FeedOrigins})
	if err != nil {
		s.logger.Warn("feed upgrade failed", zap.String("correlation_id", correlationID), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := s.store.Subscribe()
	defer unsubscribe()
	ctx := conn.CloseRead(r.Context())

	if err := s.writeFeed(ctx, conn, s.store.Snapshot()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := s.writeFeed(ctx, conn, snap); err != nil {
				s.logger.Debug("feed write failed", zap.String("correlation_id", correlationID), zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) writeFeed(ctx context.Context, conn *websocket.Conn, snap syncer.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, newFeedMessage(snap))
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
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
