// Package web serves the read-only health and status surface of the guardian.
package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/vadiminshakov/sentinel/internal/audit"
	"github.com/vadiminshakov/sentinel/internal/domain"
)

const auditPollInterval = time.Second

type snapshotReader interface {
	Snapshot() domain.Snapshot
}

type auditReader interface {
	EntriesAfter(index uint64) ([]domain.AuditRecord, error)
}

type safeModeReader interface {
	SafeMode() (bool, string)
}

// Option configures Server.
type Option func(*Server)

// WithAuditStore enables /audit/stream.
func WithAuditStore(store auditReader) Option {
	return func(s *Server) { s.audit = store }
}

// WithMetrics mounts h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithSafeMode reports supervisor safe mode on /health and /status.
func WithSafeMode(r safeModeReader) Option {
	return func(s *Server) { s.safeMode = r }
}

// WithAuditStats adds sink counters to /status.
func WithAuditStats(fn func() audit.Stats) Option {
	return func(s *Server) { s.auditStats = fn }
}

// WithResetAt shows the configured reset boundary on /status.
func WithResetAt(at string) Option {
	return func(s *Server) { s.resetAt = at }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Server exposes GET-only endpoints. Handlers never call the gateway; they read the
// snapshot the guardian published after its last tick.
type Server struct {
	Addr string

	guardian   snapshotReader
	audit      auditReader
	metrics    http.Handler
	safeMode   safeModeReader
	auditStats func() audit.Stats
	resetAt    string
	logger     *zap.Logger
	now        func() time.Time
	started    time.Time
}

// NewServer creates a new status server.
func NewServer(addr string, guardian snapshotReader, opts ...Option) *Server {
	s := &Server{
		Addr:     addr,
		guardian: guardian,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.now()
	return s
}

// Handler returns the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", readOnly(s.handleHealth))
	mux.HandleFunc("/status", readOnly(s.handleStatus))
	mux.HandleFunc("/audit/stream", readOnly(s.handleAuditStream))
	if s.metrics != nil {
		mux.Handle("/metrics", readOnly(s.metrics.ServeHTTP))
	}
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("status server listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWithAutoTLS runs an HTTPS server with ACME certificates for domains.
// It also serves HTTP-01 challenges on port 80.
func (s *Server) StartWithAutoTLS(ctx context.Context, domains []string, cacheDir string) error {
	if len(domains) == 0 {
		return fmt.Errorf("no domains provided for automatic TLS")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpsSrv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("acme server shutdown", zap.Error(err))
		}
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("https server shutdown", zap.Error(err))
		}
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("acme server", zap.Error(err))
		}
	}()

	s.logger.Info("status server listening with tls", zap.String("addr", s.Addr), zap.Strings("domains", domains))
	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type healthResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// health is OK when the loop made progress within twice its current interval and the
// supervisor has not given up.
func (s *Server) health(snap domain.Snapshot) healthResponse {
	if s.safeMode != nil {
		if on, reason := s.safeMode.SafeMode(); on {
			return healthResponse{Reason: "safe mode: " + reason}
		}
	}
	if !snap.Fresh(s.now()) {
		seen := snap.LastSeen()
		if seen.IsZero() {
			return healthResponse{Reason: "no tick yet"}
		}
		return healthResponse{Reason: fmt.Sprintf("no progress for %s, interval %s",
			s.now().Sub(seen).Truncate(time.Millisecond), snap.Interval)}
	}
	return healthResponse{OK: true}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := s.health(s.guardian.Snapshot())
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type statusResponse struct {
	domain.Snapshot
	Healthy        bool              `json:"healthy"`
	SafeMode       bool              `json:"safeMode"`
	SafeModeReason string            `json:"safeModeReason,omitempty"`
	Uptime         string            `json:"uptime"`
	Goroutines     int               `json:"goroutines"`
	ResetAt        string            `json:"resetAt,omitempty"`
	Components     map[string]string `json:"components"`
	Audit          *audit.Stats      `json:"audit,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.guardian.Snapshot()
	resp := statusResponse{
		Snapshot:   snap,
		Healthy:    s.health(snap).OK,
		Uptime:     s.now().Sub(s.started).Truncate(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
		ResetAt:    s.resetAt,
		Components: map[string]string{"gateway": "connected", "loop": "running"},
	}
	if !snap.GatewayConnected {
		resp.Components["gateway"] = "disconnected"
	}
	if s.safeMode != nil {
		resp.SafeMode, resp.SafeModeReason = s.safeMode.SafeMode()
		if resp.SafeMode {
			resp.Components["loop"] = "safe_mode"
		}
	}
	if s.auditStats != nil {
		stats := s.auditStats()
		resp.Audit = &stats
		resp.Components["audit"] = "ok"
		if stats.Dropped > 0 || stats.Failed > 0 {
			resp.Components["audit"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "audit store not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	lastIndex := uint64(0)
	if after := r.URL.Query().Get("after"); after != "" {
		v, err := strconv.ParseUint(after, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		lastIndex = v
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// comment heartbeat keeps proxies from closing the connection
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	pollTicker := time.NewTicker(auditPollInterval)
	defer pollTicker.Stop()

	sendEntries := func() error {
		records, err := s.audit.EntriesAfter(lastIndex)
		if err != nil {
			return err
		}
		for _, record := range records {
			payload, err := json.Marshal(record.Entry)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "id: %d\n", record.Index)
			fmt.Fprintf(w, "event: audit\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			lastIndex = record.Index
		}
		flusher.Flush()
		return nil
	}

	if err := sendEntries(); err != nil {
		http.Error(w, "failed to load audit entries", http.StatusInternalServerError)
		s.logger.Error("audit stream initial load", zap.Error(err))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case <-pollTicker.C:
			if err := sendEntries(); err != nil {
				s.logger.Warn("audit stream poll", zap.Error(err))
			}
		}
	}
}

// readOnly rejects every method except GET and HEAD.
func readOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
