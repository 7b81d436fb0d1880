// Package adminapi implements the admin HTTP API (§6): backend
// registration, heartbeat, listing and eviction, plus the ambient
// /health, /metrics, /version endpoints and the supplemented
// /api/v1/snapshot dashboard endpoint. Routing follows the teacher's
// chi.Router-plus-middleware shape from internal/api/server.go.
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/FairForge/edgeproxy/internal/breaker"
	"github.com/FairForge/edgeproxy/internal/healthcheck"
	"github.com/FairForge/edgeproxy/internal/hlc"
	"github.com/FairForge/edgeproxy/internal/metrics"
	"github.com/FairForge/edgeproxy/internal/store"
)

// BuildVersion is overridable at link time (-ldflags -X); defaults to a
// development marker the same way the teacher's handleVersion hardcoded
// its own build string.
var BuildVersion = "dev"

// Config holds the admin API's own operational tunables: not a cross-POP
// contract, so each POP can pick its own register/heartbeat throttling.
type Config struct {
	ListenAddr         string
	HeartbeatTTL       time.Duration
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// DefaultConfig returns :8081, heartbeat_ttl_secs=60 (§6 default), and a
// conservative 50rps/100-burst throttle on the write endpoints.
func DefaultConfig() Config {
	return Config{
		ListenAddr:         ":8081",
		HeartbeatTTL:       60 * time.Second,
		RateLimitPerSecond: 50,
		RateLimitBurst:     100,
	}
}

// Server is the admin API's HTTP surface plus the heartbeat expiry sweep.
type Server struct {
	cfg      Config
	st       store.Store
	clock    *hlc.Clock
	checker  *healthcheck.Checker
	metrics  *metrics.Registry
	breakers *breaker.Registry
	logger   *zap.Logger

	router     chi.Router
	httpServer *http.Server
	heartbeats *heartbeatTracker
	limiter    *rate.Limiter
	startedAt  time.Time
}

// New builds a Server. checker and breakers may be nil: a POP running
// without active health checks or circuit breaking still serves the rest
// of the API.
func New(cfg Config, st store.Store, clock *hlc.Clock, checker *healthcheck.Checker, metricsReg *metrics.Registry, breakers *breaker.Registry, logger *zap.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		st:        st,
		clock:     clock,
		checker:   checker,
		metrics:   metricsReg,
		breakers:  breakers,
		logger:    logger,
		router:    chi.NewRouter(),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst),
		startedAt: time.Now(),
	}
	s.heartbeats = newHeartbeatTracker(cfg.HeartbeatTTL, st, clock, logger)
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/version", s.handleVersion)
	s.router.Get("/metrics", s.handleMetrics())

	s.router.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/api/v1/register", s.handleRegister)
		r.Post("/api/v1/heartbeat/{id}", s.handleHeartbeat)
	})

	s.router.Get("/api/v1/backends", s.handleListBackends)
	s.router.Get("/api/v1/backends/{id}", s.handleGetBackend)
	s.router.Delete("/api/v1/backends/{id}", s.handleDeleteBackend)
	s.router.Get("/api/v1/snapshot", s.handleSnapshot)
}

// Start runs the heartbeat sweep and serves HTTP until ctx is cancelled or
// Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	go s.heartbeats.run(ctx)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close implements io.Closer so it can be registered with
// shutdown.Controller.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	all, err := s.st.GetAll(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	count := 0
	for _, b := range all {
		if !b.Deleted {
			count++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":              "ok",
		"version":             BuildVersion,
		"registered_backends": count,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": BuildVersion,
		"go":      runtime.Version(),
	})
}

func (s *Server) handleMetrics() http.HandlerFunc {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(s.metrics))
	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return handler.ServeHTTP
}

type registerRequest struct {
	ID        string `json:"id"`
	App       string `json:"app"`
	Region    string `json:"region"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	Country   string `json:"country"`
	Weight    *int   `json:"weight"`
	SoftLimit *int   `json:"soft_limit"`
	HardLimit *int   `json:"hard_limit"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var raw map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed json body")
		return
	}
	if err := validateRegisterPayload(raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	body, _ := json.Marshal(raw)
	var req registerRequest
	_ = json.Unmarshal(body, &req)

	if existing, err := s.st.GetByID(r.Context(), req.ID); err == nil && !existing.Deleted {
		writeJSONError(w, http.StatusConflict, fmt.Sprintf("backend id %q already registered", req.ID))
		return
	}

	b := store.Backend{
		ID:        req.ID,
		App:       req.App,
		Region:    store.Region(req.Region),
		Country:   req.Country,
		Address:   fmt.Sprintf("%s:%d", req.IP, req.Port),
		Healthy:   true,
		Weight:    intOr(req.Weight, 2),
		SoftLimit: intOr(req.SoftLimit, 100),
		HardLimit: intOr(req.HardLimit, 150),
	}
	if err := b.Validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.st.Upsert(r.Context(), b, s.clock.Tick()); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.heartbeats.touch(b.ID)
	if s.checker != nil {
		s.checker.Start(r.Context(), b)
	}

	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := s.st.GetByID(r.Context(), id)
	if err != nil || b.Deleted {
		writeJSONError(w, http.StatusNotFound, "unknown backend id")
		return
	}

	s.heartbeats.touch(id)
	if !b.Healthy {
		if err := s.st.SetHealth(r.Context(), id, true); err != nil {
			s.logger.Warn("adminapi: heartbeat set_health failed", zap.String("backend_id", id), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	all, err := s.st.GetAll(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	out := make([]store.Backend, 0, len(all))
	for _, b := range all {
		if !b.Deleted {
			out = append(out, b)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetBackend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := s.st.GetByID(r.Context(), id)
	if err != nil || b.Deleted {
		writeJSONError(w, http.StatusNotFound, "unknown backend id")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDeleteBackend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.st.GetByID(r.Context(), id); err != nil {
		writeJSONError(w, http.StatusNotFound, "unknown backend id")
		return
	}
	if err := s.st.MarkDeleted(r.Context(), id, s.clock.Tick()); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.heartbeats.forget(id)
	if s.checker != nil {
		s.checker.Stop(id)
	}
	if s.metrics != nil {
		s.metrics.Forget(id)
	}
	if s.breakers != nil {
		s.breakers.Forget(id)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// snapshotEntry combines a backend record with its per-POP runtime state,
// the kind of consolidated view internal/ha/monitoring.go's SystemSnapshot
// gave operators for the HA dashboard.
type snapshotEntry struct {
	store.Backend
	ActiveConns   int64  `json:"active_conns"`
	LastRTTMillis int64  `json:"last_rtt_ms"`
	BreakerState  string `json:"breaker_state"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	all, err := s.st.GetAll(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	metricsSnap := s.metrics.Snapshot()

	out := make([]snapshotEntry, 0, len(all))
	for _, b := range all {
		if b.Deleted {
			continue
		}
		entry := snapshotEntry{Backend: b, BreakerState: "closed"}
		if ms, ok := metricsSnap[b.ID]; ok {
			entry.ActiveConns = ms.ActiveConns
			entry.LastRTTMillis = ms.LastRTTMillis
		}
		if s.breakers != nil {
			entry.BreakerState = s.breakers.Get(b.ID).State().String()
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"generated_at": time.Now(),
		"uptime":       time.Since(s.startedAt).String(),
		"backends":     out,
	})
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}
