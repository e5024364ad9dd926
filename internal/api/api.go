package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/calwatch/calwatch/internal/model"
	"github.com/calwatch/calwatch/internal/pipeline"
	"github.com/calwatch/calwatch/internal/renewal"
	"github.com/calwatch/calwatch/internal/scheduler"
	"github.com/calwatch/calwatch/internal/store"
)

// Notification header names, as the push provider sends them.
const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerResourceState = "X-Goog-Resource-State"
	headerResourceID    = "X-Goog-Resource-ID"
	headerMessageNumber = "X-Goog-Message-Number"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Timeouts
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// MetricsEnabled exposes the prometheus endpoint.
	MetricsEnabled bool

	// MetricsEndpoint is the metrics route path.
	MetricsEndpoint string

	// RenewalThreshold is the default for admin renewal runs and the
	// expiring-soon status category.
	RenewalThreshold time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:             ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		MetricsEnabled:   true,
		MetricsEndpoint:  "/metrics",
		RenewalThreshold: 24 * time.Hour,
	}
}

// API handles HTTP endpoints
type API struct {
	config    Config
	router    *chi.Mux
	server    *http.Server
	pipeline  *pipeline.Pipeline
	renewal   *renewal.Service
	scheduler *scheduler.RenewalJob
	store     store.Store
	ready     atomic.Bool
	logger    zerolog.Logger
}

// NewAPI creates a new API instance
func NewAPI(config Config, pipe *pipeline.Pipeline, renew *renewal.Service, sched *scheduler.RenewalJob, st store.Store) *API {
	logger := log.With().Str("component", "api").Logger()

	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = DefaultConfig().ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if config.MetricsEndpoint == "" {
		config.MetricsEndpoint = DefaultConfig().MetricsEndpoint
	}
	if config.RenewalThreshold == 0 {
		config.RenewalThreshold = DefaultConfig().RenewalThreshold
	}

	a := &API{
		config:    config,
		pipeline:  pipe,
		renewal:   renew,
		scheduler: sched,
		store:     st,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	a.registerRoutes(r)
	a.router = r

	return a
}

// SetReady flips the readiness probe; called once the startup
// reconcile has finished.
func (a *API) SetReady() {
	a.ready.Store(true)
}

// Router returns the configured handler, used directly by tests.
func (a *API) Router() http.Handler {
	return a.router
}

// Start runs the HTTP server until the context is cancelled, then
// shuts it down gracefully.
func (a *API) Start(ctx context.Context) error {
	a.logger.Info().Str("addr", a.config.Addr).Msg("Starting API server")

	server := &http.Server{
		Addr:         a.config.Addr,
		Handler:      a.router,
		ReadTimeout:  a.config.ReadTimeout,
		WriteTimeout: a.config.WriteTimeout,
		IdleTimeout:  a.config.IdleTimeout,
	}
	a.server = server

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// registerRoutes sets up all API endpoints
func (a *API) registerRoutes(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !a.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("starting"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if a.config.MetricsEnabled {
		r.Handle(a.config.MetricsEndpoint, promhttp.Handler())
	}

	r.Post("/notifications", a.handleNotification)
	r.Get("/status", a.handleStatus)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/renewals", a.handleRenewals)
		r.Post("/resync", a.handleResync)
	})
}

// respondJSON writes a JSON response with the given status code.
func (a *API) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

// handleNotification receives a provider push. The response never
// waits on processing: the provider expects a fast acknowledgment and
// retries on timeout.
func (a *API) handleNotification(w http.ResponseWriter, r *http.Request) {
	n := pipeline.Notification{
		ChannelID:     r.Header.Get(headerChannelID),
		ResourceState: r.Header.Get(headerResourceState),
		ResourceID:    r.Header.Get(headerResourceID),
		MessageNumber: r.Header.Get(headerMessageNumber),
	}

	// The resource id is required on change notifications; the sync
	// handshake is acknowledged on channel id and state alone.
	if n.ChannelID == "" || n.ResourceState == "" ||
		(n.ResourceState != pipeline.StateSync && n.ResourceID == "") {
		a.respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "missing notification headers",
		})
		return
	}

	outcome, err := a.pipeline.Handle(n)
	if err != nil {
		// Internal detail stays internal; the 500 triggers the
		// provider's own retry.
		a.logger.Error().Err(err).Str("channel", n.ChannelID).Msg("Failed to accept notification")
		a.respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal error",
		})
		return
	}

	switch outcome {
	case pipeline.OutcomeSyncAck:
		a.respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	case pipeline.OutcomeUnknownChannel:
		a.respondJSON(w, http.StatusNotFound, map[string]string{"error": "unknown channel"})
	default:
		a.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// renewalsRequest is the admin renewal trigger body.
type renewalsRequest struct {
	DryRun                bool  `json:"dryRun"`
	ExpirationThresholdMs int64 `json:"expirationThresholdMs"`
}

// handleRenewals triggers a renewal run.
func (a *API) handleRenewals(w http.ResponseWriter, r *http.Request) {
	var req renewalsRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body",
			})
			return
		}
	}

	threshold := a.config.RenewalThreshold
	if req.ExpirationThresholdMs > 0 {
		threshold = time.Duration(req.ExpirationThresholdMs) * time.Millisecond
	}

	report, err := a.renewal.RenewExpiring(r.Context(), threshold, req.DryRun)
	if err != nil {
		a.logger.Error().Err(err).Msg("Renewal run failed")
		a.respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "renewal run failed",
		})
		return
	}

	a.respondJSON(w, http.StatusOK, report)
}

// resyncRequest is the force-resync body.
type resyncRequest struct {
	Reason string `json:"reason"`
}

// handleResync stops all channels and re-registers from the identity map.
func (a *API) handleResync(w http.ResponseWriter, r *http.Request) {
	var req resyncRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body",
			})
			return
		}
	}

	report, err := a.renewal.ForceResync(r.Context(), req.Reason)
	if err != nil {
		a.logger.Error().Err(err).Msg("Force resync failed")
		a.respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "force resync failed",
		})
		return
	}

	a.respondJSON(w, http.StatusOK, report)
}

// subscriptionStatus is one /status row.
type subscriptionStatus struct {
	ID            string    `json:"id"`
	Scope         string    `json:"scope"`
	Status        string    `json:"status"`
	ExpiresAt     time.Time `json:"expiresAt"`
	ExpiresInMs   int64     `json:"expiresIn"`
	Category      string    `json:"category"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

// statusResponse is the /status payload.
type statusResponse struct {
	Subscriptions []subscriptionStatus `json:"subscriptions"`
	Counts        map[string]int       `json:"counts"`
	Health        healthBlock          `json:"health"`
}

type healthBlock struct {
	StoreConnected    bool       `json:"storeConnected"`
	ProviderConnected bool       `json:"providerConnected"`
	LastRenewal       *time.Time `json:"lastRenewal,omitempty"`
	NextRenewal       *time.Time `json:"nextRenewal,omitempty"`
}

// handleStatus reports every subscription with computed expiry
// category plus a health block.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()

	subs, err := a.store.GetAllOrderedByExpiry(r.Context())
	storeConnected := err == nil
	if err != nil {
		a.logger.Error().Err(err).Msg("Status store query failed")
		subs = nil
	}

	rows := make([]subscriptionStatus, 0, len(subs))
	counts := map[string]int{"active": 0, "expiringSoon": 0, "expired": 0}

	for _, sub := range subs {
		category := categorize(sub, now, a.config.RenewalThreshold)
		counts[category]++
		rows = append(rows, subscriptionStatus{
			ID:            sub.ID,
			Scope:         sub.Scope,
			Status:        string(sub.Status),
			ExpiresAt:     sub.ExpiresAt,
			ExpiresInMs:   sub.ExpiresIn(now).Milliseconds(),
			Category:      category,
			LastUpdatedAt: sub.LastUpdatedAt,
		})
	}

	health := healthBlock{
		StoreConnected:    storeConnected,
		ProviderConnected: a.pipeline.ProviderHealthy(),
	}
	if a.scheduler != nil {
		if last := a.scheduler.LastRun(); !last.IsZero() {
			health.LastRenewal = &last
		}
		if next := a.scheduler.NextRun(); !next.IsZero() {
			health.NextRenewal = &next
		}
	}

	a.respondJSON(w, http.StatusOK, statusResponse{
		Subscriptions: rows,
		Counts:        counts,
		Health:        health,
	})
}

// categorize buckets a subscription for the status view.
func categorize(sub *model.Subscription, now time.Time, threshold time.Duration) string {
	switch {
	case sub.IsExpired(now):
		return "expired"
	case sub.ExpiresAt.Before(now.Add(threshold)):
		return "expiringSoon"
	default:
		return "active"
	}
}
