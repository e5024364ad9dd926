// Package renewal re-issues watch channels before their provider
// imposed expiry and owns the bulk lifecycle operations built on the
// same provider calls: force-resync and full registration from the
// identity map.
package renewal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/calwatch/calwatch/internal/metrics"
	"github.com/calwatch/calwatch/internal/model"
	"github.com/calwatch/calwatch/internal/provider"
	"github.com/calwatch/calwatch/internal/store"
	"github.com/calwatch/calwatch/internal/syncer"
)

// Config contains renewal service configuration
type Config struct {
	// CallbackURL for newly registered channels.
	CallbackURL string

	// ExpirationThreshold: subscriptions expiring within this window
	// are renewed.
	ExpirationThreshold time.Duration

	// RetainStopped keeps stopped store records instead of deleting.
	RetainStopped bool
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		ExpirationThreshold: 24 * time.Hour,
	}
}

// RenewedItem records one successful renewal.
type RenewedItem struct {
	OldID      string    `json:"old_id"`
	NewID      string    `json:"new_id"`
	Scope      string    `json:"scope"`
	OldExpiry  time.Time `json:"old_expiry"`
	NewExpiry  time.Time `json:"new_expiry"`
	DurationMs int64     `json:"duration_ms"`
}

// SkippedItem records one subscription left alone and why.
type SkippedItem struct {
	ID     string `json:"id"`
	Scope  string `json:"scope"`
	Reason string `json:"reason"`
}

// FailedItem records one renewal failure.
type FailedItem struct {
	ID    string `json:"id"`
	Scope string `json:"scope"`
	Error string `json:"error"`
}

// Summary aggregates one job run.
type Summary struct {
	Total      int   `json:"total"`
	Renewed    int   `json:"renewed"`
	Skipped    int   `json:"skipped"`
	Failed     int   `json:"failed"`
	DurationMs int64 `json:"duration_ms"`
}

// Report is the full structured outcome of one job run. Ephemeral:
// it exists for the run and its response, nothing persists it.
type Report struct {
	JobID   string        `json:"job_id"`
	DryRun  bool          `json:"dry_run"`
	Renewed []RenewedItem `json:"renewed"`
	Skipped []SkippedItem `json:"skipped"`
	Failed  []FailedItem  `json:"failed"`
	Summary Summary       `json:"summary"`
}

// ResyncItem records one per-scope outcome of a force-resync.
type ResyncItem struct {
	Scope string `json:"scope"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// ResyncReport is the structured outcome of a force-resync.
type ResyncReport struct {
	Reason     string       `json:"reason,omitempty"`
	Stopped    int          `json:"stopped"`
	Registered []ResyncItem `json:"registered"`
	Failed     []ResyncItem `json:"failed"`
}

// Service renews expiring subscriptions. All store and registry
// mutation goes through the syncer.
type Service struct {
	config   Config
	store    store.Store
	syncer   *syncer.Syncer
	provider provider.WatchProvider
	identity provider.IdentityMap
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewService creates a new renewal service.
func NewService(config Config, st store.Store, sync *syncer.Syncer, prov provider.WatchProvider, ident provider.IdentityMap) *Service {
	logger := log.With().Str("component", "renewal").Logger()

	if config.ExpirationThreshold == 0 {
		config.ExpirationThreshold = DefaultConfig().ExpirationThreshold
	}

	return &Service{
		config:   config,
		store:    st,
		syncer:   sync,
		provider: prov,
		identity: ident,
		logger:   logger,
		metrics:  metrics.GetMetrics(),
	}
}

// FindExpiring returns active subscriptions expiring within the
// threshold, soonest first.
func (s *Service) FindExpiring(ctx context.Context, threshold time.Duration) ([]*model.Subscription, error) {
	return s.store.FindExpiringBefore(ctx, time.Now().Add(threshold))
}

// RenewOne replaces one subscription: best-effort cancel of the old
// channel, registration of a new one for the same scope, persistence
// of the new record, removal of the old. The provider cancel is
// allowed to fail silently because an already-expired channel is a
// legitimate state, not a fault.
func (s *Service) RenewOne(ctx context.Context, sub *model.Subscription) (*RenewedItem, error) {
	start := time.Now()

	if err := s.provider.Cancel(ctx, sub.ID, sub.ResourceHandle); err != nil {
		s.logger.Warn().Err(err).
			Str("id", sub.ID).
			Str("scope", sub.Scope).
			Msg("Cancel of old channel failed, continuing")
	}

	reg, err := s.provider.Register(ctx, sub.Scope, s.config.CallbackURL)
	if err != nil {
		return nil, fmt.Errorf("failed to register replacement channel for %s: %w", sub.Scope, err)
	}

	now := time.Now()
	newSub := &model.Subscription{
		ID:             reg.ID,
		ResourceHandle: reg.ResourceHandle,
		Scope:          sub.Scope,
		ExpiresAt:      reg.ExpiresAt,
		RegisteredAt:   now,
		LastUpdatedAt:  now,
		Status:         model.StatusActive,
	}

	if err := s.syncer.SaveToAll(ctx, newSub); err != nil {
		return nil, fmt.Errorf("failed to persist renewed channel %s: %w", reg.ID, err)
	}

	if err := s.syncer.RemoveFromAll(ctx, sub.ID); err != nil {
		// The new channel is live and persisted; the leftover record
		// will be reclassified expired on the next load.
		s.logger.Error().Err(err).Str("id", sub.ID).Msg("Failed to remove old subscription record")
	}

	item := &RenewedItem{
		OldID:      sub.ID,
		NewID:      reg.ID,
		Scope:      sub.Scope,
		OldExpiry:  sub.ExpiresAt,
		NewExpiry:  reg.ExpiresAt,
		DurationMs: time.Since(start).Milliseconds(),
	}

	s.logger.Info().
		Str("old_id", sub.ID).
		Str("new_id", reg.ID).
		Str("scope", sub.Scope).
		Time("new_expiry", reg.ExpiresAt).
		Msg("Subscription renewed")

	return item, nil
}

// RenewExpiring renews every subscription expiring within the
// threshold. Each item is re-validated against the store at execution
// time, so overlapping job runs each act only on what is still stale
// when they touch it. Dry-run walks the query and classification path
// with zero mutation.
func (s *Service) RenewExpiring(ctx context.Context, threshold time.Duration, dryRun bool) (*Report, error) {
	start := time.Now()
	if threshold <= 0 {
		threshold = s.config.ExpirationThreshold
	}

	report := &Report{
		JobID:   uuid.New().String(),
		DryRun:  dryRun,
		Renewed: []RenewedItem{},
		Skipped: []SkippedItem{},
		Failed:  []FailedItem{},
	}

	expiring, err := s.FindExpiring(ctx, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring subscriptions: %w", err)
	}

	s.logger.Info().
		Str("job_id", report.JobID).
		Int("expiring", len(expiring)).
		Dur("threshold", threshold).
		Bool("dry_run", dryRun).
		Msg("Renewal run started")

	cutoff := time.Now().Add(threshold)
	for _, sub := range expiring {
		if dryRun {
			report.Skipped = append(report.Skipped, SkippedItem{
				ID:     sub.ID,
				Scope:  sub.Scope,
				Reason: "dry run",
			})
			continue
		}

		// Re-validate: an overlapping run may have renewed this one
		// between the query and now.
		current, err := s.store.Get(ctx, sub.ID)
		if err != nil {
			report.Skipped = append(report.Skipped, SkippedItem{
				ID:     sub.ID,
				Scope:  sub.Scope,
				Reason: "no longer in store",
			})
			s.metrics.RenewalsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		if current.Status != model.StatusActive || !current.ExpiresAt.Before(cutoff) {
			report.Skipped = append(report.Skipped, SkippedItem{
				ID:     sub.ID,
				Scope:  sub.Scope,
				Reason: "no longer needs renewal",
			})
			s.metrics.RenewalsTotal.WithLabelValues("skipped").Inc()
			continue
		}

		item, err := s.RenewOne(ctx, current)
		if err != nil {
			report.Failed = append(report.Failed, FailedItem{
				ID:    sub.ID,
				Scope: sub.Scope,
				Error: err.Error(),
			})
			s.metrics.RenewalsTotal.WithLabelValues("failed").Inc()
			s.logger.Error().Err(err).Str("id", sub.ID).Msg("Renewal failed")
			continue
		}

		report.Renewed = append(report.Renewed, *item)
		s.metrics.RenewalsTotal.WithLabelValues("renewed").Inc()
	}

	report.Summary = Summary{
		Total:      len(expiring),
		Renewed:    len(report.Renewed),
		Skipped:    len(report.Skipped),
		Failed:     len(report.Failed),
		DurationMs: time.Since(start).Milliseconds(),
	}
	s.metrics.RenewalDuration.Observe(time.Since(start).Seconds())

	s.logger.Info().
		Str("job_id", report.JobID).
		Int("renewed", report.Summary.Renewed).
		Int("skipped", report.Summary.Skipped).
		Int("failed", report.Summary.Failed).
		Msg("Renewal run finished")

	return report, nil
}

// RegisterForPrimaries registers one fresh channel per identity-map
// primary. Used by force-resync and by the boot fallback when the
// store is unreachable.
func (s *Service) RegisterForPrimaries(ctx context.Context) *ResyncReport {
	report := &ResyncReport{
		Registered: []ResyncItem{},
		Failed:     []ResyncItem{},
	}

	for _, scope := range s.identity.Primaries() {
		reg, err := s.provider.Register(ctx, scope, s.config.CallbackURL)
		if err != nil {
			report.Failed = append(report.Failed, ResyncItem{Scope: scope, Error: err.Error()})
			s.logger.Error().Err(err).Str("scope", scope).Msg("Registration failed")
			continue
		}

		now := time.Now()
		sub := &model.Subscription{
			ID:             reg.ID,
			ResourceHandle: reg.ResourceHandle,
			Scope:          scope,
			ExpiresAt:      reg.ExpiresAt,
			RegisteredAt:   now,
			LastUpdatedAt:  now,
			Status:         model.StatusActive,
		}

		if err := s.syncer.SaveToAll(ctx, sub); err != nil {
			// The channel is live at the provider; dropping it would
			// lose notifications. Serve registry-only until the store
			// is backfilled.
			s.logger.Warn().Err(err).Str("scope", scope).Msg("Store write failed, keeping channel cache-only")
			s.syncer.RegisterCacheOnly(sub)
		}

		report.Registered = append(report.Registered, ResyncItem{Scope: scope, ID: reg.ID})
	}

	return report
}

// ForceResync stops every known subscription and re-registers one per
// identity-map primary.
func (s *Service) ForceResync(ctx context.Context, reason string) (*ResyncReport, error) {
	s.logger.Info().Str("reason", reason).Msg("Force resync requested")

	subs, err := s.store.GetAllOrderedByExpiry(ctx)
	storeReadable := err == nil
	if err != nil {
		// Registry-only operation: the cache is the only remaining
		// view, and the resync must still answer with a report.
		s.logger.Warn().Err(err).Msg("Store read failed, building resync stop list from registry")
		subs = s.syncer.Cached()
	}

	var stopped int
	for _, sub := range subs {
		if err := s.provider.Cancel(ctx, sub.ID, sub.ResourceHandle); err != nil {
			s.logger.Warn().Err(err).Str("id", sub.ID).Msg("Cancel during resync failed, continuing")
		}
		if !storeReadable {
			s.syncer.RemoveCacheOnly(sub.ID)
			stopped++
			continue
		}
		if err := s.syncer.StopEverywhere(ctx, sub.ID, s.config.RetainStopped); err != nil {
			s.logger.Error().Err(err).Str("id", sub.ID).Msg("Failed to retire subscription during resync")
			continue
		}
		stopped++
	}

	report := s.RegisterForPrimaries(ctx)
	report.Reason = reason
	report.Stopped = stopped

	s.logger.Info().
		Int("stopped", stopped).
		Int("registered", len(report.Registered)).
		Int("failed", len(report.Failed)).
		Msg("Force resync finished")

	return report, nil
}
