// Package syncer keeps the durable store and the in-memory registry
// consistent. It is the only component allowed to mutate both for a
// given subscription, and it always writes the store first: durability
// before cache visibility, so a registry read never outlives a deleted
// durable record and a failed store write never leaves the registry
// ahead of the store.
package syncer

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/calwatch/calwatch/internal/metrics"
	"github.com/calwatch/calwatch/internal/model"
	"github.com/calwatch/calwatch/internal/registry"
	"github.com/calwatch/calwatch/internal/store"
)

// LoadReport summarizes one startup reconcile.
type LoadReport struct {
	Loaded       int `json:"loaded"`
	Expired      int `json:"expired"`
	NeedsRenewal int `json:"needs_renewal"`
}

// Syncer coordinates writes across the store and the registry.
type Syncer struct {
	store    store.Store
	registry *registry.Registry
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewSyncer creates a new syncer over the given store and registry.
func NewSyncer(st store.Store, reg *registry.Registry) *Syncer {
	logger := log.With().Str("component", "syncer").Logger()

	return &Syncer{
		store:    st,
		registry: reg,
		logger:   logger,
		metrics:  metrics.GetMetrics(),
	}
}

// LoadFromStore reads all active records, classifies them by expiry,
// and loads only the non-expired ones into the registry. Records whose
// expiry falls within the renewal window are counted but still loaded;
// expired ones are never placed in the registry.
func (s *Syncer) LoadFromStore(ctx context.Context, renewalWindow time.Duration) (*LoadReport, error) {
	subs, err := s.store.LoadAllActive(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	threshold := now.Add(renewalWindow)
	report := &LoadReport{}

	for _, sub := range subs {
		if sub.IsExpired(now) {
			report.Expired++
			s.logger.Warn().
				Str("id", sub.ID).
				Str("scope", sub.Scope).
				Time("expired", sub.ExpiresAt).
				Msg("Stale-active subscription found in store, not loading")
			continue
		}

		if sub.ExpiresAt.Before(threshold) {
			report.NeedsRenewal++
		}

		s.registry.Register(sub)
		report.Loaded++
	}

	s.metrics.SubscriptionsActive.Set(float64(s.registry.Len()))
	s.logger.Info().
		Int("loaded", report.Loaded).
		Int("expired", report.Expired).
		Int("needs_renewal", report.NeedsRenewal).
		Msg("Registry reconciled from store")

	return report, nil
}

// SaveToAll persists the subscription to the store and, only on
// success, registers it. A failed store write leaves the registry
// untouched so the two never diverge with the cache ahead.
func (s *Syncer) SaveToAll(ctx context.Context, sub *model.Subscription) error {
	if err := s.store.Save(ctx, sub); err != nil {
		return err
	}

	s.registry.Register(sub)
	s.metrics.SubscriptionsActive.Set(float64(s.registry.Len()))
	return nil
}

// RegisterCacheOnly places a subscription in the registry without a
// durable write. This is the explicit degraded mode for a store outage:
// the caller has decided registry-only operation beats refusing to
// serve. BulkPushRegistryToStore backfills once the store returns.
func (s *Syncer) RegisterCacheOnly(sub *model.Subscription) {
	s.registry.Register(sub)
	s.metrics.SubscriptionsActive.Set(float64(s.registry.Len()))
	s.logger.Warn().
		Str("id", sub.ID).
		Str("scope", sub.Scope).
		Msg("Subscription registered cache-only, store write pending backfill")
}

// RemoveCacheOnly drops a registry entry without a durable delete, the
// counterpart of RegisterCacheOnly: during a store outage the entries
// being dropped have no durable record to keep consistent with.
func (s *Syncer) RemoveCacheOnly(id string) {
	s.registry.Unregister(id)
	s.metrics.SubscriptionsActive.Set(float64(s.registry.Len()))
	s.logger.Warn().
		Str("id", id).
		Msg("Subscription removed cache-only, store untouched")
}

// Cached returns every registry entry. Callers fall back to it when the
// store cannot be read; the registry is the only remaining view then.
func (s *Syncer) Cached() []*model.Subscription {
	return s.registry.All()
}

// RemoveFromAll deletes the record from the store first, then drops it
// from the registry.
func (s *Syncer) RemoveFromAll(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	s.registry.Unregister(id)
	s.metrics.SubscriptionsActive.Set(float64(s.registry.Len()))
	return nil
}

// StopEverywhere retires a subscription: the store record is marked
// stopped (or deleted when retain is false), then the registry entry
// is dropped.
func (s *Syncer) StopEverywhere(ctx context.Context, id string, retain bool) error {
	if retain {
		if err := s.store.MarkStopped(ctx, id); err != nil {
			return err
		}
	} else {
		if err := s.store.Delete(ctx, id); err != nil {
			return err
		}
	}

	s.registry.Unregister(id)
	s.metrics.SubscriptionsActive.Set(float64(s.registry.Len()))
	return nil
}

// UpdateExpiryEverywhere updates the expiry in the store and mirrors
// the change into the registry on success.
func (s *Syncer) UpdateExpiryEverywhere(ctx context.Context, id string, newExpiry time.Time) error {
	if err := s.store.UpdateExpiry(ctx, id, newExpiry); err != nil {
		return err
	}

	if sub, found := s.registry.Get(id); found {
		sub.ExpiresAt = newExpiry
		sub.LastUpdatedAt = time.Now()
		s.registry.Register(sub)
	}
	return nil
}

// BulkPushRegistryToStore writes every registry entry to the store,
// used for backfill and migration. It returns the number pushed and
// the first error encountered, continuing past individual failures.
func (s *Syncer) BulkPushRegistryToStore(ctx context.Context) (int, error) {
	var pushed int
	var firstErr error

	for _, sub := range s.registry.All() {
		if err := s.store.Save(ctx, sub); err != nil {
			s.logger.Error().Err(err).Str("id", sub.ID).Msg("Failed to push subscription to store")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		pushed++
	}

	s.logger.Info().Int("pushed", pushed).Msg("Registry pushed to store")
	return pushed, firstErr
}
