package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/calwatch/calwatch/internal/metrics"
)

// Config contains deduplication guard configuration
type Config struct {
	// TTL is the suppression window per key.
	TTL time.Duration

	// SweepInterval is how often expired entries are removed.
	SweepInterval time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		TTL:           5 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// Guard is a time-bounded idempotency cache keyed by (scope, unit id).
// Callers must call IsDuplicate and, if false, MarkProcessing before
// starting side-effecting work. The gap between check and mark is an
// accepted race: event handling is single-threaded per scope, so the
// window is negligible and a rare double-process is harmless because
// the propagation itself is idempotent.
type Guard struct {
	config  Config
	mu      sync.RWMutex
	entries map[string]time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewGuard creates a new deduplication guard.
func NewGuard(config Config) *Guard {
	logger := log.With().Str("component", "dedup").Logger()

	if config.TTL == 0 {
		config.TTL = DefaultConfig().TTL
	}

	if config.SweepInterval == 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}

	return &Guard{
		config:  config,
		entries: make(map[string]time.Time),
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}
}

// Start begins the background sweep. It returns immediately; the sweep
// stops when the context is cancelled.
func (g *Guard) Start(ctx context.Context) {
	go g.sweepExpired(ctx)
}

func key(scope, changeID string) string {
	return scope + "|" + changeID
}

// IsDuplicate reports whether an unexpired entry exists for the key.
func (g *Guard) IsDuplicate(scope, changeID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen, exists := g.entries[key(scope, changeID)]
	if !exists {
		return false
	}
	// An entry older than the TTL is treated as absent.
	if time.Since(seen) > g.config.TTL {
		return false
	}
	return true
}

// MarkProcessing inserts or refreshes the entry for the key.
func (g *Guard) MarkProcessing(scope, changeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.entries[key(scope, changeID)] = time.Now()
	g.logger.Debug().
		Str("scope", scope).
		Str("change_id", changeID).
		Msg("Marked processing")
}

// Len returns the number of tracked entries, expired ones included.
func (g *Guard) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return len(g.entries)
}

// sweepExpired periodically removes entries older than the TTL,
// bounding memory independent of access patterns.
func (g *Guard) sweepExpired(ctx context.Context) {
	ticker := time.NewTicker(g.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.performSweep()
		case <-ctx.Done():
			return
		}
	}
}

// performSweep removes entries past their TTL.
func (g *Guard) performSweep() {
	now := time.Now()
	var expired []string

	g.mu.RLock()
	for k, seen := range g.entries {
		if now.Sub(seen) > g.config.TTL {
			expired = append(expired, k)
		}
	}
	g.mu.RUnlock()

	if len(expired) > 0 {
		g.mu.Lock()
		for _, k := range expired {
			// Double check the entry was not refreshed meanwhile
			if seen, exists := g.entries[k]; exists && now.Sub(seen) > g.config.TTL {
				delete(g.entries, k)
			}
		}
		g.mu.Unlock()

		g.logger.Debug().Int("count", len(expired)).Msg("Swept expired dedup entries")
	}
}
