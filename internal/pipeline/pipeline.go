// Package pipeline receives inbound change notifications, acknowledges
// them fast, and drives the idempotent propagation work in the
// background: authoritative re-fetch, synchronization-unit resolution,
// deduplication, and attendee propagation with retry.
package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/calwatch/calwatch/internal/dedup"
	"github.com/calwatch/calwatch/internal/metrics"
	"github.com/calwatch/calwatch/internal/model"
	"github.com/calwatch/calwatch/internal/provider"
	"github.com/calwatch/calwatch/internal/registry"
)

// Resource states the provider sends with a notification.
const (
	StateSync      = "sync"
	StateExists    = "exists"
	StateNotExists = "not_exists"
)

// Outcome classifies how an inbound notification was handled.
type Outcome int

const (
	// OutcomeSyncAck: handshake message, acknowledged and dropped.
	OutcomeSyncAck Outcome = iota

	// OutcomeUnknownChannel: no registered subscription for the id.
	OutcomeUnknownChannel

	// OutcomeAccepted: change accepted for background processing.
	OutcomeAccepted
)

// ErrQueueFull is returned when the background queue cannot take the
// task; the provider retries on the resulting 500.
var ErrQueueFull = errors.New("pipeline queue full")

// Notification is the inbound contract: headers only, no payload. The
// pipeline always re-fetches authoritative state.
type Notification struct {
	ChannelID     string
	ResourceState string
	ResourceID    string
	MessageNumber string
}

// changeTask is one accepted notification handed to the worker.
type changeTask struct {
	taskID string
	sub    *model.Subscription
}

// Config contains pipeline configuration
type Config struct {
	// Lookback is how far back the authoritative change fetch reaches.
	Lookback time.Duration

	// QueueSize bounds the background task queue.
	QueueSize int

	// RetryAttempts caps propagation attempts, first try included.
	RetryAttempts int

	// RetryDelay is the fixed delay between attempts.
	RetryDelay time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Lookback:      2 * time.Minute,
		QueueSize:     256,
		RetryAttempts: 5,
		RetryDelay:    30 * time.Second,
	}
}

// Pipeline processes change notifications. Acknowledgment never waits
// on processing: Handle classifies and enqueues, a single worker does
// the provider I/O. One worker keeps event handling single-threaded
// per scope, which is what makes the guard's check-then-mark gap
// negligible.
type Pipeline struct {
	config     Config
	registry   *registry.Registry
	guard      *dedup.Guard
	provider   provider.WatchProvider
	identity   provider.IdentityMap
	tasks      chan changeTask
	providerOK atomic.Bool
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// NewPipeline creates a new pipeline.
func NewPipeline(config Config, reg *registry.Registry, guard *dedup.Guard, prov provider.WatchProvider, ident provider.IdentityMap) *Pipeline {
	logger := log.With().Str("component", "pipeline").Logger()

	if config.Lookback == 0 {
		config.Lookback = DefaultConfig().Lookback
	}
	if config.QueueSize == 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.RetryAttempts == 0 {
		config.RetryAttempts = DefaultConfig().RetryAttempts
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = DefaultConfig().RetryDelay
	}

	p := &Pipeline{
		config:   config,
		registry: reg,
		guard:    guard,
		provider: prov,
		identity: ident,
		tasks:    make(chan changeTask, config.QueueSize),
		logger:   logger,
		metrics:  metrics.GetMetrics(),
	}
	p.providerOK.Store(true)
	return p
}

// Start launches the background worker. It returns immediately; the
// worker drains remaining tasks and exits when the context is
// cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	go p.work(ctx)
}

// Handle classifies an inbound notification and, for recognized
// changes, enqueues background processing. It never blocks on
// provider I/O.
func (p *Pipeline) Handle(n Notification) (Outcome, error) {
	if n.ResourceState == StateSync {
		p.metrics.NotificationsTotal.WithLabelValues("sync_ack").Inc()
		p.logger.Debug().
			Str("channel", n.ChannelID).
			Msg("Sync handshake acknowledged")
		return OutcomeSyncAck, nil
	}

	sub, found := p.registry.Get(n.ChannelID)
	if !found {
		p.metrics.NotificationsTotal.WithLabelValues("unknown_channel").Inc()
		p.logger.Warn().
			Str("channel", n.ChannelID).
			Str("state", n.ResourceState).
			Msg("Notification for unknown channel")
		return OutcomeUnknownChannel, nil
	}

	task := changeTask{
		taskID: uuid.New().String(),
		sub:    sub,
	}

	select {
	case p.tasks <- task:
		p.metrics.NotificationsTotal.WithLabelValues("accepted").Inc()
		p.metrics.PipelineQueueDepth.Set(float64(len(p.tasks)))
		p.logger.Debug().
			Str("task", task.taskID).
			Str("channel", n.ChannelID).
			Str("scope", sub.Scope).
			Str("message_number", n.MessageNumber).
			Msg("Change accepted")
		return OutcomeAccepted, nil
	default:
		p.metrics.NotificationsTotal.WithLabelValues("error").Inc()
		return OutcomeAccepted, ErrQueueFull
	}
}

// ProviderHealthy reports whether the last provider call succeeded.
func (p *Pipeline) ProviderHealthy() bool {
	return p.providerOK.Load()
}

// QueueDepth returns the number of waiting tasks.
func (p *Pipeline) QueueDepth() int {
	return len(p.tasks)
}

// work is the single background worker: each task has its own error
// boundary, so a failing batch never takes the worker down.
func (p *Pipeline) work(ctx context.Context) {
	p.logger.Info().Int("queue_size", p.config.QueueSize).Msg("Pipeline worker started")

	for {
		select {
		case task := <-p.tasks:
			p.metrics.PipelineQueueDepth.Set(float64(len(p.tasks)))
			p.processChange(ctx, task)
		case <-ctx.Done():
			p.logger.Info().Msg("Pipeline worker stopped")
			return
		}
	}
}

// processChange fetches the items changed in the scope since the
// lookback window and propagates each through the dedup gate. One
// failing item never aborts its siblings.
func (p *Pipeline) processChange(ctx context.Context, task changeTask) {
	scope := task.sub.Scope
	since := time.Now().Add(-p.config.Lookback)

	items, err := p.provider.ListChangedSince(ctx, scope, since)
	if err != nil {
		p.providerOK.Store(false)
		p.logger.Error().Err(err).
			Str("task", task.taskID).
			Str("scope", scope).
			Msg("Failed to list changed items")
		return
	}
	p.providerOK.Store(true)

	p.logger.Debug().
		Str("task", task.taskID).
		Str("scope", scope).
		Int("items", len(items)).
		Msg("Processing changed items")

	for _, item := range items {
		unit := model.ParseSyncUnit(item.ID)

		if p.guard.IsDuplicate(scope, unit.RootID) {
			p.metrics.DuplicatesSuppressed.Inc()
			p.logger.Info().
				Str("task", task.taskID).
				Str("scope", scope).
				Str("unit", unit.RootID).
				Msg("Skipped duplicate change")
			continue
		}
		p.guard.MarkProcessing(scope, unit.RootID)

		start := time.Now()
		result, err := p.propagateWithRetry(ctx, scope, unit)
		p.metrics.PropagationDuration.Observe(time.Since(start).Seconds())

		if err != nil {
			p.metrics.PropagationsTotal.WithLabelValues("failed").Inc()
			p.logger.Error().Err(err).
				Str("task", task.taskID).
				Str("scope", scope).
				Str("unit", unit.RootID).
				Msg("Propagation failed")
			continue
		}

		p.metrics.PropagationsTotal.WithLabelValues(result).Inc()
		p.logger.Info().
			Str("task", task.taskID).
			Str("scope", scope).
			Str("unit", unit.RootID).
			Str("result", result).
			Msg("Propagation finished")
	}
}

// propagateWithRetry runs the propagation action under the fixed-delay
// retry policy. The action is idempotent, so a retry after a partial
// failure converges on the same state. Permanent provider errors stop
// the retry loop immediately.
func (p *Pipeline) propagateWithRetry(ctx context.Context, scope string, unit model.SyncUnit) (string, error) {
	var result string

	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(p.config.RetryDelay),
			uint64(p.config.RetryAttempts-1),
		),
		ctx,
	)

	err := backoff.Retry(func() error {
		r, err := p.propagate(ctx, scope, unit)
		if err != nil {
			p.providerOK.Store(false)
			if !provider.IsTemporary(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		p.providerOK.Store(true)
		result = r
		return nil
	}, policy)

	return result, err
}

// propagate applies one idempotent propagation: fetch the
// authoritative item, compute the secondary identities missing from
// its participant list, and add them. Returns "applied" or "skipped".
func (p *Pipeline) propagate(ctx context.Context, scope string, unit model.SyncUnit) (string, error) {
	item, err := p.provider.GetItem(ctx, scope, unit.RootID)
	if err != nil {
		return "", err
	}

	if item.Status == provider.ItemCancelled {
		p.logger.Debug().
			Str("scope", scope).
			Str("unit", unit.RootID).
			Msg("Item cancelled, nothing to propagate")
		return "skipped", nil
	}

	missing := p.missingSecondaries(item)
	if len(missing) == 0 {
		return "skipped", nil
	}

	updated := append([]provider.Participant(nil), item.Participants...)
	for _, email := range missing {
		updated = append(updated, provider.Participant{Email: email, Optional: true})
	}

	if err := p.provider.UpdateParticipants(ctx, scope, unit.RootID, updated); err != nil {
		return "", err
	}

	p.logger.Debug().
		Str("scope", scope).
		Str("unit", unit.RootID).
		Strs("added", missing).
		Msg("Secondary identities added")

	return "applied", nil
}

// missingSecondaries returns, in identity-map order, the secondary
// identities owed to the item's primary participants but absent from
// its participant list.
func (p *Pipeline) missingSecondaries(item *provider.Item) []string {
	present := make(map[string]bool, len(item.Participants))
	for _, part := range item.Participants {
		present[part.Email] = true
	}

	var missing []string
	for _, part := range item.Participants {
		if !p.identity.HasPrimary(part.Email) {
			continue
		}
		for _, secondary := range p.identity.SecondariesFor(part.Email) {
			if !present[secondary] {
				present[secondary] = true
				missing = append(missing, secondary)
			}
		}
	}
	return missing
}
