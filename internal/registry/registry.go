package registry

import (
	"sync"
	"time"

	"github.com/calwatch/calwatch/internal/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Registry is the process-local index of active subscriptions, used on
// the notification fast path. It is a derived cache of the durable
// store and must be reconciled from it on startup before it is
// consulted; the syncer is the only component that mutates it together
// with the store.
type Registry struct {
	mu     sync.RWMutex
	subs   map[string]*model.Subscription
	logger zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	logger := log.With().Str("component", "registry").Logger()

	return &Registry{
		subs:   make(map[string]*model.Subscription),
		logger: logger,
	}
}

// Register upserts a subscription by id.
func (r *Registry) Register(sub *model.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs[sub.ID] = sub.Clone()
	r.logger.Debug().
		Str("id", sub.ID).
		Str("scope", sub.Scope).
		Time("expires", sub.ExpiresAt).
		Msg("Subscription registered")
}

// Unregister removes a subscription. Removing an unknown id is a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subs[id]; exists {
		delete(r.subs, id)
		r.logger.Debug().Str("id", id).Msg("Subscription unregistered")
	}
}

// Get returns the subscription with the given id, or false.
func (r *Registry) Get(id string) (*model.Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, exists := r.subs[id]
	if !exists {
		return nil, false
	}
	return sub.Clone(), true
}

// GetByScope returns the subscription watching the given scope, or
// false. With one channel per scope the first match wins.
func (r *Registry) GetByScope(scope string) (*model.Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sub := range r.subs {
		if sub.Scope == scope {
			return sub.Clone(), true
		}
	}
	return nil, false
}

// ExpiringWithin returns subscriptions whose expiry falls inside the
// given window from now.
func (r *Registry) ExpiringWithin(window time.Duration) []*model.Subscription {
	threshold := time.Now().Add(window)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Subscription
	for _, sub := range r.subs {
		if sub.ExpiresAt.Before(threshold) {
			out = append(out, sub.Clone())
		}
	}
	return out
}

// Expired returns subscriptions already past their expiry at the given
// instant.
func (r *Registry) Expired(now time.Time) []*model.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Subscription
	for _, sub := range r.subs {
		if sub.IsExpired(now) {
			out = append(out, sub.Clone())
		}
	}
	return out
}

// All returns every registered subscription.
func (r *Registry) All() []*model.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub.Clone())
	}
	return out
}

// Len returns the number of registered subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.subs)
}
