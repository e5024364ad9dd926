package model

import (
	"time"
)

// Status represents the lifecycle state of a subscription.
type Status string

const (
	// StatusActive marks a live watch channel.
	StatusActive Status = "active"

	// StatusExpired marks a channel whose provider-issued expiry has passed.
	StatusExpired Status = "expired"

	// StatusStopped marks a channel that was explicitly cancelled.
	StatusStopped Status = "stopped"
)

// Subscription is one externally-issued watch channel against a
// monitored calendar resource. The id and resource handle are assigned
// by the provider at registration time; the handle is required to
// cancel the channel later.
type Subscription struct {
	ID             string    `json:"id"`
	ResourceHandle string    `json:"resource_handle"`
	Scope          string    `json:"scope"`
	ExpiresAt      time.Time `json:"expires_at"`
	RegisteredAt   time.Time `json:"registered_at"`
	LastUpdatedAt  time.Time `json:"last_updated_at"`
	Status         Status    `json:"status"`
}

// IsExpired reports whether the subscription's expiry has passed at
// the given instant.
func (s *Subscription) IsExpired(now time.Time) bool {
	return s.ExpiresAt.Before(now)
}

// IsStaleActive reports a record still marked active whose expiry is
// already in the past, which can only happen when the process was down
// across the expiry.
func (s *Subscription) IsStaleActive(now time.Time) bool {
	return s.Status == StatusActive && s.IsExpired(now)
}

// ExpiresIn returns the remaining lifetime at the given instant.
// Negative for expired subscriptions.
func (s *Subscription) ExpiresIn(now time.Time) time.Duration {
	return s.ExpiresAt.Sub(now)
}

// Clone returns a copy so registry callers can hand out subscriptions
// without exposing shared mutable state.
func (s *Subscription) Clone() *Subscription {
	c := *s
	return &c
}
