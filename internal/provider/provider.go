// Package provider declares the external collaborator contracts the
// pipeline and renewal service are driven against: the push-provider
// that issues watch channels and serves authoritative event state, and
// the identity map that decides which attendees must be propagated.
package provider

import (
	"context"
	"time"
)

// WatchRegistration is the provider's answer to a register call.
type WatchRegistration struct {
	ID             string
	ResourceHandle string
	ExpiresAt      time.Time
}

// Participant is one attendee on an event.
type Participant struct {
	Email    string `json:"email"`
	Optional bool   `json:"optional,omitempty"`
}

// Item is one calendar event as the provider reports it. Notifications
// carry no payload, so every item here comes from an authoritative
// re-fetch.
type Item struct {
	ID           string
	Scope        string
	Status       string // confirmed, tentative, cancelled
	Participants []Participant
	UpdatedAt    time.Time
}

// ItemCancelled is the provider's status for removed events.
const ItemCancelled = "cancelled"

// WatchProvider is the external push-subscription provider.
type WatchProvider interface {
	// Register issues a new watch channel for the scope, delivering
	// notifications to the callback URL.
	Register(ctx context.Context, scope, callbackURL string) (*WatchRegistration, error)

	// Cancel stops an existing channel. Cancelling an already-expired
	// channel is a legitimate outcome, not an error the caller must
	// act on.
	Cancel(ctx context.Context, id, resourceHandle string) error

	// ListChangedSince returns items in the scope changed after the
	// given instant.
	ListChangedSince(ctx context.Context, scope string, since time.Time) ([]*Item, error)

	// GetItem fetches the current authoritative state of one item.
	GetItem(ctx context.Context, scope, id string) (*Item, error)

	// UpdateParticipants replaces the participant list of an item.
	UpdateParticipants(ctx context.Context, scope, id string, participants []Participant) error
}

// IdentityMap resolves which secondary identities shadow a primary
// one. Read-only from this process; ownership lives with the external
// loader.
type IdentityMap interface {
	// HasPrimary reports whether the id is a known primary identity.
	HasPrimary(id string) bool

	// SecondariesFor returns the ordered secondaries for a primary id.
	SecondariesFor(id string) []string

	// Primaries returns every known primary id. Drives force-resync
	// and the store-unavailable boot fallback.
	Primaries() []string
}
