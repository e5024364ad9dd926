package store

import (
	"context"
	"errors"
	"time"

	"github.com/calwatch/calwatch/internal/model"
)

// ErrNotFound is returned when no subscription exists for the given id.
var ErrNotFound = errors.New("subscription not found")

// Store is the durable owner of subscription state. Every operation
// may fail on store unavailability; callers must treat such failures
// as recoverable, never as fatal to the process.
type Store interface {
	// Save creates or updates the record keyed by sub.ID inside one
	// transaction. Racing writers resolve last-write-wins.
	Save(ctx context.Context, sub *model.Subscription) error

	// Get returns the record for the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*model.Subscription, error)

	// LoadAllActive returns every record with status active.
	LoadAllActive(ctx context.Context) ([]*model.Subscription, error)

	// FindExpiringBefore returns active records expiring before the
	// threshold, ordered by expiry ascending.
	FindExpiringBefore(ctx context.Context, threshold time.Time) ([]*model.Subscription, error)

	// UpdateExpiry overwrites the expiry and last-updated timestamps
	// of an existing record.
	UpdateExpiry(ctx context.Context, id string, newExpiry time.Time) error

	// Delete removes the record. Deleting an absent id is a no-op.
	Delete(ctx context.Context, id string) error

	// MarkStopped keeps the record but flips its status to stopped.
	MarkStopped(ctx context.Context, id string) error

	// GetAllOrderedByExpiry returns every record regardless of status,
	// ordered by expiry ascending.
	GetAllOrderedByExpiry(ctx context.Context) ([]*model.Subscription, error)

	// Close releases the underlying database.
	Close() error
}
