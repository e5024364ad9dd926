package store

import (
	"context"
	"fmt"
	"time"

	"github.com/calwatch/calwatch/internal/model"
)

// Ensure Unavailable implements Store
var _ Store = (*Unavailable)(nil)

// Unavailable is the store handed out when the durable backend failed
// to open. Every operation fails with the original cause, which keeps
// the syncer's store-first discipline intact: nothing reaches the
// registry through the normal write path while the store is down.
type Unavailable struct {
	cause error
}

// NewUnavailable wraps the open failure.
func NewUnavailable(cause error) *Unavailable {
	return &Unavailable{cause: cause}
}

func (u *Unavailable) err(op string) error {
	return fmt.Errorf("store unavailable (%s): %w", op, u.cause)
}

func (u *Unavailable) Save(ctx context.Context, sub *model.Subscription) error {
	return u.err("save")
}

func (u *Unavailable) Get(ctx context.Context, id string) (*model.Subscription, error) {
	return nil, u.err("get")
}

func (u *Unavailable) LoadAllActive(ctx context.Context) ([]*model.Subscription, error) {
	return nil, u.err("load_all_active")
}

func (u *Unavailable) FindExpiringBefore(ctx context.Context, threshold time.Time) ([]*model.Subscription, error) {
	return nil, u.err("find_expiring")
}

func (u *Unavailable) UpdateExpiry(ctx context.Context, id string, newExpiry time.Time) error {
	return u.err("update_expiry")
}

func (u *Unavailable) Delete(ctx context.Context, id string) error {
	return u.err("delete")
}

func (u *Unavailable) MarkStopped(ctx context.Context, id string) error {
	return u.err("mark_stopped")
}

func (u *Unavailable) GetAllOrderedByExpiry(ctx context.Context) ([]*model.Subscription, error) {
	return nil, u.err("get_all")
}

func (u *Unavailable) Close() error {
	return nil
}
