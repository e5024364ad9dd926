package syncer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/calwatch/calwatch/internal/model"
	"github.com/calwatch/calwatch/internal/store"
)

// Ensure MockStore implements store.Store
var _ store.Store = (*MockStore)(nil)

// MockStore is an in-memory store.Store used by tests across packages.
// Failure injection flips whole operation classes to a fixed error so
// callers can exercise the store-unavailable paths.
type MockStore struct {
	mu   sync.Mutex
	subs map[string]*model.Subscription

	// FailReads and FailWrites force the respective operations to
	// return ErrUnavailable.
	FailReads  bool
	FailWrites bool

	// ErrUnavailable is returned when failure injection is on.
	ErrUnavailable error

	saveCount   int
	deleteCount int
}

// NewMockStore creates an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{
		subs:           make(map[string]*model.Subscription),
		ErrUnavailable: context.DeadlineExceeded,
	}
}

// Save stores a copy of the subscription.
func (m *MockStore) Save(ctx context.Context, sub *model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return m.ErrUnavailable
	}
	m.subs[sub.ID] = sub.Clone()
	m.saveCount++
	return nil
}

// Get returns the stored subscription or store.ErrNotFound.
func (m *MockStore) Get(ctx context.Context, id string) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailReads {
		return nil, m.ErrUnavailable
	}
	sub, exists := m.subs[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return sub.Clone(), nil
}

// LoadAllActive returns every active record.
func (m *MockStore) LoadAllActive(ctx context.Context) ([]*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailReads {
		return nil, m.ErrUnavailable
	}
	var out []*model.Subscription
	for _, sub := range m.subs {
		if sub.Status == model.StatusActive {
			out = append(out, sub.Clone())
		}
	}
	return out, nil
}

// FindExpiringBefore returns active records expiring before the threshold.
func (m *MockStore) FindExpiringBefore(ctx context.Context, threshold time.Time) ([]*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailReads {
		return nil, m.ErrUnavailable
	}
	var out []*model.Subscription
	for _, sub := range m.subs {
		if sub.Status == model.StatusActive && sub.ExpiresAt.Before(threshold) {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out, nil
}

// UpdateExpiry updates the expiry of an existing record.
func (m *MockStore) UpdateExpiry(ctx context.Context, id string, newExpiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return m.ErrUnavailable
	}
	sub, exists := m.subs[id]
	if !exists {
		return store.ErrNotFound
	}
	sub.ExpiresAt = newExpiry
	sub.LastUpdatedAt = time.Now()
	return nil
}

// Delete removes the record.
func (m *MockStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return m.ErrUnavailable
	}
	delete(m.subs, id)
	m.deleteCount++
	return nil
}

// MarkStopped flips the record's status to stopped.
func (m *MockStore) MarkStopped(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return m.ErrUnavailable
	}
	sub, exists := m.subs[id]
	if !exists {
		return store.ErrNotFound
	}
	sub.Status = model.StatusStopped
	sub.LastUpdatedAt = time.Now()
	return nil
}

// GetAllOrderedByExpiry returns every record ordered by expiry.
func (m *MockStore) GetAllOrderedByExpiry(ctx context.Context) ([]*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailReads {
		return nil, m.ErrUnavailable
	}
	out := make([]*model.Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// SaveCount returns how many saves succeeded.
func (m *MockStore) SaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCount
}

// DeleteCount returns how many deletes succeeded.
func (m *MockStore) DeleteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteCount
}
