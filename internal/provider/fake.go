package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Ensure FakeProvider implements WatchProvider
var _ WatchProvider = (*FakeProvider)(nil)

// FakeProvider is an in-memory WatchProvider used by tests. Channels
// it issues expire seven days out, matching the real provider's
// window. Every mutating call is counted so tests can assert on
// zero-mutation paths.
type FakeProvider struct {
	mu sync.Mutex

	// ChannelTTL is the lifetime of issued registrations.
	ChannelTTL time.Duration

	// RegisterErr, CancelErr, ListErr, GetErr, UpdateErr force the
	// matching call to fail.
	RegisterErr error
	CancelErr   error
	ListErr     error
	GetErr      error
	UpdateErr   error

	// Items served by ListChangedSince and GetItem, keyed by scope.
	items map[string][]*Item

	seq           int
	registerCalls int
	cancelCalls   int
	getCalls      int
	updateCalls   int
	updated       map[string][]Participant
}

// NewFakeProvider creates an empty fake.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		ChannelTTL: 7 * 24 * time.Hour,
		items:      make(map[string][]*Item),
		updated:    make(map[string][]Participant),
	}
}

// Register issues a synthetic channel for the scope.
func (f *FakeProvider) Register(ctx context.Context, scope, callbackURL string) (*WatchRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.RegisterErr != nil {
		return nil, f.RegisterErr
	}

	f.seq++
	f.registerCalls++
	return &WatchRegistration{
		ID:             fmt.Sprintf("chan-%d", f.seq),
		ResourceHandle: fmt.Sprintf("res-%d", f.seq),
		ExpiresAt:      time.Now().Add(f.ChannelTTL),
	}, nil
}

// Cancel records the cancellation.
func (f *FakeProvider) Cancel(ctx context.Context, id, resourceHandle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancelCalls++
	return f.CancelErr
}

// SetItems replaces the items served for a scope.
func (f *FakeProvider) SetItems(scope string, items ...*Item) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.items[scope] = items
}

// ListChangedSince returns the configured items for the scope.
func (f *FakeProvider) ListChangedSince(ctx context.Context, scope string, since time.Time) ([]*Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ListErr != nil {
		return nil, f.ListErr
	}
	return append([]*Item(nil), f.items[scope]...), nil
}

// GetItem returns the configured item with the given id.
func (f *FakeProvider) GetItem(ctx context.Context, scope, id string) (*Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.getCalls++
	if f.GetErr != nil {
		return nil, f.GetErr
	}
	for _, item := range f.items[scope] {
		if item.ID == id {
			return item, nil
		}
	}
	return nil, NewError("get_item", 404, fmt.Errorf("item %s not found", id))
}

// UpdateParticipants records the applied participant list.
func (f *FakeProvider) UpdateParticipants(ctx context.Context, scope, id string, participants []Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.UpdateErr != nil {
		return f.UpdateErr
	}
	f.updateCalls++
	f.updated[scope+"|"+id] = participants
	return nil
}

// RegisterCalls returns how many registrations were issued.
func (f *FakeProvider) RegisterCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registerCalls
}

// CancelCalls returns how many cancellations were requested.
func (f *FakeProvider) CancelCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelCalls
}

// GetCalls returns how many item fetches were attempted.
func (f *FakeProvider) GetCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

// UpdateCalls returns how many participant updates were applied.
func (f *FakeProvider) UpdateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateCalls
}

// UpdatedParticipants returns the last participant list applied to an
// item, or nil.
func (f *FakeProvider) UpdatedParticipants(scope, id string) []Participant {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updated[scope+"|"+id]
}
