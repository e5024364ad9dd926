package renewal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calwatch/calwatch/internal/identity"
	"github.com/calwatch/calwatch/internal/model"
	"github.com/calwatch/calwatch/internal/provider"
	"github.com/calwatch/calwatch/internal/registry"
	"github.com/calwatch/calwatch/internal/store"
	"github.com/calwatch/calwatch/internal/syncer"
)

type fixture struct {
	store    *syncer.MockStore
	registry *registry.Registry
	syncer   *syncer.Syncer
	provider *provider.FakeProvider
	service  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := syncer.NewMockStore()
	reg := registry.NewRegistry()
	sync := syncer.NewSyncer(st, reg)
	prov := provider.NewFakeProvider()
	ident := identity.NewStaticMap(map[string][]string{
		"room-a@example.com": {"mirror-a@example.com"},
	})

	svc := NewService(Config{
		CallbackURL:         "https://calwatch.example.com/notifications",
		ExpirationThreshold: 24 * time.Hour,
	}, st, sync, prov, ident)

	return &fixture{store: st, registry: reg, syncer: sync, provider: prov, service: svc}
}

func seedSub(t *testing.T, f *fixture, id, scope string, expiresIn time.Duration) *model.Subscription {
	t.Helper()

	now := time.Now()
	sub := &model.Subscription{
		ID:             id,
		ResourceHandle: "handle-" + id,
		Scope:          scope,
		ExpiresAt:      now.Add(expiresIn),
		RegisteredAt:   now.Add(-24 * time.Hour),
		LastUpdatedAt:  now.Add(-24 * time.Hour),
		Status:         model.StatusActive,
	}
	require.NoError(t, f.syncer.SaveToAll(context.Background(), sub))
	return sub
}

// TestFindExpiring verifies threshold filtering
func TestFindExpiring(t *testing.T) {
	f := newFixture(t)
	seedSub(t, f, "soon", "room-a@example.com", 12*time.Hour)
	seedSub(t, f, "later", "room-b@example.com", 72*time.Hour)

	expiring, err := f.service.FindExpiring(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, expiring, 1, "Only the 12h subscription is inside the 24h threshold")
	assert.Equal(t, "soon", expiring[0].ID)
}

// TestRenewOne verifies old record replacement and strictly later expiry
func TestRenewOne(t *testing.T) {
	f := newFixture(t)
	old := seedSub(t, f, "old-chan", "room-a@example.com", 12*time.Hour)
	ctx := context.Background()

	item, err := f.service.RenewOne(ctx, old)
	require.NoError(t, err)

	assert.Equal(t, "old-chan", item.OldID)
	assert.NotEqual(t, item.OldID, item.NewID)
	assert.True(t, item.NewExpiry.After(item.OldExpiry), "Renewal must strictly increase the expiry")
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), item.NewExpiry, time.Minute)

	_, err = f.store.Get(ctx, "old-chan")
	assert.ErrorIs(t, err, store.ErrNotFound, "Old record is removed from the store")

	renewed, err := f.store.Get(ctx, item.NewID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, renewed.Status)
	assert.Equal(t, "room-a@example.com", renewed.Scope)

	_, found := f.registry.Get(item.NewID)
	assert.True(t, found, "New channel enters the registry")
	_, found = f.registry.Get("old-chan")
	assert.False(t, found)
}

// TestRenewOne_CancelFailureSwallowed verifies a failed cancel does not abort the renewal
func TestRenewOne_CancelFailureSwallowed(t *testing.T) {
	f := newFixture(t)
	old := seedSub(t, f, "old-chan", "room-a@example.com", 12*time.Hour)
	f.provider.CancelErr = provider.NewError("cancel", 404, nil)

	item, err := f.service.RenewOne(context.Background(), old)
	require.NoError(t, err, "An already-dead channel is a legitimate outcome")
	assert.NotEmpty(t, item.NewID)
}

// TestRenewExpiring verifies the full orchestration
func TestRenewExpiring(t *testing.T) {
	f := newFixture(t)
	seedSub(t, f, "soon", "room-a@example.com", 12*time.Hour)
	seedSub(t, f, "later", "room-b@example.com", 72*time.Hour)

	report, err := f.service.RenewExpiring(context.Background(), 24*time.Hour, false)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Summary.Total)
	assert.Equal(t, 1, report.Summary.Renewed)
	assert.Equal(t, 0, report.Summary.Skipped)
	assert.Equal(t, 0, report.Summary.Failed)
	assert.NotEmpty(t, report.JobID)
}

// TestRenewExpiring_DryRun verifies zero mutation on the dry-run path
func TestRenewExpiring_DryRun(t *testing.T) {
	f := newFixture(t)
	seedSub(t, f, "soon", "room-a@example.com", 12*time.Hour)
	saves := f.store.SaveCount()

	report, err := f.service.RenewExpiring(context.Background(), 24*time.Hour, true)
	require.NoError(t, err)

	assert.Equal(t, 0, report.Summary.Renewed)
	assert.Equal(t, 1, report.Summary.Skipped)
	assert.Equal(t, 0, report.Summary.Failed)
	assert.Equal(t, 0, f.provider.RegisterCalls(), "Dry run must not touch the provider")
	assert.Equal(t, 0, f.provider.CancelCalls())
	assert.Equal(t, saves, f.store.SaveCount(), "Dry run must not write the store")
}

// TestRenewExpiring_Revalidation verifies overlapping runs skip already-renewed items
func TestRenewExpiring_Revalidation(t *testing.T) {
	f := newFixture(t)
	sub := seedSub(t, f, "soon", "room-a@example.com", 12*time.Hour)
	ctx := context.Background()

	// Simulate a concurrent run renewing the item between query and
	// execution: the record leaves the store under its old id.
	expiring, err := f.service.FindExpiring(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	_, err = f.service.RenewOne(ctx, sub)
	require.NoError(t, err)

	report, err := f.service.RenewExpiring(ctx, 24*time.Hour, false)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Summary.Renewed, "Nothing is still stale after the concurrent renewal")
}

// TestRenewExpiring_FailureIsolation verifies one failing item does not abort siblings
func TestRenewExpiring_FailureIsolation(t *testing.T) {
	f := newFixture(t)
	seedSub(t, f, "a", "room-a@example.com", 6*time.Hour)
	seedSub(t, f, "b", "room-b@example.com", 12*time.Hour)

	f.provider.RegisterErr = provider.NewError("register", 500, nil)

	report, err := f.service.RenewExpiring(context.Background(), 24*time.Hour, false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Summary.Failed, "Provider outage fails items individually, not the run")
	assert.Equal(t, 2, report.Summary.Total)
}

// TestForceResync verifies stop-all plus fresh registration per primary
func TestForceResync(t *testing.T) {
	f := newFixture(t)
	seedSub(t, f, "old-1", "room-a@example.com", 12*time.Hour)
	seedSub(t, f, "old-2", "room-b@example.com", 72*time.Hour)

	report, err := f.service.ForceResync(context.Background(), "operator request")
	require.NoError(t, err)

	assert.Equal(t, 2, report.Stopped)
	assert.Equal(t, 2, f.provider.CancelCalls())
	require.Len(t, report.Registered, 1, "One registration per identity-map primary")
	assert.Equal(t, "room-a@example.com", report.Registered[0].Scope)
	assert.Empty(t, report.Failed)
	assert.Equal(t, "operator request", report.Reason)

	_, found := f.registry.Get("old-1")
	assert.False(t, found, "Old channels leave the registry")
}

// TestRegisterForPrimaries verifies the boot fallback path
func TestRegisterForPrimaries(t *testing.T) {
	f := newFixture(t)

	report := f.service.RegisterForPrimaries(context.Background())
	require.Len(t, report.Registered, 1)
	assert.Equal(t, 1, f.registry.Len(), "Fresh registrations reach the registry")
}

// TestRegisterForPrimaries_StoreDown verifies registration degrades to
// cache-only instead of dropping the live channel
func TestRegisterForPrimaries_StoreDown(t *testing.T) {
	f := newFixture(t)
	f.store.FailWrites = true

	report := f.service.RegisterForPrimaries(context.Background())

	require.Len(t, report.Registered, 1, "A live channel is kept even when it cannot be persisted")
	assert.Empty(t, report.Failed)
	assert.Equal(t, 1, f.registry.Len(), "The channel serves from the registry alone")
	assert.Equal(t, 0, f.store.SaveCount(), "Nothing reached the store")
}

// TestForceResync_StoreDown verifies resync still returns a structured
// report in registry-only mode
func TestForceResync_StoreDown(t *testing.T) {
	f := newFixture(t)
	seedSub(t, f, "old-1", "room-a@example.com", 12*time.Hour)
	f.store.FailReads = true
	f.store.FailWrites = true

	report, err := f.service.ForceResync(context.Background(), "store outage drill")
	require.NoError(t, err, "Degraded mode must answer with a report, not an error")

	assert.Equal(t, 1, report.Stopped, "The stop list falls back to the registry")
	assert.Equal(t, 1, f.provider.CancelCalls())
	require.Len(t, report.Registered, 1)

	_, found := f.registry.Get("old-1")
	assert.False(t, found, "The retired channel leaves the registry")
	assert.Equal(t, 1, f.registry.Len(), "Only the fresh cache-only channel remains")
}
