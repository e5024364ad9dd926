package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calwatch/calwatch/internal/config"
	"github.com/calwatch/calwatch/internal/identity"
	"github.com/calwatch/calwatch/internal/model"
	"github.com/calwatch/calwatch/internal/provider"
	"github.com/calwatch/calwatch/internal/registry"
	"github.com/calwatch/calwatch/internal/renewal"
	"github.com/calwatch/calwatch/internal/store"
	"github.com/calwatch/calwatch/internal/syncer"
)

type fixture struct {
	engine   *Engine
	store    store.Store
	registry *registry.Registry
	provider *provider.FakeProvider
}

// newFixture assembles an engine around the given store, skipping
// CreateEngine so tests control the backend directly.
func newFixture(t *testing.T, st store.Store, storeAvailable bool) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Identity.Mappings = map[string][]string{
		"room-a@example.com": {"mirror-a@example.com"},
		"room-b@example.com": {"mirror-b@example.com"},
	}
	cfg.Provider.CallbackURL = "https://calwatch.example.com/notifications"

	reg := registry.NewRegistry()
	sync := syncer.NewSyncer(st, reg)
	prov := provider.NewFakeProvider()
	ident := identity.NewStaticMap(cfg.Identity.Mappings)

	renewSvc := renewal.NewService(renewal.Config{
		CallbackURL:         cfg.Provider.CallbackURL,
		ExpirationThreshold: cfg.RenewalThreshold(),
	}, st, sync, prov, ident)

	e := &Engine{
		config:         cfg,
		store:          st,
		registry:       reg,
		syncer:         sync,
		renewal:        renewSvc,
		logger:         log.With().Str("component", "engine").Logger(),
		storeAvailable: storeAvailable,
	}

	return &fixture{engine: e, store: st, registry: reg, provider: prov}
}

// TestReconcile_StoreUnreachable verifies the boot fallback: with the
// store down and a non-empty identity map, the process still reaches
// serving state with one fresh cache-only channel per primary.
func TestReconcile_StoreUnreachable(t *testing.T) {
	st := store.NewUnavailable(errors.New("open failed"))
	f := newFixture(t, st, false)

	f.engine.reconcile(context.Background())

	assert.Equal(t, 2, f.provider.RegisterCalls(), "One registration per identity-map primary")
	assert.Equal(t, 2, f.registry.Len(), "Fresh channels serve from the registry despite the store outage")

	sub, found := f.registry.GetByScope("room-a@example.com")
	require.True(t, found)
	assert.Equal(t, model.StatusActive, sub.Status)
	assert.True(t, sub.ExpiresAt.After(time.Now()))
}

// TestReconcile_EmptyStore verifies an intact but empty store also
// triggers fresh registration
func TestReconcile_EmptyStore(t *testing.T) {
	f := newFixture(t, syncer.NewMockStore(), true)

	f.engine.reconcile(context.Background())

	assert.Equal(t, 2, f.provider.RegisterCalls())
	assert.Equal(t, 2, f.registry.Len())
}

// TestReconcile_LoadsExisting verifies a populated store is loaded
// as-is, with no fresh registration
func TestReconcile_LoadsExisting(t *testing.T) {
	st := syncer.NewMockStore()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, st.Save(ctx, &model.Subscription{
		ID:             "chan-1",
		ResourceHandle: "handle-1",
		Scope:          "room-a@example.com",
		ExpiresAt:      now.Add(72 * time.Hour),
		RegisteredAt:   now,
		LastUpdatedAt:  now,
		Status:         model.StatusActive,
	}))

	f := newFixture(t, st, true)
	f.engine.reconcile(ctx)

	assert.Equal(t, 0, f.provider.RegisterCalls(), "Loaded subscriptions need no fresh registration")
	_, found := f.registry.Get("chan-1")
	assert.True(t, found)
}
