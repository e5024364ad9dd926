package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calwatch/calwatch/internal/dedup"
	"github.com/calwatch/calwatch/internal/identity"
	"github.com/calwatch/calwatch/internal/model"
	"github.com/calwatch/calwatch/internal/provider"
	"github.com/calwatch/calwatch/internal/registry"
)

type fixture struct {
	registry *registry.Registry
	guard    *dedup.Guard
	provider *provider.FakeProvider
	pipeline *Pipeline
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	reg := registry.NewRegistry()
	guard := dedup.NewGuard(dedup.Config{TTL: time.Minute, SweepInterval: time.Minute})
	prov := provider.NewFakeProvider()
	ident := identity.NewStaticMap(map[string][]string{
		"alice@example.com": {"alice.mirror@example.com"},
	})

	reg.Register(&model.Subscription{
		ID:        "chan-1",
		Scope:     "room-a@example.com",
		ExpiresAt: time.Now().Add(24 * time.Hour),
		Status:    model.StatusActive,
	})

	return &fixture{
		registry: reg,
		guard:    guard,
		provider: prov,
		pipeline: NewPipeline(cfg, reg, guard, prov, ident),
	}
}

func fastConfig() Config {
	return Config{
		Lookback:      2 * time.Minute,
		QueueSize:     16,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	}
}

// TestHandle_SyncAck verifies the handshake is acknowledged and dropped
func TestHandle_SyncAck(t *testing.T) {
	f := newFixture(t, fastConfig())

	outcome, err := f.pipeline.Handle(Notification{
		ChannelID:     "chan-1",
		ResourceState: StateSync,
	})

	require.NoError(t, err)
	assert.Equal(t, OutcomeSyncAck, outcome)
	assert.Equal(t, 0, f.pipeline.QueueDepth(), "Sync messages have no side effects")
	assert.Equal(t, 0, f.guard.Len(), "Sync messages never touch the guard")
}

// TestHandle_UnknownChannel verifies rejection without touching the guard
func TestHandle_UnknownChannel(t *testing.T) {
	f := newFixture(t, fastConfig())

	outcome, err := f.pipeline.Handle(Notification{
		ChannelID:     "never-seen",
		ResourceState: StateExists,
	})

	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownChannel, outcome)
	assert.Equal(t, 0, f.guard.Len())
}

// TestHandle_QueueFull verifies backpressure surfaces as an error
func TestHandle_QueueFull(t *testing.T) {
	cfg := fastConfig()
	cfg.QueueSize = 1
	f := newFixture(t, cfg)
	// Worker not started, so the single slot stays occupied

	outcome, err := f.pipeline.Handle(Notification{ChannelID: "chan-1", ResourceState: StateExists})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)

	_, err = f.pipeline.Handle(Notification{ChannelID: "chan-1", ResourceState: StateExists})
	assert.ErrorIs(t, err, ErrQueueFull)
}

// TestPropagation verifies missing secondaries are added from authoritative state
func TestPropagation(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.provider.SetItems("room-a@example.com", &provider.Item{
		ID:     "evt-1",
		Scope:  "room-a@example.com",
		Status: "confirmed",
		Participants: []provider.Participant{
			{Email: "alice@example.com"},
			{Email: "bob@external.example.org"},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pipeline.Start(ctx)

	outcome, err := f.pipeline.Handle(Notification{ChannelID: "chan-1", ResourceState: StateExists, ResourceID: "res-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)

	require.Eventually(t, func() bool {
		return f.provider.UpdateCalls() == 1
	}, time.Second, 5*time.Millisecond, "Background worker should apply exactly one update")

	applied := f.provider.UpdatedParticipants("room-a@example.com", "evt-1")
	require.Len(t, applied, 3)
	assert.Equal(t, "alice.mirror@example.com", applied[2].Email, "The missing secondary is appended")
	assert.True(t, applied[2].Optional)
}

// TestPropagation_Duplicate verifies a rapid repeat for the same unit runs once
func TestPropagation_Duplicate(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.provider.SetItems("room-a@example.com", &provider.Item{
		ID:     "evt-1",
		Scope:  "room-a@example.com",
		Status: "confirmed",
		Participants: []provider.Participant{
			{Email: "alice@example.com"},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pipeline.Start(ctx)

	_, err := f.pipeline.Handle(Notification{ChannelID: "chan-1", ResourceState: StateExists})
	require.NoError(t, err)
	_, err = f.pipeline.Handle(Notification{ChannelID: "chan-1", ResourceState: StateExists})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.pipeline.QueueDepth() == 0 && f.provider.UpdateCalls() >= 1
	}, time.Second, 5*time.Millisecond)

	// Give the worker time to (wrongly) process the duplicate
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.provider.UpdateCalls(), "Second notification inside the window must be suppressed")
}

// TestPropagation_RecurringInstance verifies the series root is the unit
func TestPropagation_RecurringInstance(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.provider.SetItems("room-a@example.com",
		&provider.Item{
			ID:     "abc123_20251115T100000Z",
			Scope:  "room-a@example.com",
			Status: "confirmed",
			Participants: []provider.Participant{
				{Email: "alice@example.com"},
			},
		},
		&provider.Item{
			ID:     "abc123",
			Scope:  "room-a@example.com",
			Status: "confirmed",
			Participants: []provider.Participant{
				{Email: "alice@example.com"},
			},
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pipeline.Start(ctx)

	_, err := f.pipeline.Handle(Notification{ChannelID: "chan-1", ResourceState: StateExists})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.provider.UpdateCalls() >= 1
	}, time.Second, 5*time.Millisecond)

	assert.NotNil(t, f.provider.UpdatedParticipants("room-a@example.com", "abc123"),
		"Propagation must target the series root, not the instance")
	assert.Nil(t, f.provider.UpdatedParticipants("room-a@example.com", "abc123_20251115T100000Z"))
	assert.True(t, f.guard.IsDuplicate("room-a@example.com", "abc123"), "Dedup keys on the root id")
}

// TestPropagation_CancelledSkipped verifies cancelled items are not touched
func TestPropagation_CancelledSkipped(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.provider.SetItems("room-a@example.com", &provider.Item{
		ID:     "evt-1",
		Scope:  "room-a@example.com",
		Status: provider.ItemCancelled,
		Participants: []provider.Participant{
			{Email: "alice@example.com"},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pipeline.Start(ctx)

	_, err := f.pipeline.Handle(Notification{ChannelID: "chan-1", ResourceState: StateExists})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.pipeline.QueueDepth() == 0 && f.provider.GetCalls() >= 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, f.provider.UpdateCalls())
}

// TestPropagation_AlreadyComplete verifies fully-propagated items are skipped
func TestPropagation_AlreadyComplete(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.provider.SetItems("room-a@example.com", &provider.Item{
		ID:     "evt-1",
		Scope:  "room-a@example.com",
		Status: "confirmed",
		Participants: []provider.Participant{
			{Email: "alice@example.com"},
			{Email: "alice.mirror@example.com"},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pipeline.Start(ctx)

	_, err := f.pipeline.Handle(Notification{ChannelID: "chan-1", ResourceState: StateExists})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.pipeline.QueueDepth() == 0 && f.provider.GetCalls() >= 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, f.provider.UpdateCalls(), "Nothing missing means nothing to apply")
}

// TestPropagation_TransientRetry verifies the fixed-delay retry budget
func TestPropagation_TransientRetry(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.provider.SetItems("room-a@example.com", &provider.Item{
		ID:     "evt-1",
		Scope:  "room-a@example.com",
		Status: "confirmed",
		Participants: []provider.Participant{
			{Email: "alice@example.com"},
		},
	})
	f.provider.UpdateErr = provider.NewError("update", 503, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pipeline.Start(ctx)

	_, err := f.pipeline.Handle(Notification{ChannelID: "chan-1", ResourceState: StateExists})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.provider.GetCalls() == 3
	}, time.Second, 5*time.Millisecond, "Transient failure retries until the attempt budget is spent")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, f.provider.GetCalls(), "No retries beyond the configured attempts")
}

// TestPropagation_PermanentNoRetry verifies 4xx failures are not retried
func TestPropagation_PermanentNoRetry(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.provider.SetItems("room-a@example.com", &provider.Item{
		ID:     "evt-1",
		Scope:  "room-a@example.com",
		Status: "confirmed",
		Participants: []provider.Participant{
			{Email: "alice@example.com"},
		},
	})
	f.provider.UpdateErr = provider.NewError("update", 403, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pipeline.Start(ctx)

	_, err := f.pipeline.Handle(Notification{ChannelID: "chan-1", ResourceState: StateExists})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.provider.GetCalls() >= 1 && f.pipeline.QueueDepth() == 0
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.provider.GetCalls(), "Permanent failures stop after the first attempt")
}

// TestFailureIsolation verifies one failing item does not abort siblings
func TestFailureIsolation(t *testing.T) {
	f := newFixture(t, fastConfig())
	// The list reports both items, but only one resolves: the first
	// has no authoritative root item, so GetItem 404s on it.
	f.provider.SetItems("room-a@example.com",
		&provider.Item{ID: "evt-missing-instance_x", Scope: "room-a@example.com"},
		&provider.Item{
			ID:     "evt-ok",
			Scope:  "room-a@example.com",
			Status: "confirmed",
			Participants: []provider.Participant{
				{Email: "alice@example.com"},
			},
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pipeline.Start(ctx)

	_, err := f.pipeline.Handle(Notification{ChannelID: "chan-1", ResourceState: StateExists})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.provider.UpdateCalls() == 1
	}, time.Second, 5*time.Millisecond, "The healthy sibling is still propagated")

	assert.NotNil(t, f.provider.UpdatedParticipants("room-a@example.com", "evt-ok"))
}
