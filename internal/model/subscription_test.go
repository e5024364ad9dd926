package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestIsStaleActive verifies the stale-active anomaly is detectable
func TestIsStaleActive(t *testing.T) {
	now := time.Now()

	sub := &Subscription{
		ID:        "chan-1",
		Status:    StatusActive,
		ExpiresAt: now.Add(-time.Hour),
	}
	assert.True(t, sub.IsStaleActive(now), "Active record with past expiry should be stale-active")

	sub.ExpiresAt = now.Add(time.Hour)
	assert.False(t, sub.IsStaleActive(now), "Active record with future expiry is healthy")

	sub.ExpiresAt = now.Add(-time.Hour)
	sub.Status = StatusExpired
	assert.False(t, sub.IsStaleActive(now), "Already-reclassified record is not stale-active")
}

// TestExpiresIn verifies remaining-lifetime computation
func TestExpiresIn(t *testing.T) {
	now := time.Now()
	sub := &Subscription{ExpiresAt: now.Add(30 * time.Minute)}

	assert.Equal(t, 30*time.Minute, sub.ExpiresIn(now))

	sub.ExpiresAt = now.Add(-time.Minute)
	assert.Negative(t, int64(sub.ExpiresIn(now)), "Expired subscriptions report negative remaining time")
}

// TestClone verifies clones do not alias the original
func TestClone(t *testing.T) {
	sub := &Subscription{ID: "chan-1", Scope: "room-a@example.com"}
	clone := sub.Clone()

	clone.Scope = "room-b@example.com"
	assert.Equal(t, "room-a@example.com", sub.Scope, "Mutating the clone should not touch the original")
}
