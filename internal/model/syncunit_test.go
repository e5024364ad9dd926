package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestParseSyncUnit_Instance verifies recurring-instance root extraction
func TestParseSyncUnit_Instance(t *testing.T) {
	unit := ParseSyncUnit("abc123_20251115T100000Z")

	assert.Equal(t, UnitInstance, unit.Kind, "Id with separator should be an instance")
	assert.Equal(t, "abc123", unit.RootID, "Root id should be truncated at the separator")
	assert.Equal(t, "abc123_20251115T100000Z", unit.InstanceID, "Instance id should be preserved")
}

// TestParseSyncUnit_Single verifies standalone ids pass through unchanged
func TestParseSyncUnit_Single(t *testing.T) {
	unit := ParseSyncUnit("abc123")

	assert.Equal(t, UnitSingle, unit.Kind, "Id without separator should be a single unit")
	assert.Equal(t, "abc123", unit.RootID, "Root id should be the id itself")
	assert.Empty(t, unit.InstanceID, "Single units carry no instance id")
}

// TestParseSyncUnit_MultipleSeparators verifies truncation happens at the first separator
func TestParseSyncUnit_MultipleSeparators(t *testing.T) {
	unit := ParseSyncUnit("abc_123_20251115T100000Z")

	assert.Equal(t, UnitInstance, unit.Kind)
	assert.Equal(t, "abc", unit.RootID, "Root id should stop at the first separator")
}

// TestParseSyncUnit_Empty verifies the degenerate empty id
func TestParseSyncUnit_Empty(t *testing.T) {
	unit := ParseSyncUnit("")

	assert.Equal(t, UnitSingle, unit.Kind)
	assert.Empty(t, unit.RootID)
}
