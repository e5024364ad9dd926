package model

import "strings"

// instanceSeparator splits a recurring-event instance id from its
// series root id, e.g. "abc123_20251115T100000Z".
const instanceSeparator = "_"

// UnitKind distinguishes standalone items from recurring-series
// instances.
type UnitKind int

const (
	// UnitSingle is a standalone event id.
	UnitSingle UnitKind = iota

	// UnitInstance is one occurrence of a recurring series.
	UnitInstance
)

// SyncUnit is the logical id a propagation action is keyed on: the
// event itself, or the root of the recurring series the event belongs
// to. Deduplication and idempotent updates both key on RootID.
type SyncUnit struct {
	Kind       UnitKind
	RootID     string
	InstanceID string
}

// ParseSyncUnit resolves an item id to its synchronization unit. An id
// containing the instance separator belongs to the series whose root
// id precedes the first separator; anything else is its own unit.
func ParseSyncUnit(itemID string) SyncUnit {
	if i := strings.Index(itemID, instanceSeparator); i >= 0 {
		return SyncUnit{
			Kind:       UnitInstance,
			RootID:     itemID[:i],
			InstanceID: itemID,
		}
	}
	return SyncUnit{
		Kind:   UnitSingle,
		RootID: itemID,
	}
}
