// Package identity provides the config-backed identity map used when
// the external spreadsheet loader is not wired in.
package identity

import (
	"sort"

	"github.com/calwatch/calwatch/internal/provider"
)

// Ensure StaticMap implements provider.IdentityMap
var _ provider.IdentityMap = (*StaticMap)(nil)

// StaticMap is an immutable primary-to-secondaries table built once
// from configuration.
type StaticMap struct {
	mappings map[string][]string
}

// NewStaticMap copies the given table into an immutable map.
func NewStaticMap(mappings map[string][]string) *StaticMap {
	copied := make(map[string][]string, len(mappings))
	for primary, secondaries := range mappings {
		copied[primary] = append([]string(nil), secondaries...)
	}
	return &StaticMap{mappings: copied}
}

// HasPrimary reports whether the id is a known primary identity.
func (m *StaticMap) HasPrimary(id string) bool {
	_, ok := m.mappings[id]
	return ok
}

// SecondariesFor returns the ordered secondaries for a primary id.
func (m *StaticMap) SecondariesFor(id string) []string {
	return append([]string(nil), m.mappings[id]...)
}

// Primaries returns every known primary id, sorted for stable output.
func (m *StaticMap) Primaries() []string {
	out := make([]string, 0, len(m.mappings))
	for primary := range m.mappings {
		out = append(out, primary)
	}
	sort.Strings(out)
	return out
}
