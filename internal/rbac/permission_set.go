package rbac

import (
	"encoding/json"
	"sort"
	"strings"
)

// PermissionSet is an unordered, deduplicated set of permission names.
// Names are normalised to lower case without surrounding whitespace.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from names, skipping blanks.
func NewPermissionSet(names ...string) PermissionSet {
	set := make(PermissionSet, len(names))
	for _, n := range names {
		set.Add(n)
	}
	return set
}

// Add inserts the normalised name.
func (s PermissionSet) Add(name string) {
	if n := normalizeName(name); n != "" {
		s[n] = struct{}{}
	}
}

// Has reports whether name is a member.
func (s PermissionSet) Has(name string) bool {
	if len(s) == 0 {
		return false
	}
	_, ok := s[normalizeName(name)]
	return ok
}

// HasAny reports whether at least one name is a member. An empty list is
// never satisfied.
func (s PermissionSet) HasAny(names ...string) bool {
	for _, n := range names {
		if s.Has(n) {
			return true
		}
	}
	return false
}

// HasAll reports whether every name is a member.
func (s PermissionSet) HasAll(names ...string) bool {
	for _, n := range names {
		if normalizeName(n) == "" {
			continue
		}
		if !s.Has(n) {
			return false
		}
	}
	return true
}

// Union returns a new set holding the members of s and other.
func (s PermissionSet) Union(other PermissionSet) PermissionSet {
	out := make(PermissionSet, len(s)+len(other))
	for n := range s {
		out[n] = struct{}{}
	}
	for n := range other {
		out[n] = struct{}{}
	}
	return out
}

// Clone copies the set.
func (s PermissionSet) Clone() PermissionSet {
	return s.Union(nil)
}

// Names returns the members sorted for stable output.
func (s PermissionSet) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Equal reports whether both sets hold the same members.
func (s PermissionSet) Equal(other PermissionSet) bool {
	if len(s) != len(other) {
		return false
	}
	for n := range s {
		if _, ok := other[n]; !ok {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the set as a sorted array.
func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Names())
}

// UnmarshalJSON decodes an array of names.
func (s *PermissionSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*s = NewPermissionSet(names...)
	return nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
