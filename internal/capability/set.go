package capability

import (
	"sort"
	"strings"
)

// Set is a collection of capabilities. Sets returned by this package are
// never modified after construction; callers share them freely.
type Set struct {
	m map[Capability]struct{}
}

// NewSet builds a set from the given capabilities.
func NewSet(caps ...Capability) Set {
	s := Set{m: make(map[Capability]struct{}, len(caps))}
	for _, c := range caps {
		s.m[c] = struct{}{}
	}
	return s
}

// Len returns the number of capabilities in the set.
func (s Set) Len() int {
	return len(s.m)
}

// Empty reports whether the set has no members.
func (s Set) Empty() bool {
	return len(s.m) == 0
}

// Contains reports whether c is in the set.
func (s Set) Contains(c Capability) bool {
	_, ok := s.m[c]
	return ok
}

// ContainsAll reports whether every member of other is in s.
func (s Set) ContainsAll(other Set) bool {
	for c := range other.m {
		if !s.Contains(c) {
			return false
		}
	}
	return true
}

// Union returns s ∪ other.
func (s Set) Union(other Set) Set {
	out := Set{m: make(map[Capability]struct{}, len(s.m)+len(other.m))}
	for c := range s.m {
		out.m[c] = struct{}{}
	}
	for c := range other.m {
		out.m[c] = struct{}{}
	}
	return out
}

// Difference returns the members of s that are not in other.
func (s Set) Difference(other Set) Set {
	out := Set{m: make(map[Capability]struct{})}
	for c := range s.m {
		if !other.Contains(c) {
			out.m[c] = struct{}{}
		}
	}
	return out
}

// Intersect returns s ∩ other.
func (s Set) Intersect(other Set) Set {
	out := Set{m: make(map[Capability]struct{})}
	for c := range s.m {
		if other.Contains(c) {
			out.m[c] = struct{}{}
		}
	}
	return out
}

// Equal reports whether both sets have the same members.
func (s Set) Equal(other Set) bool {
	return s.Len() == other.Len() && s.ContainsAll(other)
}

// Sorted returns the members in declaration order.
func (s Set) Sorted() []Capability {
	out := make([]Capability, 0, len(s.m))
	for c := range s.m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ByRisk returns the members ordered from highest to lowest risk, ties in
// declaration order.
func (s Set) ByRisk() []Capability {
	out := s.Sorted()
	sort.SliceStable(out, func(i, j int) bool { return RiskOf(out[i]) > RiskOf(out[j]) })
	return out
}

// Names returns the identifiers of the members in declaration order.
func (s Set) Names() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, c := range sorted {
		out[i] = c.String()
	}
	return out
}

// String renders the set as a comma-separated list.
func (s Set) String() string {
	return "{" + strings.Join(s.Names(), ", ") + "}"
}

// MaxRisk returns the highest risk in the set, or RiskLow when empty.
func (s Set) MaxRisk() Risk {
	highest := RiskLow
	for c := range s.m {
		if r := RiskOf(c); r > highest {
			highest = r
		}
	}
	return highest
}
