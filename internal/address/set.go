package address

import (
	"net/netip"
	"sort"
	"sync/atomic"

	"github.com/gaissmai/bart"
)

// Set is an immutable collection of classified entries indexed for lookup.
// Addresses and CIDRs live in a routing table; ASN entries are kept aside and
// matched by the caller against resolved ranges.
type Set struct {
	entries map[string]Entry
	table   *bart.Table[string]
	asns    []Entry
}

// NewSet builds a Set, skipping invalid entries and duplicates.
func NewSet(entries []Entry) *Set {
	s := &Set{
		entries: make(map[string]Entry, len(entries)),
		table:   new(bart.Table[string]),
	}
	for _, e := range entries {
		s.add(e)
	}
	return s
}

func (s *Set) add(e Entry) {
	if !e.Valid() {
		return
	}
	if _, dup := s.entries[e.Normalized]; dup {
		return
	}
	s.entries[e.Normalized] = e
	if e.Kind == ASN {
		s.asns = append(s.asns, e)
		return
	}
	s.table.Insert(e.Prefix(), e.Normalized)
}

// With returns a copy of s including e.
func (s *Set) With(e Entry) *Set {
	next := make([]Entry, 0, s.Len()+1)
	next = append(next, s.Entries()...)
	next = append(next, e)
	return NewSet(next)
}

// Without returns a copy of s lacking the entry with the given normalized form.
func (s *Set) Without(normalized string) *Set {
	next := make([]Entry, 0, s.Len())
	for _, e := range s.Entries() {
		if e.Normalized == normalized {
			continue
		}
		next = append(next, e)
	}
	return NewSet(next)
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Has reports whether an entry with the given normalized form is present.
func (s *Set) Has(normalized string) bool {
	if s == nil {
		return false
	}
	_, ok := s.entries[normalized]
	return ok
}

// Entries returns the entries ordered by normalized form.
func (s *Set) Entries() []Entry {
	if s == nil {
		return nil
	}
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Normalized < out[j].Normalized })
	return out
}

// Lookup returns the most specific address or CIDR entry covering addr.
func (s *Set) Lookup(addr netip.Addr) (string, bool) {
	if s == nil || !addr.IsValid() {
		return "", false
	}
	addr = addr.Unmap()
	if rule, ok := s.table.Lookup(addr); ok || !addr.Is4() {
		return rule, ok
	}
	// IPv4 addresses also match rules written over the IPv4-mapped range.
	rule, ok := s.table.Lookup(netip.AddrFrom16(addr.As16()))
	if !ok || !s.entries[rule].Prefix().Addr().Is4In6() {
		return "", false
	}
	return rule, true
}

// ASNs returns the ASN entries of the set.
func (s *Set) ASNs() []Entry {
	if s == nil {
		return nil
	}
	return s.asns
}

// SetHolder publishes Set snapshots to concurrent readers.
type SetHolder struct {
	current atomic.Pointer[Set]
}

func NewSetHolder() *SetHolder {
	h := &SetHolder{}
	h.current.Store(NewSet(nil))
	return h
}

func (h *SetHolder) Load() *Set {
	return h.current.Load()
}

func (h *SetHolder) Store(s *Set) {
	if s == nil {
		s = NewSet(nil)
	}
	h.current.Store(s)
}
