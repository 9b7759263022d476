package address

import (
	"net/netip"
	"testing"
)

func classifyAll(raw ...string) []Entry {
	out := make([]Entry, 0, len(raw))
	for _, r := range raw {
		out = append(out, Classify(r))
	}
	return out
}

func TestSetLookup(t *testing.T) {
	set := NewSet(classifyAll("192.0.2.10", "198.51.100.0/24", "2001:db8::/32", "AS64500", "garbage", "192.0.2.10"))

	if set.Len() != 4 {
		t.Fatalf("Len = %d, want 4", set.Len())
	}
	if len(set.ASNs()) != 1 || set.ASNs()[0].Normalized != "AS64500" {
		t.Fatalf("ASNs = %v", set.ASNs())
	}

	tests := []struct {
		addr string
		want string
		ok   bool
	}{
		{"192.0.2.10", "192.0.2.10", true},
		{"192.0.2.11", "", false},
		{"198.51.100.200", "198.51.100.0/24", true},
		{"::ffff:198.51.100.1", "198.51.100.0/24", true},
		{"2001:db8:1::5", "2001:db8::/32", true},
		{"2001:db9::5", "", false},
	}
	for _, tt := range tests {
		got, ok := set.Lookup(netip.MustParseAddr(tt.addr))
		if ok != tt.ok || got != tt.want {
			t.Errorf("Lookup(%s) = %q, %v; want %q, %v", tt.addr, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSetCopyOnWrite(t *testing.T) {
	holder := NewSetHolder()
	before := holder.Load()

	holder.Store(before.With(Classify("203.0.113.0/24")))
	if before.Len() != 0 {
		t.Fatal("With mutated the original set")
	}
	if _, ok := holder.Load().Lookup(netip.MustParseAddr("203.0.113.9")); !ok {
		t.Fatal("expected new snapshot to match")
	}

	next := holder.Load().Without("203.0.113.0/24")
	if !holder.Load().Has("203.0.113.0/24") {
		t.Fatal("Without mutated the published set")
	}
	holder.Store(next)
	if holder.Load().Len() != 0 {
		t.Fatalf("Len = %d after Without", holder.Load().Len())
	}
}

func TestSetLookupMappedRanges(t *testing.T) {
	set := NewSet(classifyAll("::ffff:10.0.0.0/104", "::ffff:0.0.0.0/80", "2001:db8::/32"))

	tests := []struct {
		addr string
		want string
		ok   bool
	}{
		{"10.20.30.40", "10.0.0.0/8", true},
		{"::ffff:10.20.30.40", "10.0.0.0/8", true},
		{"203.0.113.5", "::ffff:0.0.0.0/80", true},
		{"::1", "::ffff:0.0.0.0/80", true},
		{"2001:db8::1", "2001:db8::/32", true},
	}
	for _, tt := range tests {
		got, ok := set.Lookup(netip.MustParseAddr(tt.addr))
		if ok != tt.ok || got != tt.want {
			t.Fatalf("Lookup(%s) = %q, %v; want %q, %v", tt.addr, got, ok, tt.want, tt.ok)
		}
	}

	plain := NewSet(classifyAll("::/0"))
	if got, ok := plain.Lookup(netip.MustParseAddr("192.0.2.1")); ok {
		t.Fatalf("IPv4 matched plain IPv6 rule %q", got)
	}
}
