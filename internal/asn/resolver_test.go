package asn

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ipwarden/internal/kv"
	"ipwarden/internal/support"
)

type countingServer struct {
	*httptest.Server
	calls atomic.Int32
}

func newCountingServer(t *testing.T, status int, body string) *countingServer {
	t.Helper()
	cs := &countingServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.calls.Add(1)
		w.WriteHeader(status)
		_, _ = fmt.Fprint(w, body)
	}))
	t.Cleanup(cs.Close)
	return cs
}

const ripeBody = `{"status":"ok","data":{"prefixes":[{"prefix":"8.8.8.0/24"},{"prefix":"8.8.4.0/24"},{"prefix":"8.8.8.0/24"},{"prefix":"2001:4860::/32"}]}}`

const textBody = `"15169","GOOGLE, US"
35.190.0.0/17
not a range
2600:1900::/28 announced`

func newResolver(t *testing.T, primary, secondary *countingServer) (*Resolver, *support.ManualClock) {
	t.Helper()
	clock := support.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sources := []Source{
		AnnouncedPrefixes{URLTemplate: primary.URL + "/prefixes?resource=AS%d"},
		TextLookup{URLTemplate: secondary.URL + "/lookup?q=AS%d"},
	}
	return NewResolver(kv.NewMemory(clock), sources, Options{Clock: clock}), clock
}

func TestResolveCachesWithinTTL(t *testing.T) {
	primary := newCountingServer(t, http.StatusOK, ripeBody)
	secondary := newCountingServer(t, http.StatusOK, textBody)
	r, clock := newResolver(t, primary, secondary)
	ctx := context.Background()

	first := r.Resolve(ctx, 15169)
	if len(first) != 3 {
		t.Fatalf("ranges = %v, want 3 deduplicated ranges", first)
	}

	clock.Advance(23 * time.Hour)
	second := r.Resolve(ctx, 15169)
	if len(second) != 3 {
		t.Fatalf("cached ranges = %v", second)
	}
	if got := primary.calls.Load(); got != 1 {
		t.Fatalf("primary calls = %d, want 1", got)
	}
	if got := secondary.calls.Load(); got != 0 {
		t.Fatalf("secondary queried although primary succeeded (%d calls)", got)
	}

	clock.Advance(2 * time.Hour)
	r.Resolve(ctx, 15169)
	if got := primary.calls.Load(); got != 2 {
		t.Fatalf("primary calls after expiry = %d, want 2", got)
	}
}

func TestResolveFallsBackToTextSource(t *testing.T) {
	primary := newCountingServer(t, http.StatusServiceUnavailable, "down")
	secondary := newCountingServer(t, http.StatusOK, textBody)
	r, _ := newResolver(t, primary, secondary)

	ranges := r.Resolve(context.Background(), 15169)
	if len(ranges) != 2 {
		t.Fatalf("ranges = %v, want 2 from text source", ranges)
	}
	if ranges[0].String() != "35.190.0.0/17" || ranges[1].String() != "2600:1900::/28" {
		t.Fatalf("ranges = %v", ranges)
	}
}

func TestResolveFallsBackOnEmptyPrimary(t *testing.T) {
	primary := newCountingServer(t, http.StatusOK, `{"data":{"prefixes":[]}}`)
	secondary := newCountingServer(t, http.StatusOK, textBody)
	r, _ := newResolver(t, primary, secondary)

	if ranges := r.Resolve(context.Background(), 15169); len(ranges) != 2 {
		t.Fatalf("ranges = %v", ranges)
	}
	if secondary.calls.Load() != 1 {
		t.Fatal("secondary source not consulted after empty primary")
	}
}

func TestResolveTotalFailureIsEmptyAndUncached(t *testing.T) {
	primary := newCountingServer(t, http.StatusInternalServerError, "")
	secondary := newCountingServer(t, http.StatusOK, "no ranges here")
	r, _ := newResolver(t, primary, secondary)
	ctx := context.Background()

	ranges := r.Resolve(ctx, 64500)
	if ranges == nil || len(ranges) != 0 {
		t.Fatalf("ranges = %#v, want empty non-nil", ranges)
	}
	r.Resolve(ctx, 64500)
	if primary.calls.Load() != 2 {
		t.Fatalf("failed resolution was cached (primary calls %d)", primary.calls.Load())
	}
}

func TestClearCache(t *testing.T) {
	primary := newCountingServer(t, http.StatusOK, ripeBody)
	secondary := newCountingServer(t, http.StatusOK, textBody)
	r, _ := newResolver(t, primary, secondary)
	ctx := context.Background()

	r.Resolve(ctx, 15169)
	r.Resolve(ctx, 36040)
	removed, err := r.ClearCache(ctx)
	if err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	r.Resolve(ctx, 15169)
	if primary.calls.Load() != 3 {
		t.Fatalf("primary calls = %d, want 3 after clear", primary.calls.Load())
	}
}

func TestExtractRanges(t *testing.T) {
	got := ExtractRanges("route: 192.0.2.0/24, 2001:db8::/32; bogus 999.1.1.1/8 and 10.0.0.0/99")
	want := []string{"192.0.2.0/24", "2001:db8::/32", "10.0.0.0/32"}
	if len(got) != len(want) {
		t.Fatalf("ExtractRanges = %v, want %v", got, want)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Fatalf("ExtractRanges[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
