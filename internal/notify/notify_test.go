package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"ipwarden/internal/config"
	"ipwarden/internal/domain"
)

func TestDispatcherDeliversToBothEndpoints(t *testing.T) {
	var mu sync.Mutex
	var webhook []Event
	var firewall []map[string]string
	var authHeader string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.URL.Path {
		case "/hook":
			var ev Event
			if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
				t.Errorf("decode webhook: %v", err)
			}
			webhook = append(webhook, ev)
		case "/firewall":
			authHeader = r.Header.Get("Authorization")
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode firewall: %v", err)
			}
			firewall = append(firewall, body)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDispatcher(config.NotifyConfig{
		WebhookURL:    srv.URL + "/hook",
		FirewallURL:   srv.URL + "/firewall",
		FirewallToken: "secret",
		QueueSize:     4,
	}, srv.Client())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Notify(Event{Action: ActionBlock, Target: "192.0.2.1", Reason: "too many attempts", Source: domain.SourceBruteForce})
	d.Notify(Event{Action: ActionUnblock, Target: "192.0.2.1"})

	deadline := time.Now().Add(2 * time.Second)
	for d.Delivered() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if d.Delivered() != 2 {
		t.Fatalf("delivered = %d, want 2", d.Delivered())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(webhook) != 2 || webhook[0].Source != domain.SourceBruteForce {
		t.Fatalf("webhook events = %+v", webhook)
	}
	if len(firewall) != 2 || firewall[0]["action"] != "block" || firewall[1]["action"] != "unblock" {
		t.Fatalf("firewall payloads = %+v", firewall)
	}
	if authHeader != "Bearer secret" {
		t.Fatalf("Authorization = %q", authHeader)
	}
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	d := NewDispatcher(config.NotifyConfig{WebhookURL: "http://127.0.0.1:0/hook", QueueSize: 2}, nil)

	for i := 0; i < 5; i++ {
		d.Notify(Event{Action: ActionBlock, Target: "192.0.2.1"})
	}
	if d.Dropped() != 3 {
		t.Fatalf("dropped = %d, want 3", d.Dropped())
	}
}

func TestDispatcherDisabledIgnoresEvents(t *testing.T) {
	d := NewDispatcher(config.NotifyConfig{QueueSize: 1}, nil)
	d.Notify(Event{Action: ActionBlock, Target: "192.0.2.1"})
	d.Notify(Event{Action: ActionBlock, Target: "192.0.2.2"})
	if d.Enabled() || d.Dropped() != 0 || len(d.queue) != 0 {
		t.Fatal("disabled dispatcher should not queue events")
	}
}
