package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"ipwarden/internal/config"
	"ipwarden/internal/domain"
	"ipwarden/internal/metrics"
)

type Action string

const (
	ActionBlock   Action = "block"
	ActionUnblock Action = "unblock"
)

const (
	defaultQueueSize = 256
	deliveryTimeout  = 5 * time.Second
)

// Event describes a block or unblock for downstream collaborators.
type Event struct {
	Action Action        `json:"action"`
	Target string        `json:"target"`
	Reason string        `json:"reason,omitempty"`
	Source domain.Source `json:"source,omitempty"`
	At     time.Time     `json:"at"`
}

// Sink receives events. Notify must not block the caller.
type Sink interface {
	Notify(Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(Event) {}

// Dispatcher queues events and delivers them to the webhook and firewall
// endpoints from a single worker. Events are dropped when the queue is full.
type Dispatcher struct {
	queue   chan Event
	limiter *rate.Limiter
	client  *http.Client

	webhookURL    string
	firewallURL   string
	firewallToken string

	dropped   atomic.Int64
	delivered atomic.Int64
}

func NewDispatcher(cfg config.NotifyConfig, client *http.Client) *Dispatcher {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if client == nil {
		client = &http.Client{Timeout: deliveryTimeout}
	}
	return &Dispatcher{
		queue:         make(chan Event, size),
		limiter:       rate.NewLimiter(limit, 1),
		client:        client,
		webhookURL:    cfg.WebhookURL,
		firewallURL:   cfg.FirewallURL,
		firewallToken: cfg.FirewallToken,
	}
}

// Enabled reports whether any endpoint is configured.
func (d *Dispatcher) Enabled() bool {
	return d.webhookURL != "" || d.firewallURL != ""
}

func (d *Dispatcher) Notify(ev Event) {
	if !d.Enabled() {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case d.queue <- ev:
	default:
		d.dropped.Add(1)
		log.Warn("Notification queue full, dropping event", "action", ev.Action, "target", ev.Target)
	}
}

func (d *Dispatcher) Dropped() int64   { return d.dropped.Load() }
func (d *Dispatcher) Delivered() int64 { return d.delivered.Load() }

// Run delivers queued events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			if err := d.limiter.Wait(ctx); err != nil {
				return
			}
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	ok := true
	if d.webhookURL != "" {
		if err := d.post(ctx, d.webhookURL, "", ev); err != nil {
			ok = false
			metrics.IncUpstreamError("notify")
			log.Warn("Webhook notification failed", "target", ev.Target, "error", err)
		}
	}
	if d.firewallURL != "" {
		payload := struct {
			Action Action `json:"action"`
			Target string `json:"target"`
		}{ev.Action, ev.Target}
		if err := d.post(ctx, d.firewallURL, d.firewallToken, payload); err != nil {
			ok = false
			metrics.IncUpstreamError("firewall")
			log.Warn("Firewall rule push failed", "action", ev.Action, "target", ev.Target, "error", err)
		}
	}
	if ok {
		d.delivered.Add(1)
	}
}

func (d *Dispatcher) post(ctx context.Context, url, token string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
