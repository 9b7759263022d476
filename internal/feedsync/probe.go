package feedsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

const probeTimeout = 5 * time.Second

// ProbeResult is the availability of one endpoint.
type ProbeResult struct {
	Endpoint string
	OK       bool
	Err      error
}

// Prober checks name resolution and HTTP reachability of feed endpoints.
type Prober struct {
	dnsServer string
	dns       *dns.Client
	http      *http.Client
}

// NewProber resolves through dnsServer (host:port); an empty server skips
// the DNS step and lets the HEAD request resolve on its own.
func NewProber(dnsServer string, client *http.Client) *Prober {
	if client == nil {
		client = &http.Client{Timeout: probeTimeout}
	}
	return &Prober{
		dnsServer: dnsServer,
		dns:       &dns.Client{Timeout: probeTimeout},
		http:      client,
	}
}

// Probe checks every endpoint concurrently.
func (p *Prober) Probe(ctx context.Context, endpoints []string) []ProbeResult {
	results := make([]ProbeResult, len(endpoints))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(3)
	for i, endpoint := range endpoints {
		g.Go(func() error {
			err := p.probeOne(gctx, endpoint)
			mu.Lock()
			results[i] = ProbeResult{Endpoint: endpoint, OK: err == nil, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Prober) probeOne(ctx context.Context, endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid probe endpoint %q", endpoint)
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := p.resolve(ctx, u.Hostname()); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("head %s: %w", u.Host, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("head %s: status %d", u.Host, resp.StatusCode)
	}
	return nil
}

func (p *Prober) resolve(ctx context.Context, host string) error {
	if p.dnsServer == "" {
		return nil
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return nil
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	in, _, err := p.dns.ExchangeContext(ctx, msg, p.dnsServer)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("dns %s: timeout", host)
		}
		return fmt.Errorf("dns %s: %w", host, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return fmt.Errorf("dns %s: %s", host, dns.RcodeToString[in.Rcode])
	}
	for _, rr := range in.Answer {
		switch rr.(type) {
		case *dns.A, *dns.CNAME:
			return nil
		}
	}
	return fmt.Errorf("dns %s: no answer", host)
}

func anyOK(results []ProbeResult) bool {
	for _, r := range results {
		if r.OK {
			return true
		}
	}
	return false
}
