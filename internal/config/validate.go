package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var alternativeFormats = map[string]struct{}{
	AlternativeFormatPlain:     {},
	AlternativeFormatSemicolon: {},
	AlternativeFormatPattern:   {},
}

var fetchStrategies = map[string]struct{}{
	"insecure": {},
	"verified": {},
	"raw":      {},
	"stream":   {},
	"browser":  {},
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	bf := c.BruteForce
	if bf.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("brute_force.max_attempts must be >= 1, got %d", bf.MaxAttempts))
	}
	if bf.WindowMinutes < 1 {
		errs = append(errs, fmt.Errorf("brute_force.window_minutes must be >= 1, got %d", bf.WindowMinutes))
	}
	if bf.BlockDurationMinutes < 0 {
		errs = append(errs, fmt.Errorf("brute_force.block_duration_minutes must be >= 0, got %d", bf.BlockDurationMinutes))
	}
	if bf.AttemptRetentionDays < 1 {
		errs = append(errs, fmt.Errorf("brute_force.attempt_retention_days must be >= 1, got %d", bf.AttemptRetentionDays))
	}

	if c.Reputation.Threshold < 0 || c.Reputation.Threshold > 100 {
		errs = append(errs, fmt.Errorf("reputation.threshold must be within [0,100], got %d", c.Reputation.Threshold))
	}
	if c.Reputation.Enabled {
		errs = append(errs, checkURL("reputation.endpoint", c.Reputation.Endpoint))
	}

	for _, code := range c.Geo.BlockedCountries {
		if !isCountryCode(code) {
			errs = append(errs, fmt.Errorf("geo.blocked_countries: %q is not an ISO 3166-1 alpha-2 code", code))
		}
	}
	if c.Geo.TimeoutSeconds < 1 || c.Geo.TimeoutSeconds > 3 {
		errs = append(errs, fmt.Errorf("geo.timeout_seconds must be within [1,3], got %d", c.Geo.TimeoutSeconds))
	}
	if c.Geo.CacheDays < 1 {
		errs = append(errs, fmt.Errorf("geo.cache_days must be >= 1, got %d", c.Geo.CacheDays))
	}

	if c.ASN.TimeoutSeconds < 1 || c.ASN.TimeoutSeconds > 5 {
		errs = append(errs, fmt.Errorf("asn.timeout_seconds must be within [1,5], got %d", c.ASN.TimeoutSeconds))
	}
	if c.ASN.CacheHours < 1 {
		errs = append(errs, fmt.Errorf("asn.cache_hours must be >= 1, got %d", c.ASN.CacheHours))
	}

	errs = append(errs, c.Feed.validate()...)

	if c.Notify.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("notify.queue_size must be >= 1, got %d", c.Notify.QueueSize))
	}
	if c.Notify.RatePerSecond <= 0 {
		errs = append(errs, fmt.Errorf("notify.rate_per_second must be > 0, got %v", c.Notify.RatePerSecond))
	}

	return errors.Join(errs...)
}

func (f FeedConfig) validate() []error {
	var errs []error

	switch f.Mode {
	case FeedModeDirectives, FeedModeAddressList:
	default:
		errs = append(errs, fmt.Errorf("feed.mode %q is not one of %q, %q", f.Mode, FeedModeDirectives, FeedModeAddressList))
	}
	for _, mirror := range f.Mirrors {
		errs = append(errs, checkURL("feed.mirrors", mirror))
	}
	for _, strategy := range f.Strategies {
		if _, ok := fetchStrategies[strategy]; !ok {
			errs = append(errs, fmt.Errorf("feed.strategies: unknown strategy %q", strategy))
		}
	}
	for _, src := range f.AlternativeSources {
		errs = append(errs, checkURL("feed.alternative_sources", src.URL))
		if _, ok := alternativeFormats[src.Format]; !ok {
			errs = append(errs, fmt.Errorf("feed.alternative_sources: unknown format %q for %s", src.Format, src.URL))
		}
	}
	if f.ProxyURL != "" {
		if u, err := url.Parse(f.ProxyURL); err != nil || u.Scheme != "socks5" {
			errs = append(errs, fmt.Errorf("feed.proxy_url must be a socks5:// URL, got %q", f.ProxyURL))
		}
	}
	if strings.TrimSpace(f.DataDir) == "" {
		errs = append(errs, errors.New("feed.data_dir must not be empty"))
	}
	if f.Mode == FeedModeDirectives && strings.TrimSpace(f.SurfacePath) == "" {
		errs = append(errs, errors.New("feed.surface_path must not be empty in directives mode"))
	}
	if f.SnapshotMaxAgeDays < 1 {
		errs = append(errs, fmt.Errorf("feed.snapshot_max_age_days must be >= 1, got %d", f.SnapshotMaxAgeDays))
	}
	if f.FetchTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("feed.fetch_timeout_seconds must be >= 1, got %d", f.FetchTimeoutSeconds))
	}
	if f.MaxBodyBytes < 1024 {
		errs = append(errs, fmt.Errorf("feed.max_body_bytes must be >= 1024, got %d", f.MaxBodyBytes))
	}
	if f.Retry.Attempts < 1 {
		errs = append(errs, fmt.Errorf("feed.retry.attempts must be >= 1, got %d", f.Retry.Attempts))
	}
	if f.Retry.BackoffMs < 0 {
		errs = append(errs, fmt.Errorf("feed.retry.backoff_ms must be >= 0, got %d", f.Retry.BackoffMs))
	}

	return errs
}

func checkURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s: %q is not an http(s) URL", field, raw)
	}
	return nil
}

func isCountryCode(code string) bool {
	if len(code) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return false
		}
	}
	return true
}
