package config

import (
	"net/url"
	"strings"
)

// HostBlocklist holds normalized hostnames the feed fetcher must never contact.
type HostBlocklist map[string]struct{}

// NewHostBlocklist builds a lookup set from hostnames or URLs.
func NewHostBlocklist(entries []string) HostBlocklist {
	set := make(HostBlocklist, len(entries))
	for _, host := range NormalizeHosts(entries) {
		set[host] = struct{}{}
	}
	return set
}

// NeverContact returns the feed host blocklist of the configuration.
func (c Config) NeverContact() HostBlocklist {
	return NewHostBlocklist(c.Feed.NeverContact)
}

// NormalizeHosts trims, lowercases, and deduplicates host entries.
func NormalizeHosts(entries []string) []string {
	unique := make(map[string]struct{}, len(entries))
	normalized := make([]string, 0, len(entries))

	for _, raw := range entries {
		host := normalizeHostname(raw)
		if host == "" {
			continue
		}
		if _, exists := unique[host]; exists {
			continue
		}
		unique[host] = struct{}{}
		normalized = append(normalized, host)
	}

	return normalized
}

// Blocks reports whether the URL or hostname matches an entry or one of its subdomains.
func (b HostBlocklist) Blocks(rawURL string) bool {
	if len(b) == 0 {
		return false
	}

	host := normalizeHostname(rawURL)
	if host == "" {
		return false
	}

	if _, ok := b[host]; ok {
		return true
	}
	for blocked := range b {
		if strings.HasSuffix(host, "."+blocked) {
			return true
		}
	}
	return false
}

func normalizeHostname(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	// Allow bare hostnames by prefixing a scheme for URL parsing.
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return ""
	}

	host := strings.ToLower(parsed.Hostname())
	return strings.Trim(host, ".")
}
