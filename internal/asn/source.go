package asn

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"regexp"
	"strings"

	"ipwarden/internal/address"
)

const maxResponseBytes = 4 << 20

// Source yields the announced ranges of an autonomous system.
type Source interface {
	Name() string
	Ranges(ctx context.Context, asn uint32) ([]netip.Prefix, error)
}

// AnnouncedPrefixes queries a RIPEstat-style announced-prefixes JSON API.
// URLTemplate receives the ASN number through %d.
type AnnouncedPrefixes struct {
	URLTemplate string
	Client      *http.Client
}

type announcedPrefixesResponse struct {
	Data struct {
		Prefixes []struct {
			Prefix string `json:"prefix"`
		} `json:"prefixes"`
	} `json:"data"`
}

func (s AnnouncedPrefixes) Name() string { return "announced-prefixes" }

func (s AnnouncedPrefixes) Ranges(ctx context.Context, asn uint32) ([]netip.Prefix, error) {
	body, err := get(ctx, s.Client, fmt.Sprintf(s.URLTemplate, asn))
	if err != nil {
		return nil, err
	}

	var payload announcedPrefixesResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := make([]netip.Prefix, 0, len(payload.Data.Prefixes))
	for _, p := range payload.Data.Prefixes {
		if entry := address.Classify(p.Prefix); entry.Kind == address.CIDR {
			out = append(out, entry.Prefix())
		}
	}
	return out, nil
}

var cidrPattern = regexp.MustCompile(`(?:\d{1,3}(?:\.\d{1,3}){3}|[0-9A-Fa-f]{0,4}(?::[0-9A-Fa-f]{0,4}){2,7})/\d{1,3}`)

// TextLookup queries an API answering with free-form text and extracts every
// CIDR-shaped substring.
type TextLookup struct {
	URLTemplate string
	Client      *http.Client
}

func (s TextLookup) Name() string { return "text-lookup" }

func (s TextLookup) Ranges(ctx context.Context, asn uint32) ([]netip.Prefix, error) {
	body, err := get(ctx, s.Client, fmt.Sprintf(s.URLTemplate, asn))
	if err != nil {
		return nil, err
	}
	return ExtractRanges(string(body)), nil
}

// ExtractRanges returns the valid CIDRs found anywhere in text.
func ExtractRanges(text string) []netip.Prefix {
	matches := cidrPattern.FindAllString(text, -1)
	out := make([]netip.Prefix, 0, len(matches))
	for _, m := range matches {
		if entry := address.Classify(m); entry.Kind == address.CIDR {
			out = append(out, entry.Prefix())
		}
	}
	return out
}

func get(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}
