package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// ErrUnknownCountry is returned when a locator has no country for an address.
var ErrUnknownCountry = errors.New("geo: country unknown")

// Locator resolves an address to an ISO 3166-1 alpha-2 country code.
type Locator interface {
	Country(ctx context.Context, addr netip.Addr) (string, error)
}

// MMDBLocator answers from a local GeoLite2/GeoIP2 country database.
type MMDBLocator struct {
	path string

	mu     sync.RWMutex
	reader *geoip2.Reader
}

// NewMMDBLocator returns a locator for path without opening it. Until a
// successful Reload every lookup reports ErrUnknownCountry.
func NewMMDBLocator(path string) *MMDBLocator {
	return &MMDBLocator{path: path}
}

func OpenMMDB(path string) (*MMDBLocator, error) {
	l := NewMMDBLocator(path)
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload reopens the database file, keeping the previous reader on failure.
func (l *MMDBLocator) Reload() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("geo: read mmdb: %w", err)
	}
	reader, err := geoip2.FromBytes(data)
	if err != nil {
		return fmt.Errorf("geo: open mmdb: %w", err)
	}

	l.mu.Lock()
	old := l.reader
	l.reader = reader
	l.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Loaded reports whether a database is open.
func (l *MMDBLocator) Loaded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reader != nil
}

func (l *MMDBLocator) Country(_ context.Context, addr netip.Addr) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.reader == nil {
		return "", ErrUnknownCountry
	}

	record, err := l.reader.Country(net.IP(addr.AsSlice()))
	if err != nil {
		return "", fmt.Errorf("geo: mmdb lookup: %w", err)
	}
	if record.Country.IsoCode == "" {
		return "", ErrUnknownCountry
	}
	return strings.ToUpper(record.Country.IsoCode), nil
}

func (l *MMDBLocator) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reader == nil {
		return nil
	}
	err := l.reader.Close()
	l.reader = nil
	return err
}

// HTTPLocator queries an ip-api style JSON endpoint. URLTemplate receives the
// address through %s.
type HTTPLocator struct {
	URLTemplate string
	Client      *http.Client
}

type httpLookupResponse struct {
	Status      string `json:"status"`
	CountryCode string `json:"countryCode"`
}

func (l HTTPLocator) Country(ctx context.Context, addr netip.Addr) (string, error) {
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(l.URLTemplate, addr.String()), nil)
	if err != nil {
		return "", fmt.Errorf("geo: build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("geo: execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geo: unexpected status %d", resp.StatusCode)
	}

	var payload httpLookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload); err != nil {
		return "", fmt.Errorf("geo: decode response: %w", err)
	}
	if payload.Status != "" && payload.Status != "success" {
		return "", ErrUnknownCountry
	}
	if payload.CountryCode == "" {
		return "", ErrUnknownCountry
	}
	return strings.ToUpper(payload.CountryCode), nil
}
