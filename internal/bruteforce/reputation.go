package bruteforce

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"ipwarden/internal/domain"
)

const (
	defaultReputationTimeout = 3 * time.Second
	maxReputationBody        = 64 << 10
)

// ReputationClient queries an AbuseIPDB compatible check endpoint.
type ReputationClient struct {
	Endpoint   string
	APIKey     string
	MaxAgeDays int
	Timeout    time.Duration
	Client     *http.Client
}

type reputationResponse struct {
	Data struct {
		AbuseConfidenceScore int `json:"abuseConfidenceScore"`
	} `json:"data"`
}

// Score returns the abuse confidence score (0-100) for addr.
func (c *ReputationClient) Score(ctx context.Context, addr string) (int, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultReputationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return 0, fmt.Errorf("reputation endpoint: %w", err)
	}
	q := u.Query()
	q.Set("ipAddress", addr)
	if c.MaxAgeDays > 0 {
		q.Set("maxAgeInDays", strconv.Itoa(c.MaxAgeDays))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Key", c.APIKey)

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, domain.UpstreamError("reputation lookup", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, domain.UpstreamError("reputation lookup", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var payload reputationResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReputationBody)).Decode(&payload); err != nil {
		return 0, domain.UpstreamError("reputation decode", err)
	}
	return payload.Data.AbuseConfidenceScore, nil
}
