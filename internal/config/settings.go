package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

type Config struct {
	BruteForce BruteForceConfig `json:"brute_force"`
	Reputation ReputationConfig `json:"reputation"`
	Geo        GeoConfig        `json:"geo"`
	ASN        ASNConfig        `json:"asn"`
	Feed       FeedConfig       `json:"feed"`
	Notify     NotifyConfig     `json:"notify"`
	Server     ServerConfig     `json:"server"`
}

type BruteForceConfig struct {
	Enabled              bool `json:"enabled"`
	MaxAttempts          int  `json:"max_attempts"`
	WindowMinutes        int  `json:"window_minutes"`
	BlockDurationMinutes int  `json:"block_duration_minutes"`
	AttemptRetentionDays int  `json:"attempt_retention_days"`
}

type ReputationConfig struct {
	Enabled        bool   `json:"enabled"`
	Endpoint       string `json:"endpoint"`
	Threshold      int    `json:"threshold"`
	MaxAgeDays     int    `json:"max_age_days"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	APIKey         string `json:"-"`
}

type GeoConfig struct {
	Enabled          bool     `json:"enabled"`
	BlockedCountries []string `json:"blocked_countries"`
	MMDBPath         string   `json:"mmdb_path"`
	LookupURL        string   `json:"lookup_url"`
	TimeoutSeconds   int      `json:"timeout_seconds"`
	CacheDays        int      `json:"cache_days"`
}

type ASNConfig struct {
	AnnouncedPrefixesURL string `json:"announced_prefixes_url"`
	LookupURL            string `json:"lookup_url"`
	TimeoutSeconds       int    `json:"timeout_seconds"`
	CacheHours           int    `json:"cache_hours"`
}

type FeedConfig struct {
	Enabled             bool                `json:"enabled"`
	Mode                string              `json:"mode"`
	SyncTimer           Timer               `json:"sync_timer"`
	Mirrors             []string            `json:"mirrors"`
	Strategies          []string            `json:"strategies"`
	BrowserFetch        bool                `json:"browser_fetch"`
	ProbeEndpoints      []string            `json:"probe_endpoints"`
	DNSServer           string              `json:"dns_server"`
	AlternativeSources  []AlternativeSource `json:"alternative_sources"`
	NeverContact        []string            `json:"never_contact"`
	ProxyURL            string              `json:"proxy_url"`
	DataDir             string              `json:"data_dir"`
	SurfacePath         string              `json:"surface_path"`
	SnapshotMaxAgeDays  int                 `json:"snapshot_max_age_days"`
	EmergencyFallback   bool                `json:"emergency_fallback"`
	FetchTimeoutSeconds int                 `json:"fetch_timeout_seconds"`
	MaxBodyBytes        int64               `json:"max_body_bytes"`
	Retry               RetryConfig         `json:"retry"`
}

type AlternativeSource struct {
	URL    string `json:"url"`
	Format string `json:"format"`
}

type RetryConfig struct {
	Attempts  int `json:"attempts"`
	BackoffMs int `json:"backoff_ms"`
}

type NotifyConfig struct {
	WebhookURL    string  `json:"webhook_url"`
	FirewallURL   string  `json:"firewall_url"`
	FirewallToken string  `json:"-"`
	QueueSize     int     `json:"queue_size"`
	RatePerSecond float64 `json:"rate_per_second"`
}

type ServerConfig struct {
	TrustProxyHeaders bool `json:"trust_proxy_headers"`
}

type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

const (
	FeedModeDirectives  = "directives"
	FeedModeAddressList = "address_list"

	AlternativeFormatPlain     = "plain"
	AlternativeFormatSemicolon = "semicolon"
	AlternativeFormatPattern   = "pattern"

	DefaultSettingsPath = "data/settings.json"
)

//go:embed default_settings.json
var defaultConfig []byte

// Default returns the embedded default configuration.
func Default() Config {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		panic(fmt.Sprintf("config: embedded defaults: %v", err))
	}
	return cfg
}

// Manager owns the live configuration. Readers get copies through GetConfig;
// interested components subscribe to interval and configuration updates.
type Manager struct {
	path string

	configValue atomic.Value
	configMu    sync.Mutex

	listenersMu     sync.Mutex
	feedListeners   []chan time.Duration
	configListeners []chan Config
	lastFeedTimer   Timer
	lastCountries   []string
	redisSync       *redisSync
}

func NewManager(path string) *Manager {
	if path == "" {
		path = DefaultSettingsPath
	}
	m := &Manager{path: path}
	cfg := Default()
	applyEnvOverrides(&cfg)
	m.configValue.Store(cfg)
	m.lastFeedTimer = cfg.Feed.SyncTimer
	m.lastCountries = append([]string(nil), cfg.Geo.BlockedCountries...)
	return m
}

func (m *Manager) Path() string {
	return m.path
}

// ReadSettings loads the settings file, writing the embedded defaults first
// when the file does not exist yet.
func (m *Manager) ReadSettings() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("config: read settings: %w", err)
		}
		log.Warn("Settings file not found, creating with default configuration", "path", m.path)

		if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
			return fmt.Errorf("config: create settings directory: %w", err)
		}
		if err := os.WriteFile(m.path, defaultConfig, 0o644); err != nil {
			return fmt.Errorf("config: write default settings: %w", err)
		}
		data = defaultConfig
	}

	newConfig, err := Parse(data)
	if err != nil {
		return err
	}

	if err := m.applyConfigUpdate(newConfig, configUpdateOptions{source: "file"}); err != nil {
		return err
	}

	log.Debug("Settings file loaded successfully", "path", m.path)
	return nil
}

// Parse decodes settings on top of the embedded defaults and validates them.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode settings: %w", err)
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetConfig validates, applies, persists and broadcasts a new configuration.
func (m *Manager) SetConfig(newConfig Config) error {
	if err := newConfig.Validate(); err != nil {
		return err
	}
	return m.applyConfigUpdate(newConfig, configUpdateOptions{persistToFile: true, broadcast: true, source: "local"})
}

type configUpdateOptions struct {
	persistToFile bool
	broadcast     bool
	source        string
}

func (m *Manager) applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	m.configMu.Lock()
	defer m.configMu.Unlock()

	applyEnvOverrides(&newConfig)
	m.configValue.Store(newConfig)
	m.notifyListeners(newConfig)

	var errs []error

	if opts.persistToFile {
		data, err := json.MarshalIndent(newConfig, "", "  ")
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal settings: %w", err))
		} else if err := os.WriteFile(m.path, data, 0o644); err != nil {
			errs = append(errs, fmt.Errorf("write settings: %w", err))
		}
	}

	if opts.broadcast {
		payload, err := json.Marshal(newConfig)
		if err != nil {
			errs = append(errs, fmt.Errorf("serialize settings for broadcast: %w", err))
		} else if err := m.broadcastConfigUpdate(payload); err != nil {
			errs = append(errs, fmt.Errorf("broadcast settings: %w", err))
		}
	}

	log.Debug("Configuration applied", "source", opts.source)

	return errors.Join(errs...)
}

func (m *Manager) GetConfig() Config {
	return m.configValue.Load().(Config)
}

func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("REPUTATION_API_KEY"); key != "" {
		cfg.Reputation.APIKey = key
	}
	if token := os.Getenv("FIREWALL_TOKEN"); token != "" {
		cfg.Notify.FirewallToken = token
	}
	if path := os.Getenv("GEOIP_MMDB_PATH"); path != "" {
		cfg.Geo.MMDBPath = path
	}
	if proxyURL := os.Getenv("FEED_PROXY_URL"); proxyURL != "" {
		cfg.Feed.ProxyURL = proxyURL
	}
}
