// Package config defines all configuration for the market-data relay.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// every field overridable via POLYREL_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	WS        WSConfig        `mapstructure:"ws"`
	Store     StoreConfig     `mapstructure:"store"`
	Forward   ForwardConfig   `mapstructure:"forward"`
	Web       WebConfig       `mapstructure:"web"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Sequencer SequencerConfig `mapstructure:"sequencer"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// APIConfig holds the REST endpoint and rate limiting for market discovery.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	RPS     float64       `mapstructure:"rps"`
}

// WSConfig holds the upstream WebSocket endpoint and session tuning.
type WSConfig struct {
	URL             string        `mapstructure:"url"`
	HeartbeatSec    time.Duration `mapstructure:"heartbeat_sec"`
	ReconnectSec    time.Duration `mapstructure:"reconnect_sec"`
	MaxReconnectSec time.Duration `mapstructure:"max_reconnect_sec"`
}

// StoreConfig sets where relay data is persisted (SQLite).
type StoreConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// ForwardConfig controls the downstream WebSocket relay server (C6).
type ForwardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	// MarketListMaxLimit caps the limit clients may request from
	// list_markets/subscribe_category.
	MarketListMaxLimit int `mapstructure:"market_list_max_limit"`
}

// WebConfig controls the HTTP monitoring endpoint (C9).
type WebConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// ScannerConfig controls periodic market discovery and retention cleanup.
type ScannerConfig struct {
	IntervalSec time.Duration `mapstructure:"interval_sec"`
	Category    string        `mapstructure:"category"`
	PageSize    int           `mapstructure:"page_size"`
	TradeRetain time.Duration `mapstructure:"trade_retain"`
	BookRetain  time.Duration `mapstructure:"book_retain"`
}

// SequencerConfig tunes order-book sequencer bounds and gap policy.
//
//   - StrictGapPolicy: when true, a detected sequence gap drops the delta
//     and waits for the next snapshot instead of accepting it.
//   - MaxEntries / TTLSec: bound on in-memory per-token state (§4.3).
type SequencerConfig struct {
	StrictGapPolicy bool          `mapstructure:"strict_gap_policy"`
	MaxEntries      int           `mapstructure:"max_entries"`
	TTLSec          time.Duration `mapstructure:"ttl_sec"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLYREL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("api.timeout", 10*time.Second)
	v.SetDefault("api.rps", 2.0)

	v.SetDefault("ws.url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("ws.heartbeat_sec", 15*time.Second)
	v.SetDefault("ws.reconnect_sec", 5*time.Second)
	v.SetDefault("ws.max_reconnect_sec", 60*time.Second)

	v.SetDefault("store.db_path", "polymarket-relay.db")

	v.SetDefault("forward.enabled", false)
	v.SetDefault("forward.host", "127.0.0.1")
	v.SetDefault("forward.port", 8765)
	v.SetDefault("forward.market_list_max_limit", 200)

	v.SetDefault("web.enabled", true)
	v.SetDefault("web.host", "127.0.0.1")
	v.SetDefault("web.port", 8080)

	v.SetDefault("scanner.interval_sec", 300*time.Second)
	v.SetDefault("scanner.page_size", 100)
	v.SetDefault("scanner.trade_retain", 7*24*time.Hour)
	v.SetDefault("scanner.book_retain", 24*time.Hour)

	v.SetDefault("sequencer.strict_gap_policy", false)
	v.SetDefault("sequencer.max_entries", 10_000)
	v.SetDefault("sequencer.ttl_sec", 600*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.WS.URL == "" {
		return fmt.Errorf("ws.url is required")
	}
	if c.Store.DBPath == "" {
		return fmt.Errorf("store.db_path is required")
	}
	if c.Forward.Enabled && c.Forward.Port <= 0 {
		return fmt.Errorf("forward.port must be > 0 when forward.enabled is true")
	}
	if c.Web.Enabled && c.Web.Port <= 0 {
		return fmt.Errorf("web.port must be > 0 when web.enabled is true")
	}
	if c.Sequencer.MaxEntries <= 0 {
		return fmt.Errorf("sequencer.max_entries must be > 0")
	}
	if c.Sequencer.TTLSec <= 0 {
		return fmt.Errorf("sequencer.ttl_sec must be > 0")
	}
	return nil
}
