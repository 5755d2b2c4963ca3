package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"computepay/internal/ledgernet"
)

// AppConfig is the full service configuration: defaults, then the optional
// file named by SETTLEMENT_CONFIG_PATH, then environment overrides.
type AppConfig struct {
	Service    ServiceConfig    `yaml:"service"`
	Store      StoreConfig      `yaml:"store"`
	Network    NetworkConfig    `yaml:"network"`
	Cache      CacheConfig      `yaml:"cache"`
	Retry      RetryConfig      `yaml:"retry"`
	Confirm    ConfirmConfig    `yaml:"confirmation"`
	Settlement SettlementConfig `yaml:"settlement"`
}

type ServiceConfig struct {
	HTTPPort            int           `yaml:"httpPort"`
	LogLevel            string        `yaml:"logLevel"`
	HMACSecret          string        `yaml:"hmacSecret"`
	HMACClockSkew       time.Duration `yaml:"hmacClockSkew"`
	ShutdownTimeout     time.Duration `yaml:"shutdownTimeout"`
	ExpirySweepInterval time.Duration `yaml:"expirySweepInterval"`
}

const (
	StoreMemory   = "memory"
	StorePebble   = "pebble"
	StorePostgres = "postgres"
)

type StoreConfig struct {
	Backend     string `yaml:"backend"`
	PebblePath  string `yaml:"pebblePath"`
	PostgresDSN string `yaml:"postgresDsn"`
}

const (
	NetworkFake = "fake"
	NetworkHTTP = "http"
	NetworkEth  = "eth"
)

type NetworkConfig struct {
	Mode             string            `yaml:"mode"`
	BaseURL          string            `yaml:"baseUrl"`
	RPCURL           string            `yaml:"rpcUrl"`
	Timeout          time.Duration     `yaml:"timeout"`
	RatePerSecond    float64           `yaml:"ratePerSecond"`
	Burst            int               `yaml:"burst"`
	SignerURL        string            `yaml:"signerUrl"`
	SignerToken      string            `yaml:"signerToken"`
	PrivateKey       string            `yaml:"privateKey"`
	PlatformIdentity string            `yaml:"platformIdentity"`
	AddressBook      map[string]string `yaml:"addressBook"`
}

type CacheConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	RedisURL string        `yaml:"redisUrl"`
}

type RetryConfig struct {
	Attempts int             `yaml:"attempts"`
	Backoff  []time.Duration `yaml:"backoff"`
}

type ConfirmConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Required int           `yaml:"required"`
}

type SettlementConfig struct {
	BroadcastTimeout  time.Duration `yaml:"broadcastTimeout"`
	MaxAttempts       int           `yaml:"maxAttempts"`
	ReconcileInterval time.Duration `yaml:"reconcileInterval"`
	RecheckInterval   time.Duration `yaml:"recheckInterval"`
	Lease             time.Duration `yaml:"lease"`
	TickOffset        uint64        `yaml:"tickOffset"`
}

// Default returns the documented tunables.
func Default() AppConfig {
	return AppConfig{
		Service: ServiceConfig{
			HTTPPort:            3000,
			LogLevel:            "info",
			HMACClockSkew:       60 * time.Second,
			ShutdownTimeout:     15 * time.Second,
			ExpirySweepInterval: time.Minute,
		},
		Store: StoreConfig{Backend: StoreMemory},
		Network: NetworkConfig{
			Mode:          NetworkFake,
			Timeout:       10 * time.Second,
			RatePerSecond: 10,
			Burst:         5,
		},
		Cache: CacheConfig{TTL: 30 * time.Second},
		Retry: RetryConfig{
			Attempts: 3,
			Backoff:  []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
		},
		Confirm: ConfirmConfig{
			Interval: 2 * time.Second,
			Timeout:  120 * time.Second,
			Required: 3,
		},
		Settlement: SettlementConfig{
			BroadcastTimeout:  10 * time.Second,
			MaxAttempts:       5,
			ReconcileInterval: 15 * time.Second,
			RecheckInterval:   30 * time.Second,
			Lease:             time.Minute,
			TickOffset:        5,
		},
	}
}

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	cfg := Default()
	if path := envOr("SETTLEMENT_CONFIG_PATH", ""); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadFile reads YAML or JSON; the YAML decoder accepts both.
func loadFile(path string, cfg *AppConfig) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, cfg)
}

func applyEnv(cfg *AppConfig) {
	s := &cfg.Service
	s.HTTPPort = envOrInt("API_HTTP_PORT", s.HTTPPort)
	s.LogLevel = envOr("LOG_LEVEL", s.LogLevel)
	s.HMACSecret = envOr("OPS_HMAC_SECRET", s.HMACSecret)
	s.HMACClockSkew = envOrSeconds("HMAC_CLOCK_SKEW_SECONDS", s.HMACClockSkew)
	s.ExpirySweepInterval = envOrDuration("EXPIRY_SWEEP_INTERVAL", s.ExpirySweepInterval)

	st := &cfg.Store
	st.Backend = envOr("STORE_BACKEND", st.Backend)
	st.PebblePath = envOr("PEBBLE_PATH", st.PebblePath)
	st.PostgresDSN = envOr("DATABASE_URL", st.PostgresDSN)

	n := &cfg.Network
	n.Mode = envOr("NETWORK_MODE", n.Mode)
	n.BaseURL = envOr("NETWORK_BASE_URL", n.BaseURL)
	n.RPCURL = envOr("CHAIN_RPC_URL", n.RPCURL)
	n.SignerURL = envOr("SIGNER_URL", n.SignerURL)
	n.SignerToken = envOr("SIGNER_TOKEN", n.SignerToken)
	n.PrivateKey = envOr("CHAIN_PRIVATE_KEY", n.PrivateKey)
	n.PlatformIdentity = envOr("PLATFORM_IDENTITY", n.PlatformIdentity)
	n.Timeout = envOrDuration("NETWORK_TIMEOUT", n.Timeout)
	n.RatePerSecond = envOrFloat("NETWORK_RATE_LIMIT", n.RatePerSecond)

	cfg.Cache.TTL = envOrDuration("BALANCE_CACHE_TTL", cfg.Cache.TTL)
	cfg.Cache.RedisURL = envOr("REDIS_URL", cfg.Cache.RedisURL)

	cfg.Retry.Attempts = envOrInt("RETRY_ATTEMPTS", cfg.Retry.Attempts)

	c := &cfg.Confirm
	c.Interval = envOrDuration("CONFIRMATION_POLL_INTERVAL", c.Interval)
	c.Timeout = envOrDuration("CONFIRMATION_TIMEOUT", c.Timeout)
	c.Required = envOrInt("CONFIRMATIONS_REQUIRED", c.Required)

	sc := &cfg.Settlement
	sc.BroadcastTimeout = envOrDuration("BROADCAST_TIMEOUT", sc.BroadcastTimeout)
	sc.MaxAttempts = envOrInt("SETTLEMENT_MAX_ATTEMPTS", sc.MaxAttempts)
	sc.ReconcileInterval = envOrDuration("RECONCILE_INTERVAL", sc.ReconcileInterval)
}

// Validate rejects configurations the service cannot start with.
func (c *AppConfig) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Service.HTTPPort >= 0 && c.Service.HTTPPort <= 65535, "httpPort %d out of range", c.Service.HTTPPort)
	check(c.Service.HMACClockSkew > 0, "hmacClockSkew must be positive")

	switch c.Store.Backend {
	case StoreMemory:
	case StorePebble:
		check(c.Store.PebblePath != "", "pebble store requires pebblePath")
	case StorePostgres:
		check(c.Store.PostgresDSN != "", "postgres store requires postgresDsn")
	default:
		check(false, "unknown store backend %q", c.Store.Backend)
	}

	switch c.Network.Mode {
	case NetworkFake:
	case NetworkHTTP:
		check(c.Network.BaseURL != "", "http network requires baseUrl")
		check(c.Network.SignerURL != "", "http network requires signerUrl")
	case NetworkEth:
		check(c.Network.RPCURL != "", "eth network requires rpcUrl")
		check(c.Network.PrivateKey != "", "eth network requires privateKey")
	default:
		check(false, "unknown network mode %q", c.Network.Mode)
	}
	if c.Network.Mode == NetworkHTTP || (c.Network.Mode == NetworkFake && c.Network.PlatformIdentity != "") {
		check(ledgernet.ValidIdentity(c.Network.PlatformIdentity), "platformIdentity must be 60 uppercase letters")
	}
	check(c.Network.RatePerSecond > 0, "ratePerSecond must be positive")

	check(c.Cache.TTL > 0, "cache ttl must be positive")
	check(c.Retry.Attempts >= 1, "retry attempts must be at least 1")
	for _, d := range c.Retry.Backoff {
		check(d >= 0, "retry backoff must not be negative")
	}
	check(c.Confirm.Interval > 0, "confirmation interval must be positive")
	check(c.Confirm.Timeout >= c.Confirm.Interval, "confirmation timeout shorter than interval")
	check(c.Confirm.Required >= 1, "confirmations required must be at least 1")
	check(c.Settlement.BroadcastTimeout > 0, "broadcastTimeout must be positive")
	check(c.Settlement.MaxAttempts >= 1, "settlement maxAttempts must be at least 1")
	check(c.Settlement.ReconcileInterval > 0, "reconcileInterval must be positive")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

// envOrDuration accepts Go duration strings such as "30s" or "2m".
func envOrDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrSeconds(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return time.Duration(parsed) * time.Second
		}
	}
	return fallback
}
