// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// ListenAddr is the address the HTTP server binds to. Default: ":8080".
	ListenAddr string

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// ProxyPathPrefix is prepended to the inbound routes the Route Classifier
	// matches against. Default: "/v1proxy".
	ProxyPathPrefix string

	// MaxBodyBytes caps inbound request bodies; a larger body is rejected with
	// an invalid-request error. Buffered upstream response bodies are capped
	// separately by proxyengine.MaxBodyBytes (a fixed 16 MiB) and do not read
	// this value. Default: 16 MiB.
	MaxBodyBytes int64

	// RequestDeadlineSlack is added on top of the sum of a failover loop's
	// tried-upstream timeouts. Default: 5s.
	RequestDeadlineSlack time.Duration

	// CORSOrigins lists allowed Access-Control-Allow-Origin values. Empty or
	// ["*"] allows any origin.
	CORSOrigins []string

	// CredentialKeyHex is a hex-encoded 32-byte AES-256 key used to decrypt
	// each upstream's stored credential ciphertext. Empty disables decryption
	// — upstreams configured with a credential never authenticate outbound.
	CredentialKeyHex string

	Affinity       AffinityConfig
	CircuitBreaker CircuitBreakerConfig
	Quota          QuotaConfig
	SSRF           SSRFConfig
	AdminStore     AdminStoreConfig
	ClickHouse     ClickHouseConfig
	Redis          RedisConfig
	Decision       DecisionConfig
}

// AffinityConfig controls the Affinity Store's sticky-session behavior.
// Shard count is not configurable — the store fixes it internally.
type AffinityConfig struct {
	SlidingTTL   time.Duration // Default: 5m.
	AbsoluteTTL  time.Duration // Default: 30m.
	JanitorEvery time.Duration // Default: 60s.
}

// CircuitBreakerConfig controls the Health & Circuit Registry's defaults;
// individual upstreams may override any field.
type CircuitBreakerConfig struct {
	FailureThreshold int           // Default: 5.
	OpenDuration     time.Duration // Default: 30s.
	HalfOpenProbes   int           // Default: 1.
	EWMAAlpha        float64       // Default: 0.2.
}

// QuotaConfig controls how long a cached quota-exceeded probe result is
// trusted before the Candidate Selector re-checks.
type QuotaConfig struct {
	ProbeTTL time.Duration // Default: 30s.
}

// SSRFConfig lists operator-approved CIDRs the SSRF Validator otherwise
// would reject (private ranges used for an intentionally internal upstream).
type SSRFConfig struct {
	AllowCIDRs []string
}

// AdminStoreConfig selects and configures the read-only backend the
// CachedStore wraps.
type AdminStoreConfig struct {
	Backend         string // "yaml" | "sqlite". Default: "yaml".
	YAMLPath        string // Default: "admin.yaml".
	SQLitePath      string // Default: "admin.db".
	RefreshCronSpec string // Default: "@every 30s".
}

// ClickHouseConfig configures the Decision Recorder's primary sink. Empty
// Addr disables ClickHouse and falls back to structured logging only.
type ClickHouseConfig struct {
	Addr     []string
	Database string
	Username string
	Password string
}

// RedisConfig holds the shared Redis connection used for quota tracking and
// admin-store invalidation.
type RedisConfig struct {
	URL string
}

// DecisionConfig holds the Decision Recorder's channel capacity setting. The
// value is validated at load time, but the recorder's channel capacity is a
// fixed 1024 and does not read it.
type DecisionConfig struct {
	LogSinkCapacity int // Default: 1024.
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{
		ListenAddr:           v.GetString("GATEWAY_LISTEN_ADDR"),
		LogLevel:             strings.ToLower(v.GetString("LOG_LEVEL")),
		ProxyPathPrefix:      v.GetString("GATEWAY_PROXY_PREFIX"),
		MaxBodyBytes:         v.GetInt64("GATEWAY_MAX_BODY_BYTES"),
		RequestDeadlineSlack: v.GetDuration("GATEWAY_REQUEST_DEADLINE_SLACK"),
		CORSOrigins:          v.GetStringSlice("GATEWAY_CORS_ORIGINS"),
		CredentialKeyHex:     v.GetString("GATEWAY_CREDENTIAL_KEY"),

		Affinity: AffinityConfig{
			SlidingTTL:   v.GetDuration("AFFINITY_SLIDING_TTL"),
			AbsoluteTTL:  v.GetDuration("AFFINITY_ABSOLUTE_TTL"),
			JanitorEvery: v.GetDuration("AFFINITY_JANITOR_EVERY"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: v.GetInt("CB_FAILURE_THRESHOLD"),
			OpenDuration:     v.GetDuration("CB_OPEN_DURATION"),
			HalfOpenProbes:   v.GetInt("CB_HALF_OPEN_PROBES"),
			EWMAAlpha:        v.GetFloat64("HEALTH_EWMA_ALPHA"),
		},

		Quota: QuotaConfig{ProbeTTL: v.GetDuration("QUOTA_PROBE_TTL")},

		SSRF: SSRFConfig{AllowCIDRs: v.GetStringSlice("SSRF_ALLOW_CIDRS")},

		AdminStore: AdminStoreConfig{
			Backend:         strings.ToLower(v.GetString("ADMIN_STORE_BACKEND")),
			YAMLPath:        v.GetString("ADMIN_STORE_YAML_PATH"),
			SQLitePath:      v.GetString("ADMIN_STORE_SQLITE_PATH"),
			RefreshCronSpec: v.GetString("ADMIN_STORE_REFRESH_CRON"),
		},

		ClickHouse: ClickHouseConfig{
			Addr:     v.GetStringSlice("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Decision: DecisionConfig{LogSinkCapacity: v.GetInt("LOG_SINK_CAPACITY")},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("GATEWAY_LISTEN_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("GATEWAY_PROXY_PREFIX", "/v1proxy")
	v.SetDefault("GATEWAY_MAX_BODY_BYTES", 16*1024*1024)
	v.SetDefault("GATEWAY_REQUEST_DEADLINE_SLACK", "5s")
	v.SetDefault("GATEWAY_CORS_ORIGINS", []string{"*"})

	v.SetDefault("AFFINITY_SLIDING_TTL", "5m")
	v.SetDefault("AFFINITY_ABSOLUTE_TTL", "30m")
	v.SetDefault("AFFINITY_JANITOR_EVERY", "60s")

	v.SetDefault("CB_FAILURE_THRESHOLD", 5)
	v.SetDefault("CB_OPEN_DURATION", "30s")
	v.SetDefault("CB_HALF_OPEN_PROBES", 1)
	v.SetDefault("HEALTH_EWMA_ALPHA", 0.2)

	v.SetDefault("QUOTA_PROBE_TTL", "30s")

	v.SetDefault("ADMIN_STORE_BACKEND", "yaml")
	v.SetDefault("ADMIN_STORE_YAML_PATH", "admin.yaml")
	v.SetDefault("ADMIN_STORE_SQLITE_PATH", "admin.db")
	v.SetDefault("ADMIN_STORE_REFRESH_CRON", "@every 30s")

	v.SetDefault("LOG_SINK_CAPACITY", 1024)
}

// validate checks semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	switch c.AdminStore.Backend {
	case "yaml", "sqlite":
	default:
		return fmt.Errorf("config: invalid ADMIN_STORE_BACKEND %q; must be one of: yaml, sqlite", c.AdminStore.Backend)
	}

	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("config: GATEWAY_MAX_BODY_BYTES must be positive, got %d", c.MaxBodyBytes)
	}
	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.OpenDuration <= 0 {
		return fmt.Errorf("config: CB_OPEN_DURATION must be a positive duration")
	}
	if c.Decision.LogSinkCapacity < 1 {
		return fmt.Errorf("config: LOG_SINK_CAPACITY must be ≥ 1, got %d", c.Decision.LogSinkCapacity)
	}
	if c.CredentialKeyHex != "" {
		key, err := hex.DecodeString(c.CredentialKeyHex)
		if err != nil {
			return fmt.Errorf("config: GATEWAY_CREDENTIAL_KEY must be hex-encoded: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("config: GATEWAY_CREDENTIAL_KEY must decode to 32 bytes, got %d", len(key))
		}
	}

	return nil
}

// UsesClickHouse reports whether enough ClickHouse connection info was
// supplied to attempt opening a sink.
func (c *Config) UsesClickHouse() bool {
	return len(c.ClickHouse.Addr) > 0
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
