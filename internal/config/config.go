package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/voicegate/pkg/entitlement"
)

const (
	envPrefix      = "VOICEGATE_"
	defaultDataDir = "/var/lib/voicegate"

	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Config holds everything the server needs at startup.
type Config struct {
	DataDir     string
	ListenAddr  string
	MetricsAddr string // empty disables the metrics listener

	LogLevel     string
	LogFormat    string
	LogFile      string
	LogMaxSizeMB int

	StoreBackend  string
	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// BillingURL empty means no remote ledger; every resolution then falls
	// back to local state.
	BillingURL           string
	BillingAPIKey        string
	BillingEntitlementID string
	RemoteTimeout        time.Duration

	TrialDays            int
	FreeDailySessions    int
	TrialDailySessions   int
	PremiumDailySessions int
	Timezone             string

	CatalogPath         string
	StripeWebhookSecret string

	AnalyticsBuffer       int
	MeteringFlushInterval time.Duration

	// MaxEngines bounds the per-user engine cache.
	MaxEngines int

	// EnvOverrides records which fields were set from the environment.
	EnvOverrides map[string]bool
}

// Load reads .env files and VOICEGATE_* variables on top of the defaults.
func Load() (*Config, error) {
	dataDir := defaultDataDir
	if dir := strings.TrimSpace(os.Getenv(envPrefix + "DATA_DIR")); dir != "" {
		dataDir = dir
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
		}
	}

	// Also try the working directory for development.
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	cfg := Defaults(dataDir)
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults(dataDir string) *Config {
	policy := entitlement.DefaultPolicy()
	return &Config{
		DataDir:               dataDir,
		ListenAddr:            ":8080",
		MetricsAddr:           ":9091",
		LogLevel:              "info",
		LogFormat:             "auto",
		LogMaxSizeMB:          50,
		StoreBackend:          StoreSQLite,
		RedisAddr:             "localhost:6379",
		RedisPrefix:           "voicegate:",
		RemoteTimeout:         policy.RemoteTimeout,
		TrialDays:             int(policy.TrialDuration / (24 * time.Hour)),
		FreeDailySessions:     policy.FreeDailySessions,
		TrialDailySessions:    policy.TrialDailySessions,
		PremiumDailySessions:  policy.PremiumDailySessions,
		CatalogPath:           filepath.Join(dataDir, "catalog.json"),
		AnalyticsBuffer:       1024,
		MeteringFlushInterval: time.Minute,
		MaxEngines:            entitlement.DefaultMaxEngines,
		EnvOverrides:          make(map[string]bool),
	}
}

func (c *Config) applyEnv() {
	c.envString("LISTEN_ADDR", "listenAddr", &c.ListenAddr)
	c.envString("METRICS_ADDR", "metricsAddr", &c.MetricsAddr)
	c.envString("LOG_LEVEL", "logLevel", &c.LogLevel)
	c.envString("LOG_FORMAT", "logFormat", &c.LogFormat)
	c.envString("LOG_FILE", "logFile", &c.LogFile)
	c.envInt("LOG_MAX_SIZE", "logMaxSize", &c.LogMaxSizeMB)

	c.envString("STORE", "storeBackend", &c.StoreBackend)
	c.envString("REDIS_ADDR", "redisAddr", &c.RedisAddr)
	c.envString("REDIS_USERNAME", "redisUsername", &c.RedisUsername)
	c.envString("REDIS_PASSWORD", "redisPassword", &c.RedisPassword)
	c.envInt("REDIS_DB", "redisDB", &c.RedisDB)
	c.envString("REDIS_PREFIX", "redisPrefix", &c.RedisPrefix)

	c.envString("BILLING_URL", "billingURL", &c.BillingURL)
	c.envString("BILLING_API_KEY", "billingAPIKey", &c.BillingAPIKey)
	c.envString("BILLING_ENTITLEMENT", "billingEntitlement", &c.BillingEntitlementID)
	c.envDuration("REMOTE_TIMEOUT", "remoteTimeout", &c.RemoteTimeout)

	c.envInt("TRIAL_DAYS", "trialDays", &c.TrialDays)
	c.envInt("FREE_DAILY_SESSIONS", "freeDailySessions", &c.FreeDailySessions)
	c.envInt("TRIAL_DAILY_SESSIONS", "trialDailySessions", &c.TrialDailySessions)
	c.envInt("PREMIUM_DAILY_SESSIONS", "premiumDailySessions", &c.PremiumDailySessions)
	c.envString("TIMEZONE", "timezone", &c.Timezone)

	c.envString("CATALOG_FILE", "catalogPath", &c.CatalogPath)
	c.envString("STRIPE_WEBHOOK_SECRET", "stripeWebhookSecret", &c.StripeWebhookSecret)

	c.envInt("ANALYTICS_BUFFER", "analyticsBuffer", &c.AnalyticsBuffer)
	c.envInt("MAX_ENGINES", "maxEngines", &c.MaxEngines)
	c.envDuration("METERING_FLUSH_INTERVAL", "meteringFlushInterval", &c.MeteringFlushInterval)

	c.StoreBackend = strings.ToLower(c.StoreBackend)
}

func (c *Config) envString(name, field string, dst *string) {
	raw, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return
	}
	*dst = strings.Trim(strings.TrimSpace(raw), "'\"")
	c.EnvOverrides[field] = true
	if !strings.Contains(name, "KEY") && !strings.Contains(name, "SECRET") && !strings.Contains(name, "PASSWORD") {
		log.Debug().Str("field", field).Str("value", *dst).Msg("Config overridden by env var")
	}
}

func (c *Config) envInt(name, field string, dst *int) {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("var", envPrefix+name).Str("value", raw).Msg("Ignoring non-integer env var")
		return
	}
	*dst = n
	c.EnvOverrides[field] = true
}

// envDuration accepts Go durations ("750ms", "5s") or bare seconds ("5").
func (c *Config) envDuration(name, field string, dst *time.Duration) {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw + "s"); err == nil {
		*dst = d
	} else if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
	} else {
		log.Warn().Str("var", envPrefix+name).Str("value", raw).Msg("Ignoring invalid duration env var")
		return
	}
	c.EnvOverrides[field] = true
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("listen address is required")
	}

	switch c.StoreBackend {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(c.DataDir) == "" {
			return fmt.Errorf("sqlite store requires a data directory")
		}
	case StoreRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return fmt.Errorf("redis store requires %sREDIS_ADDR", envPrefix)
		}
		if c.RedisDB < 0 {
			return fmt.Errorf("invalid redis db: %d", c.RedisDB)
		}
	default:
		return fmt.Errorf("unknown store backend %q (want memory, sqlite or redis)", c.StoreBackend)
	}

	if c.BillingURL != "" {
		u, err := url.Parse(c.BillingURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("billing URL must be an absolute http(s) URL: %q", c.BillingURL)
		}
	}

	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote timeout must be positive")
	}
	if c.TrialDays <= 0 {
		return fmt.Errorf("trial days must be at least 1")
	}
	for name, v := range map[string]int{
		"free":    c.FreeDailySessions,
		"trial":   c.TrialDailySessions,
		"premium": c.PremiumDailySessions,
	} {
		if v <= 0 {
			return fmt.Errorf("%s daily sessions must be at least 1, got %d", name, v)
		}
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.AnalyticsBuffer <= 0 {
		return fmt.Errorf("analytics buffer must be positive")
	}
	if c.MeteringFlushInterval < time.Second {
		return fmt.Errorf("metering flush interval must be at least 1 second")
	}
	if c.MaxEngines <= 0 {
		return fmt.Errorf("max engines must be positive")
	}
	return nil
}

// Location resolves Timezone. Empty or "Local" means the host zone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Policy converts the tunables into an engine policy.
func (c *Config) Policy() (entitlement.Policy, error) {
	loc, err := c.Location()
	if err != nil {
		return entitlement.Policy{}, err
	}
	return entitlement.Policy{
		TrialDuration:        time.Duration(c.TrialDays) * 24 * time.Hour,
		RemoteTimeout:        c.RemoteTimeout,
		FreeDailySessions:    c.FreeDailySessions,
		TrialDailySessions:   c.TrialDailySessions,
		PremiumDailySessions: c.PremiumDailySessions,
		Location:             loc,
	}, nil
}
