// Package config loads relay configuration from a YAML file, .env files and RELAY_* variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default values
const (
	defaultListenAddr        = "127.0.0.1:8080"
	defaultDatabasePath      = "relay.db"
	defaultRedisAddr         = "localhost:6379"
	defaultKeyPrefix         = "relay:"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultAffinityTTL       = time.Hour
	defaultRenewThreshold    = 0.5
	defaultLockTTL           = 30 * time.Second
	defaultLockWait          = 2 * time.Second
	defaultRateLimitFallback = time.Hour
	defaultTempErrorCooldown = 5 * time.Minute
	defaultRefreshMargin     = 5 * time.Minute
	defaultRefreshAhead      = 20 * time.Minute
	defaultReconcileInterval = time.Minute
	defaultRefreshPerSecond  = 2.0
)

// Config holds the relay configuration.
type Config struct {
	ListenAddr    string
	AdminPassword string
	DatabasePath  string
	EncryptionKey string
	// RelaySecret authenticates the relay layer on the engine routes. It is distinct from
	// the client keys end users present.
	RelaySecret   string

	Redis     RedisConfig
	Log       LogConfig
	Engine    EngineConfig
	OAuth     map[string]OAuthConfig
	Reconcile ReconcileConfig
}

// RedisConfig describes the shared key-value store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// LogConfig selects logrus level and formatter.
type LogConfig struct {
	Level  string
	Format string
}

// EngineConfig holds every scheduling duration that operators can tune.
type EngineConfig struct {
	AffinityTTL       time.Duration
	RenewThreshold    float64
	LockTTL           time.Duration
	LockWait          time.Duration
	RateLimitFallback time.Duration
	TempErrorCooldown time.Duration
	RefreshMargin     time.Duration
	WindowLocation    *time.Location
}

// ReconcileConfig controls the optional background job.
type ReconcileConfig struct {
	Enabled          bool
	Interval         time.Duration
	RefreshAhead     time.Duration
	RefreshPerSecond float64
}

// OAuthConfig is the token endpoint configuration of one provider family.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

type fileConfig struct {
	ListenAddr    string `yaml:"listen_addr"`
	AdminPassword string `yaml:"admin_password"`
	DatabasePath  string `yaml:"database_path"`
	EncryptionKey string `yaml:"encryption_key"`
	RelaySecret   string `yaml:"relay_secret"`
	Redis         struct {
		Addr      string `yaml:"addr"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Engine struct {
		AffinityTTL       string  `yaml:"affinity_ttl"`
		RenewThreshold    float64 `yaml:"renew_threshold"`
		LockTTL           string  `yaml:"lock_ttl"`
		LockWait          string  `yaml:"lock_wait"`
		RateLimitFallback string  `yaml:"rate_limit_fallback"`
		TempErrorCooldown string  `yaml:"temp_error_cooldown"`
		RefreshMargin     string  `yaml:"refresh_margin"`
		WindowTimezone    string  `yaml:"window_timezone"`
	} `yaml:"engine"`
	Reconcile struct {
		Enabled          *bool   `yaml:"enabled"`
		Interval         string  `yaml:"interval"`
		RefreshAhead     string  `yaml:"refresh_ahead"`
		RefreshPerSecond float64 `yaml:"refresh_per_second"`
	} `yaml:"reconcile"`
	OAuth map[string]struct {
		TokenURL     string   `yaml:"token_url"`
		ClientID     string   `yaml:"client_id"`
		ClientSecret string   `yaml:"client_secret"`
		Scopes       []string `yaml:"scopes"`
	} `yaml:"oauth"`
}

// DefaultOAuth returns the built-in token endpoints of the three provider families.
func DefaultOAuth() map[string]OAuthConfig {
	return map[string]OAuthConfig{
		"claude": {
			TokenURL: "https://console.anthropic.com/v1/oauth/token",
			ClientID: "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
			Scopes:   []string{"user:inference", "user:profile"},
		},
		"gemini": {
			TokenURL: "https://oauth2.googleapis.com/token",
			Scopes:   []string{"https://www.googleapis.com/auth/cloud-platform"},
		},
		"openai": {
			TokenURL: "https://auth.openai.com/oauth/token",
			ClientID: "app_EMoamEEZ73f0CkXaXp7hrann",
			Scopes:   []string{"openid", "profile", "email"},
		},
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		ListenAddr:   defaultListenAddr,
		DatabasePath: defaultDatabasePath,
		Redis: RedisConfig{
			Addr:      defaultRedisAddr,
			KeyPrefix: defaultKeyPrefix,
		},
		Log: LogConfig{Level: defaultLogLevel, Format: defaultLogFormat},
		Engine: EngineConfig{
			AffinityTTL:       defaultAffinityTTL,
			RenewThreshold:    defaultRenewThreshold,
			LockTTL:           defaultLockTTL,
			LockWait:          defaultLockWait,
			RateLimitFallback: defaultRateLimitFallback,
			TempErrorCooldown: defaultTempErrorCooldown,
			RefreshMargin:     defaultRefreshMargin,
			WindowLocation:    time.Local,
		},
		OAuth: DefaultOAuth(),
		Reconcile: ReconcileConfig{
			Enabled:          true,
			Interval:         defaultReconcileInterval,
			RefreshAhead:     defaultRefreshAhead,
			RefreshPerSecond: defaultRefreshPerSecond,
		},
	}
}

// Load reads the optional YAML file at path, then .env files, then RELAY_* variables.
// Later sources win.
func Load(path string) (*Config, error) {
	for _, envPath := range getEnvPaths() {
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			break
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := cfg.applyYAML(data); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyYAML(data []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}

	setString(&c.ListenAddr, fc.ListenAddr)
	setString(&c.AdminPassword, fc.AdminPassword)
	setString(&c.DatabasePath, fc.DatabasePath)
	setString(&c.EncryptionKey, fc.EncryptionKey)
	setString(&c.RelaySecret, fc.RelaySecret)
	setString(&c.Redis.Addr, fc.Redis.Addr)
	setString(&c.Redis.Password, fc.Redis.Password)
	setString(&c.Redis.KeyPrefix, fc.Redis.KeyPrefix)
	if fc.Redis.DB != 0 {
		c.Redis.DB = fc.Redis.DB
	}
	setString(&c.Log.Level, fc.Log.Level)
	setString(&c.Log.Format, fc.Log.Format)

	durations := []struct {
		dst *time.Duration
		raw string
		key string
	}{
		{&c.Engine.AffinityTTL, fc.Engine.AffinityTTL, "engine.affinity_ttl"},
		{&c.Engine.LockTTL, fc.Engine.LockTTL, "engine.lock_ttl"},
		{&c.Engine.LockWait, fc.Engine.LockWait, "engine.lock_wait"},
		{&c.Engine.RateLimitFallback, fc.Engine.RateLimitFallback, "engine.rate_limit_fallback"},
		{&c.Engine.TempErrorCooldown, fc.Engine.TempErrorCooldown, "engine.temp_error_cooldown"},
		{&c.Engine.RefreshMargin, fc.Engine.RefreshMargin, "engine.refresh_margin"},
		{&c.Reconcile.Interval, fc.Reconcile.Interval, "reconcile.interval"},
		{&c.Reconcile.RefreshAhead, fc.Reconcile.RefreshAhead, "reconcile.refresh_ahead"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := parseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if fc.Engine.RenewThreshold != 0 {
		c.Engine.RenewThreshold = fc.Engine.RenewThreshold
	}
	if fc.Engine.WindowTimezone != "" {
		loc, err := time.LoadLocation(fc.Engine.WindowTimezone)
		if err != nil {
			return fmt.Errorf("engine.window_timezone: %w", err)
		}
		c.Engine.WindowLocation = loc
	}
	if fc.Reconcile.Enabled != nil {
		c.Reconcile.Enabled = *fc.Reconcile.Enabled
	}
	if fc.Reconcile.RefreshPerSecond != 0 {
		c.Reconcile.RefreshPerSecond = fc.Reconcile.RefreshPerSecond
	}

	for platform, o := range fc.OAuth {
		platform = strings.ToLower(strings.TrimSpace(platform))
		current := c.OAuth[platform]
		setString(&current.TokenURL, o.TokenURL)
		setString(&current.ClientID, o.ClientID)
		setString(&current.ClientSecret, o.ClientSecret)
		if len(o.Scopes) > 0 {
			current.Scopes = append([]string(nil), o.Scopes...)
		}
		c.OAuth[platform] = current
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.ListenAddr, os.Getenv("RELAY_LISTEN_ADDR"))
	setString(&c.AdminPassword, os.Getenv("RELAY_ADMIN_PASSWORD"))
	setString(&c.DatabasePath, os.Getenv("RELAY_DATABASE_PATH"))
	setString(&c.EncryptionKey, os.Getenv("RELAY_ENCRYPTION_KEY"))
	setString(&c.RelaySecret, os.Getenv("RELAY_SERVICE_SECRET"))
	setString(&c.Redis.Addr, os.Getenv("RELAY_REDIS_ADDR"))
	setString(&c.Redis.Password, os.Getenv("RELAY_REDIS_PASSWORD"))
	setString(&c.Redis.KeyPrefix, os.Getenv("RELAY_REDIS_KEY_PREFIX"))
	setString(&c.Log.Level, os.Getenv("RELAY_LOG_LEVEL"))
	setString(&c.Log.Format, os.Getenv("RELAY_LOG_FORMAT"))

	if v := os.Getenv("RELAY_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RELAY_REDIS_DB: %w", err)
		}
		c.Redis.DB = db
	}

	c.Engine.AffinityTTL = getEnvDuration("RELAY_AFFINITY_TTL", c.Engine.AffinityTTL)
	c.Engine.LockTTL = getEnvDuration("RELAY_LOCK_TTL", c.Engine.LockTTL)
	c.Engine.LockWait = getEnvDuration("RELAY_LOCK_WAIT", c.Engine.LockWait)
	c.Engine.RateLimitFallback = getEnvDuration("RELAY_RATE_LIMIT_FALLBACK", c.Engine.RateLimitFallback)
	c.Engine.TempErrorCooldown = getEnvDuration("RELAY_TEMP_ERROR_COOLDOWN", c.Engine.TempErrorCooldown)
	c.Engine.RefreshMargin = getEnvDuration("RELAY_REFRESH_MARGIN", c.Engine.RefreshMargin)
	c.Reconcile.Interval = getEnvDuration("RELAY_RECONCILE_INTERVAL", c.Reconcile.Interval)

	if v := os.Getenv("RELAY_RENEW_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RELAY_RENEW_THRESHOLD: %w", err)
		}
		c.Engine.RenewThreshold = f
	}
	if v := os.Getenv("RELAY_WINDOW_TIMEZONE"); v != "" {
		loc, err := time.LoadLocation(v)
		if err != nil {
			return fmt.Errorf("RELAY_WINDOW_TIMEZONE: %w", err)
		}
		c.Engine.WindowLocation = loc
	}
	if v := os.Getenv("RELAY_RECONCILE_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RELAY_RECONCILE_ENABLED: %w", err)
		}
		c.Reconcile.Enabled = enabled
	}

	for platform, o := range c.OAuth {
		upper := strings.ToUpper(platform)
		setString(&o.ClientID, os.Getenv("RELAY_"+upper+"_CLIENT_ID"))
		setString(&o.ClientSecret, os.Getenv("RELAY_"+upper+"_CLIENT_SECRET"))
		setString(&o.TokenURL, os.Getenv("RELAY_"+upper+"_TOKEN_URL"))
		c.OAuth[platform] = o
	}
	return nil
}

// Validate rejects values the engine cannot operate with.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}
	if c.Engine.AffinityTTL <= 0 {
		return fmt.Errorf("affinity ttl must be positive, got %s", c.Engine.AffinityTTL)
	}
	if c.Engine.RenewThreshold <= 0 || c.Engine.RenewThreshold >= 1 {
		return fmt.Errorf("renew threshold must be within (0, 1), got %v", c.Engine.RenewThreshold)
	}
	if c.Engine.LockTTL <= 0 {
		return fmt.Errorf("lock ttl must be positive, got %s", c.Engine.LockTTL)
	}
	if c.Engine.LockWait < 0 || c.Engine.LockWait >= 10*time.Second {
		return fmt.Errorf("lock wait must be within [0s, 10s), got %s", c.Engine.LockWait)
	}
	if c.Engine.RateLimitFallback <= 0 {
		return fmt.Errorf("rate limit fallback must be positive, got %s", c.Engine.RateLimitFallback)
	}
	if n := len(c.EncryptionKey); n != 0 && n != 16 && n != 24 && n != 32 {
		return fmt.Errorf("encryption key must be 16, 24 or 32 bytes, got %d", n)
	}
	if c.Reconcile.Enabled && c.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile interval must be positive, got %s", c.Reconcile.Interval)
	}
	return nil
}

// getEnvPaths returns a list of paths to check for .env files.
func getEnvPaths() []string {
	var paths []string
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"))
		paths = append(paths, filepath.Join(filepath.Dir(cwd), ".env"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "relay-nexus", ".env"))
	}
	return paths
}

// getEnvDuration retrieves a duration environment variable or returns the default.
// Accepts values like "30s", "1m", "500ms" or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := parseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d, nil
	}
	secs, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return time.Duration(secs) * time.Second, nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}
