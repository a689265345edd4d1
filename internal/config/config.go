package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every key when reading the environment, so
// sync_interval is read from NOTIFYTRACK_SYNC_INTERVAL.
const EnvPrefix = "NOTIFYTRACK"

// Config is the daemon configuration. Keys are flat so each one maps to a
// single flag and a single environment variable.
type Config struct {
	Addr     string `mapstructure:"addr"`
	LogLevel string `mapstructure:"log_level"`

	// DataDir holds the collection file, the health flag and the process
	// lock for the file-based profiles.
	DataDir         string `mapstructure:"data_dir"`
	BackendProfile  string `mapstructure:"backend_profile"`
	StateBackendDSN string `mapstructure:"state_backend_dsn"`
	ProductionDSN   string `mapstructure:"production_dsn"`
	HealthFlagFile  string `mapstructure:"health_flag_file"`

	// PlatformURL is "memory" for the in-process notification center or the
	// base URL of a host notification agent.
	PlatformURL   string        `mapstructure:"platform_url"`
	PlatformToken string        `mapstructure:"platform_token"`
	SyncInterval  time.Duration `mapstructure:"sync_interval"`
	WatchStore    bool          `mapstructure:"watch_store"`

	IncludePayload          bool `mapstructure:"include_payload"`
	IncludePayloadArguments bool `mapstructure:"include_payload_arguments"`
	DistinguishRemovalCause bool `mapstructure:"distinguish_removal_cause"`

	JWTSecret          string        `mapstructure:"jwt_secret"`
	InternalHMACSecret string        `mapstructure:"internal_hmac_secret"`
	InternalMaxSkew    time.Duration `mapstructure:"internal_max_skew"`
	RateLimitMax       int           `mapstructure:"rate_limit_max"`
	RateLimitWindow    time.Duration `mapstructure:"rate_limit_window"`
	MaxBodyBytes       int64         `mapstructure:"max_body_bytes"`
	ReaderTTL          time.Duration `mapstructure:"reader_ttl"`
	MaxReaders         int           `mapstructure:"max_readers"`
}

var defaults = map[string]any{
	"addr":                      ":8080",
	"log_level":                 "info",
	"data_dir":                  ".notifytrack",
	"backend_profile":           "durable-local",
	"state_backend_dsn":         "",
	"production_dsn":            "",
	"health_flag_file":          "",
	"platform_url":              "memory",
	"platform_token":            "",
	"sync_interval":             30 * time.Second,
	"watch_store":               true,
	"include_payload":           false,
	"include_payload_arguments": true,
	"distinguish_removal_cause": true,
	"jwt_secret":                "",
	"internal_hmac_secret":      "",
	"internal_max_skew":         5 * time.Minute,
	"rate_limit_max":            0,
	"rate_limit_window":         time.Minute,
	"max_body_bytes":            int64(1 << 20),
	"reader_ttl":                10 * time.Minute,
	"max_readers":               64,
}

// AddFlags registers one flag per key. Flag names use dashes in place of
// the key's underscores.
func AddFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "path to a YAML config file")
	flags.String("addr", ":8080", "listen address")
	flags.String("log-level", "info", "debug, info, warn or error")
	flags.String("data-dir", ".notifytrack", "directory for local state")
	flags.String("backend-profile", "durable-local", "memory, durable-local, embedded, production or custom")
	flags.String("state-backend-dsn", "", "explicit state backend DSN; overrides the profile")
	flags.String("production-dsn", "", "postgres DSN for the production profile")
	flags.String("health-flag-file", "", "tracking health marker file")
	flags.String("platform-url", "memory", `"memory" or the base URL of the notification agent`)
	flags.String("platform-token", "", "bearer token for the notification agent")
	flags.Duration("sync-interval", 30*time.Second, "periodic reconciliation interval; 0 disables")
	flags.Bool("watch-store", true, "mark tracking lost when the collection file is removed")
	flags.Bool("include-payload", false, "store notification payloads")
	flags.Bool("include-payload-arguments", true, "store launch arguments")
	flags.Bool("distinguish-removal-cause", true, "report expired and dismissed removals separately")
	flags.Int("rate-limit-max", 0, "requests per window per agent; 0 disables")
	flags.Duration("reader-ttl", 10*time.Minute, "idle lifetime of an open reader")
	flags.Int("max-readers", 64, "maximum open readers")
}

// Load reads configuration with this precedence: changed flags, then
// NOTIFYTRACK_* environment, then the YAML file at path, then defaults. A
// missing file is not an error.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(flag *pflag.Flag) {
			if flag.Name == "config" || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(strings.ReplaceAll(flag.Name, "-", "_"), flag)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("binding flags: %w", bindErr)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	c.BackendProfile = strings.ToLower(strings.TrimSpace(c.BackendProfile))
	c.StateBackendDSN = strings.TrimSpace(c.StateBackendDSN)
	c.PlatformURL = strings.TrimSpace(c.PlatformURL)
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = ".notifytrack"
	}
	abs, err := filepath.Abs(c.DataDir)
	if err != nil {
		return fmt.Errorf("resolving data dir %s: %w", c.DataDir, err)
	}
	c.DataDir = abs
	if c.SyncInterval < 0 {
		return fmt.Errorf("sync_interval must not be negative: %s", c.SyncInterval)
	}
	if _, err := c.StorageDSN(); err != nil {
		return err
	}
	return nil
}

// StorageDSN resolves the state backend DSN. An explicit state_backend_dsn
// wins over the profile.
func (c *Config) StorageDSN() (string, error) {
	if c.StateBackendDSN != "" {
		return c.StateBackendDSN, nil
	}
	switch c.BackendProfile {
	case "", "custom":
		return "", errors.New("state_backend_dsn is required when backend_profile is custom")
	case "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(c.DataDir, "history.json"), nil
	case "embedded", "sqlite":
		return "sqlite://" + filepath.Join(c.DataDir, "history.db"), nil
	case "production", "prod":
		dsn := strings.TrimSpace(c.ProductionDSN)
		if dsn == "" {
			return "", fmt.Errorf("production_dsn is required when backend_profile=%s", c.BackendProfile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported backend_profile: %s", c.BackendProfile)
	}
}

// StoreFile returns the collection file when the backend is the JSON file
// backend, and "" otherwise.
func (c *Config) StoreFile() string {
	dsn, err := c.StorageDSN()
	if err != nil || dsn == "" {
		return ""
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return ""
	}
	switch strings.ToLower(parsed.Scheme) {
	case "":
		return dsn
	case "file":
		return parsed.Path
	default:
		return ""
	}
}

// UsesLocalState reports whether the process owns files under DataDir and
// should hold the data directory lock.
func (c *Config) UsesLocalState() bool {
	if c.HealthFlagPath() != "" {
		return true
	}
	dsn, err := c.StorageDSN()
	if err != nil {
		return false
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return false
	}
	switch strings.ToLower(parsed.Scheme) {
	case "", "file", "sqlite", "sqlite3":
		return true
	}
	return false
}

// HealthFlagPath is where the tracking health marker lives. It is "" for
// the memory profile, which keeps the flag in memory.
func (c *Config) HealthFlagPath() string {
	if c.HealthFlagFile != "" {
		return c.HealthFlagFile
	}
	if c.BackendProfile == "memory" || c.BackendProfile == "inmemory" {
		return ""
	}
	if c.StateBackendDSN != "" && strings.HasPrefix(strings.ToLower(c.StateBackendDSN), "mem") {
		return ""
	}
	return filepath.Join(c.DataDir, "tracking.good")
}

// MemoryPlatform reports whether the daemon should host its own in-process
// notification center.
func (c *Config) MemoryPlatform() bool {
	return c.PlatformURL == "" || strings.EqualFold(c.PlatformURL, "memory")
}
