package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// CLIOverrides holds values from CLI flags that override config file and
// environment settings.
type CLIOverrides struct {
	ConfigPath string // --config flag (empty = use default)
	Provider   string // --provider flag (empty = use config value)
}

// Resolved is the effective configuration after the override chain and value
// parsing. Durations and sizes are converted to their typed forms here so the
// rest of the process never parses strings.
type Resolved struct {
	Provider string

	LocalRoot string
	GDrive    GDriveConfig
	OneDrive  OneDriveConfig

	MaxUploadBytes int64
	AllowedTypes   []string
	StagingDir     string

	GrantTTL            time.Duration
	GrantMaxOutstanding int

	DatabasePath string

	LogLevel  string
	LogFormat string

	NetworkTimeout time.Duration
}

const bytesPerMB = 1024 * 1024

// Load reads and parses a TOML config file on top of defaults and validates
// the raw values. Unknown keys are fatal — silently ignoring a typo in a
// config file leads to hard-to-debug behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s: unknown key %q", path, undecoded[0].String())
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with all default values. This supports the zero-config
// first run with the local backend.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
// The result is fully validated, including the startup-fatal check that the
// selected provider has usable credentials.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.Provider != "" {
		cfg.Storage.Provider = env.Provider
	}

	if env.LocalRoot != "" {
		cfg.Storage.Local.Root = env.LocalRoot
	}

	if env.Database != "" {
		cfg.Catalog.Database = env.Database
	}

	if cli.Provider != "" {
		cfg.Storage.Provider = cli.Provider
	}

	return resolveValues(cfg)
}

// resolveValues parses string config fields into their typed forms and runs
// the final cross-field validation on the merged result.
func resolveValues(cfg *Config) (*Resolved, error) {
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	ttl, err := time.ParseDuration(cfg.Grants.TTL)
	if err != nil {
		return nil, fmt.Errorf("grants.ttl: invalid duration %q: %w", cfg.Grants.TTL, err)
	}

	timeout, err := time.ParseDuration(cfg.Network.Timeout)
	if err != nil {
		return nil, fmt.Errorf("network.timeout: invalid duration %q: %w", cfg.Network.Timeout, err)
	}

	r := &Resolved{
		Provider:            cfg.Storage.Provider,
		LocalRoot:           cfg.Storage.Local.Root,
		GDrive:              cfg.Storage.GDrive,
		OneDrive:            cfg.Storage.OneDrive,
		MaxUploadBytes:      int64(cfg.Uploads.MaxUploadSizeMB) * bytesPerMB,
		AllowedTypes:        cfg.Uploads.AllowedTypes,
		StagingDir:          cfg.Uploads.StagingDir,
		GrantTTL:            ttl,
		GrantMaxOutstanding: cfg.Grants.MaxOutstanding,
		DatabasePath:        cfg.Catalog.Database,
		LogLevel:            cfg.Logging.LogLevel,
		LogFormat:           cfg.Logging.LogFormat,
		NetworkTimeout:      timeout,
	}

	if err := ValidateResolved(r); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return r, nil
}
