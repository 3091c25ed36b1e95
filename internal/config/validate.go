package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Validation range constants.
const (
	minUploadSizeMB   = 1
	maxUploadSizeMB   = 2048
	minGrantTTL       = 30 * time.Second
	maxGrantTTL       = time.Hour
	minOutstanding    = 16
	minNetworkTimeout = 1 * time.Second
)

var validProviders = map[string]bool{
	"local":    true,
	"gdrive":   true,
	"onedrive": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users see
// a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateUploads(&cfg.Uploads)...)
	errs = append(errs, validateGrants(&cfg.Grants)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)

	return errors.Join(errs...)
}

// ValidateResolved checks cross-field constraints on the fully merged result,
// including the provider credential requirements that are fatal at startup.
func ValidateResolved(r *Resolved) error {
	var errs []error

	switch r.Provider {
	case "local":
		if r.LocalRoot == "" {
			errs = append(errs, errors.New("storage.local.root: required when provider is local"))
		} else if !filepath.IsAbs(r.LocalRoot) {
			errs = append(errs, fmt.Errorf("storage.local.root: must be absolute, got %q", r.LocalRoot))
		}
	case "gdrive":
		errs = append(errs, validateGDriveCreds(&r.GDrive)...)
	case "onedrive":
		if r.OneDrive.ClientID == "" {
			errs = append(errs, errors.New("storage.onedrive.client_id: required when provider is onedrive"))
		}
	}

	return errors.Join(errs...)
}

// validateGDriveCreds requires either a service account file or the OAuth
// client pair. The refresh token itself lives in the token file, so its
// absence is detected at credential load, not here.
func validateGDriveCreds(g *GDriveConfig) []error {
	if g.ServiceAccountFile != "" {
		return nil
	}

	if g.ClientID != "" && g.ClientSecret != "" {
		return nil
	}

	return []error{errors.New(
		"storage.gdrive: either service_account_file or client_id + client_secret required when provider is gdrive")}
}

func validateStorage(s *StorageConfig) []error {
	if !validProviders[s.Provider] {
		return []error{fmt.Errorf("storage.provider: must be one of local, gdrive, onedrive; got %q", s.Provider)}
	}

	return nil
}

func validateUploads(u *UploadsConfig) []error {
	var errs []error

	if u.MaxUploadSizeMB < minUploadSizeMB || u.MaxUploadSizeMB > maxUploadSizeMB {
		errs = append(errs, fmt.Errorf("uploads.max_upload_size_mb: must be between %d and %d, got %d",
			minUploadSizeMB, maxUploadSizeMB, u.MaxUploadSizeMB))
	}

	if len(u.AllowedTypes) == 0 {
		errs = append(errs, errors.New("uploads.allowed_types: must not be empty"))
	}

	for _, mt := range u.AllowedTypes {
		if !strings.Contains(mt, "/") {
			errs = append(errs, fmt.Errorf("uploads.allowed_types: %q is not a MIME type", mt))
		}
	}

	return errs
}

func validateGrants(g *GrantsConfig) []error {
	var errs []error

	ttl, err := time.ParseDuration(g.TTL)
	if err != nil {
		errs = append(errs, fmt.Errorf("grants.ttl: invalid duration %q: %w", g.TTL, err))
	} else if ttl < minGrantTTL || ttl > maxGrantTTL {
		errs = append(errs, fmt.Errorf("grants.ttl: must be between %s and %s, got %s", minGrantTTL, maxGrantTTL, ttl))
	}

	if g.MaxOutstanding < minOutstanding {
		errs = append(errs, fmt.Errorf("grants.max_outstanding: must be >= %d, got %d",
			minOutstanding, g.MaxOutstanding))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	d, err := time.ParseDuration(n.Timeout)
	if err != nil {
		return []error{fmt.Errorf("network.timeout: invalid duration %q: %w", n.Timeout, err)}
	}

	if d < minNetworkTimeout {
		return []error{fmt.Errorf("network.timeout: must be >= %s, got %s", minNetworkTimeout, d)}
	}

	return nil
}
