package config

import "path/filepath"

// Default values applied before the config file is read.
const (
	defaultProvider        = "local"
	defaultMaxUploadSizeMB = 50
	defaultGrantTTL        = "5m"
	defaultMaxOutstanding  = 1024
	defaultLogLevel        = "info"
	defaultLogFormat       = "auto"
	defaultNetworkTimeout  = "30s"
)

// defaultAllowedTypes is the upload allow-list when the config file does not
// set one: common course document and image types.
var defaultAllowedTypes = []string{
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-powerpoint",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"application/zip",
	"text/plain",
	"image/png",
	"image/jpeg",
}

// DefaultConfig returns a Config populated with all default values.
// The config file then overrides whatever it specifies.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Provider: defaultProvider,
			Local: LocalConfig{
				Root: filepath.Join(DefaultDataDir(), "files"),
			},
		},
		Uploads: UploadsConfig{
			MaxUploadSizeMB: defaultMaxUploadSizeMB,
			AllowedTypes:    append([]string(nil), defaultAllowedTypes...),
		},
		Grants: GrantsConfig{
			TTL:            defaultGrantTTL,
			MaxOutstanding: defaultMaxOutstanding,
		},
		Catalog: CatalogConfig{
			Database: filepath.Join(DefaultDataDir(), "catalog.db"),
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{
			Timeout: defaultNetworkTimeout,
		},
	}
}
