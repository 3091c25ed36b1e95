// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for studyshelf. Configuration is resolved
// once at process start through a four-layer override chain
// (defaults -> config file -> environment -> CLI flags); an invalid or missing credential
// for the selected storage provider is a startup-fatal condition, never a
// runtime one.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Storage StorageConfig `toml:"storage"`
	Uploads UploadsConfig `toml:"uploads"`
	Grants  GrantsConfig  `toml:"grants"`
	Catalog CatalogConfig `toml:"catalog"`
	Logging LoggingConfig `toml:"logging"`
	Network NetworkConfig `toml:"network"`
}

// StorageConfig selects the active provider and carries per-provider settings.
// Only the selected provider's section is validated for credentials; the
// others may be present for resources stored under a previous provider.
type StorageConfig struct {
	Provider string         `toml:"provider"` // local | gdrive | onedrive
	Local    LocalConfig    `toml:"local"`
	GDrive   GDriveConfig   `toml:"gdrive"`
	OneDrive OneDriveConfig `toml:"onedrive"`
}

// LocalConfig configures the filesystem backend.
type LocalConfig struct {
	Root string `toml:"root"`
}

// GDriveConfig configures the Google Drive backend. Either a service account
// file or the OAuth client triple (client_id, client_secret plus a saved
// refresh token from `studyshelf login gdrive`) must be present when gdrive
// is the selected provider.
type GDriveConfig struct {
	ClientID           string `toml:"client_id"`
	ClientSecret       string `toml:"client_secret"`
	ServiceAccountFile string `toml:"service_account_file"`
	ParentFolderID     string `toml:"parent_folder_id"`
}

// OneDriveConfig configures the OneDrive (Microsoft Graph) backend. The
// refresh token is bootstrapped by `studyshelf login onedrive` and persisted
// in the data directory, not in this file.
type OneDriveConfig struct {
	ClientID       string `toml:"client_id"`
	ParentFolderID string `toml:"parent_folder_id"`
}

// UploadsConfig bounds and filters incoming payloads.
type UploadsConfig struct {
	MaxUploadSizeMB int      `toml:"max_upload_size_mb"`
	AllowedTypes    []string `toml:"allowed_types"`
	StagingDir      string   `toml:"staging_dir"` // empty = os.TempDir()
}

// GrantsConfig controls download grant issuance.
type GrantsConfig struct {
	TTL            string `toml:"ttl"`
	MaxOutstanding int    `toml:"max_outstanding"`
}

// CatalogConfig locates the resource catalog database.
type CatalogConfig struct {
	Database string `toml:"database"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"` // auto | text | json
}

// NetworkConfig controls outbound HTTP behavior for the cloud backends.
// Every backend call carries this timeout so a hung provider surfaces as a
// retryable failure instead of blocking the caller indefinitely.
type NetworkConfig struct {
	Timeout string `toml:"timeout"`
}
