package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a config file into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadOrDefault_NoFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Storage.Provider)
	assert.Equal(t, defaultMaxUploadSizeMB, cfg.Uploads.MaxUploadSizeMB)
	assert.NotEmpty(t, cfg.Uploads.AllowedTypes)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[storage]
provider = "gdrive"

[storage.gdrive]
client_id = "cid"
client_secret = "secret"
parent_folder_id = "folder-1"

[uploads]
max_upload_size_mb = 10
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gdrive", cfg.Storage.Provider)
	assert.Equal(t, 10, cfg.Uploads.MaxUploadSizeMB)
	assert.Equal(t, "folder-1", cfg.Storage.GDrive.ParentFolderID)
	// Unset sections keep defaults.
	assert.Equal(t, defaultGrantTTL, cfg.Grants.TTL)
}

func TestLoad_UnknownKeyFatal(t *testing.T) {
	path := writeConfig(t, `
[storage]
provider = "local"
providre_typo = "local"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown key")
}

func TestLoad_InvalidProvider(t *testing.T) {
	path := writeConfig(t, `
[storage]
provider = "s3"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider")
}

func TestResolve_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[storage]
provider = "local"

[storage.local]
root = "/srv/files"
`)

	r, err := Resolve(EnvOverrides{ConfigPath: path, LocalRoot: "/env/files"}, CLIOverrides{})
	require.NoError(t, err)

	assert.Equal(t, "/env/files", r.LocalRoot)
}

func TestResolve_CLIWinsOverEnv(t *testing.T) {
	path := writeConfig(t, `
[storage]
provider = "local"

[storage.onedrive]
client_id = "od-client"
`)

	r, err := Resolve(
		EnvOverrides{ConfigPath: path, Provider: "local"},
		CLIOverrides{Provider: "onedrive"},
	)
	require.NoError(t, err)

	assert.Equal(t, "onedrive", r.Provider)
}

func TestResolve_TypedValues(t *testing.T) {
	path := writeConfig(t, `
[uploads]
max_upload_size_mb = 2

[grants]
ttl = "90s"

[network]
timeout = "10s"
`)

	r, err := Resolve(EnvOverrides{ConfigPath: path}, CLIOverrides{})
	require.NoError(t, err)

	assert.Equal(t, int64(2*1024*1024), r.MaxUploadBytes)
	assert.Equal(t, 90*time.Second, r.GrantTTL)
	assert.Equal(t, 10*time.Second, r.NetworkTimeout)
}

func TestResolve_GDriveMissingCredentialsFatal(t *testing.T) {
	path := writeConfig(t, `
[storage]
provider = "gdrive"
`)

	_, err := Resolve(EnvOverrides{ConfigPath: path}, CLIOverrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service_account_file or client_id")
}

func TestResolve_GDriveServiceAccountSufficient(t *testing.T) {
	path := writeConfig(t, `
[storage]
provider = "gdrive"

[storage.gdrive]
service_account_file = "/etc/studyshelf/sa.json"
`)

	_, err := Resolve(EnvOverrides{ConfigPath: path}, CLIOverrides{})
	require.NoError(t, err)
}

func TestResolve_OneDriveMissingClientIDFatal(t *testing.T) {
	path := writeConfig(t, `
[storage]
provider = "onedrive"
`)

	_, err := Resolve(EnvOverrides{ConfigPath: path}, CLIOverrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client_id")
}

func TestValidate_Accumulates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Uploads.MaxUploadSizeMB = 0
	cfg.Uploads.AllowedTypes = nil
	cfg.Logging.LogLevel = "loud"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_upload_size_mb")
	assert.Contains(t, err.Error(), "allowed_types")
	assert.Contains(t, err.Error(), "log_level")
}

func TestValidate_GrantTTLRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Grants.TTL = "5s"

	require.Error(t, Validate(cfg))

	cfg.Grants.TTL = "2h"
	require.Error(t, Validate(cfg))

	cfg.Grants.TTL = "10m"
	require.NoError(t, Validate(cfg))
}
