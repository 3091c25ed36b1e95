package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig    = "STUDYSHELF_CONFIG"
	EnvProvider  = "STUDYSHELF_PROVIDER"
	EnvLocalRoot = "STUDYSHELF_LOCAL_ROOT"
	EnvDatabase  = "STUDYSHELF_DATABASE"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // STUDYSHELF_CONFIG: override config file path
	Provider   string // STUDYSHELF_PROVIDER: active storage provider
	LocalRoot  string // STUDYSHELF_LOCAL_ROOT: local backend root directory
	Database   string // STUDYSHELF_DATABASE: catalog database path
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Provider:   os.Getenv(EnvProvider),
		LocalRoot:  os.Getenv(EnvLocalRoot),
		Database:   os.Getenv(EnvDatabase),
	}
}
