package config

import "time"

// BuilderConfig holds runtime configuration for the builder service.
type BuilderConfig struct {
	Environment          string
	Addr                 string
	DatabaseURL          string
	AppletBaseURL        string
	FrameworkBaseURL     string
	FetchTimeout         time.Duration
	BuildTimeout         time.Duration
	MaxRemoteModuleBytes int64
	BuilderAuthToken     string
	ProgressBuffer       int
}

// LoadBuilderConfig constructs a BuilderConfig from environment variables.
func LoadBuilderConfig() BuilderConfig {
	return BuilderConfig{
		Environment:          GetString("APP_ENV", "development"),
		Addr:                 GetString("BUILDER_ADDR", ":5000"),
		DatabaseURL:          GetString("DATABASE_URL", "postgres://zipper:zipper@db:5432/zipper?sslmode=disable"),
		AppletBaseURL:        GetString("APPLET_BASE_URL", "https://applets.zipper.local"),
		FrameworkBaseURL:     GetString("FRAMEWORK_BASE_URL", "https://framework.zipper.local/"),
		FetchTimeout:         time.Duration(GetInt("FETCH_TIMEOUT_SECONDS", 10)) * time.Second,
		BuildTimeout:         time.Duration(GetInt("BUILD_TIMEOUT_SECONDS", 120)) * time.Second,
		MaxRemoteModuleBytes: int64(GetInt("MAX_REMOTE_MODULE_BYTES", 10<<20)),
		BuilderAuthToken:     GetString("BUILDER_AUTH_TOKEN", ""),
		ProgressBuffer:       GetInt("BUILD_PROGRESS_BUFFER", 64),
	}
}
