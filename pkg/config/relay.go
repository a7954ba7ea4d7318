package config

import "time"

// RelayConfig holds runtime configuration for the relay service.
type RelayConfig struct {
	Environment          string
	Addr                 string
	DatabaseURL          string
	MigrationsDir        string
	RelayDomainSuffix    string
	SubdomainBlocklist   []string
	RuntimeOrigin        string
	RuntimeSigningSecret string
	RuntimeKeyID         string
	RPCRoot              string
	RelayTimeout         time.Duration
	ExposeRelayErrors    bool
	HMACSigningSecret    string
	SecretsEncryptionKey string
	CallbackMaxBodyBytes int64
	RateLimitRelay       int
	RateLimitCallback    int
	RateLimitRedisAddr   string
	RateLimitRedisPass   string
	RateLimitRedisDB     int
}

// LoadRelayConfig constructs a RelayConfig from environment variables.
func LoadRelayConfig() RelayConfig {
	return RelayConfig{
		Environment:          GetString("APP_ENV", "development"),
		Addr:                 GetString("RELAY_ADDR", ":4000"),
		DatabaseURL:          GetString("DATABASE_URL", "postgres://zipper:zipper@db:5432/zipper?sslmode=disable"),
		MigrationsDir:        GetString("DB_MIGRATIONS_DIR", ""),
		RelayDomainSuffix:    GetString("RELAY_DOMAIN_SUFFIX", ".zipper.run"),
		SubdomainBlocklist:   GetList("RELAY_SUBDOMAIN_BLOCKLIST", []string{"www", "api", "app", "admin", "auth", "static", "relay"}),
		RuntimeOrigin:        GetString("RUNTIME_ORIGIN", "https://subhosting.runtime.internal"),
		RuntimeSigningSecret: GetString("RUNTIME_SIGNING_SECRET", ""),
		RuntimeKeyID:         GetString("RUNTIME_KEY_ID", "zipper"),
		RPCRoot:              GetString("RPC_ROOT", "http://relay:4000"),
		RelayTimeout:         time.Duration(GetInt("RELAY_TIMEOUT_SECONDS", 30)) * time.Second,
		ExposeRelayErrors:    GetBool("RELAY_EXPOSE_ERRORS", true),
		HMACSigningSecret:    GetString("HMAC_SIGNING_SECRET", ""),
		SecretsEncryptionKey: GetString("SECRETS_ENCRYPTION_KEY", ""),
		CallbackMaxBodyBytes: int64(GetInt("CALLBACK_MAX_BODY_BYTES", 1<<20)),
		RateLimitRelay:       GetInt("RATE_LIMIT_RELAY_PER_MINUTE", 600),
		RateLimitCallback:    GetInt("RATE_LIMIT_CALLBACK_PER_MINUTE", 1200),
		RateLimitRedisAddr:   GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:   GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:     GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
