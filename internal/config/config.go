// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN for user records and cleanup jobs.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// SessionsDir is the parent directory of per-session credential areas.
	SessionsDir string `mapstructure:"SESSIONS_DIR"`

	// GitRemoteURL is the repository credentials are published to.
	GitRemoteURL string `mapstructure:"GIT_REMOTE_URL"`
	// GitWorkdir is the local working copy of GitRemoteURL. Shared by all publishes.
	GitWorkdir string `mapstructure:"GIT_WORKDIR"`
	// GitBranch is the main line that per-user session branches are cut from.
	GitBranch string `mapstructure:"GIT_BRANCH"`
	// GitSessionDir is the well-known subdirectory that holds one session's credentials.
	GitSessionDir string `mapstructure:"GIT_SESSION_DIR"`
	// GitAuthorName and GitAuthorEmail identify publish commits.
	GitAuthorName  string `mapstructure:"GIT_AUTHOR_NAME"`
	GitAuthorEmail string `mapstructure:"GIT_AUTHOR_EMAIL"`
	// SourceTarballURL is the build source URL; "{ref}" is replaced by the published branch.
	SourceTarballURL string `mapstructure:"SOURCE_TARBALL_URL"`

	// HerokuAPIKey authenticates against the Heroku Platform API.
	HerokuAPIKey string `mapstructure:"HEROKU_API_KEY"`
	// HerokuAPIURL is the Platform API base URL (default https://api.heroku.com).
	HerokuAPIURL string `mapstructure:"HEROKU_API_URL"`
	// HerokuAppPrefix is prepended to generated app names.
	HerokuAppPrefix string `mapstructure:"HEROKU_APP_PREFIX"`
	// HerokuBuildpacks is a comma-separated list of buildpacks written into app.json.
	HerokuBuildpacks string `mapstructure:"HEROKU_BUILDPACKS"`
	// HerokuExtraConfig is a comma-separated KEY=VALUE list added to every app's config vars.
	HerokuExtraConfig string `mapstructure:"HEROKU_EXTRA_CONFIG"`

	// CleanupGrace is how long after a deploy the published credentials are reaped (e.g. "60s").
	CleanupGrace string `mapstructure:"CLEANUP_GRACE"`
	// ReaperInterval is how often the reaper polls for due cleanup jobs.
	ReaperInterval string `mapstructure:"REAPER_INTERVAL"`
	// ReaperBatchSize caps the number of jobs claimed per poll.
	ReaperBatchSize int `mapstructure:"REAPER_BATCH_SIZE"`
	// ReaperLease is how long a claimed job may stay running before another worker reclaims it.
	ReaperLease string `mapstructure:"REAPER_LEASE"`

	// PairingBridgeAddr is the gRPC address of the messaging protocol bridge. Required by the server.
	PairingBridgeAddr string `mapstructure:"PAIRING_BRIDGE_ADDR"`

	// AdmissionPolicyFile is an optional Rego module replacing the built-in admission policy.
	AdmissionPolicyFile string `mapstructure:"ADMISSION_POLICY_FILE"`
	// MaxActiveSessions limits concurrent pairings; 0 means unlimited.
	MaxActiveSessions int `mapstructure:"MAX_ACTIVE_SESSIONS"`
	// DeniedPhonePrefixes is a comma-separated list of digit prefixes refused at pairing.
	DeniedPhonePrefixes string `mapstructure:"DENIED_PHONE_PREFIXES"`

	// APIJWTPublicKey is the PEM-encoded public key or path used to verify API bearer tokens.
	// Empty disables API authentication (not allowed when Env is production).
	APIJWTPublicKey string `mapstructure:"API_JWT_PUBLIC_KEY"`
	// APIJWTIssuer is the expected iss claim.
	APIJWTIssuer string `mapstructure:"API_JWT_ISSUER"`
	// APIJWTAudience is the expected aud claim.
	APIJWTAudience string `mapstructure:"API_JWT_AUDIENCE"`

	// OTLPEndpoint is the OpenTelemetry collector endpoint; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext gRPC to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// ServiceName is the OTel service.name resource attribute.
	ServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is "json" or "text".
	LogFormat string `mapstructure:"LOG_FORMAT"`

	// KafkaBrokers is a comma-separated list of brokers for lifecycle events. Empty disables Kafka.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// LifecycleKafkaTopic is the Kafka topic for lifecycle events.
	LifecycleKafkaTopic string `mapstructure:"LIFECYCLE_KAFKA_TOPIC"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("SESSIONS_DIR", "./sessions")
	v.SetDefault("GIT_REMOTE_URL", "")
	v.SetDefault("GIT_WORKDIR", "./repo")
	v.SetDefault("GIT_BRANCH", "main")
	v.SetDefault("GIT_SESSION_DIR", "session")
	v.SetDefault("GIT_AUTHOR_NAME", "session-provisioner")
	v.SetDefault("GIT_AUTHOR_EMAIL", "provisioner@localhost")
	v.SetDefault("SOURCE_TARBALL_URL", "")
	v.SetDefault("HEROKU_API_KEY", "")
	v.SetDefault("HEROKU_API_URL", "https://api.heroku.com")
	v.SetDefault("HEROKU_APP_PREFIX", "bot")
	v.SetDefault("HEROKU_BUILDPACKS", "heroku/nodejs")
	v.SetDefault("HEROKU_EXTRA_CONFIG", "")
	v.SetDefault("CLEANUP_GRACE", "60s")
	v.SetDefault("REAPER_INTERVAL", "5s")
	v.SetDefault("REAPER_BATCH_SIZE", 20)
	v.SetDefault("REAPER_LEASE", "5m")
	v.SetDefault("PAIRING_BRIDGE_ADDR", "")
	v.SetDefault("ADMISSION_POLICY_FILE", "")
	v.SetDefault("MAX_ACTIVE_SESSIONS", 0)
	v.SetDefault("DENIED_PHONE_PREFIXES", "")
	v.SetDefault("API_JWT_PUBLIC_KEY", "")
	v.SetDefault("API_JWT_ISSUER", "provisioner-auth")
	v.SetDefault("API_JWT_AUDIENCE", "provisioner-api")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "session-provisioner")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("LIFECYCLE_KAFKA_TOPIC", "provisioner-lifecycle")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.GitBranch == "" {
		return nil, errors.New("config: GIT_BRANCH must be set")
	}
	if cfg.GitSessionDir == "" || strings.Contains(cfg.GitSessionDir, "..") {
		return nil, errors.New("config: GIT_SESSION_DIR must be a relative directory inside the repository")
	}
	if cfg.APIJWTPublicKey == "" && cfg.Env == "production" {
		return nil, errors.New("config: API_JWT_PUBLIC_KEY must be set when APP_ENV=production")
	}
	if cfg.ReaperBatchSize <= 0 {
		cfg.ReaperBatchSize = 20
	}
	if cfg.MaxActiveSessions < 0 {
		return nil, errors.New("config: MAX_ACTIVE_SESSIONS must not be negative")
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, errors.New("config: LOG_FORMAT must be json or text")
	}

	return &cfg, nil
}

// CleanupGraceDuration parses CleanupGrace. Returns 60s if unset or invalid.
func (c *Config) CleanupGraceDuration() time.Duration {
	return parseDuration(c.CleanupGrace, 60*time.Second)
}

// ReaperIntervalDuration parses ReaperInterval. Returns 5s if unset or invalid.
func (c *Config) ReaperIntervalDuration() time.Duration {
	return parseDuration(c.ReaperInterval, 5*time.Second)
}

// ReaperLeaseDuration parses ReaperLease. Returns 5m if unset or invalid.
func (c *Config) ReaperLeaseDuration() time.Duration {
	return parseDuration(c.ReaperLease, 5*time.Minute)
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// An empty list disables the Kafka lifecycle producer.
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

// BuildpackList returns the configured buildpacks in order.
func (c *Config) BuildpackList() []string {
	return splitList(c.HerokuBuildpacks)
}

// DeniedPhonePrefixList returns the configured denied phone prefixes.
func (c *Config) DeniedPhonePrefixList() []string {
	return splitList(c.DeniedPhonePrefixes)
}

// ExtraConfigVars parses HerokuExtraConfig into a map. Entries without "=" are skipped.
func (c *Config) ExtraConfigVars() map[string]string {
	out := make(map[string]string)
	for _, kv := range splitList(c.HerokuExtraConfig) {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
