// Package config loads the kazokunote server configuration. Values are
// resolved in priority order: struct defaults, then an optional YAML file,
// then environment variables. Env vars win so Kubernetes ConfigMaps and
// Secrets can override anything baked into an image.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kazokunote/kazokunote-server/internal/apperr"
)

// Secret is a string that redacts itself in String, GoString, and text
// marshaling so signing keys and passwords cannot leak into logs or
// serialized config dumps. Access the raw value with Value.
type Secret string

const secretRedacted = "[REDACTED]"

func (s Secret) String() string   { return secretRedacted }
func (s Secret) GoString() string { return secretRedacted }

// Value returns the raw secret. Call only where the value is actually
// consumed (signing verification, connection setup).
func (s Secret) Value() string { return string(s) }

// MarshalText keeps the secret out of YAML/JSON output.
func (s Secret) MarshalText() ([]byte, error) { return []byte(secretRedacted), nil }

// Config is the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Session  SessionConfig  `yaml:"session"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Avatars  AvatarConfig   `yaml:"avatars"`
	Provider ProviderConfig `yaml:"provider"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// Env is "development" or "production"; selects the slog handler.
	Env string `yaml:"env"`
}

// AuthConfig controls token verification against the identity provider.
type AuthConfig struct {
	// Issuer is the expected iss claim. Tokens from other issuers are
	// rejected.
	Issuer string `yaml:"issuer"`
	// Audience is the expected aud claim; empty disables the check.
	Audience string `yaml:"audience"`
	// SigningSecret is the provider's shared HS256 secret. Required
	// unless JWKSURL is set.
	SigningSecret Secret `yaml:"-"`
	// JWKSURL is the provider's JWKS endpoint for asymmetric (RS256 or
	// ES256) verification. When set, it takes precedence over the
	// shared secret for tokens carrying a kid header.
	JWKSURL string `yaml:"jwks_url"`
	// KeySetTTL is how long fetched JWKS key material is trusted before
	// a refresh.
	KeySetTTL time.Duration `yaml:"keyset_ttl"`
	// FetchTimeout bounds each JWKS fetch so a slow provider cannot
	// hang request handling.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	// ClockSkew is the accepted clock drift for exp/nbf checks.
	ClockSkew time.Duration `yaml:"clock_skew"`
}

// SessionConfig controls the browser session cookie.
type SessionConfig struct {
	// CookieName holds the raw bearer token for browser navigation.
	CookieName string `yaml:"cookie_name"`
	// CookieTTL is the fixed cookie max-age; the cookie is reissued on
	// each successful sign-in, never refreshed silently.
	CookieTTL time.Duration `yaml:"cookie_ttl"`
}

// PostgresConfig controls the user store connection pool.
type PostgresConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Database       string        `yaml:"database"`
	User           string        `yaml:"user"`
	Password       Secret        `yaml:"-"`
	SSLMode        string        `yaml:"ssl_mode"`
	MaxConns       int32         `yaml:"max_conns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
}

// DSN renders the pgx connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password.Value(), c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig controls the revoked-token list backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password Secret `yaml:"-"`
	DB       int    `yaml:"db"`
}

// AvatarConfig controls the S3-compatible avatar object store.
type AvatarConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	AccessKey  string        `yaml:"access_key"`
	SecretKey  Secret        `yaml:"-"`
	Bucket     string        `yaml:"bucket"`
	UseSSL     bool          `yaml:"use_ssl"`
	PresignTTL time.Duration `yaml:"presign_ttl"`
}

// ProviderConfig controls the best-effort profile sync back to the
// identity provider's admin API.
type ProviderConfig struct {
	AdminBaseURL string        `yaml:"admin_base_url"`
	ServiceKey   Secret        `yaml:"-"`
	SyncTimeout  time.Duration `yaml:"sync_timeout"`
}

// Default returns the configuration defaults. These match a local
// docker-compose development setup; production overrides come from the
// config file and environment.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
			Env:             "development",
		},
		Auth: AuthConfig{
			Issuer:       "https://auth.kazokunote.example/auth/v1",
			KeySetTTL:    time.Hour,
			FetchTimeout: 10 * time.Second,
			ClockSkew:    30 * time.Second,
		},
		Session: SessionConfig{
			CookieName: "diary_access_token",
			CookieTTL:  time.Hour,
		},
		Postgres: PostgresConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "kazokunote",
			User:           "postgres",
			SSLMode:        "disable",
			MaxConns:       25,
			ConnectTimeout: 10 * time.Second,
			QueryTimeout:   5 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Avatars: AvatarConfig{
			Endpoint:   "localhost:9000",
			Bucket:     "avatars",
			PresignTTL: 15 * time.Minute,
		},
		Provider: ProviderConfig{
			SyncTimeout: 5 * time.Second,
		},
	}
}

// Load resolves the configuration: defaults, then the YAML file at path
// (skipped when path is empty or the file does not exist), then
// environment variables. The result is validated before being returned.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, apperr.Wrapf(err, apperr.CodeInternalConfiguration,
					"config: reading %s", path)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, apperr.Wrapf(err, apperr.CodeInternalConfiguration,
				"config: parsing %s", path)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto cfg. Every override is
// optional; unset variables leave the current value in place.
func applyEnv(cfg *Config) {
	envString("KAZOKUNOTE_ADDR", &cfg.Server.Addr)
	envString("KAZOKUNOTE_ENV", &cfg.Server.Env)
	envDuration("KAZOKUNOTE_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	envString("AUTH_ISSUER", &cfg.Auth.Issuer)
	envString("AUTH_AUDIENCE", &cfg.Auth.Audience)
	envSecret("AUTH_SIGNING_SECRET", &cfg.Auth.SigningSecret)
	envString("AUTH_JWKS_URL", &cfg.Auth.JWKSURL)
	envDuration("AUTH_KEYSET_TTL", &cfg.Auth.KeySetTTL)
	envDuration("AUTH_FETCH_TIMEOUT", &cfg.Auth.FetchTimeout)
	envDuration("AUTH_CLOCK_SKEW", &cfg.Auth.ClockSkew)

	envString("SESSION_COOKIE_NAME", &cfg.Session.CookieName)
	envDuration("SESSION_COOKIE_TTL", &cfg.Session.CookieTTL)

	envString("POSTGRES_HOST", &cfg.Postgres.Host)
	envInt("POSTGRES_PORT", &cfg.Postgres.Port)
	envString("POSTGRES_DATABASE", &cfg.Postgres.Database)
	envString("POSTGRES_USER", &cfg.Postgres.User)
	envSecret("POSTGRES_PASSWORD", &cfg.Postgres.Password)
	envString("POSTGRES_SSL_MODE", &cfg.Postgres.SSLMode)
	envDuration("POSTGRES_CONNECT_TIMEOUT", &cfg.Postgres.ConnectTimeout)
	envDuration("POSTGRES_QUERY_TIMEOUT", &cfg.Postgres.QueryTimeout)

	envString("REDIS_ADDR", &cfg.Redis.Addr)
	envSecret("REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("REDIS_DB", &cfg.Redis.DB)

	envString("AVATARS_ENDPOINT", &cfg.Avatars.Endpoint)
	envString("AVATARS_ACCESS_KEY", &cfg.Avatars.AccessKey)
	envSecret("AVATARS_SECRET_KEY", &cfg.Avatars.SecretKey)
	envString("AVATARS_BUCKET", &cfg.Avatars.Bucket)
	envBool("AVATARS_USE_SSL", &cfg.Avatars.UseSSL)
	envDuration("AVATARS_PRESIGN_TTL", &cfg.Avatars.PresignTTL)

	envString("PROVIDER_ADMIN_BASE_URL", &cfg.Provider.AdminBaseURL)
	envSecret("PROVIDER_SERVICE_KEY", &cfg.Provider.ServiceKey)
	envDuration("PROVIDER_SYNC_TIMEOUT", &cfg.Provider.SyncTimeout)
}

// Validate checks the configuration for logical correctness.
func (c Config) Validate() error {
	if c.Auth.SigningSecret == "" && c.Auth.JWKSURL == "" {
		return apperr.New(apperr.CodeInternalConfiguration,
			"config: either AUTH_SIGNING_SECRET or AUTH_JWKS_URL must be set")
	}
	if c.Auth.SigningSecret != "" && len(c.Auth.SigningSecret.Value()) < 32 {
		return apperr.New(apperr.CodeInternalConfiguration,
			"config: signing secret must be at least 32 bytes")
	}
	if c.Auth.Issuer == "" {
		return apperr.New(apperr.CodeInternalConfiguration,
			"config: auth issuer must not be empty")
	}
	if c.Auth.ClockSkew < 0 || c.Auth.KeySetTTL < 0 {
		return apperr.New(apperr.CodeInternalConfiguration,
			"config: auth durations must be non-negative")
	}
	if c.Session.CookieName == "" {
		return apperr.New(apperr.CodeInternalConfiguration,
			"config: session cookie name must not be empty")
	}
	if c.Session.CookieTTL <= 0 {
		return apperr.New(apperr.CodeInternalConfiguration,
			"config: session cookie TTL must be positive")
	}
	if c.Postgres.Host == "" || c.Postgres.Database == "" {
		return apperr.New(apperr.CodeInternalConfiguration,
			"config: postgres host and database must be set")
	}
	return nil
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envSecret(key string, dst *Secret) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = Secret(v)
	}
}

func envInt[T int | int32](key string, dst *T) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = T(n)
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
