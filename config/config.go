// Package config loads gatekeepd settings from defaults, an optional TOML
// file, and GATEKEEP_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/lborres/gatekeep/core"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "GATEKEEP_"

// PathEnv names the variable holding the TOML file path.
const PathEnv = "GATEKEEP_CONFIG"

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	SessionStoreDatabase = "database"
	SessionStoreMemory   = "memory"
	SessionStoreRedis    = "redis"
)

type Config struct {
	HTTP         HTTPConfig         `toml:"http" envPrefix:"HTTP_"`
	Database     DatabaseConfig     `toml:"database" envPrefix:"DATABASE_"`
	SessionStore SessionStoreConfig `toml:"session_store" envPrefix:"SESSION_STORE_"`
	Session      SessionConfig      `toml:"session" envPrefix:"SESSION_"`
	Passkey      PasskeyConfig      `toml:"passkey" envPrefix:"PASSKEY_"`
	TOTP         TOTPConfig         `toml:"totp" envPrefix:"TOTP_"`
	OAuth        OAuthConfig        `toml:"oauth" envPrefix:"OAUTH_"`
	Mail         MailConfig         `toml:"mail" envPrefix:"MAIL_"`
	Policy       PolicyConfig       `toml:"policy" envPrefix:"POLICY_"`
	RateLimit    RateLimitConfig    `toml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Telemetry    TelemetryConfig    `toml:"telemetry" envPrefix:"TELEMETRY_"`
	Log          LogConfig          `toml:"log" envPrefix:"LOG_"`
}

type HTTPConfig struct {
	Addr         string `toml:"addr" env:"ADDR"`
	BasePath     string `toml:"base_path" env:"BASE_PATH"`
	CookieSecure bool   `toml:"cookie_secure" env:"COOKIE_SECURE"`
	TrustProxy   bool   `toml:"trust_proxy" env:"TRUST_PROXY"`
	// FrontendOrigins are allowed CORS origins; credentials are allowed for them.
	FrontendOrigins    []string `toml:"frontend_origins" env:"FRONTEND_ORIGINS" envSeparator:","`
	RedirectAfterLogin string   `toml:"redirect_after_login" env:"REDIRECT_AFTER_LOGIN"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver" env:"DRIVER"`
	// DSN is a postgres connection string or a SQLite file path.
	DSN string `toml:"dsn" env:"DSN"`
}

type SessionStoreConfig struct {
	Kind        string `toml:"kind" env:"KIND"`
	RedisURL    string `toml:"redis_url" env:"REDIS_URL"`
	RedisPrefix string `toml:"redis_prefix" env:"REDIS_PREFIX"`
	// MemoryMaxSize bounds the in-process store; zero means unbounded.
	MemoryMaxSize int `toml:"memory_max_size" env:"MEMORY_MAX_SIZE"`
}

type SessionConfig struct {
	MaxAge        time.Duration `toml:"max_age" env:"MAX_AGE"`
	CeremonyTTL   time.Duration `toml:"ceremony_ttl" env:"CEREMONY_TTL"`
	PruneInterval time.Duration `toml:"prune_interval" env:"PRUNE_INTERVAL"`
}

type PasskeyConfig struct {
	RPID          string   `toml:"rp_id" env:"RP_ID"`
	RPDisplayName string   `toml:"rp_display_name" env:"RP_DISPLAY_NAME"`
	RPOrigins     []string `toml:"rp_origins" env:"RP_ORIGINS" envSeparator:","`
}

type TOTPConfig struct {
	Issuer string `toml:"issuer" env:"ISSUER"`
}

type OAuthProviderConfig struct {
	ClientID     string `toml:"client_id" env:"CLIENT_ID"`
	ClientSecret string `toml:"client_secret" env:"CLIENT_SECRET"`
	RedirectURL  string `toml:"redirect_url" env:"REDIRECT_URL"`
}

type OAuthConfig struct {
	Google              OAuthProviderConfig `toml:"google" envPrefix:"GOOGLE_"`
	GitHub              OAuthProviderConfig `toml:"github" envPrefix:"GITHUB_"`
	RequireSecondFactor bool                `toml:"require_second_factor" env:"REQUIRE_SECOND_FACTOR"`
}

// MailConfig configures SMTP delivery; an empty host logs verification
// tokens instead of sending them.
type MailConfig struct {
	Host      string `toml:"host" env:"HOST"`
	Port      int    `toml:"port" env:"PORT"`
	Username  string `toml:"username" env:"USERNAME"`
	Password  string `toml:"password" env:"PASSWORD"`
	From      string `toml:"from" env:"FROM"`
	VerifyURL string `toml:"verify_url" env:"VERIFY_URL"`
}

type PolicyConfig struct {
	ReservedUsernames []string `toml:"reserved_usernames" env:"RESERVED_USERNAMES" envSeparator:","`
	MinPasswordLength int      `toml:"min_password_length" env:"MIN_PASSWORD_LENGTH"`
	MaxPasswordLength int      `toml:"max_password_length" env:"MAX_PASSWORD_LENGTH"`
}

type RateLimitConfig struct {
	// LoginPerMinute is the sustained login attempt rate per client address.
	// A negative value disables limiting.
	LoginPerMinute int `toml:"login_per_minute" env:"LOGIN_PER_MINUTE"`
	LoginBurst     int `toml:"login_burst" env:"LOGIN_BURST"`
}

type TelemetryConfig struct {
	// Endpoint is the OTLP/HTTP collector URL; tracing is off when empty.
	Endpoint    string `toml:"endpoint" env:"ENDPOINT"`
	ServiceName string `toml:"service_name" env:"SERVICE_NAME"`
}

type LogConfig struct {
	Level  string `toml:"level" env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"`
}

// Default returns a configuration that runs locally on SQLite with an
// in-process session store.
func Default() *Config {
	policy := core.DefaultPolicyConfig()
	return &Config{
		HTTP: HTTPConfig{
			Addr:               ":8080",
			BasePath:           "/api/auth",
			RedirectAfterLogin: "/",
		},
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			DSN:    "gatekeep.db",
		},
		SessionStore: SessionStoreConfig{
			Kind:        SessionStoreDatabase,
			RedisPrefix: "gatekeep:",
		},
		Session: SessionConfig{
			MaxAge:        core.DefaultSessionMaxAge,
			CeremonyTTL:   core.DefaultCeremonyTTL,
			PruneInterval: 10 * time.Minute,
		},
		Passkey: PasskeyConfig{
			RPID:          "localhost",
			RPDisplayName: "Gatekeep",
			RPOrigins:     []string{"http://localhost:8080"},
		},
		TOTP: TOTPConfig{Issuer: core.DefaultTOTPIssuer},
		Mail: MailConfig{Port: 587},
		Policy: PolicyConfig{
			ReservedUsernames: policy.ReservedUsernames,
			MinPasswordLength: policy.MinPasswordLength,
			MaxPasswordLength: policy.MaxPasswordLength,
		},
		RateLimit: RateLimitConfig{LoginPerMinute: 10, LoginBurst: 5},
		Telemetry: TelemetryConfig{ServiceName: "gatekeepd"},
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration. A non-empty path must name a readable TOML
// file; environment variables override both the file and the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load TOML config: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv loads the file named by GATEKEEP_CONFIG, if any.
func LoadFromEnv() (*Config, error) {
	return Load(os.Getenv(PathEnv))
}

func (c *Config) normalize() {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	c.SessionStore.Kind = strings.ToLower(strings.TrimSpace(c.SessionStore.Kind))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.HTTP.BasePath != "" && !strings.HasPrefix(c.HTTP.BasePath, "/") {
		c.HTTP.BasePath = "/" + c.HTTP.BasePath
	}
	c.HTTP.BasePath = strings.TrimSuffix(c.HTTP.BasePath, "/")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("database.driver must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.Database.Driver))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}

	switch c.SessionStore.Kind {
	case SessionStoreDatabase, SessionStoreMemory:
	case SessionStoreRedis:
		if c.SessionStore.RedisURL == "" {
			errs = append(errs, errors.New("session_store.redis_url is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("session_store.kind must be database, memory or redis, got %q", c.SessionStore.Kind))
	}

	if c.Session.MaxAge <= 0 {
		errs = append(errs, errors.New("session.max_age must be positive"))
	}
	if c.Session.CeremonyTTL <= 0 {
		errs = append(errs, errors.New("session.ceremony_ttl must be positive"))
	}
	if c.Session.PruneInterval <= 0 {
		errs = append(errs, errors.New("session.prune_interval must be positive"))
	}

	if c.Passkey.RPID == "" || len(c.Passkey.RPOrigins) == 0 {
		errs = append(errs, errors.New("passkey.rp_id and passkey.rp_origins are required"))
	}

	if c.Policy.MinPasswordLength <= 0 || c.Policy.MaxPasswordLength < c.Policy.MinPasswordLength {
		errs = append(errs, fmt.Errorf("policy password lengths %d..%d are invalid", c.Policy.MinPasswordLength, c.Policy.MaxPasswordLength))
	}

	if c.Mail.Host != "" && c.Mail.From == "" {
		errs = append(errs, errors.New("mail.from is required when mail.host is set"))
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// SessionConfig converts the session section for the services.
func (c *Config) SessionConfig() core.SessionConfig {
	return core.SessionConfig{MaxAge: c.Session.MaxAge, CeremonyTTL: c.Session.CeremonyTTL}
}

func (c *Config) PasskeyConfig() core.PasskeyConfig {
	return core.PasskeyConfig{
		RPID:          c.Passkey.RPID,
		RPDisplayName: c.Passkey.RPDisplayName,
		RPOrigins:     c.Passkey.RPOrigins,
	}
}

func (c *Config) TOTPConfig() core.TOTPConfig {
	return core.TOTPConfig{Issuer: c.TOTP.Issuer}
}

func (c *Config) OAuthConfig() core.OAuthConfig {
	return core.OAuthConfig{
		Google:              core.OAuthProviderConfig(c.OAuth.Google),
		GitHub:              core.OAuthProviderConfig(c.OAuth.GitHub),
		RequireSecondFactor: c.OAuth.RequireSecondFactor,
	}
}

func (c *Config) PolicyConfig() core.PolicyConfig {
	return core.PolicyConfig{
		ReservedUsernames: c.Policy.ReservedUsernames,
		MinPasswordLength: c.Policy.MinPasswordLength,
		MaxPasswordLength: c.Policy.MaxPasswordLength,
	}
}
