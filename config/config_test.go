package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatekeep.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "/api/auth", cfg.HTTP.BasePath)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, SessionStoreDatabase, cfg.SessionStore.Kind)
	assert.Equal(t, 24*time.Hour, cfg.Session.MaxAge)
	assert.Equal(t, 5*time.Minute, cfg.Session.CeremonyTTL)
	assert.Equal(t, 10*time.Minute, cfg.Session.PruneInterval)
	assert.Equal(t, "Praxis", cfg.TOTP.Issuer)
	assert.Contains(t, cfg.Policy.ReservedUsernames, "admin")
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
[http]
addr = ":9000"
base_path = "auth/"

[database]
driver = "Postgres"
dsn = "postgres://file"

[session]
max_age = "12h"

[oauth.google]
client_id = "file-google"

[policy]
reserved_usernames = ["owner"]
`)
	t.Setenv("GATEKEEP_DATABASE_DSN", "postgres://env")
	t.Setenv("GATEKEEP_PASSKEY_RP_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("GATEKEEP_OAUTH_GITHUB_CLIENT_ID", "env-github")
	t.Setenv("GATEKEEP_LOG_FORMAT", "TEXT")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTP.Addr, "file value")
	assert.Equal(t, "/auth", cfg.HTTP.BasePath)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "postgres://env", cfg.Database.DSN, "env overrides the file")
	assert.Equal(t, 12*time.Hour, cfg.Session.MaxAge)
	assert.Equal(t, 5*time.Minute, cfg.Session.CeremonyTTL, "untouched default")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Passkey.RPOrigins)
	assert.Equal(t, []string{"owner"}, cfg.Policy.ReservedUsernames)
	assert.Equal(t, "text", cfg.Log.Format)

	oauth := cfg.OAuthConfig()
	assert.Equal(t, "file-google", oauth.Google.ClientID)
	assert.Equal(t, "env-github", oauth.GitHub.ClientID)
	assert.True(t, oauth.GitHub.Enabled())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestLoad_MalformedFile(t *testing.T) {
	_, err := Load(writeConfig(t, "[http\naddr ="))
	require.ErrorContains(t, err, "failed to load TOML config")
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("GATEKEEP_SESSION_MAX_AGE", "forever")
	_, err := Load("")
	require.ErrorContains(t, err, "parse env")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(PathEnv, writeConfig(t, "[totp]\nissuer = \"Acme\"\n"))
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "Acme", cfg.TOTPConfig().Issuer)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }, wantErr: "database.driver"},
		{name: "empty dsn", mutate: func(c *Config) { c.Database.DSN = " " }, wantErr: "database.dsn"},
		{name: "redis without url", mutate: func(c *Config) { c.SessionStore.Kind = SessionStoreRedis }, wantErr: "redis_url"},
		{name: "unknown store", mutate: func(c *Config) { c.SessionStore.Kind = "disk" }, wantErr: "session_store.kind"},
		{name: "zero ceremony ttl", mutate: func(c *Config) { c.Session.CeremonyTTL = 0 }, wantErr: "ceremony_ttl"},
		{name: "no passkey origins", mutate: func(c *Config) { c.Passkey.RPOrigins = nil }, wantErr: "rp_origins"},
		{name: "inverted password bounds", mutate: func(c *Config) { c.Policy.MaxPasswordLength = 2 }, wantErr: "password lengths"},
		{name: "mail without sender", mutate: func(c *Config) { c.Mail.Host = "smtp.example.com" }, wantErr: "mail.from"},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log.format"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.mutate(cfg)

			err := cfg.Validate()

			if test.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, test.wantErr)
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := Default()

	assert.Equal(t, cfg.Session.MaxAge, cfg.SessionConfig().MaxAge)
	assert.Equal(t, cfg.Passkey.RPID, cfg.PasskeyConfig().RPID)
	assert.Equal(t, cfg.Policy.MinPasswordLength, cfg.PolicyConfig().MinPasswordLength)
	assert.False(t, cfg.OAuthConfig().Google.Enabled())
}
