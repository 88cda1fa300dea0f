package core

import (
	"strings"
	"time"
)

const (
	DefaultSessionMaxAge     = 24 * time.Hour
	DefaultCeremonyTTL       = 5 * time.Minute
	DefaultMinPasswordLength = 6
	DefaultMaxPasswordLength = 128
	DefaultTOTPIssuer        = "Praxis"
)

// SessionConfig controls session lifetime.
type SessionConfig struct {
	// MaxAge is the fixed lifetime of a session entry and of its record.
	MaxAge time.Duration
	// CeremonyTTL bounds pending ceremonies; they never outlive their session.
	CeremonyTTL time.Duration
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{MaxAge: DefaultSessionMaxAge, CeremonyTTL: DefaultCeremonyTTL}
}

// PasskeyConfig identifies the WebAuthn relying party.
type PasskeyConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
}

type TOTPConfig struct {
	Issuer string
}

type OAuthProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Enabled reports whether the provider has been configured at all.
func (c OAuthProviderConfig) Enabled() bool {
	return c.ClientID != ""
}

type OAuthConfig struct {
	Google OAuthProviderConfig
	GitHub OAuthProviderConfig
	// RequireSecondFactor sends OAuth logins of TOTP users through the second
	// factor step. Off by default, OAuth logins finalize directly.
	RequireSecondFactor bool
}

// PolicyConfig holds account rules fixed at startup.
type PolicyConfig struct {
	ReservedUsernames []string
	MinPasswordLength int
	MaxPasswordLength int
}

// ReservedSet returns the reserved usernames as a lowercased lookup set.
func (p PolicyConfig) ReservedSet() map[string]struct{} {
	set := make(map[string]struct{}, len(p.ReservedUsernames))
	for _, name := range p.ReservedUsernames {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			set[name] = struct{}{}
		}
	}
	return set
}

func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		ReservedUsernames: []string{"admin", "administrator", "root", "system", "support", "api", "auth", "me", "settings", "login", "logout", "signup"},
		MinPasswordLength: DefaultMinPasswordLength,
		MaxPasswordLength: DefaultMaxPasswordLength,
	}
}
