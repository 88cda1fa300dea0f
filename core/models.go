package core

import (
	"encoding/json"
	"time"
)

// Role is the coarse authorization level of a user.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User represents a user account in the system
//
// This is the "identity" - who someone is
type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	Role        Role      `json:"role"`
	AvatarURL   *string   `json:"avatarUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// LocalCredential is the email and password pair of a user. A user has at most one,
// and an email belongs to at most one credential.
//
// This is the "credential" - how someone proves who they are
type LocalCredential struct {
	UserID            string    `json:"userId"`
	Email             string    `json:"email"`
	PasswordHash      string    `json:"-"` // Never expose in JSON
	EmailVerified     bool      `json:"emailVerified"`
	VerificationToken *string   `json:"-"` // hash of the mailed token
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// ExternalIdentity links an OAuth provider email to a user that signed up through
// that provider.
type ExternalIdentity struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Provider  string    `json:"provider"` // "google", "github"
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuthMethods is the set of ways a user can prove who they are.
type AuthMethods uint8

const (
	MethodPassword AuthMethods = 1 << iota
	MethodOAuth
	MethodPasskey
)

func (m AuthMethods) Has(method AuthMethods) bool { return m&method != 0 }

func (m AuthMethods) HasPassword() bool { return m.Has(MethodPassword) }

// CanSetPassword reports whether the user may attach a first password.
func (m AuthMethods) CanSetPassword() bool { return !m.HasPassword() }

// RequiresPasswordConfirmation reports whether sensitive operations must re-check
// the password before proceeding.
func (m AuthMethods) RequiresPasswordConfirmation() bool { return m.HasPassword() }

// Names lists the methods in a stable order.
func (m AuthMethods) Names() []string {
	names := make([]string, 0, 3)
	if m.Has(MethodPassword) {
		names = append(names, "password")
	}
	if m.Has(MethodOAuth) {
		names = append(names, "oauth")
	}
	if m.Has(MethodPasskey) {
		names = append(names, "passkey")
	}
	return names
}

func (m AuthMethods) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Names())
}

// TOTPState is the second factor state of a user.
type TOTPState string

const (
	TOTPDisabled      TOTPState = "disabled"
	TOTPPendingEnable TOTPState = "pending_enable"
	TOTPEnabled       TOTPState = "enabled"
)

// TOTPSecret is the shared secret of a user's authenticator app.
type TOTPSecret struct {
	UserID    string    `json:"userId"`
	Secret    string    `json:"-"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
}

// State reports the second factor state represented by s; a nil secret is disabled.
func (s *TOTPSecret) State() TOTPState {
	switch {
	case s == nil:
		return TOTPDisabled
	case s.Enabled:
		return TOTPEnabled
	default:
		return TOTPPendingEnable
	}
}

// BackupCode is a hashed single-use recovery code.
type BackupCode struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	CodeHash  string     `json:"-"`
	Used      bool       `json:"used"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// PasskeyCredential is a registered WebAuthn credential. Credential holds the
// serialized public key material; SignCount mirrors its authenticator counter.
type PasskeyCredential struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	CredentialID []byte     `json:"-"`
	Credential   []byte     `json:"-"`
	SignCount    uint32     `json:"-"`
	Name         string     `json:"name"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`
}

// SessionRecord is the device-attributed record of a logged in session.
type SessionRecord struct {
	ID           string    `json:"id"`
	UserID       string    `json:"-"`
	SessionID    string    `json:"-"` // Never expose in JSON (security!)
	UserAgent    string    `json:"userAgent"`
	IPAddress    string    `json:"ipAddress"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	CreatedAt    time.Time `json:"createdAt"`
}

// SessionInfo is a session record as shown to its owner.
type SessionInfo struct {
	SessionRecord
	IsCurrent bool `json:"isCurrent"`
}

// SessionEntry is the server side state behind a session cookie. UserID is the
// session principal and stays empty until a login completes.
type SessionEntry struct {
	ID        string    `json:"-"`
	UserID    string    `json:"userId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (e *SessionEntry) Authenticated() bool {
	return e != nil && e.UserID != ""
}

func (e *SessionEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// RequestMeta carries the caller's session and device details into the services.
type RequestMeta struct {
	Session   *SessionEntry
	IPAddress string
	UserAgent string
}

// SessionID returns the caller's session id, or "" without a session.
func (m RequestMeta) SessionID() string {
	if m.Session == nil {
		return ""
	}
	return m.Session.ID
}

// Principal returns the authenticated user id of the caller.
func (m RequestMeta) Principal() (string, bool) {
	if !m.Session.Authenticated() {
		return "", false
	}
	return m.Session.UserID, true
}
