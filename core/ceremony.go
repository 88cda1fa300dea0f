package core

import "time"

// CeremonyKind names the purpose of a pending ceremony. A session holds at most
// one pending ceremony per kind.
type CeremonyKind string

const (
	CeremonyRegistration   CeremonyKind = "passkey_registration"
	CeremonyAuthentication CeremonyKind = "passkey_authentication"
	CeremonySecondFactor   CeremonyKind = "second_factor"
	CeremonyOAuth          CeremonyKind = "oauth_state"
)

// Valid reports whether k is one of the known kinds.
func (k CeremonyKind) Valid() bool {
	switch k {
	case CeremonyRegistration, CeremonyAuthentication, CeremonySecondFactor, CeremonyOAuth:
		return true
	}
	return false
}

// PendingCeremony is the in-flight state of a multi-step login or enrollment,
// scoped to one session.
//
//   - Registration: UserID is the registering user, Payload the webauthn session data.
//   - Authentication: Payload is the webauthn session data; the user is unknown.
//   - SecondFactor: UserID is the user whose password was accepted.
//   - OAuth: Payload holds the provider, state hash and PKCE verifier.
type PendingCeremony struct {
	Kind      CeremonyKind `json:"kind"`
	UserID    string       `json:"userId,omitempty"`
	Payload   []byte       `json:"payload,omitempty"`
	ExpiresAt time.Time    `json:"expiresAt"`
}

func NewRegistrationCeremony(userID string, state []byte, expiresAt time.Time) PendingCeremony {
	return PendingCeremony{Kind: CeremonyRegistration, UserID: userID, Payload: state, ExpiresAt: expiresAt}
}

func NewAuthenticationCeremony(state []byte, expiresAt time.Time) PendingCeremony {
	return PendingCeremony{Kind: CeremonyAuthentication, Payload: state, ExpiresAt: expiresAt}
}

func NewSecondFactorCeremony(userID string, expiresAt time.Time) PendingCeremony {
	return PendingCeremony{Kind: CeremonySecondFactor, UserID: userID, ExpiresAt: expiresAt}
}

func NewOAuthCeremony(state []byte, expiresAt time.Time) PendingCeremony {
	return PendingCeremony{Kind: CeremonyOAuth, Payload: state, ExpiresAt: expiresAt}
}

func (p PendingCeremony) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// ClampExpiry keeps a ceremony from outliving the session that holds it.
func ClampExpiry(expiresAt time.Time, entry *SessionEntry) time.Time {
	if entry != nil && entry.ExpiresAt.Before(expiresAt) {
		return entry.ExpiresAt
	}
	return expiresAt
}
