package core

import (
	"context"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
)

// Ports define interfaces for external dependencies

// ============================================
// STORAGE PORTS (Database operations)
// ============================================

// UserStorage defines user-related database operations
type UserStorage interface {
	// CreateUserWithCredential inserts both rows in one transaction and fills in
	// generated ids and timestamps. It fails with ErrEmailTaken when any
	// credential or identity already holds the email.
	CreateUserWithCredential(ctx context.Context, u *User, c *LocalCredential) error
	// CreateUserWithIdentity inserts a password-less user and its provider link in
	// one transaction. It fails with ErrEmailTaken when any credential or
	// identity already holds the email.
	CreateUserWithIdentity(ctx context.Context, u *User, id *ExternalIdentity) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	GetAuthMethods(ctx context.Context, userID string) (AuthMethods, error)
}

// CredentialStorage defines email and password operations
type CredentialStorage interface {
	GetCredentialByEmail(ctx context.Context, email string) (*LocalCredential, error)
	GetCredentialByUserID(ctx context.Context, userID string) (*LocalCredential, error)
	// CreateCredential adds a password to an existing user. The email may be
	// shared only with that user's own identity.
	CreateCredential(ctx context.Context, c *LocalCredential) error
	UpdatePasswordHash(ctx context.Context, userID, hash string) error
	SetVerificationToken(ctx context.Context, userID, tokenHash string) error
	// VerifyEmailByToken marks the matching credential verified, clears the token
	// and returns its user id.
	VerifyEmailByToken(ctx context.Context, tokenHash string) (string, error)
}

// IdentityLinkStorage defines OAuth identity lookups. An email belongs to at
// most one identity across every provider.
type IdentityLinkStorage interface {
	GetExternalIdentityByEmail(ctx context.Context, email string) (*ExternalIdentity, error)
	GetExternalIdentityByUserID(ctx context.Context, userID string) (*ExternalIdentity, error)
}

// TOTPStorage defines second factor operations
type TOTPStorage interface {
	// PutPendingTOTP stores secret as the user's not yet enabled secret, replacing
	// any previous one.
	PutPendingTOTP(ctx context.Context, userID, secret string) error
	GetTOTP(ctx context.Context, userID string) (*TOTPSecret, error)
	// EnableTOTP flips the secret to enabled and replaces the backup code batch in
	// one transaction.
	EnableTOTP(ctx context.Context, userID string, codeHashes []string) error
	// DeleteTOTP removes the secret and every backup code in one transaction.
	DeleteTOTP(ctx context.Context, userID string) error
	ReplaceBackupCodes(ctx context.Context, userID string, codeHashes []string) error
	ListUnusedBackupCodes(ctx context.Context, userID string) ([]*BackupCode, error)
	CountUnusedBackupCodes(ctx context.Context, userID string) (int, error)
	// ConsumeBackupCode marks the code used only if it is still unused. It reports
	// whether this call was the one that consumed it.
	ConsumeBackupCode(ctx context.Context, id string, usedAt time.Time) (bool, error)
}

// PasskeyStorage defines WebAuthn credential operations
type PasskeyStorage interface {
	CreatePasskey(ctx context.Context, p *PasskeyCredential) error
	GetPasskeyByCredentialID(ctx context.Context, credentialID []byte) (*PasskeyCredential, error)
	ListPasskeysByUser(ctx context.Context, userID string) ([]*PasskeyCredential, error)
	ListAllPasskeys(ctx context.Context) ([]*PasskeyCredential, error)
	// UpdatePasskeyUsage stores the new counter and credential only if the stored
	// counter still equals prevCount. It reports whether the row was updated.
	UpdatePasskeyUsage(ctx context.Context, id string, credential []byte, prevCount, newCount uint32, usedAt time.Time) (bool, error)
	DeletePasskey(ctx context.Context, userID, id string) error
}

// SessionRecordStorage defines session tracking operations
type SessionRecordStorage interface {
	// UpsertSessionRecord inserts the record or updates the one with the same
	// SessionID.
	UpsertSessionRecord(ctx context.Context, r *SessionRecord) error
	ListSessionRecords(ctx context.Context, userID string) ([]*SessionRecord, error)
	GetSessionRecord(ctx context.Context, userID, id string) (*SessionRecord, error)
	DeleteSessionRecord(ctx context.Context, userID, id string) error
	DeleteSessionRecordBySessionID(ctx context.Context, sessionID string) error
	// DeleteOtherSessionRecords deletes every record of the user except the one
	// for keepSessionID and returns the session ids it removed.
	DeleteOtherSessionRecords(ctx context.Context, userID, keepSessionID string) ([]string, error)
	DeleteExpiredSessionRecords(ctx context.Context, now time.Time) (int, error)
}

type StorageAdapter interface {
	UserStorage
	CredentialStorage
	IdentityLinkStorage
	TOTPStorage
	PasskeyStorage
	SessionRecordStorage
}

// ============================================
// SESSION STORE PORT
// ============================================

// SessionStore holds the opaque entries behind session cookies along with their
// pending ceremonies. Expired entries and ceremonies read as not found.
type SessionStore interface {
	CreateSession(ctx context.Context, e *SessionEntry) error
	GetSession(ctx context.Context, id string) (*SessionEntry, error)
	DeleteSession(ctx context.Context, id string) error
	// PutCeremony replaces the session's ceremony of the same kind.
	PutCeremony(ctx context.Context, sessionID string, c PendingCeremony) error
	GetCeremony(ctx context.Context, sessionID string, kind CeremonyKind) (*PendingCeremony, error)
	// TakeCeremony atomically returns and removes the ceremony, so concurrent
	// callers never both receive it.
	TakeCeremony(ctx context.Context, sessionID string, kind CeremonyKind) (*PendingCeremony, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// ============================================
// MAIL PORT
// ============================================

// Mailer delivers account emails.
type Mailer interface {
	SendVerification(ctx context.Context, to, token string) error
}

// ============================================
// AUTH HANDLER (for HTTP adapters)
// ============================================

// AuthHandler provides authentication operations for HTTP adapters
type AuthHandler interface {
	StartSession(ctx context.Context) (*SessionToken, error)
	ResolveSession(ctx context.Context, token string) (*SessionEntry, error)

	SignUp(ctx context.Context, input SignUpInput) (*User, error)
	SignIn(ctx context.Context, meta RequestMeta, input SignInInput) (*AuthResult, error)
	VerifySecondFactor(ctx context.Context, meta RequestMeta, code string) (*AuthResult, error)
	SignOut(ctx context.Context, meta RequestMeta) error
	Me(ctx context.Context, meta RequestMeta) (*Profile, error)

	VerifyEmail(ctx context.Context, token string) error
	ResendVerification(ctx context.Context, meta RequestMeta) error
	ChangePassword(ctx context.Context, meta RequestMeta, input ChangePasswordInput) error
	SetPassword(ctx context.Context, meta RequestMeta, input SetPasswordInput) error

	BeginOAuth(ctx context.Context, meta RequestMeta, provider string) (string, error)
	CompleteOAuth(ctx context.Context, meta RequestMeta, input OAuthCallbackInput) (*AuthResult, error)

	SetupTOTP(ctx context.Context, meta RequestMeta) (*TOTPSetup, error)
	EnableTOTP(ctx context.Context, meta RequestMeta, code string) ([]string, error)
	DisableTOTP(ctx context.Context, meta RequestMeta, code string) error
	TOTPStatus(ctx context.Context, meta RequestMeta) (*TOTPStatus, error)
	RegenerateBackupCodes(ctx context.Context, meta RequestMeta, code string) ([]string, error)

	BeginPasskeyRegistration(ctx context.Context, meta RequestMeta, password string) (*protocol.CredentialCreation, error)
	FinishPasskeyRegistration(ctx context.Context, meta RequestMeta, name string, response []byte) (*PasskeyCredential, error)
	BeginPasskeyLogin(ctx context.Context, meta RequestMeta) (*protocol.CredentialAssertion, error)
	FinishPasskeyLogin(ctx context.Context, meta RequestMeta, response []byte) (*AuthResult, error)
	ListPasskeys(ctx context.Context, meta RequestMeta) ([]*PasskeyCredential, error)
	DeletePasskey(ctx context.Context, meta RequestMeta, id string) error

	ListSessions(ctx context.Context, meta RequestMeta) ([]SessionInfo, error)
	RevokeSession(ctx context.Context, meta RequestMeta, id string) error
	RevokeOtherSessions(ctx context.Context, meta RequestMeta) (int, error)
}

// ============================================
// HTTP PORT
// ============================================

type HTTPAdapter interface {
	RegisterRoutes(handler AuthHandler, endpoints []*Endpoint, basePath string) error
}
