package core

import "errors"

// Error categories. Every error returned by the services unwraps to exactly one of
// these; anything that does not is treated as ErrInternal.
var (
	ErrUnauthenticated   = errors.New("unauthenticated")     // 401
	ErrInvalidCredential = errors.New("invalid credentials") // 401
	ErrConflict          = errors.New("conflict")            // 409
	ErrValidation        = errors.New("validation failed")   // 400
	ErrNotFound          = errors.New("not found")           // 404
	ErrUpstream          = errors.New("upstream failure")    // 502
	ErrInternal          = errors.New("internal error")      // 500
)

// User errors
var (
	ErrEmailTaken           = NewError(ErrConflict, "email already in use")
	ErrUsernameTaken        = NewError(ErrConflict, "username already taken")
	ErrUserNotFound         = NewError(ErrNotFound, "user not found")
	ErrCredentialNotFound   = NewError(ErrNotFound, "credential not found")
	ErrIdentityNotFound     = NewError(ErrNotFound, "identity not found")
	ErrInvalidCredentials   = NewError(ErrInvalidCredential, "invalid email or password")
	ErrPasswordRequired     = NewError(ErrValidation, "password is required")
	ErrPasswordAlreadySet   = NewError(ErrConflict, "password already set")
	ErrEmailAlreadyVerified = NewError(ErrConflict, "email already verified")
	ErrInvalidVerification  = NewError(ErrValidation, "invalid or expired verification token")
)

// Session errors
var (
	ErrInvalidToken          = NewError(ErrUnauthenticated, "invalid session token")
	ErrSessionNotFound       = NewError(ErrUnauthenticated, "session not found")
	ErrSessionExpired        = NewError(ErrUnauthenticated, "session expired")
	ErrSessionRecordNotFound = NewError(ErrNotFound, "session not found")
	ErrCeremonyNotFound      = NewError(ErrInvalidCredential, "no ceremony in progress")
	ErrNoPendingSecondFactor = NewError(ErrUnauthenticated, "no second factor pending")
)

// Second factor errors
var (
	ErrInvalidCode        = NewError(ErrValidation, "Invalid code")
	ErrInvalidSecondCode  = NewError(ErrInvalidCredential, "invalid code")
	ErrTOTPAlreadyEnabled = NewError(ErrConflict, "two-factor authentication already enabled")
	ErrTOTPNotPending     = NewError(ErrValidation, "two-factor setup has not been started")
	ErrTOTPNotEnabled     = NewError(ErrValidation, "two-factor authentication is not enabled")
	ErrTOTPNotFound       = NewError(ErrNotFound, "two-factor secret not found")
)

// Passkey errors
var (
	ErrPasskeyUnavailable = NewError(ErrInternal, "passkeys are not configured")
	ErrPasskeyNotFound    = NewError(ErrNotFound, "passkey not found")
	ErrPasskeyExists      = NewError(ErrConflict, "passkey already registered")
	ErrNoPasskeys         = NewError(ErrNotFound, "no passkeys registered")
	ErrPasskeyRejected    = NewError(ErrInvalidCredential, "passkey authentication failed")
)

// OAuth errors
var (
	ErrProviderUnavailable = NewError(ErrNotFound, "oauth provider not available")
	ErrInvalidOAuthState   = NewError(ErrInvalidCredential, "invalid oauth state")
	ErrOAuthExchange       = NewError(ErrUpstream, "oauth provider request failed")
	ErrOAuthEmailMissing   = NewError(ErrUpstream, "oauth provider returned no email")
)

// Validation errors (client input)
var (
	ErrEmailRequired       = NewError(ErrValidation, "email is required")
	ErrInvalidEmail        = NewError(ErrValidation, "invalid email format")
	ErrPasswordTooShort    = NewError(ErrValidation, "password is too short")
	ErrPasswordTooLong     = NewError(ErrValidation, "password is too long")
	ErrInvalidUsername     = NewError(ErrValidation, "username must be 3-32 characters of a-z, 0-9, '_', '.', '-'")
	ErrReservedUsername    = NewError(ErrValidation, "username is reserved")
	ErrDisplayNameTooLong  = NewError(ErrValidation, "display name is too long")
	ErrCodeRequired        = NewError(ErrValidation, "code is required")
	ErrInvalidRequestBody  = NewError(ErrValidation, "invalid request body")
	ErrPasskeyNameTooLong  = NewError(ErrValidation, "passkey name is too long")
	ErrInvalidPasskeyReply = NewError(ErrValidation, "malformed passkey response")
)

// Config errors (server-side configuration)
var (
	ErrDBAdapterRequired      = errors.New("database adapter is required")
	ErrSessionStoreRequired   = errors.New("session store is required")
	ErrHTTPAdapterRequired    = errors.New("http adapter is required")
	ErrEndpointNotImplemented = errors.New("endpoint has no handler")
)

// Error is a message attached to one of the error categories above.
type Error struct {
	kind error
	msg  string
}

// NewError returns an error reporting msg that unwraps to kind.
func NewError(kind error, msg string) error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Unwrap() error { return e.kind }

var kinds = []error{
	ErrUnauthenticated,
	ErrInvalidCredential,
	ErrConflict,
	ErrValidation,
	ErrNotFound,
	ErrUpstream,
	ErrInternal,
}

// KindOf returns the category of err, or ErrInternal when it has none.
func KindOf(err error) error {
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrInternal
}

// PublicMessage returns the text that is safe to show a caller. Internal errors
// collapse to the category message so storage details never leak.
func PublicMessage(err error) string {
	kind := KindOf(err)
	if kind == ErrInternal {
		var e *Error
		if errors.As(err, &e) && e.kind == ErrInternal {
			return e.msg
		}
		return ErrInternal.Error()
	}
	var e *Error
	if errors.As(err, &e) {
		return e.msg
	}
	return kind.Error()
}
