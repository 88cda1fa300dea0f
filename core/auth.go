package core

// SignUpInput contains the data needed to register a new user
type SignUpInput struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// SignInInput contains the credentials for authentication
type SignInInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ChangePasswordInput replaces an existing password.
type ChangePasswordInput struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// SetPasswordInput attaches a first password to an account that has none. Email
// may be left empty to reuse the address the account signed up with.
type SetPasswordInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// OAuthCallbackInput is what a provider sends back to the redirect URL.
type OAuthCallbackInput struct {
	Provider string
	Code     string
	State    string
	Error    string
}

// SessionToken pairs a fresh cookie value with the entry it names.
type SessionToken struct {
	Token string
	Entry *SessionEntry
}

// AuthResult is the outcome of a first or second factor step. When
// SecondFactorRequired is set no principal was established and Token is empty.
type AuthResult struct {
	User                 *User         `json:"user,omitempty"`
	SecondFactorRequired bool          `json:"second_factor_required"`
	Session              *SessionEntry `json:"session,omitempty"`
	Token                string        `json:"-"` // The raw token (not the hash)
}

// Profile is the signed in user as shown to themselves.
type Profile struct {
	User          *User       `json:"user"`
	Email         *string     `json:"email,omitempty"`
	EmailVerified bool        `json:"emailVerified"`
	Methods       AuthMethods `json:"methods"`
	TOTPEnabled   bool        `json:"totpEnabled"`
}

// TOTPSetup is returned once when an authenticator app is being enrolled.
type TOTPSetup struct {
	Secret string `json:"secret"`
	URI    string `json:"otpauth_url"`
	QRCode string `json:"qr_code"` // data:image/png;base64,...
}

// TOTPStatus summarizes a user's second factor.
type TOTPStatus struct {
	State                TOTPState `json:"state"`
	Enabled              bool      `json:"enabled"`
	BackupCodesRemaining int       `json:"backup_codes_remaining"`
}
