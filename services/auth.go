package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lborres/gatekeep/core"
	"github.com/lborres/gatekeep/pkg/crypto"
)

const (
	tracerName     = "github.com/lborres/gatekeep/services"
	maxEmailLength = 254
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)

// Config wires the services together. Zero values fall back to the package
// defaults.
type Config struct {
	Session core.SessionConfig
	Passkey core.PasskeyConfig
	TOTP    core.TOTPConfig
	OAuth   core.OAuthConfig
	Policy  core.PolicyConfig

	PasswordHasher   crypto.PasswordHandler
	BackupCodeHasher crypto.PasswordHandler
	Mailer           core.Mailer
	Logger           *slog.Logger
}

type AuthService struct {
	store      core.StorageAdapter
	ceremonies core.SessionStore
	vault      *CredentialVault
	sessions   *SessionManager
	tracker    *SessionTracker
	totp       *SecondFactorVerifier
	passkeys   *PasskeyCoordinator
	oauth      *OAuthResolver
	mailer     core.Mailer

	policy                   core.PolicyConfig
	reserved                 map[string]struct{}
	requireOAuthSecondFactor bool

	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
	newID  func() string
}

// Ensure AuthService implements AuthHandler
var _ core.AuthHandler = (*AuthService)(nil)

func NewAuthService(store core.StorageAdapter, sessions core.SessionStore, config Config) *AuthService {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.Mailer == nil {
		config.Mailer = NewLogMailer(logger)
	}

	policy := config.Policy
	defaults := core.DefaultPolicyConfig()
	if policy.MinPasswordLength <= 0 {
		policy.MinPasswordLength = defaults.MinPasswordLength
	}
	if policy.MaxPasswordLength <= 0 {
		policy.MaxPasswordLength = defaults.MaxPasswordLength
	}
	if policy.ReservedUsernames == nil {
		policy.ReservedUsernames = defaults.ReservedUsernames
	}

	return &AuthService{
		store:                    store,
		ceremonies:               sessions,
		vault:                    NewCredentialVault(config.PasswordHasher, logger),
		sessions:                 NewSessionManager(config.Session, sessions),
		tracker:                  NewSessionTracker(store, sessions, logger),
		totp:                     NewSecondFactorVerifier(store, config.TOTP, config.BackupCodeHasher, logger),
		passkeys:                 NewPasskeyCoordinator(config.Passkey, store, store, sessions, logger),
		oauth:                    NewOAuthResolver(config.OAuth, policy, store, sessions, logger),
		mailer:                   config.Mailer,
		policy:                   policy,
		reserved:                 policy.ReservedSet(),
		requireOAuthSecondFactor: config.OAuth.RequireSecondFactor,
		logger:                   logger,
		tracer:                   otel.Tracer(tracerName),
		now:                      time.Now,
		newID:                    uuid.NewString,
	}
}

// Tracker exposes session bookkeeping for background pruning.
func (s *AuthService) Tracker() *SessionTracker {
	return s.tracker
}

func (s *AuthService) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "auth."+op)
}

// endSpan marks the span failed for server-side errors only; caller mistakes
// such as a wrong password are normal outcomes.
func endSpan(span trace.Span, err error) {
	if err != nil {
		kind := core.KindOf(err)
		span.SetAttributes(attribute.String("auth.error_kind", kind.Error()))
		if kind == core.ErrInternal || kind == core.ErrUpstream {
			span.RecordError(err)
			span.SetStatus(codes.Error, kind.Error())
		}
	}
	span.End()
}

// ============================================
// SESSIONS
// ============================================

func (s *AuthService) StartSession(ctx context.Context) (*core.SessionToken, error) {
	return s.sessions.Start(ctx)
}

func (s *AuthService) ResolveSession(ctx context.Context, token string) (*core.SessionEntry, error) {
	return s.sessions.Resolve(ctx, token)
}

// ============================================
// PASSWORD SIGN UP / SIGN IN
// ============================================

// SignUp registers a new user with email and password. No session is
// established; the user signs in afterwards.
func (s *AuthService) SignUp(ctx context.Context, input core.SignUpInput) (user *core.User, err error) {
	ctx, span := s.startSpan(ctx, "SignUp")
	defer func() { endSpan(span, err) }()

	email, err := validateEmail(input.Email)
	if err != nil {
		return nil, err
	}
	if err := s.validatePassword(input.Password); err != nil {
		return nil, err
	}
	username, err := s.validateUsername(input.Username)
	if err != nil {
		return nil, err
	}
	displayName := strings.TrimSpace(input.DisplayName)
	if displayName == "" {
		displayName = username
	}
	if utf8.RuneCountInString(displayName) > maxDisplayNameLength {
		return nil, core.ErrDisplayNameTooLong
	}

	// Step 1: Check uniqueness up front so the common case reports cleanly
	if _, err := s.store.GetCredentialByEmail(ctx, email); err == nil {
		return nil, core.ErrEmailTaken
	} else if !errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing email: %w", err)
	}
	if _, err := s.store.GetExternalIdentityByEmail(ctx, email); err == nil {
		return nil, core.ErrEmailTaken
	} else if !errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing email: %w", err)
	}
	taken, err := s.store.UsernameExists(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing username: %w", err)
	}
	if taken {
		return nil, core.ErrUsernameTaken
	}

	// Step 2: Hash the password and the verification token
	hash, err := s.vault.Hash(input.Password)
	if err != nil {
		return nil, err
	}
	verification, err := crypto.GenerateHashedToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate verification token: %w", err)
	}

	// Step 3: Create the user and its credential together
	now := s.now().UTC()
	user = &core.User{
		ID:          s.newID(),
		Username:    username,
		DisplayName: displayName,
		Role:        core.RoleUser,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	credential := &core.LocalCredential{
		UserID:            user.ID,
		Email:             email,
		PasswordHash:      hash,
		VerificationToken: &verification.Hash,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateUserWithCredential(ctx, user, credential); err != nil {
		if errors.Is(err, core.ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	// Step 4: Mail the verification token; the account exists either way
	if err := s.mailer.SendVerification(ctx, email, verification.Token); err != nil {
		s.logger.ErrorContext(ctx, "failed to send verification email", "user_id", user.ID, "error", err)
	}

	return user, nil
}

// SignIn checks an email and password. Users with two-factor authentication get
// a pending second factor on their current session instead of a login.
func (s *AuthService) SignIn(ctx context.Context, meta core.RequestMeta, input core.SignInInput) (result *core.AuthResult, err error) {
	ctx, span := s.startSpan(ctx, "SignIn")
	defer func() { endSpan(span, err) }()

	if meta.Session == nil {
		return nil, core.ErrInvalidToken
	}
	email := normalizeEmail(input.Email)
	if email == "" {
		return nil, core.ErrEmailRequired
	}
	if input.Password == "" {
		return nil, core.ErrPasswordRequired
	}

	credential, err := s.store.GetCredentialByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, s.vault.VerifyAbsent(ctx, input.Password)
		}
		return nil, fmt.Errorf("failed to find credential: %w", err)
	}
	if err := s.vault.Verify(ctx, credential.UserID, input.Password, credential.PasswordHash); err != nil {
		return nil, err
	}

	user, err := s.loadUser(ctx, credential.UserID)
	if err != nil {
		return nil, err
	}
	return s.completeFirstFactor(ctx, meta, user, true)
}

// VerifySecondFactor finishes a sign in that is waiting for a TOTP or backup
// code. A wrong code or a storage fault leaves the pending state in place for
// another attempt.
func (s *AuthService) VerifySecondFactor(ctx context.Context, meta core.RequestMeta, code string) (result *core.AuthResult, err error) {
	ctx, span := s.startSpan(ctx, "VerifySecondFactor")
	defer func() { endSpan(span, err) }()

	sessionID := meta.SessionID()
	if sessionID == "" {
		return nil, core.ErrNoPendingSecondFactor
	}
	if strings.TrimSpace(code) == "" {
		return nil, core.ErrCodeRequired
	}

	// only the request holding the pending state may spend a code against it
	pending, err := s.ceremonies.TakeCeremony(ctx, sessionID, core.CeremonySecondFactor)
	if err != nil {
		if errors.Is(err, core.ErrCeremonyNotFound) || errors.Is(err, core.ErrSessionNotFound) {
			return nil, core.ErrNoPendingSecondFactor
		}
		return nil, fmt.Errorf("failed to claim pending second factor: %w", err)
	}

	if err := s.totp.Verify(ctx, pending.UserID, code); err != nil {
		if errors.Is(err, core.ErrTOTPNotEnabled) {
			return nil, core.ErrInvalidSecondCode
		}
		if errors.Is(err, core.ErrInvalidSecondCode) {
			s.putBackSecondFactor(ctx, sessionID, pending)
		} else {
			restoreCeremony(ctx, s.ceremonies, s.logger, sessionID, pending, err)
		}
		return nil, err
	}

	user, err := s.loadUser(ctx, pending.UserID)
	if err != nil {
		restoreCeremony(ctx, s.ceremonies, s.logger, sessionID, pending, err)
		return nil, err
	}
	result, err = s.finalize(ctx, meta, user)
	if err != nil {
		restoreCeremony(ctx, s.ceremonies, s.logger, sessionID, pending, err)
		return nil, err
	}
	return result, nil
}

// putBackSecondFactor returns the pending state after a wrong code.
func (s *AuthService) putBackSecondFactor(ctx context.Context, sessionID string, pending *core.PendingCeremony) {
	if err := s.ceremonies.PutCeremony(ctx, sessionID, *pending); err != nil {
		s.logger.ErrorContext(ctx, "failed to keep pending second factor", "user_id", pending.UserID, "error", err)
	}
}

// completeFirstFactor either finalizes the login or parks it behind the second
// factor. checkSecondFactor is false for first factors that skip it.
func (s *AuthService) completeFirstFactor(ctx context.Context, meta core.RequestMeta, user *core.User, checkSecondFactor bool) (*core.AuthResult, error) {
	if checkSecondFactor {
		enabled, err := s.totp.Enabled(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		if enabled {
			pending := core.NewSecondFactorCeremony(user.ID, s.sessions.CeremonyExpiry(meta.Session))
			if err := s.ceremonies.PutCeremony(ctx, meta.Session.ID, pending); err != nil {
				return nil, fmt.Errorf("failed to store pending second factor: %w", err)
			}
			return &core.AuthResult{SecondFactorRequired: true}, nil
		}
	}
	return s.finalize(ctx, meta, user)
}

// finalize rotates the caller's session into a logged in one and records it.
func (s *AuthService) finalize(ctx context.Context, meta core.RequestMeta, user *core.User) (*core.AuthResult, error) {
	previousID := meta.SessionID()
	token, err := s.sessions.Establish(ctx, previousID, user.ID)
	if err != nil {
		return nil, err
	}
	if err := s.tracker.Record(ctx, token.Entry.ID, user.ID, meta, token.Entry.ExpiresAt); err != nil {
		if derr := s.sessions.Destroy(ctx, token.Entry.ID); derr != nil {
			s.logger.ErrorContext(ctx, "failed to drop unrecorded session", "user_id", user.ID, "error", derr)
		}
		return nil, err
	}
	// a rotated session that was itself logged in leaves no record behind
	if previousID != "" {
		if err := s.tracker.Forget(ctx, previousID); err != nil {
			s.logger.WarnContext(ctx, "failed to forget rotated session", "user_id", user.ID, "error", err)
		}
	}

	s.logger.InfoContext(ctx, "user signed in", "user_id", user.ID, "ip", meta.IPAddress)
	return &core.AuthResult{User: user, Session: token.Entry, Token: token.Token}, nil
}

// SignOut forgets the current session. Signing out without a session is a no-op.
func (s *AuthService) SignOut(ctx context.Context, meta core.RequestMeta) (err error) {
	ctx, span := s.startSpan(ctx, "SignOut")
	defer func() { endSpan(span, err) }()

	sessionID := meta.SessionID()
	if sessionID == "" {
		return nil
	}
	if err := s.tracker.Forget(ctx, sessionID); err != nil {
		return err
	}
	return s.sessions.Destroy(ctx, sessionID)
}

// Me returns the signed in user with their sign in methods.
func (s *AuthService) Me(ctx context.Context, meta core.RequestMeta) (profile *core.Profile, err error) {
	ctx, span := s.startSpan(ctx, "Me")
	defer func() { endSpan(span, err) }()

	userID, err := principal(meta)
	if err != nil {
		return nil, err
	}
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	methods, err := s.store.GetAuthMethods(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sign in methods: %w", err)
	}
	totpEnabled, err := s.totp.Enabled(ctx, userID)
	if err != nil {
		return nil, err
	}

	profile = &core.Profile{User: user, Methods: methods, TOTPEnabled: totpEnabled}

	credential, err := s.store.GetCredentialByUserID(ctx, userID)
	switch {
	case err == nil:
		profile.Email = &credential.Email
		profile.EmailVerified = credential.EmailVerified
		return profile, nil
	case !errors.Is(err, core.ErrNotFound):
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	identity, err := s.store.GetExternalIdentityByUserID(ctx, userID)
	switch {
	case err == nil:
		profile.Email = &identity.Email
		profile.EmailVerified = true
	case !errors.Is(err, core.ErrNotFound):
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	return profile, nil
}

// ============================================
// ACCOUNT
// ============================================

func (s *AuthService) VerifyEmail(ctx context.Context, token string) (err error) {
	ctx, span := s.startSpan(ctx, "VerifyEmail")
	defer func() { endSpan(span, err) }()

	token = strings.TrimSpace(token)
	if token == "" {
		return core.ErrInvalidVerification
	}
	userID, err := s.store.VerifyEmailByToken(ctx, crypto.HashToken(token))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return core.ErrInvalidVerification
		}
		return fmt.Errorf("failed to verify email: %w", err)
	}
	s.logger.InfoContext(ctx, "email verified", "user_id", userID)
	return nil
}

func (s *AuthService) ResendVerification(ctx context.Context, meta core.RequestMeta) (err error) {
	ctx, span := s.startSpan(ctx, "ResendVerification")
	defer func() { endSpan(span, err) }()

	userID, err := principal(meta)
	if err != nil {
		return err
	}
	credential, err := s.store.GetCredentialByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return core.ErrCredentialNotFound
		}
		return fmt.Errorf("failed to load credential: %w", err)
	}
	if credential.EmailVerified {
		return core.ErrEmailAlreadyVerified
	}

	verification, err := crypto.GenerateHashedToken()
	if err != nil {
		return fmt.Errorf("failed to generate verification token: %w", err)
	}
	if err := s.store.SetVerificationToken(ctx, userID, verification.Hash); err != nil {
		return fmt.Errorf("failed to store verification token: %w", err)
	}
	if err := s.mailer.SendVerification(ctx, credential.Email, verification.Token); err != nil {
		return fmt.Errorf("failed to send verification email: %w", err)
	}
	return nil
}

// ChangePassword replaces the password after checking the current one, then
// signs out the user's other sessions.
func (s *AuthService) ChangePassword(ctx context.Context, meta core.RequestMeta, input core.ChangePasswordInput) (err error) {
	ctx, span := s.startSpan(ctx, "ChangePassword")
	defer func() { endSpan(span, err) }()

	userID, err := principal(meta)
	if err != nil {
		return err
	}
	if input.CurrentPassword == "" {
		return core.ErrPasswordRequired
	}
	if err := s.validatePassword(input.NewPassword); err != nil {
		return err
	}

	methods, err := s.store.GetAuthMethods(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load sign in methods: %w", err)
	}
	if !methods.HasPassword() {
		return core.ErrPasswordRequired
	}
	credential, err := s.store.GetCredentialByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load credential: %w", err)
	}
	if err := s.vault.Verify(ctx, userID, input.CurrentPassword, credential.PasswordHash); err != nil {
		return err
	}

	hash, err := s.vault.Hash(input.NewPassword)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePasswordHash(ctx, userID, hash); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	if _, err := s.tracker.RevokeOthers(ctx, userID, meta.SessionID()); err != nil {
		s.logger.ErrorContext(ctx, "failed to revoke sessions after password change", "user_id", userID, "error", err)
	}
	return nil
}

// SetPassword attaches a first password to an account that signed up through a
// provider. The email defaults to the provider address.
func (s *AuthService) SetPassword(ctx context.Context, meta core.RequestMeta, input core.SetPasswordInput) (err error) {
	ctx, span := s.startSpan(ctx, "SetPassword")
	defer func() { endSpan(span, err) }()

	userID, err := principal(meta)
	if err != nil {
		return err
	}
	methods, err := s.store.GetAuthMethods(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load sign in methods: %w", err)
	}
	if !methods.CanSetPassword() {
		return core.ErrPasswordAlreadySet
	}
	if err := s.validatePassword(input.Password); err != nil {
		return err
	}

	var providerEmail string
	identity, err := s.store.GetExternalIdentityByUserID(ctx, userID)
	switch {
	case err == nil:
		providerEmail = identity.Email
	case !errors.Is(err, core.ErrNotFound):
		return fmt.Errorf("failed to load identity: %w", err)
	}

	raw := input.Email
	if strings.TrimSpace(raw) == "" {
		raw = providerEmail
	}
	email, err := validateEmail(raw)
	if err != nil {
		return err
	}

	hash, err := s.vault.Hash(input.Password)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	credential := &core.LocalCredential{
		UserID:        userID,
		Email:         email,
		PasswordHash:  hash,
		EmailVerified: email == providerEmail,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var verification *crypto.TokenPair
	if !credential.EmailVerified {
		verification, err = crypto.GenerateHashedToken()
		if err != nil {
			return fmt.Errorf("failed to generate verification token: %w", err)
		}
		credential.VerificationToken = &verification.Hash
	}

	if err := s.store.CreateCredential(ctx, credential); err != nil {
		if errors.Is(err, core.ErrConflict) {
			return err
		}
		return fmt.Errorf("failed to create credential: %w", err)
	}

	if verification != nil {
		if err := s.mailer.SendVerification(ctx, email, verification.Token); err != nil {
			s.logger.ErrorContext(ctx, "failed to send verification email", "user_id", userID, "error", err)
		}
	}
	return nil
}

// ============================================
// OAUTH
// ============================================

func (s *AuthService) BeginOAuth(ctx context.Context, meta core.RequestMeta, provider string) (url string, err error) {
	ctx, span := s.startSpan(ctx, "BeginOAuth")
	span.SetAttributes(attribute.String("auth.provider", provider))
	defer func() { endSpan(span, err) }()

	if meta.Session == nil {
		return "", core.ErrInvalidToken
	}
	return s.oauth.Begin(ctx, meta.Session.ID, provider, s.sessions.CeremonyExpiry(meta.Session))
}

// CompleteOAuth signs in the user behind a provider callback. Provider logins
// skip the second factor unless configured otherwise.
func (s *AuthService) CompleteOAuth(ctx context.Context, meta core.RequestMeta, input core.OAuthCallbackInput) (result *core.AuthResult, err error) {
	ctx, span := s.startSpan(ctx, "CompleteOAuth")
	span.SetAttributes(attribute.String("auth.provider", input.Provider))
	defer func() { endSpan(span, err) }()

	if meta.Session == nil {
		return nil, core.ErrInvalidOAuthState
	}
	user, err := s.oauth.Resolve(ctx, meta.Session.ID, input)
	if err != nil {
		return nil, err
	}
	return s.completeFirstFactor(ctx, meta, user, s.requireOAuthSecondFactor)
}

// ============================================
// TOTP
// ============================================

func (s *AuthService) SetupTOTP(ctx context.Context, meta core.RequestMeta) (setup *core.TOTPSetup, err error) {
	ctx, span := s.startSpan(ctx, "SetupTOTP")
	defer func() { endSpan(span, err) }()

	userID, err := principal(meta)
	if err != nil {
		return nil, err
	}
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.totp.Setup(ctx, user)
}

func (s *AuthService) EnableTOTP(ctx context.Context, meta core.RequestMeta, code string) (backupCodes []string, err error) {
	ctx, span := s.startSpan(ctx, "EnableTOTP")
	defer func() { endSpan(span, err) }()

	userID, err := principal(meta)
	if err != nil {
		return nil, err
	}
	return s.totp.Enable(ctx, userID, code)
}

func (s *AuthService) DisableTOTP(ctx context.Context, meta core.RequestMeta, code string) (err error) {
	ctx, span := s.startSpan(ctx, "DisableTOTP")
	defer func() { endSpan(span, err) }()

	userID, err := principal(meta)
	if err != nil {
		return err
	}
	return s.totp.Disable(ctx, userID, code)
}

func (s *AuthService) TOTPStatus(ctx context.Context, meta core.RequestMeta) (status *core.TOTPStatus, err error) {
	ctx, span := s.startSpan(ctx, "TOTPStatus")
	defer func() { endSpan(span, err) }()

	userID, err := principal(meta)
	if err != nil {
		return nil, err
	}
	return s.totp.Status(ctx, userID)
}

func (s *AuthService) RegenerateBackupCodes(ctx context.Context, meta core.RequestMeta, code string) (backupCodes []string, err error) {
	ctx, span := s.startSpan(ctx, "RegenerateBackupCodes")
	defer func() { endSpan(span, err) }()

	userID, err := principal(meta)
	if err != nil {
		return nil, err
	}
	return s.totp.Regenerate(ctx, userID, code)
}

// ============================================
// PASSKEYS
// ============================================

// BeginPasskeyRegistration starts enrolling a passkey. Users with a password
// must confirm it first.
func (s *AuthService) BeginPasskeyRegistration(ctx context.Context, meta core.RequestMeta, password string) (creation *protocol.CredentialCreation, err error) {
	ctx, span := s.startSpan(ctx, "BeginPasskeyRegistration")
	defer func() { endSpan(span, err) }()

	userID, err := principal(meta)
	if err != nil {
		return nil, err
	}
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	methods, err := s.store.GetAuthMethods(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sign in methods: %w", err)
	}
	if methods.RequiresPasswordConfirmation() {
		if password == "" {
			return nil, core.ErrPasswordRequired
		}
		credential, err := s.store.GetCredentialByUserID(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to load credential: %w", err)
		}
		if err := s.vault.Verify(ctx, userID, password, credential.PasswordHash); err != nil {
			return nil, err
		}
	}

	return s.passkeys.BeginRegistration(ctx, meta.Session.ID, user, s.sessions.CeremonyExpiry(meta.Session))
}

func (s *AuthService) FinishPasskeyRegistration(ctx context.Context, meta core.RequestMeta, name string, response []byte) (passkey *core.PasskeyCredential, err error) {
	ctx, span := s.startSpan(ctx, "FinishPasskeyRegistration")
	defer func() { endSpan(span, err) }()

	userID, err := principal(meta)
	if err != nil {
		return nil, err
	}
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.passkeys.FinishRegistration(ctx, meta.Session.ID, user, name, response)
}

func (s *AuthService) BeginPasskeyLogin(ctx context.Context, meta core.RequestMeta) (assertion *protocol.CredentialAssertion, err error) {
	ctx, span := s.startSpan(ctx, "BeginPasskeyLogin")
	defer func() { endSpan(span, err) }()

	if meta.Session == nil {
		return nil, core.ErrInvalidToken
	}
	return s.passkeys.BeginLogin(ctx, meta.Session.ID, s.sessions.CeremonyExpiry(meta.Session))
}

// FinishPasskeyLogin signs in the owner of a verified passkey. A passkey is
// already two factors, so no second factor is asked for.
func (s *AuthService) FinishPasskeyLogin(ctx context.Context, meta core.RequestMeta, response []byte) (result *core.AuthResult, err error) {
	ctx, span := s.startSpan(ctx, "FinishPasskeyLogin")
	defer func() { endSpan(span, err) }()

	if meta.Session == nil {
		return nil, core.ErrCeremonyNotFound
	}
	user, err := s.passkeys.FinishLogin(ctx, meta.Session.ID, response)
	if err != nil {
		return nil, err
	}
	return s.finalize(ctx, meta, user)
}

func (s *AuthService) ListPasskeys(ctx context.Context, meta core.RequestMeta) (passkeys []*core.PasskeyCredential, err error) {
	ctx, span := s.startSpan(ctx, "ListPasskeys")
	defer func() { endSpan(span, err) }()

	userID, err := principal(meta)
	if err != nil {
		return nil, err
	}
	return s.passkeys.List(ctx, userID)
}

func (s *AuthService) DeletePasskey(ctx context.Context, meta core.RequestMeta, id string) (err error) {
	ctx, span := s.startSpan(ctx, "DeletePasskey")
	defer func() { endSpan(span, err) }()

	userID, err := principal(meta)
	if err != nil {
		return err
	}
	return s.passkeys.Delete(ctx, userID, id)
}

// ============================================
// SESSION MANAGEMENT
// ============================================

func (s *AuthService) ListSessions(ctx context.Context, meta core.RequestMeta) (sessions []core.SessionInfo, err error) {
	ctx, span := s.startSpan(ctx, "ListSessions")
	defer func() { endSpan(span, err) }()

	userID, err := principal(meta)
	if err != nil {
		return nil, err
	}
	return s.tracker.List(ctx, userID, meta)
}

func (s *AuthService) RevokeSession(ctx context.Context, meta core.RequestMeta, id string) (err error) {
	ctx, span := s.startSpan(ctx, "RevokeSession")
	defer func() { endSpan(span, err) }()

	userID, err := principal(meta)
	if err != nil {
		return err
	}
	return s.tracker.Revoke(ctx, userID, id)
}

func (s *AuthService) RevokeOtherSessions(ctx context.Context, meta core.RequestMeta) (revoked int, err error) {
	ctx, span := s.startSpan(ctx, "RevokeOtherSessions")
	defer func() { endSpan(span, err) }()

	userID, err := principal(meta)
	if err != nil {
		return 0, err
	}
	return s.tracker.RevokeOthers(ctx, userID, meta.SessionID())
}

// ============================================
// HELPERS
// ============================================

func principal(meta core.RequestMeta) (string, error) {
	userID, ok := meta.Principal()
	if !ok {
		return "", core.ErrUnauthenticated
	}
	return userID, nil
}

func (s *AuthService) loadUser(ctx context.Context, userID string) (*core.User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, core.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(raw string) (string, error) {
	email := normalizeEmail(raw)
	if email == "" {
		return "", core.ErrEmailRequired
	}
	if len(email) > maxEmailLength {
		return "", core.ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", core.ErrInvalidEmail
	}
	_, domain, ok := strings.Cut(email, "@")
	if !ok || !strings.Contains(domain, ".") {
		return "", core.ErrInvalidEmail
	}
	return email, nil
}

func (s *AuthService) validatePassword(password string) error {
	switch n := len(password); {
	case n == 0:
		return core.ErrPasswordRequired
	case n < s.policy.MinPasswordLength:
		return core.ErrPasswordTooShort
	case n > s.policy.MaxPasswordLength:
		return core.ErrPasswordTooLong
	}
	return nil
}

func (s *AuthService) validateUsername(raw string) (string, error) {
	username := strings.ToLower(strings.TrimSpace(raw))
	if !usernamePattern.MatchString(username) {
		return "", core.ErrInvalidUsername
	}
	if _, reserved := s.reserved[username]; reserved {
		return "", core.ErrReservedUsername
	}
	return username, nil
}
