package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/lborres/gatekeep/core"
	"github.com/lborres/gatekeep/pkg/crypto"
)

const (
	minUsernameLength = 3
	maxUsernameLength = 32
	maxUsernameSuffix = 99

	maxDisplayNameLength = 64
)

type oauthCeremony struct {
	Provider  string `json:"provider"`
	StateHash string `json:"state_hash"`
	Verifier  string `json:"verifier"`
}

// OAuthResolver signs users in through external providers and maps provider
// accounts onto local users.
type OAuthResolver struct {
	providers map[string]*oauthProvider
	store     core.StorageAdapter
	sessions  core.SessionStore
	reserved  map[string]struct{}
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

func NewOAuthResolver(config core.OAuthConfig, policy core.PolicyConfig, store core.StorageAdapter, sessions core.SessionStore, logger *slog.Logger) *OAuthResolver {
	if logger == nil {
		logger = slog.Default()
	}
	client := &http.Client{Timeout: oauthRequestTimeout}
	return &OAuthResolver{
		providers: newOAuthProviders(config, client),
		store:     store,
		sessions:  sessions,
		reserved:  policy.ReservedSet(),
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

func (r *OAuthResolver) provider(name string) (*oauthProvider, error) {
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, core.ErrProviderUnavailable
	}
	return p, nil
}

// Begin records a fresh state and PKCE verifier on the session and returns the
// provider's consent URL.
func (r *OAuthResolver) Begin(ctx context.Context, sessionID, providerName string, expiresAt time.Time) (string, error) {
	p, err := r.provider(providerName)
	if err != nil {
		return "", err
	}

	state, err := crypto.GenerateHashedToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate oauth state: %w", err)
	}
	verifier := oauth2.GenerateVerifier()

	payload, err := json.Marshal(oauthCeremony{Provider: p.name, StateHash: state.Hash, Verifier: verifier})
	if err != nil {
		return "", fmt.Errorf("failed to encode oauth ceremony: %w", err)
	}
	if err := r.sessions.PutCeremony(ctx, sessionID, core.NewOAuthCeremony(payload, expiresAt)); err != nil {
		return "", fmt.Errorf("failed to store oauth ceremony: %w", err)
	}

	return p.authCodeURL(state.Token, verifier), nil
}

// Resolve completes the callback for sessionID and returns the local user for
// the provider account. The stored state is consumed on the first callback
// whatever its outcome.
func (r *OAuthResolver) Resolve(ctx context.Context, sessionID string, input core.OAuthCallbackInput) (*core.User, error) {
	p, err := r.provider(input.Provider)
	if err != nil {
		return nil, err
	}

	ceremony, err := r.sessions.TakeCeremony(ctx, sessionID, core.CeremonyOAuth)
	if err != nil {
		if errors.Is(err, core.ErrCeremonyNotFound) || errors.Is(err, core.ErrSessionNotFound) {
			return nil, core.ErrInvalidOAuthState
		}
		return nil, fmt.Errorf("failed to load oauth ceremony: %w", err)
	}

	var state oauthCeremony
	if err := json.Unmarshal(ceremony.Payload, &state); err != nil {
		return nil, core.ErrInvalidOAuthState
	}
	if state.Provider != p.name || input.State == "" || !crypto.EqualHashes(crypto.HashToken(input.State), state.StateHash) {
		return nil, core.ErrInvalidOAuthState
	}

	if input.Error != "" {
		r.logger.WarnContext(ctx, "oauth provider returned an error", "provider", p.name, "error", input.Error)
		return nil, core.ErrOAuthExchange
	}
	if input.Code == "" {
		return nil, core.ErrOAuthExchange
	}

	profile, err := p.profile(ctx, input.Code, state.Verifier)
	if err != nil {
		r.logger.WarnContext(ctx, "oauth profile fetch failed", "provider", p.name, "error", err)
		if errors.Is(err, errNoProviderEmail) {
			return nil, core.ErrOAuthEmailMissing
		}
		return nil, core.ErrOAuthExchange
	}

	user, err := r.resolveUser(ctx, p.name, profile)
	if errors.Is(err, core.ErrConflict) {
		// another callback created the same user or username first
		user, err = r.resolveUser(ctx, p.name, profile)
	}
	return user, err
}

// resolveUser finds the owner of the profile's email, first among local
// credentials, then among the links of every provider, and creates a
// password-less user when neither matches.
func (r *OAuthResolver) resolveUser(ctx context.Context, provider string, profile *oauthProfile) (*core.User, error) {
	email := strings.ToLower(strings.TrimSpace(profile.Email))

	credential, err := r.store.GetCredentialByEmail(ctx, email)
	switch {
	case err == nil:
		return r.loadUser(ctx, credential.UserID)
	case !errors.Is(err, core.ErrNotFound):
		return nil, fmt.Errorf("failed to look up credential: %w", err)
	}

	identity, err := r.store.GetExternalIdentityByEmail(ctx, email)
	switch {
	case err == nil:
		return r.loadUser(ctx, identity.UserID)
	case !errors.Is(err, core.ErrNotFound):
		return nil, fmt.Errorf("failed to look up identity: %w", err)
	}

	username, err := r.pickUsername(ctx, email, profile.Handle)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	user := &core.User{
		ID:          r.newID(),
		Username:    username,
		DisplayName: truncateRunes(firstNonEmpty(profile.Name, profile.Handle, username), maxDisplayNameLength),
		Role:        core.RoleUser,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if profile.AvatarURL != "" {
		avatar := profile.AvatarURL
		user.AvatarURL = &avatar
	}
	link := &core.ExternalIdentity{
		ID:        r.newID(),
		UserID:    user.ID,
		Provider:  provider,
		Email:     email,
		CreatedAt: now,
	}

	if err := r.store.CreateUserWithIdentity(ctx, user, link); err != nil {
		if errors.Is(err, core.ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (r *OAuthResolver) loadUser(ctx context.Context, userID string) (*core.User, error) {
	user, err := r.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

// pickUsername derives a username from the email local part, falling back to
// the provider handle. Taken or reserved names get the first free numeric suffix
// from 2 to 99.
func (r *OAuthResolver) pickUsername(ctx context.Context, email, handle string) (string, error) {
	local, _, _ := strings.Cut(email, "@")
	base := sanitizeUsername(local)
	if base == "" {
		base = sanitizeUsername(handle)
	}
	if base == "" {
		base = "user"
	}
	for len(base) < minUsernameLength {
		base += "_"
	}

	for n := 1; n <= maxUsernameSuffix; n++ {
		candidate := withSuffix(base, n)
		if _, reserved := r.reserved[candidate]; reserved {
			continue
		}
		exists, err := r.store.UsernameExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("failed to check username: %w", err)
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", core.ErrUsernameTaken
}

// sanitizeUsername lowercases s and keeps [a-z0-9_], turning anything else into
// underscores.
func sanitizeUsername(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > maxUsernameLength {
		out = out[:maxUsernameLength]
	}
	return out
}

// withSuffix returns base for n == 1 and base followed by n otherwise, trimming
// base so the result fits the username limit.
func withSuffix(base string, n int) string {
	if n == 1 {
		return base
	}
	suffix := strconv.Itoa(n)
	if len(base)+len(suffix) > maxUsernameLength {
		base = base[:maxUsernameLength-len(suffix)]
	}
	return base + suffix
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if v := strings.TrimSpace(value); v != "" {
			return v
		}
	}
	return ""
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
