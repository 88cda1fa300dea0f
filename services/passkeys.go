package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/lborres/gatekeep/core"
)

const (
	DefaultPasskeyName   = "Passkey"
	MaxPasskeyNameLength = 64
)

type passkeyProvider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error)
}

type passkeyParser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultPasskeyParser struct{}

func (defaultPasskeyParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultPasskeyParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// PasskeyCoordinator runs WebAuthn registration and discoverable login. Ceremony
// state lives in the caller's session, one slot per ceremony kind.
type PasskeyCoordinator struct {
	store    core.PasskeyStorage
	users    core.UserStorage
	sessions core.SessionStore
	provider passkeyProvider
	parser   passkeyParser
	initErr  error
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewPasskeyCoordinator builds a coordinator for the configured relying party. A
// bad relying party configuration does not fail construction; every ceremony
// reports ErrPasskeyUnavailable instead.
func NewPasskeyCoordinator(config core.PasskeyConfig, store core.PasskeyStorage, users core.UserStorage, sessions core.SessionStore, logger *slog.Logger) *PasskeyCoordinator {
	if logger == nil {
		logger = slog.Default()
	}

	webAuthn, err := webauthn.New(&webauthn.Config{
		RPID:          config.RPID,
		RPDisplayName: config.RPDisplayName,
		RPOrigins:     config.RPOrigins,
	})
	if err != nil {
		logger.Error("passkeys disabled: invalid relying party configuration", "rp_id", config.RPID, "error", err)
	}

	c := &PasskeyCoordinator{
		store:    store,
		users:    users,
		sessions: sessions,
		parser:   defaultPasskeyParser{},
		initErr:  err,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	if err == nil {
		c.provider = webAuthn
	}
	return c
}

func (c *PasskeyCoordinator) ready() error {
	if c.initErr != nil || c.provider == nil || c.parser == nil {
		return core.ErrPasskeyUnavailable
	}
	return nil
}

// BeginRegistration starts enrolling a new passkey for user. Credentials the user
// already holds are excluded so an authenticator cannot register twice.
func (c *PasskeyCoordinator) BeginRegistration(ctx context.Context, sessionID string, user *core.User, expiresAt time.Time) (*protocol.CredentialCreation, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	pu, err := c.loadUser(ctx, user)
	if err != nil {
		return nil, err
	}

	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(pu.credentials) > 0 {
		exclusions := make([]protocol.CredentialDescriptor, 0, len(pu.credentials))
		for _, credential := range pu.credentials {
			exclusions = append(exclusions, credential.Descriptor())
		}
		options = append(options, webauthn.WithExclusions(exclusions))
	}

	creation, session, err := c.provider.BeginRegistration(pu, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to begin passkey registration: %w", err)
	}
	if err := c.putCeremony(ctx, sessionID, session, func(payload []byte) core.PendingCeremony {
		return core.NewRegistrationCeremony(user.ID, payload, expiresAt)
	}); err != nil {
		return nil, err
	}
	return creation, nil
}

// FinishRegistration verifies the authenticator's reply and stores the new
// credential. The ceremony is consumed whether or not the reply verifies, and
// only a storage fault puts it back.
func (c *PasskeyCoordinator) FinishRegistration(ctx context.Context, sessionID string, user *core.User, name string, response []byte) (_ *core.PasskeyCredential, err error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	name, err = normalizePasskeyName(name)
	if err != nil {
		return nil, err
	}
	if len(response) == 0 {
		return nil, core.ErrInvalidPasskeyReply
	}

	ceremony, err := c.take(ctx, sessionID, core.CeremonyRegistration)
	if err != nil {
		return nil, err
	}
	if ceremony.UserID != user.ID {
		return nil, core.ErrCeremonyNotFound
	}
	data, err := decodeSessionData(ceremony.Payload)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			restoreCeremony(ctx, c.sessions, c.logger, sessionID, ceremony, err)
		}
	}()

	pu, err := c.loadUser(ctx, user)
	if err != nil {
		return nil, err
	}

	parsed, err := c.parser.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		c.logger.WarnContext(ctx, "passkey registration reply unreadable", "user_id", user.ID, "error", err)
		return nil, core.ErrPasskeyRejected
	}
	credential, err := c.provider.CreateCredential(pu, data, parsed)
	if err != nil {
		c.logger.WarnContext(ctx, "passkey registration rejected", "user_id", user.ID, "error", err)
		return nil, core.ErrPasskeyRejected
	}

	encoded, err := json.Marshal(credential)
	if err != nil {
		return nil, fmt.Errorf("failed to encode passkey: %w", err)
	}

	passkey := &core.PasskeyCredential{
		ID:           c.newID(),
		UserID:       user.ID,
		CredentialID: credential.ID,
		Credential:   encoded,
		SignCount:    credential.Authenticator.SignCount,
		Name:         name,
		CreatedAt:    c.now().UTC(),
	}
	if err := c.store.CreatePasskey(ctx, passkey); err != nil {
		if errors.Is(err, core.ErrPasskeyExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to store passkey: %w", err)
	}
	return passkey, nil
}

// BeginLogin starts a discoverable login offering every registered credential.
func (c *PasskeyCoordinator) BeginLogin(ctx context.Context, sessionID string, expiresAt time.Time) (*protocol.CredentialAssertion, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	all, err := c.store.ListAllPasskeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list passkeys: %w", err)
	}
	if len(all) == 0 {
		return nil, core.ErrNoPasskeys
	}

	allowed := make([]protocol.CredentialDescriptor, 0, len(all))
	for _, p := range all {
		credential, err := decodeCredential(p)
		if err != nil {
			c.logger.WarnContext(ctx, "skipping unreadable passkey", "passkey_id", p.ID, "error", err)
			continue
		}
		allowed = append(allowed, credential.Descriptor())
	}

	assertion, session, err := c.provider.BeginDiscoverableLogin(webauthn.WithAllowedCredentials(allowed))
	if err != nil {
		return nil, fmt.Errorf("failed to begin passkey login: %w", err)
	}
	if err := c.putCeremony(ctx, sessionID, session, func(payload []byte) core.PendingCeremony {
		return core.NewAuthenticationCeremony(payload, expiresAt)
	}); err != nil {
		return nil, err
	}
	return assertion, nil
}

// FinishLogin verifies an assertion and returns the credential's owner. Only an
// assertion whose counter advanced, or that reports zero against a stored zero, is
// accepted, and the counter write only lands if no other login moved it first.
// A storage fault puts the ceremony back for a retry.
func (c *PasskeyCoordinator) FinishLogin(ctx context.Context, sessionID string, response []byte) (_ *core.User, err error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if len(response) == 0 {
		return nil, core.ErrInvalidPasskeyReply
	}

	ceremony, err := c.take(ctx, sessionID, core.CeremonyAuthentication)
	if err != nil {
		return nil, err
	}
	data, err := decodeSessionData(ceremony.Payload)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			restoreCeremony(ctx, c.sessions, c.logger, sessionID, ceremony, err)
		}
	}()

	parsed, err := c.parser.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		c.logger.WarnContext(ctx, "passkey assertion unreadable", "error", err)
		return nil, core.ErrPasskeyRejected
	}

	stored, err := c.store.GetPasskeyByCredentialID(ctx, parsed.RawID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, core.ErrPasskeyRejected
		}
		return nil, fmt.Errorf("failed to load passkey: %w", err)
	}
	owner, err := c.users.GetUserByID(ctx, stored.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load passkey owner: %w", err)
	}
	credential, err := decodeCredential(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to decode passkey %s: %w", stored.ID, err)
	}

	pu := &passkeyUser{user: owner, credentials: []webauthn.Credential{credential}}
	handler := func(rawID, userHandle []byte) (webauthn.User, error) {
		if !bytes.Equal(rawID, stored.CredentialID) || !bytes.Equal(userHandle, pu.WebAuthnID()) {
			return nil, errors.New("credential does not belong to user handle")
		}
		return pu, nil
	}

	_, validated, err := c.provider.ValidatePasskeyLogin(handler, data, parsed)
	if err != nil {
		c.logger.WarnContext(ctx, "passkey assertion rejected", "passkey_id", stored.ID, "error", err)
		return nil, core.ErrPasskeyRejected
	}

	next := validated.Authenticator.SignCount
	if validated.Authenticator.CloneWarning || !counterAdvanced(stored.SignCount, next) {
		c.logger.WarnContext(ctx, "passkey counter did not advance", "passkey_id", stored.ID, "stored", stored.SignCount, "received", next)
		return nil, core.ErrPasskeyRejected
	}

	encoded, err := json.Marshal(validated)
	if err != nil {
		return nil, fmt.Errorf("failed to encode passkey: %w", err)
	}
	updated, err := c.store.UpdatePasskeyUsage(ctx, stored.ID, encoded, stored.SignCount, next, c.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to update passkey: %w", err)
	}
	if !updated {
		return nil, core.ErrPasskeyRejected
	}
	return owner, nil
}

func (c *PasskeyCoordinator) List(ctx context.Context, userID string) ([]*core.PasskeyCredential, error) {
	passkeys, err := c.store.ListPasskeysByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list passkeys: %w", err)
	}
	return passkeys, nil
}

// Delete removes one of the user's passkeys. Passkeys of other users read as not
// found.
func (c *PasskeyCoordinator) Delete(ctx context.Context, userID, id string) error {
	if err := c.store.DeletePasskey(ctx, userID, id); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return core.ErrPasskeyNotFound
		}
		return fmt.Errorf("failed to delete passkey: %w", err)
	}
	return nil
}

func counterAdvanced(stored, received uint32) bool {
	return received > stored || (received == 0 && stored == 0)
}

func normalizePasskeyName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultPasskeyName, nil
	}
	if utf8.RuneCountInString(name) > MaxPasskeyNameLength {
		return "", core.ErrPasskeyNameTooLong
	}
	return name, nil
}

func (c *PasskeyCoordinator) putCeremony(ctx context.Context, sessionID string, session *webauthn.SessionData, build func([]byte) core.PendingCeremony) error {
	if session == nil {
		return errors.New("webauthn returned no session data")
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode passkey ceremony: %w", err)
	}
	if err := c.sessions.PutCeremony(ctx, sessionID, build(payload)); err != nil {
		return fmt.Errorf("failed to store passkey ceremony: %w", err)
	}
	return nil
}

func (c *PasskeyCoordinator) take(ctx context.Context, sessionID string, kind core.CeremonyKind) (*core.PendingCeremony, error) {
	ceremony, err := c.sessions.TakeCeremony(ctx, sessionID, kind)
	if err != nil {
		if errors.Is(err, core.ErrCeremonyNotFound) || errors.Is(err, core.ErrSessionNotFound) {
			return nil, core.ErrCeremonyNotFound
		}
		return nil, fmt.Errorf("failed to load passkey ceremony: %w", err)
	}
	return ceremony, nil
}

func decodeSessionData(payload []byte) (webauthn.SessionData, error) {
	var data webauthn.SessionData
	if err := json.Unmarshal(payload, &data); err != nil {
		return webauthn.SessionData{}, fmt.Errorf("failed to decode passkey ceremony: %w", err)
	}
	return data, nil
}

func decodeCredential(p *core.PasskeyCredential) (webauthn.Credential, error) {
	var credential webauthn.Credential
	if err := json.Unmarshal(p.Credential, &credential); err != nil {
		return webauthn.Credential{}, err
	}
	return credential, nil
}

func (c *PasskeyCoordinator) loadUser(ctx context.Context, user *core.User) (*passkeyUser, error) {
	stored, err := c.store.ListPasskeysByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list passkeys: %w", err)
	}
	credentials := make([]webauthn.Credential, 0, len(stored))
	for _, p := range stored {
		credential, err := decodeCredential(p)
		if err != nil {
			return nil, fmt.Errorf("failed to decode passkey %s: %w", p.ID, err)
		}
		credentials = append(credentials, credential)
	}
	return &passkeyUser{user: user, credentials: credentials}, nil
}

type passkeyUser struct {
	user        *core.User
	credentials []webauthn.Credential
}

func (u *passkeyUser) WebAuthnID() []byte {
	return []byte(u.user.ID)
}

func (u *passkeyUser) WebAuthnName() string {
	return u.user.Username
}

func (u *passkeyUser) WebAuthnDisplayName() string {
	if u.user.DisplayName != "" {
		return u.user.DisplayName
	}
	return u.user.Username
}

func (u *passkeyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}
