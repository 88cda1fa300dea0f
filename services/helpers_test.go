package services

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/lborres/gatekeep/core"
	"github.com/lborres/gatekeep/pkg/cache"
	"github.com/lborres/gatekeep/pkg/crypto"
)

// cheap parameters keep the suite fast; the encoding is identical
func testHasher() *crypto.Argon2 {
	return &crypto.Argon2{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type testEnv struct {
	svc      *AuthService
	store    *FakeStorage
	sessions *cache.MemorySessionStore
	mailer   *FakeMailer
}

// newTestEnv builds an AuthService over fakes. modify may adjust the config
// before the service is built.
func newTestEnv(t *testing.T, modify ...func(*Config)) *testEnv {
	t.Helper()

	store := NewFakeStorage()
	sessions := cache.NewMemorySessionStore(cache.Config{})
	mailer := NewFakeMailer()

	config := Config{
		Session:          core.SessionConfig{MaxAge: time.Hour, CeremonyTTL: 5 * time.Minute},
		Passkey:          core.PasskeyConfig{RPID: "localhost", RPDisplayName: "Gatekeep", RPOrigins: []string{"http://localhost"}},
		PasswordHasher:   testHasher(),
		BackupCodeHasher: testHasher(),
		Mailer:           mailer,
		Logger:           discardLogger(),
	}
	for _, m := range modify {
		m(&config)
	}

	return &testEnv{
		svc:      NewAuthService(store, sessions, config),
		store:    store,
		sessions: sessions,
		mailer:   mailer,
	}
}

// anonymous starts a fresh session without a principal.
func (e *testEnv) anonymous(t *testing.T) core.RequestMeta {
	t.Helper()
	token, err := e.svc.StartSession(context.Background())
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	return core.RequestMeta{Session: token.Entry, IPAddress: "203.0.113.7", UserAgent: "test-agent"}
}

// signUp registers a user and returns it.
func (e *testEnv) signUp(t *testing.T, email, password, username string) *core.User {
	t.Helper()
	user, err := e.svc.SignUp(context.Background(), core.SignUpInput{Email: email, Password: password, Username: username})
	if err != nil {
		t.Fatalf("SignUp(%q) error = %v", email, err)
	}
	return user
}

// signIn completes a password login without a second factor and returns the
// caller's new request meta.
func (e *testEnv) signIn(t *testing.T, email, password string) (core.RequestMeta, *core.AuthResult) {
	t.Helper()
	meta := e.anonymous(t)
	result, err := e.svc.SignIn(context.Background(), meta, core.SignInInput{Email: email, Password: password})
	if err != nil {
		t.Fatalf("SignIn(%q) error = %v", email, err)
	}
	if result.SecondFactorRequired {
		t.Fatalf("SignIn(%q) unexpectedly requires a second factor", email)
	}
	return core.RequestMeta{Session: result.Session, IPAddress: meta.IPAddress, UserAgent: meta.UserAgent}, result
}

// enableTOTP runs setup and enable for the signed in caller and returns the
// secret and backup codes.
func (e *testEnv) enableTOTP(t *testing.T, meta core.RequestMeta) (string, []string) {
	t.Helper()
	ctx := context.Background()
	setup, err := e.svc.SetupTOTP(ctx, meta)
	if err != nil {
		t.Fatalf("SetupTOTP() error = %v", err)
	}
	codes, err := e.svc.EnableTOTP(ctx, meta, currentCode(t, setup.Secret))
	if err != nil {
		t.Fatalf("EnableTOTP() error = %v", err)
	}
	return setup.Secret, codes
}

func currentCode(t *testing.T, secret string) string {
	t.Helper()
	return codeAt(t, secret, time.Now().UTC())
}

func codeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totpValidateOpts)
	if err != nil {
		t.Fatalf("GenerateCodeCustom() error = %v", err)
	}
	return code
}

func assertErrorIs(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("error = %v, want %v", err, want)
	}
}
