package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/lborres/gatekeep/core"
	"github.com/lborres/gatekeep/pkg/crypto"
)

func newTestVerifier() (*SecondFactorVerifier, *FakeStorage) {
	store := NewFakeStorage()
	return NewSecondFactorVerifier(store, core.TOTPConfig{}, testHasher(), discardLogger()), store
}

var totpUser = &core.User{ID: "user-1", Username: "alice"}

// enrolled runs Setup and Enable and returns the secret and backup codes.
func enrolled(t *testing.T, v *SecondFactorVerifier) (string, []string) {
	t.Helper()
	ctx := context.Background()
	setup, err := v.Setup(ctx, totpUser)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	codes, err := v.Enable(ctx, totpUser.ID, currentCode(t, setup.Secret))
	if err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	return setup.Secret, codes
}

// Requirement: Setup returns a secret, an otpauth URI naming the issuer and
// account, and a PNG data URL, and leaves the secret pending.
func TestSecondFactorVerifier_Setup(t *testing.T) {
	// Arrange
	ctx := context.Background()
	v, store := newTestVerifier()

	// Act
	setup, err := v.Setup(ctx, totpUser)

	// Assert
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if setup.Secret == "" {
		t.Error("Setup() should return the secret")
	}
	if !strings.HasPrefix(setup.URI, "otpauth://totp/") || !strings.Contains(setup.URI, "issuer=Praxis") || !strings.Contains(setup.URI, "alice") {
		t.Errorf("URI = %q, want an otpauth URI for Praxis:alice", setup.URI)
	}
	if !strings.HasPrefix(setup.QRCode, "data:image/png;base64,") {
		t.Errorf("QRCode should be a PNG data URL, got %.40q", setup.QRCode)
	}
	secret, err := store.GetTOTP(ctx, totpUser.ID)
	if err != nil {
		t.Fatalf("GetTOTP() error = %v", err)
	}
	if secret.State() != core.TOTPPendingEnable {
		t.Errorf("state = %q, want %q", secret.State(), core.TOTPPendingEnable)
	}
}

// Requirement: a second Setup replaces the pending secret.
func TestSecondFactorVerifier_SetupReplacesPending(t *testing.T) {
	ctx := context.Background()
	v, store := newTestVerifier()

	first, err := v.Setup(ctx, totpUser)
	if err != nil {
		t.Fatal(err)
	}
	second, err := v.Setup(ctx, totpUser)
	if err != nil {
		t.Fatal(err)
	}
	stored, _ := store.GetTOTP(ctx, totpUser.ID)
	if first.Secret == second.Secret || stored.Secret != second.Secret {
		t.Error("the latest setup should be the pending secret")
	}
}

// Requirement: Enable only succeeds from the pending state with a valid code.
func TestSecondFactorVerifier_Enable(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		setup   func(t *testing.T, v *SecondFactorVerifier) string
		wantErr error
	}{
		{
			name: "valid code",
			setup: func(t *testing.T, v *SecondFactorVerifier) string {
				s, err := v.Setup(ctx, totpUser)
				if err != nil {
					t.Fatal(err)
				}
				return currentCode(t, s.Secret)
			},
		},
		{
			name: "wrong code",
			setup: func(t *testing.T, v *SecondFactorVerifier) string {
				s, err := v.Setup(ctx, totpUser)
				if err != nil {
					t.Fatal(err)
				}
				return codeAt(t, s.Secret, time.Now().Add(-time.Hour))
			},
			wantErr: core.ErrInvalidCode,
		},
		{
			name:    "empty code",
			setup:   func(*testing.T, *SecondFactorVerifier) string { return "  " },
			wantErr: core.ErrCodeRequired,
		},
		{
			name:    "no setup",
			setup:   func(*testing.T, *SecondFactorVerifier) string { return "123456" },
			wantErr: core.ErrTOTPNotPending,
		},
		{
			name: "already enabled",
			setup: func(t *testing.T, v *SecondFactorVerifier) string {
				secret, _ := enrolled(t, v)
				return currentCode(t, secret)
			},
			wantErr: core.ErrTOTPAlreadyEnabled,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Arrange
			v, store := newTestVerifier()
			code := test.setup(t, v)

			// Act
			codes, err := v.Enable(ctx, totpUser.ID, code)

			// Assert
			if test.wantErr != nil {
				assertErrorIs(t, err, test.wantErr)
				return
			}
			if err != nil {
				t.Fatalf("Enable() error = %v", err)
			}
			if len(codes) != crypto.BackupCodeCount {
				t.Fatalf("Enable() returned %d codes, want %d", len(codes), crypto.BackupCodeCount)
			}
			for _, c := range codes {
				if len(c) != crypto.BackupCodeLength {
					t.Errorf("backup code %q has length %d", c, len(c))
				}
			}
			stored, _ := store.ListUnusedBackupCodes(ctx, totpUser.ID)
			for _, s := range stored {
				for _, c := range codes {
					if s.CodeHash == c {
						t.Fatal("backup codes must be stored hashed")
					}
				}
			}
		})
	}
}

// Requirement: Verify accepts the current authenticator code and single-use
// backup codes in any case or grouping.
func TestSecondFactorVerifier_Verify(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVerifier()
	secret, codes := enrolled(t, v)

	t.Run("authenticator code", func(t *testing.T) {
		if err := v.Verify(ctx, totpUser.ID, currentCode(t, secret)); err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
	})

	t.Run("stale authenticator code", func(t *testing.T) {
		err := v.Verify(ctx, totpUser.ID, codeAt(t, secret, time.Now().Add(-time.Hour)))
		assertErrorIs(t, err, core.ErrInvalidSecondCode)
	})

	t.Run("backup code is single use", func(t *testing.T) {
		formatted := strings.ToLower(codes[0][:4] + "-" + codes[0][4:])
		if err := v.Verify(ctx, totpUser.ID, formatted); err != nil {
			t.Fatalf("Verify() with backup code error = %v", err)
		}
		assertErrorIs(t, v.Verify(ctx, totpUser.ID, codes[0]), core.ErrInvalidSecondCode)
	})

	t.Run("garbage", func(t *testing.T) {
		assertErrorIs(t, v.Verify(ctx, totpUser.ID, "not a code!"), core.ErrInvalidSecondCode)
	})

	t.Run("empty", func(t *testing.T) {
		assertErrorIs(t, v.Verify(ctx, totpUser.ID, ""), core.ErrCodeRequired)
	})

	t.Run("user without totp", func(t *testing.T) {
		assertErrorIs(t, v.Verify(ctx, "someone-else", "123456"), core.ErrTOTPNotEnabled)
	})
}

// Requirement: Status counts the unused backup codes of an enabled user.
func TestSecondFactorVerifier_Status(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVerifier()

	status, err := v.Status(ctx, totpUser.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.State != core.TOTPDisabled || status.Enabled {
		t.Errorf("Status() = %+v, want disabled", status)
	}

	_, codes := enrolled(t, v)
	if err := v.Verify(ctx, totpUser.ID, codes[3]); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	status, err = v.Status(ctx, totpUser.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !status.Enabled || status.BackupCodesRemaining != crypto.BackupCodeCount-1 {
		t.Errorf("Status() = %+v, want enabled with %d codes", status, crypto.BackupCodeCount-1)
	}
}

// Requirement: Disable and Regenerate need a valid authenticator code; backup
// codes are not accepted for them.
func TestSecondFactorVerifier_DisableAndRegenerate(t *testing.T) {
	ctx := context.Background()

	t.Run("regenerate replaces the batch", func(t *testing.T) {
		v, _ := newTestVerifier()
		secret, old := enrolled(t, v)

		assertErrorIs(t, func() error { _, err := v.Regenerate(ctx, totpUser.ID, old[0]); return err }(), core.ErrInvalidCode)

		fresh, err := v.Regenerate(ctx, totpUser.ID, currentCode(t, secret))
		if err != nil {
			t.Fatalf("Regenerate() error = %v", err)
		}
		if len(fresh) != crypto.BackupCodeCount {
			t.Fatalf("Regenerate() returned %d codes", len(fresh))
		}
		assertErrorIs(t, v.Verify(ctx, totpUser.ID, old[1]), core.ErrInvalidSecondCode)
		if err := v.Verify(ctx, totpUser.ID, fresh[0]); err != nil {
			t.Errorf("fresh code should verify: %v", err)
		}
	})

	t.Run("disable removes secret and codes", func(t *testing.T) {
		v, store := newTestVerifier()
		secret, _ := enrolled(t, v)

		assertErrorIs(t, v.Disable(ctx, totpUser.ID, codeAt(t, secret, time.Now().Add(-time.Hour))), core.ErrInvalidCode)

		if err := v.Disable(ctx, totpUser.ID, currentCode(t, secret)); err != nil {
			t.Fatalf("Disable() error = %v", err)
		}
		if enabled, _ := v.Enabled(ctx, totpUser.ID); enabled {
			t.Error("TOTP should be disabled")
		}
		if n, _ := store.CountUnusedBackupCodes(ctx, totpUser.ID); n != 0 {
			t.Errorf("backup codes left = %d, want 0", n)
		}
	})

	t.Run("not enabled", func(t *testing.T) {
		v, _ := newTestVerifier()
		assertErrorIs(t, v.Disable(ctx, totpUser.ID, "123456"), core.ErrTOTPNotEnabled)
		_, err := v.Regenerate(ctx, totpUser.ID, "")
		assertErrorIs(t, err, core.ErrCodeRequired)
	})

	t.Run("setup while enabled", func(t *testing.T) {
		v, _ := newTestVerifier()
		enrolled(t, v)
		_, err := v.Setup(ctx, totpUser)
		assertErrorIs(t, err, core.ErrTOTPAlreadyEnabled)
	})
}
