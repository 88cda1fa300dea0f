package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lborres/gatekeep/core"
	"github.com/lborres/gatekeep/pkg/crypto"
)

// CredentialVault hashes and checks passwords. Callers only ever learn whether a
// password matched; malformed hashes and hashing faults are logged here and
// reported as ErrInvalidCredentials.
type CredentialVault struct {
	hasher crypto.PasswordHandler
	logger *slog.Logger

	absentMu   sync.Mutex
	absentHash string
}

const absentPassword = "gatekeep-absent-account"

func NewCredentialVault(hasher crypto.PasswordHandler, logger *slog.Logger) *CredentialVault {
	if hasher == nil {
		hasher = crypto.NewArgon2()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialVault{hasher: hasher, logger: logger}
}

func (v *CredentialVault) Hash(password string) (string, error) {
	hash, err := v.hasher.Hash(password)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return hash, nil
}

// Verify returns nil when password matches hash and ErrInvalidCredentials
// otherwise. userID is only used for logging.
func (v *CredentialVault) Verify(ctx context.Context, userID, password, hash string) error {
	ok, err := v.hasher.Verify(password, hash)
	if err != nil {
		if errors.Is(err, crypto.ErrMalformedHash) {
			v.logger.WarnContext(ctx, "stored password hash is unreadable", "user_id", userID, "error", err)
		} else {
			v.logger.ErrorContext(ctx, "password verification failed", "user_id", userID, "error", err)
		}
		return core.ErrInvalidCredentials
	}
	if !ok {
		return core.ErrInvalidCredentials
	}
	return nil
}

// VerifyAbsent spends the same work as Verify for a login whose account does not
// exist, then reports ErrInvalidCredentials.
func (v *CredentialVault) VerifyAbsent(ctx context.Context, password string) error {
	if hash := v.loadAbsentHash(ctx); hash != "" {
		_, _ = v.hasher.Verify(password, hash)
	}
	return core.ErrInvalidCredentials
}

// loadAbsentHash returns the hash missing accounts are checked against. A
// failed hash is logged and attempted again on the next call.
func (v *CredentialVault) loadAbsentHash(ctx context.Context) string {
	v.absentMu.Lock()
	defer v.absentMu.Unlock()

	if v.absentHash == "" {
		hash, err := v.hasher.Hash(absentPassword)
		if err != nil {
			v.logger.ErrorContext(ctx, "failed to hash absent account password", "error", err)
			return ""
		}
		v.absentHash = hash
	}
	return v.absentHash
}
