package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/lborres/gatekeep/core"
	"github.com/lborres/gatekeep/pkg/crypto"
)

const (
	totpPeriod     = 30
	totpSkew       = 1
	totpSecretSize = 20
	totpQRSize     = 200
)

var totpValidateOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Skew:      totpSkew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// SecondFactorVerifier manages authenticator app secrets and the backup codes
// issued alongside them.
type SecondFactorVerifier struct {
	store  core.TOTPStorage
	hasher crypto.PasswordHandler
	codes  *crypto.BackupCodeGenerator
	issuer string
	logger *slog.Logger
	now    func() time.Time
}

// NewSecondFactorVerifier builds a verifier. hasher is used for backup codes; nil
// selects crypto.NewBackupCodeArgon2.
func NewSecondFactorVerifier(store core.TOTPStorage, config core.TOTPConfig, hasher crypto.PasswordHandler, logger *slog.Logger) *SecondFactorVerifier {
	if config.Issuer == "" {
		config.Issuer = core.DefaultTOTPIssuer
	}
	if hasher == nil {
		hasher = crypto.NewBackupCodeArgon2()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SecondFactorVerifier{
		store:  store,
		hasher: hasher,
		codes:  crypto.NewBackupCodeGenerator(),
		issuer: config.Issuer,
		logger: logger,
		now:    time.Now,
	}
}

// Setup generates a new pending secret for user, replacing any earlier pending
// one.
func (v *SecondFactorVerifier) Setup(ctx context.Context, user *core.User) (*core.TOTPSetup, error) {
	current, err := v.load(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if current.State() == core.TOTPEnabled {
		return nil, core.ErrTOTPAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: user.Username,
		Period:      totpPeriod,
		SecretSize:  totpSecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp secret: %w", err)
	}

	qr, err := qrDataURL(key)
	if err != nil {
		return nil, err
	}

	if err := v.store.PutPendingTOTP(ctx, user.ID, key.Secret()); err != nil {
		return nil, fmt.Errorf("failed to store totp secret: %w", err)
	}

	return &core.TOTPSetup{Secret: key.Secret(), URI: key.URL(), QRCode: qr}, nil
}

func qrDataURL(key *otp.Key) (string, error) {
	img, err := key.Image(totpQRSize, totpQRSize)
	if err != nil {
		return "", fmt.Errorf("failed to render qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("failed to encode qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Enable turns on the pending secret after the user proves they hold it, and
// returns a fresh batch of backup codes. The codes are only ever shown here.
func (v *SecondFactorVerifier) Enable(ctx context.Context, userID, code string) ([]string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, core.ErrCodeRequired
	}

	secret, err := v.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	switch secret.State() {
	case core.TOTPDisabled:
		return nil, core.ErrTOTPNotPending
	case core.TOTPEnabled:
		return nil, core.ErrTOTPAlreadyEnabled
	}

	if !v.validate(ctx, userID, secret.Secret, code) {
		return nil, core.ErrInvalidCode
	}

	codes, hashes, err := v.newBatch()
	if err != nil {
		return nil, err
	}
	if err := v.store.EnableTOTP(ctx, userID, hashes); err != nil {
		return nil, fmt.Errorf("failed to enable totp: %w", err)
	}
	return codes, nil
}

// Disable removes the secret and every backup code. Only an authenticator code
// is accepted.
func (v *SecondFactorVerifier) Disable(ctx context.Context, userID, code string) error {
	secret, err := v.requireEnabled(ctx, userID, code)
	if err != nil {
		return err
	}
	if !v.validate(ctx, userID, secret.Secret, code) {
		return core.ErrInvalidCode
	}
	if err := v.store.DeleteTOTP(ctx, userID); err != nil {
		return fmt.Errorf("failed to disable totp: %w", err)
	}
	return nil
}

// Regenerate replaces the backup code batch after an authenticator code check.
func (v *SecondFactorVerifier) Regenerate(ctx context.Context, userID, code string) ([]string, error) {
	secret, err := v.requireEnabled(ctx, userID, code)
	if err != nil {
		return nil, err
	}
	if !v.validate(ctx, userID, secret.Secret, code) {
		return nil, core.ErrInvalidCode
	}

	codes, hashes, err := v.newBatch()
	if err != nil {
		return nil, err
	}
	if err := v.store.ReplaceBackupCodes(ctx, userID, hashes); err != nil {
		return nil, fmt.Errorf("failed to replace backup codes: %w", err)
	}
	return codes, nil
}

// Verify checks a login code. Six digit codes are tried against the
// authenticator first; anything else, or a six digit code that fails, is tried
// as a backup code. A backup code is consumed by the first caller to claim it.
func (v *SecondFactorVerifier) Verify(ctx context.Context, userID, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return core.ErrCodeRequired
	}

	secret, err := v.load(ctx, userID)
	if err != nil {
		return err
	}
	if secret.State() != core.TOTPEnabled {
		return core.ErrTOTPNotEnabled
	}

	if isTOTPCode(code) && v.validate(ctx, userID, secret.Secret, code) {
		return nil
	}

	normalized := crypto.NormalizeBackupCode(code)
	if normalized == "" {
		return core.ErrInvalidSecondCode
	}

	candidates, err := v.store.ListUnusedBackupCodes(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list backup codes: %w", err)
	}
	for _, candidate := range candidates {
		ok, err := v.hasher.Verify(normalized, candidate.CodeHash)
		if err != nil {
			v.logger.WarnContext(ctx, "stored backup code hash is unreadable", "user_id", userID, "code_id", candidate.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		won, err := v.store.ConsumeBackupCode(ctx, candidate.ID, v.now().UTC())
		if err != nil {
			return fmt.Errorf("failed to consume backup code: %w", err)
		}
		if !won {
			return core.ErrInvalidSecondCode
		}
		return nil
	}
	return core.ErrInvalidSecondCode
}

// Status reports the user's second factor state.
func (v *SecondFactorVerifier) Status(ctx context.Context, userID string) (*core.TOTPStatus, error) {
	secret, err := v.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	status := &core.TOTPStatus{State: secret.State()}
	if status.State != core.TOTPEnabled {
		return status, nil
	}
	status.Enabled = true
	status.BackupCodesRemaining, err = v.store.CountUnusedBackupCodes(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count backup codes: %w", err)
	}
	return status, nil
}

func (v *SecondFactorVerifier) Enabled(ctx context.Context, userID string) (bool, error) {
	secret, err := v.load(ctx, userID)
	if err != nil {
		return false, err
	}
	return secret.State() == core.TOTPEnabled, nil
}

// load returns the stored secret, or nil when the user has none.
func (v *SecondFactorVerifier) load(ctx context.Context, userID string) (*core.TOTPSecret, error) {
	secret, err := v.store.GetTOTP(ctx, userID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load totp secret: %w", err)
	}
	return secret, nil
}

func (v *SecondFactorVerifier) requireEnabled(ctx context.Context, userID, code string) (*core.TOTPSecret, error) {
	if strings.TrimSpace(code) == "" {
		return nil, core.ErrCodeRequired
	}
	secret, err := v.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if secret.State() != core.TOTPEnabled {
		return nil, core.ErrTOTPNotEnabled
	}
	return secret, nil
}

func (v *SecondFactorVerifier) validate(ctx context.Context, userID, secret, code string) bool {
	code = strings.TrimSpace(code)
	if !isTOTPCode(code) {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, v.now().UTC(), totpValidateOpts)
	if err != nil {
		v.logger.WarnContext(ctx, "totp validation failed", "user_id", userID, "error", err)
		return false
	}
	return ok
}

func (v *SecondFactorVerifier) newBatch() ([]string, []string, error) {
	codes, err := v.codes.Generate(crypto.BackupCodeCount)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate backup codes: %w", err)
	}
	hashes := make([]string, len(codes))
	for i, code := range codes {
		hashes[i], err = v.hasher.Hash(code)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to hash backup code: %w", err)
		}
	}
	return codes, hashes, nil
}

func isTOTPCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
