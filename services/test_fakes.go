package services

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lborres/gatekeep/core"
)

// FakeStorage is a test-only fake implementing core.StorageAdapter.
// It keeps rows in maps and exposes error fields for behavior injection.
type FakeStorage struct {
	mu sync.RWMutex

	users       map[string]*core.User
	credentials map[string]*core.LocalCredential // by user id
	identities  map[string]*core.ExternalIdentity
	totp        map[string]*core.TOTPSecret // by user id
	backupCodes map[string]*core.BackupCode
	passkeys    map[string]*core.PasskeyCredential
	records     map[string]*core.SessionRecord

	createUserErr    error
	getUserErr       error
	createPasskeyErr error
	upsertRecordErr  error
	listRecordsErr   error
}

var _ core.StorageAdapter = (*FakeStorage)(nil)

func NewFakeStorage() *FakeStorage {
	return &FakeStorage{
		users:       make(map[string]*core.User),
		credentials: make(map[string]*core.LocalCredential),
		identities:  make(map[string]*core.ExternalIdentity),
		totp:        make(map[string]*core.TOTPSecret),
		backupCodes: make(map[string]*core.BackupCode),
		passkeys:    make(map[string]*core.PasskeyCredential),
		records:     make(map[string]*core.SessionRecord),
	}
}

// ============================================
// USERS
// ============================================

func (f *FakeStorage) usernameTakenLocked(username string) bool {
	for _, u := range f.users {
		if u.Username == username {
			return true
		}
	}
	return false
}

// emailTakenLocked reports whether a credential or identity belonging to a
// user other than userID holds email.
func (f *FakeStorage) emailTakenLocked(email, userID string) bool {
	for _, c := range f.credentials {
		if c.Email == email && c.UserID != userID {
			return true
		}
	}
	for _, id := range f.identities {
		if id.Email == email && id.UserID != userID {
			return true
		}
	}
	return false
}

func (f *FakeStorage) putUserLocked(u *core.User) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
		u.UpdatedAt = u.CreatedAt
	}
	copied := *u
	f.users[u.ID] = &copied
}

func (f *FakeStorage) CreateUserWithCredential(_ context.Context, u *core.User, c *core.LocalCredential) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createUserErr != nil {
		return f.createUserErr
	}
	if f.emailTakenLocked(c.Email, u.ID) {
		return core.ErrEmailTaken
	}
	if f.usernameTakenLocked(u.Username) {
		return core.ErrUsernameTaken
	}

	f.putUserLocked(u)
	c.UserID = u.ID
	copied := *c
	f.credentials[u.ID] = &copied
	return nil
}

func (f *FakeStorage) CreateUserWithIdentity(_ context.Context, u *core.User, id *core.ExternalIdentity) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createUserErr != nil {
		return f.createUserErr
	}
	if f.emailTakenLocked(id.Email, u.ID) {
		return core.ErrEmailTaken
	}
	if f.usernameTakenLocked(u.Username) {
		return core.ErrUsernameTaken
	}

	f.putUserLocked(u)
	if id.ID == "" {
		id.ID = uuid.NewString()
	}
	id.UserID = u.ID
	copied := *id
	f.identities[id.ID] = &copied
	return nil
}

func (f *FakeStorage) GetUserByID(_ context.Context, id string) (*core.User, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.getUserErr != nil {
		return nil, f.getUserErr
	}
	u, ok := f.users[id]
	if !ok {
		return nil, core.ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (f *FakeStorage) UsernameExists(_ context.Context, username string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.usernameTakenLocked(username), nil
}

func (f *FakeStorage) GetAuthMethods(_ context.Context, userID string) (core.AuthMethods, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var methods core.AuthMethods
	if c, ok := f.credentials[userID]; ok && c.PasswordHash != "" {
		methods |= core.MethodPassword
	}
	for _, id := range f.identities {
		if id.UserID == userID {
			methods |= core.MethodOAuth
			break
		}
	}
	for _, p := range f.passkeys {
		if p.UserID == userID {
			methods |= core.MethodPasskey
			break
		}
	}
	return methods, nil
}

// ============================================
// CREDENTIALS
// ============================================

func (f *FakeStorage) GetCredentialByEmail(_ context.Context, email string) (*core.LocalCredential, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, c := range f.credentials {
		if c.Email == email {
			copied := *c
			return &copied, nil
		}
	}
	return nil, core.ErrCredentialNotFound
}

func (f *FakeStorage) GetCredentialByUserID(_ context.Context, userID string) (*core.LocalCredential, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	c, ok := f.credentials[userID]
	if !ok {
		return nil, core.ErrCredentialNotFound
	}
	copied := *c
	return &copied, nil
}

func (f *FakeStorage) CreateCredential(_ context.Context, c *core.LocalCredential) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.credentials[c.UserID]; ok {
		return core.ErrPasswordAlreadySet
	}
	if f.emailTakenLocked(c.Email, c.UserID) {
		return core.ErrEmailTaken
	}
	copied := *c
	f.credentials[c.UserID] = &copied
	return nil
}

func (f *FakeStorage) UpdatePasswordHash(_ context.Context, userID, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.credentials[userID]
	if !ok {
		return core.ErrCredentialNotFound
	}
	c.PasswordHash = hash
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *FakeStorage) SetVerificationToken(_ context.Context, userID, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.credentials[userID]
	if !ok {
		return core.ErrCredentialNotFound
	}
	c.VerificationToken = &tokenHash
	return nil
}

func (f *FakeStorage) VerifyEmailByToken(_ context.Context, tokenHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, c := range f.credentials {
		if c.VerificationToken != nil && *c.VerificationToken == tokenHash {
			c.EmailVerified = true
			c.VerificationToken = nil
			return c.UserID, nil
		}
	}
	return "", core.ErrCredentialNotFound
}

// ============================================
// IDENTITIES
// ============================================

func (f *FakeStorage) GetExternalIdentityByEmail(_ context.Context, email string) (*core.ExternalIdentity, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, id := range f.identities {
		if id.Email == email {
			copied := *id
			return &copied, nil
		}
	}
	return nil, core.ErrIdentityNotFound
}

func (f *FakeStorage) GetExternalIdentityByUserID(_ context.Context, userID string) (*core.ExternalIdentity, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, id := range f.identities {
		if id.UserID == userID {
			copied := *id
			return &copied, nil
		}
	}
	return nil, core.ErrIdentityNotFound
}

// ============================================
// TOTP
// ============================================

func (f *FakeStorage) PutPendingTOTP(_ context.Context, userID, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.totp[userID] = &core.TOTPSecret{UserID: userID, Secret: secret, CreatedAt: time.Now().UTC()}
	return nil
}

func (f *FakeStorage) GetTOTP(_ context.Context, userID string) (*core.TOTPSecret, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	s, ok := f.totp[userID]
	if !ok {
		return nil, core.ErrTOTPNotFound
	}
	copied := *s
	return &copied, nil
}

func (f *FakeStorage) EnableTOTP(_ context.Context, userID string, codeHashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.totp[userID]
	if !ok {
		return core.ErrTOTPNotFound
	}
	s.Enabled = true
	f.replaceCodesLocked(userID, codeHashes)
	return nil
}

func (f *FakeStorage) DeleteTOTP(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.totp, userID)
	f.replaceCodesLocked(userID, nil)
	return nil
}

func (f *FakeStorage) ReplaceBackupCodes(_ context.Context, userID string, codeHashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.replaceCodesLocked(userID, codeHashes)
	return nil
}

func (f *FakeStorage) replaceCodesLocked(userID string, codeHashes []string) {
	for id, c := range f.backupCodes {
		if c.UserID == userID {
			delete(f.backupCodes, id)
		}
	}
	for _, hash := range codeHashes {
		id := uuid.NewString()
		f.backupCodes[id] = &core.BackupCode{ID: id, UserID: userID, CodeHash: hash, CreatedAt: time.Now().UTC()}
	}
}

func (f *FakeStorage) ListUnusedBackupCodes(_ context.Context, userID string) ([]*core.BackupCode, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var codes []*core.BackupCode
	for _, c := range f.backupCodes {
		if c.UserID == userID && !c.Used {
			copied := *c
			codes = append(codes, &copied)
		}
	}
	return codes, nil
}

func (f *FakeStorage) CountUnusedBackupCodes(ctx context.Context, userID string) (int, error) {
	codes, err := f.ListUnusedBackupCodes(ctx, userID)
	return len(codes), err
}

func (f *FakeStorage) ConsumeBackupCode(_ context.Context, id string, usedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.backupCodes[id]
	if !ok || c.Used {
		return false, nil
	}
	c.Used = true
	c.UsedAt = &usedAt
	return true, nil
}

// ============================================
// PASSKEYS
// ============================================

func (f *FakeStorage) CreatePasskey(_ context.Context, p *core.PasskeyCredential) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createPasskeyErr != nil {
		return f.createPasskeyErr
	}

	for _, existing := range f.passkeys {
		if bytes.Equal(existing.CredentialID, p.CredentialID) {
			return core.ErrPasskeyExists
		}
	}
	copied := *p
	f.passkeys[p.ID] = &copied
	return nil
}

func (f *FakeStorage) GetPasskeyByCredentialID(_ context.Context, credentialID []byte) (*core.PasskeyCredential, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, p := range f.passkeys {
		if bytes.Equal(p.CredentialID, credentialID) {
			copied := *p
			return &copied, nil
		}
	}
	return nil, core.ErrPasskeyNotFound
}

func (f *FakeStorage) ListPasskeysByUser(_ context.Context, userID string) ([]*core.PasskeyCredential, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []*core.PasskeyCredential
	for _, p := range f.passkeys {
		if p.UserID == userID {
			copied := *p
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *FakeStorage) ListAllPasskeys(_ context.Context) ([]*core.PasskeyCredential, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]*core.PasskeyCredential, 0, len(f.passkeys))
	for _, p := range f.passkeys {
		copied := *p
		out = append(out, &copied)
	}
	return out, nil
}

func (f *FakeStorage) UpdatePasskeyUsage(_ context.Context, id string, credential []byte, prevCount, newCount uint32, usedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.passkeys[id]
	if !ok || p.SignCount != prevCount {
		return false, nil
	}
	p.Credential = credential
	p.SignCount = newCount
	p.LastUsedAt = &usedAt
	return true, nil
}

func (f *FakeStorage) DeletePasskey(_ context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.passkeys[id]
	if !ok || p.UserID != userID {
		return core.ErrPasskeyNotFound
	}
	delete(f.passkeys, id)
	return nil
}

// ============================================
// SESSION RECORDS
// ============================================

func (f *FakeStorage) UpsertSessionRecord(_ context.Context, r *core.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.upsertRecordErr != nil {
		return f.upsertRecordErr
	}
	for _, existing := range f.records {
		if existing.SessionID == r.SessionID {
			existing.UserAgent = r.UserAgent
			existing.IPAddress = r.IPAddress
			existing.LastActiveAt = r.LastActiveAt
			existing.ExpiresAt = r.ExpiresAt
			return nil
		}
	}
	copied := *r
	f.records[r.ID] = &copied
	return nil
}

func (f *FakeStorage) ListSessionRecords(_ context.Context, userID string) ([]*core.SessionRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.listRecordsErr != nil {
		return nil, f.listRecordsErr
	}
	var out []*core.SessionRecord
	for _, r := range f.records {
		if r.UserID == userID {
			copied := *r
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *FakeStorage) GetSessionRecord(_ context.Context, userID, id string) (*core.SessionRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	r, ok := f.records[id]
	if !ok || r.UserID != userID {
		return nil, core.ErrSessionRecordNotFound
	}
	copied := *r
	return &copied, nil
}

func (f *FakeStorage) DeleteSessionRecord(_ context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.records[id]
	if !ok || r.UserID != userID {
		return core.ErrSessionRecordNotFound
	}
	delete(f.records, id)
	return nil
}

func (f *FakeStorage) DeleteSessionRecordBySessionID(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, r := range f.records {
		if r.SessionID == sessionID {
			delete(f.records, id)
		}
	}
	return nil
}

func (f *FakeStorage) DeleteOtherSessionRecords(_ context.Context, userID, keepSessionID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var removed []string
	for id, r := range f.records {
		if r.UserID == userID && r.SessionID != keepSessionID {
			removed = append(removed, r.SessionID)
			delete(f.records, id)
		}
	}
	return removed, nil
}

func (f *FakeStorage) DeleteExpiredSessionRecords(_ context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	for id, r := range f.records {
		if !now.Before(r.ExpiresAt) {
			delete(f.records, id)
			removed++
		}
	}
	return removed, nil
}

// recordCount returns how many session records the user has.
func (f *FakeStorage) recordCount(userID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	n := 0
	for _, r := range f.records {
		if r.UserID == userID {
			n++
		}
	}
	return n
}

// FakeMailer records verification mails.
type FakeMailer struct {
	mu   sync.Mutex
	sent map[string][]string
	err  error
}

func NewFakeMailer() *FakeMailer {
	return &FakeMailer{sent: make(map[string][]string)}
}

func (m *FakeMailer) SendVerification(_ context.Context, to, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	m.sent[to] = append(m.sent[to], token)
	return nil
}

// lastToken returns the most recent token mailed to addr.
func (m *FakeMailer) lastToken(addr string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	tokens := m.sent[addr]
	if len(tokens) == 0 {
		return ""
	}
	return tokens[len(tokens)-1]
}
