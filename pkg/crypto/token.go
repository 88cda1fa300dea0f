package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

var (
	ErrTooManyArgs = errors.New("too many arguments. expected only 1")
	ErrEmptyToken  = errors.New("token and hash cannot be empty")
)

const (
	DefaultTokenLength = 32 // 256 bits
)

// TokenPair is a secret handed to a client together with the digest kept on the
// server. Session cookies, email verification links and OAuth state all use it.
type TokenPair struct {
	Token string // value returned to client
	Hash  string // value in storage
}

func generateToken(byteLength int) (string, error) {
	if byteLength <= 0 {
		byteLength = DefaultTokenLength
	}

	bytes := make([]byte, byteLength)

	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

func GenerateHashedToken(byteLength ...int) (*TokenPair, error) {
	if len(byteLength) > 1 {
		return nil, ErrTooManyArgs
	}

	length := DefaultTokenLength
	if len(byteLength) > 0 && byteLength[0] > 0 {
		length = byteLength[0]
	}

	token, err := generateToken(length)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		Token: token,
		Hash:  HashToken(token),
	}, nil
}

// VerifyToken reports whether token hashes to storedHash.
func VerifyToken(token, storedHash string) (bool, error) {
	if token == "" || storedHash == "" {
		return false, ErrEmptyToken
	}
	return EqualHashes(HashToken(token), storedHash), nil
}

// EqualHashes compares two digests in constant time.
func EqualHashes(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HashToken returns the hex sha256 of token. Tokens carry 256 bits of entropy so a
// fast unsalted digest is enough to keep them out of storage.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
