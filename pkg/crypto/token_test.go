package crypto

import (
	"encoding/base64"
	"errors"
	"sync"
	"testing"
)

// Requirement: GenerateHashedToken returns a URL-safe token and its sha256 hex digest.
func TestGenerateHashedToken_CreatePair(t *testing.T) {
	tests := []struct {
		name      string
		args      []int
		wantBytes int
		wantErr   error
	}{
		{name: "default length", args: nil, wantBytes: DefaultTokenLength},
		{name: "custom length", args: []int{16}, wantBytes: 16},
		{name: "non-positive falls back", args: []int{0}, wantBytes: DefaultTokenLength},
		{name: "too many args", args: []int{16, 32}, wantErr: ErrTooManyArgs},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Act
			pair, err := GenerateHashedToken(test.args...)

			// Assert
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("GenerateHashedToken() error = %v, want %v", err, test.wantErr)
			}
			if test.wantErr != nil {
				return
			}
			raw, err := base64.RawURLEncoding.DecodeString(pair.Token)
			if err != nil {
				t.Fatalf("token is not raw URL base64: %v", err)
			}
			if len(raw) != test.wantBytes {
				t.Errorf("token bytes = %d, want %d", len(raw), test.wantBytes)
			}
			if pair.Hash != HashToken(pair.Token) {
				t.Error("Hash should be HashToken(Token)")
			}
			if len(pair.Hash) != 64 {
				t.Errorf("hash length = %d, want 64 hex characters", len(pair.Hash))
			}
		})
	}
}

func TestGenerateHashedToken_Concurrent(t *testing.T) {
	// Arrange
	const goroutines = 64
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, goroutines)
		wg   sync.WaitGroup
	)

	// Act
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pair, err := GenerateHashedToken()
			if err != nil {
				t.Errorf("GenerateHashedToken() error = %v", err)
				return
			}
			mu.Lock()
			seen[pair.Token] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Assert
	if len(seen) != goroutines {
		t.Errorf("expected %d unique tokens, got %d", goroutines, len(seen))
	}
}

func TestVerifyToken(t *testing.T) {
	pair, _ := GenerateHashedToken()

	tests := []struct {
		name    string
		token   string
		hash    string
		wantOk  bool
		wantErr bool
	}{
		{name: "correct token", token: pair.Token, hash: pair.Hash, wantOk: true},
		{name: "wrong token", token: "wrong_token_value", hash: pair.Hash},
		{name: "modified token", token: pair.Token[:len(pair.Token)-1] + "X", hash: pair.Hash},
		{name: "empty token", token: "", hash: pair.Hash, wantErr: true},
		{name: "empty hash", token: pair.Token, hash: "", wantErr: true},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Act
			ok, err := VerifyToken(test.token, test.hash)

			// Assert
			if (err != nil) != test.wantErr {
				t.Fatalf("VerifyToken() error = %v, wantErr %v", err, test.wantErr)
			}
			if !test.wantErr && ok != test.wantOk {
				t.Errorf("VerifyToken() = %v, want %v", ok, test.wantOk)
			}
		})
	}
}
