package crypto

import (
	"errors"
	"strings"
	"testing"
)

// cheap parameters keep the suite fast; the encoding is identical
func testArgon2() *Argon2 {
	return &Argon2{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
}

// Requirement: Hash produces a PHC formatted argon2id string with a fresh salt.
func TestArgon2_Hash(t *testing.T) {
	tests := []struct {
		name     string
		password string
	}{
		{name: "success", password: "testPassword123"},
		{name: "empty password", password: ""},
		{name: "long password", password: strings.Repeat("a", 128)},
		{name: "unicode", password: "パスワード🔐"},
		{name: "null byte", password: "pass\x00word"},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Arrange
			a := testArgon2()

			// Act
			hash, err := a.Hash(test.password)

			// Assert
			if err != nil {
				t.Fatalf("Hash() error = %v", err)
			}
			if !strings.HasPrefix(hash, "$argon2id$v=19$m=1024,t=1,p=1$") {
				t.Errorf("Hash() = %q, want argon2id v19 prefix with parameters", hash)
			}
			if len(strings.Split(hash, "$")) != 6 {
				t.Error("Hash() should have 6 parts")
			}
		})
	}
}

func TestArgon2_Hash_UniqueSalts(t *testing.T) {
	// Arrange
	a := testArgon2()

	// Act
	hash1, _ := a.Hash("samePassword")
	hash2, _ := a.Hash("samePassword")

	// Assert
	if hash1 == hash2 {
		t.Error("Hash() should generate different hashes with unique salts")
	}
}

// Requirement: verify(p, hash(p)) holds and verify(q, hash(p)) fails for q != p.
func TestArgon2_Verify(t *testing.T) {
	tests := []struct {
		name     string
		password string
		attempt  string
		wantOk   bool
	}{
		{name: "correct password", password: "correctPassword", attempt: "correctPassword", wantOk: true},
		{name: "wrong password", password: "correctPassword", attempt: "wrongPassword", wantOk: false},
		{name: "case sensitive", password: "correctPassword", attempt: "correctpassword", wantOk: false},
		{name: "extra character", password: "correctPassword", attempt: "correctPassword1", wantOk: false},
		{name: "empty attempt", password: "correctPassword", attempt: "", wantOk: false},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Arrange
			a := testArgon2()
			hash, err := a.Hash(test.password)
			if err != nil {
				t.Fatalf("Hash() error = %v", err)
			}

			// Act
			ok, err := a.Verify(test.attempt, hash)

			// Assert
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if ok != test.wantOk {
				t.Errorf("Verify() = %v, want %v", ok, test.wantOk)
			}
		})
	}
}

// Requirement: an unusable stored hash is reported as ErrMalformedHash, not as a mismatch.
func TestArgon2_Verify_MalformedHashes(t *testing.T) {
	tests := []struct {
		name string
		hash string
	}{
		{name: "empty", hash: ""},
		{name: "invalid format", hash: "invalid-hash"},
		{name: "too few parts", hash: "$argon2id$v=19$m=65536,t=3,p=2$salt"},
		{name: "unsupported algorithm", hash: "$argon2i$v=19$m=65536,t=3,p=2$c2FsdA$aGFzaA"},
		{name: "bad version", hash: "$argon2id$v=18$m=65536,t=3,p=2$c2FsdA$aGFzaA"},
		{name: "zero parallelism", hash: "$argon2id$v=19$m=65536,t=3,p=0$c2FsdA$aGFzaA"},
		{name: "bad salt encoding", hash: "$argon2id$v=19$m=65536,t=3,p=2$!!!$aGFzaA"},
		{name: "empty key", hash: "$argon2id$v=19$m=65536,t=3,p=2$c2FsdA$"},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Arrange
			a := testArgon2()

			// Act
			ok, err := a.Verify("password", test.hash)

			// Assert
			if !errors.Is(err, ErrMalformedHash) {
				t.Fatalf("Verify() error = %v, want ErrMalformedHash", err)
			}
			if ok {
				t.Error("Verify() should not succeed for a malformed hash")
			}
		})
	}
}

// Requirement: parameters are read back from the hash, so instances with other settings still verify.
func TestArgon2_Verify_AcrossInstances(t *testing.T) {
	// Arrange
	hashed, err := testArgon2().Hash("portable")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}

	// Act
	ok, err := NewArgon2().Verify("portable", hashed)

	// Assert
	if err != nil || !ok {
		t.Fatalf("Verify() = %v, %v; want true, nil", ok, err)
	}
}

func TestArgon2_Profiles(t *testing.T) {
	tests := []struct {
		name string
		got  *Argon2
		want Argon2
	}{
		{name: "password", got: NewArgon2(), want: Argon2{Memory: 64 * 1024, Iterations: 3, Parallelism: 2, SaltLength: 16, KeyLength: 32}},
		{name: "backup code", got: NewBackupCodeArgon2(), want: Argon2{Memory: 19 * 1024, Iterations: 2, Parallelism: 1, SaltLength: 16, KeyLength: 32}},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			if *test.got != test.want {
				t.Errorf("profile = %+v, want %+v", *test.got, test.want)
			}
		})
	}
}
