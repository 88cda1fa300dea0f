package crypto

import (
	"strings"
	"testing"
)

func TestNewNanoID(t *testing.T) {
	tests := []struct {
		name         string
		alphabet     string
		wantErr      error
		wantAlphabet string
	}{
		{name: "empty uses default", alphabet: "", wantAlphabet: defaultAlphabet},
		{name: "custom alphabet", alphabet: "ABCDEFGH", wantAlphabet: "ABCDEFGH"},
		{name: "backup code alphabet", alphabet: BackupCodeAlphabet, wantAlphabet: BackupCodeAlphabet},
		{name: "alphabet too long", alphabet: strings.Repeat("a", 256), wantErr: ErrAlphabetTooLong},
		{name: "alphabet too short", alphabet: "abc", wantErr: ErrAlphabetTooShort},
		{name: "non ascii", alphabet: "abcdefgé", wantErr: ErrAlphabetNotASCII},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Act
			nanoid, err := NewNanoID(test.alphabet)

			// Assert
			if err != test.wantErr {
				t.Fatalf("NewNanoID() error = %v, want %v", err, test.wantErr)
			}
			if test.wantErr == nil && nanoid.alphabet != test.wantAlphabet {
				t.Errorf("NewNanoID() alphabet = %q, want %q", nanoid.alphabet, test.wantAlphabet)
			}
		})
	}
}

func TestNanoIDGenerator_GetMask(t *testing.T) {
	tests := []struct {
		alphabetLen int
		wantMask    int
	}{
		{alphabetLen: 8, wantMask: 15},
		{alphabetLen: 16, wantMask: 31},
		{alphabetLen: 36, wantMask: 63},
		{alphabetLen: 64, wantMask: 127},
		{alphabetLen: 255, wantMask: 255},
	}

	for _, test := range tests {
		if got := getMask(test.alphabetLen); got != test.wantMask {
			t.Errorf("getMask(%d) = %d, want %d", test.alphabetLen, got, test.wantMask)
		}
	}
}

// Requirement: Generate returns exactly the requested number of characters, all from the alphabet.
func TestNanoIDGenerator_Generate(t *testing.T) {
	tests := []struct {
		name     string
		alphabet string
		size     int
		wantLen  int
	}{
		{name: "default size", size: 0, wantLen: defaultSize},
		{name: "short", size: 8, wantLen: 8},
		{name: "long", size: 128, wantLen: 128},
		{name: "base36", alphabet: BackupCodeAlphabet, size: 8, wantLen: 8},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Arrange
			gen, err := NewNanoID(test.alphabet)
			if err != nil {
				t.Fatalf("NewNanoID() error = %v", err)
			}
			alphabet := test.alphabet
			if alphabet == "" {
				alphabet = defaultAlphabet
			}

			// Act
			id, err := gen.Generate(test.size)

			// Assert
			if err != nil {
				t.Fatalf("Generate() error = %v", err)
			}
			if len(id) != test.wantLen {
				t.Errorf("len(Generate()) = %d, want %d", len(id), test.wantLen)
			}
			for _, c := range id {
				if !strings.ContainsRune(alphabet, c) {
					t.Fatalf("Generate() produced %q outside the alphabet", c)
				}
			}
		})
	}
}
