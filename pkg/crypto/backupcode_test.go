package crypto

import "testing"

// Requirement: a batch is 10 distinct 8-character upper-case base36 codes.
func TestBackupCodeGenerator_Generate(t *testing.T) {
	// Arrange
	gen := NewBackupCodeGenerator()

	// Act
	codes, err := gen.Generate(BackupCodeCount)

	// Assert
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(codes) != BackupCodeCount {
		t.Fatalf("len(codes) = %d, want %d", len(codes), BackupCodeCount)
	}
	seen := make(map[string]bool)
	for _, code := range codes {
		if NormalizeBackupCode(code) != code {
			t.Errorf("code %q is not in normalized form", code)
		}
		if seen[code] {
			t.Errorf("duplicate code %q", code)
		}
		seen[code] = true
	}
}

func TestNormalizeBackupCode(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "already normalized", input: "AB12CD34", want: "AB12CD34"},
		{name: "lower case", input: "ab12cd34", want: "AB12CD34"},
		{name: "dash separated", input: "ab12-cd34", want: "AB12CD34"},
		{name: "spaces", input: " AB12 CD34 ", want: "AB12CD34"},
		{name: "too short", input: "AB12CD3", want: ""},
		{name: "too long", input: "AB12CD345", want: ""},
		{name: "symbols", input: "AB12CD3!", want: ""},
		{name: "totp code", input: "123456", want: ""},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			if got := NormalizeBackupCode(test.input); got != test.want {
				t.Errorf("NormalizeBackupCode(%q) = %q, want %q", test.input, got, test.want)
			}
		})
	}
}
