package crypto

import (
	"strings"
)

const (
	// BackupCodeAlphabet is base36 in upper case.
	BackupCodeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	BackupCodeLength   = 8
	BackupCodeCount    = 10
)

// BackupCodeGenerator produces human-typable one-time recovery codes.
type BackupCodeGenerator struct {
	ids *NanoIDGenerator
}

func NewBackupCodeGenerator() *BackupCodeGenerator {
	// the alphabet is a valid constant, NewNanoID cannot fail on it
	ids, _ := NewNanoID(BackupCodeAlphabet)
	return &BackupCodeGenerator{ids: ids}
}

// Generate returns n distinct codes.
func (g *BackupCodeGenerator) Generate(n int) ([]string, error) {
	codes := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	for len(codes) < n {
		code, err := g.ids.Generate(BackupCodeLength)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}

// NormalizeBackupCode strips separators users tend to type and upper-cases the
// rest. It returns "" if what is left cannot be a backup code.
func NormalizeBackupCode(input string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(input) {
		switch {
		case r == ' ' || r == '-' || r == '\t':
			continue
		case (r >= '0' && r <= '9') || (r >= 'A' && r <= 'Z'):
			b.WriteRune(r)
		default:
			return ""
		}
	}
	if b.Len() != BackupCodeLength {
		return ""
	}
	return b.String()
}
