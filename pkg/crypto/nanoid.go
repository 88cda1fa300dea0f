package crypto

import (
	"crypto/rand"
	"errors"
	"math"
)

const (
	defaultAlphabet string = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"
	defaultSize     int    = 22 // 22 * 6 = 132 bits (uuid is 128 bits) of entropy
	maxAlphabetSize int    = 255
	minAlphabetSize int    = 8
)

var (
	ErrAlphabetTooLong  = errors.New("alphabet must contain no more than 255 characters")
	ErrAlphabetTooShort = errors.New("alphabet must contain at least 8 characters")
	ErrAlphabetNotASCII = errors.New("alphabet must contain only ASCII characters")
)

// NanoIDGenerator draws uniformly random strings over an ASCII alphabet.
type NanoIDGenerator struct {
	alphabet string
	mask     int
}

// getMask returns the smallest all-ones bitmask covering alphabetLen-1.
func getMask(alphabetLen int) int {
	for i := 1; i <= 8; i++ {
		mask := (2 << uint(i)) - 1
		if mask > alphabetLen-1 {
			return mask
		}
	}
	return maxAlphabetSize
}

// NewNanoID returns a generator over alphabet, or over the URL-safe default when
// alphabet is empty.
func NewNanoID(alphabet string) (*NanoIDGenerator, error) {
	if alphabet == "" {
		alphabet = defaultAlphabet
	}

	// Generate indexes by byte position
	for i := 0; i < len(alphabet); i++ {
		if alphabet[i] > 127 {
			return nil, ErrAlphabetNotASCII
		}
	}

	if len(alphabet) > maxAlphabetSize {
		return nil, ErrAlphabetTooLong
	}
	if len(alphabet) < minAlphabetSize {
		return nil, ErrAlphabetTooShort
	}

	return &NanoIDGenerator{
		alphabet: alphabet,
		mask:     getMask(len(alphabet)),
	}, nil
}

// Generate returns a random string of size characters; size <= 0 uses the default.
func (n *NanoIDGenerator) Generate(size int) (string, error) {
	if size <= 0 {
		size = defaultSize
	}

	alphabetLen := len(n.alphabet)
	step := int(math.Ceil(1.6 * float64(n.mask*size) / float64(alphabetLen)))

	id := make([]byte, size)
	buffer := make([]byte, step)

	for position := 0; position < size; {
		if _, err := rand.Read(buffer); err != nil {
			return "", err
		}

		// bytes outside the alphabet after masking are rejected, not wrapped,
		// so every character stays equally likely
		for i := 0; i < step && position < size; i++ {
			index := buffer[i] & byte(n.mask)
			if int(index) < alphabetLen {
				id[position] = n.alphabet[index]
				position++
			}
		}
	}

	return string(id), nil
}
