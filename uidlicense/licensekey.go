package uidlicense

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

const (
	keyAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	keyGroups      = 5
	keyGroupLength = 4
)

var licenseKeyPattern = regexp.MustCompile(`^[A-Z0-9]{4}(-[A-Z0-9]{4}){4}$`)

// GenerateLicenseKey returns a random key of five hyphen-separated groups of
// four uppercase alphanumerics, e.g. "7K2Q-M9XA-0PLE-4D3R-ZZ81".
func GenerateLicenseKey() (string, error) {
	// 252 is the largest multiple of 36 below 256; bytes above it are
	// rejected so every character is equally likely.
	const limit = 256 - 256%len(keyAlphabet)

	var sb strings.Builder
	sb.Grow(keyGroups*keyGroupLength + keyGroups - 1)
	buf := make([]byte, 32)
	n := 0
	for n < keyGroups*keyGroupLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate license key: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			if n > 0 && n%keyGroupLength == 0 {
				sb.WriteByte('-')
			}
			sb.WriteByte(keyAlphabet[int(b)%len(keyAlphabet)])
			n++
			if n == keyGroups*keyGroupLength {
				break
			}
		}
	}
	return sb.String(), nil
}

// ValidLicenseKey reports whether key has the generated key format.
func ValidLicenseKey(key string) bool {
	return licenseKeyPattern.MatchString(key)
}
