package pairing

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// userCodeAlphabet excludes confusable glyphs (0/O, 1/I/L), matching
// spec.md §4.2's generator and the device-flow examples in the pack.
const userCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// generateDeviceCode returns a 128-bit random identifier, hex-encoded.
func generateDeviceCode() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate device_code: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// generateUserCode returns a human-typable code: 10 random alphabet
// characters plus one checksum character, grouped XXXXX-XXXXX-C.
func generateUserCode() (string, error) {
	raw := make([]byte, 10)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate user_code: %w", err)
	}

	chars := make([]byte, 10)
	for i, b := range raw {
		chars[i] = userCodeAlphabet[int(b)%len(userCodeAlphabet)]
	}

	check := userCodeChecksum(chars)

	return fmt.Sprintf("%s-%s-%c", chars[0:5], chars[5:10], check), nil
}

// userCodeChecksum sums the alphabet index of every character modulo the
// alphabet size, so a single-character transcription error is caught
// before any session lookup (spec.md §8's boundary behavior).
func userCodeChecksum(chars []byte) byte {
	sum := 0
	for _, c := range chars {
		sum += strings.IndexByte(userCodeAlphabet, c)
	}
	return userCodeAlphabet[sum%len(userCodeAlphabet)]
}

// normalizeUserCode uppercases and strips the dash grouping, the form
// stored and looked up internally.
func normalizeUserCode(userCode string) string {
	userCode = strings.ToUpper(userCode)
	return strings.ReplaceAll(userCode, "-", "")
}

// validateUserCode checks both that every character belongs to the
// confusable-free alphabet and that the trailing checksum character
// matches, rejecting typos before any store lookup.
func validateUserCode(userCode string) bool {
	clean := normalizeUserCode(userCode)
	if len(clean) != 11 {
		return false
	}

	for _, c := range clean {
		if !strings.ContainsRune(userCodeAlphabet, c) {
			return false
		}
	}

	want := userCodeChecksum([]byte(clean[:10]))
	return clean[10] == want
}
