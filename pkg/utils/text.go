// Package utils provides shared helpers for text, hashing, math, and logging.
package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"unicode/utf8"
)

// Truncate returns s cut to maxLen characters with "..." appended if it was cut.
// If maxLen is 0 or negative, returns s unchanged.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return Prefix(s, maxLen) + "..."
}

// Prefix returns the first n characters of s (runes, not bytes).
func Prefix(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Checksum returns the hex-encoded sha256 of b.
func Checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ChecksumString returns the hex-encoded sha256 of s.
func ChecksumString(s string) string {
	return Checksum([]byte(s))
}
