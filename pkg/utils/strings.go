package utils

import (
	"strings"
	"unicode/utf8"
)

// MaskSensitiveString keeps the first and last four characters of a secret.
func MaskSensitiveString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// Truncate cuts s to at most max runes and appends suffix when it did.
func Truncate(s string, max int, suffix string) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + suffix
}
