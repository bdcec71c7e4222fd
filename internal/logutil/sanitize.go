package logutil

import "strings"

// SanitizeForLog removes newlines and control characters from user-provided
// strings to prevent log injection attacks where attackers could inject
// fake log entries by including newline characters.
func SanitizeForLog(s string) string {
	// Replace all newlines with spaces
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	// Replace tabs with spaces
	s = strings.ReplaceAll(s, "\t", " ")
	// Remove other control characters (ASCII 0-31 except space)
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 || r == ' ' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Mask returns a redacted form of a secret suitable for logs: asterisks
// followed by the last 4 characters. Short values are fully masked so the
// suffix cannot reveal a meaningful fraction of the secret.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 8 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
