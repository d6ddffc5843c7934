// Package redact keeps log output free of the very data this tool exists
// to protect: passphrases, key material, and original entity literals.
// Every log line in the codebase goes through these helpers.
package redact

import (
	"fmt"
	"log"
	"regexp"
	"strings"
)

var (
	passphraseRe = regexp.MustCompile(`(?i)(passphrase\s*[:=]\s*)(\S+)`)
	keyMaterial  = regexp.MustCompile(`(?i)\b(key|salt|canary)\s*[:=]\s*([A-Fa-f0-9+/=]{12,})`)
	literalRe    = regexp.MustCompile(`(?i)(literal|original|component)\s*[:=]\s*"([^"]*)"`)
	envValueRe   = regexp.MustCompile(`(?i)(VEIL_PASSPHRASE\s*=\s*)(\S+)`)
)

// String redacts sensitive values from free-form strings.
func String(s string) string {
	if s == "" {
		return s
	}

	out := s
	out = passphraseRe.ReplaceAllString(out, "${1}[REDACTED]")
	out = envValueRe.ReplaceAllString(out, "${1}[REDACTED]")
	out = keyMaterial.ReplaceAllString(out, "${1}=[REDACTED]")
	out = literalRe.ReplaceAllString(out, `${1}="[REDACTED]"`)
	for strings.Contains(out, "[REDACTED][REDACTED]") {
		out = strings.ReplaceAll(out, "[REDACTED][REDACTED]", "[REDACTED]")
	}
	return out
}

// Any formats the value with %+v and redacts the result.
func Any(v any) string {
	return String(fmt.Sprintf("%+v", v))
}

// Sprintf formats like fmt.Sprintf and redacts the result.
func Sprintf(format string, args ...interface{}) string {
	return String(fmt.Sprintf(format, args...))
}

// Logf prints a redacted log line.
func Logf(format string, args ...interface{}) {
	log.Print(Sprintf(format, args...))
}

// Fatalf prints a redacted fatal log line.
func Fatalf(format string, args ...interface{}) {
	log.Fatal(Sprintf(format, args...))
}

// Literal shortens an entity literal to a safe fingerprint for logs:
// first rune plus length, e.g. "M…(11)". Never log literals verbatim.
func Literal(s string) string {
	if s == "" {
		return `""`
	}
	runes := []rune(s)
	return fmt.Sprintf("%c…(%d)", runes[0], len(runes))
}
