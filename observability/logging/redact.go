package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// sensitiveFragments mark a key as secret when they appear anywhere in it,
// case-insensitively. "auth_token", "passphrase" and "jwtSecret" all match.
var sensitiveFragments = []string{"token", "secret", "pass", "authorization", "privkey", "private_key", "mnemonic"}

// IsSensitive reports whether values logged under key are masked.
func IsSensitive(key string) bool {
	key = strings.ToLower(key)
	for _, fragment := range sensitiveFragments {
		if strings.Contains(key, fragment) {
			return true
		}
	}
	return false
}

// MaskField always masks a non-empty value, whatever the key.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// redact is applied by NewHandler to every attribute, so a secret logged
// under a sensitive key never reaches the output even without MaskField.
func redact(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup || !IsSensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && attr.Value.String() == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
