package logger

import (
	"log/slog"
	"strings"
)

// sensitiveKeyPatterns are substrings of an attribute key that mark its
// value as something that should never reach a log line verbatim. Shardmesh
// has no auth/token domain of its own, but config loading can still surface
// credentials embedded in a KV connection string or TLS material path.
var sensitiveKeyPatterns = []string{
	"password",
	"secret",
	"token",
	"credential",
	"auth",
	"bearer",
}

const redactedValue = "***REDACTED***"

// redactSensitive checks whether an attribute's key looks sensitive and
// redacts its value if so. Installed as a slog.HandlerOptions.ReplaceAttr.
func redactSensitive(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString && IsSensitiveKey(a.Key) && a.Value.String() != "" {
		return slog.String(a.Key, redactedValue)
	}

	if a.Value.Kind() == slog.KindGroup {
		attrs := a.Value.Group()
		newAttrs := make([]slog.Attr, len(attrs))
		for i, attr := range attrs {
			newAttrs[i] = redactSensitive(attr)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(newAttrs...)}
	}

	return a
}

// IsSensitiveKey checks if a key name suggests sensitive content.
func IsSensitiveKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(keyLower, pattern) {
			return true
		}
	}
	return false
}
