package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces masked values in log lines.
const RedactedValue = "[REDACTED]"

// plainKeys may be logged verbatim through MaskField.
var plainKeys = map[string]bool{
	"account":   true,
	"amount":    true,
	"component": true,
	"error":     true,
	"flow":      true,
	"method":    true,
	"round":     true,
	"step":      true,
	"tx":        true,
}

// secretKeys are masked by every logger built with Setup, whatever the caller
// passes.
var secretKeys = map[string]bool{
	"authorization": true,
	"jwt_secret":    true,
	"passphrase":    true,
	"private_key":   true,
	"token":         true,
}

func normaliseKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// MaskField masks value unless key is one of the plain auction fields. Empty
// values pass through so missing settings stay visible.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || plainKeys[normaliseKey(key)] {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

func maskSecret(attr slog.Attr) slog.Attr {
	if !secretKeys[normaliseKey(attr.Key)] {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && attr.Value.String() == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
