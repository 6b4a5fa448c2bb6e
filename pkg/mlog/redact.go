package mlog

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// redactionNotice replaces any field judged secret-shaped before it reaches
// the underlying encoder.
const redactionNotice = "[REDACTED]"

// denylistedKeys are field names that must never be logged verbatim,
// regardless of their value.
var denylistedKeys = []string{
	"seed", "secret", "privatekey", "private_key", "password", "masterkey",
	"master_key", "nonce", "authtag", "auth_tag", "ciphertext",
}

func isDenylistedKey(key string) bool {
	lower := strings.ToLower(key)
	for _, bad := range denylistedKeys {
		if strings.Contains(lower, bad) {
			return true
		}
	}

	return false
}

// looksLikeLedgerSeed flags values shaped like a ledger account seed: long
// and starting with the conventional seed prefix.
func looksLikeLedgerSeed(v string) bool {
	return len(v) > 20 && strings.HasPrefix(v, "s")
}

// RedactingCore wraps a zapcore.Core and strips denylisted keys/seed-shaped
// values before any entry is written.
type RedactingCore struct {
	zapcore.Core
}

// NewRedactingCore wraps the given core with the redaction guard.
func NewRedactingCore(core zapcore.Core) zapcore.Core {
	return &RedactingCore{Core: core}
}

func (c *RedactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &RedactingCore{Core: c.Core.With(sanitizeFields(fields))}
}

func (c *RedactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Core.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}

	return ce
}

func (c *RedactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(ent, sanitizeFields(fields))
}

func sanitizeFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))

	for i, f := range fields {
		if isDenylistedKey(f.Key) {
			out[i] = zapField(f.Key, redactionNotice)
			continue
		}

		if f.Type == zapcore.StringType && looksLikeLedgerSeed(f.String) {
			out[i] = zapField(f.Key, redactionNotice)
			continue
		}

		out[i] = f
	}

	return out
}

func zapField(key, val string) zapcore.Field {
	return zapcore.Field{Key: key, Type: zapcore.StringType, String: val}
}
