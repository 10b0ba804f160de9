package audit

import "strings"

// Redacted replaces sensitive values.
const Redacted = "***REDACTED***"

var sensitiveKeys = []string{"apisecret", "secret", "signature", "password", "passphrase", "apikey", "key", "token", "authorization"}

func isSensitive(key string) bool {
	k := strings.ToLower(strings.ReplaceAll(key, "_", ""))
	for _, s := range sensitiveKeys {
		if k == s {
			return true
		}
	}
	return strings.HasSuffix(k, "secret") || strings.HasSuffix(k, "token")
}

// Sanitize returns a deep copy of v with sensitive map keys redacted.
func Sanitize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isSensitive(k) && val != nil && val != "" {
				out[k] = Redacted
				continue
			}
			out[k] = Sanitize(val)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isSensitive(k) && val != "" {
				out[k] = Redacted
				continue
			}
			out[k] = val
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Sanitize(val)
		}
		return out
	default:
		return v
	}
}
