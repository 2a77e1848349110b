// Package redact masks PII and secrets in state and audit payloads before
// they are persisted. All masking functions are idempotent.
package redact

import (
	"net/url"
	"strings"
)

const placeholder = "***REDACTED***"

// sensitiveKeys are replaced wholesale regardless of value type.
var sensitiveKeys = map[string]bool{
	"unit_price": true,
	"amount":     true,
	"address":    true,
	"token":      true,
	"api_key":    true,
	"password":   true,
	"smtp_pass":  true,
}

// MaskEmail masks the local part of an email address.
// "alice@example.com" → "a***@example.com"
func MaskEmail(email string) string {
	at := strings.Index(email, "@")
	if at < 0 {
		return placeholder
	}
	local, domain := email[:at], email[at+1:]
	if len(local) > 1 {
		return local[:1] + "***@" + domain
	}
	return "***@" + domain
}

// MaskTelephone keeps the first and last two digits of a phone number.
// "13812345678" → "13****78"
func MaskTelephone(tel string) string {
	if len(tel) < 4 {
		return placeholder
	}
	if len(tel) <= 6 {
		if len(tel) > 1 {
			return tel[:1] + "****" + tel[len(tel)-1:]
		}
		return placeholder
	}
	return tel[:2] + "****" + tel[len(tel)-2:]
}

// MaskURL truncates a URL path to its last segment.
// "https://files.example.com/a/b/c/doc.pdf" → "https://files.example.com/.../doc.pdf"
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return placeholder
	}
	last := ""
	if p := strings.Trim(u.Path, "/"); p != "" {
		segs := strings.Split(p, "/")
		last = segs[len(segs)-1]
	}
	if last == "" {
		return u.Scheme + "://" + u.Host + "/***"
	}
	return u.Scheme + "://" + u.Host + "/.../" + last
}

// Map returns a deep copy of obj with sensitive values masked. Nested maps
// and lists are walked recursively; the input is never modified.
func Map(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for key, value := range obj {
		out[key] = redactValue(strings.ToLower(key), value)
	}
	return out
}

func redactValue(keyLower string, value any) any {
	if sensitiveKeys[keyLower] {
		return placeholder
	}
	switch v := value.(type) {
	case string:
		switch {
		case keyLower == "email":
			return MaskEmail(v)
		case keyLower == "telephone":
			return MaskTelephone(v)
		case isURLKey(keyLower) && (strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")):
			return MaskURL(v)
		}
		return v
	case map[string]any:
		return Map(v)
	case []any:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = redactValue(keyLower, item)
		}
		return items
	default:
		return value
	}
}

func isURLKey(keyLower string) bool {
	return keyLower == "file_url" || keyLower == "url" || keyLower == "order_url"
}
