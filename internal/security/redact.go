package security

import (
	"strconv"
	"strings"
)

var sensitiveSubstrings = []string{
	"token",
	"password",
	"authorization",
	"apikey",
	"api_key",
	"admin_key",
	"secret",
	"cookie",
	"bearer",
	"credential",
	"passwd",
}

var emailKeys = map[string]struct{}{
	"email":       {},
	"admin_email": {},
	"to":          {},
	"from":        {},
}

var messageKeys = map[string]struct{}{
	"message": {},
	"text":    {},
}

// RedactArguments returns a copy of arguments safe for logging: secrets are replaced,
// email values masked and free-text messages reduced to their length.
func RedactArguments(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	redacted := make(map[string]any, len(values))
	for key, value := range values {
		lower := strings.ToLower(strings.TrimSpace(key))
		switch {
		case isSensitiveKey(lower):
			redacted[key] = "***"
		case isKey(emailKeys, lower):
			if s, ok := value.(string); ok {
				redacted[key] = RedactEmail(s)
			} else {
				redacted[key] = "***"
			}
		case isKey(messageKeys, lower):
			if s, ok := value.(string); ok {
				redacted[key] = redactedLength(s)
			} else {
				redacted[key] = "***"
			}
		default:
			redacted[key] = value
		}
	}
	return redacted
}

// RedactEmail masks the local part of an address: "r***@acme.com".
func RedactEmail(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return "***"
	}
	return addr[:1] + "***" + addr[at:]
}

func redactedLength(s string) string {
	return "<" + strconv.Itoa(len(s)) + " bytes>"
}

func isKey(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}

func isSensitiveKey(lower string) bool {
	for _, part := range sensitiveSubstrings {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
