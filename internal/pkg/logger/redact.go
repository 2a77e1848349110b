package logger

import "strings"

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "j***@example.com"
// Single-char local parts are fully masked: "a@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 1 {
		return name[:1] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// RedactTelephone keeps the first and last two digits of a phone number.
// "13812345678" → "13****78"
func RedactTelephone(tel string) string {
	if len(tel) < 4 {
		return "***"
	}
	if len(tel) <= 6 {
		return tel[:1] + "****" + tel[len(tel)-1:]
	}
	return tel[:2] + "****" + tel[len(tel)-2:]
}
