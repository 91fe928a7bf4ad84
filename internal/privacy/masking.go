// Package privacy shortens identifiers and hides secrets before they reach
// the logs.
package privacy

import (
	"strings"

	"chatsync/internal/constants"

	"github.com/sirupsen/logrus"
)

// ShortID keeps the first characters of a generated id, which is enough to
// correlate log lines. Example: "3f2a9c1e-77b0-4f1e-9d2c-0a1b2c3d4e5f" -> "3f2a9c1e..."
func ShortID(id string) string {
	if len(id) <= constants.DefaultIDLogLength {
		return id
	}
	return id[:constants.DefaultIDLogLength] + "..."
}

// MaskUserID masks a user identifier showing only the last 4 characters.
// Example: "user123456" -> "******3456"
func MaskUserID(userID string) string {
	return maskString(userID, 4)
}

// MaskToken hides a bearer token completely except for its length class.
func MaskToken(token string) string {
	switch {
	case token == "":
		return ""
	case len(token) < 32:
		return "[short-token]"
	default:
		return "[token]"
	}
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}
	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskFields applies the masking rule for each well-known log field and drops
// message bodies.
func MaskFields(fields logrus.Fields) logrus.Fields {
	if fields == nil {
		return nil
	}

	masked := make(logrus.Fields, len(fields))
	for k, v := range fields {
		s, isString := v.(string)
		switch {
		case !isString:
			masked[k] = v
		case k == "content" || k == "payload":
			masked[k] = "[redacted]"
		case k == "token" || k == "authorization":
			masked[k] = MaskToken(s)
		case k == "user_id" || k == "sender_id" || k == "contact_id":
			masked[k] = MaskUserID(s)
		case k == "message_id" || k == "correlation_id" || k == "connection_id" || k == "request_id":
			masked[k] = ShortID(s)
		default:
			masked[k] = v
		}
	}
	return masked
}
