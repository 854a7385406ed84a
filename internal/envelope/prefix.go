package envelope

import "strings"

// InvalidPrefix is returned for node ids that do not start with 16 hex chars.
// It is safe to embed in paths, SQL parameters, and log lines.
const InvalidPrefix = "invalid"

// SanitizePrefix extracts the validated 16-char lowercase hex prefix of a
// node id. Anything else (short ids, uppercase beyond folding, non-hex)
// collapses to InvalidPrefix. Every path, query parameter, and log tag built
// from a sender id goes through here first.
func SanitizePrefix(node string) string {
	if len(node) < 16 {
		return InvalidPrefix
	}
	p := strings.ToLower(node[:16])
	if !isHex16(p) {
		return InvalidPrefix
	}
	return p
}

// ValidPrefix reports whether s is exactly 16 lowercase hex chars.
func ValidPrefix(s string) bool {
	return len(s) == 16 && isHex16(s)
}

func isHex16(s string) bool {
	if len(s) != 16 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
