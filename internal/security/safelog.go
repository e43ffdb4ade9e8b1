package security

import (
	"regexp"
	"strings"
)

// sensitivePatterns match credentials embedded in URLs, headers and bodies.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|api[_-]?secret|secret[_-]?key|access[_-]?token|refresh[_-]?token|password|signature|x-mbx-apikey)(["']?\s*[=:]\s*["']?)([^\s"'&,}]+)`),
	regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-._~+/]+=*)`),
	regexp.MustCompile(`(sk-[A-Za-z0-9_-]{20,})`),
	regexp.MustCompile(`(gsk_[A-Za-z0-9]{20,})`),
}

// SanitizeString masks credentials found in free text such as error
// messages, request URLs and raw brokerage responses.
func SanitizeString(input string) string {
	result := sensitivePatterns[0].ReplaceAllStringFunc(input, func(match string) string {
		m := sensitivePatterns[0].FindStringSubmatch(match)
		return m[1] + m[2] + MaskCredential(m[3])
	})
	result = sensitivePatterns[1].ReplaceAllStringFunc(result, func(match string) string {
		m := sensitivePatterns[1].FindStringSubmatch(match)
		return m[1] + MaskCredential(m[2])
	})
	for _, pattern := range sensitivePatterns[2:] {
		result = pattern.ReplaceAllStringFunc(result, MaskCredential)
	}
	return result
}

// MaskCredential masks a credential value for logging.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// ContainsSensitiveData checks if a string contains sensitive data patterns.
func ContainsSensitiveData(input string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(input) {
			return true
		}
	}
	return false
}
