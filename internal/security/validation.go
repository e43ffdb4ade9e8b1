package security

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var (
	// Yahoo-style tickers: AAPL, BRK-B, GGAL.BA, ^GSPC, BTC-USD, EURUSD=X
	tickerPattern = regexp.MustCompile(`^\^?[A-Z0-9][A-Z0-9.&=-]{0,19}$`)

	sqlInjectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(union\s+select|select\s+\*|drop\s+table|insert\s+into|delete\s+from)`),
		regexp.MustCompile(`(--|;|\\x00)`),
	}
)

// InputError describes rejected user input.
type InputError struct {
	Field   string
	Value   string
	Message string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Message)
}

// NormalizeTicker upper-cases and trims a ticker, then validates its format.
func NormalizeTicker(ticker string) (string, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return "", &InputError{Field: "ticker", Value: ticker, Message: "ticker cannot be empty"}
	}
	if !tickerPattern.MatchString(ticker) {
		return "", &InputError{Field: "ticker", Value: ticker, Message: "invalid ticker format"}
	}
	return ticker, nil
}

// ValidateText validates free-form text such as rule names and prompts.
func ValidateText(field, text string, maxLen int) error {
	if len(text) > maxLen {
		return &InputError{Field: field, Value: text[:min(len(text), 40)] + "...", Message: fmt.Sprintf("text too long (max %d characters)", maxLen)}
	}
	for _, pattern := range sqlInjectionPatterns {
		if pattern.MatchString(text) {
			return &InputError{Field: field, Value: SanitizeString(text), Message: "potentially dangerous content detected"}
		}
	}
	return nil
}

// SanitizeText removes control characters from free-form text.
func SanitizeText(text string) string {
	var result strings.Builder
	for _, r := range text {
		if unicode.IsPrint(r) || r == ' ' {
			result.WriteRune(r)
		}
	}
	return strings.TrimSpace(result.String())
}
