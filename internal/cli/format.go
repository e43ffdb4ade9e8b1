package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FormatMoney renders an amount with two decimals and thousands separators.
func FormatMoney(amount decimal.Decimal) string {
	negative := amount.IsNegative()
	s := amount.Abs().StringFixed(2)

	intPart, decPart, _ := strings.Cut(s, ".")
	result := groupThousands(intPart) + "." + decPart
	if negative {
		return "-" + result
	}
	return result
}

// groupThousands inserts commas every three digits from the right.
func groupThousands(s string) string {
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatPercent formats a percentage with sign.
func FormatPercent(value float64) string {
	sign := ""
	if value > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%.2f%%", sign, value)
}

// FormatQuantity drops trailing zeros from a quantity.
func FormatQuantity(q decimal.Decimal) string {
	if q.IsZero() {
		return "-"
	}
	return q.String()
}

// FormatTime renders t in layout, or "never" for nil.
func FormatTime(t *time.Time, layout string) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Local().Format(layout)
}

// FormatOptional renders an optional float.
func FormatOptional(v *float64, suffix string) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f%s", *v, suffix)
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
