package template

import (
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var amountPrinter = message.NewPrinter(language.English)

// FormatAmount renders a numeric value as a grouped decimal with exactly two
// fraction digits, e.g. 150000 -> "150,000.00".
func FormatAmount(v float64) string {
	return amountPrinter.Sprint(number.Decimal(v,
		number.MinFractionDigits(2),
		number.MaxFractionDigits(2),
	))
}

// dateLayouts are the ISO shapes accepted by FormatDate, most specific first.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// FormatDate renders an ISO date string as a long date ("January 15, 2025").
// The second return is false when the input does not parse.
func FormatDate(s string) (string, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("January 2, 2006"), true
		}
	}
	return "", false
}

// formatValue renders an interpolated value. Numbers are grouped, timestamps
// become long dates, everything else is stringified as-is.
func formatValue(v any) string {
	if t, ok := v.(time.Time); ok {
		return t.Format("January 2, 2006")
	}
	if f, ok := asNumber(v); ok {
		return amountPrinter.Sprint(number.Decimal(f))
	}
	if s, ok := v.(string); ok {
		return s
	}
	return amountPrinter.Sprint(v)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
