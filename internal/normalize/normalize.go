// Package normalize implements the Data Normalizer: deterministic, pure
// functions that sanitize free-text task parameters into the canonical
// shapes specialized agents expect, keyed by capability field name.
package normalize

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// NormalizationError reports a field that could not be normalized. The
// caller decides whether to reject the task or pass the raw value through.
type NormalizationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize: field %q value %q: %s", e.Field, e.Value, e.Reason)
}

func fail(field, value, reason string) error {
	return &NormalizationError{Field: field, Value: value, Reason: reason}
}

var iataLike = regexp.MustCompile(`^[A-Za-z]{3}$`)

// countryNames maps common country names and near-ISO abbreviations to
// their ISO-3166-1-alpha-2 code. Not exhaustive — unrecognized names fail
// with NormalizationError rather than guessing.
var countryNames = map[string]string{
	"france":         "FR",
	"united states":  "US",
	"usa":            "US",
	"america":        "US",
	"united kingdom": "GB",
	"uk":             "GB",
	"britain":        "GB",
	"germany":        "DE",
	"spain":          "ES",
	"italy":          "IT",
	"japan":          "JP",
	"china":          "CN",
	"portugal":       "PT",
	"netherlands":    "NL",
	"belgium":        "BE",
	"switzerland":    "CH",
	"canada":         "CA",
	"mexico":         "MX",
	"brazil":         "BR",
	"australia":      "AU",
}

// Location normalizes a free-text place into "City,CC" (title-cased city,
// upper-cased ISO-3166-1-alpha-2 country), or leaves an IATA-like 3-letter
// code untouched.
func Location(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", fail("location", input, "empty value")
	}
	if iataLike.MatchString(trimmed) && !strings.Contains(trimmed, ",") {
		return trimmed, nil
	}

	idx := strings.LastIndex(trimmed, ",")
	if idx < 0 {
		return "", fail("location", input, "expected \"City,Country\" or a 3-letter code")
	}
	city := strings.TrimSpace(trimmed[:idx])
	country := strings.TrimSpace(trimmed[idx+1:])
	if city == "" || country == "" {
		return "", fail("location", input, "empty city or country segment")
	}

	var cc string
	switch {
	case len(country) == 2 && isAlpha(country):
		cc = strings.ToUpper(country)
	default:
		code, ok := countryNames[strings.ToLower(country)]
		if !ok {
			return "", fail("location", input, fmt.Sprintf("unrecognized country %q", country))
		}
		cc = code
	}

	return titleCase(city) + "," + cc, nil
}

func isAlpha(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(strings.ToLower(w))
		if len(r) > 0 {
			r[0] = unicode.ToUpper(r[0])
		}
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Date normalizes "YYYY-MM-DD", "today", "tomorrow", or a weekday name into
// an ISO date (UTC), anchored on now for relative terms.
func Date(input string, now time.Time) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(input))
	now = now.UTC()

	switch trimmed {
	case "":
		return "", fail("date", input, "empty value")
	case "today":
		return now.Format("2006-01-02"), nil
	case "tomorrow":
		return now.AddDate(0, 0, 1).Format("2006-01-02"), nil
	}

	if wd, ok := weekdayNames[trimmed]; ok {
		days := (int(wd) - int(now.Weekday()) + 7) % 7
		return now.AddDate(0, 0, days).Format("2006-01-02"), nil
	}

	if t, err := time.Parse("2006-01-02", strings.TrimSpace(input)); err == nil {
		return t.Format("2006-01-02"), nil
	}

	return "", fail("date", input, "unrecognized date format, want YYYY-MM-DD, today, tomorrow, or a weekday name")
}

var languageNames = map[string]string{
	"english":    "en",
	"french":     "fr",
	"spanish":    "es",
	"german":     "de",
	"italian":    "it",
	"portuguese": "pt",
	"japanese":   "ja",
	"chinese":    "zh",
	"dutch":      "nl",
	"russian":    "ru",
}

// Language normalizes a language name or code to its ISO-639-1 two-letter
// lowercase code.
func Language(input string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(input))
	if trimmed == "" {
		return "", fail("language", input, "empty value")
	}
	if len(trimmed) == 2 && isAlpha(trimmed) {
		return trimmed, nil
	}
	if code, ok := languageNames[trimmed]; ok {
		return code, nil
	}
	return "", fail("language", input, fmt.Sprintf("unrecognized language %q", input))
}

var currencySymbols = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
	"¥": "JPY",
}

var currencyWords = map[string]string{
	"dollars": "USD",
	"dollar":  "USD",
	"usd":     "USD",
	"euros":   "EUR",
	"euro":    "EUR",
	"eur":     "EUR",
	"pounds":  "GBP",
	"pound":   "GBP",
	"gbp":     "GBP",
	"yen":     "JPY",
	"jpy":     "JPY",
}

var currencyAmountRe = regexp.MustCompile(`[-+]?[0-9]+(?:[.,][0-9]+)?`)

// Currency normalizes free-text prices like "$50", "50 euros", "EUR 50.25"
// into a decimal amount and ISO-4217 code.
func Currency(input string) (decimal.Decimal, string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return decimal.Zero, "", fail("currency", input, "empty value")
	}

	amountMatch := currencyAmountRe.FindString(trimmed)
	if amountMatch == "" {
		return decimal.Zero, "", fail("currency", input, "no numeric amount found")
	}
	amount, err := decimal.NewFromString(strings.ReplaceAll(amountMatch, ",", "."))
	if err != nil {
		return decimal.Zero, "", fail("currency", input, "malformed numeric amount")
	}

	rest := strings.TrimSpace(strings.Replace(trimmed, amountMatch, "", 1))
	lower := strings.ToLower(rest)

	for sym, code := range currencySymbols {
		if strings.Contains(trimmed, sym) {
			return amount, code, nil
		}
	}
	for word, code := range currencyWords {
		if strings.Contains(lower, word) {
			return amount, code, nil
		}
	}
	if len(lower) == 3 && isAlpha(lower) {
		return amount, strings.ToUpper(lower), nil
	}

	return decimal.Zero, "", fail("currency", input, "unrecognized currency designator")
}

// Symbol normalizes a ticker symbol: upper-cased, with any exchange suffix
// (".US", ":NASDAQ") stripped.
func Symbol(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", fail("symbol", input, "empty value")
	}
	for _, sep := range []string{".", ":"} {
		if idx := strings.Index(trimmed, sep); idx > 0 {
			trimmed = trimmed[:idx]
		}
	}
	if !isAlpha(trimmed) {
		return "", fail("symbol", input, "expected an alphabetic ticker")
	}
	return strings.ToUpper(trimmed), nil
}
