package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLocationCityCountry(t *testing.T) {
	got, err := Location("Nice, Fr")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Nice,FR" {
		t.Fatalf("Location(%q) = %q, want %q", "Nice, Fr", got, "Nice,FR")
	}
}

func TestLocationFullCountryName(t *testing.T) {
	got, err := Location("paris, france")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Paris,FR" {
		t.Fatalf("Location() = %q, want Paris,FR", got)
	}
}

func TestLocationIATACodePassesThrough(t *testing.T) {
	got, err := Location("NCE")
	if err != nil {
		t.Fatal(err)
	}
	if got != "NCE" {
		t.Fatalf("Location(IATA) = %q, want unchanged NCE", got)
	}
}

func TestLocationUnrecognizedCountryFails(t *testing.T) {
	_, err := Location("Nowhere, Atlantis")
	var nerr *NormalizationError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NormalizationError, got %v", err)
	}
	if nerr.Field != "location" {
		t.Fatalf("Field = %q", nerr.Field)
	}
}

func TestLocationIsIdempotent(t *testing.T) {
	once, err := Location("Nice, Fr")
	if err != nil {
		t.Fatal(err)
	}
	twice, err := Location(once)
	if err != nil {
		t.Fatal(err)
	}
	if once != twice {
		t.Fatalf("Location not idempotent: %q -> %q", once, twice)
	}
}

func TestDateLiteralTerms(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC) // Thursday

	today, err := Date("today", now)
	if err != nil || today != "2026-07-30" {
		t.Fatalf("Date(today) = %q, err=%v", today, err)
	}

	tomorrow, err := Date("tomorrow", now)
	if err != nil || tomorrow != "2026-07-31" {
		t.Fatalf("Date(tomorrow) = %q, err=%v", tomorrow, err)
	}

	monday, err := Date("monday", now)
	if err != nil {
		t.Fatal(err)
	}
	if monday != "2026-08-03" {
		t.Fatalf("Date(monday) = %q, want next Monday 2026-08-03", monday)
	}
}

func TestDateISOPassThrough(t *testing.T) {
	got, err := Date("2026-12-25", time.Now())
	if err != nil || got != "2026-12-25" {
		t.Fatalf("Date(iso) = %q, err=%v", got, err)
	}
}

func TestDateUnknownFails(t *testing.T) {
	_, err := Date("next decade", time.Now())
	var nerr *NormalizationError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NormalizationError, got %v", err)
	}
}

func TestLanguageNamesAndCodes(t *testing.T) {
	cases := map[string]string{
		"French": "fr",
		"EN":     "en",
		"german": "de",
	}
	for in, want := range cases {
		got, err := Language(in)
		if err != nil {
			t.Fatalf("Language(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("Language(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLanguageUnrecognizedFails(t *testing.T) {
	if _, err := Language("klingon"); err == nil {
		t.Fatal("expected error for unrecognized language")
	}
}

func TestCurrencySymbolAndWords(t *testing.T) {
	amount, code, err := Currency("$50")
	if err != nil {
		t.Fatal(err)
	}
	if code != "USD" || !amount.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("Currency($50) = %v %s", amount, code)
	}

	amount, code, err = Currency("50 euros")
	if err != nil {
		t.Fatal(err)
	}
	if code != "EUR" || !amount.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("Currency(50 euros) = %v %s", amount, code)
	}

	amount, code, err = Currency("EUR 99.50")
	if err != nil {
		t.Fatal(err)
	}
	if code != "EUR" || !amount.Equal(decimal.NewFromFloat(99.5)) {
		t.Fatalf("Currency(EUR 99.50) = %v %s", amount, code)
	}
}

func TestCurrencyUnrecognizedFails(t *testing.T) {
	if _, _, err := Currency("a lot of money"); err == nil {
		t.Fatal("expected error for unrecognized currency text")
	}
}

func TestSymbolStripsExchangeSuffix(t *testing.T) {
	cases := map[string]string{
		"aapl":        "AAPL",
		"AAPL.US":     "AAPL",
		"aapl:NASDAQ": "AAPL",
	}
	for in, want := range cases {
		got, err := Symbol(in)
		if err != nil {
			t.Fatalf("Symbol(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("Symbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSymbolRejectsNonAlpha(t *testing.T) {
	if _, err := Symbol("123"); err == nil {
		t.Fatal("expected error for non-alphabetic symbol")
	}
}
