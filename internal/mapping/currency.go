package mapping

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const defaultScale = 2

// Scale returns the number of minor-unit digits for an ISO 4217 code.
// Unknown or empty codes use 2.
func Scale(code string) int {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return defaultScale
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale
}

// FormatMinor renders a minor-unit amount as a plain decimal string with
// exactly Scale(code) fraction digits: 183000 USD -> "1830.00".
func FormatMinor(amount int64, code string) string {
	scale := Scale(code)
	if scale == 0 {
		return strconv.FormatInt(amount, 10)
	}
	sign := ""
	abs := uint64(amount)
	if amount < 0 {
		sign = "-"
		abs = uint64(-(amount + 1)) + 1
	}
	div := uint64(math.Pow10(scale))
	return fmt.Sprintf("%s%d.%0*d", sign, abs/div, scale, abs%div)
}

// ParseMinor is the inverse of FormatMinor. Thousands separators and a
// leading currency symbol are ignored. Digits beyond the currency scale are
// rounded half away from zero.
func ParseMinor(s, code string) (int64, error) {
	raw := strings.TrimSpace(s)
	raw = strings.ReplaceAll(raw, ",", "")
	raw = strings.ReplaceAll(raw, " ", "")
	neg := false
	if strings.HasPrefix(raw, "-") {
		neg = true
		raw = raw[1:]
	}
	raw = strings.TrimLeftFunc(raw, func(r rune) bool { return (r < '0' || r > '9') && r != '.' })
	if strings.HasPrefix(raw, "-") {
		neg = !neg
		raw = raw[1:]
	}
	if raw == "" {
		return 0, fmt.Errorf("parse amount %q: no digits", s)
	}
	whole, frac, _ := strings.Cut(raw, ".")
	if whole == "" {
		whole = "0"
	}
	if !allDigits(whole) || !allDigits(frac) {
		return 0, fmt.Errorf("parse amount %q: invalid characters", s)
	}

	scale := Scale(code)
	roundUp := false
	if len(frac) > scale {
		roundUp = frac[scale] >= '5'
		frac = frac[:scale]
	}
	frac += strings.Repeat("0", scale-len(frac))

	value, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if roundUp {
		value++
	}
	if neg {
		value = -value
	}
	return value, nil
}

// Display renders an amount for humans, e.g. "$ 1,830.00".
func Display(amount int64, code string) string {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return FormatMinor(amount, code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	value := float64(amount) / math.Pow10(scale)
	p := message.NewPrinter(language.English)
	return p.Sprint(currency.Symbol(unit.Amount(value)))
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
