package quant

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/casey/whim/pkg/safe"
)

// ScaleDigits is the number of fractional digits a Decimal carries.
// One unit is 10^-18 of the displayed value.
const ScaleDigits = 18

var (
	// ErrOverflow is returned when a value does not fit in 128 bits of units.
	ErrOverflow = errors.New("decimal overflows 128-bit range")
	// ErrTooPrecise is returned for inputs with more than 18 fractional digits.
	ErrTooPrecise = errors.New("decimal has more than 18 fractional digits")
)

var (
	scale = safe.Pow10(ScaleDigits)
	ten   = uint256.NewInt(10)
)

// Zero is the zero decimal.
var Zero Decimal

// Decimal is an exact, non-negative fixed-point quantity.
// Rule #1: No Float. Prices and sizes never pass through float64.
//
// Decimal is a value type: it is comparable with == and usable as a map key.
type Decimal struct {
	units uint256.Int
}

// Price and Size are the roles Decimal plays on the wire.
type (
	Price = Decimal
	Size  = Decimal
)

// ParseError reports the first character Parse could not accept.
type ParseError struct {
	Char rune
	Pos  int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("bad character in decimal at position %d: %q", e.Pos, e.Char)
}

// Parse converts text of the form "1234.5678" into a Decimal.
//
// Trailing zeros are trimmed only when the input contains a decimal point, so
// "6500.20" is 6500.2 while "100" stays one hundred rather than 1. Positions
// in a returned *ParseError refer to the original input. Inputs with no digits
// ("", ".", "0.") parse to zero.
func Parse(s string) (Decimal, error) {
	trimmed := s
	if strings.Contains(s, ".") {
		trimmed = strings.TrimRight(s, "0")
	}

	var n uint256.Int
	afterPoint := false
	fracDigits := 0
	pos := 0
	for _, c := range trimmed {
		switch {
		case c >= '0' && c <= '9':
			shifted, ok := safe.MulU128(&n, ten)
			if !ok {
				return Zero, ErrOverflow
			}
			if n, ok = safe.AddU128(&shifted, uint256.NewInt(uint64(c-'0'))); !ok {
				return Zero, ErrOverflow
			}
			if afterPoint {
				fracDigits++
				if fracDigits > ScaleDigits {
					return Zero, ErrTooPrecise
				}
			}
		case c == '.' && !afterPoint:
			afterPoint = true
		default:
			return Zero, &ParseError{Char: c, Pos: pos}
		}
		pos++
	}

	factor := safe.Pow10(uint(ScaleDigits - fracDigits))
	units, ok := safe.MulU128(&n, &factor)
	if !ok {
		return Zero, ErrOverflow
	}
	return Decimal{units: units}, nil
}

// MustParse is Parse for literals known to be valid. It panics otherwise.
func MustParse(s string) Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("QUANT_BAD_LITERAL: %q: %v", s, err))
	}
	return d
}

// FromUnits builds a Decimal directly from a count of 10^-18 units.
func FromUnits(units uint64) Decimal {
	return Decimal{units: *uint256.NewInt(units)}
}

// FromDigits builds digits × 10^-places, e.g. FromDigits(15, 1) is 1.5.
func FromDigits(digits uint64, places uint) Decimal {
	if places > ScaleDigits {
		panic("QUANT_TOO_MANY_PLACES")
	}
	factor := safe.Pow10(ScaleDigits - places)
	return Decimal{units: safe.MustMulU128(uint256.NewInt(digits), &factor)}
}

// Units returns the raw unit count in decimal notation.
func (d Decimal) Units() string {
	return d.units.Dec()
}

// String renders the value as whole.fraction with at least one fractional digit.
func (d Decimal) String() string {
	var whole, frac uint256.Int
	whole.Div(&d.units, &scale)
	frac.Mod(&d.units, &scale)

	// frac < 10^18 always fits in a uint64.
	f := frac.Uint64()
	width := ScaleDigits
	for width > 1 && f%10 == 0 {
		f /= 10
		width--
	}
	return whole.Dec() + "." + fmt.Sprintf("%0*d", width, f)
}

// Cmp returns -1, 0 or +1 comparing d with other.
func (d Decimal) Cmp(other Decimal) int {
	return d.units.Cmp(&other.units)
}

func (d Decimal) Equal(other Decimal) bool { return d.units.Eq(&other.units) }
func (d Decimal) Less(other Decimal) bool  { return d.units.Lt(&other.units) }
func (d Decimal) IsZero() bool             { return d.units.IsZero() }

// BigDecimal converts to shopspring/decimal for display arithmetic.
func (d Decimal) BigDecimal() decimal.Decimal {
	return decimal.NewFromBigInt(d.units.ToBig(), -ScaleDigits)
}

// MarshalJSON encodes the decimal as a JSON string, never a number literal.
func (d Decimal) MarshalJSON() ([]byte, error) {
	s := d.String()
	buf := make([]byte, 0, len(s)+2)
	buf = append(buf, '"')
	buf = append(buf, s...)
	return append(buf, '"'), nil
}

// UnmarshalJSON accepts only JSON strings. An optional decimal is a *Decimal
// field, which decodes null as nil without reaching this method.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || data[0] != '"' {
		return fmt.Errorf("decimal must be a JSON string, got %s", data)
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
