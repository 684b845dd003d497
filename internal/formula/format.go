package formula

import (
	"math"
	"math/big"
	"strings"
	"time"
)

// FormatResult renders a formula value for display: dates as yyyy-MM-dd, booleans as Yes or
// No, whole numbers as-is and other numbers with two decimals.
func FormatResult(v Value) string {
	switch x := v.(type) {
	case nil:
		return ""
	case time.Time:
		return x.Format("2006-01-02")
	case *time.Time:
		if x == nil {
			return ""
		}
		return x.Format("2006-01-02")
	case bool:
		if x {
			return "Yes"
		}
		return "No"
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) || x == math.Trunc(x) {
			return formatNumber(x)
		}
		return ToFixed(x, 2)
	case int, int64, int32, float32:
		return FormatResult(normalize(x))
	default:
		return toText(x)
	}
}

// ToFixed formats x with exactly digits decimals. Ties on the exact binary value round away
// from zero.
func ToFixed(x float64, digits int) string {
	if math.IsNaN(x) || math.IsInf(x, 0) || math.Abs(x) >= 1e21 {
		return formatNumber(x)
	}
	if digits < 0 {
		digits = 0
	}
	r := new(big.Rat).SetFloat64(math.Abs(x))
	r.Mul(r, new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)))
	r.Add(r, big.NewRat(1, 2))
	n := new(big.Int).Quo(r.Num(), r.Denom())

	s := n.String()
	if digits > 0 {
		if len(s) <= digits {
			s = strings.Repeat("0", digits-len(s)+1) + s
		}
		s = s[:len(s)-digits] + "." + s[len(s)-digits:]
	}
	if x < 0 {
		s = "-" + s
	}
	return s
}
