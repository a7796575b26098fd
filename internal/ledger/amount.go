package ledger

import "math"

// AddChecked returns a+b, reporting false when the sum is not
// representable in 64 bits. Amounts on the money path never wrap.
func AddChecked(a, b int64) (int64, bool) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, false
	}
	if b < 0 && a < math.MinInt64-b {
		return 0, false
	}
	return a + b, true
}

// MulChecked returns a*b, reporting false on overflow.
func MulChecked(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	// MinInt64 has no positive counterpart, so its products cannot be
	// verified by division.
	if a == math.MinInt64 || b == math.MinInt64 {
		return 0, false
	}
	p := a * b
	if p/b != a {
		return 0, false
	}
	return p, true
}

// NegChecked returns -a, reporting false for MinInt64.
func NegChecked(a int64) (int64, bool) {
	if a == math.MinInt64 {
		return 0, false
	}
	return -a, true
}
