package safe

import (
	"github.com/holiman/uint256"
)

// U128Bits is the width every checked result must fit in.
const U128Bits = 128

// AddU128 returns x+y and reports whether the sum fits in 128 bits.
func AddU128(x, y *uint256.Int) (uint256.Int, bool) {
	var z uint256.Int
	if _, overflow := z.AddOverflow(x, y); overflow || !FitsU128(&z) {
		return z, false
	}
	return z, true
}

// MulU128 returns x*y and reports whether the product fits in 128 bits.
func MulU128(x, y *uint256.Int) (uint256.Int, bool) {
	var z uint256.Int
	if _, overflow := z.MulOverflow(x, y); overflow || !FitsU128(&z) {
		return z, false
	}
	return z, true
}

// MustAddU128 performs 128-bit addition and panics on overflow.
func MustAddU128(x, y *uint256.Int) uint256.Int {
	z, ok := AddU128(x, y)
	if !ok {
		panic("CORE_SAFE_ADD_OVERFLOW")
	}
	return z
}

// MustMulU128 performs 128-bit multiplication and panics on overflow.
func MustMulU128(x, y *uint256.Int) uint256.Int {
	z, ok := MulU128(x, y)
	if !ok {
		panic("CORE_SAFE_MUL_OVERFLOW")
	}
	return z
}

// Pow10 returns 10^exp, panicking when the result leaves the 128-bit range.
func Pow10(exp uint) uint256.Int {
	z := *uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := uint(0); i < exp; i++ {
		z = MustMulU128(&z, ten)
	}
	return z
}

// FitsU128 reports whether x is inside the 128-bit range.
func FitsU128(x *uint256.Int) bool {
	return x.BitLen() <= U128Bits
}
