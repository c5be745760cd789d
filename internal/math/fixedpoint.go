package math

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
)

// Fixed-point scales. Every monetary amount in the system is an unsigned
// integer scaled by one of these constants; floating point is never used.
const (
	// PricePrecision scales prices and position sizes (6 decimal places).
	PricePrecision uint64 = 1_000_000

	// BpsPrecision scales rates and ratios (basis points, 1/10000).
	BpsPrecision uint64 = 10_000

	// MaintenanceMarginRateBps is the margin-ratio floor below which a
	// position becomes liquidatable (0.5%).
	MaintenanceMarginRateBps uint64 = 50

	// MsPerDay prorates daily funding rates over elapsed milliseconds.
	MsPerDay uint64 = 86_400_000
)

var (
	ErrDivisionByZero  = errors.New("division by zero")
	ErrInvalidLeverage = errors.New("invalid leverage")
)

// int128Pool recycles big.Int intermediates so MulDiv stays allocation-light
// on the hot path.
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MulDiv computes (a*b)/c with a 128-bit intermediate so the product cannot
// overflow before the division. The quotient truncates toward zero.
// Returns ErrDivisionByZero when c == 0. A quotient that does not fit in
// uint64 is an arithmetic overflow and is fatal.
func MulDiv(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, ErrDivisionByZero
	}

	product := getInt128()
	defer putInt128(product)

	product.Mul(
		new(big.Int).SetUint64(a),
		new(big.Int).SetUint64(b),
	)
	product.Quo(product, new(big.Int).SetUint64(c))

	if !product.IsUint64() {
		panic(fmt.Sprintf("FATAL: fixed-point overflow: (%d*%d)/%d exceeds uint64", a, b, c))
	}

	return product.Uint64(), nil
}

// absDiff returns |a-b| without signed intermediates.
func absDiff(a, b uint64) uint64 {
	if a >= b {
		return a - b
	}
	return b - a
}
