package engine

import (
	"fmt"
	"math"

	"github.com/holiman/uint256"

	"github.com/predictlens/predictlens/internal/domain"
)

// addAmount returns a+b for non-negative amounts, failing on int64 overflow.
func addAmount(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, fmt.Errorf("negative operand %d + %d: %w", a, b, domain.ErrAmountOverflow)
	}
	if a > math.MaxInt64-b {
		return 0, fmt.Errorf("%d + %d: %w", a, b, domain.ErrAmountOverflow)
	}
	return a + b, nil
}

// mulAmount returns a*b for non-negative amounts.
func mulAmount(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, fmt.Errorf("negative operand %d * %d: %w", a, b, domain.ErrAmountOverflow)
	}
	z, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(uint64(a)), uint256.NewInt(uint64(b)))
	return toAmount(z, overflow)
}

// mulDiv returns floor(a*b/d) with a 256-bit intermediate product.
func mulDiv(a, b, d int64) (int64, error) {
	if a < 0 || b < 0 || d <= 0 {
		return 0, fmt.Errorf("mulDiv(%d, %d, %d): %w", a, b, d, domain.ErrAmountOverflow)
	}
	z, overflow := new(uint256.Int).MulDivOverflow(
		uint256.NewInt(uint64(a)), uint256.NewInt(uint64(b)), uint256.NewInt(uint64(d)),
	)
	return toAmount(z, overflow)
}

func toAmount(z *uint256.Int, overflow bool) (int64, error) {
	if overflow || !z.IsUint64() || z.Uint64() > math.MaxInt64 {
		return 0, domain.ErrAmountOverflow
	}
	return int64(z.Uint64()), nil
}
