// Package money converts between token amounts and currency minor units and
// splits gross amounts between recipients. All arithmetic is integer.
package money

import (
	"errors"
	"math"
)

// BasisPointsTotal is 100% expressed in basis points.
const BasisPointsTotal int64 = 10000

var (
	ErrInvalidRate   = errors.New("invalid_rate")
	ErrInvalidShares = errors.New("invalid_shares")
	ErrOverflow      = errors.New("amount_overflow")
	ErrNegative      = errors.New("negative_amount")
)

// Rate is the currency value of a single token, in minor units (cents).
type Rate struct {
	UnitCents int64
}

func NewRate(unitCents int64) (Rate, error) {
	if unitCents <= 0 {
		return Rate{}, ErrInvalidRate
	}
	return Rate{UnitCents: unitCents}, nil
}

// TokensToCents is exact: one token is a whole number of cents.
func (r Rate) TokensToCents(tokens int64) (int64, error) {
	if r.UnitCents <= 0 {
		return 0, ErrInvalidRate
	}
	if tokens < 0 {
		return 0, ErrNegative
	}
	if tokens > math.MaxInt64/r.UnitCents {
		return 0, ErrOverflow
	}
	return tokens * r.UnitCents, nil
}

// CentsToTokens rounds down; a partial token is never issued.
func (r Rate) CentsToTokens(cents int64) (int64, error) {
	if r.UnitCents <= 0 {
		return 0, ErrInvalidRate
	}
	if cents < 0 {
		return 0, ErrNegative
	}
	return cents / r.UnitCents, nil
}

// Allocate splits gross across shares given in basis points. Shares must sum
// to BasisPointsTotal. Each part is rounded down and the remainder goes to
// the first share, so the parts always sum to gross.
func Allocate(gross int64, sharesBps ...int64) ([]int64, error) {
	if gross < 0 {
		return nil, ErrNegative
	}
	if len(sharesBps) == 0 {
		return nil, ErrInvalidShares
	}
	var total int64
	for _, bps := range sharesBps {
		if bps < 0 || bps > BasisPointsTotal {
			return nil, ErrInvalidShares
		}
		total += bps
	}
	if total != BasisPointsTotal {
		return nil, ErrInvalidShares
	}

	parts := make([]int64, len(sharesBps))
	var allocated int64
	for i, bps := range sharesBps {
		part, err := MulDiv(gross, bps, BasisPointsTotal)
		if err != nil {
			return nil, err
		}
		parts[i] = part
		allocated += part
	}
	parts[0] += gross - allocated
	return parts, nil
}

// SplitFee returns the recipient remainder and the platform cut for a fee
// expressed in basis points.
func SplitFee(gross, feeBps int64) (recipient, platform int64, err error) {
	if feeBps < 0 || feeBps > BasisPointsTotal {
		return 0, 0, ErrInvalidShares
	}
	parts, err := Allocate(gross, BasisPointsTotal-feeBps, feeBps)
	if err != nil {
		return 0, 0, err
	}
	return parts[0], parts[1], nil
}

// MulDiv returns a*b/div truncated toward zero, or ErrOverflow when a*b does
// not fit in int64. a and b must be non-negative.
func MulDiv(a, b, div int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if a > math.MaxInt64/b {
		return 0, ErrOverflow
	}
	return a * b / div, nil
}
