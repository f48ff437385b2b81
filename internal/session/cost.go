package session

import (
	"time"

	"github.com/shopspring/decimal"
)

var nanosPerMinute = decimal.NewFromInt(int64(time.Minute))

// Cost returns ceil(elapsed minutes * ratePerMinute), computed exactly.
func Cost(elapsed time.Duration, ratePerMinute int64) int64 {
	if elapsed <= 0 || ratePerMinute <= 0 {
		return 0
	}
	total := decimal.NewFromInt(int64(elapsed)).Mul(decimal.NewFromInt(ratePerMinute))
	quotient, remainder := total.QuoRem(nanosPerMinute, 0)
	if remainder.Sign() > 0 {
		quotient = quotient.Add(decimal.NewFromInt(1))
	}
	return quotient.IntPart()
}
