package streammath

import (
	"errors"
	"math"
	"math/bits"
	"time"
)

// SecondsPerYear is the accrual year used for basis-point yield math.
const SecondsPerYear = 365 * 24 * 60 * 60

// BasisPointDivisor converts basis points to a fraction (10000 bps = 100%).
const BasisPointDivisor = 10_000

var (
	// ErrOverflow indicates an addition or multiplication exceeded uint64 range.
	ErrOverflow = errors.New("arithmetic overflow")
	// ErrUnderflow indicates a subtraction would have gone below zero.
	ErrUnderflow = errors.New("arithmetic underflow")
)

// SafeAdd returns a+b or ErrOverflow.
func SafeAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// SafeSub returns a-b or ErrUnderflow.
func SafeSub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrUnderflow
	}
	return diff, nil
}

// SafeMul returns a*b or ErrOverflow.
func SafeMul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, ErrOverflow
	}
	return lo, nil
}

// Elapsed returns now-start floored at zero. Callers pass the effective
// "now", which for a paused stream is the pause timestamp.
func Elapsed(now, start time.Time) time.Duration {
	if now.Before(start) {
		return 0
	}
	return now.Sub(start)
}

// WholeSeconds converts a duration to whole seconds, floored at zero.
func WholeSeconds(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d / time.Second)
}

// StreamedAmount returns how much of total has unlocked after elapsed time
// at ratePerSecond. The result is capped at total, so rate*elapsed overflow
// simply saturates at the cap.
func StreamedAmount(ratePerSecond uint64, elapsed time.Duration, total uint64) uint64 {
	secs := WholeSeconds(elapsed)
	streamed, err := SafeMul(ratePerSecond, secs)
	if err != nil || streamed > total {
		return total
	}
	return streamed
}

// AccruedYield returns the yield earned by principal at annualRateBps over
// elapsed time: principal * bps * seconds / (10000 * SecondsPerYear).
// The intermediate product is computed in 128 bits so large principals do
// not overflow.
func AccruedYield(principal, annualRateBps uint64, elapsed time.Duration) uint64 {
	secs := WholeSeconds(elapsed)
	if principal == 0 || annualRateBps == 0 || secs == 0 {
		return 0
	}
	return mulDiv(principal, annualRateBps*secs, BasisPointDivisor*uint64(SecondsPerYear))
}

// mulDiv computes a*b/div using a 128-bit intermediate.
// bps*seconds stays well inside uint64 for any realistic rate and horizon,
// so only the first multiplication needs widening.
func mulDiv(a, b, div uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi >= div {
		// Quotient would not fit; saturate rather than panic in Div64.
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, div)
	return q
}
