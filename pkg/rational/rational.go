package rational

import (
	"fmt"
	"math"
	"math/bits"
)

// Rational is a num/den pair, such as a codec time base (1/90000) or a frame rate (60/1)
type Rational struct {
	Num int
	Den int
}

func New(num, den int) Rational {
	return Rational{Num: num, Den: den}
}

// Invert returns den/num. A frame rate inverted is the duration of a single frame.
func (r Rational) Invert() Rational {
	return Rational{Num: r.Den, Den: r.Num}
}

func (r Rational) IsValid() bool {
	return r.Num != 0 && r.Den != 0
}

func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

func (r Rational) String() string {
	return fmt.Sprintf("%v/%v", r.Num, r.Den)
}

// Rescale computes a * b / c, rounding to the nearest integer, with halfway cases rounded
// away from zero. The intermediate product is 128 bits wide, so there is no overflow
// unless the result itself does not fit in an int64, in which case the result saturates.
// c must not be zero.
func Rescale(a, b, c int64) int64 {
	if c == 0 {
		panic("rational.Rescale: division by zero")
	}
	neg := false
	if a < 0 {
		neg = !neg
	}
	if b < 0 {
		neg = !neg
	}
	if c < 0 {
		neg = !neg
	}
	ua := absU64(a)
	ub := absU64(b)
	uc := absU64(c)

	hi, lo := bits.Mul64(ua, ub)
	// add c/2 for round-to-nearest
	var carry uint64
	lo, carry = bits.Add64(lo, uc/2, 0)
	hi += carry
	if hi >= uc {
		// quotient doesn't fit in 64 bits
		if neg {
			return math.MinInt64
		}
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, uc)
	if q > math.MaxInt64 {
		if neg {
			return math.MinInt64
		}
		return math.MaxInt64
	}
	if neg {
		return -int64(q)
	}
	return int64(q)
}

// RescaleQ converts a timestamp from time base 'from' into time base 'to'.
func RescaleQ(a int64, from, to Rational) int64 {
	b := int64(from.Num) * int64(to.Den)
	c := int64(to.Num) * int64(from.Den)
	return Rescale(a, b, c)
}

func absU64(v int64) uint64 {
	if v < 0 {
		return uint64(-(v + 1)) + 1
	}
	return uint64(v)
}
