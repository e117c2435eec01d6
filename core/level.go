package core

import (
	"fmt"
	"math"
	"math/bits"
)

// DefaultXPStep is the experience needed per level on the default curve.
const DefaultXPStep = 100

// Curve maps total experience to a level. LevelFor must be pure and
// non-decreasing in xp; MinExperience is its inverse (the least xp at which a
// level is reached).
type Curve interface {
	LevelFor(xp int64) int64
	MinExperience(level int64) int64
}

// LinearCurve: level = floor(xp/Step) + 1.
type LinearCurve struct{ Step int64 }

func (c LinearCurve) step() int64 {
	if c.Step <= 0 {
		return DefaultXPStep
	}
	return c.Step
}

func (c LinearCurve) LevelFor(xp int64) int64 {
	if xp <= 0 {
		return 1
	}
	return xp/c.step() + 1
}

func (c LinearCurve) MinExperience(level int64) int64 {
	if level <= 1 {
		return 0
	}
	return mulSat(level-1, c.step())
}

// SqrtCurve: level = floor(sqrt(xp/Step)) + 1, so each level costs more than the last.
type SqrtCurve struct{ Step int64 }

func (c SqrtCurve) step() int64 {
	if c.Step <= 0 {
		return DefaultXPStep
	}
	return c.Step
}

func (c SqrtCurve) LevelFor(xp int64) int64 {
	if xp <= 0 {
		return 1
	}
	// n*n*step <= xp exactly when n*n <= xp/step
	q := xp / c.step()
	n := int64(math.Sqrt(float64(q)))
	for n > 0 && n > q/n {
		n--
	}
	for n+1 <= q/(n+1) {
		n++
	}
	return n + 1
}

func (c SqrtCurve) MinExperience(level int64) int64 {
	if level <= 1 {
		return 0
	}
	n := level - 1
	return mulSat(mulSat(n, n), c.step())
}

// mulSat multiplies two non-negative values, saturating at math.MaxInt64.
func mulSat(a, b int64) int64 {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(lo)
}

// Percent returns floor(part*100/whole) clamped to [0, 100]. It never
// overflows, whatever the magnitudes.
func Percent(part, whole int64) int {
	if whole <= 0 || part <= 0 {
		return 0
	}
	if part >= whole {
		return 100
	}
	hi, lo := bits.Mul64(uint64(part), 100)
	q, _ := bits.Div64(hi, lo, uint64(whole))
	return int(q)
}

// DefaultCurve is the curve used when none is configured.
var DefaultCurve Curve = LinearCurve{Step: DefaultXPStep}

// CurveByName resolves a configured curve name ("linear" or "sqrt").
func CurveByName(name string, step int64) (Curve, error) {
	switch name {
	case "", "linear":
		return LinearCurve{Step: step}, nil
	case "sqrt":
		return SqrtCurve{Step: step}, nil
	default:
		return nil, fmt.Errorf("unknown level curve %q", name)
	}
}

// AddExperience adds amount to the progress total and recomputes the level.
// leveledUp is true whenever the new level is above the old one, however many
// levels were gained. Negative amounts are rejected and p is returned as is.
func AddExperience(p UserProgress, amount int64, curve Curve) (UserProgress, bool, error) {
	if amount < 0 {
		return p, false, ErrNegativeExperience
	}
	if curve == nil {
		curve = DefaultCurve
	}
	total, err := AddSafe(p.Experience, amount)
	if err != nil {
		return p, false, err
	}
	previous := p.Level
	p.Experience = total
	p.Level = curve.LevelFor(total)
	return p, p.Level > previous, nil
}

// LevelProgress returns how far p is through its current level, as a whole
// percentage, and the experience still missing for the next level.
func LevelProgress(p UserProgress, curve Curve) (percent int, toNext int64) {
	if curve == nil {
		curve = DefaultCurve
	}
	level := curve.LevelFor(p.Experience)
	lo := curve.MinExperience(level)
	hi := curve.MinExperience(level + 1)
	toNext = hi - p.Experience
	span := hi - lo
	if span <= 0 {
		return 100, toNext
	}
	return Percent(p.Experience-lo, span), toNext
}
