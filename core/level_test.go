package core

import (
	"errors"
	"math"
	"testing"
)

func TestLinearCurve(t *testing.T) {
	c := LinearCurve{Step: 100}
	tests := []struct {
		xp   int64
		want int64
	}{
		{0, 1},
		{-5, 1},
		{99, 1},
		{100, 2},
		{150, 2},
		{250, 3},
		{1000, 11},
	}
	for _, tt := range tests {
		if got := c.LevelFor(tt.xp); got != tt.want {
			t.Errorf("LinearCurve.LevelFor(%d) = %d, want %d", tt.xp, got, tt.want)
		}
	}
	if got := c.MinExperience(3); got != 200 {
		t.Errorf("MinExperience(3) = %d, want 200", got)
	}
}

func TestSqrtCurve(t *testing.T) {
	c := SqrtCurve{Step: 100}
	tests := []struct {
		xp   int64
		want int64
	}{
		{0, 1},
		{99, 1},
		{100, 2},
		{399, 2},
		{400, 3},
		{899, 3},
		{900, 4},
		{10_000, 11},
	}
	for _, tt := range tests {
		if got := c.LevelFor(tt.xp); got != tt.want {
			t.Errorf("SqrtCurve.LevelFor(%d) = %d, want %d", tt.xp, got, tt.want)
		}
	}
	if got := c.MinExperience(4); got != 900 {
		t.Errorf("MinExperience(4) = %d, want 900", got)
	}
}

func TestCurvesAreMonotonic(t *testing.T) {
	for _, c := range []Curve{LinearCurve{Step: 100}, SqrtCurve{Step: 100}, LinearCurve{Step: 7}, SqrtCurve{Step: 3}} {
		prev := c.LevelFor(0)
		for xp := int64(1); xp <= 50_000; xp += 13 {
			lvl := c.LevelFor(xp)
			if lvl < prev {
				t.Fatalf("%T: level dropped from %d to %d at xp=%d", c, prev, lvl, xp)
			}
			if lo := c.MinExperience(lvl); lo > xp {
				t.Fatalf("%T: MinExperience(%d)=%d above xp=%d", c, lvl, lo, xp)
			}
			prev = lvl
		}
	}
}

func TestCurveByName(t *testing.T) {
	if c, err := CurveByName("", 100); err != nil || c.LevelFor(100) != 2 {
		t.Fatalf("default curve: %v %v", c, err)
	}
	if c, err := CurveByName("sqrt", 100); err != nil || c.LevelFor(400) != 3 {
		t.Fatalf("sqrt curve: %v %v", c, err)
	}
	if _, err := CurveByName("cubic", 100); err == nil {
		t.Fatal("expected unknown curve error")
	}
}

func TestAddExperience(t *testing.T) {
	p := NewProgress("ana")

	p, up, err := AddExperience(p, 150, LinearCurve{Step: 100})
	if err != nil {
		t.Fatal(err)
	}
	if p.Experience != 150 || p.Level != 2 || !up {
		t.Fatalf("got xp=%d level=%d up=%v", p.Experience, p.Level, up)
	}

	p, up, _ = AddExperience(p, 20, LinearCurve{Step: 100})
	if up || p.Level != 2 || p.Experience != 170 {
		t.Fatalf("unexpected level up: %+v", p)
	}

	// several levels at once still reports a single level-up
	p, up, _ = AddExperience(p, 500, LinearCurve{Step: 100})
	if !up || p.Level != 7 {
		t.Fatalf("multi level jump: level=%d up=%v", p.Level, up)
	}
}

func TestAddExperienceAddsExactly(t *testing.T) {
	for _, amount := range []int64{0, 1, 99, 100, 12345} {
		p := UserProgress{UserID: "u", Experience: 42, Level: 1}
		got, _, err := AddExperience(p, amount, nil)
		if err != nil {
			t.Fatal(err)
		}
		if got.Experience != p.Experience+amount {
			t.Fatalf("amount %d: got %d", amount, got.Experience)
		}
		if got.Level != DefaultCurve.LevelFor(got.Experience) {
			t.Fatalf("level not derived from experience: %+v", got)
		}
	}
}

func TestAddExperienceRejectsNegative(t *testing.T) {
	p := UserProgress{UserID: "u", Experience: 300, Level: 4}
	got, up, err := AddExperience(p, -1, nil)
	if !errors.Is(err, ErrNegativeExperience) {
		t.Fatalf("expected ErrNegativeExperience, got %v", err)
	}
	if up || got != p {
		t.Fatalf("progress must be unchanged: %+v", got)
	}
}

func TestAddExperienceOverflow(t *testing.T) {
	p := UserProgress{UserID: "u", Experience: math.MaxInt64, Level: 1}
	if _, _, err := AddExperience(p, 1, nil); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestLevelProgress(t *testing.T) {
	p := UserProgress{Experience: 150, Level: 2}
	pct, toNext := LevelProgress(p, LinearCurve{Step: 100})
	if pct != 50 || toNext != 50 {
		t.Fatalf("linear: pct=%d toNext=%d", pct, toNext)
	}

	p = UserProgress{Experience: 100, Level: 2}
	pct, toNext = LevelProgress(p, SqrtCurve{Step: 100})
	if pct != 0 || toNext != 300 {
		t.Fatalf("sqrt: pct=%d toNext=%d", pct, toNext)
	}
}

func TestCurvesAtMaxExperience(t *testing.T) {
	tests := []struct {
		curve Curve
		want  int64
	}{
		{SqrtCurve{Step: 100}, 303_700_050},
		{SqrtCurve{Step: 3}, 1_753_413_057},
		{LinearCurve{Step: 100}, math.MaxInt64/100 + 1},
	}
	for _, tt := range tests {
		level := tt.curve.LevelFor(math.MaxInt64)
		if level != tt.want {
			t.Errorf("%T%+v.LevelFor(MaxInt64) = %d, want %d", tt.curve, tt.curve, level, tt.want)
		}
		if lo := tt.curve.MinExperience(level); lo < 0 {
			t.Errorf("%T MinExperience(%d) = %d", tt.curve, level, lo)
		}
		if hi := tt.curve.MinExperience(level + 1); hi != math.MaxInt64 {
			t.Errorf("%T MinExperience(%d) = %d, want saturation", tt.curve, level+1, hi)
		}
		pct, _ := LevelProgress(UserProgress{Experience: math.MaxInt64}, tt.curve)
		if pct < 0 || pct > 100 {
			t.Errorf("%T percent = %d", tt.curve, pct)
		}
	}
}
