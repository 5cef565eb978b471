package jsonenc

import (
	"math"
	"testing"
)

func TestAppendFloat64Plain(t *testing.T) {
	cases := map[float64]string{
		0:     "0",
		1:     "1",
		70.0:  "70",
		75.5:  "75.5",
		-5:    "-5",
		100.0: "100",
	}
	for in, want := range cases {
		got := string(AppendFloat64(nil, in))
		if got != want {
			t.Errorf("AppendFloat64(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestAppendFloat64Exponential(t *testing.T) {
	got := string(AppendFloat64(nil, 1e22))
	if got != "1e+22" {
		t.Errorf("AppendFloat64(1e22) = %q, want 1e+22", got)
	}
}

func TestAppendFloat64SpecialValues(t *testing.T) {
	nan := string(AppendFloat64(nil, math.NaN()))
	if nan != `"NaN"` {
		t.Errorf("AppendFloat64(NaN) = %q", nan)
	}
	posInf := string(AppendFloat64(nil, math.Inf(1)))
	if posInf != `"Infinity"` {
		t.Errorf("AppendFloat64(+Inf) = %q", posInf)
	}
	negInf := string(AppendFloat64(nil, math.Inf(-1)))
	if negInf != `"-Infinity"` {
		t.Errorf("AppendFloat64(-Inf) = %q", negInf)
	}
}
