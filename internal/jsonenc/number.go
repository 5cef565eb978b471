// Package jsonenc provides low-level JSON value encoding helpers used
// where the standard library's encoding/json would allocate more than
// this package's hot paths can afford, or would reject a value
// (NaN/Inf) that still needs a deterministic wire rendering.
package jsonenc

import (
	"math"
	"strconv"
)

// AppendFloat64 appends the JSON rendering of val to dst, matching
// encoding/json's float formatting rules (shortest round-trippable
// decimal, switching to exponential notation outside [1e-6, 1e21)).
// NaN and +/-Inf have no JSON numeric representation; they are rendered
// as the quoted sentinel strings "NaN"/"Infinity"/"-Infinity" rather than
// causing the caller's encode to fail outright.
func AppendFloat64(dst []byte, val float64) []byte {
	return appendFloat(dst, val, 64)
}

func appendFloat(dst []byte, val float64, bitSize int) []byte {
	switch {
	case math.IsNaN(val):
		return append(dst, `"NaN"`...)
	case math.IsInf(val, 1):
		return append(dst, `"Infinity"`...)
	case math.IsInf(val, -1):
		return append(dst, `"-Infinity"`...)
	}
	fmtByte := byte('f')
	if abs := math.Abs(val); abs != 0 && (abs < 1e-6 || abs >= 1e21) {
		fmtByte = 'e'
	}
	dst = strconv.AppendFloat(dst, val, fmtByte, -1, bitSize)
	if fmtByte == 'e' {
		// Normalise e-09 to e-9, matching encoding/json's exponent style.
		n := len(dst)
		if n >= 4 && dst[n-4] == 'e' && dst[n-3] == '-' && dst[n-2] == '0' {
			dst[n-2] = dst[n-1]
			dst = dst[:n-1]
		}
	}
	return dst
}
