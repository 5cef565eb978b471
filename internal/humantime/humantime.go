// Package humantime implements the human-readable duration and byte-size
// scalars used throughout window and rule configuration: "30s", "5m", "1h",
// "2d" for durations and "256MB", "2GB" for byte counts. Both types parse
// from and render back to a canonical text form, choosing the largest unit
// that divides the value exactly.
package humantime

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ParseError reports a malformed human-size literal.
type ParseError struct {
	Kind  string // "duration" or "byte-size"
	Input string
	Cause string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("humantime: invalid %s %q: %s", e.Kind, e.Input, e.Cause)
}

// Duration wraps a time.Duration with human-readable parsing and rendering
// restricted to whole seconds/minutes/hours/days.
type Duration struct {
	d time.Duration
}

// NewDuration wraps an existing time.Duration.
func NewDuration(d time.Duration) Duration {
	return Duration{d: d}
}

// AsDuration returns the underlying time.Duration.
func (d Duration) AsDuration() time.Duration {
	return d.d
}

// ParseDuration parses strings of the form `\d+[smhd]`.
func ParseDuration(s string) (Duration, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Duration{}, &ParseError{Kind: "duration", Input: s, Cause: "empty string"}
	}
	numPart, suffix, err := splitNumberSuffix(raw)
	if err != nil {
		return Duration{}, &ParseError{Kind: "duration", Input: s, Cause: err.Error()}
	}
	value, err := strconv.ParseUint(numPart, 10, 64)
	if err != nil {
		return Duration{}, &ParseError{Kind: "duration", Input: s, Cause: "invalid numeric part"}
	}

	var secs uint64
	switch suffix {
	case "s":
		secs = value
	case "m":
		secs = value * 60
	case "h":
		secs = value * 3600
	case "d":
		secs = value * 86400
	default:
		return Duration{}, &ParseError{Kind: "duration", Input: s, Cause: "unsupported suffix (expected s/m/h/d)"}
	}
	return Duration{d: time.Duration(secs) * time.Second}, nil
}

// String renders the duration in its canonical largest-exact-unit form.
func (d Duration) String() string {
	secs := int64(d.d / time.Second)
	if secs == 0 {
		return "0s"
	}
	switch {
	case secs%86400 == 0:
		return fmt.Sprintf("%dd", secs/86400)
	case secs%3600 == 0:
		return fmt.Sprintf("%dh", secs/3600)
	case secs%60 == 0:
		return fmt.Sprintf("%dm", secs/60)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}

// MarshalYAML renders the canonical text form.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML parses from the canonical text form.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ByteSize is a byte count parsed from `\d+(B|KB|MB|GB)` on a 1024 base,
// case-insensitive on input, canonical on output.
type ByteSize struct {
	n uint64
}

// NewByteSize wraps a raw byte count.
func NewByteSize(n uint64) ByteSize {
	return ByteSize{n: n}
}

// AsBytes returns the raw byte count.
func (b ByteSize) AsBytes() uint64 {
	return b.n
}

const (
	kb = 1024
	mb = kb * 1024
	gb = mb * 1024
)

// ParseByteSize parses strings of the form `\d+(B|KB|MB|GB)`.
func ParseByteSize(s string) (ByteSize, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return ByteSize{}, &ParseError{Kind: "byte-size", Input: s, Cause: "empty string"}
	}
	upper := strings.ToUpper(raw)
	numPart, suffix, err := splitNumberSuffix(upper)
	if err != nil {
		return ByteSize{}, &ParseError{Kind: "byte-size", Input: s, Cause: err.Error()}
	}
	value, err := strconv.ParseUint(numPart, 10, 64)
	if err != nil {
		return ByteSize{}, &ParseError{Kind: "byte-size", Input: s, Cause: "invalid numeric part"}
	}

	var n uint64
	switch suffix {
	case "B":
		n = value
	case "KB":
		n = value * kb
	case "MB":
		n = value * mb
	case "GB":
		n = value * gb
	default:
		return ByteSize{}, &ParseError{Kind: "byte-size", Input: s, Cause: "unsupported suffix (expected B/KB/MB/GB)"}
	}
	return ByteSize{n: n}, nil
}

// String renders the byte size in its canonical largest-exact-unit form.
func (b ByteSize) String() string {
	n := b.n
	switch {
	case n == 0:
		return "0B"
	case n%gb == 0:
		return fmt.Sprintf("%dGB", n/gb)
	case n%mb == 0:
		return fmt.Sprintf("%dMB", n/mb)
	case n%kb == 0:
		return fmt.Sprintf("%dKB", n/kb)
	default:
		return fmt.Sprintf("%dB", n)
	}
}

// MarshalYAML renders the canonical text form.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

// UnmarshalYAML parses from the canonical text form.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// splitNumberSuffix splits "30s" into ("30", "s"). Returns an error if the
// string is all-digits (missing suffix) or starts with a non-digit (missing
// numeric part).
func splitNumberSuffix(s string) (numPart, suffix string, err error) {
	idx := -1
	for i, r := range s {
		if r < '0' || r > '9' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", "", fmt.Errorf("missing suffix")
	}
	if idx == 0 {
		return "", "", fmt.Errorf("missing numeric part")
	}
	return s[:idx], s[idx:], nil
}
