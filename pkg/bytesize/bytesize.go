// Package bytesize parses and formats storage sizes such as "10GB". Units are
// binary: 1KB is 1024 bytes.
package bytesize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Size is a number of bytes.
type Size int64

// Common sizes.
const (
	B  Size = 1
	KB      = 1024 * B
	MB      = 1024 * KB
	GB      = 1024 * MB
	TB      = 1024 * GB
)

// ErrInvalid is returned for strings that are not a size.
var ErrInvalid = errors.New("invalid size")

var suffixes = map[string]Size{
	"": B, "b": B,
	"k": KB, "kb": KB, "kib": KB,
	"m": MB, "mb": MB, "mib": MB,
	"g": GB, "gb": GB, "gib": GB,
	"t": TB, "tb": TB, "tib": TB,
}

// formatUnits is ordered largest first.
var formatUnits = []struct {
	name string
	size Size
}{
	{"TB", TB},
	{"GB", GB},
	{"MB", MB},
	{"KB", KB},
}

// Parse parses strings such as "10GB", "1.5 GB", "500k" or "5242880".
func Parse(s string) (Size, error) {
	in := strings.ToLower(strings.TrimSpace(s))
	i := strings.IndexFunc(in, func(r rune) bool { return (r < '0' || r > '9') && r != '.' })
	if i < 0 {
		i = len(in)
	}
	if i == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}

	n, err := strconv.ParseFloat(in[:i], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	unit, ok := suffixes[strings.TrimSpace(in[i:])]
	if !ok {
		return 0, fmt.Errorf("%w: unknown unit in %q", ErrInvalid, s)
	}

	bytes := n * float64(unit)
	if bytes > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalid, s)
	}
	return Size(bytes), nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Size {
	size, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return size
}

// Format renders s with the largest unit it reaches, keeping one decimal
// place when the value is not whole: 1.5GB, 500MB, 12B.
func Format(s Size) string {
	sign := ""
	if s < 0 {
		sign = "-"
		s = -s
	}
	for _, u := range formatUnits {
		if s < u.size {
			continue
		}
		if s%u.size == 0 {
			return fmt.Sprintf("%s%d%s", sign, s/u.size, u.name)
		}
		v := strconv.FormatFloat(float64(s)/float64(u.size), 'f', 1, 64)
		return sign + strings.TrimSuffix(v, ".0") + u.name
	}
	return fmt.Sprintf("%s%dB", sign, s)
}

// Bytes returns the size as a plain byte count.
func (s Size) Bytes() int64 { return int64(s) }

// String implements fmt.Stringer.
func (s Size) String() string { return Format(s) }
