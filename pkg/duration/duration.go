// Package duration parses and formats durations. It accepts the
// time.ParseDuration syntax plus day (d) and week (w) units, which retention
// periods are usually written in.
package duration

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// Day is 24 hours. Daylight saving transitions are not considered.
	Day = 24 * time.Hour
	// Week is 7 days.
	Week = 7 * Day
)

// ErrInvalid is returned for strings that are not a duration.
var ErrInvalid = errors.New("invalid duration")

var units = map[string]time.Duration{
	"ns": time.Nanosecond,
	"us": time.Microsecond,
	"µs": time.Microsecond,
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  Day,
	"w":  Week,
}

// formatUnits is ordered largest first.
var formatUnits = []struct {
	name string
	size time.Duration
}{
	{"d", Day},
	{"h", time.Hour},
	{"m", time.Minute},
	{"s", time.Second},
	{"ms", time.Millisecond},
	{"µs", time.Microsecond},
	{"ns", time.Nanosecond},
}

// Parse parses strings such as "30d", "1w2d", "1d12h", "1.5h" or "90s".
// A bare number is taken as seconds. Whitespace between components is
// ignored.
func Parse(s string) (time.Duration, error) {
	in := strings.ToLower(strings.Join(strings.Fields(s), ""))
	if in == "" {
		return 0, fmt.Errorf("%w: empty string", ErrInvalid)
	}

	negative := false
	if in[0] == '-' || in[0] == '+' {
		negative = in[0] == '-'
		in = in[1:]
	}

	if n, err := strconv.ParseFloat(in, 64); err == nil {
		return scale(n*float64(time.Second), negative, s)
	}

	var total float64
	for in != "" {
		i := strings.IndexFunc(in, func(r rune) bool { return !isNumeric(r) })
		if i <= 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
		n, err := strconv.ParseFloat(in[:i], 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
		in = in[i:]

		j := strings.IndexFunc(in, isNumeric)
		if j < 0 {
			j = len(in)
		}
		unit, ok := units[in[:j]]
		if !ok {
			return 0, fmt.Errorf("%w: unknown unit %q in %q", ErrInvalid, in[:j], s)
		}
		total += n * float64(unit)
		in = in[j:]
	}
	return scale(total, negative, s)
}

func isNumeric(r rune) bool {
	return (r >= '0' && r <= '9') || r == '.'
}

func scale(ns float64, negative bool, raw string) (time.Duration, error) {
	if math.IsNaN(ns) || math.Abs(ns) > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalid, raw)
	}
	d := time.Duration(ns)
	if negative {
		d = -d
	}
	return d, nil
}

// MustParse is like Parse but panics on error. For constants and tests.
func MustParse(s string) time.Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Format renders d using days and smaller units, omitting zero components:
// 36h becomes "1d12h", 30 days becomes "30d".
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}
	for _, u := range formatUnits {
		if n := d / u.size; n > 0 {
			fmt.Fprintf(&b, "%d%s", n, u.name)
			d -= n * u.size
		}
	}
	return b.String()
}
