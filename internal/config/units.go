package config

import (
	"time"

	"github.com/jmylchreest/argus/pkg/bytesize"
	"github.com/jmylchreest/argus/pkg/duration"
)

// Duration is a time.Duration that also accepts day and week units, e.g.
// "30d" or "2w". It decodes through the TextUnmarshaler viper hook.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := duration.Parse(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return duration.Format(time.Duration(d))
}

// ByteSize is a byte count that accepts units such as "10GB".
type ByteSize int64

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := bytesize.Parse(string(text))
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Int64 returns the size in bytes.
func (b ByteSize) Int64() int64 {
	return int64(b)
}

func (b ByteSize) String() string {
	return bytesize.Format(bytesize.Size(b))
}
