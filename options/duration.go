package options

import (
	"fmt"
	"time"
)

// Duration is a time.Duration written as text, such as "10m", in both JSON and YAML.
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration '%s': %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}
