package workerconfig

import (
	"encoding/json"
	"fmt"
	"time"
)

// seconds wraps a duration field from a worker.config.json source. The
// source value is either a plain JSON number (seconds) or a duration
// string ("30s", "1m", "24h"); both forms resolve to the same
// time.Duration, per spec §4.2/§6.
type seconds struct {
	time.Duration
}

// UnmarshalJSON accepts a numeric-seconds value or a duration string.
func (d *seconds) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		d.Duration = time.Duration(n * float64(time.Second))
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a number of seconds or a duration string: %w", err)
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Milliseconds returns the duration as whole milliseconds, the unit
// WorkerConfig stores its fields in.
func (d seconds) Milliseconds() int64 {
	return d.Duration.Milliseconds()
}
