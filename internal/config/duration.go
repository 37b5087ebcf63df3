package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses one duration string out of the config. The
// on-disk config keeps durations as strings ("500ms", "1m30s"); empty
// means unset and maps to 0 so each component can apply its own default.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
