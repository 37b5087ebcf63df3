package action

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Params is the untyped parameter mapping attached to an action step.
// Values usually arrive through the YAML config pipeline, so numbers
// may be float64 and durations are Go duration strings.
type Params map[string]any

func (p Params) String(key string) string {
	v, ok := p[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

func (p Params) StringOr(key, def string) string {
	if _, ok := p[key]; !ok {
		return def
	}
	if s := p.String(key); s != "" {
		return s
	}
	return def
}

func (p Params) Int(key string) (int, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func (p Params) IntOr(key string, def int) int {
	if n, ok := p.Int(key); ok {
		return n
	}
	return def
}

func (p Params) Float(key string) (float64, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func (p Params) Bool(key string) bool {
	v, ok := p[key]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return err == nil && b
	default:
		return false
	}
}

// Duration reads a Go duration string ("90s", "5m"). Bare numbers are
// rejected so config mistakes fail visibly instead of guessing a unit.
func (p Params) Duration(key string) (time.Duration, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}

func (p Params) DurationOr(key string, def time.Duration) time.Duration {
	if d, ok := p.Duration(key); ok {
		return d
	}
	return def
}

// StringSlice accepts either a []string, a []any of strings, or a
// single string value.
func (p Params) StringSlice(key string) []string {
	v, ok := p[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			} else {
				out = append(out, fmt.Sprintf("%v", e))
			}
		}
		return out
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return []string{t}
	default:
		return nil
	}
}

// StringMap accepts map[string]string or map[string]any.
func (p Params) StringMap(key string) map[string]string {
	v, ok := p[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	case map[string]any:
		out := make(map[string]string, len(t))
		for k, e := range t {
			if s, ok := e.(string); ok {
				out[k] = s
			} else {
				out[k] = fmt.Sprintf("%v", e)
			}
		}
		return out
	default:
		return nil
	}
}
