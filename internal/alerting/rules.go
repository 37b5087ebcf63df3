package alerting

import (
	"errors"
	"fmt"
	"strings"

	"taskmill/internal/metrics"
)

// Rule watches one metric series. An alert opens when a sample rises
// above Trigger and resolves when a later sample falls below Resolve,
// which sits under Trigger so values oscillating around the trigger
// level don't flap.
type Rule struct {
	Name     string   `json:"name"`
	Metric   string   `json:"metric"`
	Severity Severity `json:"severity"`
	Trigger  float64  `json:"trigger"`
	Resolve  float64  `json:"resolve"`
}

// resolveMargin is the default hysteresis gap when Resolve is unset.
const resolveMargin = 0.05

func (r Rule) withDefaults() Rule {
	if r.Severity == "" {
		r.Severity = SeverityWarning
	}
	if r.Resolve == 0 && r.Trigger != 0 {
		r.Resolve = r.Trigger * (1 - resolveMargin)
	}
	return r
}

func (r Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("alert rule: name is required")
	}
	if strings.TrimSpace(r.Metric) == "" {
		return fmt.Errorf("alert rule %q: metric is required", r.Name)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("alert rule %q: unknown severity %q", r.Name, r.Severity)
	}
	if r.Resolve > r.Trigger {
		return fmt.Errorf("alert rule %q: resolve %.2f above trigger %.2f", r.Name, r.Resolve, r.Trigger)
	}
	return nil
}

// DefaultRules derives a warning and a critical rule from every entry in
// the built-in metric catalogue.
func DefaultRules() []Rule {
	defs := metrics.DefaultDefinitions()
	out := make([]Rule, 0, 2*len(defs))
	for _, d := range defs {
		out = append(out,
			Rule{Name: d.Name + "-warning", Metric: d.Name, Severity: SeverityWarning, Trigger: d.Warning},
			Rule{Name: d.Name + "-critical", Metric: d.Name, Severity: SeverityCritical, Trigger: d.Critical},
		)
	}
	return out
}
