// Package task holds the automation task model: what runs, on which
// recurrence, at what resource cost. The scheduler and engine packages
// underneath drive these definitions through their state machine.
package task

import (
	"strings"
	"time"

	"taskmill/internal/resource"
)

// Kind categorizes what a task is for. Purely informational plus stats
// grouping; execution treats all kinds the same.
type Kind string

const (
	KindDeployment   Kind = "deployment"
	KindMaintenance  Kind = "maintenance"
	KindOptimization Kind = "optimization"
	KindMonitoring   Kind = "monitoring"
)

func (k Kind) Valid() bool {
	switch k {
	case KindDeployment, KindMaintenance, KindOptimization, KindMonitoring:
		return true
	}
	return false
}

// State is the lifecycle position of a task.
//
//	scheduled → ready → running → scheduled   (recurring, cycle finished)
//	                     running → retrying → running   (attempt failed, backoff)
//	                     running → failed | done        (once tasks)
//
// Enabled=false is an orthogonal operator switch, not a state: a disabled
// task keeps its state but is ignored by the scheduler and skipped by the
// engine.
type State string

const (
	StateScheduled State = "scheduled"
	StateReady     State = "ready"
	StateRunning   State = "running"
	StateRetrying  State = "retrying"
	StateFailed    State = "failed"
	StateDone      State = "done"
)

// ActionRef names one step of a task: a registered handler type plus its
// parameters. Actions run sequentially; the first failure aborts the rest.
type ActionRef struct {
	Type    string         `json:"type"`
	Params  map[string]any `json:"params,omitempty"`
	Timeout time.Duration  `json:"timeout,omitempty"` // per-action; falls back to Task.Timeout, then engine default
}

// Task is a recurring (or one-shot) unit of automation.
type Task struct {
	Name       string         `json:"name"`
	Kind       Kind           `json:"kind"`
	Recurrence RecurrenceRule `json:"recurrence"`
	Actions    []ActionRef    `json:"actions"`
	Resources  resource.Set   `json:"resources,omitempty"`
	Retries    int            `json:"retries"`
	Timeout    time.Duration  `json:"timeout,omitempty"`
	Group      string         `json:"group,omitempty"`
	Priority   int            `json:"priority,omitempty"`
	Enabled    bool           `json:"enabled"`

	// Runtime state, owned by the registry.
	State        State     `json:"state"`
	NextRun      time.Time `json:"next_run"`
	LastRun      time.Time `json:"last_run,omitempty"`
	ConsecFails  int       `json:"consec_fails,omitempty"`
	TotalRuns    uint64    `json:"total_runs,omitempty"`
	TotalFailed  uint64    `json:"total_failed,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks the definition fields (not runtime state).
func (t *Task) Validate() error {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return invalidf("name", "required")
	}
	if strings.ContainsAny(name, " \t\n") {
		return invalidf("name", "must not contain whitespace")
	}
	if !t.Kind.Valid() {
		return invalidf("kind", "unknown kind %q", t.Kind)
	}
	if err := t.Recurrence.Validate(); err != nil {
		return err
	}
	if len(t.Actions) == 0 {
		return invalidf("actions", "at least one action required")
	}
	for i, a := range t.Actions {
		if strings.TrimSpace(a.Type) == "" {
			return invalidf("actions", "action %d: type required", i)
		}
		if a.Timeout < 0 {
			return invalidf("actions", "action %d: negative timeout", i)
		}
	}
	if t.Retries < 0 {
		return invalidf("retries", "must be >= 0")
	}
	if t.Timeout < 0 {
		return invalidf("timeout", "must be >= 0")
	}
	if err := t.Resources.Validate(); err != nil {
		return &ValidationError{Field: "resources", Reason: err.Error()}
	}
	return nil
}

// Clone returns a deep copy so registry callers can't mutate shared state.
func (t Task) Clone() Task {
	cp := t
	cp.Actions = make([]ActionRef, len(t.Actions))
	for i, a := range t.Actions {
		cp.Actions[i] = a
		if a.Params != nil {
			p := make(map[string]any, len(a.Params))
			for k, v := range a.Params {
				p[k] = v
			}
			cp.Actions[i].Params = p
		}
	}
	cp.Resources = t.Resources.Clone()
	return cp
}

// definitionEqual reports whether two tasks share the same definition
// (runtime state excluded). Used by Upsert to decide whether NextRun can
// be preserved.
func definitionEqual(a, b Task) bool {
	if a.Name != b.Name || a.Kind != b.Kind || a.Retries != b.Retries ||
		a.Timeout != b.Timeout || a.Group != b.Group || a.Priority != b.Priority {
		return false
	}
	if !a.Recurrence.Equal(b.Recurrence) {
		return false
	}
	if len(a.Actions) != len(b.Actions) {
		return false
	}
	for i := range a.Actions {
		if !actionEqual(a.Actions[i], b.Actions[i]) {
			return false
		}
	}
	if len(a.Resources) != len(b.Resources) {
		return false
	}
	for k, v := range a.Resources {
		if b.Resources[k] != v {
			return false
		}
	}
	return true
}

func actionEqual(a, b ActionRef) bool {
	if a.Type != b.Type || a.Timeout != b.Timeout {
		return false
	}
	if len(a.Params) != len(b.Params) {
		return false
	}
	for k, v := range a.Params {
		bv, ok := b.Params[k]
		if !ok || bv != v {
			return false
		}
	}
	return true
}
