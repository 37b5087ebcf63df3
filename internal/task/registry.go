package task

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"taskmill/internal/clock"
	logx "taskmill/pkg/logx"
)

// Store is the persistence surface the registry needs. The storage
// package implements it; tests use an in-memory fake.
type Store interface {
	SaveTask(t Task) error
	DeleteTask(name string) error
	LoadTasks() ([]Task, error)
}

// Registry owns every task definition and its runtime state. All state
// transitions go through here so they are serialized, validated against
// the state machine, and written through to the store.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Task

	store Store
	clk   clock.Clock
	log   logx.Logger
}

// RegistryStats is the roll-up reported by diagnostics.
type RegistryStats struct {
	Total        int            `json:"total"`
	Enabled      int            `json:"enabled"`
	Disabled     int            `json:"disabled"`
	ByKind       map[string]int `json:"by_kind"`
	ByRecurrence map[string]int `json:"by_recurrence"`
	ByState      map[string]int `json:"by_state"`
	NextTask     string         `json:"next_task,omitempty"`
	NextRun      time.Time      `json:"next_run,omitempty"`
}

func NewRegistry(store Store, clk clock.Clock, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Registry{
		tasks: map[string]*Task{},
		store: store,
		clk:   clk,
		log:   log,
	}
}

// Load restores persisted tasks. Transient states (ready/running/retrying)
// mean a run was lost in a crash or shutdown; those tasks return to
// scheduled and, when their NextRun is already past, fire once on the
// next tick.
func (r *Registry) Load() error {
	if r.store == nil {
		return nil
	}
	persisted, err := r.store.LoadTasks()
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range persisted {
		t := t.Clone()
		switch t.State {
		case StateReady, StateRunning, StateRetrying:
			t.State = StateScheduled
		case "":
			t.State = StateScheduled
		}
		if t.NextRun.IsZero() && t.State == StateScheduled {
			t.NextRun = t.Recurrence.NextAfter(r.clk.Now())
		}
		r.tasks[t.Name] = &t
	}
	r.log.Info("task registry loaded", logx.Int("tasks", len(r.tasks)))
	return nil
}

// Upsert validates and inserts or updates a definition. When the
// definition is unchanged the runtime state (NextRun, counters) is
// preserved; a changed definition resets the cycle: state scheduled,
// NextRun recomputed from now. Enabled always follows the new value.
func (r *Registry) Upsert(t Task) error {
	t.Name = strings.TrimSpace(t.Name)
	if err := t.Validate(); err != nil {
		return err
	}

	now := r.clk.Now()

	r.mu.Lock()
	prev, exists := r.tasks[t.Name]
	fresh := t.Clone()
	if exists && definitionEqual(*prev, fresh) {
		fresh.State = prev.State
		fresh.NextRun = prev.NextRun
		fresh.LastRun = prev.LastRun
		fresh.ConsecFails = prev.ConsecFails
		fresh.TotalRuns = prev.TotalRuns
		fresh.TotalFailed = prev.TotalFailed
		fresh.CreatedAt = prev.CreatedAt
	} else {
		fresh.State = StateScheduled
		fresh.NextRun = fresh.Recurrence.NextAfter(now)
		if exists {
			fresh.CreatedAt = prev.CreatedAt
		} else {
			fresh.CreatedAt = now
		}
	}
	fresh.UpdatedAt = now
	r.tasks[t.Name] = &fresh
	cp := fresh.Clone()
	r.mu.Unlock()

	r.log.Debug("task upserted",
		logx.String("task", cp.Name),
		logx.String("rule", cp.Recurrence.String()),
		logx.Time("next_run", cp.NextRun),
		logx.Bool("enabled", cp.Enabled),
	)
	return r.persist(cp)
}

// Remove deletes a task. Returns true when something was removed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	_, ok := r.tasks[name]
	delete(r.tasks, name)
	r.mu.Unlock()

	if ok {
		if r.store != nil {
			if err := r.store.DeleteTask(name); err != nil {
				r.log.Error("task delete not persisted", logx.String("task", name), logx.Err(err))
			}
		}
		r.log.Debug("task removed", logx.String("task", name))
	}
	return ok
}

// Enable flips the operator switch on. A task whose NextRun is already
// past fires once on the next tick.
func (r *Registry) Enable(name string) error { return r.setEnabled(name, true) }

// Disable flips the operator switch off. The scheduler stops picking the
// task up immediately; a copy already sitting in the ready queue is
// skipped by the engine without recording an execution.
func (r *Registry) Disable(name string) error { return r.setEnabled(name, false) }

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	t, ok := r.tasks[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("task %q not found", name)
	}
	t.Enabled = enabled
	t.UpdatedAt = r.clk.Now()
	cp := t.Clone()
	r.mu.Unlock()
	return r.persist(cp)
}

// Get returns a copy of the named task.
func (r *Registry) Get(name string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[name]
	if !ok {
		return Task{}, false
	}
	return t.Clone(), true
}

// List returns copies of all tasks sorted by name.
func (r *Registry) List() []Task {
	r.mu.Lock()
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Due returns enabled, scheduled tasks with NextRun <= now, ordered
// earliest-due first; equal due times break on higher priority, then name.
func (r *Registry) Due(now time.Time) []Task {
	r.mu.Lock()
	out := make([]Task, 0, 4)
	for _, t := range r.tasks {
		if !t.Enabled || t.State != StateScheduled {
			continue
		}
		if t.NextRun.IsZero() || t.NextRun.After(now) {
			continue
		}
		out = append(out, t.Clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRun.Equal(out[j].NextRun) {
			return out[i].NextRun.Before(out[j].NextRun)
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// MarkReady transitions scheduled → ready when the scheduler hands the
// task to the engine queue.
func (r *Registry) MarkReady(name string) error {
	return r.transition(name, StateReady, StateScheduled)
}

// MarkRunning transitions ready|retrying → running when a worker picks
// the task up or starts the next attempt.
func (r *Registry) MarkRunning(name string) error {
	return r.transition(name, StateRunning, StateReady, StateRetrying)
}

// MarkRetrying transitions running → retrying for the backoff window
// between attempts.
func (r *Registry) MarkRetrying(name string) error {
	return r.transition(name, StateRetrying, StateRunning)
}

// Requeue transitions running → ready without touching counters, used
// when resources were exhausted and the run never started.
func (r *Registry) Requeue(name string) error {
	return r.transition(name, StateReady, StateRunning)
}

// ResetToScheduled aborts a pending cycle (engine skip, queue rollback)
// leaving NextRun as-is.
func (r *Registry) ResetToScheduled(name string) error {
	return r.transition(name, StateScheduled, StateReady, StateRunning, StateRetrying)
}

// Defer pushes a pending cycle into the future without running it:
// state goes back to scheduled and NextRun moves to until. Used for
// circuit-breaker cooldowns.
func (r *Registry) Defer(name string, until time.Time) error {
	r.mu.Lock()
	t, ok := r.tasks[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("task %q not found", name)
	}
	switch t.State {
	case StateReady, StateRunning, StateRetrying:
	default:
		cur := t.State
		r.mu.Unlock()
		return fmt.Errorf("task %q: illegal transition %s → %s", name, cur, StateScheduled)
	}
	t.State = StateScheduled
	if until.After(t.NextRun) {
		t.NextRun = until
	}
	t.UpdatedAt = r.clk.Now()
	cp := t.Clone()
	r.mu.Unlock()
	return r.persist(cp)
}

func (r *Registry) transition(name string, to State, from ...State) error {
	r.mu.Lock()
	t, ok := r.tasks[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("task %q not found", name)
	}
	legal := false
	for _, f := range from {
		if t.State == f {
			legal = true
			break
		}
	}
	if !legal {
		cur := t.State
		r.mu.Unlock()
		return fmt.Errorf("task %q: illegal transition %s → %s", name, cur, to)
	}
	t.State = to
	t.UpdatedAt = r.clk.Now()
	cp := t.Clone()
	r.mu.Unlock()
	return r.persist(cp)
}

// Complete finishes a run cycle. Recurring tasks return to scheduled
// with the next occurrence computed from now; once tasks park at done or
// failed. Counters and LastRun update either way.
func (r *Registry) Complete(name string, success bool) (Task, error) {
	now := r.clk.Now()

	r.mu.Lock()
	t, ok := r.tasks[name]
	if !ok {
		r.mu.Unlock()
		return Task{}, fmt.Errorf("task %q not found", name)
	}
	if t.State != StateRunning && t.State != StateRetrying {
		cur := t.State
		r.mu.Unlock()
		return Task{}, fmt.Errorf("task %q: complete in state %s", name, cur)
	}

	t.LastRun = now
	t.TotalRuns++
	if success {
		t.ConsecFails = 0
	} else {
		t.ConsecFails++
		t.TotalFailed++
	}

	if t.Recurrence.Recurring() {
		t.State = StateScheduled
		t.NextRun = t.Recurrence.NextAfter(now)
	} else if success {
		t.State = StateDone
	} else {
		t.State = StateFailed
	}
	t.UpdatedAt = now
	cp := t.Clone()
	r.mu.Unlock()

	return cp, r.persist(cp)
}

// Stats summarizes the registry for diagnostics.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := RegistryStats{
		ByKind:       map[string]int{},
		ByRecurrence: map[string]int{},
		ByState:      map[string]int{},
	}
	for _, t := range r.tasks {
		st.Total++
		if t.Enabled {
			st.Enabled++
		} else {
			st.Disabled++
		}
		st.ByKind[string(t.Kind)]++
		st.ByRecurrence[string(t.Recurrence.Kind)]++
		st.ByState[string(t.State)]++

		if t.Enabled && t.State == StateScheduled && !t.NextRun.IsZero() {
			if st.NextRun.IsZero() || t.NextRun.Before(st.NextRun) {
				st.NextRun = t.NextRun
				st.NextTask = t.Name
			}
		}
	}
	return st
}

func (r *Registry) persist(t Task) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveTask(t); err != nil {
		r.log.Error("task not persisted", logx.String("task", t.Name), logx.Err(err))
		return err
	}
	return nil
}
