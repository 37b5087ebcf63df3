package task

import (
	"errors"
	"sync"
	"testing"
	"time"

	"taskmill/internal/clock"
	logx "taskmill/pkg/logx"
)

type memStore struct {
	mu       sync.Mutex
	tasks    map[string]Task
	saves    int
	deletes  []string
	failSave error
}

func newMemStore() *memStore { return &memStore{tasks: map[string]Task{}} }

func (s *memStore) SaveTask(t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return s.failSave
	}
	s.tasks[t.Name] = t
	s.saves++
	return nil
}

func (s *memStore) DeleteTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, name)
	s.deletes = append(s.deletes, name)
	return nil
}

func (s *memStore) LoadTasks() ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (s *memStore) get(name string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	return t, ok
}

var testStart = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func testTask(name string, rule RecurrenceRule) Task {
	return Task{
		Name:       name,
		Kind:       KindMaintenance,
		Recurrence: rule,
		Actions:    []ActionRef{{Type: "shell", Params: map[string]any{"command": "true"}}},
		Enabled:    true,
	}
}

func newTestRegistry(t *testing.T, store Store) (*Registry, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(testStart)
	return NewRegistry(store, clk, logx.Nop()), clk
}

func TestUpsertComputesNextRun(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	reg, _ := newTestRegistry(t, store)

	if err := reg.Upsert(testTask("cleanup", Interval(30*time.Minute))); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}

	got, ok := reg.Get("cleanup")
	if !ok {
		t.Fatal("task not found after upsert")
	}
	if got.State != StateScheduled {
		t.Fatalf("State = %s, want %s", got.State, StateScheduled)
	}
	if want := testStart.Add(30 * time.Minute); !got.NextRun.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got.NextRun, want)
	}
	if !got.CreatedAt.Equal(testStart) {
		t.Fatalf("CreatedAt = %v, want %v", got.CreatedAt, testStart)
	}
	if _, ok := store.get("cleanup"); !ok {
		t.Fatal("upsert not persisted")
	}
}

func TestUpsertPreservesRuntimeWhenUnchanged(t *testing.T) {
	t.Parallel()
	reg, clk := newTestRegistry(t, newMemStore())

	def := testTask("report", Daily(2, 0))
	if err := reg.Upsert(def); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	first, _ := reg.Get("report")

	clk.Advance(10 * time.Minute)
	if err := reg.Upsert(def); err != nil {
		t.Fatalf("second Upsert error: %v", err)
	}
	second, _ := reg.Get("report")

	if !second.NextRun.Equal(first.NextRun) {
		t.Fatalf("NextRun changed on identical upsert: %v -> %v", first.NextRun, second.NextRun)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("CreatedAt changed on identical upsert")
	}
}

func TestUpsertRecomputesOnDefinitionChange(t *testing.T) {
	t.Parallel()
	reg, clk := newTestRegistry(t, newMemStore())

	if err := reg.Upsert(testTask("sync", Interval(time.Hour))); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	clk.Advance(5 * time.Minute)

	if err := reg.Upsert(testTask("sync", Interval(10*time.Minute))); err != nil {
		t.Fatalf("changed Upsert error: %v", err)
	}
	got, _ := reg.Get("sync")
	if want := clk.Now().Add(10 * time.Minute); !got.NextRun.Equal(want) {
		t.Fatalf("NextRun = %v, want recomputed %v", got.NextRun, want)
	}
}

func TestUpsertRejectsInvalid(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t, newMemStore())

	bad := testTask("", Interval(time.Minute))
	err := reg.Upsert(bad)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Upsert error = %v, want ValidationError", err)
	}
	if len(reg.List()) != 0 {
		t.Fatal("invalid task was admitted")
	}
}

func TestDueOrdering(t *testing.T) {
	t.Parallel()
	reg, clk := newTestRegistry(t, newMemStore())

	add := func(name string, due time.Duration, priority int, enabled bool) {
		tk := testTask(name, Interval(due))
		tk.Priority = priority
		tk.Enabled = enabled
		if err := reg.Upsert(tk); err != nil {
			t.Fatalf("Upsert(%s) error: %v", name, err)
		}
	}

	add("late", 30*time.Minute, 0, true)
	add("early", 10*time.Minute, 0, true)
	add("tied-low", 20*time.Minute, 1, true)
	add("tied-high", 20*time.Minute, 5, true)
	add("dark", 10*time.Minute, 9, false)
	add("future", 2*time.Hour, 0, true)

	clk.Advance(time.Hour)
	due := reg.Due(clk.Now())

	want := []string{"early", "tied-high", "tied-low", "late"}
	if len(due) != len(want) {
		t.Fatalf("Due returned %d tasks, want %d", len(due), len(want))
	}
	for i, name := range want {
		if due[i].Name != name {
			t.Fatalf("Due[%d] = %s, want %s", i, due[i].Name, name)
		}
	}
}

func TestLifecycleSuccess(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	reg, clk := newTestRegistry(t, store)

	if err := reg.Upsert(testTask("rotate", Interval(15*time.Minute))); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	clk.Advance(15 * time.Minute)

	steps := []struct {
		name string
		call func() error
		want State
	}{
		{"ready", func() error { return reg.MarkReady("rotate") }, StateReady},
		{"running", func() error { return reg.MarkRunning("rotate") }, StateRunning},
	}
	for _, s := range steps {
		if err := s.call(); err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
		got, _ := reg.Get("rotate")
		if got.State != s.want {
			t.Fatalf("after %s: State = %s, want %s", s.name, got.State, s.want)
		}
		if persisted, _ := store.get("rotate"); persisted.State != s.want {
			t.Fatalf("after %s: persisted State = %s, want %s", s.name, persisted.State, s.want)
		}
	}

	done, err := reg.Complete("rotate", true)
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if done.State != StateScheduled {
		t.Fatalf("State = %s, want %s", done.State, StateScheduled)
	}
	if want := clk.Now().Add(15 * time.Minute); !done.NextRun.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", done.NextRun, want)
	}
	if done.TotalRuns != 1 || done.ConsecFails != 0 {
		t.Fatalf("counters = runs %d fails %d, want 1/0", done.TotalRuns, done.ConsecFails)
	}
	if !done.LastRun.Equal(clk.Now()) {
		t.Fatalf("LastRun = %v, want %v", done.LastRun, clk.Now())
	}
}

func TestLifecycleIllegalTransition(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t, newMemStore())

	if err := reg.Upsert(testTask("jump", Interval(time.Minute))); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	if err := reg.MarkRunning("jump"); err == nil {
		t.Fatal("scheduled → running should be rejected")
	}
	if err := reg.MarkReady("nope"); err == nil {
		t.Fatal("unknown task should be rejected")
	}
}

func TestCompleteOnceParksTask(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		success bool
		want    State
	}{
		{name: "success parks done", success: true, want: StateDone},
		{name: "failure parks failed", success: false, want: StateFailed},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			reg, clk := newTestRegistry(t, newMemStore())
			tk := testTask("oneshot", Once(testStart.Add(time.Minute)))
			if err := reg.Upsert(tk); err != nil {
				t.Fatalf("Upsert error: %v", err)
			}
			clk.Advance(2 * time.Minute)
			if err := reg.MarkReady("oneshot"); err != nil {
				t.Fatalf("MarkReady: %v", err)
			}
			if err := reg.MarkRunning("oneshot"); err != nil {
				t.Fatalf("MarkRunning: %v", err)
			}
			got, err := reg.Complete("oneshot", tt.success)
			if err != nil {
				t.Fatalf("Complete error: %v", err)
			}
			if got.State != tt.want {
				t.Fatalf("State = %s, want %s", got.State, tt.want)
			}
			if len(reg.Due(clk.Now().Add(24 * time.Hour))) != 0 {
				t.Fatal("parked task still reported due")
			}
		})
	}
}

func TestCompleteFailureKeepsRecurringAlive(t *testing.T) {
	t.Parallel()
	reg, clk := newTestRegistry(t, newMemStore())

	if err := reg.Upsert(testTask("flaky", Interval(5*time.Minute))); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	clk.Advance(5 * time.Minute)

	for i := 0; i < 3; i++ {
		if err := reg.MarkReady("flaky"); err != nil {
			t.Fatalf("MarkReady #%d: %v", i, err)
		}
		if err := reg.MarkRunning("flaky"); err != nil {
			t.Fatalf("MarkRunning #%d: %v", i, err)
		}
		got, err := reg.Complete("flaky", false)
		if err != nil {
			t.Fatalf("Complete #%d: %v", i, err)
		}
		if got.State != StateScheduled {
			t.Fatalf("State after failure = %s, want %s", got.State, StateScheduled)
		}
		clk.Advance(5 * time.Minute)
	}

	got, _ := reg.Get("flaky")
	if got.ConsecFails != 3 || got.TotalFailed != 3 || got.TotalRuns != 3 {
		t.Fatalf("counters = consec %d failed %d runs %d, want 3/3/3",
			got.ConsecFails, got.TotalFailed, got.TotalRuns)
	}
}

func TestRequeueAfterResourceShortage(t *testing.T) {
	t.Parallel()
	reg, clk := newTestRegistry(t, newMemStore())

	if err := reg.Upsert(testTask("heavy", Interval(time.Minute))); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	clk.Advance(time.Minute)
	if err := reg.MarkReady("heavy"); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	if err := reg.MarkRunning("heavy"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := reg.Requeue("heavy"); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	got, _ := reg.Get("heavy")
	if got.State != StateReady {
		t.Fatalf("State = %s, want %s", got.State, StateReady)
	}
	if got.TotalRuns != 0 {
		t.Fatalf("TotalRuns = %d, want 0 after requeue", got.TotalRuns)
	}
}

func TestLoadNormalizesTransientStates(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	seed := func(name string, st State) {
		tk := testTask(name, Interval(time.Minute))
		tk.State = st
		tk.NextRun = testStart.Add(time.Minute)
		store.tasks[name] = tk
	}
	seed("was-ready", StateReady)
	seed("was-running", StateRunning)
	seed("was-retrying", StateRetrying)
	seed("stays-done", StateDone)

	reg, _ := newTestRegistry(t, store)
	if err := reg.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}

	for _, name := range []string{"was-ready", "was-running", "was-retrying"} {
		got, ok := reg.Get(name)
		if !ok {
			t.Fatalf("%s missing after load", name)
		}
		if got.State != StateScheduled {
			t.Fatalf("%s State = %s, want %s", name, got.State, StateScheduled)
		}
	}
	if got, _ := reg.Get("stays-done"); got.State != StateDone {
		t.Fatalf("done task State = %s, want %s", got.State, StateDone)
	}
}

func TestDisableHidesFromDue(t *testing.T) {
	t.Parallel()
	reg, clk := newTestRegistry(t, newMemStore())

	if err := reg.Upsert(testTask("watch", Interval(time.Minute))); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	clk.Advance(time.Minute)

	if err := reg.Disable("watch"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if got := reg.Due(clk.Now()); len(got) != 0 {
		t.Fatalf("disabled task reported due: %v", got)
	}

	if err := reg.Enable("watch"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if got := reg.Due(clk.Now()); len(got) != 1 {
		t.Fatalf("re-enabled task not due, got %d", len(got))
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	reg, _ := newTestRegistry(t, store)

	if err := reg.Upsert(testTask("gone", Interval(time.Minute))); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	if !reg.Remove("gone") {
		t.Fatal("Remove returned false for existing task")
	}
	if reg.Remove("gone") {
		t.Fatal("Remove returned true for missing task")
	}
	if _, ok := store.get("gone"); ok {
		t.Fatal("task still in store after remove")
	}
}

func TestUpsertReportsStoreFailure(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.failSave = errors.New("disk full")
	reg, _ := newTestRegistry(t, store)

	err := reg.Upsert(testTask("paged", Interval(time.Minute)))
	if err == nil {
		t.Fatal("expected store failure to propagate")
	}
	// The in-memory copy still exists so the daemon keeps scheduling.
	if _, ok := reg.Get("paged"); !ok {
		t.Fatal("task lost on store failure")
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	reg, clk := newTestRegistry(t, newMemStore())

	a := testTask("a", Interval(10*time.Minute))
	a.Kind = KindMonitoring
	b := testTask("b", Daily(3, 0))
	b.Kind = KindMaintenance
	c := testTask("c", Interval(time.Hour))
	c.Kind = KindMaintenance
	c.Enabled = false
	for _, tk := range []Task{a, b, c} {
		if err := reg.Upsert(tk); err != nil {
			t.Fatalf("Upsert(%s): %v", tk.Name, err)
		}
	}

	st := reg.Stats()
	if st.Total != 3 || st.Enabled != 2 || st.Disabled != 1 {
		t.Fatalf("totals = %d/%d/%d, want 3/2/1", st.Total, st.Enabled, st.Disabled)
	}
	if st.ByKind["maintenance"] != 2 || st.ByKind["monitoring"] != 1 {
		t.Fatalf("ByKind = %v", st.ByKind)
	}
	if st.ByRecurrence["interval"] != 2 || st.ByRecurrence["daily"] != 1 {
		t.Fatalf("ByRecurrence = %v", st.ByRecurrence)
	}
	if st.NextTask != "a" {
		t.Fatalf("NextTask = %s, want a", st.NextTask)
	}
	if want := clk.Now().Add(10 * time.Minute); !st.NextRun.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", st.NextRun, want)
	}
}
