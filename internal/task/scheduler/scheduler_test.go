package scheduler

import (
	"errors"
	"testing"
	"time"

	"taskmill/internal/clock"
	"taskmill/internal/task"
	"taskmill/internal/task/engine"
	logx "taskmill/pkg/logx"
)

type enqueueCall struct {
	name string
	due  time.Time
}

// fakeEngine records Enqueue calls and can fail on demand.
type fakeEngine struct {
	calls []enqueueCall
	fail  map[string]error
}

func (f *fakeEngine) Enqueue(name string, due time.Time) error {
	if err := f.fail[name]; err != nil {
		return err
	}
	f.calls = append(f.calls, enqueueCall{name: name, due: due})
	return nil
}

func testTask(name string, every time.Duration) task.Task {
	return task.Task{
		Name:       name,
		Kind:       task.KindMonitoring,
		Recurrence: task.Interval(every),
		Actions:    []task.ActionRef{{Type: "noop"}},
		Enabled:    true,
	}
}

type harness struct {
	clk *clock.Manual
	reg *task.Registry
	eng *fakeEngine
	svc *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	reg := task.NewRegistry(nil, clk, logx.Nop())
	eng := &fakeEngine{fail: map[string]error{}}
	svc := New(Config{Enabled: true, Tick: time.Second}, Deps{
		Registry: reg,
		Engine:   eng,
		Clock:    clk,
	})
	return &harness{clk: clk, reg: reg, eng: eng, svc: svc}
}

func TestTickEnqueuesDueTasks(t *testing.T) {
	h := newHarness(t)

	if err := h.reg.Upsert(testTask("backup", time.Minute)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := h.reg.Upsert(testTask("probe", 5*time.Minute)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Nothing is due yet.
	h.svc.tick(h.clk.Now())
	if len(h.eng.calls) != 0 {
		t.Fatalf("premature enqueues: %v", h.eng.calls)
	}

	h.clk.Advance(time.Minute)
	h.svc.tick(h.clk.Now())

	if len(h.eng.calls) != 1 || h.eng.calls[0].name != "backup" {
		t.Fatalf("calls = %v, want one enqueue of backup", h.eng.calls)
	}
	tk, _ := h.reg.Get("backup")
	if tk.State != task.StateReady {
		t.Fatalf("backup state = %q, want ready", tk.State)
	}
}

func TestTickDoesNotEnqueueTwice(t *testing.T) {
	h := newHarness(t)
	if err := h.reg.Upsert(testTask("backup", time.Minute)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	h.clk.Advance(time.Minute)
	h.svc.tick(h.clk.Now())
	h.svc.tick(h.clk.Now())

	if len(h.eng.calls) != 1 {
		t.Fatalf("got %d enqueues for one due cycle, want 1", len(h.eng.calls))
	}
}

func TestTickOrdersEarliestDueFirst(t *testing.T) {
	h := newHarness(t)
	if err := h.reg.Upsert(testTask("late", 3*time.Minute)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := h.reg.Upsert(testTask("early", time.Minute)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Let both become due; early has the older due time.
	h.clk.Advance(3 * time.Minute)
	h.svc.tick(h.clk.Now())

	if len(h.eng.calls) != 2 {
		t.Fatalf("got %d enqueues, want 2", len(h.eng.calls))
	}
	if h.eng.calls[0].name != "early" || h.eng.calls[1].name != "late" {
		t.Fatalf("order = [%s %s], want [early late]", h.eng.calls[0].name, h.eng.calls[1].name)
	}
}

func TestTickSkipsDisabledTasks(t *testing.T) {
	h := newHarness(t)
	if err := h.reg.Upsert(testTask("backup", time.Minute)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := h.reg.Disable("backup"); err != nil {
		t.Fatalf("disable: %v", err)
	}

	h.clk.Advance(10 * time.Minute)
	h.svc.tick(h.clk.Now())

	if len(h.eng.calls) != 0 {
		t.Fatalf("disabled task enqueued: %v", h.eng.calls)
	}
	tk, _ := h.reg.Get("backup")
	if tk.State != task.StateScheduled {
		t.Fatalf("state = %q, want scheduled", tk.State)
	}
}

func TestQueueFullLeavesTaskScheduled(t *testing.T) {
	h := newHarness(t)
	if err := h.reg.Upsert(testTask("backup", time.Minute)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	h.eng.fail["backup"] = engine.ErrQueueFull

	h.clk.Advance(time.Minute)
	h.svc.tick(h.clk.Now())

	tk, _ := h.reg.Get("backup")
	if tk.State != task.StateScheduled {
		t.Fatalf("state after rejected enqueue = %q, want scheduled", tk.State)
	}
	if snap := h.svc.Snapshot(); snap.Backpressed != 1 {
		t.Fatalf("backpressed = %d, want 1", snap.Backpressed)
	}

	// Queue drains; the task fires on the next tick without losing the cycle.
	delete(h.eng.fail, "backup")
	h.clk.Advance(time.Second)
	h.svc.tick(h.clk.Now())
	if len(h.eng.calls) != 1 || h.eng.calls[0].name != "backup" {
		t.Fatalf("calls = %v, want backup enqueued after drain", h.eng.calls)
	}
}

func TestTickEnqueueErrorDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t)
	if err := h.reg.Upsert(testTask("a-task", time.Minute)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := h.reg.Upsert(testTask("b-task", time.Minute)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	h.eng.fail["a-task"] = errors.New("boom")

	h.clk.Advance(time.Minute)
	h.svc.tick(h.clk.Now())

	if len(h.eng.calls) != 1 || h.eng.calls[0].name != "b-task" {
		t.Fatalf("calls = %v, want only b-task", h.eng.calls)
	}
}

func TestSnapshotCounters(t *testing.T) {
	h := newHarness(t)
	if err := h.reg.Upsert(testTask("backup", time.Minute)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	h.clk.Advance(time.Minute)
	h.svc.tick(h.clk.Now())
	h.svc.tick(h.clk.Now())

	snap := h.svc.Snapshot()
	if snap.Ticks != 2 {
		t.Fatalf("ticks = %d, want 2", snap.Ticks)
	}
	if snap.Enqueued != 1 {
		t.Fatalf("enqueued = %d, want 1", snap.Enqueued)
	}
	if !snap.LastTick.Equal(h.clk.Now()) {
		t.Fatalf("last tick = %v, want %v", snap.LastTick, h.clk.Now())
	}
}

func TestApplyChangesTick(t *testing.T) {
	h := newHarness(t)
	h.svc.Apply(Config{Enabled: true, Tick: 5 * time.Second})
	if snap := h.svc.Snapshot(); snap.Tick != 5*time.Second {
		t.Fatalf("tick after apply = %v, want 5s", snap.Tick)
	}
	h.svc.Apply(Config{Enabled: true})
	if snap := h.svc.Snapshot(); snap.Tick != time.Second {
		t.Fatalf("tick after zero-value apply = %v, want default 1s", snap.Tick)
	}
}
