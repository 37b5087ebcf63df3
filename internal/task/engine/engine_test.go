package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"taskmill/internal/action"
	"taskmill/internal/clock"
	"taskmill/internal/history"
	"taskmill/internal/metrics"
	"taskmill/internal/resource"
	"taskmill/internal/task"
	logx "taskmill/pkg/logx"
)

type harness struct {
	svc    *Service
	reg    *task.Registry
	ledger *resource.Ledger
	hist   *history.History
	store  *metrics.Store
	acts   *action.Registry
}

func newHarness(t *testing.T, cfg Config, caps resource.Set) *harness {
	t.Helper()
	if caps == nil {
		caps = resource.Set{"cpu": 100, "memory": 100}
	}
	clk := clock.System()
	h := &harness{
		reg:    task.NewRegistry(nil, clk, logx.Nop()),
		ledger: resource.NewLedger(caps, logx.Nop(), nil),
		hist:   history.New(history.Config{Capacity: 200}, nil, logx.Nop()),
		store:  metrics.New(metrics.Config{}, nil, clk, logx.Nop()),
		acts:   action.NewRegistry(),
	}
	h.svc = New(cfg, Deps{
		Registry: h.reg,
		Ledger:   h.ledger,
		Actions:  h.acts,
		History:  h.hist,
		Metrics:  h.store,
		Clock:    clk,
	})
	t.Cleanup(func() { h.svc.Stop(context.Background()) })
	return h
}

func (h *harness) upsert(t *testing.T, tk task.Task) {
	t.Helper()
	if tk.Kind == "" {
		tk.Kind = task.KindMaintenance
	}
	if tk.Recurrence.Kind == "" {
		tk.Recurrence = task.Interval(time.Hour)
	}
	tk.Enabled = true
	if err := h.reg.Upsert(tk); err != nil {
		t.Fatalf("upsert %s: %v", tk.Name, err)
	}
}

// dispatch pushes one due cycle to the engine the way the scheduler does.
func (h *harness) dispatch(t *testing.T, name string) {
	t.Helper()
	if err := h.reg.MarkReady(name); err != nil {
		t.Fatalf("mark ready %s: %v", name, err)
	}
	if err := h.svc.Enqueue(name, time.Now()); err != nil {
		t.Fatalf("enqueue %s: %v", name, err)
	}
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// blockFor registers an action that holds its task for d, so another
// queued cycle has to wait behind it.
func (h *harness) blockFor(t *testing.T, name string, d time.Duration) {
	t.Helper()
	err := h.acts.Register(name, action.Func(func(ctx context.Context, p action.Params, rec *action.Recorder) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
			return nil
		}
	}))
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func TestCycleSuccessRecordsAndReleases(t *testing.T) {
	h := newHarness(t, Config{Workers: 1}, resource.Set{"cpu": 2})

	var ran int32
	_ = h.acts.Register("ok", action.Func(func(ctx context.Context, p action.Params, rec *action.Recorder) error {
		atomic.AddInt32(&ran, 1)
		rec.Observe("probe_value", 42)
		return nil
	}))

	h.upsert(t, task.Task{
		Name:      "greens",
		Actions:   []task.ActionRef{{Type: "ok"}},
		Resources: resource.Set{"cpu": 1},
	})

	h.svc.Start(context.Background())
	h.dispatch(t, "greens")

	waitFor(t, 2*time.Second, "cycle to finish", func() bool {
		tk, _ := h.reg.Get("greens")
		return tk.State == task.StateScheduled && tk.TotalRuns == 1
	})

	if got := atomic.LoadInt32(&ran); got != 1 {
		t.Fatalf("action ran %d times, want 1", got)
	}

	recs := h.hist.ForTask("greens", 10)
	if len(recs) != 1 {
		t.Fatalf("execution records = %d, want 1", len(recs))
	}
	if recs[0].Outcome != history.OutcomeSuccess || recs[0].Attempt != 1 {
		t.Fatalf("record = %+v, want success attempt 1", recs[0])
	}
	if len(recs[0].Actions) != 1 || recs[0].Actions[0].Type != "ok" {
		t.Fatalf("action trail = %+v", recs[0].Actions)
	}

	snap := h.ledger.Snapshot()
	if snap.Holds != 0 || snap.Inconsistent {
		t.Fatalf("ledger snapshot after cycle = %+v, want no holds", snap)
	}

	// The action recorder tags points with the task name.
	pt, ok := h.store.Latest("probe_value")
	if !ok || pt.Labels["task"] != "greens" {
		t.Fatalf("probe_value latest = %+v ok=%v", pt, ok)
	}
	if _, ok := h.store.Latest("task_duration_seconds"); !ok {
		t.Fatal("task_duration_seconds not recorded")
	}
}

func TestFailingCycleRecordsEveryAttempt(t *testing.T) {
	h := newHarness(t, Config{Workers: 1, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, nil)

	_ = h.acts.Register("boom", action.Func(func(ctx context.Context, p action.Params, rec *action.Recorder) error {
		return errors.New("backup target unreachable")
	}))

	h.upsert(t, task.Task{
		Name:    "backup",
		Actions: []task.ActionRef{{Type: "boom"}},
		Retries: 2,
	})

	h.svc.Start(context.Background())
	h.dispatch(t, "backup")

	waitFor(t, 2*time.Second, "all attempts", func() bool {
		tk, _ := h.reg.Get("backup")
		return tk.TotalRuns == 1
	})
	// Give a hypothetical extra attempt a moment to show up.
	time.Sleep(30 * time.Millisecond)

	recs := h.hist.ForTask("backup", 10)
	if len(recs) != 3 {
		t.Fatalf("execution records = %d, want 3 (1 run + 2 retries)", len(recs))
	}
	// ForTask returns records newest first, so recs[0] is the last attempt.
	for i, r := range recs {
		if want := len(recs) - i; r.Attempt != want {
			t.Fatalf("record %d attempt = %d, want %d", i, r.Attempt, want)
		}
		if r.Outcome != history.OutcomeFailure {
			t.Fatalf("record %d outcome = %s, want failure", i, r.Outcome)
		}
	}

	tk, _ := h.reg.Get("backup")
	if tk.ConsecFails != 1 || tk.TotalFailed != 1 {
		t.Fatalf("counters = consec %d total_failed %d, want 1/1", tk.ConsecFails, tk.TotalFailed)
	}
}

func TestCycleSucceedsAfterRetries(t *testing.T) {
	h := newHarness(t, Config{Workers: 1, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, nil)

	var calls int32
	_ = h.acts.Register("flaky", action.Func(func(ctx context.Context, p action.Params, rec *action.Recorder) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}))

	h.upsert(t, task.Task{
		Name:    "sync",
		Actions: []task.ActionRef{{Type: "flaky"}},
		Retries: 3,
	})

	h.svc.Start(context.Background())
	h.dispatch(t, "sync")

	waitFor(t, 2*time.Second, "cycle success", func() bool {
		tk, _ := h.reg.Get("sync")
		return tk.TotalRuns == 1
	})

	recs := h.hist.ForTask("sync", 10)
	if len(recs) != 3 {
		t.Fatalf("execution records = %d, want 3", len(recs))
	}
	// ForTask returns records newest first, so recs[0] is the final attempt.
	if recs[0].Outcome != history.OutcomeSuccess || recs[0].Attempt != 3 {
		t.Fatalf("final record = %+v, want success attempt 3", recs[0])
	}

	tk, _ := h.reg.Get("sync")
	if tk.ConsecFails != 0 || tk.TotalFailed != 0 {
		t.Fatalf("counters = consec %d total_failed %d, want 0/0 (cycle succeeded)", tk.ConsecFails, tk.TotalFailed)
	}
}

func TestNoRetryStopsAttempts(t *testing.T) {
	h := newHarness(t, Config{Workers: 1, RetryBase: time.Millisecond}, nil)

	var calls int32
	_ = h.acts.Register("fatal", action.Func(func(ctx context.Context, p action.Params, rec *action.Recorder) error {
		atomic.AddInt32(&calls, 1)
		return NoRetry(errors.New("config missing"))
	}))

	h.upsert(t, task.Task{
		Name:    "deploy",
		Actions: []task.ActionRef{{Type: "fatal"}},
		Retries: 5,
	})

	h.svc.Start(context.Background())
	h.dispatch(t, "deploy")

	waitFor(t, 2*time.Second, "cycle failure", func() bool {
		tk, _ := h.reg.Get("deploy")
		return tk.TotalRuns == 1
	})
	time.Sleep(20 * time.Millisecond)

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("action ran %d times, want 1 (no-retry)", got)
	}
	recs := h.hist.ForTask("deploy", 10)
	if len(recs) != 1 {
		t.Fatalf("execution records = %d, want 1", len(recs))
	}
	if !strings.Contains(recs[0].Error, "config missing") {
		t.Fatalf("record error = %q", recs[0].Error)
	}
}

func TestUnknownActionFailsImmediately(t *testing.T) {
	h := newHarness(t, Config{Workers: 1, RetryBase: time.Millisecond}, nil)

	h.upsert(t, task.Task{
		Name:    "ghost",
		Actions: []task.ActionRef{{Type: "no-such-action"}},
		Retries: 3,
	})

	h.svc.Start(context.Background())
	h.dispatch(t, "ghost")

	waitFor(t, 2*time.Second, "cycle failure", func() bool {
		tk, _ := h.reg.Get("ghost")
		return tk.TotalRuns == 1
	})

	recs := h.hist.ForTask("ghost", 10)
	if len(recs) != 1 {
		t.Fatalf("execution records = %d, want 1", len(recs))
	}
	if !strings.Contains(recs[0].Error, "unknown action type") {
		t.Fatalf("record error = %q", recs[0].Error)
	}
}

func TestActionTimeoutRecordedAsTimeout(t *testing.T) {
	h := newHarness(t, Config{Workers: 1}, nil)

	_ = h.acts.Register("hang", action.Func(func(ctx context.Context, p action.Params, rec *action.Recorder) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	h.upsert(t, task.Task{
		Name:    "probe",
		Actions: []task.ActionRef{{Type: "hang", Timeout: 20 * time.Millisecond}},
	})

	h.svc.Start(context.Background())
	h.dispatch(t, "probe")

	waitFor(t, 2*time.Second, "cycle failure", func() bool {
		tk, _ := h.reg.Get("probe")
		return tk.TotalRuns == 1
	})

	recs := h.hist.ForTask("probe", 10)
	if len(recs) != 1 {
		t.Fatalf("execution records = %d, want 1", len(recs))
	}
	if recs[0].Outcome != history.OutcomeTimeout {
		t.Fatalf("outcome = %s, want timeout", recs[0].Outcome)
	}
	if !strings.Contains(recs[0].Error, "timed out after") {
		t.Fatalf("record error = %q", recs[0].Error)
	}
}

func TestResourceExhaustionRequeuesWithoutRecord(t *testing.T) {
	h := newHarness(t, Config{Workers: 2, RequeueDelay: 5 * time.Millisecond}, resource.Set{"slots": 1})

	h.blockFor(t, "hold", 120*time.Millisecond)
	_ = h.acts.Register("quick", action.Func(func(ctx context.Context, p action.Params, rec *action.Recorder) error {
		return nil
	}))

	h.upsert(t, task.Task{
		Name:      "first",
		Actions:   []task.ActionRef{{Type: "hold"}},
		Resources: resource.Set{"slots": 1},
	})
	h.upsert(t, task.Task{
		Name:      "second",
		Actions:   []task.ActionRef{{Type: "quick"}},
		Resources: resource.Set{"slots": 1},
	})

	h.svc.Start(context.Background())
	h.dispatch(t, "first")
	waitFor(t, 2*time.Second, "first to hold its slot", func() bool {
		for _, name := range h.svc.Snapshot().Running {
			if name == "first" {
				return true
			}
		}
		return false
	})
	h.dispatch(t, "second")

	waitFor(t, 3*time.Second, "both cycles to finish", func() bool {
		a, _ := h.reg.Get("first")
		b, _ := h.reg.Get("second")
		return a.TotalRuns == 1 && b.TotalRuns == 1
	})

	if got := h.svc.Snapshot().Requeued; got < 1 {
		t.Fatalf("requeued = %d, want >= 1", got)
	}

	// The starved waits never show up as execution records.
	recs := h.hist.ForTask("second", 10)
	if len(recs) != 1 {
		t.Fatalf("execution records for second = %d, want 1", len(recs))
	}
	if recs[0].Outcome != history.OutcomeSuccess {
		t.Fatalf("second outcome = %s, want success", recs[0].Outcome)
	}
}

func TestDisableBetweenEnqueueAndPickup(t *testing.T) {
	h := newHarness(t, Config{Workers: 1}, nil)

	h.blockFor(t, "hold", 100*time.Millisecond)
	_ = h.acts.Register("never", action.Func(func(ctx context.Context, p action.Params, rec *action.Recorder) error {
		t.Error("disabled task executed")
		return nil
	}))

	h.upsert(t, task.Task{Name: "blocker", Actions: []task.ActionRef{{Type: "hold"}}})
	h.upsert(t, task.Task{Name: "victim", Actions: []task.ActionRef{{Type: "never"}}})

	h.svc.Start(context.Background())
	h.dispatch(t, "blocker")
	waitFor(t, 2*time.Second, "blocker to start", func() bool {
		return len(h.svc.Snapshot().Running) == 1
	})

	// Queued behind the blocker, then disabled before pickup.
	h.dispatch(t, "victim")
	if err := h.reg.Disable("victim"); err != nil {
		t.Fatalf("disable: %v", err)
	}

	waitFor(t, 2*time.Second, "victim to be skipped", func() bool {
		return h.svc.Snapshot().Skipped >= 1
	})

	if recs := h.hist.ForTask("victim", 10); len(recs) != 0 {
		t.Fatalf("execution records for victim = %d, want 0", len(recs))
	}
	tk, _ := h.reg.Get("victim")
	if tk.State != task.StateScheduled || tk.TotalRuns != 0 {
		t.Fatalf("victim state = %s runs = %d, want scheduled/0", tk.State, tk.TotalRuns)
	}
}

func TestPanicReleasesReservation(t *testing.T) {
	h := newHarness(t, Config{Workers: 1}, resource.Set{"cpu": 2})

	_ = h.acts.Register("explode", action.Func(func(ctx context.Context, p action.Params, rec *action.Recorder) error {
		panic("boom")
	}))

	h.upsert(t, task.Task{
		Name:      "volatile",
		Actions:   []task.ActionRef{{Type: "explode"}},
		Resources: resource.Set{"cpu": 2},
	})

	h.svc.Start(context.Background())
	h.dispatch(t, "volatile")

	waitFor(t, 2*time.Second, "cycle failure", func() bool {
		tk, _ := h.reg.Get("volatile")
		return tk.TotalRuns == 1
	})

	recs := h.hist.ForTask("volatile", 10)
	if len(recs) != 1 || !strings.Contains(recs[0].Error, "panic") {
		t.Fatalf("records = %+v, want one panic failure", recs)
	}

	// The full capacity must be reservable again and the books clean.
	if err := h.ledger.TryReserve("check", resource.Set{"cpu": 2}); err != nil {
		t.Fatalf("capacity not released after panic: %v", err)
	}
	_ = h.ledger.Release("check")
	if h.ledger.Inconsistent() {
		t.Fatal("ledger flagged inconsistent")
	}
}

func TestEnqueueBackpressure(t *testing.T) {
	h := newHarness(t, Config{Workers: 1, QueueSize: 1}, nil)

	h.blockFor(t, "hold", 200*time.Millisecond)
	h.upsert(t, task.Task{Name: "busy", Actions: []task.ActionRef{{Type: "hold"}}})
	h.upsert(t, task.Task{Name: "waiting", Actions: []task.ActionRef{{Type: "hold"}}})
	h.upsert(t, task.Task{Name: "rejected", Actions: []task.ActionRef{{Type: "hold"}}})

	if err := h.svc.Enqueue("busy", time.Now()); !errors.Is(err, ErrStopped) {
		t.Fatalf("enqueue before start = %v, want ErrStopped", err)
	}

	h.svc.Start(context.Background())
	h.dispatch(t, "busy")
	waitFor(t, 2*time.Second, "worker busy", func() bool {
		return len(h.svc.Snapshot().Running) == 1
	})

	h.dispatch(t, "waiting") // fills the only queue slot

	if err := h.reg.MarkReady("rejected"); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	if err := h.svc.Enqueue("rejected", time.Now()); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("enqueue on full queue = %v, want ErrQueueFull", err)
	}
}

func TestApplyRestartKeepsQueuedCycles(t *testing.T) {
	h := newHarness(t, Config{Workers: 1, QueueSize: 4}, nil)

	h.blockFor(t, "hold", 5*time.Second)
	_ = h.acts.Register("quick", action.Func(func(ctx context.Context, p action.Params, rec *action.Recorder) error {
		return nil
	}))

	h.upsert(t, task.Task{Name: "blocker", Actions: []task.ActionRef{{Type: "hold"}}})
	h.upsert(t, task.Task{Name: "parked", Actions: []task.ActionRef{{Type: "quick"}}})

	h.svc.Start(context.Background())
	h.dispatch(t, "blocker")
	waitFor(t, 2*time.Second, "blocker to start", func() bool {
		return len(h.svc.Snapshot().Running) == 1
	})

	// Sits in the queue behind the blocker.
	h.dispatch(t, "parked")

	// Worker changes restart the engine in place. The queued cycle must
	// come back out as scheduled, not stay parked in ready where no tick
	// can see it.
	h.svc.Apply(context.Background(), Config{Workers: 2, QueueSize: 4})

	tk, _ := h.reg.Get("parked")
	if tk.State != task.StateScheduled {
		t.Fatalf("queued task state after restart = %s, want scheduled", tk.State)
	}
	if recs := h.hist.ForTask("parked", 10); len(recs) != 0 {
		t.Fatalf("execution records for parked = %d, want 0", len(recs))
	}

	// And the restarted engine runs it when it comes due again.
	h.dispatch(t, "parked")
	waitFor(t, 2*time.Second, "parked to run after restart", func() bool {
		tk, _ := h.reg.Get("parked")
		return tk.TotalRuns == 1
	})
}

func TestCircuitOpenDefersNextRun(t *testing.T) {
	h := newHarness(t, Config{
		Workers:             1,
		RetryBase:           time.Millisecond,
		CircuitTripFailures: 1,
		CircuitBaseDelay:    time.Hour,
		CircuitMaxDelay:     2 * time.Hour,
	}, nil)

	_ = h.acts.Register("down", action.Func(func(ctx context.Context, p action.Params, rec *action.Recorder) error {
		return errors.New("service down")
	}))

	h.upsert(t, task.Task{
		Name:       "restart-svc",
		Recurrence: task.Interval(50 * time.Millisecond),
		Actions:    []task.ActionRef{{Type: "down"}},
	})

	h.svc.Start(context.Background())
	h.dispatch(t, "restart-svc")

	waitFor(t, 2*time.Second, "first cycle failure", func() bool {
		tk, _ := h.reg.Get("restart-svc")
		return tk.TotalRuns == 1 && tk.State == task.StateScheduled
	})

	// The next due cycle hits the open circuit and is pushed past the
	// cooldown instead of running.
	h.dispatch(t, "restart-svc")
	waitFor(t, 2*time.Second, "circuit skip", func() bool {
		return h.svc.Snapshot().Skipped >= 1
	})

	tk, _ := h.reg.Get("restart-svc")
	if !tk.NextRun.After(time.Now().Add(30 * time.Minute)) {
		t.Fatalf("next run = %s, want deferred past the cooldown", tk.NextRun)
	}
	if recs := h.hist.ForTask("restart-svc", 10); len(recs) != 1 {
		t.Fatalf("execution records = %d, want 1 (skip writes nothing)", len(recs))
	}
}

func TestStaleCycleReturnsToScheduled(t *testing.T) {
	h := newHarness(t, Config{Workers: 1, MaxQueueDelay: 30 * time.Millisecond}, nil)

	h.blockFor(t, "hold", 120*time.Millisecond)
	_ = h.acts.Register("quick", action.Func(func(ctx context.Context, p action.Params, rec *action.Recorder) error {
		return nil
	}))

	h.upsert(t, task.Task{Name: "blocker", Actions: []task.ActionRef{{Type: "hold"}}})
	h.upsert(t, task.Task{Name: "late", Actions: []task.ActionRef{{Type: "quick"}}})

	h.svc.Start(context.Background())
	h.dispatch(t, "blocker")
	waitFor(t, 2*time.Second, "blocker to start", func() bool {
		return len(h.svc.Snapshot().Running) == 1
	})
	h.dispatch(t, "late")

	waitFor(t, 2*time.Second, "stale return", func() bool {
		return h.svc.Snapshot().Dropped >= 1
	})

	tk, _ := h.reg.Get("late")
	if tk.State != task.StateScheduled || tk.TotalRuns != 0 {
		t.Fatalf("late state = %s runs = %d, want scheduled/0", tk.State, tk.TotalRuns)
	}
	if recs := h.hist.ForTask("late", 10); len(recs) != 0 {
		t.Fatalf("execution records for late = %d, want 0", len(recs))
	}
}

func TestGroupCapSerializesCycles(t *testing.T) {
	h := newHarness(t, Config{Workers: 4, Groups: map[string]int{"net": 1}}, nil)

	var active, maxActive int32
	_ = h.acts.Register("probe", action.Func(func(ctx context.Context, p action.Params, rec *action.Recorder) error {
		cur := atomic.AddInt32(&active, 1)
		for {
			prev := atomic.LoadInt32(&maxActive)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	}))

	for i := 0; i < 3; i++ {
		h.upsert(t, task.Task{
			Name:    fmt.Sprintf("probe-%d", i),
			Group:   "net",
			Actions: []task.ActionRef{{Type: "probe"}},
		})
	}

	h.svc.Start(context.Background())
	for i := 0; i < 3; i++ {
		h.dispatch(t, fmt.Sprintf("probe-%d", i))
	}

	waitFor(t, 5*time.Second, "all probes to finish", func() bool {
		for i := 0; i < 3; i++ {
			tk, _ := h.reg.Get(fmt.Sprintf("probe-%d", i))
			if tk.TotalRuns != 1 {
				return false
			}
		}
		return true
	})

	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Fatalf("max concurrent probes = %d, want 1 (group cap)", got)
	}
}

func TestRetryAfterHintBoundsDelay(t *testing.T) {
	cfg := Config{RetryBase: time.Second, RetryMaxDelay: 5 * time.Second, RetryJitter: 0.0001}

	hinted := RetryAfter(errors.New("throttled"), 2*time.Second)
	d := backoffDelayWithHint(cfg, 1, hinted, nil)
	if d < 1*time.Second || d > 3*time.Second {
		t.Fatalf("hinted delay = %s, want ~2s", d)
	}

	over := RetryAfter(errors.New("throttled"), time.Hour)
	d = backoffDelayWithHint(cfg, 1, over, nil)
	if d > 5*time.Second {
		t.Fatalf("hinted delay = %s, want capped at RetryMaxDelay", d)
	}

	plain := errors.New("plain failure")
	if d = backoffDelayWithHint(cfg, 3, plain, nil); d != 4*time.Second {
		t.Fatalf("exponential delay for retry 3 = %s, want 4s", d)
	}
}

func TestBackoffDelayDoubles(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}

	cases := []struct {
		retry int
		want  time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{10, time.Second},
	}
	for _, tt := range cases {
		tt := tt
		t.Run(fmt.Sprintf("retry_%d", tt.retry), func(t *testing.T) {
			// nil rng disables jitter.
			if got := backoffDelay(cfg, tt.retry, nil); got != tt.want {
				t.Fatalf("backoffDelay(%d) = %s, want %s", tt.retry, got, tt.want)
			}
		})
	}
}
