package storage

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"taskmill/internal/alerting"
	"taskmill/internal/history"
	"taskmill/internal/metrics"
	"taskmill/internal/task"
	logx "taskmill/pkg/logx"
)

func openTestStore(t *testing.T, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st == nil {
		t.Fatalf("Open returned nil store for file driver")
	}
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("driver %q: unexpected error: %v", driver, err)
		}
		if st != nil {
			t.Fatalf("driver %q: expected nil store", driver)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "bolt", Path: "x"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestFileTasksSurviveRestart(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mill.db")
	st := openTestStore(t, path)

	now := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	keep := task.Task{
		Name:       "disk-health",
		Recurrence: task.Interval(time.Hour),
		State:      task.StateScheduled,
		Enabled:    true,
		NextRun:    now.Add(time.Hour),
		TotalRuns:  7,
	}
	drop := task.Task{Name: "old-task", State: task.StateScheduled}

	for _, tk := range []task.Task{keep, drop} {
		if err := st.SaveTask(tk); err != nil {
			t.Fatalf("SaveTask(%s): %v", tk.Name, err)
		}
	}
	if err := st.DeleteTask("old-task"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st = openTestStore(t, path)
	defer st.Close()

	got, err := st.LoadTasks()
	if err != nil {
		t.Fatalf("LoadTasks: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 task after restart, got %d", len(got))
	}
	if got[0].Name != "disk-health" || got[0].TotalRuns != 7 {
		t.Fatalf("unexpected task: %+v", got[0])
	}
	if !got[0].NextRun.Equal(keep.NextRun) {
		t.Fatalf("NextRun lost: got %v want %v", got[0].NextRun, keep.NextRun)
	}
}

func TestFileTaskJournalCompaction(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mill.db")
	st := openTestStore(t, path)

	const n = taskCompactEvery + 20
	for i := 0; i < n; i++ {
		tk := task.Task{Name: fmt.Sprintf("task-%03d", i), State: task.StateScheduled}
		if err := st.SaveTask(tk); err != nil {
			t.Fatalf("SaveTask #%d: %v", i, err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st = openTestStore(t, path)
	defer st.Close()

	got, err := st.LoadTasks()
	if err != nil {
		t.Fatalf("LoadTasks: %v", err)
	}
	if len(got) != n {
		t.Fatalf("expected %d tasks after compaction and restart, got %d", n, len(got))
	}
}

func TestFileExecutionsTail(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mill.db")
	st := openTestStore(t, path)
	defer st.Close()

	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := history.Execution{
			ID:      fmt.Sprintf("exec-%d", i),
			Task:    "backup",
			Outcome: history.OutcomeSuccess,
			EndedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := st.AppendExecution(e); err != nil {
			t.Fatalf("AppendExecution: %v", err)
		}
	}

	got, err := st.LoadExecutions(3)
	if err != nil {
		t.Fatalf("LoadExecutions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 executions, got %d", len(got))
	}
	for i, want := range []string{"exec-2", "exec-3", "exec-4"} {
		if got[i].ID != want {
			t.Fatalf("tail[%d] = %s, want %s", i, got[i].ID, want)
		}
	}
}

func TestFileMetricsFilter(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mill.db")
	st := openTestStore(t, path)
	defer st.Close()

	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		p := metrics.Point{Name: "system_cpu", Value: float64(10 * i), At: base.Add(time.Duration(i) * time.Minute)}
		if err := st.AppendMetric(p); err != nil {
			t.Fatalf("AppendMetric: %v", err)
		}
	}
	if err := st.AppendMetric(metrics.Point{Name: "system_memory", Value: 55, At: base}); err != nil {
		t.Fatalf("AppendMetric: %v", err)
	}

	got, err := st.LoadMetrics("system_cpu", base.Add(time.Minute), base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("LoadMetrics: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 cpu points in range, got %d", len(got))
	}
	if got[0].Value != 10 || got[1].Value != 20 {
		t.Fatalf("unexpected values: %v, %v", got[0].Value, got[1].Value)
	}

	all, err := st.LoadMetrics("", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("LoadMetrics all: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 points across series, got %d", len(all))
	}
}

func TestFileAlertsLastWriteWins(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mill.db")
	st := openTestStore(t, path)

	opened := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	a := alerting.Alert{
		ID:       "a-1",
		Rule:     "cpu-high",
		Metric:   "system_cpu",
		Severity: alerting.SeverityCritical,
		Value:    91,
		OpenedAt: opened,
	}
	if err := st.SaveAlert(a); err != nil {
		t.Fatalf("SaveAlert: %v", err)
	}
	resolved := opened.Add(10 * time.Minute)
	a.ResolvedAt = &resolved
	a.Value = 42
	if err := st.SaveAlert(a); err != nil {
		t.Fatalf("SaveAlert update: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st = openTestStore(t, path)
	defer st.Close()

	got, err := st.LoadAlerts()
	if err != nil {
		t.Fatalf("LoadAlerts: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(got))
	}
	if got[0].Active() {
		t.Fatalf("alert should be resolved after update")
	}
	if got[0].Value != 42 {
		t.Fatalf("update lost: value = %v", got[0].Value)
	}
}

func TestFileDedupRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mill.db")
	st := openTestStore(t, path)

	until := time.Now().Add(time.Hour)
	if err := st.PutDedup("alert:cpu-high", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	if err := st.PutDedup("stale", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("PutDedup stale: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st = openTestStore(t, path)
	defer st.Close()

	got, ok, err := st.GetDedup("alert:cpu-high")
	if err != nil || !ok {
		t.Fatalf("GetDedup: ok=%v err=%v", ok, err)
	}
	if got.UnixMilli() != until.UnixMilli() {
		t.Fatalf("until mismatch: got %v want %v", got, until)
	}

	// Expired entries are dropped on reopen.
	if _, ok, _ := st.GetDedup("stale"); ok {
		t.Fatalf("expired dedup entry survived restart")
	}
}
