package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"taskmill/internal/alerting"
	"taskmill/internal/history"
	"taskmill/internal/metrics"
	"taskmill/internal/task"
	logx "taskmill/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files, all sharing one prefix derived from Config.Path:
//   - <prefix>.tasks.snapshot.json   (full task set)
//   - <prefix>.tasks.journal.jsonl   (append-only put/del journal)
//   - <prefix>.executions.jsonl      (append-only, tail-bounded)
//   - <prefix>.metrics.jsonl         (append-only, age-bounded)
//   - <prefix>.alerts.jsonl          (append-only upserts, last write per ID wins)
//   - <prefix>.dedup.snapshot.json   (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl   (append-only journal)
//
// Journals are periodically compacted into their snapshots; the
// append-only logs are rewritten in place when they outgrow their
// bounds.
type fileStore struct {
	log logx.Logger
	cfg Config

	mu sync.Mutex

	tasksSnapshotPath string
	tasksJournalPath  string
	tasksJournalFile  *os.File
	tasks             map[string]task.Task
	taskWrites        int

	execPath   string
	execFile   *os.File
	execWrites int

	metricsPath  string
	metricsFile  *os.File
	metricWrites int

	alertsPath  string
	alertsFile  *os.File
	alerts      map[string]alerting.Alert
	alertOrder  []string
	alertWrites int

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli
	dedupWrites       int
}

const (
	taskCompactEvery   = 256
	execCompactEvery   = 1000
	metricCompactEvery = 5000
	alertCompactEvery  = 512
	dedupCompactEvery  = 1000
)

type taskRecord struct {
	Op   string     `json:"op"` // "put" or "del"
	Name string     `json:"name"`
	Task *task.Task `json:"task,omitempty"`
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log: log,
		cfg: cfg,

		tasksSnapshotPath: prefix + ".tasks.snapshot.json",
		tasksJournalPath:  prefix + ".tasks.journal.jsonl",
		tasks:             map[string]task.Task{},

		execPath:    prefix + ".executions.jsonl",
		metricsPath: prefix + ".metrics.jsonl",
		alertsPath:  prefix + ".alerts.jsonl",

		dedupSnapshotPath: prefix + ".dedup.snapshot.json",
		dedup:             map[string]int64{},

		alerts: map[string]alerting.Alert{},
	}

	// Load working sets from snapshot + journal before opening append
	// handles, so compaction sees complete state.
	_ = loadJSONFile(s.tasksSnapshotPath, &s.tasks)
	_ = replayTaskJournal(s.tasksJournalPath, s.tasks)
	if err := replayAlertLog(s.alertsPath, s.alerts, &s.alertOrder); err != nil {
		return nil, err
	}
	_ = loadJSONFile(s.dedupSnapshotPath, &s.dedup)
	_ = replayDedupJournal(prefix+".dedup.journal.jsonl", s.dedup)
	pruneExpiredDedup(s.dedup)

	var err error
	if s.tasksJournalFile, err = appendHandle(s.tasksJournalPath); err != nil {
		return nil, err
	}
	if s.execFile, err = appendHandle(s.execPath); err != nil {
		s.closeLocked()
		return nil, err
	}
	if s.metricsFile, err = appendHandle(s.metricsPath); err != nil {
		s.closeLocked()
		return nil, err
	}
	if s.alertsFile, err = appendHandle(s.alertsPath); err != nil {
		s.closeLocked()
		return nil, err
	}
	if s.dedupJournalFile, err = appendHandle(prefix + ".dedup.journal.jsonl"); err != nil {
		s.closeLocked()
		return nil, err
	}
	return s, nil
}

func appendHandle(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *fileStore) closeLocked() error {
	var firstErr error
	for _, f := range []**os.File{&s.tasksJournalFile, &s.execFile, &s.metricsFile, &s.alertsFile, &s.dedupJournalFile} {
		if *f == nil {
			continue
		}
		if err := (*f).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		*f = nil
	}
	return firstErr
}

// --- tasks ---

func (s *fileStore) SaveTask(t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasksJournalFile == nil {
		return errors.New("task journal closed")
	}
	s.tasks[t.Name] = t
	if err := json.NewEncoder(s.tasksJournalFile).Encode(taskRecord{Op: "put", Name: t.Name, Task: &t}); err != nil {
		return err
	}
	s.taskWrites++
	if s.taskWrites%taskCompactEvery == 0 {
		if err := s.compactTasksLocked(); err != nil {
			s.log.Debug("task journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) DeleteTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasksJournalFile == nil {
		return errors.New("task journal closed")
	}
	delete(s.tasks, name)
	if err := json.NewEncoder(s.tasksJournalFile).Encode(taskRecord{Op: "del", Name: name}); err != nil {
		return err
	}
	s.taskWrites++
	return nil
}

func (s *fileStore) LoadTasks() ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (s *fileStore) compactTasksLocked() error {
	if err := writeJSONFile(s.tasksSnapshotPath, s.tasks); err != nil {
		return err
	}
	return truncateHandle(s.tasksJournalFile)
}

func replayTaskJournal(path string, out map[string]task.Task) error {
	return scanLines(path, func(line []byte) {
		var r taskRecord
		if err := json.Unmarshal(line, &r); err != nil {
			return
		}
		switch r.Op {
		case "put":
			if r.Task != nil {
				out[r.Task.Name] = *r.Task
			}
		case "del":
			delete(out, r.Name)
		}
	})
}

// --- executions ---

func (s *fileStore) AppendExecution(e history.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execFile == nil {
		return errors.New("execution log closed")
	}
	if err := json.NewEncoder(s.execFile).Encode(e); err != nil {
		return err
	}
	s.execWrites++
	if s.execWrites%execCompactEvery == 0 {
		if err := s.compactExecutionsLocked(); err != nil {
			s.log.Debug("execution log compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) LoadExecutions(limit int) ([]history.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := readExecutions(s.execPath)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s *fileStore) compactExecutionsLocked() error {
	all, err := readExecutions(s.execPath)
	if err != nil {
		return err
	}
	keep := s.cfg.ExecutionsKeep
	if len(all) <= keep {
		return nil
	}
	all = all[len(all)-keep:]

	f, err := rewriteHandle(&s.execFile, s.execPath, func(enc *json.Encoder) error {
		for _, e := range all {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	})
	s.execFile = f
	return err
}

func readExecutions(path string) ([]history.Execution, error) {
	var out []history.Execution
	err := scanLines(path, func(line []byte) {
		var e history.Execution
		if json.Unmarshal(line, &e) == nil && e.ID != "" {
			out = append(out, e)
		}
	})
	return out, err
}

// --- metrics ---

func (s *fileStore) AppendMetric(p metrics.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metricsFile == nil {
		return errors.New("metrics log closed")
	}
	if err := json.NewEncoder(s.metricsFile).Encode(p); err != nil {
		return err
	}
	s.metricWrites++
	if s.metricWrites%metricCompactEvery == 0 {
		if err := s.compactMetricsLocked(); err != nil {
			s.log.Debug("metrics log compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) LoadMetrics(name string, from, to time.Time) ([]metrics.Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []metrics.Point
	err := scanLines(s.metricsPath, func(line []byte) {
		var p metrics.Point
		if json.Unmarshal(line, &p) != nil || p.Name == "" {
			return
		}
		if name != "" && p.Name != name {
			return
		}
		if p.At.Before(from) || p.At.After(to) {
			return
		}
		out = append(out, p)
	})
	return out, err
}

func (s *fileStore) compactMetricsLocked() error {
	cutoff := time.Now().Add(-s.cfg.MetricsRetention)
	var keep []metrics.Point
	err := scanLines(s.metricsPath, func(line []byte) {
		var p metrics.Point
		if json.Unmarshal(line, &p) == nil && !p.At.Before(cutoff) {
			keep = append(keep, p)
		}
	})
	if err != nil {
		return err
	}

	f, err := rewriteHandle(&s.metricsFile, s.metricsPath, func(enc *json.Encoder) error {
		for _, p := range keep {
			if err := enc.Encode(p); err != nil {
				return err
			}
		}
		return nil
	})
	s.metricsFile = f
	return err
}

// --- alerts ---

func (s *fileStore) SaveAlert(a alerting.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alertsFile == nil {
		return errors.New("alert log closed")
	}
	if _, ok := s.alerts[a.ID]; !ok {
		s.alertOrder = append(s.alertOrder, a.ID)
	}
	s.alerts[a.ID] = a
	if err := json.NewEncoder(s.alertsFile).Encode(a); err != nil {
		return err
	}
	s.alertWrites++
	if s.alertWrites%alertCompactEvery == 0 {
		if err := s.compactAlertsLocked(); err != nil {
			s.log.Debug("alert log compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) LoadAlerts() ([]alerting.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]alerting.Alert, 0, len(s.alertOrder))
	for _, id := range s.alertOrder {
		out = append(out, s.alerts[id])
	}
	return out, nil
}

func (s *fileStore) compactAlertsLocked() error {
	f, err := rewriteHandle(&s.alertsFile, s.alertsPath, func(enc *json.Encoder) error {
		for _, id := range s.alertOrder {
			if err := enc.Encode(s.alerts[id]); err != nil {
				return err
			}
		}
		return nil
	})
	s.alertsFile = f
	return err
}

func replayAlertLog(path string, out map[string]alerting.Alert, order *[]string) error {
	return scanLines(path, func(line []byte) {
		var a alerting.Alert
		if json.Unmarshal(line, &a) != nil || a.ID == "" {
			return
		}
		if _, ok := out[a.ID]; !ok {
			*order = append(*order, a.ID)
		}
		out[a.ID] = a
	})
}

// --- dedup ---

func (s *fileStore) PutDedup(key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return errors.New("dedup journal closed")
	}
	s.dedup[key] = ms

	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%dedupCompactEvery == 0 {
		// Best-effort compact.
		if err := s.compactDedupLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactDedupLocked() error {
	pruneExpiredDedup(s.dedup)
	if err := writeJSONFile(s.dedupSnapshotPath, s.dedup); err != nil {
		return err
	}
	return truncateHandle(s.dedupJournalFile)
}

func replayDedupJournal(path string, out map[string]int64) error {
	return scanLines(path, func(line []byte) {
		var r dedupRecord
		if err := json.Unmarshal(line, &r); err != nil {
			return
		}
		if r.Key == "" {
			return
		}
		out[r.Key] = r.Until
	})
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}

// --- shared helpers ---

func scanLines(path string, fn func(line []byte)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		fn(line)
	}
	return sc.Err()
}

func loadJSONFile(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func writeJSONFile(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func truncateHandle(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := f.Seek(0, 2)
	return err
}

// rewriteHandle replaces an append-only log atomically: write the new
// content to a tmp file, swap it in, and reopen the append handle. The
// old handle is closed even when the rewrite fails; the returned handle
// is always usable or nil.
func rewriteHandle(old **os.File, path string, write func(enc *json.Encoder) error) (*os.File, error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return *old, err
	}
	if err := write(json.NewEncoder(f)); err != nil {
		_ = f.Close()
		return *old, err
	}
	if err := f.Close(); err != nil {
		return *old, err
	}

	if *old != nil {
		_ = (*old).Close()
		*old = nil
	}
	if err := os.Rename(tmp, path); err != nil {
		nf, reopenErr := appendHandle(path)
		if reopenErr != nil {
			return nil, err
		}
		return nf, err
	}
	return appendHandle(path)
}
