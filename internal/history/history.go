// Package history keeps a bounded, append-only record of finished
// executions and answers windowed stats queries over it.
package history

import (
	"sort"
	"sync"
	"time"

	logx "taskmill/pkg/logx"
)

// Outcome is how an execution ended. Requeues and disabled skips never
// produce a record; only runs that actually started are written here.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// ActionResult is the per-step trail inside one execution.
type ActionResult struct {
	Type     string        `json:"type"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Execution is one attempt of a task's action list. A cycle with
// retries writes one record per attempt, numbered from 1.
type Execution struct {
	ID        string         `json:"id"`
	Task      string         `json:"task"`
	Outcome   Outcome        `json:"outcome"`
	Attempt   int            `json:"attempt"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Duration  time.Duration  `json:"duration"`
	Error     string         `json:"error,omitempty"`
	Actions   []ActionResult `json:"actions,omitempty"`
}

// Journal persists records across restarts. The storage package
// implements it; a nil journal keeps history memory-only.
type Journal interface {
	AppendExecution(e Execution) error
	LoadExecutions(limit int) ([]Execution, error)
}

// Keep history bounded so a busy scheduler cannot grow it without limit.
const DefaultCapacity = 500

type Config struct {
	Capacity int
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	return c
}

// Stats summarizes executions inside one time window.
type Stats struct {
	Total       int           `json:"total"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	TimedOut    int           `json:"timed_out"`
	SuccessRate float64       `json:"success_rate"` // 0..1; 1 when the window is empty
	AvgDuration time.Duration `json:"avg_duration"`
	MinDuration time.Duration `json:"min_duration"`
	MaxDuration time.Duration `json:"max_duration"`
	Retried     int           `json:"retried"` // records with attempt > 1
	First       time.Time     `json:"first,omitempty"`
	Last        time.Time     `json:"last,omitempty"`
}

type History struct {
	mu      sync.Mutex
	entries []Execution // chronological, bounded by capacity

	capacity int
	journal  Journal
	log      logx.Logger
}

func New(cfg Config, journal Journal, log logx.Logger) *History {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &History{
		entries:  make([]Execution, 0, cfg.Capacity),
		capacity: cfg.Capacity,
		journal:  journal,
		log:      log,
	}
}

// Load replays the journal tail into memory. Call once before Record.
func (h *History) Load() error {
	if h.journal == nil {
		return nil
	}
	entries, err := h.journal.LoadExecutions(h.capacity)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].EndedAt.Before(entries[j].EndedAt)
	})
	if len(entries) > h.capacity {
		entries = entries[len(entries)-h.capacity:]
	}

	h.mu.Lock()
	h.entries = append(h.entries[:0], entries...)
	h.mu.Unlock()

	h.log.Debug("execution history loaded", logx.Int("records", len(entries)))
	return nil
}

// Record appends one finished execution, evicting the oldest entry past
// capacity, and writes through to the journal.
func (h *History) Record(e Execution) error {
	h.mu.Lock()
	h.entries = append(h.entries, e)
	if len(h.entries) > h.capacity {
		h.entries = h.entries[1:]
	}
	h.mu.Unlock()

	if h.journal == nil {
		return nil
	}
	if err := h.journal.AppendExecution(e); err != nil {
		h.log.Error("execution record not persisted",
			logx.String("task", e.Task), logx.String("id", e.ID), logx.Err(err))
		return err
	}
	return nil
}

// Recent returns up to n records, newest first.
func (h *History) Recent(n int) []Execution {
	h.mu.Lock()
	defer h.mu.Unlock()
	return recentLocked(h.entries, n, "")
}

// ForTask returns up to n records for one task, newest first.
func (h *History) ForTask(task string, n int) []Execution {
	h.mu.Lock()
	defer h.mu.Unlock()
	return recentLocked(h.entries, n, task)
}

func recentLocked(entries []Execution, n int, task string) []Execution {
	if n <= 0 {
		return nil
	}
	out := make([]Execution, 0, n)
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		if task != "" && entries[i].Task != task {
			continue
		}
		out = append(out, entries[i])
	}
	return out
}

// Len reports how many records are held in memory.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Stats aggregates records with EndedAt at or after since, in one pass.
func (h *History) Stats(since time.Time) Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	var st Stats
	var total time.Duration
	for _, e := range h.entries {
		if e.EndedAt.Before(since) {
			continue
		}
		st.Total++
		if e.Attempt > 1 {
			st.Retried++
		}
		switch e.Outcome {
		case OutcomeSuccess:
			st.Succeeded++
		case OutcomeTimeout:
			st.TimedOut++
			st.Failed++
		default:
			st.Failed++
		}
		total += e.Duration
		if st.Total == 1 {
			st.MinDuration = e.Duration
			st.MaxDuration = e.Duration
			st.First = e.EndedAt
			st.Last = e.EndedAt
		} else {
			if e.Duration < st.MinDuration {
				st.MinDuration = e.Duration
			}
			if e.Duration > st.MaxDuration {
				st.MaxDuration = e.Duration
			}
			if e.EndedAt.Before(st.First) {
				st.First = e.EndedAt
			}
			if e.EndedAt.After(st.Last) {
				st.Last = e.EndedAt
			}
		}
	}

	if st.Total == 0 {
		st.SuccessRate = 1
		return st
	}
	st.SuccessRate = float64(st.Succeeded) / float64(st.Total)
	st.AvgDuration = total / time.Duration(st.Total)
	return st
}
