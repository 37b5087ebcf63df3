package engine

import (
	"time"

	"taskmill/internal/action"
	"taskmill/internal/clock"
	"taskmill/internal/eventbus"
	"taskmill/internal/history"
	"taskmill/internal/metrics"
	"taskmill/internal/resource"
	"taskmill/internal/task"
	logx "taskmill/pkg/logx"
)

// Config controls the task execution engine.
//
// The scheduler only decides WHEN a task is due; everything about HOW a
// cycle runs (workers, deadlines, retries, resource backpressure) lives
// here. The app layer maps config.engine into this struct.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout caps a single action when neither the action nor
	// the task carries its own deadline. withDefaults keeps it nonzero:
	// nothing runs without a deadline.
	DefaultTimeout time.Duration

	// MaxQueueDelay returns cycles that sat queued longer than this to
	// the scheduled state instead of running them late. 0 disables the
	// check.
	MaxQueueDelay time.Duration

	// Backoff between attempts of one cycle. The attempt count itself
	// comes from the task definition (Task.Retries).
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// RequeueDelay is the pause before a resource-starved cycle goes
	// back on the queue, so one starved task cannot spin a worker.
	RequeueDelay time.Duration

	// Groups caps concurrent runs per task group (Task.Group). Groups
	// not listed here run unrestricted.
	Groups map[string]int

	// Autoscale enables the adaptive permit controller. Off, the permit
	// limit stays pinned at Workers.
	Autoscale bool

	// Circuit breaker (consecutive-failure based).
	//
	// If CircuitTripFailures < 0, the circuit breaker is disabled.
	// If CircuitTripFailures == 0, a default is applied.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = time.Minute
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = 250 * time.Millisecond
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 5 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 2 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 5 * time.Minute
	}
	return c
}

// Deps wires the engine to its collaborators.
//
// Registry, Ledger, Actions and History are required; the engine does
// not guard against nil there, wiring belongs to the app layer. Clock
// defaults to the system clock, Log to a no-op logger. Metrics and Bus
// may stay nil.
type Deps struct {
	Registry *task.Registry
	Ledger   *resource.Ledger
	Actions  *action.Registry
	History  *history.History
	Metrics  *metrics.Store
	Clock    clock.Clock
	Bus      eventbus.Bus
	Log      logx.Logger
}

// queuedRef is what travels through the queue: just enough to find the
// task again at pickup. The authoritative record stays in the registry,
// so edits (or a disable) between enqueue and pickup are honored.
type queuedRef struct {
	name       string
	due        time.Time
	enqueuedAt time.Time
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id,omitempty"`
	Name       string        `json:"name"`
	Due        time.Time     `json:"due,omitempty"`
	Started    time.Time     `json:"started,omitempty"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Attempt    int           `json:"attempt,omitempty"`
	Outcome    string        `json:"outcome,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers  int
	QueueLen int
	QueueCap int

	// Adaptive concurrency (soft limit).
	ActiveMax        int
	ActiveLimit      int
	InFlight         int
	WaitingForPermit int

	// Tasks currently inside a worker, sorted by name.
	Running []string

	Executed  uint64
	Succeeded uint64
	Failed    uint64
	Requeued  uint64
	Skipped   uint64
	Dropped   uint64

	// Diagnostics for operators.
	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration

	// Circuit breaker diagnostics.
	CircuitTotal int
	CircuitOpen  int
}
