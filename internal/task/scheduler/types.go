package scheduler

import (
	"time"

	"taskmill/internal/clock"
	"taskmill/internal/eventbus"
	"taskmill/internal/task"
	logx "taskmill/pkg/logx"
)

// Config controls the tick loop.
type Config struct {
	Enabled bool

	// Tick is the classification period. Due tasks are picked up on the
	// first tick at or after their due time.
	Tick time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	return c
}

// Enqueuer is the engine surface the scheduler needs. engine.Service
// satisfies it.
type Enqueuer interface {
	Enqueue(name string, due time.Time) error
}

// Deps wires the scheduler to its collaborators. Registry and Engine
// are required; Clock defaults to the system clock, Log to a no-op.
type Deps struct {
	Registry *task.Registry
	Engine   Enqueuer
	Clock    clock.Clock
	Bus      eventbus.Bus
	Log      logx.Logger
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Enabled bool          `json:"enabled"`
	Running bool          `json:"running"`
	Tick    time.Duration `json:"tick"`

	LastTick    time.Time `json:"last_tick,omitempty"`
	Ticks       uint64    `json:"ticks"`
	Enqueued    uint64    `json:"enqueued"`
	Backpressed uint64    `json:"backpressed"` // enqueue rejected, task left scheduled

	NextTask string    `json:"next_task,omitempty"`
	NextRun  time.Time `json:"next_run,omitempty"`
}
