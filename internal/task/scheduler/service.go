package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"taskmill/internal/clock"
	"taskmill/internal/eventbus"
	rtsup "taskmill/internal/runtime/supervisor"
	"taskmill/internal/task"
	"taskmill/internal/task/engine"
	logx "taskmill/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config

	reg *task.Registry
	eng Enqueuer
	clk clock.Clock
	bus eventbus.Bus
	log logx.Logger

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	// cfgGen bumps on Apply so the loop swaps its ticker.
	cfgGen uint64

	ticks       uint64
	enqueued    uint64
	backpressed uint64
	lastTick    int64 // unix nano

	// Enqueue warning throttling, keyed by task name.
	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

func New(cfg Config, deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		reg:      deps.Registry,
		eng:      deps.Engine,
		clk:      deps.Clock,
		bus:      deps.Bus,
		log:      deps.Log,
		lastWarn: map[string]time.Time{},
	}
}

// Enabled reports the current config flag. Apply may run concurrently.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the config at runtime. A changed tick period takes effect
// on the next loop iteration; enable/disable is the app layer's call
// (it pairs Apply with Start/Stop).
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	if cfg != s.cfg {
		s.cfg = cfg
		s.cfgGen++
	}
	s.mu.Unlock()
}

// Start launches the tick loop. Idempotent; a Start during Stop waits
// for the stop to finish first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			s.Start(ctx)
		}
		return
	}
	cfg := s.cfg
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("tick.loop", func(c context.Context) error {
		s.loop(c, stopCh)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("tick loop exited unexpectedly")
	}, rtsup.WithPublishFirstError(true))

	s.log.Info("scheduler started", logx.Duration("tick", cfg.Tick))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}
	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Any("err", ctx.Err()))
	}
}

// Supervisor returns the internal supervisor (nil if not started); used
// for operational visibility.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) {
	s.mu.Lock()
	tick := s.cfg.Tick
	gen := s.cfgGen
	s.mu.Unlock()

	t := s.clk.NewTicker(tick)
	defer func() { t.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case now := <-t.C():
			s.tick(now)
		}

		// Pick up a changed tick period without restarting the service.
		s.mu.Lock()
		curTick, curGen := s.cfg.Tick, s.cfgGen
		s.mu.Unlock()
		if curGen != gen {
			gen = curGen
			if curTick != tick {
				t.Stop()
				tick = curTick
				t = s.clk.NewTicker(tick)
			}
		}
	}
}

// tick classifies one instant: every enabled scheduled task with
// NextRun <= now moves to ready and goes on the engine queue, earliest
// due first. A rejected enqueue (queue full, engine stopping) rolls the
// task back to scheduled so it stays due for the next tick; nothing is
// lost to backpressure.
func (s *Service) tick(now time.Time) {
	atomic.AddUint64(&s.ticks, 1)
	atomic.StoreInt64(&s.lastTick, now.UnixNano())

	for _, tk := range s.reg.Due(now) {
		if err := s.reg.MarkReady(tk.Name); err != nil {
			// Lost a race with an operator edit; skip this cycle.
			s.log.Debug("due task not marked ready", logx.String("task", tk.Name), logx.Any("err", err))
			continue
		}
		if err := s.eng.Enqueue(tk.Name, tk.NextRun); err != nil {
			atomic.AddUint64(&s.backpressed, 1)
			if rbErr := s.reg.ResetToScheduled(tk.Name); rbErr != nil {
				s.log.Warn("due task rollback failed", logx.String("task", tk.Name), logx.Any("err", rbErr))
			}
			s.reportEnqueueError(now, tk.Name, err)
			continue
		}
		atomic.AddUint64(&s.enqueued, 1)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "task.enqueued", Time: now, Data: engine.TaskEvent{Name: tk.Name, Due: tk.NextRun}})
		}
		s.log.Debug("task enqueued",
			logx.String("task", tk.Name),
			logx.Time("due", tk.NextRun),
			logx.Duration("late", now.Sub(tk.NextRun)),
		)
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:     cfg.Enabled,
		Running:     running,
		Tick:        cfg.Tick,
		Ticks:       atomic.LoadUint64(&s.ticks),
		Enqueued:    atomic.LoadUint64(&s.enqueued),
		Backpressed: atomic.LoadUint64(&s.backpressed),
	}
	if n := atomic.LoadInt64(&s.lastTick); n != 0 {
		snap.LastTick = time.Unix(0, n)
	}
	if s.reg != nil {
		rs := s.reg.Stats()
		snap.NextTask = rs.NextTask
		snap.NextRun = rs.NextRun
	}
	return snap
}
