package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"taskmill/internal/action"
	"taskmill/internal/clock"
	"taskmill/internal/eventbus"
	"taskmill/internal/history"
	"taskmill/internal/metrics"
	"taskmill/internal/resource"
	"taskmill/internal/task"
	logx "taskmill/pkg/logx"

	rtsup "taskmill/internal/runtime/supervisor"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config

	reg     *task.Registry
	ledger  *resource.Ledger
	actions *action.Registry
	hist    *history.History
	metrics *metrics.Store
	clk     clock.Clock
	bus     eventbus.Bus
	log     logx.Logger

	q chan queuedRef

	// Adaptive concurrency (soft limit).
	inFlight         int32
	waitingForPermit int32
	permitMax        int32
	permitLimit      int32
	permits          chan struct{}

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	// Concurrency groups (per Task.Group, limits from Config.Groups).
	groups groupLimiterStore

	// Circuit breaker state (consecutive failures).
	circuits circuitStore

	runningMu sync.Mutex
	running   map[string]struct{}

	executed  uint64
	succeeded uint64
	failed    uint64
	requeued  uint64
	skipped   uint64
	dropped   uint64

	lastQueueFullWarnAt int64
	lastStaleWarnAt     int64
}

func New(cfg Config, deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		reg:     deps.Registry,
		ledger:  deps.Ledger,
		actions: deps.Actions,
		hist:    deps.History,
		metrics: deps.Metrics,
		clk:     deps.Clock,
		bus:     deps.Bus,
		log:     deps.Log,
		running: make(map[string]struct{}),
	}
}

// Supervisor returns the engine's internal supervisor (nil if not started).
// This is used for operational visibility (e.g. /healthz).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	// Group limits are sized at first use; forget them so changed caps
	// take effect. Cycles holding an old token finish against it.
	s.groups.reset()

	if !running {
		return
	}

	// If core execution settings changed, restart workers.
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize || prev.Autoscale != cfg.Autoscale {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg

	// Start is idempotent.
	if s.stopCh != nil {
		// If stopping, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		} else {
			return
		}
		s.mu.Lock()
		// Re-check after wait.
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.q = make(chan queuedRef, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q
	workers := cfg.Workers

	// Initialize the concurrency permits. Without autoscale the limit is
	// pinned at Workers and the controller goroutine never runs.
	atomic.StoreInt32(&s.inFlight, 0)
	atomic.StoreInt32(&s.waitingForPermit, 0)
	atomic.StoreInt32(&s.permitMax, int32(workers))
	initLim := int32(workers)
	if cfg.Autoscale {
		initLim = initialPermitLimit(workers)
	}
	atomic.StoreInt32(&s.permitLimit, initLim)
	s.permits = make(chan struct{}, workers)
	for i := int32(0); i < initLim; i++ {
		s.permits <- struct{}{}
	}

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))),
		// Engine failures should not hard-kill the process; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		// Auto-restart workers if they panic or exit unexpectedly.
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			// Clean exits happen only on shutdown.
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	if cfg.Autoscale {
		sup.GoRestart("autoscale", func(c context.Context) error {
			s.autoscale(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("autoscale exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	s.log.Info("engine started", logx.Int("workers", workers), logx.Int("active_limit", int(initLim)), logx.Int("queue", cap(queue)))
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
	// If already stopping, wait.
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
		// Wait unbounded in background; caller can still time out.
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		q := s.q
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.permits = nil
		atomic.StoreInt32(&s.inFlight, 0)
		atomic.StoreInt32(&s.waitingForPermit, 0)
		atomic.StoreInt32(&s.permitMax, 0)
		atomic.StoreInt32(&s.permitLimit, 0)
		s.mu.Unlock()

		// Workers are gone; refs still sitting in the queue would leave
		// their tasks parked in ready, invisible to the next tick. Return
		// them to scheduled so a restart (e.g. Apply) loses no cycles.
		drained := 0
		for q != nil {
			select {
			case ref := <-q:
				s.rollback(ref.name, "engine stopped")
				drained++
				continue
			default:
			}
			break
		}
		if drained > 0 {
			s.log.Info("queued cycles returned to scheduled", logx.Int("count", drained))
		}
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("engine stopped")
	case <-ctx.Done():
		s.log.Warn("engine stop timed out", logx.Any("err", ctx.Err()))
	}
}

// Enqueue hands one due cycle to the workers without blocking. The queue
// carries the task name only; the record is re-read at pickup so edits
// made while queued are honored.
//
// The caller owns the ready transition: on ErrQueueFull it decides
// whether to roll the task back to scheduled.
func (s *Service) Enqueue(name string, due time.Time) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("task name is required")
	}

	s.mu.Lock()
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	now := s.clk.Now()
	select {
	case q <- queuedRef{name: name, due: due, enqueuedAt: now}:
		return nil
	default:
		s.onQueueFull(now, name, q)
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	ql := 0
	qc := 0
	if q != nil {
		ql = len(q)
		qc = cap(q)
	}

	s.runningMu.Lock()
	running := make([]string, 0, len(s.running))
	for name := range s.running {
		running = append(running, name)
	}
	s.runningMu.Unlock()
	sort.Strings(running)

	now := s.clk.Now()
	ct, co := s.circuitSnapshot(now, cfg)

	return Snapshot{
		Workers:          cfg.Workers,
		QueueLen:         ql,
		QueueCap:         qc,
		ActiveMax:        int(atomic.LoadInt32(&s.permitMax)),
		ActiveLimit:      int(atomic.LoadInt32(&s.permitLimit)),
		InFlight:         int(atomic.LoadInt32(&s.inFlight)),
		WaitingForPermit: int(atomic.LoadInt32(&s.waitingForPermit)),
		Running:          running,
		Executed:         atomic.LoadUint64(&s.executed),
		Succeeded:        atomic.LoadUint64(&s.succeeded),
		Failed:           atomic.LoadUint64(&s.failed),
		Requeued:         atomic.LoadUint64(&s.requeued),
		Skipped:          atomic.LoadUint64(&s.skipped),
		Dropped:          atomic.LoadUint64(&s.dropped),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		CircuitTotal:     ct,
		CircuitOpen:      co,
	}
}

func (s *Service) markRunningSet(name string) {
	s.runningMu.Lock()
	s.running[name] = struct{}{}
	s.runningMu.Unlock()
}

func (s *Service) unmarkRunningSet(name string) {
	s.runningMu.Lock()
	delete(s.running, name)
	s.runningMu.Unlock()
}

// rollback returns an admitted cycle to the scheduled state so the next
// tick sees it again. NextRun is untouched.
func (s *Service) rollback(name, reason string) {
	if err := s.reg.ResetToScheduled(name); err != nil {
		s.log.Debug("rollback skipped", logx.String("task", name), logx.String("reason", reason), logx.Any("err", err))
	}
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onQueueFull(now time.Time, name string, q chan queuedRef) {
	atomic.AddUint64(&s.dropped, 1)

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "task.dropped", Time: now, Data: TaskEvent{Name: name, Error: "queue_full"}})
	}

	if !s.log.IsZero() && s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		ql := 0
		qc := 0
		if q != nil {
			ql = len(q)
			qc = cap(q)
		}
		s.log.Warn(
			"cycle rejected: queue full",
			logx.String("task", name),
			logx.Int("queue_len", ql),
			logx.Int("queue_cap", qc),
			logx.Uint64("dropped", atomic.LoadUint64(&s.dropped)),
		)
	}
}

func (s *Service) onStale(now time.Time, name string, queueDelay time.Duration) {
	atomic.AddUint64(&s.dropped, 1)

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "task.dropped", Time: now, Data: TaskEvent{Name: name, QueueDelay: queueDelay, Error: "stale_queue_delay"}})
	}

	if !s.log.IsZero() && s.shouldWarn(&s.lastStaleWarnAt, now) {
		s.log.Warn(
			"cycle returned: stale queue",
			logx.String("task", name),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped", atomic.LoadUint64(&s.dropped)),
		)
	}
}

// reserveFailed terminates a cycle whose reservation was rejected for a
// reason other than exhaustion (invalid request, duplicate hold). The
// run never started but the cycle still completes, visibly failed, so a
// broken definition cannot silently spin forever.
func (s *Service) reserveFailed(tk task.Task, due time.Time, start time.Time, err error) {
	end := s.clk.Now()
	rec := history.Execution{
		ID:        newExecutionID(),
		Task:      tk.Name,
		Outcome:   history.OutcomeFailure,
		Attempt:   1,
		StartedAt: start,
		EndedAt:   end,
		Duration:  end.Sub(start),
		Error:     err.Error(),
	}
	if herr := s.hist.Record(rec); herr != nil {
		s.log.Warn("history write failed", logx.String("task", tk.Name), logx.Any("err", herr))
	}

	atomic.AddUint64(&s.executed, 1)
	atomic.AddUint64(&s.failed, 1)
	s.log.Error("reservation rejected", logx.String("task", tk.Name), logx.Any("err", err))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "task.failed", Time: end, Data: TaskEvent{Name: tk.Name, Due: due, Started: start, Attempt: 1, Error: err.Error()}})
	}
	if _, cerr := s.reg.Complete(tk.Name, false); cerr != nil {
		s.log.Warn("complete failed", logx.String("task", tk.Name), logx.Any("err", cerr))
	}
}
