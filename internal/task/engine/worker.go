package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskmill/internal/action"
	"taskmill/internal/eventbus"
	"taskmill/internal/history"
	"taskmill/internal/metrics"
	"taskmill/internal/resource"
	"taskmill/internal/task"
	logx "taskmill/pkg/logx"
)

func newExecutionID() string { return uuid.NewString() }

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedRef, idx int) {
	// Per-worker RNG: avoids global lock contention when many tasks retry concurrently.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case ref, ok := <-queue:
			if !ok {
				// Queue is not expected to close in normal operation, but handle it defensively.
				return
			}
			// Dequeue first, then wait for a concurrency permit.
			atomic.AddInt32(&s.waitingForPermit, 1)
			if !s.acquirePermit(ctx, stopCh) {
				atomic.AddInt32(&s.waitingForPermit, -1)
				// Shutdown with a dequeued cycle in hand: leave the task
				// runnable for the next start.
				s.rollback(ref.name, "shutdown")
				return
			}
			atomic.AddInt32(&s.waitingForPermit, -1)

			atomic.AddInt32(&s.inFlight, 1)
			requeued := s.runOne(ctx, stopCh, queue, ref, rng)
			atomic.AddInt32(&s.inFlight, -1)
			s.releasePermit()
			if requeued {
				// The cycle went back on the queue; give other work a
				// chance before this worker picks it up again.
				runtime.Gosched()
			}
		}
	}
}

// runOne drives one dequeued cycle through admission, reservation and
// execution. It reports true when the cycle was pushed back on the
// queue (group at capacity, resources exhausted) rather than finished.
func (s *Service) runOne(ctx context.Context, stopCh <-chan struct{}, queue chan queuedRef, ref queuedRef, rng *rand.Rand) bool {
	start := s.clk.Now()
	queueDelay := time.Duration(0)
	if !ref.enqueuedAt.IsZero() {
		queueDelay = start.Sub(ref.enqueuedAt)
		if queueDelay < 0 {
			queueDelay = 0
		}
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.rollback(ref.name, "stale_queue_delay")
		s.onStale(start, ref.name, queueDelay)
		return false
	}

	tk, ok := s.reg.Get(ref.name)
	if !ok {
		// Removed between enqueue and pickup.
		atomic.AddUint64(&s.dropped, 1)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "task.dropped", Time: start, Data: TaskEvent{Name: ref.name, Due: ref.due, Error: "missing"}})
		}
		s.log.Debug("cycle dropped: task removed", logx.String("task", ref.name))
		return false
	}

	// A disable between enqueue and pickup wins: no attempt, no record.
	if !tk.Enabled {
		atomic.AddUint64(&s.skipped, 1)
		s.rollback(ref.name, "disabled")
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "task.skipped", Time: start, Data: TaskEvent{Name: ref.name, Due: ref.due, Error: "disabled"}})
		}
		s.log.Debug("cycle skipped: task disabled", logx.String("task", ref.name))
		return false
	}

	// Circuit open: push the whole cycle past the cooldown instead of
	// hammering a failing dependency every tick.
	if open, until := s.circuitIsOpen(start, tk.Name, cfg); open {
		atomic.AddUint64(&s.skipped, 1)
		if err := s.reg.Defer(tk.Name, until); err != nil {
			s.rollback(tk.Name, "circuit_open")
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "task.skipped", Time: start, Data: TaskEvent{Name: tk.Name, Due: ref.due, Error: "circuit_open"}})
		}
		s.log.Debug("cycle skipped: circuit open", logx.String("task", tk.Name), logx.String("until", until.Format(time.RFC3339)))
		return false
	}

	// Per-group cap. At capacity the cycle goes back on the queue so this
	// worker can serve other groups meanwhile.
	var releaseGroup func()
	if lim, limited := cfg.Groups[tk.Group]; limited && lim > 0 && tk.Group != "" {
		gs := s.groups.get(tk.Group, lim)
		if gs != nil && !gs.tryAcquire() {
			select {
			case <-ctx.Done():
				s.rollback(ref.name, "shutdown")
				return false
			case <-stopCh:
				s.rollback(ref.name, "shutdown")
				return false
			case queue <- ref:
				return true
			default:
				// Queue refilled behind us; run on a later tick instead.
				s.rollback(ref.name, "group_capacity")
				s.onQueueFull(start, ref.name, queue)
				return false
			}
		}
		if gs != nil {
			releaseGroup = gs.release
		}
	}
	if releaseGroup != nil {
		defer releaseGroup()
	}

	if err := s.reg.MarkRunning(tk.Name); err != nil {
		// Lost a race with an operator edit; whatever state the task is
		// in now wins.
		atomic.AddUint64(&s.dropped, 1)
		s.log.Debug("cycle dropped: not runnable", logx.String("task", tk.Name), logx.Any("err", err))
		return false
	}

	// All-or-nothing reservation. A starved cycle waits its turn without
	// consuming an attempt or writing an execution record.
	if err := s.ledger.TryReserve(tk.Name, tk.Resources); err != nil {
		var ex *resource.ExhaustedError
		if !errors.As(err, &ex) {
			s.reserveFailed(tk, ref.due, start, err)
			return false
		}

		atomic.AddUint64(&s.requeued, 1)
		if rqErr := s.reg.Requeue(tk.Name); rqErr != nil {
			s.log.Warn("requeue failed", logx.String("task", tk.Name), logx.Any("err", rqErr))
			return false
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "task.requeued", Time: start, Data: TaskEvent{Name: tk.Name, Due: ref.due, Error: ex.Error()}})
		}
		s.log.Debug("cycle requeued: resources exhausted", logx.String("task", tk.Name), logx.Any("err", ex))

		// Brief pause so one starved task cannot spin a worker, then back
		// on the queue behind whatever arrived meanwhile.
		if !s.pause(ctx, stopCh, cfg.RequeueDelay) {
			s.rollback(tk.Name, "shutdown")
			return false
		}
		select {
		case queue <- ref:
			return true
		default:
			s.rollback(tk.Name, "queue_full")
			s.onQueueFull(s.clk.Now(), tk.Name, queue)
			return false
		}
	}

	s.markRunningSet(tk.Name)
	s.log.Debug("cycle started", logx.String("task", tk.Name), logx.Duration("queue_delay", queueDelay))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "task.started", Time: start, Data: TaskEvent{Name: tk.Name, Due: ref.due, Started: start, QueueDelay: queueDelay}})
	}

	attempts, runErr, aborted := s.execute(ctx, stopCh, cfg, tk, rng)
	s.unmarkRunningSet(tk.Name)

	if aborted {
		// Shutdown mid-cycle: the finished attempts are on record, the
		// cycle itself reruns after the next start.
		s.rollback(tk.Name, "shutdown")
		s.log.Info("cycle aborted by shutdown", logx.String("task", tk.Name), logx.Int("attempts", attempts))
		return false
	}

	end := s.clk.Now()
	dur := end.Sub(start)
	s.circuitRecordResult(end, tk.Name, cfg, runErr)

	atomic.AddUint64(&s.executed, 1)
	if runErr != nil {
		atomic.AddUint64(&s.failed, 1)
		s.log.Warn("cycle failed", logx.String("task", tk.Name), logx.Any("err", runErr), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "task.failed", Time: end, Data: TaskEvent{Name: tk.Name, Due: ref.due, Started: start, QueueDelay: queueDelay, Duration: dur, Attempt: attempts, Error: runErr.Error()}})
		}
	} else {
		atomic.AddUint64(&s.succeeded, 1)
		if dur >= 750*time.Millisecond {
			s.log.Info("cycle completed", logx.String("task", tk.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			s.log.Debug("cycle completed", logx.String("task", tk.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "task.finished", Time: end, Data: TaskEvent{Name: tk.Name, Due: ref.due, Started: start, QueueDelay: queueDelay, Duration: dur, Attempt: attempts}})
		}
	}

	if nt, cerr := s.reg.Complete(tk.Name, runErr == nil); cerr != nil {
		s.log.Warn("complete failed", logx.String("task", tk.Name), logx.Any("err", cerr))
	} else if nt.Recurrence.Recurring() {
		s.log.Debug("cycle rescheduled", logx.String("task", tk.Name), logx.String("next_run", nt.NextRun.Format(time.RFC3339)))
	}
	return false
}

// execute runs the attempt loop against a held reservation. The
// reservation is released exactly once on every path out, including
// panics. Each finished attempt writes its own execution record.
//
// aborted means shutdown interrupted the cycle between attempts; the
// caller rolls the task back instead of completing it.
func (s *Service) execute(ctx context.Context, stopCh <-chan struct{}, cfg Config, tk task.Task, rng *rand.Rand) (attempts int, err error, aborted bool) {
	defer func() {
		// The ledger logs loudly on bookkeeping errors; nothing useful
		// to add here.
		_ = s.ledger.Release(tk.Name)
	}()

	maxAttempts := 1 + tk.Retries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		attStart := s.clk.Now()
		results, aerr := s.runActions(ctx, cfg, tk)
		attEnd := s.clk.Now()
		err = aerr

		s.recordAttempt(tk, attempt, attStart, attEnd, results, aerr)

		if err == nil {
			break
		}
		// Allow actions to mark failures as non-retryable.
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt >= maxAttempts {
			break
		}

		if mrErr := s.reg.MarkRetrying(tk.Name); mrErr != nil {
			s.log.Debug("retry canceled: state changed", logx.String("task", tk.Name), logx.Any("err", mrErr))
			break
		}

		delay := backoffDelayWithHint(cfg, attempt, err, rng)
		if delay > 0 {
			s.log.Debug("retry scheduled", logx.String("task", tk.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Any("err", err))
			tmr := s.clk.NewTicker(delay)
			select {
			case <-ctx.Done():
				tmr.Stop()
				aborted = true
				break attemptLoop
			case <-stopCh:
				tmr.Stop()
				aborted = true
				break attemptLoop
			case <-tmr.C():
				tmr.Stop()
			}
		}

		if mrErr := s.reg.MarkRunning(tk.Name); mrErr != nil {
			s.log.Debug("retry canceled: state changed", logx.String("task", tk.Name), logx.Any("err", mrErr))
			break
		}
	}
	return attempts, err, aborted
}

// runActions walks the task's action list in order, each step under its
// own deadline. The first failure stops the walk; later steps never run.
func (s *Service) runActions(ctx context.Context, cfg Config, tk task.Task) ([]history.ActionResult, error) {
	results := make([]history.ActionResult, 0, len(tk.Actions))
	rec := action.NewRecorder(tk.Name, s.metrics)

	for i, ref := range tk.Actions {
		h, ok := s.actions.Get(ref.Type)
		if !ok {
			results = append(results, history.ActionResult{Type: ref.Type, Error: "unknown action type"})
			return results, NoRetry(&ActionError{Action: ref.Type, Index: i, Err: errors.New("unknown action type")})
		}

		timeout := ref.Timeout
		if timeout <= 0 {
			timeout = tk.Timeout
		}
		if timeout <= 0 {
			timeout = cfg.DefaultTimeout
		}

		actCtx, cancel := context.WithTimeout(ctx, timeout)
		stepStart := s.clk.Now()
		err := s.runHandler(actCtx, tk.Name, ref.Type, h, action.Params(ref.Params), rec)
		ctxErr := actCtx.Err()
		cancel()
		stepDur := s.clk.Now().Sub(stepStart)

		res := history.ActionResult{Type: ref.Type, Duration: stepDur}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctxErr == context.DeadlineExceeded {
				terr := &TimeoutError{Action: ref.Type, Index: i, After: timeout}
				res.Error = terr.Error()
				results = append(results, res)
				return results, terr
			}
			res.Error = err.Error()
			results = append(results, res)
			return results, wrapActionError(ref.Type, i, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// runHandler guards against action panics: one bad handler must not
// kill a worker or leak the reservation.
func (s *Service) runHandler(ctx context.Context, taskName, actionType string, h action.Handler, p action.Params, rec *action.Recorder) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("action panic", logx.String("task", taskName), logx.String("action", actionType), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return h.Run(ctx, p, rec)
}

// wrapActionError adds the failing step to the error while keeping
// NoRetry and RetryAfter wrappers on the outside where the retry loop
// looks for them.
func wrapActionError(actionType string, idx int, err error) error {
	var nr noRetryError
	if errors.As(err, &nr) {
		return NoRetry(&ActionError{Action: actionType, Index: idx, Err: nr.err})
	}
	var ra retryAfterError
	if errors.As(err, &ra) {
		return RetryAfter(&ActionError{Action: actionType, Index: idx, Err: ra.err}, ra.after)
	}
	return &ActionError{Action: actionType, Index: idx, Err: err}
}

func (s *Service) recordAttempt(tk task.Task, attempt int, start, end time.Time, results []history.ActionResult, err error) {
	outcome := history.OutcomeSuccess
	if err != nil {
		outcome = history.OutcomeFailure
		var te *TimeoutError
		if errors.As(err, &te) {
			outcome = history.OutcomeTimeout
		}
	}

	rec := history.Execution{
		ID:        newExecutionID(),
		Task:      tk.Name,
		Outcome:   outcome,
		Attempt:   attempt,
		StartedAt: start,
		EndedAt:   end,
		Duration:  end.Sub(start),
		Actions:   results,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if herr := s.hist.Record(rec); herr != nil {
		s.log.Warn("history write failed", logx.String("task", tk.Name), logx.Any("err", herr))
	}

	if s.metrics != nil {
		merr := s.metrics.Record(metrics.Point{
			Name:   "task_duration_seconds",
			Value:  end.Sub(start).Seconds(),
			At:     end,
			Labels: map[string]string{"task": tk.Name, "status": string(outcome)},
		})
		if merr != nil {
			s.log.Warn("metric write failed", logx.String("task", tk.Name), logx.Any("err", merr))
		}
	}
}

// pause waits out d against the injected clock. It reports false when
// shutdown cut the wait short.
func (s *Service) pause(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	tmr := s.clk.NewTicker(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-tmr.C():
		return true
	}
}

func backoffDelayWithHint(cfg Config, retry int, err error, rng *rand.Rand) time.Duration {
	// Respect explicit retry-after hints if provided by the action.
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		maxD := cfg.RetryMaxDelay
		if maxD <= 0 {
			maxD = 15 * time.Second
		}
		if d > maxD {
			d = maxD
		}
		// Apply the configured jitter on top of the hint to avoid thundering herds.
		j := cfg.RetryJitter
		if j <= 0 {
			j = 0.2
		}
		if j > 0 && d > 0 && rng != nil {
			r := (rng.Float64()*2 - 1) * j
			d = time.Duration(float64(d) * (1 + r))
			if d < 0 {
				d = 0
			}
		}
		if d > maxD {
			d = maxD
		}
		return d
	}
	return backoffDelay(cfg, retry, rng)
}

func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	j := cfg.RetryJitter
	if j <= 0 {
		j = 0.2
	}

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if j > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
