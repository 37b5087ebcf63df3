package scheduler

import (
	"errors"
	"time"

	"taskmill/internal/task/engine"
	logx "taskmill/pkg/logx"
)

const enqueueWarnThrottle = time.Minute

// reportEnqueueError logs a rejected enqueue at most once per task per
// throttle window. Queue-full is expected under load and can be bursty;
// the task stays scheduled either way.
func (s *Service) reportEnqueueError(now time.Time, name string, err error) {
	if err == nil {
		return
	}

	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()

	if s.log.IsZero() {
		return
	}
	if errors.Is(err, engine.ErrQueueFull) {
		s.log.Warn("due task held back: engine queue full", logx.String("task", name))
		return
	}
	s.log.Warn("due task failed to enqueue", logx.String("task", name), logx.Any("err", err))
}
