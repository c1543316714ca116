// Package scheduler drives the trading cycle at a fixed wall-clock cadence.
package scheduler

import (
	"context"
	"time"

	"talon/internal/logger"
)

// AlignedScheduler fires a task on interval boundaries aligned to UTC wall
// clock, so a 60s interval ticks at :00 of every minute regardless of when
// the process started. Cycles never overlap; if the task runs long the next
// boundary is simply the next aligned one after it returns.
type AlignedScheduler struct {
	Interval       time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewAlignedScheduler(ctx context.Context, interval time.Duration) *AlignedScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &AlignedScheduler{
		Interval: interval,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

func (s *AlignedScheduler) Start(task func()) {
	if s == nil || task == nil {
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("scheduler: invalid interval=%s, exit", s.Interval)
		return
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	logger.Infof("scheduler: started interval=%s run_immediately=%v", s.Interval, s.RunImmediately)

	if s.RunImmediately {
		task()
	}

	for {
		now := s.nowFn().UTC()
		wakeAt := now.Truncate(s.Interval).Add(s.Interval)
		wait := wakeAt.Sub(now)

		if wait <= 0 {
			task()
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			logger.Infof("scheduler: ctx done, exit")
			return
		case <-timer.C:
		}
		task()
	}
}
