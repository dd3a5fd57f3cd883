package supervisor

import (
	"time"

	"go.uber.org/zap"
)

// Timer is a pending callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs callbacks after a delay. Callbacks run on their own
// goroutine and must hand work back to the reactor.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// slot holds at most one outstanding timer. Arming a slot cancels the timer
// it held; seq invalidates callbacks that were already queued.
type slot struct {
	name  string
	timer Timer
	seq   uint64
}

func (sl *slot) armed() bool {
	return sl.timer != nil
}

// arm replaces whatever the slot held with a timer running fn on the reactor.
func (s *Supervisor) arm(sl *slot, d time.Duration, fn func()) {
	s.disarm(sl)
	seq := sl.seq
	s.logger.Debug("Timer armed", zap.String("timer", sl.name), zap.Duration("after", d))
	sl.timer = s.sched.AfterFunc(d, func() {
		s.post(func() {
			if sl.seq != seq || sl.timer == nil {
				return
			}
			sl.timer = nil
			fn()
		})
	})
}

func (s *Supervisor) disarm(sl *slot) {
	if sl.timer != nil {
		sl.timer.Stop()
		sl.timer = nil
	}
	sl.seq++
}
