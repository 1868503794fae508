package bridge

import "time"

// Timer is a pending scheduled task.
type Timer interface {
	// Stop cancels the task. It returns false if the task already ran or
	// was already stopped.
	Stop() bool
}

// Scheduler runs fire-once tasks after a delay.
//
// Tests substitute a manual scheduler so that retries can be stepped
// deterministically.
type Scheduler interface {
	// AfterFunc runs f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// realScheduler schedules on the runtime timer.
type realScheduler struct{}

// AfterFunc implements Scheduler using time.AfterFunc.
func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealScheduler returns a Scheduler backed by time.AfterFunc.
func RealScheduler() Scheduler {
	return realScheduler{}
}
