package pipeline

import "time"

// Timer is a cancellable delayed task
type Timer interface {
	// Stop cancels the task, reporting whether it had not run yet
	Stop() bool
}

// Scheduler runs delayed tasks
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type systemScheduler struct{}

func (systemScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// SystemScheduler schedules tasks on the runtime timer
var SystemScheduler Scheduler = systemScheduler{}
