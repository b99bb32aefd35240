package editor

import "time"

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// Clock supplies the current time and delayed callbacks for debouncing.
type Clock interface {
	Now() time.Time
	AfterFunc(delay time.Duration, callback func()) Timer
}

type systemClock struct{}

// SystemClock returns a Clock backed by the time package.
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(delay time.Duration, callback func()) Timer {
	return time.AfterFunc(delay, callback)
}
