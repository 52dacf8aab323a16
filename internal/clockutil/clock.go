package clockutil

import "time"

// Clock abstracts time so backoff, retry and keep-alive schedules are
// deterministic under test.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	AfterFunc(d time.Duration, fn func()) Timer
	Sleep(d time.Duration)
}

// Timer is a cancelable scheduled call handle.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

// System returns the wall-clock implementation.
func System() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

func (systemClock) Sleep(d time.Duration) {
	time.Sleep(d)
}
