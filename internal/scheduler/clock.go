package scheduler

import "time"

// Timer is an armed callback. Stop reports whether it prevented the call.
type Timer interface {
	Stop() bool
}

// Clock is the time source for the registry.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }
