package clock

import "time"

// Clock abstracts time for components that make scheduling or
// window decisions, so tests can drive them deterministically.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func NewSystemClock() SystemClock { return SystemClock{} }

func (SystemClock) Now() time.Time { return time.Now().UTC() }
