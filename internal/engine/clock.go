package engine

import "time"

// Clock abstracts time so expiry behavior is testable.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the default UTC wall clock.
var SystemClock Clock = realClock{}
