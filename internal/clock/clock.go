package clock

import "time"

// Clock abstracts time for services that need deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// System returns a Clock backed by the wall clock in UTC.
func System() Clock {
	return systemClock{}
}
