package recorder

import "time"

// Clock defines an interface for getting the current time.
// This allows us to inject a fake time during unit tests.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the actual system time.
type RealClock struct{}

func (c RealClock) Now() time.Time {
	return time.Now()
}

// MockClock implements Clock for testing specific scenarios.
type MockClock struct {
	MockTime time.Time
}

func (m MockClock) Now() time.Time {
	return m.MockTime
}
