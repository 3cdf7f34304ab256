// Package channel holds the shared state cells the workers coordinate
// through. One producer owns the value and the acknowledged flag of a cell;
// any controller may flip the desired flag. There is no queue: a publish
// overwrites the previous value, and readers get the value together with
// its age so they can judge freshness themselves.
package channel

import (
	"sync"
	"time"
)

// State is a single-producer shared cell. Every field is read and written
// under the mutex; a Publish and a Latest can never observe a torn
// value/timestamp pair.
type State[T any] struct {
	mu        sync.Mutex
	shouldRun bool
	isRunning bool
	value     T
	valueTime time.Time
	published bool
}

// NewState returns an empty cell: not desired, not running, no value.
func NewState[T any]() *State[T] {
	return &State[T]{}
}

// SetDesired records the state the controller wants the producer in.
func (s *State[T]) SetDesired(run bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shouldRun = run
}

// Acknowledge records the state the producer has actually reached.
// Only the owning producer calls this.
func (s *State[T]) Acknowledge(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isRunning = running
}

// Flags returns the desired and acknowledged run flags together.
func (s *State[T]) Flags() (shouldRun, isRunning bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldRun, s.isRunning
}

// Publish overwrites the cell's value and stamps it with the current
// instant. Last write wins.
func (s *State[T]) Publish(value T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = value
	s.valueTime = time.Now()
	s.published = true
}

// Latest returns the most recent value and its age in seconds. ok is false
// until the first Publish.
func (s *State[T]) Latest() (value T, ageS float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.published {
		var zero T
		return zero, 0, false
	}
	return s.value, time.Since(s.valueTime).Seconds(), true
}
