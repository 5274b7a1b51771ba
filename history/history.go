// Package history provides undo/redo over a single evolving value.
//
// A Stack keeps past states (most recent last), the present value, and
// future states (most recent first, populated by undo). New edits invalidate
// the redo history.
package history

import (
	"reflect"
	"sync"
	"time"
)

// DefaultMaxSize bounds the past stack when no explicit limit is given.
const DefaultMaxSize = 50

// Stack is an undo/redo stack over values of type T. All methods are safe
// for concurrent use. Equality checks use full structural comparison.
type Stack[T any] struct {
	mu      sync.Mutex
	past    []T
	present T
	future  []T
	max     int

	// Debounce state: pending holds the pre-burst present value whose
	// history push is deferred until the timer fires.
	timer      *time.Timer
	pending    T
	hasPending bool
}

// New creates a stack with an initial present value. maxSize bounds the past
// stack; values <= 0 fall back to DefaultMaxSize.
func New[T any](initial T, maxSize int) *Stack[T] {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Stack[T]{present: initial, max: maxSize}
}

// Present returns the current value.
func (s *Stack[T]) Present() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.present
}

// CanUndo reports whether any past state exists.
func (s *Stack[T]) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.past) > 0
}

// CanRedo reports whether any future state exists.
func (s *Stack[T]) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.future) > 0
}

// Set replaces the present value. With addToHistory the previous present is
// pushed onto the past stack and the redo history is cleared; setting a value
// structurally equal to the present is a no-op. Without addToHistory the
// present is replaced in place, used for externally driven resets such as
// loading initial content.
func (s *Stack[T]) Set(value T, addToHistory bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !addToHistory {
		s.present = value
		return
	}
	if reflect.DeepEqual(s.present, value) {
		return
	}
	s.push(s.present)
	s.present = value
	s.future = nil
}

// SetDebounced updates the present value immediately but defers the history
// push by delay. Calls arriving before the timer fires cancel and reschedule
// it, coalescing a burst of edits into a single history entry holding the
// pre-burst value.
func (s *Stack[T]) SetDebounced(value T, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	if !s.hasPending {
		s.pending = s.present
		s.hasPending = true
	}
	s.present = value
	s.future = nil
	s.timer = time.AfterFunc(delay, s.commitPending)
}

// commitPending pushes the deferred pre-burst value onto the past stack.
// The push is skipped when it would duplicate the last history entry.
func (s *Stack[T]) commitPending() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasPending {
		return
	}
	pending := s.pending
	var zero T
	s.pending = zero
	s.hasPending = false
	s.timer = nil

	if len(s.past) > 0 && reflect.DeepEqual(s.past[len(s.past)-1], pending) {
		return
	}
	if reflect.DeepEqual(s.present, pending) {
		return
	}
	s.push(pending)
}

// Flush commits any pending debounced history push immediately.
func (s *Stack[T]) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.commitPending()
}

// Undo moves the most recent past state into present. It reports whether a
// step was taken.
func (s *Stack[T]) Undo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.past) == 0 {
		return false
	}
	previous := s.past[len(s.past)-1]
	s.past = s.past[:len(s.past)-1]
	s.future = append([]T{s.present}, s.future...)
	s.present = previous
	return true
}

// Redo moves the nearest future state back into present. It reports whether
// a step was taken.
func (s *Stack[T]) Redo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.future) == 0 {
		return false
	}
	next := s.future[0]
	s.future = s.future[1:]
	s.push(s.present)
	s.present = next
	return true
}

// Reset clears both stacks and replaces the present value.
func (s *Stack[T]) Reset(value T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.hasPending = false
	s.past = nil
	s.future = nil
	s.present = value
}

// Clear drops the history stacks but keeps the present value.
func (s *Stack[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.past = nil
	s.future = nil
}

// push appends to the past stack, evicting the oldest entry beyond max.
func (s *Stack[T]) push(value T) {
	s.past = append(s.past, value)
	if len(s.past) > s.max {
		s.past = s.past[1:]
	}
}
