package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no entry of a [FallbackGroup] produced an
// answer. The error also wraps one [AttemptError] per entry.
var ErrAllFailed = errors.New("all providers failed")

// AttemptError is the failure of one entry during a failover walk.
type AttemptError struct {
	Provider string
	Err      error
}

func (e *AttemptError) Error() string { return e.Provider + ": " + e.Err.Error() }
func (e *AttemptError) Unwrap() error { return e.Err }

// FallbackConfig configures the breaker of every entry in a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is copied for each entry with Name set to the entry
	// name.
	CircuitBreaker CircuitBreakerConfig

	// Observe, if set, is called after every attempt that reached a backend;
	// calls refused by an open breaker are not reported. err is nil on
	// success.
	Observe func(name string, err error)
}

// EntryStatus is a point-in-time view of one entry in a [FallbackGroup].
type EntryStatus struct {
	Name  string
	State State
}

type entry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds an ordered list of interchangeable backends, each
// behind its own [CircuitBreaker]. Calls go to the first entry that accepts
// them and move on to the next one when it fails.
//
// Register all entries before sharing the group between goroutines.
type FallbackGroup[T any] struct {
	cfg     FallbackConfig
	entries []entry[T]
}

// NewFallbackGroup creates a group whose preferred entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry; entries are tried in the order added.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	fg.entries = append(fg.entries, entry[T]{name: name, value: value, breaker: NewCircuitBreaker(bc)})
}

// Status reports every entry with its breaker state, primary first.
func (fg *FallbackGroup[T]) Status() []EntryStatus {
	out := make([]EntryStatus, 0, len(fg.entries))
	for _, e := range fg.entries {
		out = append(out, EntryStatus{Name: e.name, State: e.breaker.State()})
	}
	return out
}

// Healthy reports whether at least one breaker would admit a call.
func (fg *FallbackGroup[T]) Healthy() bool {
	for _, e := range fg.entries {
		if e.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// Execute is [ExecuteWithResult] for calls without a result.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult calls fn with each entry in turn until one succeeds.
// Entries with an open breaker are skipped. A cancellation ends the walk at
// once and is returned as is, since no other backend can serve a request
// whose caller is gone. When every entry fails the error wraps
// [ErrAllFailed] and each attempt.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero     R
		attempts []error
	)
	for _, e := range fg.entries {
		var res R
		err := e.breaker.Execute(func() error {
			var err error
			res, err = fn(e.value)
			return err
		})

		refused := errors.Is(err, ErrCircuitOpen)
		if !refused && fg.cfg.Observe != nil {
			fg.cfg.Observe(e.name, err)
		}
		switch {
		case err == nil:
			return res, nil
		case IsCancellation(err):
			return zero, err
		case refused:
			slog.Debug("provider skipped, circuit open", "provider", e.name)
		default:
			slog.Warn("provider failed, trying next", "provider", e.name, "err", err)
		}
		attempts = append(attempts, &AttemptError{Provider: e.name, Err: err})
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(attempts...))
}
