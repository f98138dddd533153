package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// transitionLog collects OnStateChange notifications as "from>to".
type transitionLog struct {
	mu  sync.Mutex
	got []string
}

func (l *transitionLog) record(_ string, from, to State) {
	l.mu.Lock()
	l.got = append(l.got, from.String()+">"+to.String())
	l.mu.Unlock()
}

func (l *transitionLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fmt.Sprint(l.got)
}

// newTestBreaker returns a breaker that opens after two failures and needs
// two probes to close again, driven by a fake clock.
func newTestBreaker(t *testing.T) (*CircuitBreaker, *fakeClock, *transitionLog) {
	t.Helper()
	clock := newFakeClock()
	log := &transitionLog{}
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:          "openai/gpt-4o-mini",
		MaxFailures:   2,
		ResetTimeout:  time.Minute,
		HalfOpenMax:   2,
		OnStateChange: log.record,
		Now:           clock.Now,
	})
	return cb, clock, log
}

func fail() error    { return errTest }
func succeed() error { return nil }

func trip(cb *CircuitBreaker) {
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	if cb.cfg.MaxFailures != 5 || cb.cfg.ResetTimeout != 30*time.Second || cb.cfg.HalfOpenMax != 3 {
		t.Errorf("defaults = %d/%v/%d, want 5/30s/3", cb.cfg.MaxFailures, cb.cfg.ResetTimeout, cb.cfg.HalfOpenMax)
	}
	if cb.cfg.Neutral == nil || cb.cfg.Now == nil {
		t.Error("Neutral and Now must be defaulted")
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	cb, _, log := newTestBreaker(t)

	if err := cb.Execute(fail); !errors.Is(err, errTest) {
		t.Fatalf("first failure = %v, want errTest passed through", err)
	}
	if cb.State() != StateClosed {
		t.Fatal("one failure must not open the breaker")
	}
	_ = cb.Execute(fail)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("open breaker: err = %v, called = %v; want ErrCircuitOpen without a call", err, called)
	}
	if got := log.String(); got != "[closed>open]" {
		t.Errorf("transitions = %s", got)
	}
}

func TestCircuitBreaker_SuccessResetsStreak(t *testing.T) {
	t.Parallel()
	cb, _, _ := newTestBreaker(t)

	_ = cb.Execute(fail)
	_ = cb.Execute(succeed)
	_ = cb.Execute(fail)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed; failures were not consecutive", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenAfterCoolDown(t *testing.T) {
	t.Parallel()
	cb, clock, _ := newTestBreaker(t)
	trip(cb)

	clock.Advance(59 * time.Second)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v before the cool-down ended, want open", cb.State())
	}
	clock.Advance(time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v after the cool-down, want half-open", cb.State())
	}
}

func TestCircuitBreaker_ProbesClose(t *testing.T) {
	t.Parallel()
	cb, clock, log := newTestBreaker(t)
	trip(cb)
	clock.Advance(time.Minute)

	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v after one probe, want half-open", cb.State())
	}
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
	if got := log.String(); got != "[closed>open open>half-open half-open>closed]" {
		t.Errorf("transitions = %s", got)
	}

	// the failure streak starts from zero again
	_ = cb.Execute(fail)
	if cb.State() != StateClosed {
		t.Fatal("one failure after closing must not re-open")
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()
	cb, clock, log := newTestBreaker(t)
	trip(cb)
	clock.Advance(time.Minute)

	if err := cb.Execute(fail); !errors.Is(err, errTest) {
		t.Fatalf("probe error = %v, want errTest", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open again", cb.State())
	}
	// the cool-down restarts from the failed probe
	clock.Advance(30 * time.Second)
	if !errors.Is(cb.Execute(succeed), ErrCircuitOpen) {
		t.Fatal("breaker admitted a call during the new cool-down")
	}
	if got := log.String(); got != "[closed>open open>half-open half-open>open]" {
		t.Errorf("transitions = %s", got)
	}
}

func TestCircuitBreaker_ProbeBudget(t *testing.T) {
	t.Parallel()
	cb, clock, _ := newTestBreaker(t)
	trip(cb)
	clock.Advance(time.Minute)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(func() error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("third concurrent probe = %v, want ErrCircuitOpen", err)
	}
	close(release)
	wg.Wait()

	if cb.State() != StateClosed {
		t.Errorf("state = %v after two good probes, want closed", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()
	cb, _, log := newTestBreaker(t)
	trip(cb)

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v after Reset, want closed", cb.State())
	}
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("Execute after Reset: %v", err)
	}
	cb.Reset()
	if got := log.String(); got != "[closed>open open>closed]" {
		t.Errorf("transitions = %s; resetting a closed breaker must not notify", got)
	}
}

func TestCircuitBreaker_CancellationIsNeutral(t *testing.T) {
	t.Parallel()
	cb, clock, _ := newTestBreaker(t)

	for range 5 {
		err := cb.Execute(func() error {
			return fmt.Errorf("openai: chat completion: %w", context.Canceled)
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after cancellations", cb.State())
	}

	// a neutral error neither breaks nor extends a failure streak
	_ = cb.Execute(fail)
	_ = cb.Execute(func() error { return context.DeadlineExceeded })
	_ = cb.Execute(fail)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	// a cancelled probe hands its slot back
	clock.Advance(time.Minute)
	_ = cb.Execute(func() error { return context.Canceled })
	_ = cb.Execute(succeed)
	_ = cb.Execute(succeed)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after two good probes", cb.State())
	}
}

func TestCircuitBreaker_CustomNeutral(t *testing.T) {
	t.Parallel()

	errBadInput := errors.New("bad input")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures: 1,
		Neutral:     func(err error) bool { return errors.Is(err, errBadInput) },
	})

	_ = cb.Execute(func() error { return errBadInput })
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
	// the custom classifier replaces the default, so cancellation counts
	_ = cb.Execute(func() error { return context.Canceled })
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(-1), "unknown"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
