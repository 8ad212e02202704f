package redis

import (
	"errors"
	"testing"
	"time"
)

var errRedisDown = errors.New("redis: connection refused")

// trip drives the breaker to Open with n consecutive failures.
func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Execute(func() error { return errRedisDown })
	}
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)
	if cb.CurrentState() != StateClosed {
		t.Errorf("new breaker state = %v, want Closed", cb.CurrentState())
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return errRedisDown }); err != errRedisDown {
			t.Fatalf("failure %d returned %v, want the store error", i, err)
		}
	}
	if cb.CurrentState() != StateOpen {
		t.Errorf("state after threshold = %v, want Open", cb.CurrentState())
	}

	// While open, the mirror write is shed without touching the store.
	if err := cb.Execute(func() error { return nil }); err != ErrCircuitOpen {
		t.Errorf("open breaker returned %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(2, 50*time.Millisecond)
	trip(cb, 2)
	if cb.CurrentState() != StateOpen {
		t.Fatal("breaker should be open after consecutive failures")
	}

	time.Sleep(60 * time.Millisecond)

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe after reset timeout returned %v", err)
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("state after successful probe = %v, want Closed", cb.CurrentState())
	}
}

func TestCircuitBreaker_HalfOpenFailure(t *testing.T) {
	cb := NewCircuitBreaker(2, 50*time.Millisecond)
	trip(cb, 2)

	time.Sleep(60 * time.Millisecond)
	cb.Execute(func() error { return errRedisDown })

	if cb.CurrentState() != StateOpen {
		t.Errorf("state after failed probe = %v, want Open", cb.CurrentState())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)

	trip(cb, 2)
	cb.Execute(func() error { return nil })
	trip(cb, 2)

	// The success between the two runs of failures restarts the count, so
	// neither run reaches the threshold of 3.
	if cb.CurrentState() != StateClosed {
		t.Errorf("state = %v, want Closed after an interleaved success", cb.CurrentState())
	}
}

func TestCircuitBreaker_OnStateChangeCallback(t *testing.T) {
	var transitions []State
	cb := NewCircuitBreaker(1, 50*time.Millisecond)
	cb.OnStateChange = func(from, to State) {
		transitions = append(transitions, to)
	}

	trip(cb, 1)
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("transitions after trip = %v, want [Open]", transitions)
	}

	time.Sleep(60 * time.Millisecond)
	cb.Execute(func() error { return nil })

	if len(transitions) != 3 {
		t.Fatalf("got %d transitions (%v), want Open, HalfOpen, Closed", len(transitions), transitions)
	}
	if transitions[1] != StateHalfOpen || transitions[2] != StateClosed {
		t.Errorf("transitions = %v, want [Open HalfOpen Closed]", transitions)
	}
}
