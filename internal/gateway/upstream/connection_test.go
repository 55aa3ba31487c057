package upstream

import (
	"testing"
	"time"
)

func TestEnqueueOrAssignInputQueuesUntilReady(t *testing.T) {
	c := NewConnection()

	seq0, ready := c.EnqueueOrAssignInput([]byte("a"))
	if ready {
		t.Fatal("expected not ready before state transitions to ready")
	}
	if seq0 != 0 {
		t.Fatalf("expected first sequence 0, got %d", seq0)
	}

	seq1, _ := c.EnqueueOrAssignInput([]byte("b"))
	if seq1 != 1 {
		t.Fatalf("expected monotonic sequence 1, got %d", seq1)
	}

	c.SetState(StateReady)
	seq2, ready := c.EnqueueOrAssignInput([]byte("c"))
	if !ready {
		t.Fatal("expected ready once state is StateReady")
	}
	if seq2 != 2 {
		t.Fatalf("expected sequence 2, got %d", seq2)
	}

	flushed := c.FlushPending()
	if len(flushed) != 2 {
		t.Fatalf("expected 2 queued chunks flushed, got %d", len(flushed))
	}
	if string(flushed[0]) != "a" || string(flushed[1]) != "b" {
		t.Fatalf("flush order not preserved: %v", flushed)
	}

	if len(c.FlushPending()) != 0 {
		t.Fatal("expected pending queue drained after first flush")
	}
}

func TestNextOutputSeqIsStrictlyMonotonic(t *testing.T) {
	c := NewConnection()
	prev := uint64(0)
	for i := 0; i < 5; i++ {
		seq := c.NextOutputSeq([]byte{byte(i)})
		if seq <= prev {
			t.Fatalf("sequence not strictly increasing: %d <= %d", seq, prev)
		}
		prev = seq
	}
	if c.PendingOutputLen() != 5 {
		t.Fatalf("expected 5 pending chunks, got %d", c.PendingOutputLen())
	}
}

func TestClearPendingOutputIsIdempotent(t *testing.T) {
	c := NewConnection()
	c.NextOutputSeq([]byte("x"))
	c.NextOutputSeq([]byte("y"))

	c.ClearPendingOutput()
	if c.PendingOutputLen() != 0 {
		t.Fatal("expected pending output cleared")
	}
	// Calling again on an already-empty buffer must not panic or error.
	c.ClearPendingOutput()
	if c.PendingOutputLen() != 0 {
		t.Fatal("expected pending output to remain empty")
	}
}

func TestRetryCounterLifecycle(t *testing.T) {
	c := NewConnection()
	if c.RetryCount() != 0 {
		t.Fatal("expected retry count to start at 0")
	}
	if got := c.IncrementRetry(); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	c.IncrementRetry()
	if c.RetryCount() != 2 {
		t.Fatalf("expected 2, got %d", c.RetryCount())
	}
	c.ResetRetry()
	if c.RetryCount() != 0 {
		t.Fatal("expected retry count reset to 0")
	}
}

func TestBackoffDelayDoubles(t *testing.T) {
	base := 100 * time.Millisecond
	cases := map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
		4: 800 * time.Millisecond,
	}
	for attempt, want := range cases {
		if got := BackoffDelay(base, attempt); got != want {
			t.Errorf("BackoffDelay(base, %d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestBackoffDelayClampsAttemptBelowOne(t *testing.T) {
	base := 100 * time.Millisecond
	if got := BackoffDelay(base, 0); got != base {
		t.Errorf("expected attempt<1 treated as 1, got %v", got)
	}
	if got := BackoffDelay(base, -5); got != base {
		t.Errorf("expected negative attempt treated as 1, got %v", got)
	}
}

func TestStateTransitions(t *testing.T) {
	c := NewConnection()
	if c.State() != StateDisconnected {
		t.Fatalf("expected initial state disconnected, got %v", c.State())
	}
	c.SetState(StateConnecting)
	c.SetState(StateConnected)
	c.SetState(StateReady)
	if c.State() != StateReady {
		t.Fatalf("expected ready, got %v", c.State())
	}
}
