package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ocbridge/chatgpt-bridge/internal/bridgeerr"
)

func TestFingerprintExcludesNothingButVaries(t *testing.T) {
	a := ComputeFingerprint("prompt", "sticky", "work", "conv-1", false)
	b := ComputeFingerprint("prompt", "sticky", "work", "conv-1", false)
	if a != b {
		t.Error("identical inputs must produce identical fingerprints")
	}
	if a == ComputeFingerprint("prompt", "sticky", "work", "conv-2", false) {
		t.Error("conversation id must change the fingerprint")
	}
	if a == ComputeFingerprint("prompt", "sticky", "work", "conv-1", true) {
		t.Error("strict_open must change the fingerprint")
	}
	if a == ComputeFingerprint("other prompt", "sticky", "work", "conv-1", false) {
		t.Error("prompt must change the fingerprint")
	}
}

func TestGateCoalescesIdenticalRequests(t *testing.T) {
	g := NewGate()
	fp := ComputeFingerprint("p", "off", "", "", false)

	var runs atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	fn := func() Result {
		runs.Add(1)
		close(started)
		<-release
		return Result{Text: "answer"}
	}

	var wg sync.WaitGroup
	results := make([]Result, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = g.Do(context.Background(), fp, fn)
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = g.Do(context.Background(), fp, func() Result {
			runs.Add(1)
			return Result{Text: "second run"}
		})
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := runs.Load(); got != 1 {
		t.Errorf("UI interactions = %d, want exactly 1", got)
	}
	if results[0].Text != "answer" || results[1].Text != "answer" {
		t.Errorf("both callers must share one result: %+v", results)
	}
}

func TestGateRejectsMismatch(t *testing.T) {
	g := NewGate()
	started := make(chan struct{})
	release := make(chan struct{})

	go g.Do(context.Background(), ComputeFingerprint("a", "off", "", "", false), func() Result {
		close(started)
		<-release
		return Result{}
	})
	<-started
	defer close(release)

	_, err := g.Do(context.Background(), ComputeFingerprint("b", "off", "", "", false), func() Result {
		t.Error("mismatched request must not run")
		return Result{}
	})
	if err == nil || err.Kind != bridgeerr.KindPreviousResponsePending {
		t.Fatalf("expected previous_response_pending, got %v", err)
	}
}

func TestGateTimeoutLeavesFlightRunning(t *testing.T) {
	g := NewGate()
	late := make(chan Result, 1)
	g.OnLateOutcome = func(_ Fingerprint, r Result, _ time.Duration) { late <- r }

	release := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.Do(ctx, ComputeFingerprint("p", "off", "", "", false), func() Result {
		<-release
		return Result{Text: "eventually"}
	})
	if err == nil || err.Kind != bridgeerr.KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !g.Busy() {
		t.Error("flight must keep running after the caller times out")
	}

	close(release)
	select {
	case r := <-late:
		if r.Text != "eventually" {
			t.Errorf("late outcome = %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("late outcome observer never fired")
	}
}

func TestGatePropagatesFlightError(t *testing.T) {
	g := NewGate()
	boom := bridgeerr.New(bridgeerr.KindUIError, "broke")

	_, err := g.Do(context.Background(), ComputeFingerprint("p", "off", "", "", false), func() Result {
		return Result{Err: boom}
	})
	if err == nil || err.Kind != bridgeerr.KindUIError {
		t.Fatalf("expected ui_error, got %v", err)
	}
}

func TestQueueRunsFIFO(t *testing.T) {
	q := NewQueue(20, time.Second)
	defer q.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	block := make(chan struct{})

	// First job blocks until all are enqueued so order is deterministic.
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Submit(context.Background(), func(context.Context) (any, error) {
			<-block
			mu.Lock()
			order = append(order, 0)
			mu.Unlock()
			return nil, nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			q.Submit(context.Background(), func(context.Context) (any, error) {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return nil, nil
			})
		}(i)
		time.Sleep(20 * time.Millisecond)
	}
	close(block)
	wg.Wait()

	for i, n := range order {
		if i != n {
			t.Fatalf("order = %v, want FIFO", order)
		}
	}
}

func TestQueueFull(t *testing.T) {
	q := NewQueue(1, time.Second)
	defer q.Close()

	block := make(chan struct{})
	defer close(block)
	go q.Submit(context.Background(), func(context.Context) (any, error) {
		<-block
		return nil, nil
	})
	time.Sleep(20 * time.Millisecond)

	// One slot pending; the next must be refused.
	go q.Submit(context.Background(), func(context.Context) (any, error) { return nil, nil })
	time.Sleep(20 * time.Millisecond)

	_, err := q.Submit(context.Background(), func(context.Context) (any, error) { return nil, nil })
	be := bridgeerr.From(err)
	if be.Kind != bridgeerr.KindQueueFull {
		t.Fatalf("expected queue_full, got %v", err)
	}
	if be.RetryAfterSec != 10 {
		t.Errorf("retry_after_sec = %d, want 10", be.RetryAfterSec)
	}
}

func TestQueueSubmitIfIdle(t *testing.T) {
	q := NewQueue(20, time.Second)
	defer q.Close()

	block := make(chan struct{})
	go q.Submit(context.Background(), func(context.Context) (any, error) {
		<-block
		return nil, nil
	})
	time.Sleep(20 * time.Millisecond)

	_, err := q.SubmitIfIdle(context.Background(), func(context.Context) (any, error) { return nil, nil })
	if bridgeerr.From(err).Kind != bridgeerr.KindQueueFull {
		t.Fatalf("busy queue must refuse add_if_idle, got %v", err)
	}
	close(block)
	time.Sleep(20 * time.Millisecond)

	got, err := q.SubmitIfIdle(context.Background(), func(context.Context) (any, error) { return "ran", nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ran" {
		t.Errorf("result = %v", got)
	}
}

func TestQueueDepth(t *testing.T) {
	q := NewQueue(20, time.Second)
	defer q.Close()

	if q.Depth() != 0 {
		t.Errorf("idle depth = %d", q.Depth())
	}
	block := make(chan struct{})
	go q.Submit(context.Background(), func(context.Context) (any, error) {
		<-block
		return nil, nil
	})
	time.Sleep(20 * time.Millisecond)
	if q.Depth() != 1 {
		t.Errorf("depth = %d, want 1", q.Depth())
	}
	close(block)
}
