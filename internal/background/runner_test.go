package background

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunner_ExecutesSubmittedTasks(t *testing.T) {
	r := NewRunner(2, 16)
	r.Start(context.Background())

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		if err := r.Submit("task", func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	r.Stop()

	if got := ran.Load(); got != 5 {
		t.Errorf("ran = %d, want 5", got)
	}
}

func TestRunner_SubmitAfterStop(t *testing.T) {
	r := NewRunner(1, 4)
	r.Start(context.Background())
	r.Stop()

	err := r.Submit("late", func(ctx context.Context) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "stopped") {
		t.Fatalf("error = %v, want stopped", err)
	}
}

// Submitters racing against Stop must either enqueue or get an error,
// never panic on the closed channel.
func TestRunner_SubmitDuringStop(t *testing.T) {
	for i := 0; i < 50; i++ {
		r := NewRunner(2, 4)
		r.Start(context.Background())

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					err := r.Submit("burst", func(ctx context.Context) error { return nil })
					if err != nil && strings.Contains(err.Error(), "stopped") {
						return
					}
				}
			}()
		}
		r.Stop()
		wg.Wait()
	}
}

func TestRunner_FailsFastWhenSaturated(t *testing.T) {
	r := NewRunner(1, 1)
	r.Start(context.Background())
	defer r.Stop()

	release := make(chan struct{})
	// Occupy the single worker.
	if err := r.Submit("block", func(ctx context.Context) error {
		<-release
		return nil
	}); err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	// Give the worker time to pick up the blocker, then fill the queue.
	time.Sleep(20 * time.Millisecond)
	if err := r.Submit("queued", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("submit queued: %v", err)
	}

	err := r.Submit("overflow", func(ctx context.Context) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "queue full") {
		t.Fatalf("error = %v, want queue full", err)
	}
	close(release)
}

func TestRunner_RecoversPanics(t *testing.T) {
	r := NewRunner(1, 4)
	r.Start(context.Background())

	done := make(chan struct{})
	if err := r.Submit("panics", func(ctx context.Context) error {
		defer close(done)
		panic("boom")
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-done

	// The worker survives; a later task still runs.
	ran := make(chan struct{})
	if err := r.Submit("after", func(ctx context.Context) error {
		close(ran)
		return nil
	}); err != nil {
		t.Fatalf("submit after panic: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
	r.Stop()
}

func TestForEach_IndexAlignedResults(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	errs := ForEach(context.Background(), 2, items, func(ctx context.Context, n int) error {
		if n%2 == 0 {
			return errors.New("even")
		}
		return nil
	})
	if len(errs) != len(items) {
		t.Fatalf("len(errs) = %d, want %d", len(errs), len(items))
	}
	for i, n := range items {
		wantErr := n%2 == 0
		if (errs[i] != nil) != wantErr {
			t.Errorf("errs[%d] = %v, want error=%v", i, errs[i], wantErr)
		}
	}
}

func TestForEach_BoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := make([]int, 20)
	ForEach(context.Background(), 3, items, func(ctx context.Context, _ int) error {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	if p := peak.Load(); p > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", p)
	}
}
