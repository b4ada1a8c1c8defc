package sandbox

import (
	"sync"
	"testing"
)

func TestKeyedLocks_MutualExclusion(t *testing.T) {
	locks := newKeyedLocks()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := locks.acquire("sb-1")
			defer release()
			counter++
		}()
	}
	wg.Wait()

	if counter != 20 {
		t.Errorf("counter = %d, want 20", counter)
	}
}

func TestKeyedLocks_IndependentKeys(t *testing.T) {
	locks := newKeyedLocks()

	releaseA := locks.acquire("sb-a")
	defer releaseA()

	// A different key must not block.
	done := make(chan struct{})
	go func() {
		release := locks.acquire("sb-b")
		release()
		close(done)
	}()
	<-done
}

func TestKeyedLocks_ReleaseIdempotent(t *testing.T) {
	locks := newKeyedLocks()

	release := locks.acquire("sb-1")
	release()
	release() // second call is a no-op, not a double unlock

	// Lock is reacquirable and the entry map was cleaned up.
	release2 := locks.acquire("sb-1")
	release2()
	locks.mu.Lock()
	defer locks.mu.Unlock()
	if len(locks.locks) != 0 {
		t.Errorf("lock map has %d entries after release, want 0", len(locks.locks))
	}
}
