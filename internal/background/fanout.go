package background

import (
	"context"
	"sync"
)

// ForEach runs fn over items with at most workers goroutines in flight.
// Every item is attempted regardless of other items' failures; the
// returned slice holds one result per item, index-aligned. This replaces
// sleep-based batch throttling: the worker bound is the backpressure.
func ForEach[T any](ctx context.Context, workers int, items []T, fn func(ctx context.Context, item T) error) []error {
	if workers <= 0 {
		workers = 1
	}
	errs := make([]error, len(items))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, item := range items {
		select {
		case <-ctx.Done():
			errs[i] = ctx.Err()
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(i int, item T) {
			defer wg.Done()
			defer func() { <-sem }()
			errs[i] = fn(ctx, item)
		}(i, item)
	}

	wg.Wait()
	return errs
}
