// Package background provides a bounded worker pool for fire-and-forget
// side effects. Status transition hooks, hibernation attempts, and batch
// fan-out all go through here so a slow or failing side effect never
// blocks a correctness-critical path.
package background

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// DefaultQueueSize bounds how many pending tasks may be buffered.
const DefaultQueueSize = 256

// Task is one unit of deferred work.
type Task struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Runner executes submitted tasks on a fixed pool of workers. Task errors
// are logged, never propagated: callers that need the result should not
// be using the background runner.
type Runner struct {
	tasks   chan Task
	workers int

	mu      sync.Mutex
	started bool
	stopped bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewRunner creates a Runner with the given worker count and queue bound.
func NewRunner(workers, queueSize int) *Runner {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Runner{
		tasks:   make(chan Task, queueSize),
		workers: workers,
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled and
// the queue has drained.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.work(ctx)
	}
}

// Submit queues a task. It fails fast instead of blocking when the queue
// is saturated or the runner has stopped; callers log and move on. The
// send happens under the mutex: Stop marks the runner stopped under the
// same mutex before closing the channel, so no send can hit a closed
// channel.
func (r *Runner) Submit(name string, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return fmt.Errorf("background: runner stopped, dropping task %q", name)
	}

	select {
	case r.tasks <- Task{Name: name, Fn: fn}:
		return nil
	default:
		return fmt.Errorf("background: queue full, dropping task %q", name)
	}
}

// Stop closes the queue and waits for in-flight tasks to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.tasks)
	r.wg.Wait()
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Runner) work(ctx context.Context) {
	defer r.wg.Done()
	for task := range r.tasks {
		r.run(ctx, task)
	}
}

func (r *Runner) run(ctx context.Context, task Task) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("background: task %q panicked: %v", task.Name, rec)
		}
	}()
	if err := task.Fn(ctx); err != nil {
		log.Printf("background: task %q: %v", task.Name, err)
	}
}
