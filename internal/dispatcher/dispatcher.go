// Package dispatcher fans one source's candidates out to its worker pool.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
	"github.com/JakeFAU/incremental-crawler/internal/queue/memory"
)

// Runner consumes the queue until it is closed or ctx ends.
type Runner interface {
	Run(ctx context.Context, queue *memory.Queue[crawler.CandidateLink])
}

// Dispatcher owns a bounded queue and the goroutines draining it.
type Dispatcher struct {
	queue  *memory.Queue[crawler.CandidateLink]
	runner Runner
	size   int
	wg     sync.WaitGroup
}

// New creates a Dispatcher running size copies of runner. A size below 1
// is raised to 1.
func New(queue *memory.Queue[crawler.CandidateLink], runner Runner, size int) *Dispatcher {
	if size < 1 {
		size = 1
	}
	return &Dispatcher{
		queue:  queue,
		runner: runner,
		size:   size,
	}
}

// Start launches the pool. Workers use ctx for their own work, so it may
// outlive the caller's stop signal by a grace period.
func (d *Dispatcher) Start(ctx context.Context) {
	for range d.size {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.runner.Run(ctx, d.queue)
		}()
	}
}

// Dispatch hands link to the pool, blocking while the queue is full.
func (d *Dispatcher) Dispatch(ctx context.Context, link crawler.CandidateLink) error {
	if err := d.queue.Enqueue(ctx, link); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Close stops intake; queued candidates are still processed.
func (d *Dispatcher) Close() {
	d.queue.Close()
}

// Wait blocks until every worker has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Size reports the number of workers.
func (d *Dispatcher) Size() int {
	return d.size
}
