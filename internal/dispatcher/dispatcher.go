// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-service/internal/scrape"
	"github.com/JakeFAU/scrape-service/internal/worker"
)

// DefaultWorkers is the pool size used when none is configured.
const DefaultWorkers = 8

// Dispatcher fans out queue work to a fixed pool of workers.
type Dispatcher struct {
	workers []*worker.Worker
}

// New creates a Dispatcher with n workers sharing queue and executor.
func New(queue scrape.Queue, executor worker.Executor, n int, logger *zap.Logger) *Dispatcher {
	if n <= 0 {
		n = DefaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := make([]*worker.Worker, 0, n)
	for i := range n {
		workers = append(workers, worker.New(queue, executor, worker.Config{}, logger.With(zap.Int("worker", i))))
	}
	return &Dispatcher{workers: workers}
}

// Size reports the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until every one has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}
