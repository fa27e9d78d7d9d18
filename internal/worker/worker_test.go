package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/scrape-service/internal/queue/memory"
	"github.com/JakeFAU/scrape-service/internal/scrape"
)

func TestWorkerExecutesQueuedJobs(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	exec := newFakeExecutor()
	for _, id := range []string{"job-1", "job-2"} {
		require.NoError(t, q.Enqueue(context.Background(), scrape.QueueItem{JobID: id}))
	}
	q.Close()

	done := make(chan struct{})
	go func() {
		New(q, exec, Config{}, zap.NewNop()).Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after the queue closed")
	}
	require.Equal(t, []string{"job-1", "job-2"}, exec.seen())
}

func TestWorkerSurvivesPanicsAndErrors(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.ErrorLevel)
	q := memory.NewQueue(4)
	exec := newFakeExecutor()
	exec.panics["boom"] = true
	exec.errs["broken"] = errors.New("store offline")
	for _, id := range []string{"boom", "broken", "fine"} {
		require.NoError(t, q.Enqueue(context.Background(), scrape.QueueItem{JobID: id}))
	}
	q.Close()

	New(q, exec, Config{}, zap.New(core)).Run(context.Background())

	require.Equal(t, []string{"boom", "broken", "fine"}, exec.seen())
	require.Equal(t, 1, logs.FilterMessage("worker recovered from panic").Len())
	require.Equal(t, 1, logs.FilterMessage("job execution failed").Len())
}

func TestWorkerStopsOnCancel(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(q, newFakeExecutor(), Config{}, nil).Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestWorkerBacksOffOnDequeueErrors(t *testing.T) {
	t.Parallel()

	q := &flakyQueue{failures: 2, item: scrape.QueueItem{JobID: "late"}}
	exec := newFakeExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	exec.onExecute = cancel

	New(q, exec, Config{ErrorBackoff: time.Millisecond}, zap.NewNop()).Run(ctx)
	require.Equal(t, []string{"late"}, exec.seen())
}

type fakeExecutor struct {
	mu        sync.Mutex
	ids       []string
	panics    map[string]bool
	errs      map[string]error
	onExecute func()
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{panics: map[string]bool{}, errs: map[string]error{}}
}

func (f *fakeExecutor) Execute(_ context.Context, item scrape.QueueItem) error {
	f.mu.Lock()
	f.ids = append(f.ids, item.JobID)
	f.mu.Unlock()
	if f.onExecute != nil {
		f.onExecute()
	}
	if f.panics[item.JobID] {
		panic("executor exploded")
	}
	return f.errs[item.JobID]
}

func (f *fakeExecutor) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

type flakyQueue struct {
	mu       sync.Mutex
	failures int
	item     scrape.QueueItem
	served   bool
}

func (q *flakyQueue) Enqueue(context.Context, scrape.QueueItem) error { return nil }

func (q *flakyQueue) Dequeue(ctx context.Context) (scrape.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failures > 0 {
		q.failures--
		return scrape.QueueItem{}, errors.New("transient")
	}
	if q.served {
		<-ctx.Done()
		return scrape.QueueItem{}, ctx.Err()
	}
	q.served = true
	return q.item, nil
}
