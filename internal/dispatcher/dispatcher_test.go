package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-service/internal/queue/memory"
	"github.com/JakeFAU/scrape-service/internal/scrape"
)

func TestDispatcherRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	dispatch := New(q, &recordingExecutor{}, 3, zap.NewNop())
	require.Equal(t, 3, dispatch.Size())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestDispatcherDrainsQueueConcurrently(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(32)
	exec := &recordingExecutor{}
	for i := range 20 {
		require.NoError(t, q.Enqueue(context.Background(), scrape.QueueItem{JobID: fmt.Sprintf("job-%d", i)}))
	}
	q.Close()

	New(q, exec, 4, nil).Run(context.Background())
	require.Len(t, exec.seen, 20)
}

func TestDispatcherDefaultsPoolSize(t *testing.T) {
	t.Parallel()

	require.Equal(t, DefaultWorkers, New(memory.NewQueue(1), &recordingExecutor{}, 0, nil).Size())
}

type recordingExecutor struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (e *recordingExecutor) Execute(_ context.Context, item scrape.QueueItem) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seen == nil {
		e.seen = make(map[string]bool)
	}
	e.seen[item.JobID] = true
	return nil
}
