package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/persistence"
)

// testStore connects to the database named by SYNQX_TEST_DSN and applies
// migrations. Tests are skipped when the variable is unset.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("SYNQX_TEST_DSN")
	if dsn == "" {
		t.Skip("SYNQX_TEST_DSN not set")
	}
	ctx := context.Background()
	require.NoError(t, Migrate(ctx, dsn))
	pool, err := Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return New(pool)
}

func TestStore_LeaseIsExclusive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ws := uuid.NewString()
	const jobs = 4
	for i := 0; i < jobs; i++ {
		require.NoError(t, s.Enqueue(ctx, &core.Job{
			ID:          uuid.NewString(),
			PipelineID:  "p1",
			WorkspaceID: ws,
			QueueName:   "default",
		}))
	}

	var (
		mu     sync.Mutex
		leased = map[string]int{}
		wg     sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				job, err := s.Lease(ctx, persistence.LeaseRequest{
					WorkerID:    fmt.Sprintf("agent-%d", worker),
					WorkspaceID: ws,
					Queues:      []string{"default"},
				})
				if err != nil {
					return
				}
				mu.Lock()
				leased[job.ID]++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, leased, jobs)
	for id, n := range leased {
		assert.Equal(t, 1, n, "job %s leased more than once", id)
	}
}

func TestStore_RequeueAfterLeaseExpiry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ws := uuid.NewString()
	id := uuid.NewString()
	require.NoError(t, s.Enqueue(ctx, &core.Job{
		ID: id, PipelineID: "p1", WorkspaceID: ws, QueueName: "default",
	}))
	_, err := s.Lease(ctx, persistence.LeaseRequest{
		WorkerID: "a1", WorkspaceID: ws, Queues: []string{"default"},
	})
	require.NoError(t, err)

	require.NoError(t, s.TouchLease(ctx, "a1", time.Now().UTC().Add(-10*time.Minute)))
	expired, err := s.ListExpiredLeases(ctx, 5*time.Minute)
	require.NoError(t, err)
	ids := make([]string, 0, len(expired))
	for _, j := range expired {
		ids = append(ids, j.ID)
	}
	assert.Contains(t, ids, id)

	require.NoError(t, s.Requeue(ctx, id, "lease expired"))
	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.JobQueued, job.Status)
	assert.Equal(t, 1, job.RetryCount)
}

func TestStore_StepCreateIsIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run := &core.PipelineRun{JobID: uuid.NewString(), PipelineID: "p1", Status: core.RunRunning}
	require.NoError(t, s.CreateRun(ctx, run))

	first, err := s.CreateStep(ctx, &core.StepRun{
		RunID: run.ID, NodeID: "n1", OperatorType: core.OperatorExtract, Status: core.StepPending,
	})
	require.NoError(t, err)
	second, err := s.CreateStep(ctx, &core.StepRun{
		RunID: run.ID, NodeID: "n1", OperatorType: core.OperatorExtract, Status: core.StepPending,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestWatermarks_MonotonicAdvance(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	marks := NewWatermarks(s.Pool())

	pipeline := uuid.NewString()
	moved, err := marks.Advance(ctx, pipeline, "asset-1", "updated_at", "2026-01-01T00:00:00Z")
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = marks.Advance(ctx, pipeline, "asset-1", "updated_at", "2025-06-01T00:00:00Z")
	require.NoError(t, err)
	assert.False(t, moved, "older value must not move the watermark")

	mark, err := marks.Get(ctx, pipeline, "asset-1")
	require.NoError(t, err)
	require.NotNil(t, mark)
	assert.Equal(t, "2026-01-01T00:00:00Z", mark.LastValue)
}

func TestStore_NextRunNumberMonotonic(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	pipeline := uuid.NewString()
	for want := int64(1); want <= 3; want++ {
		n, err := s.NextRunNumber(ctx, pipeline)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
}
