package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/persistence"
)

func TestStore_LeaseOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	base := time.Now().UTC()
	require.NoError(t, s.Enqueue(ctx, &core.Job{
		ID: "low-old", WorkspaceID: "ws", QueueName: "default",
		Priority: 0, CreatedAt: base,
	}))
	require.NoError(t, s.Enqueue(ctx, &core.Job{
		ID: "high-new", WorkspaceID: "ws", QueueName: "default",
		Priority: 5, CreatedAt: base.Add(time.Minute),
	}))
	require.NoError(t, s.Enqueue(ctx, &core.Job{
		ID: "low-new", WorkspaceID: "ws", QueueName: "default",
		Priority: 0, CreatedAt: base.Add(time.Second),
	}))

	req := persistence.LeaseRequest{WorkerID: "agent-1", WorkspaceID: "ws", Queues: []string{"default"}}

	job, err := s.Lease(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "low-old", job.ID, "lowest priority value first")
	assert.Equal(t, core.JobRunning, job.Status)
	assert.Equal(t, "agent-1", job.WorkerID)

	job, err = s.Lease(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "low-new", job.ID, "then FIFO within a priority")

	job, err = s.Lease(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "high-new", job.ID)

	_, err = s.Lease(ctx, req)
	assert.ErrorIs(t, err, core.ErrNoJob)
}

func TestStore_LeaseScoping(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Enqueue(ctx, &core.Job{ID: "other-ws", WorkspaceID: "ws2", QueueName: "default"}))
	require.NoError(t, s.Enqueue(ctx, &core.Job{ID: "other-queue", WorkspaceID: "ws", QueueName: "gpu"}))
	require.NoError(t, s.Enqueue(ctx, &core.Job{ID: "pinned", WorkspaceID: "ws", QueueName: "default", AssignedAgent: "agent-9"}))

	_, err := s.Lease(ctx, persistence.LeaseRequest{
		WorkerID: "agent-1", WorkspaceID: "ws", Queues: []string{"default"},
	})
	assert.ErrorIs(t, err, core.ErrNoJob)

	// The pinned job goes only to its assigned agent.
	job, err := s.Lease(ctx, persistence.LeaseRequest{
		WorkerID: "agent-9", WorkspaceID: "ws", Queues: []string{"default"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pinned", job.ID)
}

func TestStore_ConcurrentLeaseIsExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	const jobs = 5
	for i := 0; i < jobs; i++ {
		require.NoError(t, s.Enqueue(ctx, &core.Job{
			ID: fmt.Sprintf("job-%d", i), WorkspaceID: "ws", QueueName: "default",
		}))
	}

	const agents = 10
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		leased = make(map[string]string) // job id -> worker id
	)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			worker := fmt.Sprintf("agent-%d", i)
			job, err := s.Lease(ctx, persistence.LeaseRequest{
				WorkerID: worker, WorkspaceID: "ws", Queues: []string{"default"},
			})
			if err != nil {
				assert.ErrorIs(t, err, core.ErrNoJob)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			prev, dup := leased[job.ID]
			assert.False(t, dup, "job %s leased by both %s and %s", job.ID, prev, worker)
			leased[job.ID] = worker
		}(i)
	}
	wg.Wait()

	assert.Len(t, leased, jobs, "every job leased exactly once")
}

func TestStore_UpdateStatusTerminalWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Enqueue(ctx, &core.Job{ID: "j1", WorkspaceID: "ws", QueueName: "default"}))
	_, err := s.Lease(ctx, persistence.LeaseRequest{WorkerID: "a1", WorkspaceID: "ws", Queues: []string{"default"}})
	require.NoError(t, err)

	require.NoError(t, s.UpdateStatus(ctx, "j1", core.JobSuccess, &core.JobStatusReport{Status: core.JobSuccess}))
	require.NoError(t, s.UpdateStatus(ctx, "j1", core.JobFailed, &core.JobStatusReport{Status: core.JobFailed, Message: "late"}))

	job, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, core.JobSuccess, job.Status)
	assert.Empty(t, job.ErrorMessage)
}

func TestStore_RequeueAndExpiredLeases(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Enqueue(ctx, &core.Job{ID: "j1", WorkspaceID: "ws", QueueName: "default"}))
	_, err := s.Lease(ctx, persistence.LeaseRequest{WorkerID: "a1", WorkspaceID: "ws", Queues: []string{"default"}})
	require.NoError(t, err)

	// Backdate the lease touch so it looks abandoned.
	require.NoError(t, s.TouchLease(ctx, "a1", time.Now().UTC().Add(-10*time.Minute)))

	expired, err := s.ListExpiredLeases(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "j1", expired[0].ID)

	require.NoError(t, s.Requeue(ctx, "j1", "lease expired"))
	job, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, core.JobQueued, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Empty(t, job.WorkerID)

	expired, err = s.ListExpiredLeases(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestStore_NextRunNumberMonotonic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	for want := int64(1); want <= 3; want++ {
		n, err := s.NextRunNumber(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	n, err := s.NextRunNumber(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "sequences are per pipeline")
}

func TestStore_CreateStepIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	first, err := s.CreateStep(ctx, &core.StepRun{RunID: "r1", NodeID: "n1", Status: core.StepPending})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	again, err := s.CreateStep(ctx, &core.StepRun{RunID: "r1", NodeID: "n1", Status: core.StepRunning})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, core.StepPending, again.Status, "repeat create returns the existing record")
}

func TestEphemerals_LeaseAndComplete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := NewEphemerals()

	require.NoError(t, e.Enqueue(ctx, &core.EphemeralJob{
		ID: "eph-1", WorkspaceID: "ws", QueueName: "default", Type: core.EphemeralExplorer,
	}))

	job, err := e.Lease(ctx, persistence.LeaseRequest{WorkerID: "a1", WorkspaceID: "ws", Queues: []string{"default"}})
	require.NoError(t, err)
	assert.Equal(t, "eph-1", job.ID)

	require.NoError(t, e.Complete(ctx, "eph-1", &core.EphemeralResult{Status: core.JobSuccess, ResultSummary: "12 rows"}))
	// Only the first terminal result sticks.
	require.NoError(t, e.Complete(ctx, "eph-1", &core.EphemeralResult{Status: core.JobFailed}))

	got, err := e.Get(ctx, "eph-1")
	require.NoError(t, err)
	assert.Equal(t, core.JobSuccess, got.Status)
	require.NotNil(t, e.Result("eph-1"))
	assert.Equal(t, "12 rows", e.Result("eph-1").ResultSummary)
}
