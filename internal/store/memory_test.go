package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"compute-orchestrator/internal/models"
)

func submitTask(t *testing.T, st *MemoryStore, spec TaskSpec) models.Record {
	t.Helper()
	rec, err := st.SubmitTask(context.Background(), spec)
	require.NoError(t, err)
	return rec
}

func TestClaimOrdering(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	submitTask(t, st, TaskSpec{Function: "low", Priority: 1})
	submitTask(t, st, TaskSpec{Function: "high", Priority: 10})
	submitTask(t, st, TaskSpec{Function: "mid", Priority: 5})

	tasks, err := st.ClaimTasks(ctx, "mgr", nil, []string{"default"}, 2)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "high", tasks[0].Function)
	require.Equal(t, "mid", tasks[1].Function)

	// Claimed records moved to running under the claiming manager.
	rec, err := st.GetRecord(ctx, tasks[0].RecordID)
	require.NoError(t, err)
	require.Equal(t, models.RecordRunning, rec.Status)
	require.NotNil(t, rec.ManagerName)
	require.Equal(t, "mgr", *rec.ManagerName)

	// Only the unclaimed task remains.
	rest, err := st.ClaimTasks(ctx, "other", nil, []string{"default"}, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, "low", rest[0].Function)
}

func TestClaimSamePriorityIsFIFO(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	submitTask(t, st, TaskSpec{Function: "first"})
	submitTask(t, st, TaskSpec{Function: "second"})
	submitTask(t, st, TaskSpec{Function: "third"})

	for _, want := range []string{"first", "second", "third"} {
		got, err := st.ClaimTasks(ctx, "mgr", nil, []string{"default"}, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, want, got[0].Function)
	}
}

func TestClaimFiltersTagsAndPrograms(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	submitTask(t, st, TaskSpec{Function: "gpu_fn", ComputeTag: "gpu"})
	submitTask(t, st, TaskSpec{Function: "needs_prog", RequiredPrograms: []string{"quantum"}})
	submitTask(t, st, TaskSpec{Function: "plain"})

	// Wrong tag and missing program: only the plain task matches.
	tasks, err := st.ClaimTasks(ctx, "mgr", nil, []string{"default"}, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "plain", tasks[0].Function)

	// The wildcard tag matches everything; the program requirement still gates.
	tasks, err = st.ClaimTasks(ctx, "mgr", nil, []string{models.WildcardTag}, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "gpu_fn", tasks[0].Function)

	tasks, err = st.ClaimTasks(ctx, "mgr", map[string]string{"quantum": "1.0"}, []string{models.WildcardTag}, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "needs_prog", tasks[0].Function)
}

func TestClaimMutualExclusion(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	for i := 0; i < 10; i++ {
		submitTask(t, st, TaskSpec{Function: "work"})
	}

	a, err := st.ClaimTasks(ctx, "mgr-a", nil, []string{"default"}, 6)
	require.NoError(t, err)
	b, err := st.ClaimTasks(ctx, "mgr-b", nil, []string{"default"}, 6)
	require.NoError(t, err)

	require.Len(t, a, 6)
	require.Len(t, b, 4)
	seen := map[string]bool{}
	for _, tk := range append(a, b...) {
		require.False(t, seen[tk.ID], "task %s claimed twice", tk.ID)
		seen[tk.ID] = true
	}
}

func TestReturnRejectsNotOwned(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	submitTask(t, st, TaskSpec{Function: "work"})

	tasks, err := st.ClaimTasks(ctx, "mgr-a", nil, []string{"default"}, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	// A manager that does not own the task gets a rejection; nothing changes.
	meta, err := st.ReturnTasks(ctx, "mgr-b", map[string]models.TaskResult{
		tasks[0].ID: {Success: true, Payload: []byte("x")},
	})
	require.NoError(t, err)
	require.Empty(t, meta.AcceptedIDs)
	require.Len(t, meta.Rejected, 1)
	require.Equal(t, RejectNotOwned, meta.Rejected[0].Reason)

	rec, err := st.GetRecord(ctx, tasks[0].RecordID)
	require.NoError(t, err)
	require.Equal(t, models.RecordRunning, rec.Status)

	// The owner's return finalizes the record and removes the task.
	meta, err = st.ReturnTasks(ctx, "mgr-a", map[string]models.TaskResult{
		tasks[0].ID: {Success: true, Payload: []byte("out"), Provenance: "mgr-a"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{tasks[0].ID}, meta.AcceptedIDs)
	require.Equal(t, tasks[0].RecordID, meta.AcceptedRecords[tasks[0].ID])

	rec, err = st.GetRecord(ctx, tasks[0].RecordID)
	require.NoError(t, err)
	require.Equal(t, models.RecordComplete, rec.Status)

	hist, err := st.GetHistory(ctx, tasks[0].RecordID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, []byte("out"), hist[0].Outputs)
}

func TestReturnFailureMarksError(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	submitTask(t, st, TaskSpec{Function: "work"})

	tasks, err := st.ClaimTasks(ctx, "mgr", nil, []string{"default"}, 1)
	require.NoError(t, err)

	meta, err := st.ReturnTasks(ctx, "mgr", map[string]models.TaskResult{
		tasks[0].ID: {Success: false, Payload: []byte("boom")},
	})
	require.NoError(t, err)
	require.Len(t, meta.AcceptedIDs, 1)

	rec, err := st.GetRecord(ctx, tasks[0].RecordID)
	require.NoError(t, err)
	require.Equal(t, models.RecordError, rec.Status)
}

func TestResetTasksReleasesAndAllowsReclaim(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	for i := 0; i < 5; i++ {
		submitTask(t, st, TaskSpec{Function: "work"})
	}

	claimed, err := st.ClaimTasks(ctx, "dead-mgr", nil, []string{"default"}, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 5)

	n, err := st.ResetTasks(ctx, "dead-mgr")
	require.NoError(t, err)
	require.Equal(t, 5, n)

	for _, tk := range claimed {
		rec, err := st.GetRecord(ctx, tk.RecordID)
		require.NoError(t, err)
		require.Equal(t, models.RecordWaiting, rec.Status)
		require.Nil(t, rec.ManagerName)
	}

	reclaimed, err := st.ClaimTasks(ctx, "live-mgr", nil, []string{"default"}, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 5)

	// A late return from the dead manager is rejected, not double-committed.
	meta, err := st.ReturnTasks(ctx, "dead-mgr", map[string]models.TaskResult{
		claimed[0].ID: {Success: true},
	})
	require.NoError(t, err)
	require.Len(t, meta.Rejected, 1)
}

func TestPromoteServicesBoundedAdmission(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	for i := 0; i < 5; i++ {
		_, err := st.SubmitService(ctx, ServiceSpec{Kind: "scan", Priority: i})
		require.NoError(t, err)
	}

	promoted, err := st.PromoteServices(ctx, 3)
	require.NoError(t, err)
	require.Len(t, promoted, 3)
	// Highest priority first.
	require.Equal(t, 4, promoted[0].Priority)

	// Already at the cap: no further promotion.
	more, err := st.PromoteServices(ctx, 3)
	require.NoError(t, err)
	require.Empty(t, more)

	running, err := st.ListRunningServices(ctx)
	require.NoError(t, err)
	require.Len(t, running, 3)
}

func TestIterationDependencyIdempotence(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	rec, err := st.SubmitService(ctx, ServiceSpec{Kind: "scan"})
	require.NoError(t, err)

	promoted, err := st.PromoteServices(ctx, 1)
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	svc := promoted[0]
	require.Equal(t, rec.ID, svc.RecordID)

	dep := submitTask(t, st, TaskSpec{Function: "point"})

	it, err := st.BeginServiceIteration(ctx, svc.ID)
	require.NoError(t, err)
	require.NoError(t, it.AddDependency(ctx, dep.ID, "point=0000"))
	require.NoError(t, it.AddDependency(ctx, dep.ID, "point=0000"))
	require.NoError(t, it.Commit(ctx))

	statuses, err := st.ServiceDependencyStatuses(ctx, svc.ID)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
}

func TestIterationRollbackLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	_, err := st.SubmitService(ctx, ServiceSpec{Kind: "scan"})
	require.NoError(t, err)
	promoted, err := st.PromoteServices(ctx, 1)
	require.NoError(t, err)
	svc := promoted[0]

	it, err := st.BeginServiceIteration(ctx, svc.ID)
	require.NoError(t, err)
	_, err = it.SpawnTask(ctx, TaskSpec{Function: "point"}, "point=0000")
	require.NoError(t, err)
	it.SetState([]byte("dirty"))
	it.MarkInitialized()
	require.NoError(t, it.Rollback(ctx))

	statuses, err := st.ServiceDependencyStatuses(ctx, svc.ID)
	require.NoError(t, err)
	require.Empty(t, statuses)

	// Nothing was spawned and the service is still uninitialized.
	tasks, err := st.ClaimTasks(ctx, "mgr", nil, []string{models.WildcardTag}, 10)
	require.NoError(t, err)
	require.Empty(t, tasks)

	it2, err := st.BeginServiceIteration(ctx, svc.ID)
	require.NoError(t, err)
	require.False(t, it2.Initialized())
	require.NotEqual(t, []byte("dirty"), it2.Service().State)
	require.NoError(t, it2.Rollback(ctx))
}

func TestIterationSpawnAndComplete(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	rec, err := st.SubmitService(ctx, ServiceSpec{Kind: "scan", ComputeTag: "tag1"})
	require.NoError(t, err)
	promoted, err := st.PromoteServices(ctx, 1)
	require.NoError(t, err)
	svc := promoted[0]

	it, err := st.BeginServiceIteration(ctx, svc.ID)
	require.NoError(t, err)
	depRecID, err := it.SpawnTask(ctx, TaskSpec{Function: "point"}, "point=0000")
	require.NoError(t, err)
	it.MarkInitialized()
	require.NoError(t, it.Commit(ctx))

	// The spawned task inherits the service compute tag and is claimable.
	tasks, err := st.ClaimTasks(ctx, "mgr", nil, []string{"tag1"}, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, depRecID, tasks[0].RecordID)

	it, err = st.BeginServiceIteration(ctx, svc.ID)
	require.NoError(t, err)
	require.True(t, it.Initialized())
	require.NoError(t, it.Complete(ctx, []byte(`{"done":true}`)))
	require.NoError(t, it.Commit(ctx))

	got, err := st.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, models.RecordComplete, got.Status)

	hist, err := st.GetHistory(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, "service_completion", hist[0].Provenance)

	// The service row is gone.
	_, err = st.BeginServiceIteration(ctx, svc.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMarkServiceError(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	rec, err := st.SubmitService(ctx, ServiceSpec{Kind: "scan"})
	require.NoError(t, err)
	promoted, err := st.PromoteServices(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, st.MarkServiceError(ctx, promoted[0].ID, "service_iteration_error", "kaboom"))

	got, err := st.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, models.RecordError, got.Status)

	hist, err := st.GetHistory(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, "service_iteration_error", hist[0].Provenance)
	require.Equal(t, []byte("kaboom"), hist[0].Outputs)
}

func TestStaleManagerListing(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	require.NoError(t, st.ActivateManager(ctx, models.Manager{Name: "mgr-a"}))
	require.NoError(t, st.ActivateManager(ctx, models.Manager{Name: "mgr-b"}))
	require.NoError(t, st.DeactivateManager(ctx, "mgr-b"))

	// Cutoff in the future: every active manager looks stale.
	stale, err := st.ListStaleManagers(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{"mgr-a"}, stale)

	// Cutoff in the past: nobody is stale.
	stale, err = st.ListStaleManagers(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Empty(t, stale)
}
