package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"compute-orchestrator/internal/models"
	"compute-orchestrator/internal/store"
)

func TestStateValidation(t *testing.T) {
	_, err := NewScanState(ScanInput{Points: 0, Function: "f"})
	require.Error(t, err)
	_, err = NewScanState(ScanInput{Points: 3})
	require.Error(t, err)

	_, err = NewChainState(ChainInput{Steps: 0, Function: "f"})
	require.Error(t, err)

	_, err = NewExpansionState(ExpansionInput{Function: "f"})
	require.Error(t, err)
	_, err = NewExpansionState(ExpansionInput{Levels: []int{2, 0}, Function: "f"})
	require.Error(t, err)
	_, err = NewExpansionState(ExpansionInput{Levels: []int{2, 1}, Function: "f"})
	require.NoError(t, err)
}

func TestRegistryLookup(t *testing.T) {
	reg := DefaultRegistry()
	for _, kind := range []string{"scan", "chain", "expansion"} {
		proc, err := reg.Lookup(kind)
		require.NoError(t, err)
		require.Equal(t, kind, proc.Kind())
	}
	_, err := reg.Lookup("unknown")
	require.Error(t, err)
	require.ElementsMatch(t, []string{"scan", "chain", "expansion"}, reg.Kinds())
}

func TestScanKwargsCarryTemplateAndIndex(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_, err := st.SubmitService(ctx, store.ServiceSpec{Kind: "scan", State: mustScanState(t, ScanInput{
		Points:         2,
		Function:       "energy",
		KwargsTemplate: json.RawMessage(`{"basis":"dz"}`),
	})})
	require.NoError(t, err)
	promoted, err := st.PromoteServices(ctx, 1)
	require.NoError(t, err)

	it, err := st.BeginServiceIteration(ctx, promoted[0].ID)
	require.NoError(t, err)
	require.NoError(t, (&ScanProcedure{}).Initialize(ctx, it))
	require.NoError(t, it.Commit(ctx))

	tasks, err := st.ClaimTasks(ctx, "m", nil, []string{models.WildcardTag}, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, tk := range tasks {
		var kwargs struct {
			Basis string `json:"basis"`
			Point *int   `json:"point"`
		}
		require.NoError(t, json.Unmarshal(tk.FunctionKwargs, &kwargs))
		require.Equal(t, "dz", kwargs.Basis)
		require.NotNil(t, kwargs.Point)
	}
}

// TestExpansionLevels drives the level-by-level batching directly through the
// iteration API: level 0 has two fragments, level 1 has one.
func TestExpansionLevels(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	proc := &ExpansionProcedure{}

	_, err := st.SubmitService(ctx, store.ServiceSpec{Kind: "expansion", State: mustExpansionState(t, ExpansionInput{
		Levels:   []int{2, 1},
		Function: "fragment_energy",
	})})
	require.NoError(t, err)
	promoted, err := st.PromoteServices(ctx, 1)
	require.NoError(t, err)
	svcID := promoted[0].ID

	it, err := st.BeginServiceIteration(ctx, svcID)
	require.NoError(t, err)
	require.NoError(t, proc.Initialize(ctx, it))
	it.MarkInitialized()
	require.NoError(t, it.Commit(ctx))

	require.Equal(t, 2, finishAllTasks(t, st))

	// First iteration collects level 0 and spawns the single level 1 fragment.
	it, err = st.BeginServiceIteration(ctx, svcID)
	require.NoError(t, err)
	done, _, err := proc.Iterate(ctx, it)
	require.NoError(t, err)
	require.False(t, done)
	require.NoError(t, it.Commit(ctx))

	require.Equal(t, 1, finishAllTasks(t, st))

	it, err = st.BeginServiceIteration(ctx, svcID)
	require.NoError(t, err)
	done, outputs, err := proc.Iterate(ctx, it)
	require.NoError(t, err)
	require.True(t, done)
	require.NoError(t, it.Rollback(ctx))

	var out struct {
		Levels  int      `json:"levels"`
		Batches [][]byte `json:"batches"`
	}
	require.NoError(t, json.Unmarshal(outputs, &out))
	require.Equal(t, 2, out.Levels)
	require.Len(t, out.Batches, 2)
}

func mustScanState(t *testing.T, in ScanInput) []byte {
	t.Helper()
	b, err := NewScanState(in)
	require.NoError(t, err)
	return b
}

func mustExpansionState(t *testing.T, in ExpansionInput) []byte {
	t.Helper()
	b, err := NewExpansionState(in)
	require.NoError(t, err)
	return b
}

func finishAllTasks(t *testing.T, st *store.MemoryStore) int {
	t.Helper()
	ctx := context.Background()
	tasks, err := st.ClaimTasks(ctx, "m", nil, []string{models.WildcardTag}, 100)
	require.NoError(t, err)
	results := make(map[string]models.TaskResult, len(tasks))
	for _, tk := range tasks {
		results[tk.ID] = models.TaskResult{Success: true, Payload: []byte(`{"e":-1}`)}
	}
	if len(results) > 0 {
		_, err = st.ReturnTasks(ctx, "m", results)
		require.NoError(t, err)
	}
	return len(tasks)
}
