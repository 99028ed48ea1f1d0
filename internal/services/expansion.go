package services

import (
	"context"
	"encoding/json"
	"fmt"

	"compute-orchestrator/internal/store"
)

// ExpansionProcedure runs level-by-level batches (many-body style): every
// fragment of a level must finish before the next level is spawned.
type ExpansionProcedure struct{}

// ExpansionInput is the submission payload for an expansion service. Levels
// holds the fragment count per level.
type ExpansionInput struct {
	Levels           []int           `json:"levels"`
	Function         string          `json:"function"`
	KwargsTemplate   json.RawMessage `json:"kwargs_template,omitempty"`
	RequiredPrograms []string        `json:"required_programs,omitempty"`
	TaskPriority     int             `json:"task_priority,omitempty"`
}

type expansionState struct {
	Version int            `json:"version"`
	Input   ExpansionInput `json:"input"`
	Level   int            `json:"level"`
	Batches [][]byte       `json:"batches,omitempty"`
}

// NewExpansionState builds the initial state blob for submission.
func NewExpansionState(input ExpansionInput) ([]byte, error) {
	if len(input.Levels) == 0 {
		return nil, fmt.Errorf("expansion requires at least one level")
	}
	for i, n := range input.Levels {
		if n <= 0 {
			return nil, fmt.Errorf("expansion level %d must have at least one fragment, got %d", i, n)
		}
	}
	if input.Function == "" {
		return nil, fmt.Errorf("expansion requires a function")
	}
	return json.Marshal(expansionState{Version: 1, Input: input})
}

func (p *ExpansionProcedure) Kind() string { return "expansion" }

func (p *ExpansionProcedure) NewState(input json.RawMessage) ([]byte, error) {
	var in ExpansionInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode expansion input: %w", err)
	}
	return NewExpansionState(in)
}

func (p *ExpansionProcedure) Initialize(ctx context.Context, it store.ServiceIteration) error {
	var st expansionState
	if err := json.Unmarshal(it.Service().State, &st); err != nil {
		return fmt.Errorf("decode expansion state: %w", err)
	}
	if err := p.spawnLevel(ctx, it, &st); err != nil {
		return err
	}
	return saveExpansionState(it, &st)
}

func (p *ExpansionProcedure) Iterate(ctx context.Context, it store.ServiceIteration) (bool, []byte, error) {
	var st expansionState
	if err := json.Unmarshal(it.Service().State, &st); err != nil {
		return false, nil, fmt.Errorf("decode expansion state: %w", err)
	}
	deps, err := it.DependencyOutputs(ctx)
	if err != nil {
		return false, nil, err
	}
	batch, err := aggregateOutputs(deps)
	if err != nil {
		return false, nil, err
	}
	st.Batches = append(st.Batches, batch)
	st.Level++

	if st.Level >= len(st.Input.Levels) {
		outputs, err := json.Marshal(struct {
			Levels  int      `json:"levels"`
			Batches [][]byte `json:"batches"`
		}{Levels: len(st.Input.Levels), Batches: st.Batches})
		if err != nil {
			return false, nil, fmt.Errorf("aggregate expansion results: %w", err)
		}
		return true, outputs, nil
	}

	if err := it.ClearDependencies(ctx); err != nil {
		return false, nil, err
	}
	if err := p.spawnLevel(ctx, it, &st); err != nil {
		return false, nil, err
	}
	return false, nil, saveExpansionState(it, &st)
}

func (p *ExpansionProcedure) spawnLevel(ctx context.Context, it store.ServiceIteration, st *expansionState) error {
	count := st.Input.Levels[st.Level]
	for i := 0; i < count; i++ {
		kwargs, err := pointKwargs(st.Input.KwargsTemplate, "fragment", i)
		if err != nil {
			return err
		}
		_, err = it.SpawnTask(ctx, store.TaskSpec{
			Priority:         st.Input.TaskPriority,
			RequiredPrograms: st.Input.RequiredPrograms,
			Function:         st.Input.Function,
			FunctionKwargs:   kwargs,
		}, fmt.Sprintf("level=%02d;fragment=%04d", st.Level, i))
		if err != nil {
			return fmt.Errorf("spawn level %d fragment %d: %w", st.Level, i, err)
		}
	}
	return nil
}

func saveExpansionState(it store.ServiceIteration, st *expansionState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode expansion state: %w", err)
	}
	it.SetState(b)
	return nil
}
