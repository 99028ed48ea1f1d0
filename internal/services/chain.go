package services

import (
	"context"
	"encoding/json"
	"fmt"

	"compute-orchestrator/internal/store"
)

// ChainProcedure runs a sequence of steps where each step depends on the
// result of the previous one (reaction paths, staged optimizations).
type ChainProcedure struct{}

// ChainInput is the submission payload for a chain service.
type ChainInput struct {
	Steps            int             `json:"steps"`
	Function         string          `json:"function"`
	KwargsTemplate   json.RawMessage `json:"kwargs_template,omitempty"`
	RequiredPrograms []string        `json:"required_programs,omitempty"`
	TaskPriority     int             `json:"task_priority,omitempty"`
}

type chainState struct {
	Version int        `json:"version"`
	Input   ChainInput `json:"input"`
	// NextStep is the index of the step whose dependency is outstanding.
	NextStep int      `json:"next_step"`
	Results  [][]byte `json:"results,omitempty"`
}

// NewChainState builds the initial state blob for submission.
func NewChainState(input ChainInput) ([]byte, error) {
	if input.Steps <= 0 {
		return nil, fmt.Errorf("chain requires at least one step, got %d", input.Steps)
	}
	if input.Function == "" {
		return nil, fmt.Errorf("chain requires a function")
	}
	return json.Marshal(chainState{Version: 1, Input: input})
}

func (p *ChainProcedure) Kind() string { return "chain" }

func (p *ChainProcedure) NewState(input json.RawMessage) ([]byte, error) {
	var in ChainInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode chain input: %w", err)
	}
	return NewChainState(in)
}

func (p *ChainProcedure) Initialize(ctx context.Context, it store.ServiceIteration) error {
	var st chainState
	if err := json.Unmarshal(it.Service().State, &st); err != nil {
		return fmt.Errorf("decode chain state: %w", err)
	}
	if err := p.spawnStep(ctx, it, &st, nil); err != nil {
		return err
	}
	return saveChainState(it, &st)
}

func (p *ChainProcedure) Iterate(ctx context.Context, it store.ServiceIteration) (bool, []byte, error) {
	var st chainState
	if err := json.Unmarshal(it.Service().State, &st); err != nil {
		return false, nil, fmt.Errorf("decode chain state: %w", err)
	}
	deps, err := it.DependencyOutputs(ctx)
	if err != nil {
		return false, nil, err
	}
	if len(deps) != 1 {
		return false, nil, fmt.Errorf("chain step %d expected one dependency, found %d", st.NextStep, len(deps))
	}
	st.Results = append(st.Results, deps[0].Outputs)
	st.NextStep++

	if st.NextStep >= st.Input.Steps {
		outputs, err := json.Marshal(struct {
			Steps   int      `json:"steps"`
			Results [][]byte `json:"results"`
		}{Steps: st.Input.Steps, Results: st.Results})
		if err != nil {
			return false, nil, fmt.Errorf("aggregate chain results: %w", err)
		}
		return true, outputs, nil
	}

	if err := it.ClearDependencies(ctx); err != nil {
		return false, nil, err
	}
	if err := p.spawnStep(ctx, it, &st, deps[0].Outputs); err != nil {
		return false, nil, err
	}
	return false, nil, saveChainState(it, &st)
}

func (p *ChainProcedure) spawnStep(ctx context.Context, it store.ServiceIteration, st *chainState, previous []byte) error {
	merged := map[string]any{}
	if len(st.Input.KwargsTemplate) > 0 {
		if err := json.Unmarshal(st.Input.KwargsTemplate, &merged); err != nil {
			return fmt.Errorf("decode kwargs template: %w", err)
		}
	}
	merged["step"] = st.NextStep
	if previous != nil {
		merged["previous"] = previous
	}
	kwargs, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode step kwargs: %w", err)
	}
	_, err = it.SpawnTask(ctx, store.TaskSpec{
		Priority:         st.Input.TaskPriority,
		RequiredPrograms: st.Input.RequiredPrograms,
		Function:         st.Input.Function,
		FunctionKwargs:   kwargs,
	}, fmt.Sprintf("step=%04d", st.NextStep))
	if err != nil {
		return fmt.Errorf("spawn step %d: %w", st.NextStep, err)
	}
	return nil
}

func saveChainState(it store.ServiceIteration, st *chainState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode chain state: %w", err)
	}
	it.SetState(b)
	return nil
}
