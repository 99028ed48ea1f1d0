package services

import (
	"context"
	"encoding/json"
	"fmt"

	"compute-orchestrator/internal/store"
)

// ScanProcedure runs a fixed grid of independent point calculations in one
// batch, then aggregates their outputs.
type ScanProcedure struct{}

// ScanInput is the submission payload for a scan service.
type ScanInput struct {
	Points           int             `json:"points"`
	Function         string          `json:"function"`
	KwargsTemplate   json.RawMessage `json:"kwargs_template,omitempty"`
	RequiredPrograms []string        `json:"required_programs,omitempty"`
	TaskPriority     int             `json:"task_priority,omitempty"`
}

type scanState struct {
	Version int       `json:"version"`
	Input   ScanInput `json:"input"`
}

// NewScanState builds the initial state blob for submission.
func NewScanState(input ScanInput) ([]byte, error) {
	if input.Points <= 0 {
		return nil, fmt.Errorf("scan requires at least one point, got %d", input.Points)
	}
	if input.Function == "" {
		return nil, fmt.Errorf("scan requires a function")
	}
	return json.Marshal(scanState{Version: 1, Input: input})
}

func (p *ScanProcedure) Kind() string { return "scan" }

func (p *ScanProcedure) NewState(input json.RawMessage) ([]byte, error) {
	var in ScanInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode scan input: %w", err)
	}
	return NewScanState(in)
}

func (p *ScanProcedure) Initialize(ctx context.Context, it store.ServiceIteration) error {
	var st scanState
	if err := json.Unmarshal(it.Service().State, &st); err != nil {
		return fmt.Errorf("decode scan state: %w", err)
	}
	for i := 0; i < st.Input.Points; i++ {
		kwargs, err := pointKwargs(st.Input.KwargsTemplate, "point", i)
		if err != nil {
			return err
		}
		_, err = it.SpawnTask(ctx, store.TaskSpec{
			Priority:         st.Input.TaskPriority,
			RequiredPrograms: st.Input.RequiredPrograms,
			Function:         st.Input.Function,
			FunctionKwargs:   kwargs,
		}, fmt.Sprintf("point=%04d", i))
		if err != nil {
			return fmt.Errorf("spawn point %d: %w", i, err)
		}
	}
	return nil
}

func (p *ScanProcedure) Iterate(ctx context.Context, it store.ServiceIteration) (bool, []byte, error) {
	deps, err := it.DependencyOutputs(ctx)
	if err != nil {
		return false, nil, err
	}
	outputs, err := aggregateOutputs(deps)
	if err != nil {
		return false, nil, err
	}
	return true, outputs, nil
}

// pointKwargs merges the template kwargs with a positional index field.
func pointKwargs(template json.RawMessage, field string, index int) (json.RawMessage, error) {
	merged := map[string]any{}
	if len(template) > 0 {
		if err := json.Unmarshal(template, &merged); err != nil {
			return nil, fmt.Errorf("decode kwargs template: %w", err)
		}
	}
	merged[field] = index
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode kwargs: %w", err)
	}
	return out, nil
}

// aggregateOutputs collects dependency outputs in extras order into a single
// JSON document.
func aggregateOutputs(deps []store.DependencyOutput) ([]byte, error) {
	type entry struct {
		Extras string `json:"extras"`
		Output []byte `json:"output"`
	}
	entries := make([]entry, 0, len(deps))
	for _, d := range deps {
		entries = append(entries, entry{Extras: d.Extras, Output: d.Outputs})
	}
	out, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("aggregate outputs: %w", err)
	}
	return out, nil
}
