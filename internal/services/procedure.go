package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"compute-orchestrator/internal/store"
)

// Procedure drives one kind of multi-step service. Implementations own the
// service state blob entirely; the engine only passes it through.
type Procedure interface {
	Kind() string
	// NewState validates a submission input and builds the initial state
	// blob. Invalid input is rejected here, at submission time.
	NewState(input json.RawMessage) ([]byte, error)
	// Initialize seeds the first dependency batch from the submitted input.
	Initialize(ctx context.Context, it store.ServiceIteration) error
	// Iterate consumes the completed dependency batch and either spawns the
	// next one (done=false) or reports completion with final outputs.
	Iterate(ctx context.Context, it store.ServiceIteration) (done bool, outputs []byte, err error)
}

// Registry is the closed set of known procedures, constructed at process start
// and passed by reference into the engine and API. Submitting a record with an
// unknown kind fails immediately at submission time.
type Registry struct {
	procs map[string]Procedure
}

func NewRegistry(procs ...Procedure) *Registry {
	r := &Registry{procs: make(map[string]Procedure, len(procs))}
	for _, p := range procs {
		r.procs[p.Kind()] = p
	}
	return r
}

// DefaultRegistry returns a registry with every built-in procedure.
func DefaultRegistry() *Registry {
	return NewRegistry(&ScanProcedure{}, &ChainProcedure{}, &ExpansionProcedure{})
}

func (r *Registry) Lookup(kind string) (Procedure, error) {
	p, ok := r.procs[kind]
	if !ok {
		return nil, fmt.Errorf("unknown procedure kind %q", kind)
	}
	return p, nil
}

func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.procs))
	for k := range r.procs {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
