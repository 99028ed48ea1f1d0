package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"compute-orchestrator/internal/models"
)

// Future is one asynchronously executing task. The scheduler polls Done and
// never blocks on a future.
type Future interface {
	Done() bool
	// Result is only valid once Done reports true.
	Result() (json.RawMessage, error)
}

// Executor runs claimed tasks on some backend (local pool, batch cluster,
// remote workers). Implementations must complete every submitted future, even
// for lost workers: a worker-lost condition surfaces as a future error, which
// the scheduler turns into a failed result rather than dropping the task.
type Executor interface {
	Name() string
	ComputeTags() []string
	Slots() int
	CoresPerWorker() int
	MemoryPerWorkerMB() float64
	Submit(task models.Task) (Future, error)
}

// TaskFunction executes one opaque function payload.
type TaskFunction func(ctx context.Context, kwargs json.RawMessage) (json.RawMessage, error)

// LocalExecutor runs tasks on an in-process worker pool bounded by Slots.
type LocalExecutor struct {
	name      string
	tags      []string
	slots     int
	cores     int
	memoryMB  float64
	functions map[string]TaskFunction
	sem       chan struct{}

	ctx context.Context
}

func NewLocalExecutor(ctx context.Context, name string, tags []string, slots, cores int, memoryMB float64) *LocalExecutor {
	if slots <= 0 {
		slots = 1
	}
	return &LocalExecutor{
		name:      name,
		tags:      tags,
		slots:     slots,
		cores:     cores,
		memoryMB:  memoryMB,
		functions: make(map[string]TaskFunction),
		sem:       make(chan struct{}, slots),
		ctx:       ctx,
	}
}

// RegisterFunction binds an executable function name. Must be called before
// the manager starts claiming.
func (e *LocalExecutor) RegisterFunction(name string, fn TaskFunction) {
	if name == "" || fn == nil {
		return
	}
	e.functions[name] = fn
}

func (e *LocalExecutor) Name() string               { return e.name }
func (e *LocalExecutor) ComputeTags() []string      { return e.tags }
func (e *LocalExecutor) Slots() int                 { return e.slots }
func (e *LocalExecutor) CoresPerWorker() int        { return e.cores }
func (e *LocalExecutor) MemoryPerWorkerMB() float64 { return e.memoryMB }

func (e *LocalExecutor) Submit(task models.Task) (Future, error) {
	fn, ok := e.functions[task.Function]
	if !ok {
		// Unknown functions fail the task, they never fail the claim.
		return completedFuture(nil, fmt.Errorf("function %q is not registered on executor %s", task.Function, e.name)), nil
	}
	fut := &localFuture{}
	go func() {
		e.sem <- struct{}{}
		defer func() { <-e.sem }()
		defer func() {
			if r := recover(); r != nil {
				fut.complete(nil, fmt.Errorf("worker lost: %v", r))
			}
		}()
		out, err := fn(e.ctx, task.FunctionKwargs)
		fut.complete(out, err)
	}()
	return fut, nil
}

type localFuture struct {
	mu      sync.Mutex
	done    bool
	payload json.RawMessage
	err     error
}

func (f *localFuture) complete(payload json.RawMessage, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return
	}
	f.done = true
	f.payload = payload
	f.err = err
}

func (f *localFuture) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

func (f *localFuture) Result() (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payload, f.err
}

func completedFuture(payload json.RawMessage, err error) Future {
	return &localFuture{done: true, payload: payload, err: err}
}
