package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"compute-orchestrator/internal/jobs"
	"compute-orchestrator/internal/models"
	"compute-orchestrator/internal/store"
	"compute-orchestrator/internal/telemetry"
)

const (
	jobIterateServices = "iterate_services"
	jobIterateService  = "iterate_service"

	// ProvenanceIterationError marks history entries written after a failed
	// iteration was rolled back.
	ProvenanceIterationError = "service_iteration_error"
	// ProvenanceDependencyError marks history entries written when a
	// dependency errored and the service was finalized without iterating.
	ProvenanceDependencyError = "service_dependency_error"
)

// Engine drives the service state machine: admission of waiting services, the
// dependency gate, and per-service iteration. The periodic sweep only ever
// schedules cheap internal jobs; the potentially slow iterations run from the
// job runner and never block the request path.
type Engine struct {
	store     store.Store
	jobs      *jobs.Scheduler
	registry  *Registry
	log       *zap.Logger
	maxActive int
}

func NewEngine(st store.Store, sched *jobs.Scheduler, reg *Registry, log *zap.Logger, maxActive int) *Engine {
	if maxActive <= 0 {
		maxActive = 20
	}
	return &Engine{store: st, jobs: sched, registry: reg, log: log, maxActive: maxActive}
}

type iterateKwargs struct {
	ServiceID string `json:"service_id"`
}

// RegisterJobs binds the engine's handlers on the scheduler and enqueues the
// repeating sweep job.
func (e *Engine) RegisterJobs(ctx context.Context, sweepInterval time.Duration) error {
	e.jobs.Register(jobIterateServices, func(ctx context.Context, _ json.RawMessage) error {
		return e.Sweep(ctx)
	})
	e.jobs.Register(jobIterateService, func(ctx context.Context, kwargs json.RawMessage) error {
		var kw iterateKwargs
		if err := json.Unmarshal(kwargs, &kw); err != nil {
			return fmt.Errorf("decode iterate kwargs: %w", err)
		}
		return e.IterateService(ctx, kw.ServiceID)
	})
	_, err := e.jobs.Add(ctx, jobIterateServices, time.Now(), jobIterateServices, nil, true, sweepInterval)
	return err
}

// Sweep is one scheduling pass: admit waiting services up to the bound, then
// evaluate the dependency gate for every running service.
func (e *Engine) Sweep(ctx context.Context) error {
	promoted, err := e.store.PromoteServices(ctx, e.maxActive)
	if err != nil {
		return fmt.Errorf("promote services: %w", err)
	}
	for _, svc := range promoted {
		e.log.Info("service admitted", zap.String("service_id", svc.ID), zap.String("kind", svc.Kind))
	}

	running, err := e.store.ListRunningServices(ctx)
	if err != nil {
		return fmt.Errorf("list running services: %w", err)
	}
	for _, svc := range running {
		deps, err := e.store.ServiceDependencyStatuses(ctx, svc.ID)
		if err != nil {
			e.log.Warn("dependency status check failed", zap.String("service_id", svc.ID), zap.Error(err))
			continue
		}
		pending := false
		var failed *models.DependencyStatus
		for i := range deps {
			switch {
			case deps[i].Status == models.RecordComplete:
			case deps[i].Status.Terminal():
				failed = &deps[i]
			default:
				pending = true
			}
			if failed != nil {
				break
			}
		}

		switch {
		case failed != nil:
			// One bad dependency fails the whole service, without iterating.
			msg := fmt.Sprintf("dependency %s (%s) finished as %s", failed.RecordID, failed.Extras, failed.Status)
			if err := e.store.MarkServiceError(ctx, svc.ID, ProvenanceDependencyError, msg); err != nil && !errors.Is(err, store.ErrNotFound) {
				e.log.Error("failed to finalize errored service", zap.String("service_id", svc.ID), zap.Error(err))
				continue
			}
			telemetry.ServiceErrors.Inc()
			e.log.Info("service errored on dependency", zap.String("service_id", svc.ID), zap.String("dependency", failed.RecordID))
		case pending:
			// Re-evaluated on the next pass.
		default:
			// Zero dependencies (fresh start or restart) or all complete.
			if err := e.scheduleIteration(ctx, svc.ID); err != nil {
				e.log.Warn("failed to schedule iteration", zap.String("service_id", svc.ID), zap.Error(err))
			}
		}
	}
	return nil
}

// scheduleIteration enqueues the per-service iteration job. The unique name
// makes concurrent sweeps converge on a single scheduled job per service.
func (e *Engine) scheduleIteration(ctx context.Context, serviceID string) error {
	_, err := e.jobs.Add(ctx, jobIterateService+":"+serviceID, time.Now(), jobIterateService,
		iterateKwargs{ServiceID: serviceID}, true, 0)
	return err
}

// IterateService runs one iteration attempt under the service row lock. All
// iteration failures, including panics in procedure code, are captured as an
// errored record rather than propagated.
func (e *Engine) IterateService(ctx context.Context, serviceID string) (err error) {
	it, err := e.store.BeginServiceIteration(ctx, serviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil // finalized by a concurrent path
		}
		return fmt.Errorf("begin iteration: %w", err)
	}

	var finished bool
	defer func() {
		if finished {
			return
		}
		_ = it.Rollback(ctx)
		msg := "iteration aborted"
		if r := recover(); r != nil {
			msg = fmt.Sprintf("panic during iteration: %v", r)
		} else if err != nil {
			msg = err.Error()
		}
		e.failService(ctx, serviceID, msg)
		err = nil
	}()

	svc := it.Service()
	proc, lookupErr := e.registry.Lookup(svc.Kind)
	if lookupErr != nil {
		err = lookupErr
		return err
	}

	if !it.Initialized() {
		if err = proc.Initialize(ctx, it); err != nil {
			return err
		}
		it.MarkInitialized()
	} else {
		var done bool
		var outputs []byte
		done, outputs, err = proc.Iterate(ctx, it)
		if err != nil {
			return err
		}
		if done {
			if err = it.Complete(ctx, outputs); err != nil {
				return err
			}
			e.log.Info("service complete", zap.String("service_id", serviceID), zap.String("kind", svc.Kind))
		}
	}

	if err = it.Commit(ctx); err != nil {
		return err
	}
	finished = true
	telemetry.ServiceIterations.Inc()
	return nil
}

// failService records an iteration failure as data: history entry plus record
// status, never an error surfaced to callers.
func (e *Engine) failService(ctx context.Context, serviceID, message string) {
	if err := e.store.MarkServiceError(ctx, serviceID, ProvenanceIterationError, message); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.log.Error("failed to record iteration error", zap.String("service_id", serviceID), zap.Error(err))
		return
	}
	telemetry.ServiceErrors.Inc()
	e.log.Warn("service iteration failed", zap.String("service_id", serviceID), zap.String("error", message))
}
