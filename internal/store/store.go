package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"compute-orchestrator/internal/models"
)

// ErrNotFound is returned when a record, task, service or manager does not exist.
var ErrNotFound = errors.New("not found")

// RejectNotOwned is the rejection reason for results returned by a manager that
// no longer owns the task (the task was reset after a heartbeat timeout).
const RejectNotOwned = "task is not claimed by this manager"

// TaskSpec collects inputs required to submit an atomic task record.
type TaskSpec struct {
	ComputeTag       string
	Priority         int
	RequiredPrograms []string
	Function         string
	FunctionKwargs   json.RawMessage
}

// ServiceSpec collects inputs required to submit a composite service record.
// State holds the procedure-specific input blob; the store never inspects it.
type ServiceSpec struct {
	Kind       string
	ComputeTag string
	Priority   int
	State      []byte
}

// DependencyOutput is a dependency of a service together with the outputs of
// its most recent compute history entry.
type DependencyOutput struct {
	RecordID string
	Extras   string
	Status   models.RecordStatus
	Outputs  []byte
}

// QueueStats is a point-in-time snapshot used for telemetry.
type QueueStats struct {
	WaitingTasks    int64
	RunningTasks    int64
	RunningServices int64
	ActiveManagers  int64
}

// Store is the persistence contract shared by the Postgres implementation and
// the in-memory implementation used in tests.
type Store interface {
	// Record submission and inspection.
	SubmitTask(ctx context.Context, spec TaskSpec) (models.Record, error)
	SubmitService(ctx context.Context, spec ServiceSpec) (models.Record, error)
	GetRecord(ctx context.Context, id string) (models.Record, error)
	GetHistory(ctx context.Context, recordID string) ([]models.ComputeHistoryEntry, error)
	SoftDeleteRecord(ctx context.Context, id string) error
	DeleteRecord(ctx context.Context, id string) error

	// Task claim/return protocol. ClaimTasks selects up to limit waiting tasks
	// matching the capability map and tag set, ordered by priority desc then
	// creation asc, skipping rows locked by concurrent claimers. ReturnTasks
	// commits accepted entries and rejects entries no longer owned by the
	// manager. ResetTasks releases every running task owned by the manager
	// back to waiting; it is the sole recovery path for manager crashes.
	ClaimTasks(ctx context.Context, managerName string, programs map[string]string, tags []string, limit int) ([]models.Task, error)
	ReturnTasks(ctx context.Context, managerName string, results map[string]models.TaskResult) (models.TaskReturnMetadata, error)
	ResetTasks(ctx context.Context, managerName string) (int, error)

	// Service scheduling. PromoteServices admits waiting services until
	// maxActive are running and returns the newly promoted ones.
	PromoteServices(ctx context.Context, maxActive int) ([]models.Service, error)
	ListRunningServices(ctx context.Context) ([]models.Service, error)
	ServiceDependencyStatuses(ctx context.Context, serviceID string) ([]models.DependencyStatus, error)
	MarkServiceError(ctx context.Context, serviceID, provenance, message string) error
	BeginServiceIteration(ctx context.Context, serviceID string) (ServiceIteration, error)

	// Manager registry.
	ActivateManager(ctx context.Context, m models.Manager) error
	ManagerHeartbeat(ctx context.Context, name string, stats models.ManagerStats) error
	DeactivateManager(ctx context.Context, name string) error
	GetManager(ctx context.Context, name string) (models.Manager, error)
	ListStaleManagers(ctx context.Context, cutoff time.Time) ([]string, error)

	QueueStats(ctx context.Context) (QueueStats, error)
	Close()
}

// ServiceIteration is one serialized iteration attempt for a single service.
// The backing implementation holds a row lock (or equivalent) from Begin until
// Commit or Rollback, so two iterations of the same service can never overlap
// while iterations of different services proceed in parallel.
type ServiceIteration interface {
	Service() models.Service
	Initialized() bool

	SetState(state []byte)
	MarkInitialized()

	DependencyOutputs(ctx context.Context) ([]DependencyOutput, error)
	ClearDependencies(ctx context.Context) error
	// AddDependency is idempotent on (service_id, record_id, extras).
	AddDependency(ctx context.Context, recordID, extras string) error
	// SpawnTask creates a waiting task record and attaches it as a dependency.
	SpawnTask(ctx context.Context, spec TaskSpec, extras string) (string, error)

	// Complete finalizes the owning record, appends the final history entry
	// and deletes the service row. Takes effect on Commit.
	Complete(ctx context.Context, outputs []byte) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
