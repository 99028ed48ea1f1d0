package models

import (
	"encoding/json"
	"time"
)

// RecordStatus enumerates lifecycle states persisted in Postgres.
type RecordStatus string

const (
	RecordWaiting   RecordStatus = "waiting"
	RecordRunning   RecordStatus = "running"
	RecordComplete  RecordStatus = "complete"
	RecordError     RecordStatus = "error"
	RecordCancelled RecordStatus = "cancelled"
	RecordDeleted   RecordStatus = "deleted"
)

// Terminal reports whether a record in this status can no longer change.
func (s RecordStatus) Terminal() bool {
	switch s {
	case RecordComplete, RecordError, RecordCancelled, RecordDeleted:
		return true
	}
	return false
}

// ManagerStatus enumerates compute manager registry states.
type ManagerStatus string

const (
	ManagerActive   ManagerStatus = "active"
	ManagerInactive ManagerStatus = "inactive"
)

// WildcardTag matches any compute tag when present in a manager's tag set.
const WildcardTag = "*"

// Record is any schedulable unit of work: an atomic task or a composite service.
// A record in a non-terminal state has exactly one attached Task or Service.
type Record struct {
	ID          string       `json:"id"`
	IsService   bool         `json:"is_service"`
	Status      RecordStatus `json:"status"`
	ManagerName *string      `json:"manager_name,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// ComputeHistoryEntry is one execution attempt of a record. Rows are append-only.
type ComputeHistoryEntry struct {
	RecordID    string       `json:"record_id"`
	Status      RecordStatus `json:"status"`
	ManagerName string       `json:"manager_name,omitempty"`
	ModifiedOn  time.Time    `json:"modified_on"`
	Provenance  string       `json:"provenance,omitempty"`
	Outputs     []byte       `json:"outputs,omitempty"`
}

// Task is a single claimable unit of compute work, 1:1 with a non-service record.
type Task struct {
	ID               string          `json:"id"`
	RecordID         string          `json:"record_id"`
	ComputeTag       string          `json:"compute_tag"`
	Priority         int             `json:"priority"`
	RequiredPrograms []string        `json:"required_programs"`
	Function         string          `json:"function"`
	FunctionKwargs   json.RawMessage `json:"function_kwargs"`
	CreatedOn        time.Time       `json:"created_on"`
}

// Service is a composite multi-step record. The State blob is owned entirely by
// the procedure implementation; the scheduling engine only passes it through.
type Service struct {
	ID         string    `json:"id"`
	RecordID   string    `json:"record_id"`
	Kind       string    `json:"kind"`
	ComputeTag string    `json:"compute_tag"`
	Priority   int       `json:"priority"`
	State      []byte    `json:"service_state,omitempty"`
	CreatedOn  time.Time `json:"created_on"`
}

// ServiceDependency says "service is waiting on record". Extras carries an
// ordering hint (grid index, chain position) and makes re-insertion idempotent:
// the store enforces uniqueness on (service_id, record_id, extras).
type ServiceDependency struct {
	ServiceID string `json:"service_id"`
	RecordID  string `json:"record_id"`
	Extras    string `json:"extras"`
}

// DependencyStatus pairs a dependency with the current status of its record.
type DependencyStatus struct {
	RecordID string       `json:"record_id"`
	Extras   string       `json:"extras"`
	Status   RecordStatus `json:"status"`
}

// Manager is a registered compute worker pool.
type Manager struct {
	Name          string            `json:"name"`
	Status        ManagerStatus     `json:"status"`
	Programs      map[string]string `json:"programs"`
	ComputeTags   []string          `json:"compute_tags"`
	LastSeen      time.Time         `json:"last_seen"`
	ActiveTasks   int               `json:"active_tasks"`
	ClaimedTasks  int               `json:"claimed_tasks"`
	ReturnedTasks int               `json:"returned_tasks"`
	TotalCPUHours float64           `json:"total_cpu_hours"`
}

// ManagerStats is the load snapshot a manager reports on each heartbeat.
type ManagerStats struct {
	ActiveTasks   int     `json:"active_tasks"`
	ActiveCores   int     `json:"active_cores"`
	ActiveMemory  float64 `json:"active_memory_mb"`
	TotalCPUHours float64 `json:"total_cpu_hours"`
}

// TaskResult is one finished execution pushed back by a manager. Payload is a
// zstd-compressed blob whose contents only the submitter interprets.
type TaskResult struct {
	Success    bool   `json:"success"`
	Payload    []byte `json:"payload"`
	Provenance string `json:"provenance,omitempty"`
}

// TaskRejection explains why one entry of a return batch was not accepted.
type TaskRejection struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// TaskReturnMetadata summarizes a return batch: rejected entries are non-fatal,
// accepted ones are committed regardless. AcceptedRecords maps accepted task
// ids to their record ids.
type TaskReturnMetadata struct {
	AcceptedIDs     []string          `json:"accepted_ids"`
	Rejected        []TaskRejection   `json:"rejected_info"`
	AcceptedRecords map[string]string `json:"accepted_records,omitempty"`
}
