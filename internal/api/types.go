package api

import (
	"encoding/json"

	"compute-orchestrator/internal/models"
)

// Wire types shared by the server and the manager client.

type ClaimRequest struct {
	ManagerName string            `json:"manager_name"`
	Programs    map[string]string `json:"programs"`
	ComputeTags []string          `json:"compute_tags"`
	Limit       int               `json:"limit,omitempty"`
}

type ClaimResponse struct {
	Tasks []models.Task `json:"tasks"`
}

type ReturnRequest struct {
	ManagerName string                       `json:"manager_name"`
	Results     map[string]models.TaskResult `json:"results"`
}

type ReturnResponse struct {
	models.TaskReturnMetadata
}

type ActivateRequest struct {
	Name           string            `json:"name"`
	ManagerVersion string            `json:"manager_version,omitempty"`
	Programs       map[string]string `json:"programs"`
	ComputeTags    []string          `json:"compute_tags"`
}

// ActivateResponse carries the scheduling configuration the server wants the
// manager to run with.
type ActivateResponse struct {
	HeartbeatFrequencySeconds float64 `json:"heartbeat_frequency"`
	JitterFraction            float64 `json:"jitter_fraction"`
	HeartbeatMaxMissed        int     `json:"heartbeat_max_missed"`
}

type HeartbeatRequest struct {
	Name  string              `json:"name"`
	Stats models.ManagerStats `json:"stats"`
}

type DeactivateRequest struct {
	Name       string              `json:"name"`
	FinalStats models.ManagerStats `json:"final_stats"`
}

type TaskSubmission struct {
	ComputeTag       string          `json:"compute_tag,omitempty"`
	Priority         int             `json:"priority,omitempty"`
	RequiredPrograms []string        `json:"required_programs,omitempty"`
	Function         string          `json:"function"`
	FunctionKwargs   json.RawMessage `json:"function_kwargs,omitempty"`
}

type ServiceSubmission struct {
	Kind       string          `json:"kind"`
	ComputeTag string          `json:"compute_tag,omitempty"`
	Priority   int             `json:"priority,omitempty"`
	Input      json.RawMessage `json:"input"`
}

// SubmitRequest submits exactly one of a task or a service record.
type SubmitRequest struct {
	Task    *TaskSubmission    `json:"task,omitempty"`
	Service *ServiceSubmission `json:"service,omitempty"`
}

type SubmitResponse struct {
	Record models.Record `json:"record"`
}

type RecordResponse struct {
	Record  models.Record                `json:"record"`
	History []models.ComputeHistoryEntry `json:"history,omitempty"`
}
