package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"compute-orchestrator/internal/config"
	"compute-orchestrator/internal/models"
	"compute-orchestrator/internal/ratelimit"
	"compute-orchestrator/internal/results"
	"compute-orchestrator/internal/services"
	"compute-orchestrator/internal/store"
	"compute-orchestrator/internal/telemetry"
)

// Server wires the HTTP surface consumed by clients and compute managers.
type Server struct {
	cfg      config.Config
	store    store.Store
	registry *services.Registry
	limiter  *ratelimit.ClaimLimiter
	archive  *results.Archive
	log      *zap.Logger
}

// New constructs the API server. limiter and archive may be nil.
func New(cfg config.Config, st store.Store, reg *services.Registry, limiter *ratelimit.ClaimLimiter, archive *results.Archive, log *zap.Logger) *Server {
	return &Server{cfg: cfg, store: st, registry: reg, limiter: limiter, archive: archive, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/records", s.handleSubmit)
	r.Get("/records/{id}", s.handleGetRecord)
	r.Delete("/records/{id}", s.handleDeleteRecord)

	r.Post("/tasks/claim", s.handleClaim)
	r.Post("/tasks/return", s.handleReturn)

	r.Post("/managers/activate", s.handleActivate)
	r.Post("/managers/heartbeat", s.handleHeartbeat)
	r.Post("/managers/deactivate", s.handleDeactivate)
	return r
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	switch {
	case req.Task != nil && req.Service == nil:
		if req.Task.Function == "" {
			http.Error(w, "function is required", http.StatusBadRequest)
			return
		}
		rec, err := s.store.SubmitTask(r.Context(), store.TaskSpec{
			ComputeTag:       req.Task.ComputeTag,
			Priority:         req.Task.Priority,
			RequiredPrograms: req.Task.RequiredPrograms,
			Function:         req.Task.Function,
			FunctionKwargs:   req.Task.FunctionKwargs,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		telemetry.TasksSubmitted.Inc()
		writeJSON(w, http.StatusCreated, SubmitResponse{Record: rec})
	case req.Service != nil && req.Task == nil:
		proc, err := s.registry.Lookup(req.Service.Kind)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		state, err := proc.NewState(req.Service.Input)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec, err := s.store.SubmitService(r.Context(), store.ServiceSpec{
			Kind:       req.Service.Kind,
			ComputeTag: req.Service.ComputeTag,
			Priority:   req.Service.Priority,
			State:      state,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, SubmitResponse{Record: rec})
	default:
		http.Error(w, "exactly one of task or service is required", http.StatusBadRequest)
	}
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.GetRecord(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	history, err := s.store.GetHistory(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, RecordResponse{Record: rec, History: history})
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var err error
	if r.URL.Query().Get("hard") == "true" {
		err = s.store.DeleteRecord(r.Context(), id)
	} else {
		err = s.store.SoftDeleteRecord(r.Context(), id)
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ManagerName == "" {
		http.Error(w, "manager_name is required", http.StatusBadRequest)
		return
	}
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), req.ManagerName)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.ClaimRateLimited.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.ClaimDefaultLimit
	}
	tasks, err := s.store.ClaimTasks(r.Context(), req.ManagerName, req.Programs, req.ComputeTags, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.TasksClaimed.Add(float64(len(tasks)))
	writeJSON(w, http.StatusOK, ClaimResponse{Tasks: tasks})
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request) {
	var req ReturnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ManagerName == "" {
		http.Error(w, "manager_name is required", http.StatusBadRequest)
		return
	}
	meta, err := s.store.ReturnTasks(r.Context(), req.ManagerName, req.Results)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.TasksReturned.Add(float64(len(meta.AcceptedIDs)))
	telemetry.TasksRejected.Add(float64(len(meta.Rejected)))
	for taskID, recordID := range meta.AcceptedRecords {
		s.archive.Store(r.Context(), recordID, req.Results[taskID].Payload)
	}
	s.log.Info("results returned",
		zap.String("manager", req.ManagerName),
		zap.Int("accepted", len(meta.AcceptedIDs)),
		zap.Int("rejected", len(meta.Rejected)))
	writeJSON(w, http.StatusOK, ReturnResponse{TaskReturnMetadata: meta})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	err := s.store.ActivateManager(r.Context(), models.Manager{
		Name:        req.Name,
		Programs:    req.Programs,
		ComputeTags: req.ComputeTags,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info("manager activated", zap.String("manager", req.Name), zap.String("version", req.ManagerVersion))
	writeJSON(w, http.StatusOK, ActivateResponse{
		HeartbeatFrequencySeconds: s.cfg.ManagerHeartbeatFrequency.Seconds(),
		JitterFraction:            s.cfg.ManagerJitterFraction,
		HeartbeatMaxMissed:        s.cfg.ManagerHeartbeatMaxMissed,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	err := s.store.ManagerHeartbeat(r.Context(), req.Name, req.Stats)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "manager not registered", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	var req DeactivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.store.DeactivateManager(r.Context(), req.Name); err != nil && !errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	reset, err := s.store.ResetTasks(r.Context(), req.Name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.TasksReset.Add(float64(reset))
	s.log.Info("manager deactivated",
		zap.String("manager", req.Name),
		zap.Int("tasks_reset", reset),
		zap.Float64("total_cpu_hours", req.FinalStats.TotalCPUHours))
	writeJSON(w, http.StatusOK, map[string]any{"status": "deactivated", "tasks_reset": reset})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
