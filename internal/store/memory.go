package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"compute-orchestrator/internal/models"
)

// MemoryStore is a mutex-guarded Store used in tests and local development.
// Per-service iteration locks mirror the FOR UPDATE serialization of the
// Postgres implementation; iteration writes are staged and applied on Commit
// so Rollback leaves no trace.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]models.Record
	history  map[string][]models.ComputeHistoryEntry
	tasks    map[string]models.Task
	taskSeq  map[string]int64
	services map[string]models.Service
	svcInit  map[string]bool
	deps     map[string]map[models.ServiceDependency]struct{}
	managers map[string]models.Manager
	svcLocks map[string]*sync.Mutex
	seq      int64
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]models.Record),
		history:  make(map[string][]models.ComputeHistoryEntry),
		tasks:    make(map[string]models.Task),
		taskSeq:  make(map[string]int64),
		services: make(map[string]models.Service),
		svcInit:  make(map[string]bool),
		deps:     make(map[string]map[models.ServiceDependency]struct{}),
		managers: make(map[string]models.Manager),
		svcLocks: make(map[string]*sync.Mutex),
	}
}

func (m *MemoryStore) Close() {}

func (m *MemoryStore) SubmitTask(_ context.Context, spec TaskSpec) (models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertTaskLocked(spec), nil
}

func (m *MemoryStore) insertTaskLocked(spec TaskSpec) models.Record {
	if spec.ComputeTag == "" {
		spec.ComputeTag = "default"
	}
	now := time.Now().UTC()
	rec := models.Record{ID: uuid.New().String(), Status: models.RecordWaiting, CreatedAt: now, UpdatedAt: now}
	task := models.Task{
		ID:               uuid.New().String(),
		RecordID:         rec.ID,
		ComputeTag:       spec.ComputeTag,
		Priority:         spec.Priority,
		RequiredPrograms: append([]string(nil), spec.RequiredPrograms...),
		Function:         spec.Function,
		FunctionKwargs:   append([]byte(nil), spec.FunctionKwargs...),
		CreatedOn:        now,
	}
	m.seq++
	m.records[rec.ID] = rec
	m.tasks[task.ID] = task
	m.taskSeq[task.ID] = m.seq
	return rec
}

func (m *MemoryStore) SubmitService(_ context.Context, spec ServiceSpec) (models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if spec.ComputeTag == "" {
		spec.ComputeTag = "default"
	}
	now := time.Now().UTC()
	rec := models.Record{ID: uuid.New().String(), IsService: true, Status: models.RecordWaiting, CreatedAt: now, UpdatedAt: now}
	svc := models.Service{
		ID:         uuid.New().String(),
		RecordID:   rec.ID,
		Kind:       spec.Kind,
		ComputeTag: spec.ComputeTag,
		Priority:   spec.Priority,
		State:      append([]byte(nil), spec.State...),
		CreatedOn:  now,
	}
	m.seq++
	m.records[rec.ID] = rec
	m.services[svc.ID] = svc
	m.deps[svc.ID] = make(map[models.ServiceDependency]struct{})
	return rec, nil
}

func (m *MemoryStore) GetRecord(_ context.Context, id string) (models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return models.Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) GetHistory(_ context.Context, recordID string) ([]models.ComputeHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ComputeHistoryEntry(nil), m.history[recordID]...), nil
}

func (m *MemoryStore) SoftDeleteRecord(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = models.RecordDeleted
	rec.ManagerName = nil
	rec.UpdatedAt = time.Now().UTC()
	m.records[id] = rec
	m.removeAttachmentsLocked(id)
	return nil
}

func (m *MemoryStore) DeleteRecord(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	delete(m.history, id)
	m.removeAttachmentsLocked(id)
	for svcID, set := range m.deps {
		for d := range set {
			if d.RecordID == id {
				delete(set, d)
			}
		}
		_ = svcID
	}
	return nil
}

func (m *MemoryStore) removeAttachmentsLocked(recordID string) {
	for tid, t := range m.tasks {
		if t.RecordID == recordID {
			delete(m.tasks, tid)
			delete(m.taskSeq, tid)
		}
	}
	for sid, s := range m.services {
		if s.RecordID == recordID {
			delete(m.services, sid)
			delete(m.deps, sid)
		}
	}
}

func (m *MemoryStore) ClaimTasks(_ context.Context, managerName string, programs map[string]string, tags []string, limit int) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		return nil, nil
	}
	wildcard := false
	tagSet := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if t == models.WildcardTag {
			wildcard = true
		}
		tagSet[t] = struct{}{}
	}

	var candidates []models.Task
	for _, t := range m.tasks {
		rec, ok := m.records[t.RecordID]
		if !ok || rec.Status != models.RecordWaiting {
			continue
		}
		if !wildcard {
			if _, ok := tagSet[t.ComputeTag]; !ok {
				continue
			}
		}
		if !programsSatisfied(t.RequiredPrograms, programs) {
			continue
		}
		candidates = append(candidates, t)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedOn.Equal(b.CreatedOn) {
			return a.CreatedOn.Before(b.CreatedOn)
		}
		return m.taskSeq[a.ID] < m.taskSeq[b.ID]
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	now := time.Now().UTC()
	for _, t := range candidates {
		rec := m.records[t.RecordID]
		rec.Status = models.RecordRunning
		name := managerName
		rec.ManagerName = &name
		rec.UpdatedAt = now
		m.records[t.RecordID] = rec
	}
	if mgr, ok := m.managers[managerName]; ok && len(candidates) > 0 {
		mgr.ClaimedTasks += len(candidates)
		mgr.LastSeen = now
		m.managers[managerName] = mgr
	}
	return candidates, nil
}

func programsSatisfied(required []string, available map[string]string) bool {
	for _, p := range required {
		if _, ok := available[p]; !ok {
			return false
		}
	}
	return true
}

func (m *MemoryStore) ReturnTasks(_ context.Context, managerName string, results map[string]models.TaskResult) (models.TaskReturnMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var meta models.TaskReturnMetadata
	now := time.Now().UTC()
	for taskID, res := range results {
		task, ok := m.tasks[taskID]
		if !ok {
			meta.Rejected = append(meta.Rejected, models.TaskRejection{TaskID: taskID, Reason: RejectNotOwned})
			continue
		}
		rec := m.records[task.RecordID]
		if rec.ManagerName == nil || *rec.ManagerName != managerName {
			meta.Rejected = append(meta.Rejected, models.TaskRejection{TaskID: taskID, Reason: RejectNotOwned})
			continue
		}
		status := models.RecordComplete
		if !res.Success {
			status = models.RecordError
		}
		m.history[rec.ID] = append(m.history[rec.ID], models.ComputeHistoryEntry{
			RecordID:    rec.ID,
			Status:      status,
			ManagerName: managerName,
			ModifiedOn:  now,
			Provenance:  res.Provenance,
			Outputs:     append([]byte(nil), res.Payload...),
		})
		delete(m.tasks, taskID)
		delete(m.taskSeq, taskID)
		rec.Status = status
		rec.UpdatedAt = now
		m.records[rec.ID] = rec
		meta.AcceptedIDs = append(meta.AcceptedIDs, taskID)
		if meta.AcceptedRecords == nil {
			meta.AcceptedRecords = make(map[string]string)
		}
		meta.AcceptedRecords[taskID] = rec.ID
	}
	if mgr, ok := m.managers[managerName]; ok && len(meta.AcceptedIDs) > 0 {
		mgr.ReturnedTasks += len(meta.AcceptedIDs)
		mgr.LastSeen = now
		m.managers[managerName] = mgr
	}
	return meta, nil
}

func (m *MemoryStore) ResetTasks(_ context.Context, managerName string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	now := time.Now().UTC()
	for _, t := range m.tasks {
		rec := m.records[t.RecordID]
		if rec.Status == models.RecordRunning && rec.ManagerName != nil && *rec.ManagerName == managerName {
			rec.Status = models.RecordWaiting
			rec.ManagerName = nil
			rec.UpdatedAt = now
			m.records[t.RecordID] = rec
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) PromoteServices(_ context.Context, maxActive int) ([]models.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	running := 0
	var waiting []models.Service
	for _, svc := range m.services {
		switch m.records[svc.RecordID].Status {
		case models.RecordRunning:
			running++
		case models.RecordWaiting:
			waiting = append(waiting, svc)
		}
	}
	slots := maxActive - running
	if slots <= 0 || len(waiting) == 0 {
		return nil, nil
	}
	sort.Slice(waiting, func(i, j int) bool {
		a, b := waiting[i], waiting[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.CreatedOn.Before(b.CreatedOn)
	})
	if len(waiting) > slots {
		waiting = waiting[:slots]
	}
	now := time.Now().UTC()
	for _, svc := range waiting {
		rec := m.records[svc.RecordID]
		rec.Status = models.RecordRunning
		rec.UpdatedAt = now
		m.records[svc.RecordID] = rec
	}
	return waiting, nil
}

func (m *MemoryStore) ListRunningServices(_ context.Context) ([]models.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Service
	for _, svc := range m.services {
		if m.records[svc.RecordID].Status == models.RecordRunning {
			out = append(out, svc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.CreatedOn.Before(b.CreatedOn)
	})
	return out, nil
}

func (m *MemoryStore) ServiceDependencyStatuses(_ context.Context, serviceID string) ([]models.DependencyStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DependencyStatus
	for d := range m.deps[serviceID] {
		out = append(out, models.DependencyStatus{
			RecordID: d.RecordID,
			Extras:   d.Extras,
			Status:   m.records[d.RecordID].Status,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Extras < out[j].Extras })
	return out, nil
}

func (m *MemoryStore) MarkServiceError(_ context.Context, serviceID, provenance, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[serviceID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	m.history[svc.RecordID] = append(m.history[svc.RecordID], models.ComputeHistoryEntry{
		RecordID:   svc.RecordID,
		Status:     models.RecordError,
		ModifiedOn: now,
		Provenance: provenance,
		Outputs:    []byte(message),
	})
	rec := m.records[svc.RecordID]
	rec.Status = models.RecordError
	rec.UpdatedAt = now
	m.records[svc.RecordID] = rec
	delete(m.services, serviceID)
	delete(m.deps, serviceID)
	return nil
}

func (m *MemoryStore) BeginServiceIteration(_ context.Context, serviceID string) (ServiceIteration, error) {
	m.mu.Lock()
	lock, ok := m.svcLocks[serviceID]
	if !ok {
		lock = &sync.Mutex{}
		m.svcLocks[serviceID] = lock
	}
	m.mu.Unlock()

	lock.Lock() // serializes iterations of this service

	m.mu.Lock()
	svc, ok := m.services[serviceID]
	initialized := m.svcInit[serviceID]
	m.mu.Unlock()
	if !ok {
		lock.Unlock()
		return nil, ErrNotFound
	}
	return &memIteration{st: m, svc: svc, initialized: initialized, lock: lock}, nil
}

type spawnedTask struct {
	spec   TaskSpec
	id     string
	taskID string
	extras string
}

type memIteration struct {
	st          *MemoryStore
	svc         models.Service
	initialized bool
	lock        *sync.Mutex
	finished    bool

	stateDirty bool
	newState   []byte
	markInit   bool
	clearDeps  bool
	addedDeps  []models.ServiceDependency
	spawned    []spawnedTask
	completed  bool
	outputs    []byte
}

func (it *memIteration) Service() models.Service { return it.svc }
func (it *memIteration) Initialized() bool       { return it.initialized }

func (it *memIteration) SetState(state []byte) {
	it.newState = append([]byte(nil), state...)
	it.stateDirty = true
}

func (it *memIteration) MarkInitialized() { it.markInit = true }

func (it *memIteration) DependencyOutputs(_ context.Context) ([]DependencyOutput, error) {
	it.st.mu.Lock()
	defer it.st.mu.Unlock()
	var out []DependencyOutput
	for d := range it.st.deps[it.svc.ID] {
		dep := DependencyOutput{
			RecordID: d.RecordID,
			Extras:   d.Extras,
			Status:   it.st.records[d.RecordID].Status,
		}
		if hist := it.st.history[d.RecordID]; len(hist) > 0 {
			dep.Outputs = hist[len(hist)-1].Outputs
		}
		out = append(out, dep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Extras < out[j].Extras })
	return out, nil
}

func (it *memIteration) ClearDependencies(_ context.Context) error {
	it.clearDeps = true
	return nil
}

func (it *memIteration) AddDependency(_ context.Context, recordID, extras string) error {
	it.addedDeps = append(it.addedDeps, models.ServiceDependency{
		ServiceID: it.svc.ID,
		RecordID:  recordID,
		Extras:    extras,
	})
	return nil
}

func (it *memIteration) SpawnTask(_ context.Context, spec TaskSpec, extras string) (string, error) {
	if spec.ComputeTag == "" {
		spec.ComputeTag = it.svc.ComputeTag
	}
	id := uuid.New().String()
	it.spawned = append(it.spawned, spawnedTask{spec: spec, id: id, taskID: uuid.New().String(), extras: extras})
	return id, nil
}

func (it *memIteration) Complete(_ context.Context, outputs []byte) error {
	it.completed = true
	it.outputs = append([]byte(nil), outputs...)
	return nil
}

func (it *memIteration) Commit(_ context.Context) error {
	st := it.st
	st.mu.Lock()
	defer func() {
		st.mu.Unlock()
		it.release()
	}()

	now := time.Now().UTC()
	if it.clearDeps {
		st.deps[it.svc.ID] = make(map[models.ServiceDependency]struct{})
	}
	if st.deps[it.svc.ID] == nil {
		st.deps[it.svc.ID] = make(map[models.ServiceDependency]struct{})
	}
	for _, sp := range it.spawned {
		rec := models.Record{ID: sp.id, Status: models.RecordWaiting, CreatedAt: now, UpdatedAt: now}
		st.seq++
		st.records[rec.ID] = rec
		st.tasks[sp.taskID] = models.Task{
			ID:               sp.taskID,
			RecordID:         rec.ID,
			ComputeTag:       sp.spec.ComputeTag,
			Priority:         sp.spec.Priority,
			RequiredPrograms: append([]string(nil), sp.spec.RequiredPrograms...),
			Function:         sp.spec.Function,
			FunctionKwargs:   append([]byte(nil), sp.spec.FunctionKwargs...),
			CreatedOn:        now,
		}
		st.taskSeq[sp.taskID] = st.seq
		st.deps[it.svc.ID][models.ServiceDependency{ServiceID: it.svc.ID, RecordID: rec.ID, Extras: sp.extras}] = struct{}{}
	}
	for _, d := range it.addedDeps {
		st.deps[it.svc.ID][d] = struct{}{}
	}

	if it.completed {
		st.history[it.svc.RecordID] = append(st.history[it.svc.RecordID], models.ComputeHistoryEntry{
			RecordID:   it.svc.RecordID,
			Status:     models.RecordComplete,
			ModifiedOn: now,
			Provenance: "service_completion",
			Outputs:    it.outputs,
		})
		rec := st.records[it.svc.RecordID]
		rec.Status = models.RecordComplete
		rec.UpdatedAt = now
		st.records[it.svc.RecordID] = rec
		delete(st.services, it.svc.ID)
		delete(st.deps, it.svc.ID)
		delete(st.svcInit, it.svc.ID)
		return nil
	}

	if it.stateDirty {
		svc := st.services[it.svc.ID]
		svc.State = it.newState
		st.services[it.svc.ID] = svc
	}
	if it.markInit {
		st.svcInit[it.svc.ID] = true
	}
	return nil
}

func (it *memIteration) Rollback(_ context.Context) error {
	it.release()
	return nil
}

func (it *memIteration) release() {
	if !it.finished {
		it.finished = true
		it.lock.Unlock()
	}
}

func (m *MemoryStore) ActivateManager(_ context.Context, mgr models.Manager) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.managers[mgr.Name]
	if ok {
		mgr.ClaimedTasks = existing.ClaimedTasks
		mgr.ReturnedTasks = existing.ReturnedTasks
		mgr.TotalCPUHours = existing.TotalCPUHours
	}
	mgr.Status = models.ManagerActive
	mgr.LastSeen = time.Now().UTC()
	m.managers[mgr.Name] = mgr
	return nil
}

func (m *MemoryStore) ManagerHeartbeat(_ context.Context, name string, stats models.ManagerStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mgr, ok := m.managers[name]
	if !ok {
		return ErrNotFound
	}
	mgr.Status = models.ManagerActive
	mgr.LastSeen = time.Now().UTC()
	mgr.ActiveTasks = stats.ActiveTasks
	mgr.TotalCPUHours = stats.TotalCPUHours
	m.managers[name] = mgr
	return nil
}

func (m *MemoryStore) DeactivateManager(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mgr, ok := m.managers[name]
	if !ok {
		return ErrNotFound
	}
	mgr.Status = models.ManagerInactive
	mgr.LastSeen = time.Now().UTC()
	m.managers[name] = mgr
	return nil
}

func (m *MemoryStore) GetManager(_ context.Context, name string) (models.Manager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mgr, ok := m.managers[name]
	if !ok {
		return models.Manager{}, ErrNotFound
	}
	return mgr, nil
}

func (m *MemoryStore) ListStaleManagers(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name, mgr := range m.managers {
		if mgr.Status == models.ManagerActive && mgr.LastSeen.Before(cutoff) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) QueueStats(_ context.Context) (QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st QueueStats
	for _, t := range m.tasks {
		switch m.records[t.RecordID].Status {
		case models.RecordWaiting:
			st.WaitingTasks++
		case models.RecordRunning:
			st.RunningTasks++
		}
	}
	for _, svc := range m.services {
		if m.records[svc.RecordID].Status == models.RecordRunning {
			st.RunningServices++
		}
	}
	for _, mgr := range m.managers {
		if mgr.Status == models.ManagerActive {
			st.ActiveManagers++
		}
	}
	return st, nil
}
