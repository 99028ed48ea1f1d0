package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"compute-orchestrator/internal/api"
	"compute-orchestrator/internal/config"
	"compute-orchestrator/internal/models"
	"compute-orchestrator/internal/results"
)

// Manager is the client-side scheduling loop: it claims tasks matching its
// executors' capabilities, polls their futures, and pushes finished results
// back, tolerating transient server unavailability. All mutable scheduling
// state is touched only from the single Run goroutine, so no locking is
// needed beyond the stop channel.
type Manager struct {
	cfg       config.Config
	client    *Client
	log       *zap.Logger
	name      string
	executors []Executor

	stopOnce sync.Once
	stopCh   chan struct{}

	// Scheduler-goroutine-only state.
	inflight   map[string]map[string]*inflightTask // executor name -> task id
	deferred   []deferredBatch
	hbFailures int
	idleSince  time.Time
	cpuHours   float64
	serverOK   bool

	heartbeatFrequency time.Duration
	heartbeatMaxMissed int
	jitterFraction     float64
}

type inflightTask struct {
	task    models.Task
	future  Future
	started time.Time
	cores   int
	memory  float64
}

// deferredBatch is a push that failed on a transient network error. Deferral
// happens at batch granularity: either the whole push happened or none of it.
type deferredBatch struct {
	results  map[string]models.TaskResult
	attempts int
}

// New constructs a manager. The generated name is unique per process:
// cluster, hostname and a random suffix.
func New(cfg config.Config, client *Client, log *zap.Logger, executors ...Executor) *Manager {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	name := fmt.Sprintf("%s-%s-%s", cfg.ClusterName, hostname, uuid.New().String()[:8])
	m := &Manager{
		cfg:                cfg,
		client:             client,
		log:                log.With(zap.String("manager", name)),
		name:               name,
		executors:          executors,
		stopCh:             make(chan struct{}),
		inflight:           make(map[string]map[string]*inflightTask),
		heartbeatFrequency: cfg.HeartbeatFrequency,
		heartbeatMaxMissed: cfg.HeartbeatMaxMiss,
		jitterFraction:     cfg.JitterFraction,
	}
	for _, ex := range executors {
		m.inflight[ex.Name()] = make(map[string]*inflightTask)
	}
	return m
}

func (m *Manager) Name() string { return m.name }

// Stop interrupts the scheduler. Safe to call from a signal handler; an
// in-progress HTTP call completes or times out on its own.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Run drives the scheduling loop until Stop or a fatal condition. On the way
// out it performs one final non-claiming update to flush finishable results,
// then deactivates with the server; a failed deactivation is logged but not
// fatal since the server's heartbeat timeout is the backstop.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.activate(ctx); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	m.log.Info("manager started",
		zap.Duration("update_frequency", m.cfg.UpdateFrequency),
		zap.Duration("heartbeat_frequency", m.heartbeatFrequency))

	heartbeat := time.NewTimer(m.jittered(m.heartbeatFrequency))
	update := time.NewTimer(m.jittered(m.cfg.UpdateFrequency))
	defer heartbeat.Stop()
	defer update.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown(context.Background())
			return ctx.Err()
		case <-m.stopCh:
			m.shutdown(ctx)
			return nil
		case <-heartbeat.C:
			m.heartbeat(ctx)
			heartbeat.Reset(m.jittered(m.heartbeatFrequency))
		case <-update.C:
			m.update(ctx, true)
			update.Reset(m.jittered(m.cfg.UpdateFrequency))
		}
	}
}

func (m *Manager) activate(ctx context.Context) error {
	tags := map[string]struct{}{}
	for _, ex := range m.executors {
		for _, t := range ex.ComputeTags() {
			tags[t] = struct{}{}
		}
	}
	allTags := make([]string, 0, len(tags))
	for t := range tags {
		allTags = append(allTags, t)
	}
	resp, err := m.client.Activate(ctx, api.ActivateRequest{
		Name:        m.name,
		Programs:    m.cfg.Programs,
		ComputeTags: allTags,
	})
	if err != nil {
		return err
	}
	// The server's scheduling configuration wins over local defaults.
	if resp.HeartbeatFrequencySeconds > 0 {
		m.heartbeatFrequency = time.Duration(resp.HeartbeatFrequencySeconds * float64(time.Second))
	}
	if resp.HeartbeatMaxMissed > 0 {
		m.heartbeatMaxMissed = resp.HeartbeatMaxMissed
	}
	if resp.JitterFraction > 0 {
		m.jitterFraction = resp.JitterFraction
	}
	m.serverOK = true
	return nil
}

func (m *Manager) shutdown(ctx context.Context) {
	m.update(ctx, false)
	err := m.client.Deactivate(ctx, api.DeactivateRequest{
		Name:       m.name,
		FinalStats: m.stats(),
	})
	if err != nil {
		m.log.Warn("deactivate failed, relying on server heartbeat timeout", zap.Error(err))
	}
	m.log.Info("manager stopped",
		zap.Float64("total_cpu_hours", m.cpuHours),
		zap.Int("results_still_deferred", len(m.deferred)))
}

// heartbeat reports load; too many consecutive failures trigger self-shutdown
// since the server will have reset our tasks anyway.
func (m *Manager) heartbeat(ctx context.Context) {
	err := m.client.Heartbeat(ctx, api.HeartbeatRequest{Name: m.name, Stats: m.stats()})
	if err == nil {
		m.hbFailures = 0
		return
	}
	var se *StatusError
	if errors.As(err, &se) && se.Code == 404 {
		// Server lost our registration (restart or timeout); re-activate.
		if aerr := m.activate(ctx); aerr == nil {
			m.hbFailures = 0
			m.log.Info("re-activated after server forgot us")
			return
		}
	}
	m.hbFailures++
	m.log.Warn("heartbeat failed", zap.Int("consecutive", m.hbFailures), zap.Error(err))
	if m.hbFailures > m.heartbeatMaxMissed {
		m.log.Error("too many missed heartbeats, shutting down")
		m.Stop()
	}
}

// update is one scheduling pass: flush deferred results, harvest finished
// futures, push new results, refresh stats, then claim up to open capacity.
func (m *Manager) update(ctx context.Context, allowClaim bool) {
	m.serverOK = true
	m.retryDeferred(ctx)

	finished := m.harvestFinished()
	if len(finished) > 0 {
		m.pushResults(ctx, finished)
	}

	active := m.activeCount()
	if m.cfg.MaxIdleTime > 0 {
		if active == 0 && len(m.deferred) == 0 {
			if m.idleSince.IsZero() {
				m.idleSince = time.Now()
			} else if time.Since(m.idleSince) >= m.cfg.MaxIdleTime {
				m.log.Info("idle for too long, shutting down", zap.Duration("max_idle_time", m.cfg.MaxIdleTime))
				m.Stop()
				return
			}
		} else {
			m.idleSince = time.Time{}
		}
	}

	if allowClaim && m.serverOK {
		m.claimOpenCapacity(ctx)
	}
}

// retryDeferred pushes previously deferred batches, oldest first. Batches
// that fail again stay deferred with an incremented attempt counter; they are
// retried on every update until the push succeeds or the manager dies.
func (m *Manager) retryDeferred(ctx context.Context) {
	if len(m.deferred) == 0 {
		return
	}
	var still []deferredBatch
	for _, batch := range m.deferred {
		meta, err := m.client.Return(ctx, api.ReturnRequest{ManagerName: m.name, Results: batch.results})
		if err != nil {
			if retriablePush(err) {
				batch.attempts++
				still = append(still, batch)
				m.serverOK = false
				if batch.attempts%10 == 0 {
					m.log.Warn("deferred results still unpushable",
						zap.Int("attempts", batch.attempts),
						zap.Int("results", len(batch.results)))
				}
				continue
			}
			m.log.Error("deferred push rejected by server, dropping batch", zap.Error(err))
			continue
		}
		m.log.Info("deferred results pushed",
			zap.Int("accepted", len(meta.AcceptedIDs)),
			zap.Int("rejected", len(meta.Rejected)),
			zap.Int("attempts", batch.attempts+1))
	}
	m.deferred = still
}

// harvestFinished collects completed futures into compressed results. Failures
// (including lost workers) become success=false results, never dropped tasks.
func (m *Manager) harvestFinished() map[string]models.TaskResult {
	finished := make(map[string]models.TaskResult)
	for _, tasks := range m.inflight {
		for taskID, inf := range tasks {
			if !inf.future.Done() {
				continue
			}
			payload, err := inf.future.Result()
			res := models.TaskResult{Provenance: m.name}
			if err != nil {
				res.Success = false
				errBlob, _ := json.Marshal(map[string]string{
					"error":    err.Error(),
					"function": inf.task.Function,
				})
				res.Payload = results.Compress(errBlob)
			} else {
				res.Success = true
				res.Payload = results.Compress(payload)
			}
			finished[taskID] = res
			m.cpuHours += time.Since(inf.started).Hours() * float64(inf.cores)
			delete(tasks, taskID)
		}
	}
	return finished
}

// pushResults sends one batch; a transient failure defers the entire batch
// rather than attempting partial retry bookkeeping.
func (m *Manager) pushResults(ctx context.Context, batch map[string]models.TaskResult) {
	meta, err := m.client.Return(ctx, api.ReturnRequest{ManagerName: m.name, Results: batch})
	if err != nil {
		if retriablePush(err) {
			m.serverOK = false
			m.deferred = append(m.deferred, deferredBatch{results: batch, attempts: 1})
			m.log.Warn("result push deferred", zap.Int("results", len(batch)), zap.Error(err))
			return
		}
		m.log.Error("result push rejected by server, dropping batch", zap.Int("results", len(batch)), zap.Error(err))
		return
	}
	m.log.Info("results pushed",
		zap.Int("accepted", len(meta.AcceptedIDs)),
		zap.Int("rejected", len(meta.Rejected)))
	for _, rej := range meta.Rejected {
		m.log.Warn("result rejected", zap.String("task_id", rej.TaskID), zap.String("reason", rej.Reason))
	}
}

// retriablePush reports whether a failed push may have left the results
// uncommitted on the server: transport failures and 5xx responses. Only a
// 4xx-class rejection proves the server processed the request, so only those
// drop the batch.
func retriablePush(err error) bool {
	if errors.Is(err, ErrUnreachable) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 500
}

// claimOpenCapacity claims new tasks per executor up to 3x its concurrency,
// keeping a buffer of queued work without hoarding the global pool.
func (m *Manager) claimOpenCapacity(ctx context.Context) {
	for _, ex := range m.executors {
		open := 3*ex.Slots() - len(m.inflight[ex.Name()])
		if open <= 0 {
			continue
		}
		tasks, err := m.client.Claim(ctx, api.ClaimRequest{
			ManagerName: m.name,
			Programs:    m.cfg.Programs,
			ComputeTags: ex.ComputeTags(),
			Limit:       open,
		})
		if err != nil {
			if errors.Is(err, ErrUnreachable) {
				m.serverOK = false
				return
			}
			m.log.Warn("claim failed", zap.String("executor", ex.Name()), zap.Error(err))
			continue
		}
		for _, task := range tasks {
			fut, err := ex.Submit(task)
			if err != nil {
				// Submission failure is an execution failure: report it.
				m.inflight[ex.Name()][task.ID] = &inflightTask{
					task:    task,
					future:  completedFuture(nil, fmt.Errorf("submit failed: %w", err)),
					started: time.Now(),
				}
				continue
			}
			m.inflight[ex.Name()][task.ID] = &inflightTask{
				task:    task,
				future:  fut,
				started: time.Now(),
				cores:   ex.CoresPerWorker(),
				memory:  ex.MemoryPerWorkerMB(),
			}
		}
		if len(tasks) > 0 {
			m.log.Info("tasks claimed", zap.String("executor", ex.Name()), zap.Int("count", len(tasks)))
		}
	}
}

func (m *Manager) activeCount() int {
	n := 0
	for _, tasks := range m.inflight {
		n += len(tasks)
	}
	return n
}

func (m *Manager) stats() models.ManagerStats {
	st := models.ManagerStats{TotalCPUHours: m.cpuHours}
	for _, tasks := range m.inflight {
		for _, inf := range tasks {
			st.ActiveTasks++
			st.ActiveCores += inf.cores
			st.ActiveMemory += inf.memory
		}
	}
	return st
}

// jittered spreads periodic work by +-jitterFraction around the base period.
func (m *Manager) jittered(base time.Duration) time.Duration {
	if base <= 0 {
		return time.Second
	}
	f := m.jitterFraction
	if f <= 0 {
		return base
	}
	delta := (rand.Float64()*2 - 1) * f * float64(base)
	return base + time.Duration(delta)
}
