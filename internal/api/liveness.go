package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"compute-orchestrator/internal/jobs"
	"compute-orchestrator/internal/telemetry"
)

// RegisterJobs binds the server-side maintenance jobs: the manager liveness
// sweep that reclaims tasks from dead managers, and the queue stats refresh.
func (s *Server) RegisterJobs(ctx context.Context, sched *jobs.Scheduler) error {
	sched.Register("check_manager_heartbeats", func(ctx context.Context, _ json.RawMessage) error {
		return s.checkManagerHeartbeats(ctx)
	})
	sched.Register("update_queue_stats", func(ctx context.Context, _ json.RawMessage) error {
		return s.updateQueueStats(ctx)
	})

	interval := s.cfg.ManagerHeartbeatFrequency
	if _, err := sched.Add(ctx, "check_manager_heartbeats", time.Now().Add(interval), "check_manager_heartbeats", nil, true, interval); err != nil {
		return fmt.Errorf("schedule heartbeat check: %w", err)
	}
	if _, err := sched.Add(ctx, "update_queue_stats", time.Now(), "update_queue_stats", nil, true, s.cfg.StatsInterval); err != nil {
		return fmt.Errorf("schedule stats refresh: %w", err)
	}
	return nil
}

// checkManagerHeartbeats deactivates managers that missed too many heartbeats
// and releases their tasks back to the pool. This is the server-side backstop
// for crashed or partitioned managers: no task is ever lost, only returned.
func (s *Server) checkManagerHeartbeats(ctx context.Context) error {
	window := time.Duration(s.cfg.ManagerHeartbeatMaxMissed) * s.cfg.ManagerHeartbeatFrequency
	cutoff := time.Now().Add(-window)
	stale, err := s.store.ListStaleManagers(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list stale managers: %w", err)
	}
	for _, name := range stale {
		if err := s.store.DeactivateManager(ctx, name); err != nil {
			s.log.Warn("failed to deactivate stale manager", zap.String("manager", name), zap.Error(err))
			continue
		}
		reset, err := s.store.ResetTasks(ctx, name)
		if err != nil {
			s.log.Error("failed to reset tasks of stale manager", zap.String("manager", name), zap.Error(err))
			continue
		}
		telemetry.TasksReset.Add(float64(reset))
		s.log.Warn("manager timed out",
			zap.String("manager", name),
			zap.Int("tasks_reset", reset),
			zap.Duration("window", window))
	}
	return nil
}

func (s *Server) updateQueueStats(ctx context.Context) error {
	st, err := s.store.QueueStats(ctx)
	if err != nil {
		return err
	}
	telemetry.WaitingTasksGauge.Set(float64(st.WaitingTasks))
	telemetry.RunningTasksGauge.Set(float64(st.RunningTasks))
	telemetry.RunningServicesGauge.Set(float64(st.RunningServices))
	telemetry.ActiveManagersGauge.Set(float64(st.ActiveManagers))
	return nil
}
