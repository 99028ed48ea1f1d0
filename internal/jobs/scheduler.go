package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"compute-orchestrator/internal/telemetry"
)

// Handler executes one internal job. Kwargs is the blob the job was added with.
type Handler func(ctx context.Context, kwargs json.RawMessage) error

// Scheduler is a generic "run this named function with these kwargs at/after
// this time, optionally repeating" facility backed by Redis. A unique job name
// makes Add idempotent, which is how double-scheduling an iteration for the
// same service is prevented.
type Scheduler struct {
	client       *redis.Client
	log          *zap.Logger
	handlers     map[string]Handler
	scheduledKey string
	metaPrefix   string
	namePrefix   string
}

func NewScheduler(client *redis.Client, log *zap.Logger) *Scheduler {
	return &Scheduler{
		client:       client,
		log:          log,
		handlers:     make(map[string]Handler),
		scheduledKey: "jobs:scheduled",
		metaPrefix:   "jobs:meta:",
		namePrefix:   "jobs:name:",
	}
}

// Register binds a handler to a function name. Adding a job for an
// unregistered function is a programmer error and is rejected at Add time.
func (s *Scheduler) Register(function string, h Handler) {
	if function == "" || h == nil {
		return
	}
	s.handlers[function] = h
}

func (s *Scheduler) metaKey(jobID string) string { return s.metaPrefix + jobID }
func (s *Scheduler) nameKey(name string) string  { return s.namePrefix + name }

// Add schedules a job. With unique set, a second Add under the same name is a
// no-op returning the existing job id. repeat of zero means run once.
func (s *Scheduler) Add(ctx context.Context, name string, at time.Time, function string, kwargs any, unique bool, repeat time.Duration) (string, error) {
	if _, ok := s.handlers[function]; !ok {
		return "", fmt.Errorf("no handler registered for function %q", function)
	}
	kwargsJSON, err := json.Marshal(kwargs)
	if err != nil {
		return "", fmt.Errorf("marshal kwargs: %w", err)
	}
	jobID := uuid.New().String()

	if unique && name != "" {
		set, err := s.client.SetNX(ctx, s.nameKey(name), jobID, 0).Result()
		if err != nil {
			return "", fmt.Errorf("reserve job name: %w", err)
		}
		if !set {
			existing, err := s.client.Get(ctx, s.nameKey(name)).Result()
			if err != nil && err != redis.Nil {
				return "", fmt.Errorf("read existing job name: %w", err)
			}
			if existing != "" {
				err := s.client.ZScore(ctx, s.scheduledKey, existing).Err()
				if err == nil {
					return existing, nil
				}
				if err != redis.Nil {
					return "", fmt.Errorf("check existing job: %w", err)
				}
			}
			// The reserved job is gone from the scheduled set: a crash or a
			// failed re-add stranded the name. Reclaim it so the name can
			// schedule again instead of pointing at nothing forever.
			s.log.Warn("reclaiming stale unique job name",
				zap.String("name", name), zap.String("stale_job_id", existing))
			pipe := s.client.TxPipeline()
			pipe.Del(ctx, s.metaKey(existing))
			pipe.Set(ctx, s.nameKey(name), jobID, 0)
			if _, err := pipe.Exec(ctx); err != nil {
				return "", fmt.Errorf("reclaim job name: %w", err)
			}
		}
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.metaKey(jobID),
		"name", name,
		"function", function,
		"kwargs", string(kwargsJSON),
		"repeat_ms", repeat.Milliseconds(),
	)
	pipe.ZAdd(ctx, s.scheduledKey, redis.Z{Score: float64(at.UnixMilli()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("schedule job: %w", err)
	}
	return jobID, nil
}

// RunDue pops and executes jobs due at now, up to limit. Repeating jobs are
// re-added with their repeat delay; one-shot jobs release their unique name
// after the handler returns.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list due jobs: %w", err)
	}
	ran := 0
	for _, id := range ids {
		removed, err := s.client.ZRem(ctx, s.scheduledKey, id).Result()
		if err != nil {
			return ran, fmt.Errorf("dequeue job: %w", err)
		}
		if removed == 0 {
			continue // another runner got it
		}
		if err := s.runOne(ctx, id, now); err != nil {
			s.log.Error("internal job failed", zap.String("job_id", id), zap.Error(err))
		}
		ran++
	}
	return ran, nil
}

func (s *Scheduler) runOne(ctx context.Context, jobID string, now time.Time) error {
	meta, err := s.client.HGetAll(ctx, s.metaKey(jobID)).Result()
	if err != nil {
		return fmt.Errorf("read job meta: %w", err)
	}
	if len(meta) == 0 {
		return fmt.Errorf("job %s has no metadata", jobID)
	}
	function := meta["function"]
	handler, ok := s.handlers[function]
	if !ok {
		_ = s.cleanup(ctx, jobID, meta["name"])
		return fmt.Errorf("no handler for function %q", function)
	}

	handlerErr := handler(ctx, json.RawMessage(meta["kwargs"]))
	telemetry.InternalJobsRun.Inc()

	var repeat time.Duration
	if ms := meta["repeat_ms"]; ms != "" {
		v, err := strconv.ParseInt(ms, 10, 64)
		if err != nil {
			s.log.Warn("invalid repeat delay on job, treating as one-shot",
				zap.String("job_id", jobID), zap.String("repeat_ms", ms))
		} else {
			repeat = time.Duration(v) * time.Millisecond
		}
	}
	if repeat > 0 {
		if err := s.client.ZAdd(ctx, s.scheduledKey, redis.Z{
			Score:  float64(now.Add(repeat).UnixMilli()),
			Member: jobID,
		}).Err(); err != nil {
			return fmt.Errorf("reschedule repeating job: %w", err)
		}
		return handlerErr
	}
	if err := s.cleanup(ctx, jobID, meta["name"]); err != nil {
		return err
	}
	return handlerErr
}

func (s *Scheduler) cleanup(ctx context.Context, jobID, name string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.metaKey(jobID))
	if name != "" {
		pipe.Del(ctx, s.nameKey(name))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cleanup job: %w", err)
	}
	return nil
}

// Run drives RunDue on a fixed interval until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration, batch int64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunDue(ctx, time.Now(), batch); err != nil {
				s.log.Warn("internal job sweep failed", zap.Error(err))
			}
		}
	}
}
