package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"compute-orchestrator/internal/config"
	"compute-orchestrator/internal/manager"
)

func main() {
	cfg := config.Load()

	var log *zap.Logger
	var err error
	if cfg.Env == "dev" {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor := manager.NewLocalExecutor(ctx, "local",
		cfg.ComputeTags, cfg.MaxConcurrentSlots, cfg.CoresPerWorker, cfg.MemoryPerWorkerMB)
	registerFunctions(executor)

	client := manager.NewClient(cfg.ServerURL, cfg.RequestTimeout)
	mgr := manager.New(cfg, client, log, executor)

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		log.Info("shutdown signal received")
		mgr.Stop()
	}()

	log.Info("compute manager starting",
		zap.String("name", mgr.Name()),
		zap.String("server", cfg.ServerURL),
		zap.Strings("compute_tags", cfg.ComputeTags))
	if err := mgr.Run(ctx); err != nil {
		log.Error("manager stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

// registerFunctions binds the functions this deployment can execute. Real
// deployments register bindings to their own compute programs here.
func registerFunctions(ex *manager.LocalExecutor) {
	ex.RegisterFunction("echo", func(_ context.Context, kwargs json.RawMessage) (json.RawMessage, error) {
		if len(kwargs) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return kwargs, nil
	})
	ex.RegisterFunction("sleep", func(ctx context.Context, kwargs json.RawMessage) (json.RawMessage, error) {
		var args struct {
			Seconds float64 `json:"seconds"`
		}
		if err := json.Unmarshal(kwargs, &args); err != nil {
			return nil, fmt.Errorf("parse kwargs: %w", err)
		}
		select {
		case <-time.After(time.Duration(args.Seconds * float64(time.Second))):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return json.Marshal(map[string]float64{"slept": args.Seconds})
	})
}
