package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"compute-orchestrator/internal/api"
	"compute-orchestrator/internal/config"
	"compute-orchestrator/internal/jobs"
	"compute-orchestrator/internal/ratelimit"
	"compute-orchestrator/internal/results"
	"compute-orchestrator/internal/services"
	"compute-orchestrator/internal/store"
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
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal("migrations", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	sched := jobs.NewScheduler(rdb, log)
	registry := services.DefaultRegistry()

	engine := services.NewEngine(st, sched, registry, log, cfg.MaxActiveServices)
	if err := engine.RegisterJobs(ctx, cfg.ServiceSweepInterval); err != nil {
		log.Fatal("register service jobs", zap.Error(err))
	}

	limiter := ratelimit.NewClaimLimiter(rdb, cfg.ClaimRateCapacity, cfg.ClaimRateRefill, time.Hour)

	archive, err := results.NewArchive(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix, cfg.ArchiveRegion, log)
	if err != nil {
		log.Fatal("configure archive", zap.Error(err))
	}

	server := api.New(cfg, st, registry, limiter, archive, log)
	if err := server.RegisterJobs(ctx, sched); err != nil {
		log.Fatal("register maintenance jobs", zap.Error(err))
	}

	go sched.Run(ctx, cfg.JobRunnerInterval, int64(cfg.JobRunnerBatch))

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("server listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	log.Info("server stopped")
}
