// Command orchestrator runs the prompt orchestration engine: the periodic
// scheduler, the job reconciler, the daily cleanup sweep, and the worker
// pool that executes agent_discovery / judge_scoring / prompt_tuning /
// model_backtesting tasks.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/overmind-core/orchestrator/pkg/cleanup"
	"github.com/overmind-core/orchestrator/pkg/config"
	"github.com/overmind-core/orchestrator/pkg/database"
	"github.com/overmind-core/orchestrator/pkg/llmgateway"
	"github.com/overmind-core/orchestrator/pkg/lock"
	"github.com/overmind-core/orchestrator/pkg/queue"
	"github.com/overmind-core/orchestrator/pkg/queue/broker"
	"github.com/overmind-core/orchestrator/pkg/reconciler"
	"github.com/overmind-core/orchestrator/pkg/scheduler"
	"github.com/overmind-core/orchestrator/pkg/version"
	"github.com/overmind-core/orchestrator/pkg/workers"
)

func main() {
	slog.Info("starting orchestrator", "version", version.Full())

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := database.NewClient(ctx, cfg.DatabaseDSN, database.DefaultPoolConfig())
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("error closing database client", "error", err)
		}
	}()
	slog.Info("connected to database")

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.Error("failed to parse redis url", "error", err)
		os.Exit(1)
	}
	redisOpts.DB = cfg.Redis.DB
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			slog.Error("error closing redis client", "error", err)
		}
	}()
	slog.Info("connected to redis")

	locks := lock.New(redisClient)
	b := broker.New(redisClient, cfg.Redis.Namespace)
	rec := reconciler.New(dbClient.Client, locks, b)

	gateway, err := llmgateway.NewGRPCGateway(cfg.LLMGatewayAddr, llmgateway.DefaultRetryPolicy())
	if err != nil {
		slog.Error("failed to dial llm gateway", "error", err)
		os.Exit(1)
	}

	sched := scheduler.New(dbClient.Client, locks, rec, cfg.Scheduler, cfg.Concurrency, cfg.Thresholds)
	cleanupSvc := cleanup.NewService(dbClient.Client)

	handlers := map[string]queue.Handler{
		queue.TaskAgentDiscoveryRunAgentDiscovery: (&workers.AgentDiscoveryHandler{
			DB:     dbClient.Client,
			Broker: b,
		}).Handle,
		queue.TaskEvaluationsEvaluateSpans: (&workers.JudgeScoringHandler{
			DB:          dbClient.Client,
			Gateway:     gateway,
			Concurrency: cfg.Concurrency.JudgeScoringConcurrency,
		}).Handle,
		queue.TaskPromptImprovementImproveSinglePrompt: (&workers.PromptTuningHandler{
			DB:          dbClient.Client,
			Gateway:     gateway,
			Concurrency: cfg.Concurrency.JudgeScoringConcurrency,
		}).Handle,
		queue.TaskBacktestingRunBacktesting: (&workers.ModelBacktestingHandler{
			DB:          dbClient.Client,
			Gateway:     gateway,
			Concurrency: cfg.Concurrency.ModelBacktestingConcurrency,
		}).Handle,
	}
	runner := queue.NewRunner(b, handlers)

	sched.Start(ctx)
	cleanupSvc.Start(ctx)
	runner.Start(ctx)
	rec.StartNudgeLoop(ctx)
	slog.Info("worker pool started", "tasks", runner.RegisteredTaskNames())

	router := newRouter(dbClient, rec)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		slog.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	runner.Stop(10 * time.Second)
	sched.Stop()
	cleanupSvc.Stop()
	slog.Info("orchestrator stopped")
}

// newRouter wires the thin gin surface spec.md keeps in scope: liveness,
// readiness, and the reconciler-nudge webhook user-facing code calls after
// creating a job to trigger an immediate dispatch pass instead of waiting
// for the reconciler's own tick.
func newRouter(db *database.Client, rec *reconciler.Reconciler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/readyz", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		health, err := database.Health(reqCtx, db.DB())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": health, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "database": health})
	})

	router.POST("/internal/reconciler/nudge", func(c *gin.Context) {
		rec.Nudge()
		c.JSON(http.StatusAccepted, gin.H{"status": "nudged"})
	})

	return router
}
