// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/taskqueue/internal/admin"
	"github.com/flyingrobots/taskqueue/internal/config"
	"github.com/flyingrobots/taskqueue/internal/obs"
	"github.com/flyingrobots/taskqueue/internal/queue"
	"github.com/flyingrobots/taskqueue/internal/redisclient"
	"github.com/flyingrobots/taskqueue/internal/repeat"
	"github.com/flyingrobots/taskqueue/internal/scheduler"
	"github.com/flyingrobots/taskqueue/internal/scripts"
	"github.com/flyingrobots/taskqueue/internal/worker"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var adminCmd string
	var adminQueue string
	var adminPattern string
	var adminJobID string
	var adminN int
	var adminYes bool
	var adminForce bool
	var benchCount int
	var benchRate int
	var benchQueue string
	var benchTimeout time.Duration
	var benchPayloadSize int
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: worker|scheduler|all|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|peek|retry|purge-failed|purge-all|bench|pause|resume")
	fs.StringVar(&adminQueue, "queue", "default", "Queue name for admin commands")
	fs.StringVar(&adminPattern, "pattern", "*", "Glob pattern for admin stats queue discovery")
	fs.StringVar(&adminJobID, "job-id", "", "Job ID for admin retry")
	fs.IntVar(&adminN, "n", 10, "Number of items for admin peek")
	fs.BoolVar(&adminYes, "yes", false, "Automatic yes to prompts (dangerous operations)")
	fs.BoolVar(&adminForce, "force", false, "Force purge-all even with active jobs")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.IntVar(&benchCount, "bench-count", 1000, "Admin bench: number of jobs")
	fs.IntVar(&benchRate, "bench-rate", 500, "Admin bench: enqueue rate jobs/sec")
	fs.StringVar(&benchQueue, "bench-queue", "bench", "Admin bench: queue name")
	fs.DurationVar(&benchTimeout, "bench-timeout", 60*time.Second, "Admin bench: timeout to wait for completion")
	fs.IntVar(&benchPayloadSize, "bench-payload-size", 1024, "Admin bench: payload size in bytes")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	if role != "admin" {
		readyCheck := func(c context.Context) error {
			_, err := rdb.Ping(c).Result()
			return err
		}
		httpSrv := obs.StartHTTPServer(cfg, readyCheck)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	if role != "admin" {
		obs.StartQueueLengthUpdater(ctx, cfg, rdb, logger)
	}

	switch role {
	case "worker":
		wrk := worker.New(cfg, rdb, logger, echoProcessor(logger))
		if err := wrk.Run(ctx); err != nil {
			logger.Fatal("worker error", obs.Err(err))
		}
	case "scheduler":
		sched := newScheduler(cfg, rdb, logger)
		sched.Run(ctx)
	case "all":
		wrk := worker.New(cfg, rdb, logger, echoProcessor(logger))
		sched := newScheduler(cfg, rdb, logger)
		go sched.Run(ctx)
		if err := wrk.Run(ctx); err != nil {
			logger.Fatal("worker error", obs.Err(err))
		}
	case "admin":
		runAdmin(ctx, cfg, rdb, logger, adminOpts{
			cmd: adminCmd, queue: adminQueue, pattern: adminPattern, jobID: adminJobID,
			n: adminN, yes: adminYes, force: adminForce,
			benchCount: benchCount, benchRate: benchRate, benchQueue: benchQueue,
			benchPayloadSize: benchPayloadSize, benchTimeout: benchTimeout,
		})
		return
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func newScheduler(cfg *config.Config, rdb *redis.Client, logger *zap.Logger) *scheduler.Scheduler {
	keys := queue.NewKeys(cfg.Queue.Prefix, cfg.Queue.Name)
	lib := scripts.New(rdb)
	repeatMgr := repeat.NewManager(rdb, lib, keys, logger)
	return scheduler.New(lib, keys, scheduler.Config{
		StalledInterval: cfg.Worker.StalledInterval,
		MaxStalledCount: cfg.Worker.MaxStalledCount,
	}, logger, repeatMgr)
}

// echoProcessor is the demo Processor the CLI binary runs when no embedding
// application supplies its own: it reports full progress and returns the
// job's data back as its result. Real deployments import this module as a
// library and pass worker.New their own Processor instead of running main.
func echoProcessor(logger *zap.Logger) worker.Processor {
	return func(ctx context.Context, job *queue.Job, report worker.ProgressFunc) ([]byte, error) {
		logger.Debug("processing job", obs.String("id", job.ID), obs.String("name", job.Name))
		report(1.0)
		return job.Data, nil
	}
}

type adminOpts struct {
	cmd, queue, pattern, jobID string
	n                          int
	yes, force                 bool
	benchCount, benchRate      int
	benchQueue                 string
	benchPayloadSize           int
	benchTimeout               time.Duration
}

func runAdmin(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger, o adminOpts) {
	switch o.cmd {
	case "stats":
		res, err := admin.Stats(ctx, cfg, rdb, logger, o.pattern)
		if err != nil {
			logger.Fatal("admin stats error", obs.Err(err))
		}
		printJSON(res)
	case "peek":
		res, err := admin.Peek(ctx, cfg, rdb, logger, o.queue, queue.StateWaiting, int64(o.n))
		if err != nil {
			logger.Fatal("admin peek error", obs.Err(err))
		}
		printJSON(res)
	case "retry":
		if o.jobID == "" {
			logger.Fatal("admin retry requires --job-id")
		}
		if err := admin.Retry(ctx, cfg, rdb, logger, o.queue, o.jobID, true); err != nil {
			logger.Fatal("admin retry error", obs.Err(err))
		}
		fmt.Println("job requeued")
	case "purge-failed":
		if !o.yes {
			logger.Fatal("refusing to purge without --yes")
		}
		n, err := admin.PurgeFailed(ctx, cfg, rdb, logger, o.queue)
		if err != nil {
			logger.Fatal("admin purge-failed error", obs.Err(err))
		}
		printJSON(struct {
			Purged int64 `json:"purged"`
		}{Purged: n})
	case "purge-all":
		if !o.yes {
			logger.Fatal("refusing to purge without --yes")
		}
		if err := admin.PurgeAll(ctx, cfg, rdb, logger, o.queue, o.force); err != nil {
			logger.Fatal("admin purge-all error", obs.Err(err))
		}
		fmt.Println("queue purged")
	case "pause":
		if err := admin.SetPaused(ctx, cfg, rdb, logger, o.queue, true); err != nil {
			logger.Fatal("admin pause error", obs.Err(err))
		}
		fmt.Println("queue paused")
	case "resume":
		if err := admin.SetPaused(ctx, cfg, rdb, logger, o.queue, false); err != nil {
			logger.Fatal("admin resume error", obs.Err(err))
		}
		fmt.Println("queue resumed")
	case "bench":
		res, err := admin.Bench(ctx, cfg, rdb, logger, o.benchQueue, o.benchCount, o.benchRate, o.benchPayloadSize, o.benchTimeout)
		if err != nil {
			logger.Fatal("admin bench error", obs.Err(err))
		}
		printJSON(res)
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", o.cmd))
	}
}

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
