package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/ratesweep/internal/cache"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/config"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/invoker"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/lock"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/logging"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/metrics"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/queue"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/recovery"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/storage"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/store"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/sweep"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/tracing"
	"github.com/therealutkarshpriyadarshi/ratesweep/pkg/models"
)

const queueDepthInterval = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if cfg.Worker.ID == "" {
		host, _ := os.Hostname()
		cfg.Worker.ID = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	logger = logger.WithWorkerID(cfg.Worker.ID)

	// Initialize tracing
	_, tracerCloser, err := tracing.InitTracer(cfg.Tracing)
	if err != nil {
		logger.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer tracerCloser.Close()

	// Initialize record store and locks
	st, err := store.New(cfg.Store.Root)
	if err != nil {
		logger.Fatalf("Failed to open job store: %v", err)
	}
	locks := lock.NewManager(st.Root(), cfg.Lock.PollInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		serviceOpts  []sweep.Option
		recoveryOpts []recovery.Option
		statusCache  *cache.Cache
		q            *queue.Queue
	)

	if cfg.Redis.Enabled {
		statusCache, err = cache.NewCache(cfg.Redis)
		if err != nil {
			logger.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer statusCache.Close()
		serviceOpts = append(serviceOpts, sweep.WithStatusCache(statusCache))
	}

	if cfg.Storage.Enabled {
		stor, err := storage.New(ctx, cfg.Storage, logger)
		if err != nil {
			logger.Fatalf("Failed to initialize storage: %v", err)
		}
		serviceOpts = append(serviceOpts, sweep.WithReportExporter(stor))
	}

	if cfg.Queue.Enabled {
		q, err = queue.New(cfg.Queue, logger)
		if err != nil {
			logger.Fatalf("Failed to connect to queue: %v", err)
		}
		defer q.Close()
		serviceOpts = append(serviceOpts, sweep.WithDispatcher(q))
		recoveryOpts = append(recoveryOpts, recovery.WithDispatcher(q))
	}

	runner := invoker.New(logger, cfg.Sweep.OutputBufferBytes)
	svc := sweep.NewService(st, locks, runner, logger, sweep.OptionsFromConfig(cfg), serviceOpts...)
	recoveryOpts = append(recoveryOpts, recovery.WithRedispatchAfter(cfg.Recovery.Interval))
	sweeper := recovery.NewSweeper(st, locks, lock.ProcessLiveness{Hostname: locks.Hostname()},
		cfg.Store.TempGrace, logger, recoveryOpts...)

	// Metrics server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port, func() error {
			if _, err := os.Stat(st.Root()); err != nil {
				return fmt.Errorf("job store unavailable: %w", err)
			}
			if statusCache != nil {
				pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				return statusCache.Ping(pingCtx)
			}
			return nil
		})
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.ErrorWithErr("Metrics server stopped", err)
			}
		}()
		logger.Infof("Metrics server listening on :%d", cfg.Metrics.Port)
	}

	// Recover whatever a previous crash left behind before taking work.
	if _, err := sweeper.Sweep(ctx); err != nil {
		logger.ErrorWithErr("Startup recovery sweep failed", err)
	}

	w := &worker{svc: svc, logger: logger}

	var idle func() bool
	if cfg.Recovery.IdleOnly {
		idle = w.idle
	}
	go sweeper.Run(ctx, cfg.Recovery.Interval, idle)

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down worker gracefully...")
		cancel()
	}()

	if q != nil {
		go reportQueueDepth(ctx, q, logger)

		logger.Info("Worker started, consuming dispatched jobs")
		if err := q.ConsumeJobs(ctx, w.handle); err != nil {
			logger.Fatalf("Failed to consume jobs: %v", err)
		}
		<-ctx.Done()
	} else {
		logger.Infof("Worker started, polling %s every %s", st.Root(), cfg.Worker.PollInterval)
		w.poll(ctx, cfg.Worker.PollInterval)
	}

	w.drain(30 * time.Second)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.ErrorWithErr("Failed to stop metrics server", err)
		}
	}
	logger.Info("Worker stopped")
}

type worker struct {
	svc    *sweep.Service
	logger *logging.Logger
	active atomic.Int32
}

func (w *worker) idle() bool {
	return w.active.Load() == 0
}

// drain waits for in-flight jobs to notice shutdown. Interrupted jobs stay
// Processing and resume on the next start.
func (w *worker) drain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for w.active.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
}

// handle runs one dispatched job. Lock contention is retried later and
// deleted jobs are dropped; jobs that cannot be read are dead-lettered.
func (w *worker) handle(ctx context.Context, jobID string) error {
	w.active.Add(1)
	defer w.active.Add(-1)

	err := w.svc.RunJob(ctx, jobID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lock.ErrLockTimeout):
		w.logger.WithJobID(jobID).Debug("Job is owned by another worker")
		return fmt.Errorf("%w: %w", queue.ErrRetryLater, err)
	case errors.Is(err, store.ErrNotFound):
		w.logger.WithJobID(jobID).Info("Job was deleted before it ran")
		return nil
	default:
		w.logger.WithJobID(jobID).ErrorWithErr("Failed to run job", err)
		return err
	}
}

// poll runs queued and orphaned jobs straight from the store, oldest first.
func (w *worker) poll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		jobs, err := w.svc.List(ctx, "")
		if err != nil {
			w.logger.ErrorWithErr("Failed to list jobs", err)
		}
		for i := len(jobs) - 1; i >= 0 && ctx.Err() == nil; i-- {
			job := jobs[i]
			if job.State != models.JobStateQueued && job.State != models.JobStateProcessing {
				continue
			}
			err := w.handle(ctx, job.ID)
			if err != nil && !errors.Is(err, queue.ErrRetryLater) && ctx.Err() == nil {
				metrics.RecordError("worker", "run_job")
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func reportQueueDepth(ctx context.Context, q *queue.Queue, logger *logging.Logger) {
	ticker := time.NewTicker(queueDepthInterval)
	defer ticker.Stop()

	for {
		if depth, err := q.GetQueueDepth(); err == nil {
			metrics.RecordQueueDepth(queue.SweepQueueName, depth)
		} else {
			logger.WithError(err).Warn("Failed to read queue depth")
		}
		if depth, err := q.GetDLQDepth(); err == nil {
			metrics.RecordQueueDepth(queue.DeadLetterQueueName, depth)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
