package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/therealutkarshpriyadarshi/ratesweep/internal/cache"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/config"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/invoker"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/lock"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/logging"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/queue"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/recovery"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/storage"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/store"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/sweep"
)

// env is everything a command needs, built from configuration.
type env struct {
	cfg     *config.Config
	logger  *logging.Logger
	store   *store.Store
	locks   *lock.Manager
	svc     *sweep.Service
	sweeper *recovery.Sweeper
	objects *storage.Storage
	closers []io.Closer
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i].Close()
	}
}

func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", os.Getenv("CONFIG_PATH"), "config file path")
}

func newEnv(configPath string) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	// Command output owns stdout; logs go to stderr.
	output := cfg.Logging.Output
	if output == "" || output == "stdout" {
		output = "stderr"
	}
	logger, err := logging.NewLogger(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     output,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	st, err := store.New(cfg.Store.Root)
	if err != nil {
		return nil, err
	}
	locks := lock.NewManager(st.Root(), cfg.Lock.PollInterval)

	e := &env{cfg: cfg, logger: logger, store: st, locks: locks}

	var (
		serviceOpts  []sweep.Option
		recoveryOpts []recovery.Option
	)
	if cfg.Redis.Enabled {
		c, err := cache.NewCache(cfg.Redis)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.closers = append(e.closers, c)
		serviceOpts = append(serviceOpts, sweep.WithStatusCache(c))
	}
	if cfg.Queue.Enabled {
		q, err := queue.New(cfg.Queue, logger)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.closers = append(e.closers, q)
		serviceOpts = append(serviceOpts, sweep.WithDispatcher(q))
		recoveryOpts = append(recoveryOpts, recovery.WithDispatcher(q))
	}

	if cfg.Storage.Enabled {
		objects, err := storage.New(context.Background(), cfg.Storage, logger)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.objects = objects
		serviceOpts = append(serviceOpts, sweep.WithReportExporter(objects))
	}

	opts := sweep.OptionsFromConfig(cfg)
	if opts.WorkerID == "" {
		opts.WorkerID = "sweepctl-" + locks.Hostname()
	}
	e.svc = sweep.NewService(st, locks, invoker.New(logger, cfg.Sweep.OutputBufferBytes), logger, opts, serviceOpts...)
	e.sweeper = recovery.NewSweeper(st, locks, lock.ProcessLiveness{Hostname: locks.Hostname()},
		cfg.Store.TempGrace, logger, recoveryOpts...)
	return e, nil
}

// commandContext ends on SIGINT or SIGTERM so running tools are stopped.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
