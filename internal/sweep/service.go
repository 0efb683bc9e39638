// Package sweep runs rate-control parameter sweeps: it accepts submissions,
// answers status queries and cancellations, and fans each job out into one
// subtask per parameter value.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/therealutkarshpriyadarshi/ratesweep/internal/config"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/idgen"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/invoker"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/lock"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/logging"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/metrics"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/store"
	"github.com/therealutkarshpriyadarshi/ratesweep/pkg/models"
)

const maxIDAttempts = 5

// Dispatcher hands job ids to workers.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID, reason string) error
}

// StatusCache is a read-through cache in front of the record store.
type StatusCache interface {
	SetJobStatus(ctx context.Context, status *models.JobStatus) error
	GetJobStatus(ctx context.Context, jobID string) (*models.JobStatus, error)
	SetReport(ctx context.Context, report *models.Report) error
	GetReport(ctx context.Context, jobID string) (*models.Report, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// ReportExporter archives completed reports.
type ReportExporter interface {
	ExportReport(ctx context.Context, report *models.Report) error
	ExportArtifacts(ctx context.Context, jobID, workDir string) (int, error)
}

// Options tunes job execution.
type Options struct {
	WorkerID      string
	MaxParallel   int
	EncodeTimeout time.Duration
	MetricTimeout time.Duration
	FFmpegPath    string
	FFprobePath   string
	VMAFModel     string
	// LockTimeout bounds how long Cancel and Delete wait for a running
	// owner. Zero makes one attempt.
	LockTimeout time.Duration
	Limits      models.Limits
}

// OptionsFromConfig maps loaded configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		WorkerID:      cfg.Worker.ID,
		MaxParallel:   cfg.Sweep.MaxParallel,
		EncodeTimeout: cfg.Sweep.EncodeTimeout,
		MetricTimeout: cfg.Sweep.MetricTimeout,
		FFmpegPath:    cfg.Sweep.FFmpegPath,
		FFprobePath:   cfg.Sweep.FFprobePath,
		VMAFModel:     cfg.Sweep.VMAFModel,
		LockTimeout:   cfg.Lock.AcquireTimeout,
		Limits:        cfg.Limits(),
	}
}

// Option configures optional collaborators of a Service.
type Option func(*Service)

// WithDispatcher publishes submitted jobs.
func WithDispatcher(d Dispatcher) Option {
	return func(s *Service) { s.dispatcher = d }
}

// WithStatusCache caches status snapshots and reports.
func WithStatusCache(c StatusCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithReportExporter archives completed reports.
func WithReportExporter(e ReportExporter) Option {
	return func(s *Service) { s.exporter = e }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces the job id source.
func WithIDGenerator(g *idgen.Generator) Option {
	return func(s *Service) { s.ids = g }
}

// Service is the entry point for submissions and job execution.
type Service struct {
	store  *store.Store
	locks  *lock.Manager
	runner invoker.Runner
	logger *logging.Logger
	opts   Options

	dispatcher Dispatcher
	cache      StatusCache
	exporter   ReportExporter
	ids        *idgen.Generator
	now        func() time.Time
}

// NewService creates a sweep service
func NewService(st *store.Store, locks *lock.Manager, runner invoker.Runner, logger *logging.Logger, opts Options, options ...Option) *Service {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	if opts.Limits.MaxParameterValues == 0 && len(opts.Limits.AllowedMetrics) == 0 {
		opts.Limits = models.DefaultLimits()
	}

	s := &Service{
		store:  st,
		locks:  locks,
		runner: runner,
		logger: logger.WithComponent("sweep"),
		opts:   opts,
		ids:    idgen.New(),
		now:    time.Now,
	}
	if opts.WorkerID != "" {
		s.logger = s.logger.WithWorkerID(opts.WorkerID)
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Submit validates a request and records a queued job. Validation failures
// return *models.ValidationError and create nothing.
func (s *Service) Submit(ctx context.Context, req models.SweepRequest) (*models.Job, error) {
	req, err := req.Normalize(s.opts.Limits)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(req.InputVideoRef)
	if err != nil || !info.Mode().IsRegular() {
		return nil, &models.ValidationError{Field: "input_video_ref", Reason: fmt.Sprintf("%s is not a readable file", req.InputVideoRef)}
	}
	encoder, err := exec.LookPath(req.EncoderRef)
	if err != nil {
		return nil, &models.ValidationError{Field: "encoder_ref", Reason: fmt.Sprintf("%s is not an executable: %v", req.EncoderRef, err)}
	}
	if _, err := splitEncoderParams(req.EncoderParams); err != nil {
		return nil, &models.ValidationError{Field: "encoder_params", Reason: err.Error()}
	}

	// Tools run inside the job's work directory, so relative paths would
	// resolve against it instead of the submitter's directory.
	if req.InputVideoRef, err = filepath.Abs(req.InputVideoRef); err != nil {
		return nil, fmt.Errorf("resolve input path: %w", err)
	}
	if req.EncoderRef, err = filepath.Abs(encoder); err != nil {
		return nil, fmt.Errorf("resolve encoder path: %w", err)
	}

	var job *models.Job
	for attempt := 0; ; attempt++ {
		id, err := s.ids.Generate()
		if err != nil {
			return nil, fmt.Errorf("generate job id: %w", err)
		}
		job = models.NewJob(id, req, s.now().UTC())
		err = s.store.Create(job)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrAlreadyExists) || attempt+1 >= maxIDAttempts {
			return nil, fmt.Errorf("create job: %w", err)
		}
	}

	metrics.RecordJobSubmitted(string(job.ParameterMode))
	s.logger.LogJobEvent(job.ID, "submitted", string(job.State), map[string]interface{}{
		"parameter_mode":   job.ParameterMode,
		"parameter_values": job.ParameterValues,
		"metrics":          job.Metrics,
	})
	s.cacheStatus(ctx, job)

	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, job.ID, "submitted"); err != nil {
			// The job is durable; recovery will pick it up.
			s.logger.WithJobID(job.ID).ErrorWithErr("Failed to dispatch job", err)
		}
	}
	return job, nil
}

// Status returns the polling view of a job.
func (s *Service) Status(ctx context.Context, id string) (*models.JobStatus, error) {
	if s.cache != nil {
		status, err := s.cache.GetJobStatus(ctx, id)
		if err != nil {
			s.logger.WithJobID(id).WithError(err).Warn("Status cache read failed")
		} else if status != nil {
			return status, nil
		}
	}

	job, err := s.store.Read(id)
	if err != nil {
		return nil, err
	}
	s.cacheStatus(ctx, job)
	return job.Status(), nil
}

// Job returns the full record.
func (s *Service) Job(id string) (*models.Job, error) {
	return s.store.Read(id)
}

// List returns jobs newest first, optionally filtered by state.
func (s *Service) List(ctx context.Context, state models.JobState) ([]*models.Job, error) {
	if state != "" && !state.Valid() {
		return nil, &models.ValidationError{Field: "state", Reason: fmt.Sprintf("unknown state %q", state)}
	}
	jobs, corrupt, err := s.store.List(state)
	if err != nil {
		return nil, err
	}
	for _, id := range corrupt {
		metrics.RecordError("store", "record_corruption")
		s.logger.WithJobID(id).Warn("Skipping corrupt job record")
	}
	return jobs, nil
}

// Cancel requests cancellation. A job nobody is running is cancelled
// immediately; a running job stops at its next subtask boundary.
func (s *Service) Cancel(ctx context.Context, id string) (*models.JobStatus, error) {
	job, err := s.store.Read(id)
	if err != nil {
		return nil, err
	}
	if job.State.IsTerminal() {
		return nil, fmt.Errorf("%w: job %s is %s", models.ErrInvalidTransition, id, job.State)
	}

	if err := s.store.RequestCancel(id); err != nil {
		return nil, err
	}
	s.logger.LogJobEvent(id, "cancel_requested", string(job.State), nil)

	handle, err := s.locks.Acquire(ctx, id, s.opts.LockTimeout)
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			return job.Status(), nil
		}
		return nil, err
	}
	defer s.release(handle)

	updated, err := s.store.Update(handle, func(j *models.Job) error {
		if j.State.IsTerminal() {
			return nil
		}
		return j.Transition(models.JobStateCancelled, s.now().UTC())
	})
	if err != nil {
		return nil, err
	}
	if updated.State == models.JobStateCancelled {
		if err := s.store.DiscardPartials(handle); err != nil {
			s.logger.WithJobID(id).WithError(err).Warn("Failed to discard partial results")
		}
		s.finished(ctx, updated)
	}
	return updated.Status(), nil
}

// Delete removes a job and everything recorded for it. It waits up to
// LockTimeout for a running owner and fails with lock.ErrLockTimeout after.
func (s *Service) Delete(ctx context.Context, id string) error {
	job, err := s.store.Read(id)
	if err != nil {
		return err
	}

	handle, err := s.locks.Acquire(ctx, id, s.opts.LockTimeout)
	if err != nil {
		return err
	}
	if err := s.store.Delete(handle); err != nil {
		s.release(handle)
		return err
	}
	s.release(handle)
	if err := s.store.RemoveJobDir(id); err != nil {
		s.logger.WithJobID(id).WithError(err).Warn("Failed to remove job directory")
	}

	if s.cache != nil {
		if err := s.cache.DeleteJob(ctx, id); err != nil {
			s.logger.WithJobID(id).WithError(err).Warn("Cache eviction failed")
		}
	}
	metrics.RecordJobDeleted(string(job.State))
	s.logger.LogJobEvent(id, "deleted", string(job.State), nil)
	return nil
}

// Report returns the report of a completed job.
func (s *Service) Report(ctx context.Context, id string) (*models.Report, error) {
	if s.cache != nil {
		report, err := s.cache.GetReport(ctx, id)
		if err == nil && report != nil {
			return report, nil
		}
	}

	job, err := s.store.Read(id)
	if err != nil {
		return nil, err
	}
	if job.State != models.JobStateCompleted {
		return nil, fmt.Errorf("%w: job %s is %s", ErrReportNotReady, id, job.State)
	}

	report, err := s.store.ReadReport(id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetReport(ctx, report); err != nil {
			s.logger.WithJobID(id).WithError(err).Warn("Report cache write failed")
		}
	}
	return report, nil
}

func (s *Service) cacheStatus(ctx context.Context, job *models.Job) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetJobStatus(ctx, job.Status()); err != nil {
		s.logger.WithJobID(job.ID).WithError(err).Warn("Status cache write failed")
	}
}

// finished records the terminal state of a job.
func (s *Service) finished(ctx context.Context, job *models.Job) {
	var dur time.Duration
	if job.StartedAt != nil && job.CompletedAt != nil {
		dur = job.CompletedAt.Sub(*job.StartedAt)
	}
	metrics.RecordJobFinished(string(job.State), dur)

	details := map[string]interface{}{
		"completed_count": job.Progress.CompletedCount,
		"total_count":     job.Progress.TotalCount,
	}
	if job.ErrorMessage != "" {
		details["error_message"] = job.ErrorMessage
	}
	s.logger.LogJobEvent(job.ID, string(job.State), string(job.State), details)
	s.cacheStatus(ctx, job)
}

func (s *Service) release(h *lock.Handle) {
	if err := h.Release(); err != nil {
		s.logger.WithJobID(h.JobID()).WithError(err).Warn("Failed to release job lock")
	}
}
