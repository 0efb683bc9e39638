package sweep

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/therealutkarshpriyadarshi/ratesweep/internal/invoker"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/lock"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/metrics"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/parser"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/store"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/tracing"
	"github.com/therealutkarshpriyadarshi/ratesweep/pkg/models"
)

var errCancelled = errors.New("cancellation requested")

// RunJob drives a job to a terminal state. It fails fast with
// lock.ErrLockTimeout when another worker owns the job. When ctx ends
// mid-sweep the job is left Processing with its finished subtasks saved,
// and ctx's error is returned. Subtask failures end the job as Failed and
// are not returned.
func (s *Service) RunJob(ctx context.Context, id string) error {
	return s.RunJobWithTimeout(ctx, id, 0)
}

// RunJobWithTimeout is RunJob for interactive callers that prefer to wait up
// to timeout for another owner to let go.
func (s *Service) RunJobWithTimeout(ctx context.Context, id string, timeout time.Duration) error {
	if _, err := s.store.Read(id); err != nil {
		return s.readFailed(id, err)
	}

	handle, err := s.locks.Acquire(ctx, id, timeout)
	if err != nil {
		return err
	}
	defer s.release(handle)

	span, ctx := tracing.StartSpan(ctx, "sweep.run_job")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "job.id", id)

	job, err := s.store.Read(id)
	if err != nil {
		tracing.LogError(span, err)
		return s.readFailed(id, err)
	}
	if job.State.IsTerminal() {
		return nil
	}

	cancelled, err := s.store.CancelRequested(id)
	if err != nil {
		return err
	}
	if cancelled {
		return s.cancelJob(ctx, handle)
	}

	event := "resumed"
	if job.State == models.JobStateQueued {
		event = "started"
	}
	job, err = s.store.Update(handle, func(j *models.Job) error {
		now := s.now().UTC()
		if j.State == models.JobStateQueued {
			if err := j.Transition(models.JobStateProcessing, now); err != nil {
				return err
			}
		}
		j.WorkerID = s.opts.WorkerID
		j.Touch(now)
		return nil
	})
	if err != nil {
		tracing.LogError(span, err)
		return err
	}
	s.logger.LogJobEvent(id, event, string(job.State), map[string]interface{}{
		"completed_count": job.Progress.CompletedCount,
		"total_count":     job.Progress.TotalCount,
		"max_parallel":    s.opts.MaxParallel,
	})
	s.cacheStatus(ctx, job)

	metrics.JobsInProgress.Inc()
	defer metrics.JobsInProgress.Dec()

	results, err := s.runSubtasks(ctx, handle, job)
	var subtaskErr *SubtaskError
	switch {
	case err == nil:
		return s.completeJob(ctx, handle, job, results)
	case errors.Is(err, errCancelled):
		return s.cancelJob(ctx, handle)
	case ctx.Err() != nil:
		s.logger.LogJobEvent(id, "interrupted", string(models.JobStateProcessing), nil)
		return ctx.Err()
	case errors.As(err, &subtaskErr):
		tracing.LogError(span, err)
		metrics.RecordError("sweep", subtaskErr.Stage)
		return s.failJob(ctx, handle, subtaskErr)
	default:
		tracing.LogError(span, err)
		return err
	}
}

func (s *Service) readFailed(id string, err error) error {
	if errors.Is(err, store.ErrRecordCorruption) {
		metrics.RecordError("store", "record_corruption")
		s.logger.WithJobID(id).ErrorWithErr("Job record is corrupt", err)
	}
	return err
}

// fanOut is the shared state of one job's subtask loop.
type fanOut struct {
	mu        sync.Mutex
	results   []*models.ParameterResult
	completed int
	stop      error

	// progressMu serialises record updates so progress never regresses.
	progressMu sync.Mutex
}

func (f *fanOut) stopped() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stop
}

func (f *fanOut) halt(err error) {
	f.mu.Lock()
	if f.stop == nil {
		f.stop = err
	}
	f.mu.Unlock()
}

// checkpoint reports why no further subtask should start, if any.
func (s *Service) checkpoint(ctx context.Context, id string, f *fanOut) error {
	if err := f.stopped(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cancelled, err := s.store.CancelRequested(id)
	if err != nil {
		return err
	}
	if cancelled {
		return errCancelled
	}
	return nil
}

func (s *Service) runSubtasks(ctx context.Context, handle *lock.Handle, job *models.Job) ([]*models.ParameterResult, error) {
	f := &fanOut{results: make([]*models.ParameterResult, len(job.ParameterValues))}

	partials, err := s.store.LoadPartials(job.ID)
	if err != nil {
		return nil, err
	}
	for i, v := range job.ParameterValues {
		if p, ok := partials[i]; ok && p.ParameterValue == v {
			f.results[i] = p
			f.completed++
		}
	}
	if f.completed > 0 {
		s.logger.WithJobID(job.ID).Infof("Resuming with %d of %d subtasks already done", f.completed, len(job.ParameterValues))
	}

	workDir, err := s.store.WorkDir(job.ID)
	if err != nil {
		return nil, err
	}

	g := new(errgroup.Group)
	g.SetLimit(s.opts.MaxParallel)

	for i, v := range job.ParameterValues {
		if f.results[i] != nil {
			continue
		}
		if err := s.checkpoint(ctx, job.ID, f); err != nil {
			f.halt(err)
			break
		}

		index, value := i, v
		g.Go(func() error {
			// A slot may have freed up after the job was told to stop.
			if err := s.checkpoint(ctx, job.ID, f); err != nil {
				f.halt(err)
				return nil
			}
			if err := s.recordProgress(handle, f, &value); err != nil {
				f.halt(err)
				return nil
			}

			result, err := s.runSubtask(ctx, job, workDir, index, value)
			if err != nil {
				if ctx.Err() != nil {
					f.halt(ctx.Err())
				} else {
					f.halt(err)
				}
				s.logger.LogSubtaskEvent(job.ID, index, value, "failed", map[string]interface{}{"error": err.Error()})
				return nil
			}
			if err := s.store.SavePartial(handle, index, result); err != nil {
				f.halt(err)
				return nil
			}

			f.mu.Lock()
			f.results[index] = result
			f.completed++
			f.mu.Unlock()

			if err := s.recordProgress(handle, f, nil); err != nil {
				f.halt(err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := f.stopped(); err != nil {
		return nil, err
	}
	return f.results, nil
}

// recordProgress persists the completed count, and the value being started
// when current is set.
func (s *Service) recordProgress(handle *lock.Handle, f *fanOut, current *int) error {
	f.progressMu.Lock()
	defer f.progressMu.Unlock()

	f.mu.Lock()
	completed := f.completed
	f.mu.Unlock()

	job, err := s.store.Update(handle, func(j *models.Job) error {
		if completed > j.Progress.CompletedCount {
			j.Progress.CompletedCount = completed
		}
		if current != nil {
			v := *current
			j.Progress.CurrentParameterValue = &v
		}
		j.Touch(s.now().UTC())
		return nil
	})
	if err != nil {
		return err
	}
	s.cacheStatus(context.Background(), job)
	return nil
}

// runSubtask encodes one parameter value, measures it with every requested
// metric and aggregates the result.
func (s *Service) runSubtask(ctx context.Context, job *models.Job, workDir string, index, value int) (*models.ParameterResult, error) {
	span, ctx := tracing.StartSpan(ctx, "sweep.subtask")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "job.id", job.ID)
	tracing.SetTag(span, "parameter.value", value)

	_, ext := detectStyle(job.EncoderRef)
	output := filepath.Join(workDir, outputName(index, job.ParameterMode, value, ext))
	logPath := filepath.Join(workDir, logName(index, value))

	args, err := encodeArgs(job, value, output)
	if err != nil {
		return nil, &SubtaskError{Value: value, Stage: StageEncode, Err: err}
	}
	s.logger.LogSubtaskEvent(job.ID, index, value, StageEncode, map[string]interface{}{"output": output})

	res, err := s.runner.Run(ctx, invoker.Command{
		Name:           StageEncode,
		Path:           job.EncoderRef,
		Args:           args,
		Dir:            workDir,
		Timeout:        s.opts.EncodeTimeout,
		OutputArtifact: output,
		LogPath:        logPath,
	})
	metrics.RecordSubtask(StageEncode, err)
	if err != nil {
		tracing.LogError(span, err)
		return nil, &SubtaskError{Value: value, Stage: StageEncode, Err: err}
	}
	perf := encodePerformance(res)

	pres, err := s.runner.Run(ctx, invoker.Command{
		Name:    StageInspect,
		Path:    s.opts.FFprobePath,
		Args:    inspectArgs(output),
		Dir:     workDir,
		Timeout: s.opts.MetricTimeout,
		LogPath: logPath,
	})
	metrics.RecordSubtask(StageInspect, err)
	if err != nil {
		tracing.LogError(span, err)
		return nil, &SubtaskError{Value: value, Stage: StageInspect, Err: err}
	}
	info, err := parser.ParseStreamInfo(pres.Output)
	if err != nil {
		tracing.LogError(span, err)
		return nil, &SubtaskError{Value: value, Stage: StageParse, Metric: "ffprobe", Err: err}
	}
	applyStreamInfo(&perf, info)

	series := make([]*parser.Series, 0, len(job.Metrics))
	for _, name := range job.Metrics {
		family := models.MetricFamily(name)
		statsName := metricLogName(index, value, family)
		statsPath := filepath.Join(workDir, statsName)
		// A stale file from an interrupted run must not pass for fresh output.
		if err := os.Remove(statsPath); err != nil && !os.IsNotExist(err) {
			return nil, &SubtaskError{Value: value, Stage: StageMetric, Metric: name, Err: err}
		}

		args, err := metricArgs(family, job.InputVideoRef, output, statsName, s.opts.VMAFModel)
		if err != nil {
			return nil, &SubtaskError{Value: value, Stage: StageMetric, Metric: name, Err: err}
		}
		s.logger.LogSubtaskEvent(job.ID, index, value, StageMetric+":"+name, nil)

		mres, err := s.runner.Run(ctx, invoker.Command{
			Name:           name,
			Path:           s.opts.FFmpegPath,
			Args:           args,
			Dir:            workDir,
			Timeout:        s.opts.MetricTimeout,
			OutputArtifact: statsPath,
			LogPath:        logPath,
		})
		metrics.RecordSubtask(StageMetric, err)
		if err != nil {
			tracing.LogError(span, err)
			return nil, &SubtaskError{Value: value, Stage: StageMetric, Metric: name, Err: err}
		}
		perf.ResourceSamples = append(perf.ResourceSamples, resourceSample(name, mres))

		ser, err := parser.ParseFile(family, statsPath)
		metrics.RecordSubtask(StageParse, err)
		if err != nil {
			tracing.LogError(span, err)
			return nil, &SubtaskError{Value: value, Stage: StageParse, Metric: name, Err: err}
		}
		series = append(series, ser)
	}

	result, err := parser.Aggregate(value, series, perf)
	if err != nil {
		return nil, &SubtaskError{Value: value, Stage: StageParse, Err: err}
	}
	finishPerformance(&result.Performance, len(result.Frames))
	metrics.RecordEncodingFPS(string(job.ParameterMode), result.Performance.EncodingFPS)
	if vmaf, ok := result.Summary(models.MetricFamilyVMAF); ok {
		if stats, ok := vmaf.Metrics[vmaf.Primary]; ok {
			metrics.RecordVMAFScore(string(job.ParameterMode), stats.Mean)
		}
	}

	s.logger.LogSubtaskEvent(job.ID, index, value, "done", map[string]interface{}{
		"encode_seconds": result.Performance.EncodeSeconds,
		"encoding_fps":   result.Performance.EncodingFPS,
		"output_bytes":   result.Performance.OutputBytes,
		"bitrate_kbps":   result.Performance.AvgBitrateKbps,
		"frames":         len(result.Frames),
	})
	return result, nil
}

func resourceSample(stage string, res *invoker.Result) models.ResourceSample {
	return models.ResourceSample{
		Stage:         stage,
		WallSeconds:   res.Duration.Seconds(),
		UserSeconds:   res.UserTime.Seconds(),
		SystemSeconds: res.SystemTime.Seconds(),
		CPUPercent:    res.CPUPercent(),
	}
}

func encodePerformance(res *invoker.Result) models.PerformanceSummary {
	perf := models.PerformanceSummary{
		EncodeSeconds:   res.Duration.Seconds(),
		OutputBytes:     res.ArtifactBytes,
		ResourceSamples: []models.ResourceSample{resourceSample(StageEncode, res)},
	}
	if stats, ok := parser.ParseEncoderStats(res.Output); ok {
		perf.TotalFrames = stats.Frames
		perf.EncodingFPS = stats.FPS
		if stats.Seconds > 0 {
			perf.EncodeSeconds = stats.Seconds
		}
	}
	return perf
}

func applyStreamInfo(perf *models.PerformanceSummary, info *parser.StreamInfo) {
	perf.Width = info.Width
	perf.Height = info.Height
	perf.FrameRate = info.FrameRate
	perf.DurationSeconds = info.DurationSeconds
	if perf.TotalFrames == 0 {
		perf.TotalFrames = info.Frames
	}
}

// finishPerformance fills what the encoder did not report from the measured
// frame count and wall time, derives the average bitrate from the output
// size and content duration, and summarises CPU use across all invocations.
func finishPerformance(perf *models.PerformanceSummary, measuredFrames int) {
	if perf.TotalFrames == 0 {
		perf.TotalFrames = measuredFrames
	}
	if perf.DurationSeconds == 0 && perf.TotalFrames > 0 && perf.FrameRate > 0 {
		perf.DurationSeconds = float64(perf.TotalFrames) / perf.FrameRate
	}
	if perf.DurationSeconds > 0 {
		perf.AvgBitrateKbps = float64(perf.OutputBytes) * 8 / perf.DurationSeconds / 1000
	}
	if perf.EncodingFPS == 0 && perf.TotalFrames > 0 && perf.EncodeSeconds > 0 {
		perf.EncodingFPS = float64(perf.TotalFrames) / perf.EncodeSeconds
	}
	if perf.TotalFrames > 0 {
		perf.AvgFrameTimeMs = perf.EncodeSeconds * 1000 / float64(perf.TotalFrames)
	}

	var sum float64
	for _, sample := range perf.ResourceSamples {
		sum += sample.CPUPercent
		if sample.CPUPercent > perf.CPUMaxPercent {
			perf.CPUMaxPercent = sample.CPUPercent
		}
	}
	if n := len(perf.ResourceSamples); n > 0 {
		perf.CPUAvgPercent = sum / float64(n)
	}
}

func (s *Service) completeJob(ctx context.Context, handle *lock.Handle, job *models.Job, results []*models.ParameterResult) error {
	report := &models.Report{
		JobID:         job.ID,
		ParameterMode: job.ParameterMode,
		Results:       make([]models.ParameterResult, 0, len(results)),
		CreatedAt:     s.now().UTC(),
	}
	for _, r := range results {
		report.Results = append(report.Results, *r)
	}
	if err := report.Validate(job); err != nil {
		return fmt.Errorf("assemble report for %s: %w", job.ID, err)
	}

	if err := s.store.WriteReport(handle, report); err != nil {
		if !errors.Is(err, store.ErrAlreadyExists) {
			return err
		}
		// Written by a run that died before the state change.
		existing, rerr := s.store.ReadReport(job.ID)
		if rerr != nil {
			return rerr
		}
		report = existing
	}

	done, err := s.store.Update(handle, func(j *models.Job) error {
		j.Progress.CompletedCount = j.Progress.TotalCount
		return j.Transition(models.JobStateCompleted, s.now().UTC())
	})
	if err != nil {
		return err
	}
	if err := s.store.DiscardPartials(handle); err != nil {
		s.logger.WithJobID(job.ID).WithError(err).Warn("Failed to discard partial results")
	}
	s.finished(ctx, done)
	s.publishReport(ctx, report)
	return nil
}

func (s *Service) publishReport(ctx context.Context, report *models.Report) {
	if s.cache != nil {
		if err := s.cache.SetReport(ctx, report); err != nil {
			s.logger.WithJobID(report.JobID).WithError(err).Warn("Report cache write failed")
		}
	}
	if s.exporter == nil {
		return
	}
	if err := s.exporter.ExportReport(ctx, report); err != nil {
		s.logger.WithJobID(report.JobID).ErrorWithErr("Failed to export report", err)
		return
	}
	workDir, err := s.store.WorkDir(report.JobID)
	if err != nil {
		s.logger.WithJobID(report.JobID).ErrorWithErr("Failed to locate command logs", err)
		return
	}
	if n, err := s.exporter.ExportArtifacts(ctx, report.JobID, workDir); err != nil {
		s.logger.WithJobID(report.JobID).ErrorWithErr("Failed to export command logs", err)
	} else {
		s.logger.WithJobID(report.JobID).Infof("Exported report and %d log files", n)
	}
}

func (s *Service) failJob(ctx context.Context, handle *lock.Handle, cause *SubtaskError) error {
	failed, err := s.store.Update(handle, func(j *models.Job) error {
		return j.Fail(cause.Error(), s.now().UTC())
	})
	if err != nil {
		return err
	}
	if err := s.store.DiscardPartials(handle); err != nil {
		s.logger.WithJobID(failed.ID).WithError(err).Warn("Failed to discard partial results")
	}
	if diag := cause.Diagnostic(); diag != "" {
		s.logger.WithJobID(failed.ID).WithField("diagnostic", diag).Error("Subtask tool output")
	}
	s.finished(ctx, failed)
	return nil
}

func (s *Service) cancelJob(ctx context.Context, handle *lock.Handle) error {
	cancelled, err := s.store.Update(handle, func(j *models.Job) error {
		return j.Transition(models.JobStateCancelled, s.now().UTC())
	})
	if err != nil {
		return err
	}
	if err := s.store.DiscardPartials(handle); err != nil {
		s.logger.WithJobID(cancelled.ID).WithError(err).Warn("Failed to discard partial results")
	}
	s.finished(ctx, cancelled)
	return nil
}
