// Package recovery cleans up after crashed workers: it removes abandoned
// temp files, reclaims locks whose owners are gone and finds jobs that can
// be picked up again.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/ratesweep/internal/lock"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/logging"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/metrics"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/store"
	"github.com/therealutkarshpriyadarshi/ratesweep/pkg/models"
)

// Dispatcher re-publishes resumable jobs.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID, reason string) error
}

// Result summarises one sweep.
type Result struct {
	TempsRemoved   int
	LocksReclaimed []string
	Resumable      []string
	Redispatched   []string
	Corrupt        []string
	Duration       time.Duration
}

// Sweeper performs recovery passes over a record store.
type Sweeper struct {
	store      *store.Store
	locks      *lock.Manager
	alive      lock.Liveness
	grace      time.Duration
	dispatcher Dispatcher
	logger     *logging.Logger

	redispatchAfter time.Duration
	mu              sync.Mutex
	dispatched      map[string]time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithDispatcher re-publishes every resumable job found by a sweep.
func WithDispatcher(d Dispatcher) Option {
	return func(s *Sweeper) { s.dispatcher = d }
}

// WithRedispatchAfter sets how long a queued job must sit untouched before a
// sweep publishes it again, and how long this sweeper waits before publishing
// it once more. It defaults to the temp file grace.
func WithRedispatchAfter(d time.Duration) Option {
	return func(s *Sweeper) { s.redispatchAfter = d }
}

// NewSweeper creates a sweeper. Temp files younger than grace are left
// alone since a live writer may still own them.
func NewSweeper(st *store.Store, locks *lock.Manager, alive lock.Liveness, grace time.Duration, logger *logging.Logger, opts ...Option) *Sweeper {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	s := &Sweeper{
		store:           st,
		locks:           locks,
		alive:           alive,
		grace:           grace,
		logger:          logger.WithComponent("recovery"),
		redispatchAfter: grace,
		dispatched:      make(map[string]time.Time),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sweep runs one recovery pass. Running it again on the same state changes
// nothing further.
func (s *Sweeper) Sweep(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{}

	removed, err := s.store.RemoveStaleTemps(s.grace)
	res.TempsRemoved = removed
	if err != nil {
		return res, fmt.Errorf("remove stale temp files: %w", err)
	}

	ids, err := s.store.ListIDs()
	if err != nil {
		return res, err
	}
	var redispatch []string

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		reclaimed, err := s.locks.Reclaim(id, s.alive)
		if err != nil {
			s.logger.WithJobID(id).WithError(err).Warn("Failed to reclaim lock")
			continue
		}
		if reclaimed {
			res.LocksReclaimed = append(res.LocksReclaimed, id)
			s.logger.LogJobEvent(id, "lock_reclaimed", "", nil)
		}

		job, err := s.store.Read(id)
		if err != nil {
			if errors.Is(err, store.ErrRecordCorruption) {
				res.Corrupt = append(res.Corrupt, id)
				metrics.RecordError("store", "record_corruption")
				s.logger.WithJobID(id).ErrorWithErr("Corrupt job record", err)
			}
			continue
		}
		if job.State != models.JobStateQueued && job.State != models.JobStateProcessing {
			continue
		}

		owner, err := s.locks.Inspect(id)
		if err != nil || owner != nil {
			continue
		}
		res.Resumable = append(res.Resumable, id)
		if s.shouldRedispatch(job, start) {
			redispatch = append(redispatch, id)
		}
	}

	if s.dispatcher != nil {
		for _, id := range redispatch {
			if err := s.dispatcher.Dispatch(ctx, id, "recovered"); err != nil {
				s.logger.WithJobID(id).ErrorWithErr("Failed to re-dispatch job", err)
				continue
			}
			res.Redispatched = append(res.Redispatched, id)
			s.markDispatched(id, start)
		}
	}

	res.Duration = time.Since(start)
	metrics.RecordRecovery(res.TempsRemoved, len(res.LocksReclaimed), len(res.Resumable))
	s.logger.LogRecoverySweep(res.TempsRemoved, len(res.LocksReclaimed), len(res.Resumable), res.Duration)
	return res, nil
}

// shouldRedispatch reports whether a lockless job needs publishing again.
// An orphaned Processing job always does. A Queued job still has its
// submission message in flight unless it has been idle for redispatchAfter.
func (s *Sweeper) shouldRedispatch(job *models.Job, now time.Time) bool {
	if job.State == models.JobStateProcessing {
		return true
	}
	if now.Sub(job.UpdatedAt) < s.redispatchAfter {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.dispatched[job.ID]
	return !ok || now.Sub(last) >= s.redispatchAfter
}

func (s *Sweeper) markDispatched(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for known, at := range s.dispatched {
		if now.Sub(at) >= s.redispatchAfter {
			delete(s.dispatched, known)
		}
	}
	s.dispatched[id] = now
}

// Run sweeps every interval until ctx ends. When idle is set, a tick is
// skipped unless it reports true.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration, idle func() bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if idle != nil && !idle() {
				s.logger.Debug("Skipping recovery sweep while busy")
				continue
			}
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorWithErr("Recovery sweep failed", err)
			}
		}
	}
}
