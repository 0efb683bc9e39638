// Package store persists job records, reports and per-parameter partial
// results under a filesystem root, one directory per job. Every write goes
// through a temp file and an atomic rename, so readers observe either the
// previous or the next full version of a record.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/ratesweep/internal/idgen"
	"github.com/therealutkarshpriyadarshi/ratesweep/internal/metrics"
	"github.com/therealutkarshpriyadarshi/ratesweep/pkg/models"
)

var (
	// ErrNotFound is returned when no record exists for an identifier.
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyExists is returned when creating a record that already exists.
	ErrAlreadyExists = errors.New("job already exists")
	// ErrRecordCorruption is returned when a stored record cannot be parsed or
	// fails structural validation.
	ErrRecordCorruption = errors.New("job record corrupted")
	// ErrLeaseInvalid is returned when a mutation is attempted without
	// holding the job's lock.
	ErrLeaseInvalid = errors.New("job lease invalid")
)

const (
	recordFile  = "job.json"
	reportFile  = "report.json"
	cancelFile  = "cancel.requested"
	partialDir  = "partial"
	workDirName = "work"
)

// Lease proves the caller holds a job's lock. lock.Handle satisfies it.
type Lease interface {
	JobID() string
	Verify() error
}

// Store is a filesystem-backed job repository.
type Store struct {
	root string
	now  func() time.Time
}

// New creates the root directory if needed and returns a Store on it.
func New(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("store root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve store root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &Store{root: abs, now: time.Now}, nil
}

// Root returns the absolute store root.
func (s *Store) Root() string {
	return s.root
}

// JobDir returns the directory holding everything for id.
func (s *Store) JobDir(id string) string {
	return filepath.Join(s.root, id)
}

// WorkDir returns the directory for a job's encoded artifacts, metric logs
// and command log, creating it on first use.
func (s *Store) WorkDir(id string) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	dir := filepath.Join(s.JobDir(id), workDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	return dir, nil
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.JobDir(id), recordFile)
}

func checkID(id string) error {
	if !idgen.Valid(id) {
		return fmt.Errorf("%w: invalid job id %q", ErrNotFound, id)
	}
	return nil
}

// Create persists a new job record. It fails with ErrAlreadyExists if a
// record with the same id is present; the existing record is untouched.
func (s *Store) Create(job *models.Job) (err error) {
	start := time.Now()
	defer func() { metrics.RecordStoreOperation("create", time.Since(start), err) }()

	if job == nil {
		return errors.New("job is required")
	}
	if err := checkID(job.ID); err != nil {
		return err
	}
	if err := job.Validate(); err != nil {
		return fmt.Errorf("refusing to persist invalid job: %w", err)
	}
	if err := os.MkdirAll(s.JobDir(job.ID), 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	return writeJSONAtomic(s.recordPath(job.ID), job, true)
}

// Read returns the current record for id.
func (s *Store) Read(id string) (job *models.Job, err error) {
	start := time.Now()
	defer func() { metrics.RecordStoreOperation("read", time.Since(start), err) }()

	if err := checkID(id); err != nil {
		return nil, err
	}
	return s.read(id)
}

func (s *Store) read(id string) (*models.Job, error) {
	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read job %s: %w", id, err)
	}

	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRecordCorruption, id, err)
	}
	if job.ID != id {
		return nil, fmt.Errorf("%w: %s: record carries id %q", ErrRecordCorruption, id, job.ID)
	}
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRecordCorruption, id, err)
	}
	return &job, nil
}

func verifyLease(lease Lease, id string) error {
	if lease == nil {
		return fmt.Errorf("%w: no lease for %s", ErrLeaseInvalid, id)
	}
	if lease.JobID() != id {
		return fmt.Errorf("%w: lease for %s used on %s", ErrLeaseInvalid, lease.JobID(), id)
	}
	if err := lease.Verify(); err != nil {
		return fmt.Errorf("%w: %v", ErrLeaseInvalid, err)
	}
	return nil
}

// Update reads the job held by lease, applies mutate to it and writes the
// result back atomically. If mutate returns an error nothing is written.
func (s *Store) Update(lease Lease, mutate func(*models.Job) error) (job *models.Job, err error) {
	start := time.Now()
	defer func() { metrics.RecordStoreOperation("update", time.Since(start), err) }()

	if lease == nil {
		return nil, fmt.Errorf("%w: no lease", ErrLeaseInvalid)
	}
	id := lease.JobID()
	if err := checkID(id); err != nil {
		return nil, err
	}
	if err := verifyLease(lease, id); err != nil {
		return nil, err
	}

	job, err = s.read(id)
	if err != nil {
		return nil, err
	}
	if err := mutate(job); err != nil {
		return nil, err
	}
	if job.ID != id {
		return nil, fmt.Errorf("update may not change job id %s", id)
	}
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("refusing to persist invalid job: %w", err)
	}
	if err := writeJSONAtomic(s.recordPath(id), job, false); err != nil {
		return nil, err
	}
	return job, nil
}

// Delete removes everything in a job directory except its lock. It serves
// explicit retention actions; nothing in the job lifecycle calls it. Once
// the lock is released RemoveJobDir removes the directory itself.
func (s *Store) Delete(lease Lease) error {
	id := lease.JobID()
	if err := checkID(id); err != nil {
		return err
	}
	if err := verifyLease(lease, id); err != nil {
		return err
	}
	if _, err := os.Stat(s.recordPath(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}
	// The lock lives inside the job dir; remove everything else first so a
	// concurrent reader never sees a lockless half-deleted job.
	entries, err := os.ReadDir(s.JobDir(id))
	if err != nil {
		return fmt.Errorf("read job dir: %w", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".lock") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.JobDir(id), e.Name())); err != nil {
			return fmt.Errorf("delete %s: %w", e.Name(), err)
		}
	}
	return nil
}

// RemoveJobDir removes a job directory that Delete emptied. It fails if the
// directory holds anything, such as a lock taken since.
func (s *Store) RemoveJobDir(id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	if err := os.Remove(s.JobDir(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove job dir: %w", err)
	}
	return nil
}

// ListIDs returns the ids of every job directory that holds a record,
// sorted lexically.
func (s *Store) ListIDs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read store root: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || !idgen.Valid(e.Name()) {
			continue
		}
		if _, err := os.Stat(s.recordPath(e.Name())); err != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// List returns readable jobs, newest first. A non-empty state filters the
// result. Corrupt records are skipped and reported by id.
func (s *Store) List(state models.JobState) ([]*models.Job, []string, error) {
	ids, err := s.ListIDs()
	if err != nil {
		return nil, nil, err
	}

	var (
		jobs    []*models.Job
		corrupt []string
	)
	for _, id := range ids {
		job, err := s.read(id)
		if err != nil {
			if errors.Is(err, ErrRecordCorruption) {
				corrupt = append(corrupt, id)
			}
			continue
		}
		if state != "" && job.State != state {
			continue
		}
		jobs = append(jobs, job)
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, corrupt, nil
}

// WriteReport persists the report for a job. Reports are written once.
func (s *Store) WriteReport(lease Lease, report *models.Report) (err error) {
	start := time.Now()
	defer func() { metrics.RecordStoreOperation("write_report", time.Since(start), err) }()

	if report == nil {
		return errors.New("report is required")
	}
	if err := verifyLease(lease, report.JobID); err != nil {
		return err
	}
	return writeJSONAtomic(filepath.Join(s.JobDir(report.JobID), reportFile), report, true)
}

// ReadReport returns the stored report. ErrNotFound means none was written.
func (s *Store) ReadReport(id string) (*models.Report, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.JobDir(id), reportFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no report for %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read report %s: %w", id, err)
	}
	var report models.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("%w: report %s: %v", ErrRecordCorruption, id, err)
	}
	return &report, nil
}

// RequestCancel records a cancellation request. It does not need the lock:
// the holder observes the flag at its next checkpoint.
func (s *Store) RequestCancel(id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	if _, err := os.Stat(s.recordPath(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}
	stamp := []byte(s.now().UTC().Format(time.RFC3339Nano) + "\n")
	err := writeFileAtomic(filepath.Join(s.JobDir(id), cancelFile), stamp, true)
	if errors.Is(err, ErrAlreadyExists) {
		return nil
	}
	return err
}

// CancelRequested reports whether a cancellation request is pending.
func (s *Store) CancelRequested(id string) (bool, error) {
	if err := checkID(id); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(s.JobDir(id), cancelFile))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *Store) partialPath(id string, index int) string {
	return filepath.Join(s.JobDir(id), partialDir, strconv.Itoa(index)+".json")
}

// SavePartial persists one parameter's finished result so a resumed run can
// skip it.
func (s *Store) SavePartial(lease Lease, index int, result *models.ParameterResult) error {
	id := lease.JobID()
	if err := verifyLease(lease, id); err != nil {
		return err
	}
	return writeJSONAtomic(s.partialPath(id, index), result, false)
}

// LoadPartials returns saved results keyed by parameter index. Entries that
// do not parse are ignored and will be recomputed.
func (s *Store) LoadPartials(id string) (map[int]*models.ParameterResult, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.JobDir(id), partialDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[int]*models.ParameterResult{}, nil
		}
		return nil, fmt.Errorf("read partial results: %w", err)
	}

	out := make(map[int]*models.ParameterResult, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, TempPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		index, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil || index < 0 {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var result models.ParameterResult
		if err := json.Unmarshal(data, &result); err != nil {
			continue
		}
		out[index] = &result
	}
	return out, nil
}

// DiscardPartials removes all saved partial results for the leased job.
func (s *Store) DiscardPartials(lease Lease) error {
	id := lease.JobID()
	if err := verifyLease(lease, id); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.JobDir(id), partialDir)); err != nil {
		return fmt.Errorf("discard partial results: %w", err)
	}
	return nil
}

// RemoveStaleTemps deletes abandoned temp files older than grace from the
// root, each job directory and each job's partial directory.
func (s *Store) RemoveStaleTemps(grace time.Duration) (int, error) {
	now := s.now()
	removed, err := removeStaleTemps(s.root, grace, now)
	if err != nil {
		return removed, err
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return removed, fmt.Errorf("read store root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || !idgen.Valid(e.Name()) {
			continue
		}
		for _, dir := range []string{s.JobDir(e.Name()), filepath.Join(s.JobDir(e.Name()), partialDir)} {
			n, err := removeStaleTemps(dir, grace, now)
			removed += n
			if err != nil {
				return removed, err
			}
		}
	}
	return removed, nil
}
