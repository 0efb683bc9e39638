package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/ratesweep/internal/idgen"
	"github.com/therealutkarshpriyadarshi/ratesweep/pkg/models"
)

type fakeLease struct {
	id  string
	err error
}

func (l fakeLease) JobID() string { return l.id }
func (l fakeLease) Verify() error { return l.err }

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func newTestJob(t *testing.T, created time.Time) *models.Job {
	t.Helper()
	return models.NewJob(idgen.New().MustGenerate(), models.SweepRequest{
		InputVideoRef:   "/videos/ref.y4m",
		EncoderRef:      "/usr/bin/ffmpeg",
		EncoderParams:   "-c:v libx264 -preset fast",
		ParameterMode:   models.ParameterModeABR,
		ParameterValues: []int{500, 1000, 2000},
		Metrics:         []string{"psnr", "ssim"},
	}, created)
}

func TestNewRequiresRoot(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}

func TestCreateAndRead(t *testing.T) {
	s := setupTestStore(t)
	job := newTestJob(t, time.Now().UTC())

	require.NoError(t, s.Create(job))

	got, err := s.Read(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, models.JobStateQueued, got.State)
	assert.Equal(t, []int{500, 1000, 2000}, got.ParameterValues)
	assert.Equal(t, 3, got.Progress.TotalCount)
	assert.True(t, job.CreatedAt.Equal(got.CreatedAt))
}

func TestCreateDuplicateLeavesOriginal(t *testing.T) {
	s := setupTestStore(t)
	job := newTestJob(t, time.Now().UTC())
	require.NoError(t, s.Create(job))

	clone := *job
	clone.EncoderParams = "-preset slow"
	err := s.Create(&clone)
	require.ErrorIs(t, err, ErrAlreadyExists)

	got, err := s.Read(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "-c:v libx264 -preset fast", got.EncoderParams)
}

func TestReadNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.Read(idgen.New().MustGenerate())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Read("../etc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadCorruption(t *testing.T) {
	tests := []struct {
		name    string
		content func(id string) string
	}{
		{name: "truncated JSON", content: func(string) string { return `{"id": "abc`}},
		{name: "unknown state", content: func(id string) string {
			return `{"id":"` + id + `","state":"paused","parameter_mode":"crf","parameter_values":[23],` +
				`"metrics":["psnr"],"progress":{"completed_count":0,"total_count":1},` +
				`"created_at":"2024-01-01T00:00:00Z","updated_at":"2024-01-01T00:00:00Z"}`
		}},
		{name: "progress out of range", content: func(id string) string {
			return `{"id":"` + id + `","state":"processing","parameter_mode":"crf","parameter_values":[23],` +
				`"metrics":["psnr"],"progress":{"completed_count":4,"total_count":1},` +
				`"created_at":"2024-01-01T00:00:00Z","updated_at":"2024-01-01T00:00:00Z"}`
		}},
		{name: "id mismatch", content: func(string) string {
			return `{"id":"zzzzzzzzzzzz","state":"queued","parameter_mode":"crf","parameter_values":[23],` +
				`"metrics":["psnr"],"progress":{"completed_count":0,"total_count":1},` +
				`"created_at":"2024-01-01T00:00:00Z","updated_at":"2024-01-01T00:00:00Z"}`
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestStore(t)
			id := idgen.New().MustGenerate()
			require.NoError(t, os.MkdirAll(s.JobDir(id), 0o755))
			require.NoError(t, os.WriteFile(filepath.Join(s.JobDir(id), recordFile), []byte(tt.content(id)), 0o644))

			_, err := s.Read(id)
			assert.ErrorIs(t, err, ErrRecordCorruption)
		})
	}
}

func TestUpdateRequiresLease(t *testing.T) {
	s := setupTestStore(t)
	job := newTestJob(t, time.Now().UTC())
	require.NoError(t, s.Create(job))

	mutate := func(j *models.Job) error { return j.Transition(models.JobStateProcessing, time.Now().UTC()) }

	_, err := s.Update(fakeLease{id: job.ID, err: errors.New("token mismatch")}, mutate)
	assert.ErrorIs(t, err, ErrLeaseInvalid)

	_, err = s.Update(nil, mutate)
	assert.ErrorIs(t, err, ErrLeaseInvalid)

	got, err := s.Read(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateQueued, got.State)
}

func TestUpdateAppliesMutation(t *testing.T) {
	s := setupTestStore(t)
	created := time.Now().UTC()
	job := newTestJob(t, created)
	require.NoError(t, s.Create(job))

	updated, err := s.Update(fakeLease{id: job.ID}, func(j *models.Job) error {
		if err := j.Transition(models.JobStateProcessing, created.Add(time.Second)); err != nil {
			return err
		}
		j.Progress.CompletedCount = 1
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStateProcessing, updated.State)

	got, err := s.Read(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateProcessing, got.State)
	assert.Equal(t, 1, got.Progress.CompletedCount)
	require.NotNil(t, got.StartedAt)
}

func TestUpdateMutationErrorWritesNothing(t *testing.T) {
	s := setupTestStore(t)
	job := newTestJob(t, time.Now().UTC())
	require.NoError(t, s.Create(job))

	_, err := s.Update(fakeLease{id: job.ID}, func(j *models.Job) error {
		return j.Transition(models.JobStateCompleted, time.Now().UTC())
	})
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = s.Update(fakeLease{id: job.ID}, func(j *models.Job) error {
		j.Progress.CompletedCount = 99
		return nil
	})
	require.Error(t, err)

	got, err := s.Read(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateQueued, got.State)
	assert.Equal(t, 0, got.Progress.CompletedCount)
}

func TestConcurrentReadersNeverSeePartialRecords(t *testing.T) {
	s := setupTestStore(t)
	created := time.Now().UTC()
	job := newTestJob(t, created)
	job.ParameterValues = make([]int, 64)
	for i := range job.ParameterValues {
		job.ParameterValues[i] = 100 + i
	}
	job.Progress.TotalCount = 64
	require.NoError(t, s.Create(job))

	lease := fakeLease{id: job.ID}
	_, err := s.Update(lease, func(j *models.Job) error {
		return j.Transition(models.JobStateProcessing, created)
	})
	require.NoError(t, err)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for {
				select {
				case <-done:
					return
				default:
				}
				got, err := s.Read(job.ID)
				if !assert.NoError(t, err) {
					return
				}
				assert.GreaterOrEqual(t, got.Progress.CompletedCount, last)
				last = got.Progress.CompletedCount
			}
		}()
	}

	for i := 1; i <= 64; i++ {
		_, err := s.Update(lease, func(j *models.Job) error {
			j.Progress.CompletedCount = i
			j.Touch(time.Now().UTC())
			return nil
		})
		require.NoError(t, err)
	}
	close(done)
	wg.Wait()
}

func TestList(t *testing.T) {
	s := setupTestStore(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	older := newTestJob(t, base)
	newer := newTestJob(t, base.Add(time.Minute))
	require.NoError(t, s.Create(older))
	require.NoError(t, s.Create(newer))

	_, err := s.Update(fakeLease{id: older.ID}, func(j *models.Job) error {
		return j.Transition(models.JobStateProcessing, base.Add(2*time.Minute))
	})
	require.NoError(t, err)

	broken := idgen.New().MustGenerate()
	require.NoError(t, os.MkdirAll(s.JobDir(broken), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.JobDir(broken), recordFile), []byte("{"), 0o644))

	// Stray entries in the root are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "README"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), idgen.New().MustGenerate()), 0o755))

	all, corrupt, err := s.List("")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, newer.ID, all[0].ID)
	assert.Equal(t, older.ID, all[1].ID)
	assert.Equal(t, []string{broken}, corrupt)

	queued, _, err := s.List(models.JobStateQueued)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, newer.ID, queued[0].ID)
}

func TestReportWrittenOnce(t *testing.T) {
	s := setupTestStore(t)
	job := newTestJob(t, time.Now().UTC())
	require.NoError(t, s.Create(job))

	_, err := s.ReadReport(job.ID)
	require.ErrorIs(t, err, ErrNotFound)

	report := &models.Report{
		JobID:         job.ID,
		ParameterMode: job.ParameterMode,
		Results:       []models.ParameterResult{{ParameterValue: 500}, {ParameterValue: 1000}, {ParameterValue: 2000}},
		CreatedAt:     time.Now().UTC(),
	}
	require.ErrorIs(t, s.WriteReport(fakeLease{id: job.ID, err: errors.New("stale")}, report), ErrLeaseInvalid)
	require.NoError(t, s.WriteReport(fakeLease{id: job.ID}, report))
	require.ErrorIs(t, s.WriteReport(fakeLease{id: job.ID}, report), ErrAlreadyExists)

	got, err := s.ReadReport(job.ID)
	require.NoError(t, err)
	require.Len(t, got.Results, 3)
	assert.Equal(t, 1000, got.Results[1].ParameterValue)
}

func TestCancelFlag(t *testing.T) {
	s := setupTestStore(t)
	job := newTestJob(t, time.Now().UTC())

	require.ErrorIs(t, s.RequestCancel(job.ID), ErrNotFound)
	require.NoError(t, s.Create(job))

	requested, err := s.CancelRequested(job.ID)
	require.NoError(t, err)
	assert.False(t, requested)

	require.NoError(t, s.RequestCancel(job.ID))
	require.NoError(t, s.RequestCancel(job.ID))

	requested, err = s.CancelRequested(job.ID)
	require.NoError(t, err)
	assert.True(t, requested)
}

func TestPartials(t *testing.T) {
	s := setupTestStore(t)
	job := newTestJob(t, time.Now().UTC())
	require.NoError(t, s.Create(job))
	lease := fakeLease{id: job.ID}

	empty, err := s.LoadPartials(job.ID)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, s.SavePartial(lease, 0, &models.ParameterResult{ParameterValue: 500}))
	require.NoError(t, s.SavePartial(lease, 2, &models.ParameterResult{ParameterValue: 2000}))
	require.NoError(t, os.WriteFile(filepath.Join(s.JobDir(job.ID), partialDir, "1.json"), []byte("{"), 0o644))

	got, err := s.LoadPartials(job.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 500, got[0].ParameterValue)
	assert.Equal(t, 2000, got[2].ParameterValue)

	require.ErrorIs(t, s.DiscardPartials(fakeLease{id: job.ID, err: errors.New("gone")}), ErrLeaseInvalid)
	require.NoError(t, s.DiscardPartials(lease))

	got, err = s.LoadPartials(job.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWorkDir(t *testing.T) {
	s := setupTestStore(t)
	id := idgen.New().MustGenerate()

	dir, err := s.WorkDir(id)
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.True(t, strings.HasPrefix(dir, s.JobDir(id)))
}

func TestRemoveStaleTemps(t *testing.T) {
	s := setupTestStore(t)
	job := newTestJob(t, time.Now().UTC())
	require.NoError(t, s.Create(job))

	old := time.Now().Add(-time.Hour)
	stale := []string{
		filepath.Join(s.Root(), TempPrefix+"root"),
		filepath.Join(s.JobDir(job.ID), TempPrefix+"record"),
	}
	for _, p := range stale {
		require.NoError(t, os.WriteFile(p, []byte("partial"), 0o644))
		require.NoError(t, os.Chtimes(p, old, old))
	}
	fresh := filepath.Join(s.JobDir(job.ID), TempPrefix+"inflight")
	require.NoError(t, os.WriteFile(fresh, []byte("partial"), 0o644))

	removed, err := s.RemoveStaleTemps(10 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for _, p := range stale {
		assert.NoFileExists(t, p)
	}
	assert.FileExists(t, fresh)
	assert.FileExists(t, filepath.Join(s.JobDir(job.ID), recordFile))

	removed, err = s.RemoveStaleTemps(10 * time.Minute)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestDelete(t *testing.T) {
	s := setupTestStore(t)
	job := newTestJob(t, time.Now().UTC())
	require.NoError(t, s.Create(job))

	require.ErrorIs(t, s.Delete(fakeLease{id: job.ID, err: errors.New("nope")}), ErrLeaseInvalid)
	require.NoError(t, s.Delete(fakeLease{id: job.ID}))

	_, err := s.Read(job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.Delete(fakeLease{id: job.ID}), ErrNotFound)
}

func TestRemoveJobDir(t *testing.T) {
	s := setupTestStore(t)
	job := newTestJob(t, time.Now().UTC())
	require.NoError(t, s.Create(job))
	lockPath := filepath.Join(s.JobDir(job.ID), ".lock")
	require.NoError(t, os.WriteFile(lockPath, []byte("{}"), 0o644))

	require.NoError(t, s.Delete(fakeLease{id: job.ID}))
	assert.FileExists(t, lockPath)
	assert.Error(t, s.RemoveJobDir(job.ID), "a lock still inside keeps the directory")

	require.NoError(t, os.Remove(lockPath))
	require.NoError(t, s.RemoveJobDir(job.ID))
	assert.NoDirExists(t, s.JobDir(job.ID))
	require.NoError(t, s.RemoveJobDir(job.ID))
}
