package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJob(t *testing.T) *Job {
	t.Helper()
	req := SweepRequest{
		InputVideoRef:   "/videos/in.mp4",
		EncoderRef:      "/usr/bin/ffmpeg",
		ParameterMode:   ParameterModeABR,
		ParameterValues: []int{500, 1000, 2000},
		Metrics:         []string{"psnr"},
	}
	return NewJob("abc123", req, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
}

func TestNewJob(t *testing.T) {
	job := newTestJob(t)

	assert.Equal(t, JobStateQueued, job.State)
	assert.Equal(t, 0, job.Progress.CompletedCount)
	assert.Equal(t, 3, job.Progress.TotalCount)
	assert.Nil(t, job.Progress.CurrentParameterValue)
	assert.NoError(t, job.Validate())
}

func TestStateMachine(t *testing.T) {
	tests := []struct {
		from JobState
		to   JobState
		ok   bool
	}{
		{JobStateQueued, JobStateProcessing, true},
		{JobStateQueued, JobStateCancelled, true},
		{JobStateQueued, JobStateCompleted, false},
		{JobStateProcessing, JobStateCompleted, true},
		{JobStateProcessing, JobStateFailed, true},
		{JobStateProcessing, JobStateCancelled, true},
		{JobStateProcessing, JobStateQueued, false},
		{JobStateCompleted, JobStateProcessing, false},
		{JobStateFailed, JobStateQueued, false},
		{JobStateCancelled, JobStateProcessing, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestTransition_TerminalIsFinal(t *testing.T) {
	job := newTestJob(t)
	now := job.CreatedAt.Add(time.Second)

	require.NoError(t, job.Transition(JobStateProcessing, now))
	require.NotNil(t, job.StartedAt)
	require.NoError(t, job.Transition(JobStateCompleted, now.Add(time.Second)))
	require.NotNil(t, job.CompletedAt)

	err := job.Transition(JobStateProcessing, now.Add(2*time.Second))
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, JobStateCompleted, job.State)
}

func TestTransition_UpdatedAtNeverDecreases(t *testing.T) {
	job := newTestJob(t)
	later := job.CreatedAt.Add(time.Minute)
	job.Touch(later)

	require.NoError(t, job.Transition(JobStateProcessing, job.CreatedAt))
	assert.Equal(t, later, job.UpdatedAt)
}

func TestFail_SetsMessage(t *testing.T) {
	job := newTestJob(t)
	require.NoError(t, job.Transition(JobStateProcessing, time.Now()))
	require.NoError(t, job.Fail("parameter 1000: encode failed", time.Now()))

	assert.Equal(t, JobStateFailed, job.State)
	assert.Equal(t, "parameter 1000: encode failed", job.ErrorMessage)
	assert.NoError(t, job.Validate())
}

func TestValidate_DetectsCorruption(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Job)
	}{
		{"missing id", func(j *Job) { j.ID = "" }},
		{"unknown state", func(j *Job) { j.State = "paused" }},
		{"total mismatch", func(j *Job) { j.Progress.TotalCount = 5 }},
		{"completed overflow", func(j *Job) { j.Progress.CompletedCount = 4 }},
		{"error outside failed", func(j *Job) { j.ErrorMessage = "boom" }},
		{"no values", func(j *Job) { j.ParameterValues = nil; j.Progress.TotalCount = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := newTestJob(t)
			tt.mutate(job)
			assert.Error(t, job.Validate())
		})
	}
}

func TestStatus_CopiesProgress(t *testing.T) {
	job := newTestJob(t)
	v := 1000
	job.Progress.CurrentParameterValue = &v

	status := job.Status()
	*status.Progress.CurrentParameterValue = 42

	assert.Equal(t, 1000, *job.Progress.CurrentParameterValue)
}

func TestReportValidate(t *testing.T) {
	job := newTestJob(t)

	report := &Report{
		JobID: job.ID,
		Results: []ParameterResult{
			{ParameterValue: 500}, {ParameterValue: 1000}, {ParameterValue: 2000},
		},
	}
	assert.NoError(t, report.Validate(job))

	report.Results[0], report.Results[1] = report.Results[1], report.Results[0]
	assert.Error(t, report.Validate(job))

	report.Results = report.Results[:2]
	assert.Error(t, report.Validate(job))
}

func TestMetricFamilyPrimary(t *testing.T) {
	assert.Equal(t, "psnr_avg", MetricFamilyPSNR.PrimaryMetric())
	assert.Equal(t, "ssim_avg", MetricFamilySSIM.PrimaryMetric())
	assert.Equal(t, "vmaf", MetricFamilyVMAF.PrimaryMetric())
}
