package models

import (
	"errors"
	"fmt"
	"time"
)

// JobState is the lifecycle state of a sweep job
type JobState string

// JobState constants
const (
	JobStateQueued     JobState = "queued"
	JobStateProcessing JobState = "processing"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
	JobStateCancelled  JobState = "cancelled"
)

// ErrInvalidTransition is returned when a state change is not permitted
var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[JobState][]JobState{
	JobStateQueued:     {JobStateProcessing, JobStateCancelled},
	JobStateProcessing: {JobStateCompleted, JobStateFailed, JobStateCancelled},
}

// Valid reports whether s is a known state
func (s JobState) Valid() bool {
	switch s {
	case JobStateQueued, JobStateProcessing, JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed out of s
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCancelled
}

// CanTransitionTo reports whether s -> next is an edge of the state machine
func (s JobState) CanTransitionTo(next JobState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParameterMode is the rate-control strategy swept by a job
type ParameterMode string

// ParameterMode constants
const (
	ParameterModeABR ParameterMode = "abr"
	ParameterModeCRF ParameterMode = "crf"
)

// Valid reports whether m is a known mode
func (m ParameterMode) Valid() bool {
	return m == ParameterModeABR || m == ParameterModeCRF
}

// Progress tracks how many parameter subtasks have finished
type Progress struct {
	CompletedCount        int  `json:"completed_count"`
	TotalCount            int  `json:"total_count"`
	CurrentParameterValue *int `json:"current_parameter_value"`
}

// Job is the durable record of one parameter sweep
type Job struct {
	ID              string        `json:"id"`
	State           JobState      `json:"state"`
	InputVideoRef   string        `json:"input_video_ref"`
	EncoderRef      string        `json:"encoder_ref"`
	EncoderParams   string        `json:"encoder_params,omitempty"`
	ParameterMode   ParameterMode `json:"parameter_mode"`
	ParameterValues []int         `json:"parameter_values"`
	Metrics         []string      `json:"metrics"`
	Progress        Progress      `json:"progress"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	WorkerID        string        `json:"worker_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// JobStatus is the polling view of a job
type JobStatus struct {
	ID           string    `json:"id"`
	State        JobState  `json:"state"`
	Progress     Progress  `json:"progress"`
	ErrorMessage string    `json:"error_message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewJob builds a queued job. Inputs are expected to be validated already.
func NewJob(id string, req SweepRequest, now time.Time) *Job {
	values := make([]int, len(req.ParameterValues))
	copy(values, req.ParameterValues)
	metrics := make([]string, len(req.Metrics))
	copy(metrics, req.Metrics)

	return &Job{
		ID:              id,
		State:           JobStateQueued,
		InputVideoRef:   req.InputVideoRef,
		EncoderRef:      req.EncoderRef,
		EncoderParams:   req.EncoderParams,
		ParameterMode:   req.ParameterMode,
		ParameterValues: values,
		Metrics:         metrics,
		Progress: Progress{
			TotalCount: len(values),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch advances UpdatedAt without ever moving it backwards
func (j *Job) Touch(now time.Time) {
	if now.After(j.UpdatedAt) {
		j.UpdatedAt = now
	}
}

// Transition moves the job to next, enforcing the state machine
func (j *Job) Transition(next JobState, now time.Time) error {
	if !j.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, next)
	}

	j.State = next
	j.Touch(now)

	switch next {
	case JobStateProcessing:
		if j.StartedAt == nil {
			started := j.UpdatedAt
			j.StartedAt = &started
		}
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		completed := j.UpdatedAt
		j.CompletedAt = &completed
		j.Progress.CurrentParameterValue = nil
	}

	if next != JobStateFailed {
		j.ErrorMessage = ""
	}

	return nil
}

// Fail transitions to Failed and records a human-readable message
func (j *Job) Fail(message string, now time.Time) error {
	if err := j.Transition(JobStateFailed, now); err != nil {
		return err
	}
	if message == "" {
		message = "job failed"
	}
	j.ErrorMessage = message
	return nil
}

// Status returns the polling view of the job
func (j *Job) Status() *JobStatus {
	progress := j.Progress
	if progress.CurrentParameterValue != nil {
		v := *progress.CurrentParameterValue
		progress.CurrentParameterValue = &v
	}

	return &JobStatus{
		ID:           j.ID,
		State:        j.State,
		Progress:     progress,
		ErrorMessage: j.ErrorMessage,
		UpdatedAt:    j.UpdatedAt,
	}
}

// Validate checks the structural invariants of a persisted record
func (j *Job) Validate() error {
	switch {
	case j.ID == "":
		return errors.New("missing id")
	case !j.State.Valid():
		return fmt.Errorf("unknown state %q", j.State)
	case !j.ParameterMode.Valid():
		return fmt.Errorf("unknown parameter mode %q", j.ParameterMode)
	case len(j.ParameterValues) == 0:
		return errors.New("no parameter values")
	case j.Progress.TotalCount != len(j.ParameterValues):
		return fmt.Errorf("progress total %d does not match %d parameter values",
			j.Progress.TotalCount, len(j.ParameterValues))
	case j.Progress.CompletedCount < 0 || j.Progress.CompletedCount > j.Progress.TotalCount:
		return fmt.Errorf("progress completed %d out of range [0,%d]",
			j.Progress.CompletedCount, j.Progress.TotalCount)
	case j.ErrorMessage != "" && j.State != JobStateFailed:
		return fmt.Errorf("error message present in state %s", j.State)
	case j.CreatedAt.IsZero():
		return errors.New("missing created_at")
	case j.UpdatedAt.Before(j.CreatedAt):
		return errors.New("updated_at precedes created_at")
	}
	return nil
}
