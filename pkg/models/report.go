package models

import (
	"fmt"
	"time"
)

// MetricFamily identifies the tool that produced a set of frame values
type MetricFamily string

// MetricFamily constants
const (
	MetricFamilyPSNR MetricFamily = "psnr"
	MetricFamilySSIM MetricFamily = "ssim"
	MetricFamilyVMAF MetricFamily = "vmaf"
)

// PrimaryMetric returns the headline metric name of the family
func (f MetricFamily) PrimaryMetric() string {
	switch f {
	case MetricFamilyPSNR:
		return "psnr_avg"
	case MetricFamilySSIM:
		return "ssim_avg"
	case MetricFamilyVMAF:
		return "vmaf"
	}
	return string(f)
}

// FrameMetricRecord holds the measured values of one frame
type FrameMetricRecord struct {
	FrameNumber int                `json:"frame_number"` // 1-based
	Values      map[string]float64 `json:"values"`
}

// MetricStats summarizes one metric over all frames where it is present
type MetricStats struct {
	Mean         float64  `json:"mean"`
	Min          float64  `json:"min"`
	Max          float64  `json:"max"`
	HarmonicMean *float64 `json:"harmonic_mean,omitempty"`
	Frames       int      `json:"frames"`
}

// FamilySummary is the per-tool summary inside a parameter result
type FamilySummary struct {
	Family  MetricFamily           `json:"family"`
	Primary string                 `json:"primary"`
	Metrics map[string]MetricStats `json:"metrics"`
}

// ResourceSample captures the CPU cost of one external invocation
type ResourceSample struct {
	Stage         string  `json:"stage"`
	WallSeconds   float64 `json:"wall_seconds"`
	UserSeconds   float64 `json:"user_seconds"`
	SystemSeconds float64 `json:"system_seconds"`
	CPUPercent    float64 `json:"cpu_percent"`
}

// PerformanceSummary describes how the encode of one parameter value went
type PerformanceSummary struct {
	EncodeSeconds   float64          `json:"encode_seconds"`
	TotalFrames     int              `json:"total_frames,omitempty"`
	EncodingFPS     float64          `json:"encoding_fps,omitempty"`
	AvgFrameTimeMs  float64          `json:"avg_frame_time_ms,omitempty"`
	OutputBytes     int64            `json:"output_bytes"`
	DurationSeconds float64          `json:"duration_seconds,omitempty"`
	AvgBitrateKbps  float64          `json:"avg_bitrate_kbps"`
	Width           int              `json:"width,omitempty"`
	Height          int              `json:"height,omitempty"`
	FrameRate       float64          `json:"frame_rate,omitempty"`
	CPUAvgPercent   float64          `json:"cpu_avg_percent"`
	CPUMaxPercent   float64          `json:"cpu_max_percent"`
	ResourceSamples []ResourceSample `json:"resource_samples,omitempty"`
}

// ParameterResult aggregates one subtask of the sweep
type ParameterResult struct {
	ParameterValue int                 `json:"parameter_value"`
	Summaries      []FamilySummary     `json:"summaries"`
	Performance    PerformanceSummary  `json:"performance"`
	Frames         []FrameMetricRecord `json:"frames"`
}

// Summary returns the summary for family, if present
func (r *ParameterResult) Summary(family MetricFamily) (FamilySummary, bool) {
	for _, s := range r.Summaries {
		if s.Family == family {
			return s, true
		}
	}
	return FamilySummary{}, false
}

// Report is the final, immutable artifact of a completed job
type Report struct {
	JobID         string            `json:"job_id"`
	ParameterMode ParameterMode     `json:"parameter_mode"`
	Results       []ParameterResult `json:"results"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Validate checks that the report matches the job it belongs to:
// one result per parameter value, in submission order.
func (r *Report) Validate(job *Job) error {
	if r.JobID != job.ID {
		return fmt.Errorf("report job id %q does not match %q", r.JobID, job.ID)
	}
	if len(r.Results) != len(job.ParameterValues) {
		return fmt.Errorf("report has %d results, job has %d parameter values",
			len(r.Results), len(job.ParameterValues))
	}
	for i, res := range r.Results {
		if res.ParameterValue != job.ParameterValues[i] {
			return fmt.Errorf("result %d is for value %d, expected %d",
				i, res.ParameterValue, job.ParameterValues[i])
		}
	}
	return nil
}
