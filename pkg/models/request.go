package models

import (
	"errors"
	"fmt"
	"strings"
)

// SweepRequest is an inbound job submission
type SweepRequest struct {
	InputVideoRef   string        `json:"input_video_ref"`
	EncoderRef      string        `json:"encoder_ref"`
	EncoderParams   string        `json:"encoder_params,omitempty"`
	ParameterMode   ParameterMode `json:"parameter_mode"`
	ParameterValues []int         `json:"parameter_values"`
	Metrics         []string      `json:"metrics"`
}

// ValidationError reports bad submission input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err wraps a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// MaxParameterValues is the hard cap on distinct values in one sweep.
const MaxParameterValues = 10

// Limits bounds what a submission may ask for
type Limits struct {
	MaxParameterValues int
	ABRMaxKbps         int
	CRFMin             int
	CRFMax             int
	AllowedMetrics     []string
}

// DefaultLimits returns the stock submission bounds
func DefaultLimits() Limits {
	return Limits{
		MaxParameterValues: MaxParameterValues,
		ABRMaxKbps:         100000,
		CRFMin:             0,
		CRFMax:             51,
		AllowedMetrics:     []string{"psnr", "ssim", "vmaf"},
	}
}

// Normalize validates the request against limits and returns a copy with
// parameter values deduplicated (first occurrence wins) and metric names
// lower-cased and deduplicated.
func (r SweepRequest) Normalize(limits Limits) (SweepRequest, error) {
	out := r
	out.InputVideoRef = strings.TrimSpace(r.InputVideoRef)
	out.EncoderRef = strings.TrimSpace(r.EncoderRef)

	if out.InputVideoRef == "" {
		return SweepRequest{}, &ValidationError{Field: "input_video_ref", Reason: "required"}
	}
	if out.EncoderRef == "" {
		return SweepRequest{}, &ValidationError{Field: "encoder_ref", Reason: "required"}
	}
	if !r.ParameterMode.Valid() {
		return SweepRequest{}, &ValidationError{
			Field:  "parameter_mode",
			Reason: fmt.Sprintf("must be %q or %q, got %q", ParameterModeABR, ParameterModeCRF, r.ParameterMode),
		}
	}

	values, err := normalizeValues(r.ParameterMode, r.ParameterValues, limits)
	if err != nil {
		return SweepRequest{}, err
	}
	out.ParameterValues = values

	metrics, err := normalizeMetrics(r.Metrics, limits.AllowedMetrics)
	if err != nil {
		return SweepRequest{}, err
	}
	out.Metrics = metrics

	return out, nil
}

func normalizeValues(mode ParameterMode, values []int, limits Limits) ([]int, error) {
	if len(values) == 0 {
		return nil, &ValidationError{Field: "parameter_values", Reason: "at least one value is required"}
	}

	seen := make(map[int]struct{}, len(values))
	out := make([]int, 0, len(values))
	for _, v := range values {
		if err := checkValue(mode, v, limits); err != nil {
			return nil, err
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}

	limit := MaxParameterValues
	if limits.MaxParameterValues > 0 && limits.MaxParameterValues < limit {
		limit = limits.MaxParameterValues
	}
	if len(out) > limit {
		return nil, &ValidationError{
			Field:  "parameter_values",
			Reason: fmt.Sprintf("at most %d distinct values allowed, got %d", limit, len(out)),
		}
	}
	return out, nil
}

func checkValue(mode ParameterMode, v int, limits Limits) error {
	switch mode {
	case ParameterModeABR:
		if v <= 0 || (limits.ABRMaxKbps > 0 && v > limits.ABRMaxKbps) {
			return &ValidationError{
				Field:  "parameter_values",
				Reason: fmt.Sprintf("abr bitrate %d kbps outside (0, %d]", v, limits.ABRMaxKbps),
			}
		}
	case ParameterModeCRF:
		if v < limits.CRFMin || v > limits.CRFMax {
			return &ValidationError{
				Field:  "parameter_values",
				Reason: fmt.Sprintf("crf %d outside [%d, %d]", v, limits.CRFMin, limits.CRFMax),
			}
		}
	}
	return nil
}

func normalizeMetrics(metrics []string, allowed []string) ([]string, error) {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, m := range allowed {
		allowedSet[strings.ToLower(m)] = struct{}{}
	}

	seen := make(map[string]struct{}, len(metrics))
	out := make([]string, 0, len(metrics))
	for _, m := range metrics {
		name := strings.ToLower(strings.TrimSpace(m))
		if name == "" {
			continue
		}
		if _, ok := allowedSet[name]; !ok {
			return nil, &ValidationError{
				Field:  "metrics",
				Reason: fmt.Sprintf("unsupported metric %q (allowed: %s)", name, strings.Join(allowed, ", ")),
			}
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}

	if len(out) == 0 {
		return nil, &ValidationError{Field: "metrics", Reason: "at least one metric is required"}
	}
	return out, nil
}
