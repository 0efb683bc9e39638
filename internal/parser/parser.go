// Package parser turns raw metric tool logs into frame-indexed series and
// folds them into per-parameter results.
package parser

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/therealutkarshpriyadarshi/ratesweep/pkg/models"
)

// Pooled is a tool-reported summary for one metric.
type Pooled struct {
	Mean         *float64 `json:"mean,omitempty"`
	HarmonicMean *float64 `json:"harmonic_mean,omitempty"`
}

// Series is the parsed output of one metric tool run, ordered by frame.
type Series struct {
	Family models.MetricFamily
	Frames []models.FrameMetricRecord
	Pooled map[string]Pooled
}

// Keys returns the metric names present in at least one frame, sorted.
func (s *Series) Keys() []string {
	seen := make(map[string]struct{})
	for _, f := range s.Frames {
		for k := range f.Values {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Parse dispatches to the parser for family.
func Parse(family models.MetricFamily, r io.Reader) (*Series, error) {
	switch family {
	case models.MetricFamilyPSNR:
		return ParsePSNR(r)
	case models.MetricFamilySSIM:
		return ParseSSIM(r)
	case models.MetricFamilyVMAF:
		return ParseVMAF(r)
	default:
		return nil, fmt.Errorf("unsupported metric family %q", family)
	}
}

// ParseFile opens path and parses it as family.
func ParseFile(family models.MetricFamily, path string) (*Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s log: %w", family, err)
	}
	defer f.Close()
	return Parse(family, f)
}

// ParsePSNR reads an ffmpeg psnr stats_file:
//
//	n:1 mse_avg:0.52 mse_y:0.61 mse_u:0.32 mse_v:0.30 psnr_avg:50.97 psnr_y:50.27 psnr_u:53.07 psnr_v:53.39
func ParsePSNR(r io.Reader) (*Series, error) {
	return parseKeyValueLog(r, "psnr", "psnr_avg", func(key string) (string, bool) {
		if strings.HasPrefix(key, "psnr_") {
			return key, true
		}
		return "", false
	})
}

// ParseSSIM reads an ffmpeg ssim stats_file:
//
//	n:1 Y:0.987104 U:0.991240 V:0.990858 All:0.988576 (19.420)
func ParseSSIM(r io.Reader) (*Series, error) {
	names := map[string]string{
		"Y":   "ssim_y",
		"U":   "ssim_u",
		"V":   "ssim_v",
		"All": "ssim_avg",
	}
	return parseKeyValueLog(r, "ssim", "All", func(key string) (string, bool) {
		name, ok := names[key]
		return name, ok
	})
}

// parseKeyValueLog handles the line-oriented "key:value" stats formats.
// Lines without the marker key are ignored; a line that has it but does
// not yield a value for it is malformed.
func parseKeyValueLog(r io.Reader, format, marker string, rename func(string) (string, bool)) (*Series, error) {
	family := models.MetricFamily(format)
	primary := family.PrimaryMetric()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		frames  []models.FrameMetricRecord
		lineNo  int
		ordinal int
	)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if !strings.Contains(line, marker+":") {
			continue
		}
		ordinal++

		frameNo := ordinal
		values := make(map[string]float64)
		markerSeen := false
		for _, field := range strings.Fields(line) {
			key, raw, ok := strings.Cut(field, ":")
			if !ok {
				continue
			}
			if key == "n" {
				n, err := strconv.Atoi(raw)
				if err != nil || n < 1 {
					return nil, &ParseError{Format: format, Line: lineNo, Reason: fmt.Sprintf("bad frame number %q", raw)}
				}
				frameNo = n
				continue
			}
			name, ok := rename(key)
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, &ParseError{Format: format, Line: lineNo, Reason: fmt.Sprintf("bad value for %s: %q", key, raw)}
			}
			if key == marker {
				markerSeen = true
			}
			// Identical frames report inf; such frames carry no finite
			// measurement and are left absent.
			if math.IsInf(v, 0) || math.IsNaN(v) {
				continue
			}
			values[name] = v
		}
		if !markerSeen {
			return nil, &ParseError{Format: format, Line: lineNo, Reason: "missing " + primary}
		}
		if n := len(frames); n > 0 && frameNo <= frames[n-1].FrameNumber {
			return nil, &ParseError{Format: format, Line: lineNo,
				Reason: fmt.Sprintf("frame %d does not follow frame %d", frameNo, frames[n-1].FrameNumber)}
		}
		frames = append(frames, models.FrameMetricRecord{FrameNumber: frameNo, Values: values})
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{Format: format, Line: lineNo, Reason: err.Error()}
	}
	if len(frames) == 0 {
		return nil, &ParseError{Format: format, Reason: "no frame records found"}
	}

	return &Series{Family: family, Frames: frames}, nil
}
