package parser

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/therealutkarshpriyadarshi/ratesweep/pkg/models"
)

type vmafLog struct {
	Frames []struct {
		FrameNum *int                `json:"frameNum"`
		Metrics  map[string]*float64 `json:"metrics"`
	} `json:"frames"`
	PooledMetrics map[string]Pooled `json:"pooled_metrics"`
}

// ParseVMAF reads libvmaf output in JSON or CSV form. libvmaf numbers frames
// from zero; records are shifted to the 1-based numbering used elsewhere.
func ParseVMAF(r io.Reader) (*Series, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &ParseError{Format: "vmaf", Reason: err.Error()}
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &ParseError{Format: "vmaf", Reason: "empty log"}
	}
	if trimmed[0] == '{' {
		return parseVMAFJSON(trimmed)
	}
	return parseVMAFCSV(trimmed)
}

func parseVMAFJSON(data []byte) (*Series, error) {
	var doc vmafLog
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Format: "vmaf-json", Reason: err.Error()}
	}
	if len(doc.Frames) == 0 {
		return nil, &ParseError{Format: "vmaf-json", Reason: "no frames"}
	}

	frames := make([]models.FrameMetricRecord, 0, len(doc.Frames))
	for i, f := range doc.Frames {
		frameNo := i + 1
		if f.FrameNum != nil {
			frameNo = *f.FrameNum + 1
		}
		if n := len(frames); n > 0 && frameNo <= frames[n-1].FrameNumber {
			return nil, &ParseError{Format: "vmaf-json",
				Reason: fmt.Sprintf("frame %d does not follow frame %d", frameNo, frames[n-1].FrameNumber)}
		}
		values := make(map[string]float64, len(f.Metrics))
		for k, v := range f.Metrics {
			if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
				continue
			}
			values[k] = *v
		}
		frames = append(frames, models.FrameMetricRecord{FrameNumber: frameNo, Values: values})
	}

	series := &Series{Family: models.MetricFamilyVMAF, Frames: frames, Pooled: doc.PooledMetrics}
	if !hasMetric(series, "vmaf") {
		return nil, &ParseError{Format: "vmaf-json", Reason: "no vmaf scores in frames"}
	}
	return series, nil
}

func isFrameColumn(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "frame", "index", "frame_num", "framenum":
		return true
	}
	return false
}

func parseVMAFCSV(data []byte) (*Series, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, &ParseError{Format: "vmaf-csv", Line: 1, Reason: err.Error()}
	}
	frameCol := -1
	for i, name := range header {
		header[i] = strings.TrimSpace(name)
		if frameCol < 0 && isFrameColumn(name) {
			frameCol = i
		}
	}

	var frames []models.FrameMetricRecord
	line := 1
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, &ParseError{Format: "vmaf-csv", Line: line, Reason: err.Error()}
		}

		frameNo := len(frames) + 1
		values := make(map[string]float64, len(row))
		for i, raw := range row {
			if i == frameCol {
				n, err := strconv.Atoi(strings.TrimSpace(raw))
				if err != nil || n < 0 {
					return nil, &ParseError{Format: "vmaf-csv", Line: line, Reason: fmt.Sprintf("bad frame number %q", raw)}
				}
				frameNo = n + 1
				continue
			}
			if header[i] == "" {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			values[header[i]] = v
		}
		if n := len(frames); n > 0 && frameNo <= frames[n-1].FrameNumber {
			return nil, &ParseError{Format: "vmaf-csv", Line: line,
				Reason: fmt.Sprintf("frame %d does not follow frame %d", frameNo, frames[n-1].FrameNumber)}
		}
		frames = append(frames, models.FrameMetricRecord{FrameNumber: frameNo, Values: values})
	}

	if len(frames) == 0 {
		return nil, &ParseError{Format: "vmaf-csv", Reason: "no frame rows"}
	}
	series := &Series{Family: models.MetricFamilyVMAF, Frames: frames}
	if !hasMetric(series, "vmaf") {
		return nil, &ParseError{Format: "vmaf-csv", Reason: "no vmaf column"}
	}
	return series, nil
}

func hasMetric(s *Series, name string) bool {
	for _, f := range s.Frames {
		if _, ok := f.Values[name]; ok {
			return true
		}
	}
	return false
}
