package parser

import (
	"fmt"
	"math"
	"sort"

	"github.com/therealutkarshpriyadarshi/ratesweep/pkg/models"
)

// Aggregate merges the series of one parameter value by frame number and
// summarises each metric. A frame missing from one series contributes
// nothing to that series' statistics. Summaries keep the order of series.
// A frame key reported by more than one family, such as psnr_y from both
// PSNR and a VMAF model, is stored as "<family>/<key>" for every family that
// reports it.
func Aggregate(value int, series []*Series, perf models.PerformanceSummary) (*models.ParameterResult, error) {
	if len(series) == 0 {
		return nil, fmt.Errorf("no metric series for parameter %d", value)
	}

	merged := make(map[int]map[string]float64)
	summaries := make([]models.FamilySummary, 0, len(series))
	seen := make(map[models.MetricFamily]bool, len(series))

	for _, s := range series {
		if s == nil {
			return nil, fmt.Errorf("nil metric series for parameter %d", value)
		}
		if seen[s.Family] {
			return nil, fmt.Errorf("duplicate %s series for parameter %d", s.Family, value)
		}
		seen[s.Family] = true
	}
	shared := sharedKeys(series)

	for _, s := range series {
		for _, f := range s.Frames {
			dst, ok := merged[f.FrameNumber]
			if !ok {
				dst = make(map[string]float64, len(f.Values))
				merged[f.FrameNumber] = dst
			}
			for k, v := range f.Values {
				if shared[k] {
					k = string(s.Family) + "/" + k
				}
				dst[k] = v
			}
		}
		summaries = append(summaries, summarize(s))
	}

	frameNumbers := make([]int, 0, len(merged))
	for n := range merged {
		frameNumbers = append(frameNumbers, n)
	}
	sort.Ints(frameNumbers)

	frames := make([]models.FrameMetricRecord, 0, len(frameNumbers))
	for _, n := range frameNumbers {
		frames = append(frames, models.FrameMetricRecord{FrameNumber: n, Values: merged[n]})
	}

	return &models.ParameterResult{
		ParameterValue: value,
		Summaries:      summaries,
		Performance:    perf,
		Frames:         frames,
	}, nil
}

// sharedKeys returns the frame keys that appear in more than one series.
func sharedKeys(series []*Series) map[string]bool {
	owners := make(map[string]int)
	for _, s := range series {
		for _, k := range s.Keys() {
			owners[k]++
		}
	}
	shared := make(map[string]bool)
	for k, n := range owners {
		if n > 1 {
			shared[k] = true
		}
	}
	return shared
}

func summarize(s *Series) models.FamilySummary {
	out := models.FamilySummary{
		Family:  s.Family,
		Primary: s.Family.PrimaryMetric(),
		Metrics: make(map[string]models.MetricStats),
	}

	for _, key := range s.Keys() {
		var (
			sum, invSum float64
			count, pos  int
			lo          = math.Inf(1)
			hi          = math.Inf(-1)
		)
		for _, f := range s.Frames {
			v, ok := f.Values[key]
			if !ok {
				continue
			}
			sum += v
			count++
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
			if v > 0 {
				invSum += 1 / v
				pos++
			}
		}
		if count == 0 {
			continue
		}
		stats := models.MetricStats{
			Mean:   sum / float64(count),
			Min:    lo,
			Max:    hi,
			Frames: count,
		}
		if s.Family == models.MetricFamilyVMAF {
			if pooled, ok := s.Pooled[key]; ok && pooled.HarmonicMean != nil {
				hm := *pooled.HarmonicMean
				stats.HarmonicMean = &hm
			} else if pos > 0 {
				hm := float64(pos) / invSum
				stats.HarmonicMean = &hm
			}
		}
		out.Metrics[key] = stats
	}
	return out
}
