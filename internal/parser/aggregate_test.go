package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/ratesweep/pkg/models"
)

func mustParse(t *testing.T, family models.MetricFamily, input string) *Series {
	t.Helper()
	s, err := Parse(family, strings.NewReader(input))
	require.NoError(t, err)
	return s
}

func TestAggregateMergesByFrame(t *testing.T) {
	psnr := mustParse(t, models.MetricFamilyPSNR, "n:1 psnr_avg:40 psnr_y:39\nn:2 psnr_avg:42 psnr_y:41\nn:3 psnr_avg:44 psnr_y:43\n")
	// VMAF is missing frame 2 entirely.
	vmaf := mustParse(t, models.MetricFamilyVMAF, "Frame,vmaf\n0,80\n2,90\n")

	perf := models.PerformanceSummary{EncodeSeconds: 2.5, TotalFrames: 3}
	res, err := Aggregate(1000, []*Series{psnr, vmaf}, perf)
	require.NoError(t, err)

	assert.Equal(t, 1000, res.ParameterValue)
	assert.Equal(t, perf, res.Performance)
	require.Len(t, res.Frames, 3)
	assert.Equal(t, map[string]float64{"psnr_avg": 40, "psnr_y": 39, "vmaf": 80}, res.Frames[0].Values)
	assert.Equal(t, map[string]float64{"psnr_avg": 42, "psnr_y": 41}, res.Frames[1].Values)
	assert.Equal(t, 3, res.Frames[2].FrameNumber)

	require.Len(t, res.Summaries, 2)
	assert.Equal(t, models.MetricFamilyPSNR, res.Summaries[0].Family)
	assert.Equal(t, models.MetricFamilyVMAF, res.Summaries[1].Family)

	psnrSummary, ok := res.Summary(models.MetricFamilyPSNR)
	require.True(t, ok)
	assert.Equal(t, "psnr_avg", psnrSummary.Primary)
	assert.InDelta(t, 42.0, psnrSummary.Metrics["psnr_avg"].Mean, 1e-9)
	assert.InDelta(t, 40.0, psnrSummary.Metrics["psnr_avg"].Min, 1e-9)
	assert.InDelta(t, 44.0, psnrSummary.Metrics["psnr_avg"].Max, 1e-9)
	assert.InDelta(t, 41.0, psnrSummary.Metrics["psnr_y"].Mean, 1e-9)
	assert.Nil(t, psnrSummary.Metrics["psnr_avg"].HarmonicMean)

	vmafSummary, ok := res.Summary(models.MetricFamilyVMAF)
	require.True(t, ok)
	stats := vmafSummary.Metrics["vmaf"]
	assert.Equal(t, 2, stats.Frames, "missing frames are absent, not zero")
	assert.InDelta(t, 85.0, stats.Mean, 1e-9)
	require.NotNil(t, stats.HarmonicMean)
	assert.InDelta(t, 2/(1.0/80+1.0/90), *stats.HarmonicMean, 1e-9)
}

func TestAggregateNamespacesKeysSharedAcrossFamilies(t *testing.T) {
	psnr := mustParse(t, models.MetricFamilyPSNR, "n:1 psnr_avg:40 psnr_y:39\nn:2 psnr_avg:42 psnr_y:41\n")
	vmaf := mustParse(t, models.MetricFamilyVMAF, `{
  "frames": [
    {"frameNum": 0, "metrics": {"psnr_y": 45.0, "vmaf": 90.0}},
    {"frameNum": 1, "metrics": {"psnr_y": 47.0, "vmaf": 92.0}}
  ]
}`)

	res, err := Aggregate(28, []*Series{psnr, vmaf}, models.PerformanceSummary{})
	require.NoError(t, err)

	require.Len(t, res.Frames, 2)
	assert.Equal(t, map[string]float64{
		"psnr_avg":    40,
		"psnr/psnr_y": 39,
		"vmaf/psnr_y": 45,
		"vmaf":        90,
	}, res.Frames[0].Values)

	psnrSummary, ok := res.Summary(models.MetricFamilyPSNR)
	require.True(t, ok)
	assert.InDelta(t, 40.0, psnrSummary.Metrics["psnr_y"].Mean, 1e-9)
	vmafSummary, ok := res.Summary(models.MetricFamilyVMAF)
	require.True(t, ok)
	assert.InDelta(t, 46.0, vmafSummary.Metrics["psnr_y"].Mean, 1e-9)
}

func TestAggregatePrefersPooledHarmonicMean(t *testing.T) {
	vmaf := mustParse(t, models.MetricFamilyVMAF, vmafJSON)

	res, err := Aggregate(23, []*Series{vmaf}, models.PerformanceSummary{})
	require.NoError(t, err)

	stats := res.Summaries[0].Metrics["vmaf"]
	assert.InDelta(t, 94.0, stats.Mean, 1e-9)
	require.NotNil(t, stats.HarmonicMean)
	assert.InDelta(t, 93.9, *stats.HarmonicMean, 1e-9)
}

func TestAggregateSkipsInfiniteFrames(t *testing.T) {
	psnr := mustParse(t, models.MetricFamilyPSNR, psnrLog)

	res, err := Aggregate(500, []*Series{psnr}, models.PerformanceSummary{})
	require.NoError(t, err)

	require.Len(t, res.Frames, 3)
	stats := res.Summaries[0].Metrics["psnr_avg"]
	assert.Equal(t, 2, stats.Frames)
	assert.InDelta(t, (50.97+50.35)/2, stats.Mean, 1e-9)
}

func TestAggregateErrors(t *testing.T) {
	psnr := mustParse(t, models.MetricFamilyPSNR, psnrLog)

	_, err := Aggregate(1, nil, models.PerformanceSummary{})
	assert.Error(t, err)

	_, err = Aggregate(1, []*Series{psnr, psnr}, models.PerformanceSummary{})
	assert.Error(t, err)

	_, err = Aggregate(1, []*Series{nil}, models.PerformanceSummary{})
	assert.Error(t, err)
}
