package parser

import (
	"regexp"
	"strconv"
)

// EncoderStats is what an encoder reports about its own run.
type EncoderStats struct {
	Frames  int
	FPS     float64
	Seconds float64 // encoder-reported elapsed time, when printed
}

var (
	// ffmpeg progress lines; the last one carries the final totals.
	ffmpegProgressRe = regexp.MustCompile(`frame=\s*(\d+)\s+fps=\s*([\d.]+)`)
	// x265 and vvenc: "encoded 240 frames in 12.34s (19.45 fps)"
	timedSummaryRe = regexp.MustCompile(`encoded\s+(\d+)\s+frames\s+in\s+([\d.]+)s\s+\(([\d.]+)\s+fps\)`)
	// x264: "encoded 240 frames, 48.52 fps, 1803.64 kb/s"
	x264SummaryRe = regexp.MustCompile(`encoded\s+(\d+)\s+frames,\s+([\d.]+)\s+fps`)
)

// ParseEncoderStats extracts frame count and throughput from encoder
// output. ok is false when the output carries no recognisable summary,
// which is not an error: the caller falls back to wall-clock figures.
func ParseEncoderStats(output string) (EncoderStats, bool) {
	if m := timedSummaryRe.FindStringSubmatch(output); m != nil {
		frames, _ := strconv.Atoi(m[1])
		seconds, _ := strconv.ParseFloat(m[2], 64)
		fps, _ := strconv.ParseFloat(m[3], 64)
		return EncoderStats{Frames: frames, FPS: fps, Seconds: seconds}, true
	}
	if m := x264SummaryRe.FindStringSubmatch(output); m != nil {
		frames, _ := strconv.Atoi(m[1])
		fps, _ := strconv.ParseFloat(m[2], 64)
		return EncoderStats{Frames: frames, FPS: fps}, true
	}
	if all := ffmpegProgressRe.FindAllStringSubmatch(output, -1); len(all) > 0 {
		m := all[len(all)-1]
		frames, _ := strconv.Atoi(m[1])
		fps, _ := strconv.ParseFloat(m[2], 64)
		return EncoderStats{Frames: frames, FPS: fps}, true
	}
	return EncoderStats{}, false
}
