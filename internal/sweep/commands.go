package sweep

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"github.com/therealutkarshpriyadarshi/ratesweep/pkg/models"
)

// encoderStyle is the command-line convention of an encoder binary.
type encoderStyle int

const (
	styleFFmpeg encoderStyle = iota
	styleX26x
)

// rateControlFlags are stripped from user parameters; the sweep value
// replaces them. Each takes exactly one value.
var rateControlFlags = map[string]bool{
	"-crf":      true,
	"-b:v":      true,
	"--crf":     true,
	"--bitrate": true,
}

func detectStyle(encoderPath string) (encoderStyle, string) {
	base := strings.ToLower(filepath.Base(encoderPath))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	switch {
	case strings.Contains(base, "x264"):
		return styleX26x, ".h264"
	case strings.Contains(base, "x265"):
		return styleX26x, ".h265"
	default:
		return styleFFmpeg, ".mp4"
	}
}

// splitEncoderParams tokenises user parameters with shell quoting rules
// and drops any rate-control options.
func splitEncoderParams(params string) ([]string, error) {
	if strings.TrimSpace(params) == "" {
		return nil, nil
	}
	tokens, err := shlex.Split(params)
	if err != nil {
		return nil, fmt.Errorf("invalid encoder params: %w", err)
	}

	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if rateControlFlags[tok] {
			i++ // skip the value too
			continue
		}
		if name, _, ok := strings.Cut(tok, "="); ok && rateControlFlags[name] {
			continue
		}
		out = append(out, tok)
	}
	return out, nil
}

// outputName is the encoded file name of the subtask at index.
func outputName(index int, mode models.ParameterMode, value int, ext string) string {
	return fmt.Sprintf("%02d_%s%d%s", index, mode, value, ext)
}

// logName is the per-subtask command log in the work directory.
func logName(index, value int) string {
	return fmt.Sprintf("%02d_%d_commands.log", index, value)
}

// metricLogName is the stats file a metric filter writes.
func metricLogName(index, value int, family models.MetricFamily) string {
	ext := ".log"
	if family == models.MetricFamilyVMAF {
		ext = ".json"
	}
	return fmt.Sprintf("%02d_%d_%s%s", index, value, family, ext)
}

// encodeArgs builds the encoder invocation for one parameter value.
func encodeArgs(job *models.Job, value int, output string) ([]string, error) {
	params, err := splitEncoderParams(job.EncoderParams)
	if err != nil {
		return nil, err
	}
	style, _ := detectStyle(job.EncoderRef)
	v := strconv.Itoa(value)

	var args []string
	switch style {
	case styleX26x:
		args = append(args, params...)
		if job.ParameterMode == models.ParameterModeCRF {
			args = append(args, "--crf", v)
		} else {
			args = append(args, "--bitrate", v)
		}
		args = append(args, "-o", output, job.InputVideoRef)
	default:
		args = []string{"-hide_banner", "-nostdin", "-y", "-i", job.InputVideoRef}
		args = append(args, params...)
		if job.ParameterMode == models.ParameterModeCRF {
			args = append(args, "-crf", v)
		} else {
			args = append(args, "-b:v", v+"k")
		}
		args = append(args, output)
	}
	return args, nil
}

// inspectArgs asks ffprobe for the first video stream and container format of
// an encoded output.
func inspectArgs(output string) []string {
	return []string{
		"-v", "error",
		"-print_format", "json",
		"-select_streams", "v:0",
		"-show_format",
		"-show_streams",
		output,
	}
}

// metricArgs builds the ffmpeg invocation that compares distorted against
// reference and writes per-frame stats to statsName, relative to the
// working directory so the filter graph needs no path escaping.
func metricArgs(family models.MetricFamily, reference, distorted, statsName, vmafModel string) ([]string, error) {
	var filter string
	switch family {
	case models.MetricFamilyPSNR:
		filter = fmt.Sprintf("[0:v][1:v]psnr=stats_file=%s", statsName)
	case models.MetricFamilySSIM:
		filter = fmt.Sprintf("[0:v][1:v]ssim=stats_file=%s", statsName)
	case models.MetricFamilyVMAF:
		filter = fmt.Sprintf(
			"[0:v]setpts=PTS-STARTPTS[distorted];[1:v]setpts=PTS-STARTPTS[reference];[distorted][reference]libvmaf=log_fmt=json:log_path=%s",
			statsName,
		)
		if vmafModel != "" {
			filter += ":model=" + vmafModel
		}
	default:
		return nil, fmt.Errorf("unsupported metric %q", family)
	}

	return []string{
		"-hide_banner",
		"-nostdin",
		"-i", distorted,
		"-i", reference,
		"-filter_complex", filter,
		"-f", "null",
		"-",
	}, nil
}
