package parser

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// StreamInfo is what ffprobe reports about an encoded output.
type StreamInfo struct {
	DurationSeconds float64
	BitRateBps      int64
	Width           int
	Height          int
	FrameRate       float64
	Frames          int
}

// ffprobeDoc mirrors `ffprobe -print_format json -show_format -show_streams`
type ffprobeDoc struct {
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		Duration     string `json:"duration"`
		BitRate      string `json:"bit_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		FrameRate    string `json:"r_frame_rate"`
		NbFrames     string `json:"nb_frames"`
	} `json:"streams"`
}

// ParseStreamInfo decodes ffprobe JSON output. Raw elementary streams carry no
// duration or bitrate; those fields stay zero and the caller derives them.
func ParseStreamInfo(output string) (*StreamInfo, error) {
	data := []byte(output)
	start, end := bytes.IndexByte(data, '{'), bytes.LastIndexByte(data, '}')
	if start < 0 || end < start {
		return nil, &ParseError{Format: "ffprobe", Reason: "no JSON document in output"}
	}

	var out ffprobeDoc
	if err := json.Unmarshal(data[start:end+1], &out); err != nil {
		return nil, &ParseError{Format: "ffprobe", Reason: err.Error()}
	}

	info := &StreamInfo{
		DurationSeconds: parseNumber(out.Format.Duration),
		BitRateBps:      int64(parseNumber(out.Format.BitRate)),
	}
	found := false
	for _, stream := range out.Streams {
		if stream.CodecType != "video" {
			continue
		}
		found = true
		info.Width = stream.Width
		info.Height = stream.Height
		info.FrameRate = parseRate(stream.AvgFrameRate)
		if info.FrameRate == 0 {
			info.FrameRate = parseRate(stream.FrameRate)
		}
		info.Frames = int(parseNumber(stream.NbFrames))
		if info.DurationSeconds == 0 {
			info.DurationSeconds = parseNumber(stream.Duration)
		}
		if info.BitRateBps == 0 {
			info.BitRateBps = int64(parseNumber(stream.BitRate))
		}
		break
	}
	if !found {
		return nil, &ParseError{Format: "ffprobe", Reason: "no video stream"}
	}
	return info, nil
}

// parseNumber returns 0 for ffprobe's "N/A" and other non-numbers.
func parseNumber(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// parseRate reads "30000/1001" style rates. "0/0" yields 0.
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		return parseNumber(s)
	}
	d := parseNumber(den)
	if d == 0 {
		return 0
	}
	return parseNumber(num) / d
}
