package video

// probe.go reads container properties with ffprobe. Frame rate and frame
// count follow what OpenCV's ffmpeg backend reports: the stream's real frame
// rate (falling back to the average rate) and nb_frames (falling back to
// duration times frame rate when the container does not store a count).

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// ffprobeOutput represents the JSON structure from ffprobe.
type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Filename   string `json:"filename"`
	Duration   string `json:"duration"`
	FormatName string `json:"format_name"`
}

type ffprobeStream struct {
	Index        int    `json:"index"`
	CodecName    string `json:"codec_name"`
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
	NbFrames     string `json:"nb_frames"`
	Duration     string `json:"duration"`
}

// Metadata holds the properties of the first video stream of a container.
type Metadata struct {
	Width      int
	Height     int
	FrameRate  float64
	FrameCount int
	Codec      string
	Format     string
}

// ProbeMetadata runs ffprobe on path and returns the first video stream's
// properties. Failures wrap ErrIO.
func ProbeMetadata(ctx context.Context, ffprobePath, path string) (*Metadata, error) {
	if ffprobePath == "" {
		p, err := exec.LookPath("ffprobe")
		if err != nil {
			return nil, fmt.Errorf("%w: ffprobe not found in PATH: %v", ErrIO, err)
		}
		ffprobePath = p
	}

	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-select_streams", "v:0",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: ffprobe %s: %v", ErrIO, path, err)
	}

	meta, err := parseProbeOutput(output)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIO, path, err)
	}

	log.Debug().
		Str("path", path).
		Int("width", meta.Width).
		Int("height", meta.Height).
		Float64("frame_rate", meta.FrameRate).
		Int("frame_count", meta.FrameCount).
		Str("codec", meta.Codec).
		Msg("Video probed")

	return meta, nil
}

func parseProbeOutput(output []byte) (*Metadata, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(output, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	var stream *ffprobeStream
	for i := range probe.Streams {
		if probe.Streams[i].CodecType == "video" {
			stream = &probe.Streams[i]
			break
		}
	}
	if stream == nil {
		return nil, fmt.Errorf("no video stream")
	}
	if stream.Width <= 0 || stream.Height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", stream.Width, stream.Height)
	}

	meta := &Metadata{
		Width:  stream.Width,
		Height: stream.Height,
		Codec:  stream.CodecName,
		Format: probe.Format.FormatName,
	}

	meta.FrameRate = parseFrameRate(stream.RFrameRate)
	if meta.FrameRate <= 0 {
		meta.FrameRate = parseFrameRate(stream.AvgFrameRate)
	}

	if n, err := strconv.Atoi(stream.NbFrames); err == nil && n > 0 {
		meta.FrameCount = n
	} else {
		duration := parseSeconds(stream.Duration)
		if duration <= 0 {
			duration = parseSeconds(probe.Format.Duration)
		}
		meta.FrameCount = int(math.Floor(duration*meta.FrameRate + 0.5))
	}

	return meta, nil
}

// parseFrameRate parses ffprobe rates such as "30000/1001" or "25".
func parseFrameRate(value string) float64 {
	parts := strings.Split(value, "/")
	if len(parts) == 2 {
		num, _ := strconv.ParseFloat(parts[0], 64)
		den, _ := strconv.ParseFloat(parts[1], 64)
		if den != 0 {
			return num / den
		}
		return 0
	}
	rate, _ := strconv.ParseFloat(value, 64)
	return rate
}

func parseSeconds(value string) float64 {
	if value == "" || value == "N/A" {
		return 0
	}
	s, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return s
}
