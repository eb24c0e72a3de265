package video

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
)

// Sample describes how a video is decimated to the target frame rate.
type Sample struct {
	Path          string
	SourceFPS     float64
	RawFrameCount int
	// SampleFactor is the stride between kept frames, floor(SourceFPS/targetFPS).
	SampleFactor int
	// DecodedLength is floor(RawFrameCount/SampleFactor).
	DecodedLength int
}

// Sampler computes decimation factors for a fixed target frame rate.
type Sampler struct {
	opener    Opener
	targetFPS float64
}

// NewSampler returns a Sampler that opens files through opener.
func NewSampler(opener Opener, targetFPS float64) *Sampler {
	return &Sampler{opener: opener, targetFPS: targetFPS}
}

// TargetFPS returns the frame rate the sampler decimates to.
func (s *Sampler) TargetFPS() float64 { return s.targetFPS }

// Compute opens path, reads its native frame rate and frame count, and
// returns the decimation for the target rate. The capture is released
// before returning.
func (s *Sampler) Compute(ctx context.Context, path string) (Sample, error) {
	capture, err := s.opener.Open(ctx, path)
	if err != nil {
		return Sample{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer capture.Close()

	return s.sample(path, capture.FPS(), capture.FrameCount())
}

func (s *Sampler) sample(path string, fps float64, frames int) (Sample, error) {
	if s.targetFPS <= 0 {
		return Sample{}, fmt.Errorf("target frame rate must be positive, got %v", s.targetFPS)
	}

	factor := int(math.Floor(fps / s.targetFPS))
	if factor < 1 {
		return Sample{}, fmt.Errorf("%w: %w: %s runs at %.3f fps, below the %.3f fps target",
			ErrIO, ErrDegenerateFrameRate, path, fps, s.targetFPS)
	}
	if frames < 0 {
		frames = 0
	}

	sample := Sample{
		Path:          path,
		SourceFPS:     fps,
		RawFrameCount: frames,
		SampleFactor:  factor,
		DecodedLength: frames / factor,
	}

	log.Debug().
		Str("path", path).
		Float64("source_fps", fps).
		Int("raw_frames", frames).
		Int("sample_factor", factor).
		Int("decoded_length", sample.DecodedLength).
		Msg("Frame rate sampled")

	return sample, nil
}
