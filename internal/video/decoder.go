package video

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
)

// Decoder reads the decimated frames of a video into a FrameTensor.
type Decoder struct {
	sampler *Sampler
	scaler  draw.Scaler
}

// NewDecoder returns a Decoder that shares the opener and target frame rate
// of sampler. Frames are resized with bilinear interpolation.
func NewDecoder(sampler *Sampler) *Decoder {
	return &Decoder{sampler: sampler, scaler: draw.BiLinear}
}

// Sampler returns the sampler the decoder derives decimation from.
func (d *Decoder) Sampler() *Sampler { return d.sampler }

// Decode computes the decimation of path and decodes it. The returned tensor
// has exactly the DecodedLength the Sampler reports for path.
func (d *Decoder) Decode(ctx context.Context, path string, reverse bool) (*FrameTensor, error) {
	sample, err := d.sampler.Compute(ctx, path)
	if err != nil {
		return nil, err
	}
	return d.DecodeSample(ctx, sample, reverse)
}

// DecodeSample decodes the frames selected by an already computed sample:
// frame i of the result is native frame i*SampleFactor. Any failed seek or
// read aborts the whole decode with ErrDecode.
func (d *Decoder) DecodeSample(ctx context.Context, sample Sample, reverse bool) (*FrameTensor, error) {
	if sample.SampleFactor < 1 {
		return nil, fmt.Errorf("%w: %w: sample factor %d for %s", ErrIO, ErrDegenerateFrameRate, sample.SampleFactor, sample.Path)
	}

	start := time.Now()
	capture, err := d.sampler.opener.Open(ctx, sample.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", sample.Path, err)
	}
	defer capture.Close()

	tensor := NewFrameTensor(sample.DecodedLength)
	dst := image.NewRGBA(image.Rect(0, 0, FrameWidth, FrameHeight))

	for i := 0; i < sample.DecodedLength; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		index := i * sample.SampleFactor
		if err := capture.Seek(index); err != nil {
			return nil, fmt.Errorf("seek frame %d of %s: %w", index, sample.Path, err)
		}
		frame, err := capture.Read()
		if err != nil {
			return nil, fmt.Errorf("read frame %d of %s: %w", index, sample.Path, err)
		}
		if err := d.normalize(frame, dst, tensor.Frame(i)); err != nil {
			return nil, fmt.Errorf("frame %d of %s: %w", index, sample.Path, err)
		}
	}

	if reverse {
		tensor.Reverse()
	}

	log.Debug().
		Str("path", sample.Path).
		Int("frames", tensor.Length).
		Bool("reversed", reverse).
		Dur("elapsed", time.Since(start)).
		Msg("Video decoded")

	return tensor, nil
}

// normalize converts a BGR frame to RGB, resizes it to FrameWidth x
// FrameHeight and writes values scaled to [0, 1] into out.
func (d *Decoder) normalize(frame *Frame, dst *image.RGBA, out []float32) error {
	if frame == nil || frame.Width <= 0 || frame.Height <= 0 {
		return fmt.Errorf("%w: empty frame", ErrDecode)
	}
	if len(frame.Pix) != frame.Width*frame.Height*3 {
		return fmt.Errorf("%w: frame buffer has %d bytes, want %d", ErrDecode, len(frame.Pix), frame.Width*frame.Height*3)
	}

	src := bgrToRGBA(frame)
	if frame.Width == FrameWidth && frame.Height == FrameHeight {
		dst = src
	} else {
		d.scaler.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	}

	for p, o := 0, 0; o < len(out); p, o = p+4, o+3 {
		out[o] = float32(dst.Pix[p]) / 255
		out[o+1] = float32(dst.Pix[p+1]) / 255
		out[o+2] = float32(dst.Pix[p+2]) / 255
	}
	return nil
}

func bgrToRGBA(frame *Frame) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for s, p := 0, 0; s < len(frame.Pix); s, p = s+3, p+4 {
		img.Pix[p] = frame.Pix[s+2]
		img.Pix[p+1] = frame.Pix[s+1]
		img.Pix[p+2] = frame.Pix[s]
		img.Pix[p+3] = 0xff
	}
	return img
}
