//go:build gocv

package video

// gocv.go provides an OpenCV-backed Capture. Build with -tags gocv and an
// OpenCV 4 installation.

import (
	"context"
	"fmt"

	"gocv.io/x/gocv"
)

func init() {
	RegisterBackend("gocv", func(BackendOptions) Opener { return GoCVOpener{} })
}

// GoCVOpener opens captures through OpenCV's VideoCapture.
type GoCVOpener struct{}

func (GoCVOpener) Open(_ context.Context, path string) (Capture, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: open %s: capture not opened", ErrIO, path)
	}
	return &gocvCapture{vc: vc, mat: gocv.NewMat(), path: path}, nil
}

type gocvCapture struct {
	vc     *gocv.VideoCapture
	mat    gocv.Mat
	path   string
	pos    int
	closed bool
}

func (c *gocvCapture) FPS() float64 { return c.vc.Get(gocv.VideoCaptureFPS) }

func (c *gocvCapture) FrameCount() int { return int(c.vc.Get(gocv.VideoCaptureFrameCount)) }

func (c *gocvCapture) Seek(index int) error {
	if index < 0 {
		return fmt.Errorf("%w: negative frame index %d", ErrDecode, index)
	}
	c.vc.Set(gocv.VideoCapturePosFrames, float64(index))
	c.pos = index
	return nil
}

func (c *gocvCapture) Read() (*Frame, error) {
	if ok := c.vc.Read(&c.mat); !ok || c.mat.Empty() {
		return nil, fmt.Errorf("%w: frame %d of %s", ErrDecode, c.pos, c.path)
	}
	if c.mat.Channels() != 3 {
		return nil, fmt.Errorf("%w: frame %d of %s has %d channels", ErrDecode, c.pos, c.path, c.mat.Channels())
	}
	c.pos++

	pix := c.mat.ToBytes()
	return &Frame{
		Width:  c.mat.Cols(),
		Height: c.mat.Rows(),
		Pix:    append([]byte(nil), pix...),
	}, nil
}

func (c *gocvCapture) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.mat.Close()
	return c.vc.Close()
}
