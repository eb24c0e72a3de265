// Package videotest provides in-memory video captures for tests.
package videotest

import (
	"context"
	"fmt"
	"sync"

	"github.com/fpang/nslt-input/internal/video"
)

// Video describes a synthetic clip. Frame i is a uniform BGR color derived
// from i, see Color.
type Video struct {
	FPS    float64
	Frames int
	Width  int
	Height int
	// FailAt makes reading that frame index fail. Zero disables it unless
	// FailFirst is set.
	FailAt    int
	FailFirst bool
}

// Color returns the BGR color of native frame i.
func Color(i int) (b, g, r byte) {
	return byte(i), byte(i * 2), byte(255 - i)
}

// Opener serves captures for registered paths and counts open handles.
type Opener struct {
	mu     sync.Mutex
	videos map[string]Video
	opened int
	closed int
}

// NewOpener returns an Opener serving videos keyed by path.
func NewOpener(videos map[string]Video) *Opener {
	return &Opener{videos: videos}
}

// Open returns a capture for path, or a video.ErrIO error for unknown paths.
func (o *Opener) Open(_ context.Context, path string) (video.Capture, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.videos[path]
	if !ok {
		return nil, fmt.Errorf("%w: no such file %s", video.ErrIO, path)
	}
	if v.Width == 0 {
		v.Width = video.FrameWidth
	}
	if v.Height == 0 {
		v.Height = video.FrameHeight
	}
	o.opened++
	return &capture{video: v, opener: o}, nil
}

// Outstanding returns the number of handles that are open and not yet closed.
func (o *Opener) Outstanding() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened - o.closed
}

// Opened returns the total number of Open calls that succeeded.
func (o *Opener) Opened() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened
}

type capture struct {
	video  Video
	opener *Opener
	pos    int
	closed bool
}

func (c *capture) FPS() float64    { return c.video.FPS }
func (c *capture) FrameCount() int { return c.video.Frames }

func (c *capture) Seek(index int) error {
	if index < 0 {
		return fmt.Errorf("%w: negative index", video.ErrDecode)
	}
	c.pos = index
	return nil
}

func (c *capture) Read() (*video.Frame, error) {
	if c.pos >= c.video.Frames || (c.pos == c.video.FailAt && (c.video.FailAt != 0 || c.video.FailFirst)) {
		return nil, fmt.Errorf("%w: frame %d unavailable", video.ErrDecode, c.pos)
	}
	b, g, r := Color(c.pos)
	pix := make([]byte, c.video.Width*c.video.Height*3)
	for i := 0; i < len(pix); i += 3 {
		pix[i], pix[i+1], pix[i+2] = b, g, r
	}
	c.pos++
	return &video.Frame{Width: c.video.Width, Height: c.video.Height, Pix: pix}, nil
}

func (c *capture) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.opener.mu.Lock()
	c.opener.closed++
	c.opener.mu.Unlock()
	return nil
}
