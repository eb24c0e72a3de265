// Package video turns container files into normalized frame tensors.
//
// A Capture gives random access to the decoded pictures of one file, in the
// same shape OpenCV's VideoCapture exposes them: native frame rate, total
// frame count, seek by absolute frame index and 8-bit BGR pixels. The
// Sampler derives the decimation factor from those properties and the
// Decoder turns the selected frames into a FrameTensor.
package video

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Frame is one decoded picture in BGR channel order, 8 bits per channel,
// rows stored top to bottom without padding.
type Frame struct {
	Width  int
	Height int
	Pix    []byte
}

// Capture is an open handle on a video container.
type Capture interface {
	// FPS returns the native frame rate reported by the container.
	FPS() float64

	// FrameCount returns the total number of frames reported by the container.
	FrameCount() int

	// Seek positions the capture so the next Read returns the frame at index.
	Seek(index int) error

	// Read decodes the frame at the current position and advances by one.
	Read() (*Frame, error)

	// Close releases the handle. It is safe to call more than once.
	Close() error
}

// Opener opens captures for file paths.
type Opener interface {
	Open(ctx context.Context, path string) (Capture, error)
}

// OpenerFunc adapts a plain function to the Opener interface.
type OpenerFunc func(ctx context.Context, path string) (Capture, error)

// Open calls f(ctx, path).
func (f OpenerFunc) Open(ctx context.Context, path string) (Capture, error) {
	return f(ctx, path)
}

// BackendOptions carries the settings a capture backend may need.
type BackendOptions struct {
	FFmpegPath  string
	FFprobePath string
}

var (
	backendsMu sync.RWMutex
	backends   = map[string]func(BackendOptions) Opener{}
)

// RegisterBackend makes a capture backend available under name.
// Backends register themselves from init functions.
func RegisterBackend(name string, factory func(BackendOptions) Opener) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = factory
}

// NewOpener returns the Opener of the named backend.
func NewOpener(name string, opts BackendOptions) (Opener, error) {
	backendsMu.RLock()
	factory, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown video backend %q (available: %s)", name, strings.Join(Backends(), ", "))
	}
	return factory(opts), nil
}

// Backends lists the registered backend names in sorted order.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
