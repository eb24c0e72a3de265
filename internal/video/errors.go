package video

import "errors"

var (
	// ErrIO reports a video container that could not be opened or probed.
	ErrIO = errors.New("video io error")

	// ErrDecode reports a frame that could not be read after the container
	// was opened successfully.
	ErrDecode = errors.New("video decode error")

	// ErrDegenerateFrameRate reports a container whose native frame rate is
	// lower than the target rate, which leaves no valid decimation factor.
	// It always wraps ErrIO as well.
	ErrDegenerateFrameRate = errors.New("degenerate frame rate")
)
