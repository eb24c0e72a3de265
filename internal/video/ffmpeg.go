package video

// ffmpeg.go implements Capture on top of the ffmpeg and ffprobe binaries
// (ffmpeg 5.1 or newer, for -fps_mode). Pixels are streamed as raw bgr24
// over a pipe at the stream's native size.
// Forward seeks discard frames from the running process; backward seeks
// restart ffmpeg with a select filter starting at the requested index.

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

func init() {
	RegisterBackend("ffmpeg", func(opts BackendOptions) Opener {
		return &FFmpegOpener{FFmpegPath: opts.FFmpegPath, FFprobePath: opts.FFprobePath}
	})
}

// FFmpegOpener opens captures backed by ffmpeg subprocesses. Empty paths are
// resolved from PATH.
type FFmpegOpener struct {
	FFmpegPath  string
	FFprobePath string
}

// Open probes path and returns a capture positioned at frame 0. The ffmpeg
// process is started lazily on the first Read.
func (o *FFmpegOpener) Open(ctx context.Context, path string) (Capture, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	ffmpegPath := o.FFmpegPath
	if ffmpegPath == "" {
		p, err := exec.LookPath("ffmpeg")
		if err != nil {
			return nil, fmt.Errorf("%w: ffmpeg not found: frame decoding requires ffmpeg: %v", ErrIO, err)
		}
		ffmpegPath = p
	}

	meta, err := ProbeMetadata(ctx, o.FFprobePath, path)
	if err != nil {
		return nil, err
	}

	return &ffmpegCapture{
		ctx:       ctx,
		bin:       ffmpegPath,
		path:      path,
		meta:      *meta,
		frameSize: meta.Width * meta.Height * 3,
	}, nil
}

type ffmpegCapture struct {
	ctx       context.Context
	bin       string
	path      string
	meta      Metadata
	frameSize int

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer

	// pos is the index of the frame the next Read returns.
	pos int
	// streamPos is the index of the next frame on the pipe.
	streamPos int
	closed    bool
}

func (c *ffmpegCapture) FPS() float64    { return c.meta.FrameRate }
func (c *ffmpegCapture) FrameCount() int { return c.meta.FrameCount }

func (c *ffmpegCapture) Seek(index int) error {
	if c.closed {
		return fmt.Errorf("%w: capture closed", ErrDecode)
	}
	if index < 0 {
		return fmt.Errorf("%w: negative frame index %d", ErrDecode, index)
	}
	c.pos = index
	return nil
}

func (c *ffmpegCapture) Read() (*Frame, error) {
	if c.closed {
		return nil, fmt.Errorf("%w: capture closed", ErrDecode)
	}

	if c.cmd == nil || c.pos < c.streamPos {
		if err := c.start(c.pos); err != nil {
			return nil, err
		}
	}
	if skip := c.pos - c.streamPos; skip > 0 {
		if _, err := io.CopyN(io.Discard, c.stdout, int64(skip)*int64(c.frameSize)); err != nil {
			return nil, c.readError(err)
		}
		c.streamPos = c.pos
	}

	pix := make([]byte, c.frameSize)
	if _, err := io.ReadFull(c.stdout, pix); err != nil {
		return nil, c.readError(err)
	}
	c.pos++
	c.streamPos++

	return &Frame{Width: c.meta.Width, Height: c.meta.Height, Pix: pix}, nil
}

func (c *ffmpegCapture) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.stop()
	return nil
}

// start launches ffmpeg so that the first frame on the pipe is from.
func (c *ffmpegCapture) start(from int) error {
	c.stop()

	args := []string{"-v", "error", "-nostdin", "-noautorotate", "-i", c.path}
	if from > 0 {
		args = append(args, "-vf", fmt.Sprintf(`select=gte(n\,%d)`, from))
	}
	args = append(args,
		"-fps_mode", "passthrough",
		"-an", "-sn",
		"-pix_fmt", "bgr24",
		"-f", "rawvideo",
		"-",
	)

	c.stderr.Reset()
	cmd := exec.CommandContext(c.ctx, c.bin, args...)
	cmd.Stderr = &c.stderr
	cmd.WaitDelay = time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start ffmpeg: %v", ErrDecode, err)
	}

	log.Debug().
		Str("path", c.path).
		Int("from", from).
		Msg("ffmpeg decode stream started")

	c.cmd = cmd
	c.stdout = stdout
	c.streamPos = from
	return nil
}

// stop kills the running process and reaps it.
func (c *ffmpegCapture) stop() {
	if c.cmd == nil {
		return
	}
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.reap()
}

// reap waits for the process to exit. Once Wait returns, stderr has been
// fully copied and c.stderr is safe to read.
func (c *ffmpegCapture) reap() error {
	if c.cmd == nil {
		return nil
	}
	err := c.cmd.Wait()
	c.cmd = nil
	c.stdout = nil
	return err
}

func (c *ffmpegCapture) readError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		exitErr := c.reap()
		if msg := strings.TrimSpace(c.stderr.String()); msg != "" {
			return fmt.Errorf("%w: frame %d of %s: stream ended: %s", ErrDecode, c.pos, c.path, msg)
		}
		if exitErr != nil {
			return fmt.Errorf("%w: frame %d of %s: stream ended: %v", ErrDecode, c.pos, c.path, exitErr)
		}
		return fmt.Errorf("%w: frame %d of %s: stream ended", ErrDecode, c.pos, c.path)
	}
	return fmt.Errorf("%w: frame %d of %s: %v", ErrDecode, c.pos, c.path, err)
}
