// Package camera turns an ffmpeg MJPEG stream into ordered frames.
package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/andresmejia3/faceauth/internal/types"
	"github.com/andresmejia3/faceauth/internal/utils"
)

const megabyte = 1024 * 1024

// ErrClosed is returned by Next once the stream has ended.
var ErrClosed = errors.New("frame source closed")

type Config struct {
	Device string
	Format string
	Scale  float64
}

// Source delivers frames in capture order. Next is safe to call from one goroutine.
type Source struct {
	frames chan types.Frame
	scale  float64

	mu        sync.Mutex
	err       error
	cmd       *exec.Cmd
	stderr    bytes.Buffer
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Open starts ffmpeg on the configured device (or file) and begins splitting frames.
func Open(ctx context.Context, cfg Config) (*Source, error) {
	ctx, cancel := context.WithCancel(ctx)
	ffmpeg := utils.NewFFmpegCmd(ctx, cfg.Device, cfg.Format)

	s := &Source{cancel: cancel, cmd: ffmpeg}
	ffmpeg.Stderr = &s.stderr

	out, err := ffmpeg.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := ffmpeg.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	s.start(ctx, out, cfg.Scale)
	return s, nil
}

// NewReaderSource splits an existing MJPEG stream, e.g. a recorded clip.
func NewReaderSource(ctx context.Context, r io.Reader, scale float64) *Source {
	ctx, cancel := context.WithCancel(ctx)
	s := &Source{cancel: cancel}
	s.start(ctx, r, scale)
	return s
}

func (s *Source) start(ctx context.Context, r io.Reader, scale float64) {
	s.frames = make(chan types.Frame)
	s.done = make(chan struct{})
	s.scale = scale
	go s.pump(ctx, r)
}

// pump reads until EOF or cancellation; it owns s.frames.
func (s *Source) pump(ctx context.Context, r io.Reader) {
	defer close(s.done)
	defer close(s.frames)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	index := 0
	for scanner.Scan() {
		data := bytes.Clone(scanner.Bytes())
		if s.scale > 0 && s.scale < 1 {
			scaled, err := utils.ScaleJPEG(data, s.scale)
			if err != nil {
				// Corrupt frame from the device; skip it.
				continue
			}
			data = scaled
		}
		index++
		select {
		case s.frames <- types.Frame{Index: index, Data: data}:
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.setErr(fmt.Errorf("frame scanner failed: %w", err))
	}
}

func (s *Source) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Next blocks until a frame is available, ctx is cancelled or the stream ends.
func (s *Source) Next(ctx context.Context) (types.Frame, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			s.mu.Lock()
			err := s.err
			s.mu.Unlock()
			if err != nil && !errors.Is(err, context.Canceled) {
				return types.Frame{}, err
			}
			return types.Frame{}, ErrClosed
		}
		return f, nil
	case <-ctx.Done():
		return types.Frame{}, ctx.Err()
	}
}

// Close stops ffmpeg and waits for the reader goroutine.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		if s.cmd != nil {
			// Killed by the context; only unexpected failures are reported.
			if werr := s.cmd.Wait(); werr != nil && s.stderr.Len() > 0 {
				err = fmt.Errorf("ffmpeg: %w: %s", werr, s.stderr.String())
			}
		}
	})
	return err
}
