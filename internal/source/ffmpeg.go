// Package source provides frame sources that do not need OpenCV.
package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"sync"

	"github.com/andresmejia3/visiontrainer/internal/types"
	"github.com/andresmejia3/visiontrainer/internal/utils"
)

const megabyte = 1024 * 1024

// JPEGStream yields frames from a concatenated MJPEG byte stream.
type JPEGStream struct {
	scanner *bufio.Scanner
	index   int
	drained bool

	closeOnce sync.Once
	closeErr  error
	closeFn   func() error
}

// NewJPEGStream splits r into JPEG frames. closeFn, if not nil, runs once on Close.
func NewJPEGStream(r io.Reader, closeFn func() error) *JPEGStream {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)
	return &JPEGStream{scanner: scanner, closeFn: closeFn}
}

// Next returns the raw bytes of the next frame. The returned data is a copy.
func (s *JPEGStream) Next() (types.FrameTask, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return types.FrameTask{}, fmt.Errorf("frame scanner failed: %w", err)
		}
		s.drained = true
		return types.FrameTask{}, io.EOF
	}
	s.index++
	data := make([]byte, len(s.scanner.Bytes()))
	copy(data, s.scanner.Bytes())
	return types.FrameTask{Index: s.index, Data: data}, nil
}

// Read decodes the next frame.
func (s *JPEGStream) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	task, err := s.Next()
	if err != nil {
		return nil, err
	}
	img, err := jpeg.Decode(bytes.NewReader(task.Data))
	if err != nil {
		return nil, fmt.Errorf("decode frame %d: %w", task.Index, err)
	}
	return img, nil
}

// Close releases the underlying stream.
func (s *JPEGStream) Close() error {
	s.closeOnce.Do(func() {
		if s.closeFn != nil {
			s.closeErr = s.closeFn()
		}
	})
	return s.closeErr
}

// OpenVideo decodes path with ffmpeg and streams its frames. The process is
// killed when ctx is done or the stream is closed.
func OpenVideo(ctx context.Context, path string) (*JPEGStream, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}

	ffmpeg := utils.NewFFmpegCmd(ctx, path)
	var stderrBuf bytes.Buffer
	ffmpeg.Stderr = &stderrBuf

	out, err := ffmpeg.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := ffmpeg.Start(); err != nil {
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	stream := NewJPEGStream(out, nil)
	stream.closeFn = func() error {
		out.Close()
		if !stream.drained {
			// Stopped early: ffmpeg would block on a full pipe, and its exit status means nothing.
			_ = ffmpeg.Process.Kill()
			_ = ffmpeg.Wait()
			return nil
		}
		if err := ffmpeg.Wait(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && stderrBuf.Len() > 0 {
				return fmt.Errorf("ffmpeg: %w: %s", err, bytes.TrimSpace(stderrBuf.Bytes()))
			}
			return fmt.Errorf("ffmpeg: %w", err)
		}
		return nil
	}
	return stream, nil
}
