package identity

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"sync"
	"testing"

	"github.com/andresmejia3/visiontrainer/internal/model"
	"github.com/andresmejia3/visiontrainer/internal/types"
)

const personClass = 0

// fakeDetector answers from a fixed table keyed by image identity.
type fakeDetector struct {
	results map[image.Image][]types.Detection
	err     error
	calls   int
}

func (f *fakeDetector) Detect(_ context.Context, img image.Image) ([]types.Detection, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.results[img], nil
}

// fakeExtractor returns its outputs in call order and records the tensors it saw.
type fakeExtractor struct {
	mu      sync.Mutex
	outputs [][]float32
	seen    []model.Tensor
}

func (f *fakeExtractor) Extract(_ context.Context, t model.Tensor) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, t)
	if len(f.outputs) == 0 {
		return nil, errors.New("fake extractor exhausted")
	}
	out := f.outputs[0]
	f.outputs = f.outputs[1:]
	return out, nil
}

func newSession(t *testing.T, d model.Detector, e model.Extractor) *model.Session {
	t.Helper()
	s, err := model.NewSession(d, e)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func det(class int, x1, y1, x2, y2 int, conf float64) types.Detection {
	return types.Detection{ClassID: class, Box: types.BoundingBox{X1: x1, Y1: y1, X2: x2, Y2: y2}, Confidence: conf}
}

// sliceSource plays back frames, then fails with io.EOF.
type sliceSource struct {
	frames []image.Image
	pos    int
	closed int
	onRead func(n int)
}

func (s *sliceSource) Read(_ context.Context) (image.Image, error) {
	if s.onRead != nil {
		s.onRead(s.pos)
	}
	if s.pos >= len(s.frames) {
		return nil, io.EOF
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

func (s *sliceSource) Close() error {
	s.closed++
	return nil
}

// funcDetector delegates to fn, for detectors that need to block or observe ctx.
type funcDetector func(ctx context.Context, img image.Image) ([]types.Detection, error)

func (f funcDetector) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	return f(ctx, img)
}
