// Package model defines the two inference capabilities the identity pipeline
// depends on and the session that owns them.
package model

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/andresmejia3/visiontrainer/internal/types"
)

// Detector locates objects in a full image.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]types.Detection, error)
}

// Extractor turns a preprocessed input tensor into a feature vector.
// Implementations must be deterministic for identical input and must not
// mutate model parameters.
type Extractor interface {
	Extract(ctx context.Context, t Tensor) ([]float32, error)
}

// Tensor is a single image laid out channel-first (C, H, W), already normalised.
type Tensor struct {
	Channels int
	Height   int
	Width    int
	Data     []float32
}

// Len is the number of elements implied by the shape.
func (t Tensor) Len() int {
	return t.Channels * t.Height * t.Width
}

// Session holds the long-lived model capabilities for one run. It is created
// once, shared read-only by every component and closed at the end.
type Session struct {
	Detector  Detector
	Extractor Extractor

	closers []func() error
}

// NewSession wires a detector and an extractor together. Closers run in
// reverse order when the session is closed.
func NewSession(d Detector, e Extractor, closers ...func() error) (*Session, error) {
	if d == nil {
		return nil, errors.New("model session: detector is required")
	}
	if e == nil {
		return nil, errors.New("model session: extractor is required")
	}
	return &Session{Detector: d, Extractor: e, closers: closers}, nil
}

// Close releases backend resources. It is safe to call more than once.
func (s *Session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	if len(errs) > 0 {
		return fmt.Errorf("closing model session: %w", errors.Join(errs...))
	}
	return nil
}
