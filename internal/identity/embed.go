package identity

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	xdraw "golang.org/x/image/draw"

	"github.com/andresmejia3/visiontrainer/internal/model"
)

// ChannelOrder is the channel layout the embedding model expects.
type ChannelOrder string

const (
	RGB ChannelOrder = "RGB"
	BGR ChannelOrder = "BGR"
)

// ParseChannelOrder accepts "rgb"/"bgr" in any case.
func ParseChannelOrder(s string) (ChannelOrder, error) {
	switch ChannelOrder(strings.ToUpper(s)) {
	case RGB:
		return RGB, nil
	case BGR:
		return BGR, nil
	}
	return "", fmt.Errorf("unknown channel order %q (use RGB or BGR)", s)
}

// EmbeddingOptions fixes the model input geometry and normalisation.
// Mean and Std are given in R, G, B order on the [0,1] pixel scale.
type EmbeddingOptions struct {
	Width        int
	Height       int
	ChannelOrder ChannelOrder
	Mean         [3]float64
	Std          [3]float64
}

// DefaultEmbeddingOptions matches ImageNet-trained backbones (MobileNetV3 and friends).
func DefaultEmbeddingOptions() EmbeddingOptions {
	return EmbeddingOptions{
		Width:        224,
		Height:       224,
		ChannelOrder: RGB,
		Mean:         [3]float64{0.485, 0.456, 0.406},
		Std:          [3]float64{0.229, 0.224, 0.225},
	}
}

// EmbeddingService normalises crops into the model's input tensor and runs the extractor.
type EmbeddingService struct {
	extractor model.Extractor
	opts      EmbeddingOptions
}

// NewEmbeddingService uses the session's extractor.
func NewEmbeddingService(s *model.Session, opts EmbeddingOptions) *EmbeddingService {
	def := DefaultEmbeddingOptions()
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = def.Width, def.Height
	}
	if opts.Std == ([3]float64{}) {
		opts.Mean, opts.Std = def.Mean, def.Std
	}
	if opts.ChannelOrder == "" {
		opts.ChannelOrder = RGB
	}
	return &EmbeddingService{extractor: s.Extractor, opts: opts}
}

// Embed returns the feature vector for crop. Zero-area crops fail with ErrInvalidCrop.
func (s *EmbeddingService) Embed(ctx context.Context, crop image.Image) (Embedding, error) {
	t, err := s.Preprocess(crop)
	if err != nil {
		return nil, err
	}
	out, err := s.extractor.Extract(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("extract: model returned an empty embedding")
	}
	vec := make(Embedding, len(out))
	for i, v := range out {
		vec[i] = float64(v)
	}
	return vec, nil
}

// Preprocess resizes crop to the input geometry and lays it out channel-first,
// scaled to [0,1] and normalised per channel.
func (s *EmbeddingService) Preprocess(crop image.Image) (model.Tensor, error) {
	if crop == nil || crop.Bounds().Empty() {
		return model.Tensor{}, ErrInvalidCrop
	}
	w, h := s.opts.Width, s.opts.Height

	resized := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.BiLinear.Scale(resized, resized.Bounds(), crop, crop.Bounds(), xdraw.Src, nil)

	// order[k] is the RGB index that lands in tensor channel k
	order := [3]int{0, 1, 2}
	if s.opts.ChannelOrder == BGR {
		order = [3]int{2, 1, 0}
	}

	plane := w * h
	t := model.Tensor{Channels: 3, Height: h, Width: w, Data: make([]float32, 3*plane)}
	for y := 0; y < h; y++ {
		row := resized.Pix[y*resized.Stride : y*resized.Stride+w*4]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+3]
			for k, src := range order {
				v := float64(px[src]) / 255.0
				t.Data[k*plane+y*w+x] = float32((v - s.opts.Mean[src]) / s.opts.Std[src])
			}
		}
	}
	return t, nil
}
