package identity

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"testing"
)

func TestPreprocessNormalisesChannels(t *testing.T) {
	crop := solidImage(37, 91, color.RGBA{R: 255, G: 0, B: 51, A: 255})
	svc := NewEmbeddingService(newSession(t, &fakeDetector{}, &fakeExtractor{}), DefaultEmbeddingOptions())

	tensor, err := svc.Preprocess(crop)
	if err != nil {
		t.Fatal(err)
	}
	if tensor.Channels != 3 || tensor.Height != 224 || tensor.Width != 224 {
		t.Fatalf("shape = %dx%dx%d", tensor.Channels, tensor.Height, tensor.Width)
	}
	if len(tensor.Data) != tensor.Len() {
		t.Fatalf("len(Data) = %d, want %d", len(tensor.Data), tensor.Len())
	}

	plane := 224 * 224
	want := []float64{
		(1.0 - 0.485) / 0.229,
		(0.0 - 0.456) / 0.224,
		(0.2 - 0.406) / 0.225,
	}
	for c := 0; c < 3; c++ {
		for _, i := range []int{0, plane / 2, plane - 1} {
			if got := float64(tensor.Data[c*plane+i]); math.Abs(got-want[c]) > 1e-4 {
				t.Errorf("channel %d pixel %d = %v, want %v", c, i, got, want[c])
			}
		}
	}
}

func TestPreprocessBGR(t *testing.T) {
	crop := solidImage(10, 10, color.RGBA{R: 255, G: 0, B: 0, A: 255})
	opts := DefaultEmbeddingOptions()
	opts.ChannelOrder = BGR
	opts.Width, opts.Height = 8, 8
	svc := NewEmbeddingService(newSession(t, &fakeDetector{}, &fakeExtractor{}), opts)

	tensor, err := svc.Preprocess(crop)
	if err != nil {
		t.Fatal(err)
	}
	plane := 64
	blue := float64(tensor.Data[0])
	red := float64(tensor.Data[2*plane])
	if math.Abs(blue-(0-0.406)/0.225) > 1e-4 {
		t.Errorf("first channel should be blue, got %v", blue)
	}
	if math.Abs(red-(1-0.485)/0.229) > 1e-4 {
		t.Errorf("last channel should be red, got %v", red)
	}
}

func TestEmbed(t *testing.T) {
	ext := &fakeExtractor{outputs: [][]float32{{0.25, -1, 3}}}
	svc := NewEmbeddingService(newSession(t, &fakeDetector{}, ext), EmbeddingOptions{})

	emb, err := svc.Embed(context.Background(), solidImage(5, 5, color.Gray{Y: 128}))
	if err != nil {
		t.Fatal(err)
	}
	if len(emb) != 3 || emb[0] != 0.25 || emb[1] != -1 || emb[2] != 3 {
		t.Errorf("Embed() = %v", emb)
	}
	if len(ext.seen) != 1 || ext.seen[0].Width != 224 {
		t.Errorf("extractor saw %d tensors", len(ext.seen))
	}
}

func TestEmbedRepeatable(t *testing.T) {
	ext := &fakeExtractor{outputs: [][]float32{{1}, {1}}}
	svc := NewEmbeddingService(newSession(t, &fakeDetector{}, ext), DefaultEmbeddingOptions())
	crop := solidImage(12, 30, color.RGBA{R: 10, G: 200, B: 90, A: 255})

	for i := 0; i < 2; i++ {
		if _, err := svc.Embed(context.Background(), crop); err != nil {
			t.Fatal(err)
		}
	}
	a, b := ext.seen[0].Data, ext.seen[1].Data
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("tensor differs at %d between identical calls", i)
		}
	}
}

func TestEmbedInvalidCrop(t *testing.T) {
	svc := NewEmbeddingService(newSession(t, &fakeDetector{}, &fakeExtractor{}), DefaultEmbeddingOptions())
	empty := image.NewRGBA(image.Rect(5, 5, 5, 20))

	if _, err := svc.Embed(context.Background(), empty); !errors.Is(err, ErrInvalidCrop) {
		t.Errorf("expected ErrInvalidCrop, got %v", err)
	}
}

func TestParseChannelOrder(t *testing.T) {
	if o, err := ParseChannelOrder("bgr"); err != nil || o != BGR {
		t.Errorf("ParseChannelOrder(bgr) = %v, %v", o, err)
	}
	if _, err := ParseChannelOrder("rgba"); err == nil {
		t.Error("expected error for rgba")
	}
}
