package identity

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/andresmejia3/visiontrainer/internal/types"
)

func mustProfile(t *testing.T, threshold float64, embs ...Embedding) *TargetProfile {
	t.Helper()
	p, err := NewTargetProfile(personClass, threshold, embs)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestEvaluateSkipsRecordsWithoutTarget(t *testing.T) {
	imgs := make([]*image.RGBA, 4)
	for i := range imgs {
		imgs[i] = solidImage(20, 20, color.Gray{Y: uint8(i * 40)})
	}
	d := &fakeDetector{results: map[image.Image][]types.Detection{
		imgs[0]: {det(personClass, 0, 0, 10, 10, 0.9)},
		imgs[1]: {det(personClass, 0, 0, 10, 10, 0.9)},
		imgs[2]: {det(9, 0, 0, 10, 10, 0.9)}, // no person
		imgs[3]: {det(personClass, 0, 0, 10, 10, 0.9)},
	}}
	// Target is [1, 0]; threshold 0.8
	ext := &fakeExtractor{outputs: [][]float32{
		{1, 0},   // known, predicted known: correct
		{0, 1},   // known, predicted unknown: wrong
		{0.1, 1}, // unknown, predicted unknown: correct
	}}
	e := NewEvaluator(newSession(t, d, ext), Options{})

	report, err := e.Evaluate(context.Background(), []ValidationRecord{
		{Name: "val_a1", Image: imgs[0], Known: true},
		{Name: "val_a2", Image: imgs[1], Known: true},
		{Name: "val_other1", Image: imgs[2], Known: false},
		{Name: "val_other2", Image: imgs[3], Known: false},
	}, mustProfile(t, 0.8, Embedding{1, 0}))
	if err != nil {
		t.Fatal(err)
	}

	if report.Evaluated != 3 || report.Skipped != 1 || report.Correct != 2 {
		t.Errorf("report = %+v", report)
	}
	if want := 2.0 / 3.0; report.Accuracy != want {
		t.Errorf("accuracy = %v, want %v", report.Accuracy, want)
	}
}

func TestEvaluateDegenerate(t *testing.T) {
	img := solidImage(10, 10, color.White)
	e := NewEvaluator(newSession(t, &fakeDetector{}, &fakeExtractor{}), Options{})
	profile := mustProfile(t, 0.8, Embedding{1, 0})

	tests := []struct {
		name    string
		records []ValidationRecord
		skipped int
	}{
		{"Empty set", nil, 0},
		{"Nothing detected", []ValidationRecord{{Name: "a", Image: img, Known: true}, {Name: "b", Image: img}}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := e.Evaluate(context.Background(), tt.records, profile)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if report.Accuracy != 0 || report.Evaluated != 0 || report.Skipped != tt.skipped {
				t.Errorf("report = %+v", report)
			}
		})
	}
}

func TestEvaluateDimensionMismatch(t *testing.T) {
	img := solidImage(10, 10, color.White)
	d := &fakeDetector{results: map[image.Image][]types.Detection{img: {det(personClass, 0, 0, 5, 5, 1)}}}
	ext := &fakeExtractor{outputs: [][]float32{{1, 0, 0}}}
	e := NewEvaluator(newSession(t, d, ext), Options{})

	_, err := e.Evaluate(context.Background(), []ValidationRecord{{Name: "a", Image: img, Known: true}}, mustProfile(t, 0.5, Embedding{1, 0}))
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestEvaluateUsesProfileClassAndThreshold(t *testing.T) {
	img := solidImage(10, 10, color.White)
	d := &fakeDetector{results: map[image.Image][]types.Detection{img: {det(personClass, 0, 0, 5, 5, 1)}}}
	ext := &fakeExtractor{outputs: [][]float32{{1, 1}}}
	// Options.Threshold must not override the profile's
	e := NewEvaluator(newSession(t, d, ext), Options{Threshold: 0.99})

	report, err := e.Evaluate(context.Background(), []ValidationRecord{{Name: "a", Image: img, Known: true}}, mustProfile(t, 0.5, Embedding{1, 0}))
	if err != nil {
		t.Fatal(err)
	}
	if report.Accuracy != 1 {
		t.Errorf("accuracy = %v, want 1 (similarity 0.707 > profile threshold 0.5)", report.Accuracy)
	}
}
