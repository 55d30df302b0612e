package identity

import (
	"errors"
	"math"
	"testing"

	"github.com/andresmejia3/visiontrainer/internal/types"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name string
		a    Embedding
		b    Embedding
		want float64
	}{
		{
			name: "Identical vectors",
			a:    Embedding{1.0, 0.0},
			b:    Embedding{1.0, 0.0},
			want: 1.0,
		},
		{
			name: "Orthogonal vectors",
			a:    Embedding{1.0, 0.0},
			b:    Embedding{0.0, 1.0},
			want: 0.0,
		},
		{
			name: "Opposite vectors",
			a:    Embedding{1.0, 0.0},
			b:    Embedding{-1.0, 0.0},
			want: -1.0,
		},
		{
			name: "Scale does not matter",
			a:    Embedding{1.0, 0.0},
			b:    Embedding{5.0, 0.0},
			want: 1.0,
		},
		{
			name: "Mean of two unit vectors",
			a:    Embedding{1.0, 0.0},
			b:    Embedding{0.5, 0.5},
			want: 1 / math.Sqrt2,
		},
		{
			name: "Zero vector",
			a:    Embedding{0.0, 0.0},
			b:    Embedding{1.0, 2.0},
			want: 0.0,
		},
		{
			name: "Empty vectors",
			a:    Embedding{},
			b:    Embedding{},
			want: 0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Score(tt.a, tt.b)
			if err != nil {
				t.Fatalf("Score() error = %v", err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScoreSelfSimilarity(t *testing.T) {
	vectors := []Embedding{
		{0.3, -1.2, 4.5, 0.01},
		{1e-6, 2e-6},
		{-7, -7, -7},
		{123.456},
	}
	for _, v := range vectors {
		got, err := Score(v, v)
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(got-1.0) > 1e-9 {
			t.Errorf("Score(%v, itself) = %v, want 1", v, got)
		}
	}
}

func TestScoreDimensionMismatch(t *testing.T) {
	_, err := Score(Embedding{1, 2, 3}, Embedding{1, 2})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		sim       float64
		threshold float64
		want      types.Label
	}{
		{"Above threshold", 0.9, 0.8, types.Known},
		{"Equal to threshold is unknown", 0.8, 0.8, types.Unknown},
		{"Below threshold", 0.1, 0.8, types.Unknown},
		{"Threshold zero, positive sim", 0.01, 0, types.Known},
		{"Threshold zero, zero sim", 0, 0, types.Unknown},
		{"Threshold one never known", 1.0, 1.0, types.Unknown},
		{"Negative similarity", -0.5, 0.5, types.Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.sim, tt.threshold); got != tt.want {
				t.Errorf("Classify(%v, %v) = %v, want %v", tt.sim, tt.threshold, got, tt.want)
			}
		})
	}
}

func TestClassifyMonotonic(t *testing.T) {
	threshold := 0.6
	prev := types.Unknown
	for s := -1.0; s <= 1.0; s += 0.05 {
		got := Classify(s, threshold)
		if prev == types.Known && got != types.Known {
			t.Fatalf("Classify dropped back to unknown at %v", s)
		}
		prev = got
	}
}
