package identity

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/andresmejia3/visiontrainer/internal/types"
)

// Embedding is a fixed-length feature vector produced by the embedding model.
// Two embeddings are only comparable when produced by the same model configuration.
type Embedding []float64

// Score returns the cosine similarity of a and b in [-1, 1].
// A zero vector has no direction and scores 0 against anything.
func Score(a, b Embedding) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	normA := floats.Norm(a, 2)
	normB := floats.Norm(b, 2)
	if normA == 0 || normB == 0 {
		return 0, nil
	}

	sim := floats.Dot(a, b) / (normA * normB)
	// Clamp to [-1, 1] to absorb floating point error
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}
	return sim, nil
}

// Classify applies the strict threshold test: similarity > threshold is Known.
func Classify(similarity, threshold float64) types.Label {
	if similarity > threshold {
		return types.Known
	}
	return types.Unknown
}
