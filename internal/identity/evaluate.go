package identity

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/andresmejia3/visiontrainer/internal/model"
	"github.com/andresmejia3/visiontrainer/internal/types"
)

// ValidationRecord is one labelled image: Known is the ground truth.
type ValidationRecord struct {
	Name  string
	Image image.Image
	Known bool
}

// AccuracyReport is correct/evaluated over the records where the target class
// was detected. Skipped records are not part of the denominator.
type AccuracyReport struct {
	Accuracy  float64
	Evaluated int
	Correct   int
	Skipped   int
}

// Evaluator measures how well a profile separates known from unknown.
type Evaluator struct {
	crops      *CropExtractor
	embeddings *EmbeddingService
	opts       Options
}

// NewEvaluator wires the evaluator to the session's models. opts.Threshold is
// ignored; the profile carries its own.
func NewEvaluator(s *model.Session, opts Options) *Evaluator {
	return &Evaluator{
		crops:      NewCropExtractor(s, opts.Selector),
		embeddings: NewEmbeddingService(s, opts.Embedding),
		opts:       opts,
	}
}

// Evaluate classifies every record against profile. With nothing evaluable the
// report has Accuracy 0 and no error.
func (e *Evaluator) Evaluate(ctx context.Context, records []ValidationRecord, profile *TargetProfile) (AccuracyReport, error) {
	log := e.opts.log()
	var report AccuracyReport

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		label, sim, err := e.classify(ctx, rec, profile)
		e.opts.tick()
		if err != nil {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidCrop) {
				log.Warning("No usable object of class %d in %s, skipping: %v", profile.ClassID(), rec.Name, err)
				report.Skipped++
				continue
			}
			return report, fmt.Errorf("validation record %s: %w", rec.Name, err)
		}

		report.Evaluated++
		if (label == types.Known) == rec.Known {
			report.Correct++
		}
		log.Info("%s: similarity %.4f -> %s (expected %s)", rec.Name, sim, label, expected(rec.Known))
	}

	if report.Evaluated == 0 {
		log.Warning("No valid detections in validation set")
		return report, nil
	}
	report.Accuracy = float64(report.Correct) / float64(report.Evaluated)
	return report, nil
}

func (e *Evaluator) classify(ctx context.Context, rec ValidationRecord, profile *TargetProfile) (types.Label, float64, error) {
	crop, err := e.crops.Extract(ctx, rec.Image, profile.ClassID())
	if err != nil {
		return types.Unknown, 0, err
	}
	emb, err := e.embeddings.Embed(ctx, crop.Image)
	if err != nil {
		return types.Unknown, 0, err
	}
	sim, label, err := profile.Match(emb)
	if err != nil {
		return types.Unknown, 0, err
	}
	return label, sim, nil
}

func expected(known bool) types.Label {
	if known {
		return types.Known
	}
	return types.Unknown
}
