package identity

import (
	"context"
	"errors"
	"fmt"
	"image"

	"gonum.org/v1/gonum/floats"

	"github.com/andresmejia3/visiontrainer/internal/logger"
	"github.com/andresmejia3/visiontrainer/internal/model"
	"github.com/andresmejia3/visiontrainer/internal/types"
)

// Options holds what the batch components share.
type Options struct {
	Selector  Selector
	Embedding EmbeddingOptions
	Threshold float64
	Logger    *logger.Logger
	// OnItem, if set, is called once per reference or validation record after it is handled.
	OnItem func()
}

func (o Options) log() *logger.Logger {
	if o.Logger == nil {
		return logger.Discard()
	}
	return o.Logger
}

func (o Options) tick() {
	if o.OnItem != nil {
		o.OnItem()
	}
}

// TargetProfile is the identity of interest: the mean reference embedding, the
// class it was built for and the decision threshold. It never changes after
// construction; build a new one to change it.
type TargetProfile struct {
	classID    int
	threshold  float64
	embedding  Embedding
	references int
}

// NewTargetProfile averages embeddings element-wise, every embedding weighted equally.
func NewTargetProfile(classID int, threshold float64, embeddings []Embedding) (*TargetProfile, error) {
	if len(embeddings) == 0 {
		return nil, ErrNoValidReferences
	}
	dim := len(embeddings[0])
	mean := make(Embedding, dim)
	for i, e := range embeddings {
		if len(e) != dim {
			return nil, fmt.Errorf("%w: reference %d has %d values, expected %d", ErrDimensionMismatch, i, len(e), dim)
		}
		floats.Add(mean, e)
	}
	floats.Scale(1/float64(len(embeddings)), mean)

	return &TargetProfile{
		classID:    classID,
		threshold:  threshold,
		embedding:  mean,
		references: len(embeddings),
	}, nil
}

func (p *TargetProfile) ClassID() int       { return p.classID }
func (p *TargetProfile) Threshold() float64 { return p.threshold }
func (p *TargetProfile) References() int    { return p.references }
func (p *TargetProfile) Dimensions() int    { return len(p.embedding) }

// Embedding returns a copy of the target embedding.
func (p *TargetProfile) Embedding() Embedding {
	out := make(Embedding, len(p.embedding))
	copy(out, p.embedding)
	return out
}

// Match scores e against the target and classifies it with the profile threshold.
func (p *TargetProfile) Match(e Embedding) (float64, types.Label, error) {
	sim, err := Score(e, p.embedding)
	if err != nil {
		return 0, types.Unknown, err
	}
	return sim, Classify(sim, p.threshold), nil
}

// Reference is one sample image of the identity of interest.
type Reference struct {
	Name  string
	Image image.Image
}

// BuildReport says which references made it into the profile.
type BuildReport struct {
	Used    int
	Skipped []string
}

// Builder turns reference images into a TargetProfile.
type Builder struct {
	crops      *CropExtractor
	embeddings *EmbeddingService
	opts       Options
}

// NewBuilder wires the builder to the session's models.
func NewBuilder(s *model.Session, opts Options) *Builder {
	return &Builder{
		crops:      NewCropExtractor(s, opts.Selector),
		embeddings: NewEmbeddingService(s, opts.Embedding),
		opts:       opts,
	}
}

// Build embeds one crop per reference and averages them. References without a
// detection of classID are skipped with a warning; if none remain the result is
// ErrNoValidReferences and no profile is returned.
func (b *Builder) Build(ctx context.Context, refs []Reference, classID int) (*TargetProfile, BuildReport, error) {
	log := b.opts.log()
	var report BuildReport
	var embeddings []Embedding

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}

		emb, err := b.embedReference(ctx, ref, classID)
		b.opts.tick()
		if err != nil {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidCrop) {
				log.Warning("No usable object of class %d in %s, skipping: %v", classID, ref.Name, err)
				report.Skipped = append(report.Skipped, ref.Name)
				continue
			}
			return nil, report, fmt.Errorf("reference %s: %w", ref.Name, err)
		}
		embeddings = append(embeddings, emb)
	}

	if len(embeddings) == 0 {
		return nil, report, fmt.Errorf("%w for class %d (%d references checked)", ErrNoValidReferences, classID, len(refs))
	}

	profile, err := NewTargetProfile(classID, b.opts.Threshold, embeddings)
	if err != nil {
		return nil, report, err
	}
	report.Used = len(embeddings)
	log.Info("Target profile built from %d/%d references (%d dims)", report.Used, len(refs), profile.Dimensions())
	return profile, report, nil
}

func (b *Builder) embedReference(ctx context.Context, ref Reference, classID int) (Embedding, error) {
	crop, err := b.crops.Extract(ctx, ref.Image, classID)
	if err != nil {
		return nil, err
	}
	return b.embeddings.Embed(ctx, crop.Image)
}
