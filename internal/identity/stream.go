package identity

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/visiontrainer/internal/logger"
	"github.com/andresmejia3/visiontrainer/internal/model"
	"github.com/andresmejia3/visiontrainer/internal/types"
)

// FrameSource yields frames one at a time. Any error from Read, end of stream
// included, ends the stream.
type FrameSource interface {
	Read(ctx context.Context) (image.Image, error)
	Close() error
}

// State of a Processor.
type State int32

const (
	// Idle is a constructed processor that has not been started.
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// FrameResult is the output of one processed frame.
type FrameResult struct {
	Index  int
	Frame  image.Image
	Labels []types.FrameLabel
}

// ProcessorOptions configures the live loop.
type ProcessorOptions struct {
	Embedding EmbeddingOptions
	Logger    *logger.Logger
	// Stride processes every Nth frame; the rest are read and dropped. Values < 1 mean 1.
	Stride int
	// TickTimeout bounds the model calls of one frame. Zero means no limit.
	TickTimeout time.Duration
	// OnFrame receives every processed frame. It runs on the processor goroutine.
	OnFrame func(FrameResult)
}

// Summary describes a finished run.
type Summary struct {
	Frames     int // frames read from the source
	Processed  int // frames that went through detection
	Detections int
	Known      int
	// Reason is what moved the processor to Stopped.
	Reason error
}

// Processor labels every detection of the profile's class in each frame as
// Known or Unknown. It owns its FrameSource and closes it when it stops.
type Processor struct {
	detector   model.Detector
	embeddings *EmbeddingService
	profile    *TargetProfile
	source     FrameSource
	opts       ProcessorOptions
	log        *logger.Logger

	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
}

// NewProcessor takes ownership of src. profile must come from a successful Build.
func NewProcessor(s *model.Session, profile *TargetProfile, src FrameSource, opts ProcessorOptions) (*Processor, error) {
	if profile == nil {
		return nil, errors.New("processor: target profile is required")
	}
	if src == nil {
		return nil, errors.New("processor: frame source is required")
	}
	if opts.Stride < 1 {
		opts.Stride = 1
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Processor{
		detector:   s.Detector,
		embeddings: NewEmbeddingService(s, opts.Embedding),
		profile:    profile,
		source:     src,
		opts:       opts,
		log:        log,
		stop:       make(chan struct{}),
	}, nil
}

// State reports the current lifecycle state.
func (p *Processor) State() State {
	return State(p.state.Load())
}

// Stop asks the loop to finish at the next frame boundary. Safe to call from
// any goroutine, any number of times.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Start runs the loop until the source fails, Stop is called or ctx is done,
// then closes the source. Those endings return a nil error with the cause in
// Summary.Reason. Model failures and dimension mismatches abort the run and
// are returned.
func (p *Processor) Start(ctx context.Context) (sum Summary, err error) {
	if !p.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return Summary{}, ErrAlreadyStarted
	}
	log := p.log

	defer func() {
		if cerr := p.source.Close(); cerr != nil {
			log.Warning("Failed to release frame source: %v", cerr)
		}
		p.state.Store(int32(Stopped))
		log.Info("Stream stopped after %d frames (%d processed): %v", sum.Frames, sum.Processed, sum.Reason)
	}()

	for {
		// Tick boundary: the only place a stop request is honoured
		select {
		case <-ctx.Done():
			sum.Reason = ctx.Err()
			return sum, nil
		case <-p.stop:
			sum.Reason = ErrStopped
			return sum, nil
		default:
		}

		frame, rerr := p.source.Read(ctx)
		if rerr != nil {
			if ctx.Err() != nil {
				sum.Reason = ctx.Err()
			} else {
				sum.Reason = fmt.Errorf("%w: %v", ErrAcquisitionFailed, rerr)
			}
			return sum, nil
		}
		sum.Frames++
		if (sum.Frames-1)%p.opts.Stride != 0 {
			continue
		}

		labels, perr := p.processFrame(ctx, frame)
		if perr != nil {
			sum.Reason = perr
			return sum, fmt.Errorf("frame %d: %w", sum.Frames, perr)
		}
		sum.Processed++
		sum.Detections += len(labels)
		for _, l := range labels {
			if l.Label == types.Known {
				sum.Known++
			}
		}

		if p.opts.OnFrame != nil {
			p.opts.OnFrame(FrameResult{Index: sum.Frames, Frame: frame, Labels: labels})
		}
	}
}

// processFrame runs one full tick. It is detached from ctx cancellation so a
// started frame always completes; TickTimeout is the only bound.
func (p *Processor) processFrame(ctx context.Context, frame image.Image) ([]types.FrameLabel, error) {
	tickCtx := context.WithoutCancel(ctx)
	if p.opts.TickTimeout > 0 {
		var cancel context.CancelFunc
		tickCtx, cancel = context.WithTimeout(tickCtx, p.opts.TickTimeout)
		defer cancel()
	}
	log := p.log

	dets, err := p.detector.Detect(tickCtx, frame)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}

	labels := []types.FrameLabel{}
	for _, det := range MatchingDetections(dets, p.profile.ClassID()) {
		crop, err := CropImage(frame, det.Box)
		if err != nil {
			log.Warning("Skipping detection %v: %v", det.Box, err)
			continue
		}
		emb, err := p.embeddings.Embed(tickCtx, crop)
		if err != nil {
			if errors.Is(err, ErrInvalidCrop) {
				log.Warning("Skipping detection %v: %v", det.Box, err)
				continue
			}
			return nil, err
		}
		sim, label, err := p.profile.Match(emb)
		if err != nil {
			return nil, err
		}
		labels = append(labels, types.FrameLabel{Box: det.Box, Label: label, Similarity: sim})
	}
	return labels, nil
}
