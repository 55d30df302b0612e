package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/visiontrainer/internal/config"
	"github.com/andresmejia3/visiontrainer/internal/identity"
	"github.com/andresmejia3/visiontrainer/internal/model"
	"github.com/andresmejia3/visiontrainer/internal/opencv"
	"github.com/andresmejia3/visiontrainer/internal/utils"
	"github.com/andresmejia3/visiontrainer/internal/worker"
	"gopkg.in/yaml.v3"
)

// backend is the model session plus, for the python backend, the worker whose
// stderr we dump on failure.
type backend struct {
	session *model.Session
	worker  *worker.PythonWorker
}

// openBackend loads the detector and extractor selected by cfg.Backend.
func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.Backend {
	case "opencv":
		s, err := opencv.NewSession(opencv.Config{
			DetectorModel:  cfg.OpenCV.DetectorModel,
			DetectorConfig: cfg.OpenCV.DetectorConfig,
			EmbedderModel:  cfg.OpenCV.EmbedderModel,
			EmbedderConfig: cfg.OpenCV.EmbedderConfig,
			Confidence:     cfg.OpenCV.Confidence,
			ClassOffset:    cfg.OpenCV.ClassOffset,
			InputSize:      cfg.OpenCV.InputSize,
		})
		if err != nil {
			return nil, err
		}
		return &backend{session: s}, nil

	default:
		fmt.Fprintf(os.Stderr, "⚙️  Spawning model worker (%s)...\n", cfg.Worker.Script)
		w, err := worker.NewPythonWorker(ctx, 0, worker.Config{
			Python:      cfg.Worker.Python,
			Script:      cfg.Worker.Script,
			Args:        cfg.Worker.Args,
			ReadTimeout: cfg.Worker.Timeout,
		})
		if err != nil {
			return nil, err
		}
		// One process serves both capabilities
		s, err := model.NewSession(w, w, w.Close)
		if err != nil {
			w.Close()
			return nil, err
		}
		return &backend{session: s, worker: w}, nil
	}
}

// crashLogs returns the worker command so ShowError can print its stderr.
func (b *backend) crashLogs() *utils.SafeCommand {
	if b == nil || b.worker == nil {
		return nil
	}
	return b.worker.Cmd
}

func (b *backend) Close() error {
	return b.session.Close()
}

// identityOptions maps configuration onto the pipeline options.
func identityOptions(cfg *config.Config, selection string, threshold float64) (identity.Options, error) {
	sel, err := identity.SelectorByName(selection)
	if err != nil {
		return identity.Options{}, err
	}
	emb, err := embeddingOptions(cfg)
	if err != nil {
		return identity.Options{}, err
	}
	return identity.Options{
		Selector:  sel,
		Embedding: emb,
		Threshold: threshold,
		Logger:    Log,
	}, nil
}

func embeddingOptions(cfg *config.Config) (identity.EmbeddingOptions, error) {
	order, err := identity.ParseChannelOrder(cfg.Input.ChannelOrder)
	if err != nil {
		return identity.EmbeddingOptions{}, err
	}
	return identity.EmbeddingOptions{
		Width:        cfg.Input.Width,
		Height:       cfg.Input.Height,
		ChannelOrder: order,
		Mean:         cfg.Input.Mean,
		Std:          cfg.Input.Std,
	}, nil
}

// loadReferences reads every reference image. One unreadable image aborts the build.
func loadReferences(paths []string) ([]identity.Reference, error) {
	files, err := utils.ListImages(paths...)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no reference images found in %v", paths)
	}

	refs := make([]identity.Reference, 0, len(files))
	for _, f := range files {
		img, err := utils.LoadImage(f)
		if err != nil {
			return nil, fmt.Errorf("reference image: %w", err)
		}
		refs = append(refs, identity.Reference{Name: f, Image: img})
	}
	return refs, nil
}

// validationManifest lists ground-truth images. Relative paths are resolved
// against the manifest's directory.
type validationManifest struct {
	Known   []string `yaml:"known"`
	Unknown []string `yaml:"unknown"`
}

func readManifest(path string) (known, unknown []string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var m validationManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	base := filepath.Dir(path)
	resolve := func(ps []string) []string {
		out := make([]string, len(ps))
		for i, p := range ps {
			if !filepath.IsAbs(p) {
				p = filepath.Join(base, p)
			}
			out[i] = p
		}
		return out
	}
	return resolve(m.Known), resolve(m.Unknown), nil
}

// loadValidation reads the labelled images. Unreadable images are skipped with
// a warning and reported back by name.
func loadValidation(known, unknown []string) ([]identity.ValidationRecord, []string, error) {
	var records []identity.ValidationRecord
	var unreadable []string

	add := func(paths []string, isKnown bool) error {
		if len(paths) == 0 {
			return nil
		}
		files, err := utils.ListImages(paths...)
		if err != nil {
			return err
		}
		for _, f := range files {
			img, err := utils.LoadImage(f)
			if err != nil {
				Log.Warning("Skipping unreadable validation image: %v", err)
				unreadable = append(unreadable, f)
				continue
			}
			records = append(records, identity.ValidationRecord{Name: f, Image: img, Known: isKnown})
		}
		return nil
	}

	if err := add(known, true); err != nil {
		return nil, nil, err
	}
	if err := add(unknown, false); err != nil {
		return nil, nil, err
	}
	return records, unreadable, nil
}
