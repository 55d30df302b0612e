// Package opencv runs the detector and embedding networks with OpenCV's DNN
// module and provides the camera, window and video writer used by watch.
package opencv

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"sync"

	"github.com/andresmejia3/visiontrainer/internal/model"
	"github.com/andresmejia3/visiontrainer/internal/types"
	"gocv.io/x/gocv"
)

// DefaultConfidence is the minimum SSD score kept as a detection.
const DefaultConfidence = 0.5

// Config names the network files and the SSD input conventions.
type Config struct {
	DetectorModel  string
	DetectorConfig string // optional, e.g. a .pbtxt for TensorFlow graphs
	EmbedderModel  string
	EmbedderConfig string

	// Confidence below which SSD rows are dropped.
	Confidence float64
	// ClassOffset is subtracted from raw SSD class ids. COCO SSD graphs reserve 0
	// for background, so 1 maps them onto the 0-based class table.
	ClassOffset int
	// InputSize is the square SSD input, default 300.
	InputSize int
}

// Detector is an SSD-style network whose output rows are
// [batch, class, confidence, x1, y1, x2, y2] in relative coordinates.
type Detector struct {
	net gocv.Net
	cfg Config
	mu  sync.Mutex // gocv.Net is not safe for concurrent Forward calls
}

func readNet(modelPath, configPath string) (gocv.Net, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return gocv.Net{}, fmt.Errorf("model file not found: %s", modelPath)
	}
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return gocv.Net{}, fmt.Errorf("config file not found: %s", configPath)
		}
	}

	net := gocv.ReadNet(modelPath, configPath)
	if net.Empty() {
		return gocv.Net{}, fmt.Errorf("failed to load network %s", modelPath)
	}
	errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
	errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
	if errBackend != nil || errTarget != nil {
		net.Close()
		return gocv.Net{}, errors.New("failed to set preferable backend or target")
	}
	return net, nil
}

// NewDetector loads the detection network.
func NewDetector(cfg Config) (*Detector, error) {
	if cfg.Confidence <= 0 {
		cfg.Confidence = DefaultConfidence
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = 300
	}
	net, err := readNet(cfg.DetectorModel, cfg.DetectorConfig)
	if err != nil {
		return nil, err
	}
	return &Detector{net: net, cfg: cfg}, nil
}

// Detect runs the network over img.
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("failed to convert image: %w", err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, errors.New("image is empty")
	}

	size := d.cfg.InputSize
	blob := gocv.BlobFromImage(mat, 1.0/127.5, image.Pt(size, size), gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	d.mu.Lock()
	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	d.mu.Unlock()
	defer output.Close()

	rows := output.Reshape(1, output.Total()/7)
	defer rows.Close()

	w, h := float32(mat.Cols()), float32(mat.Rows())
	origin := img.Bounds().Min
	var dets []types.Detection
	for i := 0; i < rows.Rows(); i++ {
		confidence := rows.GetFloatAt(i, 2)
		if float64(confidence) < d.cfg.Confidence {
			continue
		}
		dets = append(dets, types.Detection{
			ClassID: int(rows.GetFloatAt(i, 1)) - d.cfg.ClassOffset,
			Box: types.BoundingBox{
				X1: origin.X + int(rows.GetFloatAt(i, 3)*w),
				Y1: origin.Y + int(rows.GetFloatAt(i, 4)*h),
				X2: origin.X + int(rows.GetFloatAt(i, 5)*w),
				Y2: origin.Y + int(rows.GetFloatAt(i, 6)*h),
			},
			Confidence: float64(confidence),
		})
	}
	return dets, nil
}

// Close releases the network.
func (d *Detector) Close() error {
	return d.net.Close()
}

// Extractor is a feature network fed with already normalised tensors.
type Extractor struct {
	net gocv.Net
	mu  sync.Mutex
}

// NewExtractor loads the embedding network.
func NewExtractor(cfg Config) (*Extractor, error) {
	net, err := readNet(cfg.EmbedderModel, cfg.EmbedderConfig)
	if err != nil {
		return nil, err
	}
	return &Extractor{net: net}, nil
}

// Extract runs one forward pass and flattens the output.
func (e *Extractor) Extract(ctx context.Context, t model.Tensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(t.Data) != t.Len() || t.Len() == 0 {
		return nil, fmt.Errorf("tensor has %d values, shape needs %d", len(t.Data), t.Len())
	}

	raw := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.NativeEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	blob, err := gocv.NewMatWithSizesFromBytes([]int{1, t.Channels, t.Height, t.Width}, gocv.MatTypeCV32F, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to build input blob: %w", err)
	}
	defer blob.Close()

	e.mu.Lock()
	e.net.SetInput(blob, "")
	output := e.net.Forward("")
	e.mu.Unlock()
	defer output.Close()

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to read network output: %w", err)
	}
	vec := make([]float32, len(data))
	copy(vec, data)
	return vec, nil
}

// Close releases the network.
func (e *Extractor) Close() error {
	return e.net.Close()
}

// NewSession loads both networks into a model session.
func NewSession(cfg Config) (*model.Session, error) {
	det, err := NewDetector(cfg)
	if err != nil {
		return nil, fmt.Errorf("detector: %w", err)
	}
	ext, err := NewExtractor(cfg)
	if err != nil {
		det.Close()
		return nil, fmt.Errorf("embedder: %w", err)
	}
	return model.NewSession(det, ext, det.Close, ext.Close)
}
