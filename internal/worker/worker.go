package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/visiontrainer/internal/model"
	"github.com/andresmejia3/visiontrainer/internal/types"
	"github.com/andresmejia3/visiontrainer/internal/utils" // Using the SafeCommand wrapper
)

// Request opcodes understood by the model worker script.
const (
	opDetect  byte = 'D'
	opExtract byte = 'E'
)

// Response status bytes.
const (
	statusOK    byte = 0
	statusError byte = 1
)

// maxResponse guards against a corrupt length header allocating gigabytes.
const maxResponse = 64 * 1024 * 1024

// Config controls how the worker process is launched.
type Config struct {
	Python      string        // interpreter, default python3
	Script      string        // path to the model server script
	Args        []string      // extra script arguments (model names, device)
	ReadTimeout time.Duration // per-request limit, 0 disables
	JPEGQuality int           // quality of frames sent for detection, default 95
}

// PythonWorker runs the detector and embedding models in a child process.
// Requests go over stdin, responses come back over a dedicated pipe (FD 3) so
// the script's own prints on stdout/stderr cannot corrupt the protocol.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	cfg Config
	mu  sync.Mutex
}

// NewPythonWorker starts the worker process. The process is not tied to ctx
// cancellation, so a request already in flight can finish; Close stops it.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Script == "" {
		return nil, errors.New("worker script path is required")
	}
	if _, err := os.Stat(cfg.Script); err != nil {
		return nil, fmt.Errorf("worker script: %w", err)
	}

	// 1. Initialize the SafeCommand
	args := append([]string{"-u", cfg.Script}, cfg.Args...)
	py := utils.NewSafeCommandContext(context.WithoutCancel(ctx), cfg.Python, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		cfg:      cfg,
	}, nil
}

// Communicate sends one request and returns the raw response body.
// Protocol: [Length uint32 BE][Data] in both directions.
func (w *PythonWorker) Communicate(ctx context.Context, data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.setDeadline(ctx)

	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // A crashed script (e.g. ModuleNotFoundError) surfaces here
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("worker response too large: %d bytes", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// setDeadline applies the tighter of ReadTimeout and the ctx deadline when the
// pipe supports deadlines.
func (w *PythonWorker) setDeadline(ctx context.Context) {
	dl, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error })
	if !ok {
		return
	}
	var deadline time.Time
	if w.cfg.ReadTimeout > 0 {
		deadline = time.Now().Add(w.cfg.ReadTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = dl.SetReadDeadline(deadline)
}

// Detect sends img as a JPEG and decodes the detections.
func (w *PythonWorker) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	quality := w.cfg.JPEGQuality
	if quality <= 0 {
		quality = 95
	}
	var req bytes.Buffer
	req.WriteByte(opDetect)
	if err := jpeg.Encode(&req, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	resp, err := w.Communicate(ctx, req.Bytes())
	if err != nil {
		return nil, err
	}
	body, err := checkStatus(resp)
	if err != nil {
		return nil, err
	}
	return parseDetections(body)
}

// Extract sends the tensor shape and data and decodes the embedding.
func (w *PythonWorker) Extract(ctx context.Context, t model.Tensor) ([]float32, error) {
	if len(t.Data) != t.Len() {
		return nil, fmt.Errorf("tensor has %d values, shape needs %d", len(t.Data), t.Len())
	}
	req := bytes.NewBuffer(make([]byte, 0, 13+4*len(t.Data)))
	req.WriteByte(opExtract)
	binary.Write(req, binary.BigEndian, [3]uint32{uint32(t.Channels), uint32(t.Height), uint32(t.Width)})
	binary.Write(req, binary.BigEndian, t.Data)

	resp, err := w.Communicate(ctx, req.Bytes())
	if err != nil {
		return nil, err
	}
	body, err := checkStatus(resp)
	if err != nil {
		return nil, err
	}
	return parseEmbedding(body)
}

// checkStatus strips the status byte. Error payload: [MsgLen uint32][Msg].
func checkStatus(resp []byte) ([]byte, error) {
	if len(resp) == 0 {
		return nil, errors.New("empty worker response")
	}
	switch resp[0] {
	case statusOK:
		return resp[1:], nil
	case statusError:
		r := bytes.NewReader(resp[1:])
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	}
	return nil, fmt.Errorf("unknown worker status %d", resp[0])
}

// wireDetection is one detection on the wire.
type wireDetection struct {
	Class      int32
	Box        [4]int32 // x1, y1, x2, y2
	Confidence float32
}

// parseDetections reads [Count uint32] then Count wireDetections.
func parseDetections(body []byte) ([]types.Detection, error) {
	r := bytes.NewReader(body)
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("read detection count: %w", err)
	}
	if int64(count)*int64(binary.Size(wireDetection{})) > int64(r.Len()) {
		return nil, fmt.Errorf("detection count %d exceeds payload", count)
	}

	dets := make([]types.Detection, 0, count)
	for i := uint32(0); i < count; i++ {
		var wd wireDetection
		if err := binary.Read(r, binary.BigEndian, &wd); err != nil {
			return nil, fmt.Errorf("read detection %d: %w", i, err)
		}
		dets = append(dets, types.Detection{
			ClassID:    int(wd.Class),
			Box:        types.BoundingBox{X1: int(wd.Box[0]), Y1: int(wd.Box[1]), X2: int(wd.Box[2]), Y2: int(wd.Box[3])},
			Confidence: float64(wd.Confidence),
		})
	}
	return dets, nil
}

// parseEmbedding reads [Dim uint32] then Dim float32 values.
func parseEmbedding(body []byte) ([]float32, error) {
	r := bytes.NewReader(body)
	var dim uint32
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return nil, fmt.Errorf("read embedding size: %w", err)
	}
	if int64(dim)*4 != int64(r.Len()) {
		return nil, fmt.Errorf("embedding size %d does not match payload of %d bytes", dim, r.Len())
	}
	vec := make([]float32, dim)
	if err := binary.Read(r, binary.BigEndian, vec); err != nil {
		return nil, fmt.Errorf("read embedding: %w", err)
	}
	for i, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("embedding value %d is not finite", i)
		}
	}
	return vec, nil
}

// Close shuts the worker down and waits for the process to exit.
func (w *PythonWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	if err := w.Cmd.Wait(); err != nil {
		return fmt.Errorf("worker %d exited: %w", w.ID, err)
	}
	return nil
}
