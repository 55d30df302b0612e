package opencv

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"strconv"

	"github.com/andresmejia3/visiontrainer/internal/types"
	"gocv.io/x/gocv"
)

// Capture reads frames from a camera device or a video file.
type Capture struct {
	vc  *gocv.VideoCapture
	buf gocv.Mat
}

// OpenCapture opens a camera when source is a device index, a file otherwise.
func OpenCapture(source string) (*Capture, error) {
	var (
		vc  *gocv.VideoCapture
		err error
	)
	if id, convErr := strconv.Atoi(source); convErr == nil {
		vc, err = gocv.VideoCaptureDevice(id)
	} else {
		vc, err = gocv.VideoCaptureFile(source)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open capture %q: %w", source, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("capture %q is not available", source)
	}
	return &Capture{vc: vc, buf: gocv.NewMat()}, nil
}

// FPS reported by the device or container, 0 when unknown.
func (c *Capture) FPS() float64 {
	return c.vc.Get(gocv.VideoCaptureFPS)
}

// Read grabs the next frame. A failed grab ends the stream.
func (c *Capture) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok := c.vc.Read(&c.buf); !ok || c.buf.Empty() {
		return nil, io.EOF
	}
	return c.buf.ToImage()
}

// Close releases the device.
func (c *Capture) Close() error {
	c.buf.Close()
	return c.vc.Close()
}

var (
	knownColor   = color.RGBA{G: 255, A: 255}
	unknownColor = color.RGBA{R: 255, A: 255}
)

// LabelText is the caption drawn over a box, e.g. "Known person".
func LabelText(l types.Label, className string) string {
	if l == types.Known {
		return "Known " + className
	}
	return "Unknown " + className
}

// Annotate draws every label onto mat: green for Known, red for Unknown.
func Annotate(mat *gocv.Mat, labels []types.FrameLabel, className string) error {
	for _, fl := range labels {
		c := unknownColor
		if fl.Label == types.Known {
			c = knownColor
		}
		if err := gocv.Rectangle(mat, fl.Box.Rect(), c, 2); err != nil {
			return fmt.Errorf("failed to draw rectangle: %w", err)
		}
		text := fmt.Sprintf("%s (%.2f)", LabelText(fl.Label, className), fl.Similarity)
		pt := image.Pt(fl.Box.X1, fl.Box.Y1-10)
		if err := gocv.PutText(mat, text, pt, gocv.FontHersheySimplex, 0.9, c, 2); err != nil {
			return fmt.Errorf("failed to draw text: %w", err)
		}
	}
	return nil
}

// Display shows annotated frames in a window. Pressing q calls onQuit.
type Display struct {
	window    *gocv.Window
	className string
	onQuit    func()
}

// NewDisplay opens a window titled title.
func NewDisplay(title, className string, onQuit func()) *Display {
	return &Display{window: gocv.NewWindow(title), className: className, onQuit: onQuit}
}

// Show renders one frame and polls the keyboard.
func (d *Display) Show(frame image.Image, labels []types.FrameLabel) error {
	mat, err := gocv.ImageToMatRGB(frame)
	if err != nil {
		return err
	}
	defer mat.Close()
	if err := Annotate(&mat, labels, d.className); err != nil {
		return err
	}
	if err := d.window.IMShow(mat); err != nil {
		return err
	}
	if key := d.window.WaitKey(1); key == 'q' && d.onQuit != nil {
		d.onQuit()
	}
	return nil
}

// Close destroys the window.
func (d *Display) Close() error {
	return d.window.Close()
}

// Recorder writes annotated frames to a video file. The writer is opened on
// the first frame so its size matches the stream.
type Recorder struct {
	path      string
	fps       float64
	className string
	writer    *gocv.VideoWriter
}

// NewRecorder prepares an MJPG writer at path. fps <= 0 means 25.
func NewRecorder(path string, fps float64, className string) *Recorder {
	if fps <= 0 {
		fps = 25
	}
	return &Recorder{path: path, fps: fps, className: className}
}

// Write appends one annotated frame.
func (r *Recorder) Write(frame image.Image, labels []types.FrameLabel) error {
	mat, err := gocv.ImageToMatRGB(frame)
	if err != nil {
		return err
	}
	defer mat.Close()

	if r.writer == nil {
		w, err := gocv.VideoWriterFile(r.path, "MJPG", r.fps, mat.Cols(), mat.Rows(), true)
		if err != nil {
			return fmt.Errorf("failed to open video writer: %w", err)
		}
		if !w.IsOpened() {
			w.Close()
			return errors.New("video writer is not open")
		}
		r.writer = w
	}

	if err := Annotate(&mat, labels, r.className); err != nil {
		return err
	}
	return r.writer.Write(mat)
}

// Close finalises the file.
func (r *Recorder) Close() error {
	if r.writer == nil {
		return nil
	}
	return r.writer.Close()
}
