package types

import "image"

// FrameTask is one encoded frame cut from a video stream
type FrameTask struct {
	Index int
	Data  []byte
}

// BoundingBox is an axis-aligned box in pixel coordinates, (X1,Y1) inclusive and (X2,Y2) exclusive.
type BoundingBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Rect converts the box to an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Valid reports whether the box has a positive area.
func (b BoundingBox) Valid() bool {
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

// Detection is a single detector hit: a class id, where it is, and how sure the model was.
type Detection struct {
	ClassID    int         `json:"class_id"`
	Box        BoundingBox `json:"box"`
	Confidence float64     `json:"confidence"`
}

// Label is the known/unknown verdict for one detection
type Label int

const (
	Unknown Label = iota
	Known
)

func (l Label) String() string {
	if l == Known {
		return "known"
	}
	return "unknown"
}

// MarshalText lets labels serialise as "known"/"unknown" in JSON payloads.
func (l Label) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// FrameLabel is the per-detection output of the stream processor
type FrameLabel struct {
	Box        BoundingBox `json:"box"`
	Label      Label       `json:"label"`
	Similarity float64     `json:"similarity"`
}
