package identity

import (
	"context"
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/andresmejia3/visiontrainer/internal/model"
	"github.com/andresmejia3/visiontrainer/internal/types"
)

// Selector picks one detection of classID out of a detector result.
// It reports false when nothing qualifies.
type Selector func(dets []types.Detection, classID int) (types.Detection, bool)

// FirstMatch returns the first detection of classID in detector order.
func FirstMatch(dets []types.Detection, classID int) (types.Detection, bool) {
	for _, d := range dets {
		if d.ClassID == classID {
			return d, true
		}
	}
	return types.Detection{}, false
}

// BestConfidence returns the highest-confidence detection of classID.
// Ties go to the earlier detection.
func BestConfidence(dets []types.Detection, classID int) (types.Detection, bool) {
	var best types.Detection
	found := false
	for _, d := range dets {
		if d.ClassID != classID {
			continue
		}
		if !found || d.Confidence > best.Confidence {
			best = d
			found = true
		}
	}
	return best, found
}

// SelectorByName maps a config value ("first", "best") to a Selector.
func SelectorByName(name string) (Selector, error) {
	switch name {
	case "", "first":
		return FirstMatch, nil
	case "best":
		return BestConfidence, nil
	}
	return nil, fmt.Errorf("unknown selection strategy %q (use first or best)", name)
}

// MatchingDetections returns every detection of classID, in detector order.
func MatchingDetections(dets []types.Detection, classID int) []types.Detection {
	var out []types.Detection
	for _, d := range dets {
		if d.ClassID == classID {
			out = append(out, d)
		}
	}
	return out
}

// Crop is an image region cut out for one detection.
type Crop struct {
	Image     image.Image
	Detection types.Detection
}

// CropExtractor runs the detector on an image and cuts out one detection of the
// requested class.
type CropExtractor struct {
	detector model.Detector
	selector Selector
}

// NewCropExtractor uses the session's detector. A nil selector means FirstMatch.
func NewCropExtractor(s *model.Session, sel Selector) *CropExtractor {
	if sel == nil {
		sel = FirstMatch
	}
	return &CropExtractor{detector: s.Detector, selector: sel}
}

// Extract returns ErrNotFound when no detection of classID is present.
func (c *CropExtractor) Extract(ctx context.Context, img image.Image, classID int) (Crop, error) {
	dets, err := c.detector.Detect(ctx, img)
	if err != nil {
		return Crop{}, fmt.Errorf("detect: %w", err)
	}
	det, ok := c.selector(dets, classID)
	if !ok {
		return Crop{}, ErrNotFound
	}
	region, err := CropImage(img, det.Box)
	if err != nil {
		return Crop{}, err
	}
	return Crop{Image: region, Detection: det}, nil
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// CropImage cuts box out of img. Inverted or zero-area boxes are ErrInvalidCrop.
// The box is clipped to the image bounds; if nothing remains the result is
// ErrInvalidCrop too.
func CropImage(img image.Image, box types.BoundingBox) (image.Image, error) {
	if !box.Valid() {
		return nil, fmt.Errorf("%w: degenerate box %+v", ErrInvalidCrop, box)
	}
	r := box.Rect().Intersect(img.Bounds())
	if r.Empty() {
		return nil, fmt.Errorf("%w: box %v outside image %v", ErrInvalidCrop, box.Rect(), img.Bounds())
	}
	if si, ok := img.(subImager); ok {
		return si.SubImage(r), nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	xdraw.Copy(dst, image.Point{}, img, r, xdraw.Src, nil)
	return dst, nil
}
