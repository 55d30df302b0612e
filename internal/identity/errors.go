package identity

import "errors"

var (
	// ErrNotFound means the detector returned no detection of the target class.
	// It is an expected outcome, not a failure.
	ErrNotFound = errors.New("target class not found in image")

	// ErrInvalidCrop means a crop region has zero area after clipping to the image.
	ErrInvalidCrop = errors.New("invalid crop: zero-area region")

	// ErrNoValidReferences means no reference image produced a usable crop, so no
	// target profile exists.
	ErrNoValidReferences = errors.New("no valid reference crops")

	// ErrDimensionMismatch means two embeddings of different length were compared,
	// usually a model/version mismatch between profile and live embedding.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrAcquisitionFailed wraps whatever ended a frame source (end of stream or device error).
	ErrAcquisitionFailed = errors.New("frame acquisition failed")

	// ErrAlreadyStarted is returned when Start is called on a processor that is not idle.
	ErrAlreadyStarted = errors.New("processor already started")

	// ErrStopped is the stop reason recorded when Stop was called.
	ErrStopped = errors.New("processor stopped")
)
