package pavementscan

import "errors"

var (
	// ErrSourceUnavailable is returned when the input video cannot be opened or reports no frames.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrSinkUnavailable is returned when the output video cannot be created.
	ErrSinkUnavailable = errors.New("sink unavailable")
	// ErrInvalidWindow is returned for time bounds that cannot describe a processing window.
	ErrInvalidWindow = errors.New("invalid processing window")
	// ErrDetectionFailure wraps a detector error when strict detection is enabled.
	ErrDetectionFailure = errors.New("detection failure")
	// ErrInvalidFrame is returned for frames that are empty or not 3-channel.
	ErrInvalidFrame = errors.New("invalid frame")
)
