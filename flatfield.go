package pavementscan

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// DefaultFlatFieldSigma is the standard deviation, in pixels, of the background estimate.
const DefaultFlatFieldSigma = 40.0

// Corrector preprocesses a frame before it is handed to the detector.
// The returned Mat is owned by the caller.
type Corrector interface {
	Correct(frame gocv.Mat) (gocv.Mat, error)
}

// FlatFieldCorrector removes large-scale illumination gradients (shadows, glare) from a frame.
type FlatFieldCorrector struct {
	Sigma float64
}

func (f FlatFieldCorrector) Correct(frame gocv.Mat) (gocv.Mat, error) {
	return CorrectFlatField(frame, f.Sigma)
}

// CorrectFlatField subtracts a Gaussian background estimate from each channel and adds back the
// background mean, clipping to the valid range. 8-bit input is treated as [0,255], float input as
// [0,1]. The result is always an 8-bit 3-channel Mat with the dimensions of frame.
func CorrectFlatField(frame gocv.Mat, sigma float64) (gocv.Mat, error) {
	if frame.Empty() {
		return gocv.NewMat(), fmt.Errorf("%w: empty frame", ErrInvalidFrame)
	}
	if frame.Channels() != 3 {
		return gocv.NewMat(), fmt.Errorf("%w: expected 3 channels, got %d", ErrInvalidFrame, frame.Channels())
	}
	if sigma <= 0 {
		sigma = DefaultFlatFieldSigma
	}

	work := gocv.NewMat()
	defer work.Close()
	switch frame.Type() {
	case gocv.MatTypeCV8UC3:
		frame.ConvertToWithParams(&work, gocv.MatTypeCV32FC3, 1.0/255.0, 0)
	case gocv.MatTypeCV32FC3, gocv.MatTypeCV64FC3:
		frame.ConvertTo(&work, gocv.MatTypeCV32FC3)
	default:
		return gocv.NewMat(), fmt.Errorf("%w: unsupported sample type %v", ErrInvalidFrame, frame.Type())
	}

	channels := gocv.Split(work)
	defer func() {
		for i := range channels {
			channels[i].Close()
		}
	}()

	corrected := make([]gocv.Mat, 0, len(channels))
	defer func() {
		for i := range corrected {
			corrected[i].Close()
		}
	}()

	for _, ch := range channels {
		background := gocv.NewMat()
		gocv.GaussianBlur(ch, &background, image.Point{}, sigma, sigma, gocv.BorderReflect)
		mean := background.Mean().Val1

		out := gocv.NewMat()
		gocv.Subtract(ch, background, &out)
		background.Close()
		out.AddFloat(float32(mean))

		// clip to [0,1]
		gocv.Threshold(out, &out, 1, 1, gocv.ThresholdTrunc)
		gocv.Threshold(out, &out, 0, 0, gocv.ThresholdToZero)
		corrected = append(corrected, out)
	}

	merged := gocv.NewMat()
	defer merged.Close()
	gocv.Merge(corrected, &merged)

	result := gocv.NewMat()
	merged.ConvertToWithParams(&result, gocv.MatTypeCV8UC3, 255, 0)
	return result, nil
}
