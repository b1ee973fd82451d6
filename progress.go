package pavementscan

import "gocv.io/x/gocv"

// ProgressUpdate is the frame-free part of a progress notification, safe to pass between goroutines.
type ProgressUpdate struct {
	// Percent counts frames consumed from the window, not frames written, so the last write of
	// a window ending on a sampling point reports exactly 100.
	Percent    float64
	FrameIndex int // source frame index of the frame just written
	Written    int
	Detections int // detections held from the last sampling point
}

// ProgressReport is delivered once per written frame. Frame is the held annotated frame; it is
// only valid for the duration of the callback and must be cloned to be kept.
type ProgressReport struct {
	ProgressUpdate
	Frame gocv.Mat
}

type ProgressFunc func(ProgressReport)

// ProgressTo adapts a channel into a ProgressFunc that never blocks the pipeline. When the
// receiver lags, the oldest pending update is discarded so the latest one is always delivered.
func ProgressTo(ch chan ProgressUpdate) ProgressFunc {
	return func(r ProgressReport) {
		select {
		case ch <- r.ProgressUpdate:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- r.ProgressUpdate:
		default:
		}
	}
}
