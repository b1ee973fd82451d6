package pavementscan

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Window is a half-open range [Start, End) of frame indices.
type Window struct {
	Start int
	End   int
}

// Len is the number of frame indices in the window.
func (w Window) Len() int {
	if w.End < w.Start {
		return 0
	}
	return w.End - w.Start
}

// WindowSpec is the caller's request: the whole video, or a range in minutes.
type WindowSpec struct {
	All          bool
	StartMinutes float64
	EndMinutes   float64
}

func WholeVideo() WindowSpec {
	return WindowSpec{All: true}
}

func MinutesWindow(start, end float64) WindowSpec {
	return WindowSpec{StartMinutes: start, EndMinutes: end}
}

// Validate checks the minute bounds without needing the video.
func (s WindowSpec) Validate() error {
	if s.All {
		return nil
	}
	for _, v := range []float64{s.StartMinutes, s.EndMinutes} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: bound %v is not a finite number", ErrInvalidWindow, v)
		}
		if v < 0 {
			return fmt.Errorf("%w: bound %v is negative", ErrInvalidWindow, v)
		}
	}
	if s.EndMinutes < s.StartMinutes {
		return fmt.Errorf("%w: end %v min is before start %v min", ErrInvalidWindow, s.EndMinutes, s.StartMinutes)
	}
	return nil
}

// Resolve converts the bounds into frame indices for a video with the given frame rate and length.
// Minute bounds are floored to frame indices and clamped to [0, frameCount], so a start past the
// end of the video gives an empty window rather than an error.
func (s WindowSpec) Resolve(fps float64, frameCount int) (Window, error) {
	if err := s.Validate(); err != nil {
		return Window{}, err
	}
	if frameCount < 0 {
		frameCount = 0
	}
	if s.All {
		return Window{Start: 0, End: frameCount}, nil
	}
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		return Window{}, fmt.Errorf("%w: frame rate %v cannot convert minutes to frames", ErrInvalidWindow, fps)
	}
	start := clampFrame(int(math.Floor(s.StartMinutes*60*fps)), frameCount)
	end := clampFrame(int(math.Floor(s.EndMinutes*60*fps)), frameCount)
	return Window{Start: start, End: end}, nil
}

func clampFrame(i, frameCount int) int {
	if i < 0 {
		return 0
	}
	if i > frameCount {
		return frameCount
	}
	return i
}

// ParseMinutes parses a user-entered minute bound. Blank input means zero.
func ParseMinutes(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidWindow, s)
	}
	return v, nil
}
