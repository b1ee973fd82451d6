package pavementscan

import (
	"fmt"
	"image"

	"github.com/chewxy/math32"
	"gocv.io/x/gocv"
)

// decodeMask combines the prototype masks with a box's coefficients and returns a
// protoSize×protoSize binary mask (0 or 255) limited to the box. protos is laid out
// [maskDim][protoSize][protoSize]; box is in frame coordinates of a width×height frame.
func decodeMask(protos []float32, maskDim, protoSize int, coeffs []float32, box BoundingBox, width, height int) []byte {
	mask := make([]byte, protoSize*protoSize)
	if width <= 0 || height <= 0 || len(coeffs) < maskDim || len(protos) < maskDim*protoSize*protoSize {
		return mask
	}

	scaleX := float32(protoSize) / float32(width)
	scaleY := float32(protoSize) / float32(height)
	x1 := clampInt(int(math32.Floor(box.X1*scaleX)), 0, protoSize)
	y1 := clampInt(int(math32.Floor(box.Y1*scaleY)), 0, protoSize)
	x2 := clampInt(int(math32.Ceil(box.X2*scaleX)), 0, protoSize)
	y2 := clampInt(int(math32.Ceil(box.Y2*scaleY)), 0, protoSize)

	plane := protoSize * protoSize
	for py := y1; py < y2; py++ {
		for px := x1; px < x2; px++ {
			offset := py*protoSize + px
			var sum float32
			for k := 0; k < maskDim; k++ {
				sum += coeffs[k] * protos[k*plane+offset]
			}
			// sigmoid(sum) > 0.5 exactly when sum > 0
			if 1/(1+math32.Exp(-sum)) > 0.5 {
				mask[offset] = 255
			}
		}
	}
	return mask
}

// maskMat upsamples a decoded prototype mask to the frame size.
func maskMat(mask []byte, protoSize, width, height int) (gocv.Mat, error) {
	small, err := gocv.NewMatFromBytes(protoSize, protoSize, gocv.MatTypeCV8U, mask)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("mask mat: %w", err)
	}
	defer small.Close()

	full := gocv.NewMat()
	gocv.Resize(small, &full, image.Pt(width, height), 0, 0, gocv.InterpolationLinear)
	gocv.Threshold(full, &full, 127, 255, gocv.ThresholdBinary)
	return full, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
