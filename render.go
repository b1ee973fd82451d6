package pavementscan

import (
	"fmt"
	"image"
	"image/color"
	"strconv"

	"gocv.io/x/gocv"
)

var palette = func() []color.RGBA {
	hex := []string{
		"FF3838", "FF9D97", "FF701F", "FFB21D", "CFD231", "48F90A", "92CC17", "3DDB86", "1A9334", "00D4BB",
		"2C99A8", "00C2FF", "344593", "6473FF", "0018EC", "8438FF", "520085", "CB38FF", "FF95C8", "FF37C7",
	}
	colors := make([]color.RGBA, len(hex))
	for i, h := range hex {
		v, _ := strconv.ParseUint(h, 16, 32)
		colors[i] = color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}
	}
	return colors
}()

func classColor(classID int) color.RGBA {
	if classID < 0 {
		classID = -classID
	}
	return palette[classID%len(palette)]
}

// Annotate detects objects in frame and returns a copy with masks, boxes and labels drawn on it.
func (y *Yolo) Annotate(frame gocv.Mat) (Annotation, error) {
	if y.ModelSession == nil {
		return Annotation{}, fmt.Errorf("model session is not initialised")
	}
	img, err := frame.ToImage()
	if err != nil {
		return Annotation{}, err
	}

	var masks []gocv.Mat
	defer func() {
		for i := range masks {
			masks[i].Close()
		}
	}()

	y.mu.Lock()
	boxes, err := y.predict(img)
	if err == nil && y.Segmentation && y.ModelSession.Protos != nil {
		protos := y.ModelSession.Protos.GetData()
		for _, b := range boxes {
			data := decodeMask(protos, y.MaskDim, y.ProtoSize, b.maskCoeffs, b, frame.Cols(), frame.Rows())
			m, merr := maskMat(data, y.ProtoSize, frame.Cols(), frame.Rows())
			if merr != nil {
				err = merr
				break
			}
			masks = append(masks, m)
		}
	}
	y.mu.Unlock()
	if err != nil {
		return Annotation{}, err
	}

	out := frame.Clone()
	for i, m := range masks {
		drawMask(&out, m, classColor(boxes[i].ClassID))
	}
	DrawBoxes(&out, boxes)
	return Annotation{Frame: out, Boxes: boxes}, nil
}

// DrawBoxes outlines each box and writes "label confidence" above it.
func DrawBoxes(img *gocv.Mat, boxes []BoundingBox) {
	frame := image.Rect(0, 0, img.Cols(), img.Rows())
	for i := range boxes {
		b := &boxes[i]
		rect := b.ToRect().Intersect(frame)
		if rect.Empty() {
			continue
		}
		c := classColor(b.ClassID)
		gocv.Rectangle(img, rect, c, 2)

		label := fmt.Sprintf("%s %.2f", b.Label, b.Confidence)
		size := gocv.GetTextSize(label, gocv.FontHersheySimplex, 0.5, 1)
		top := rect.Min.Y - size.Y - 6
		if top < 0 {
			top = rect.Min.Y
		}
		gocv.Rectangle(img, image.Rect(rect.Min.X, top, rect.Min.X+size.X+4, top+size.Y+6), c, -1)
		gocv.PutText(img, label, image.Pt(rect.Min.X+2, top+size.Y+2), gocv.FontHersheySimplex, 0.5, color.RGBA{R: 255, G: 255, B: 255, A: 255}, 1)
	}
}

// drawMask blends c into img at half opacity wherever mask is set.
func drawMask(img *gocv.Mat, mask gocv.Mat, c color.RGBA) {
	overlay := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(float64(c.B), float64(c.G), float64(c.R), 0), img.Rows(), img.Cols(), img.Type())
	defer overlay.Close()
	blended := gocv.NewMat()
	defer blended.Close()

	gocv.AddWeighted(*img, 0.5, overlay, 0.5, 0, &blended)
	blended.CopyToWithMask(img, mask)
}
