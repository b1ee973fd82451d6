package pavementscan

import (
	"bufio"
	"fmt"
	"image"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/nfnt/resize"
	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"
)

var DefaultClasses = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat", "dog", "horse",
	"sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack", "umbrella", "handbag", "tie",
	"suitcase", "frisbee", "skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove",
	"skateboard", "surfboard", "tennis racket", "bottle", "wine glass", "cup", "fork", "knife", "spoon",
	"bowl", "banana", "apple", "sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut",
	"cake", "chair", "couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink", "refrigerator", "book",
	"clock", "vase", "scissors", "teddy bear", "hair drier", "toothbrush",
}

const (
	DefaultModelPath         = "./yolov8n-seg.onnx"
	DefaultSharedLibraryPath = "./onnxruntime-linux-x64-1.17.1/lib/libonnxruntime.so"
	DefaultInputSize         = 640
	DefaultMaskDim           = 32
	DefaultProtoSize         = 160
)

type BoundingBox struct {
	Label          string
	Confidence     float32
	ClassID        int
	X1, Y1, X2, Y2 float32

	// mask coefficients, segment models only
	maskCoeffs []float32
}

func (b *BoundingBox) String() string {
	return fmt.Sprintf("Object %s (confidence %f): (%f, %f), (%f, %f)",
		b.Label, b.Confidence, b.X1, b.Y1, b.X2, b.Y2)
}

func (b *BoundingBox) ToRect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2)).Canon()
}

func (b *BoundingBox) RectArea() int {
	size := b.ToRect().Size()
	return size.X * size.Y
}

func (b *BoundingBox) Intersection(other *BoundingBox) float32 {
	r1 := b.ToRect()
	r2 := other.ToRect()
	intersected := r1.Intersect(r2).Canon().Size()
	return float32(intersected.X * intersected.Y)
}

func (b *BoundingBox) Union(other *BoundingBox) float32 {
	intersectArea := b.Intersection(other)
	totalArea := float32(b.RectArea() + other.RectArea())
	return totalArea - intersectArea
}

func (b *BoundingBox) Iou(other *BoundingBox) float32 {
	union := b.Union(other)
	if union <= 0 {
		return 0
	}
	return b.Intersection(other) / union
}

type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
	Protos  *ort.Tensor[float32] // nil for detection-only models
}

func (m *ModelSession) Destroy() {
	m.Session.Destroy()
	m.Input.Destroy()
	m.Output.Destroy()
	if m.Protos != nil {
		m.Protos.Destroy()
	}
}

type Yolo struct {
	ModelPath           string
	SharedLibraryPath   string
	ModelSession        *ModelSession
	Classes             []string
	TotalClasses        int
	InputSize           int
	IouThreshold        float32
	ConfidenceThreshold float32
	Segmentation        bool
	MaskDim             int
	ProtoSize           int

	// guards the session tensors, which are reused between runs
	mu sync.Mutex
}

// Destroy releases the session. It waits for an in-flight Predict or Annotate to finish.
func (y *Yolo) Destroy() {
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.ModelSession != nil {
		y.ModelSession.Destroy()
		y.ModelSession = nil
	}
}

type YoloOptions func(*Yolo) error

func WithModelPath(path string) YoloOptions {
	return func(y *Yolo) error {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("model %s: %w", path, err)
		}
		y.ModelPath = path
		return nil
	}
}

func WithSharedLibraryPath(path string) YoloOptions {
	return func(y *Yolo) error {
		y.SharedLibraryPath = path
		return nil
	}
}

func WithClasses(classes []string) YoloOptions {
	return func(y *Yolo) error {
		if len(classes) == 0 {
			return fmt.Errorf("class list is empty")
		}
		y.Classes = classes
		y.TotalClasses = len(classes)
		return nil
	}
}

// WithClassesFile reads one class name per line; blank lines are ignored.
func WithClassesFile(path string) YoloOptions {
	return func(y *Yolo) error {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open classes file: %w", err)
		}
		defer f.Close()

		var classes []string
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				classes = append(classes, line)
			}
		}
		if err := sc.Err(); err != nil {
			return fmt.Errorf("read classes file: %w", err)
		}
		return WithClasses(classes)(y)
	}
}

func WithInputSize(size int) YoloOptions {
	return func(y *Yolo) error {
		if size <= 0 || size%32 != 0 {
			return fmt.Errorf("input size %d must be a positive multiple of 32", size)
		}
		y.InputSize = size
		return nil
	}
}

func WithConfidenceThreshold(t float32) YoloOptions {
	return func(y *Yolo) error {
		if t < 0 || t > 1 {
			return fmt.Errorf("confidence threshold %v outside [0,1]", t)
		}
		y.ConfidenceThreshold = t
		return nil
	}
}

func WithIouThreshold(t float32) YoloOptions {
	return func(y *Yolo) error {
		if t < 0 || t > 1 {
			return fmt.Errorf("iou threshold %v outside [0,1]", t)
		}
		y.IouThreshold = t
		return nil
	}
}

// WithSegmentation enables the prototype-mask output of a YOLOv8-seg export.
func WithSegmentation(enabled bool) YoloOptions {
	return func(y *Yolo) error {
		y.Segmentation = enabled
		return nil
	}
}

// NewYolo loads the model and allocates its tensors. The ONNX Runtime environment is
// initialised on first use and shared by every Yolo in the process.
func NewYolo(opts ...YoloOptions) (*Yolo, error) {
	yolo, err := newYoloConfig(opts...)
	if err != nil {
		return nil, err
	}
	if err := yolo.initSession(); err != nil {
		return nil, err
	}
	return yolo, nil
}

func newYoloConfig(opts ...YoloOptions) (*Yolo, error) {
	yolo := &Yolo{
		ModelPath:           DefaultModelPath,
		SharedLibraryPath:   DefaultSharedLibraryPath,
		Classes:             DefaultClasses,
		TotalClasses:        len(DefaultClasses),
		InputSize:           DefaultInputSize,
		IouThreshold:        0.7,
		ConfidenceThreshold: 0.25,
		Segmentation:        true,
		MaskDim:             DefaultMaskDim,
		ProtoSize:           DefaultProtoSize,
	}

	for _, opt := range opts {
		if err := opt(yolo); err != nil {
			return nil, err
		}
	}
	return yolo, nil
}

// anchors is the number of candidate boxes of a YOLOv8 head: one per cell at strides 8, 16, 32.
func (y *Yolo) anchors() int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		side := y.InputSize / stride
		n += side * side
	}
	return n
}

func (y *Yolo) outputRows() int {
	rows := 4 + y.TotalClasses
	if y.Segmentation {
		rows += y.MaskDim
	}
	return rows
}

var ortEnv struct {
	sync.Mutex
	done bool
	err  error
}

func initEnvironment(libPath string) error {
	ortEnv.Lock()
	defer ortEnv.Unlock()
	if ortEnv.done {
		return ortEnv.err
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	ortEnv.err = ort.InitializeEnvironment()
	ortEnv.done = true
	return ortEnv.err
}

func (y *Yolo) initSession() error {
	if err := initEnvironment(y.SharedLibraryPath); err != nil {
		return fmt.Errorf("Error initializing ORT environment: %w", err)
	}

	inputShape := ort.NewShape(1, 3, int64(y.InputSize), int64(y.InputSize))
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return fmt.Errorf("Error creating input tensor: %w", err)
	}
	outputShape := ort.NewShape(1, int64(y.outputRows()), int64(y.anchors()))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return fmt.Errorf("Error creating output tensor: %w", err)
	}

	outputNames := []string{"output0"}
	outputs := []ort.ArbitraryTensor{outputTensor}
	var protoTensor *ort.Tensor[float32]
	if y.Segmentation {
		protoShape := ort.NewShape(1, int64(y.MaskDim), int64(y.ProtoSize), int64(y.ProtoSize))
		protoTensor, err = ort.NewEmptyTensor[float32](protoShape)
		if err != nil {
			inputTensor.Destroy()
			outputTensor.Destroy()
			return fmt.Errorf("Error creating prototype tensor: %w", err)
		}
		outputNames = append(outputNames, "output1")
		outputs = append(outputs, protoTensor)
	}
	destroyTensors := func() {
		inputTensor.Destroy()
		outputTensor.Destroy()
		if protoTensor != nil {
			protoTensor.Destroy()
		}
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		destroyTensors()
		return fmt.Errorf("Error creating ORT session options: %w", err)
	}
	defer options.Destroy()
	session, err := ort.NewAdvancedSession(y.ModelPath,
		[]string{"images"}, outputNames,
		[]ort.ArbitraryTensor{inputTensor},
		outputs,
		options)
	if err != nil {
		destroyTensors()
		return fmt.Errorf("Error creating ORT session: %w", err)
	}

	y.ModelSession = &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
		Protos:  protoTensor,
	}
	return nil
}

func (y *Yolo) prepareInput(img image.Image) error {
	data := y.ModelSession.Input.GetData()
	size := y.InputSize
	channelSize := size * size
	if len(data) < (channelSize * 3) {
		return fmt.Errorf("Destination tensor only holds %d floats, needs "+
			"%d (make sure it's the right shape!)", len(data), channelSize*3)
	}
	redChannel := data[0:channelSize]
	greenChannel := data[channelSize : channelSize*2]
	blueChannel := data[channelSize*2 : channelSize*3]

	img = resize.Resize(uint(size), uint(size), img, resize.Lanczos3)
	bounds := img.Bounds()
	i := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			redChannel[i] = float32(r>>8) / 255.0
			greenChannel[i] = float32(g>>8) / 255.0
			blueChannel[i] = float32(b>>8) / 255.0
			i++
		}
	}
	return nil
}

// Predict runs the model on a BGR frame and returns boxes in frame coordinates, most confident first.
func (y *Yolo) Predict(mat gocv.Mat) ([]BoundingBox, error) {
	if y.ModelSession == nil {
		return nil, fmt.Errorf("model session is not initialised")
	}
	img, err := mat.ToImage()
	if err != nil {
		return nil, err
	}

	y.mu.Lock()
	defer y.mu.Unlock()
	return y.predict(img)
}

// predict must be called with y.mu held; the prototype tensor stays valid until the next run.
func (y *Yolo) predict(img image.Image) ([]BoundingBox, error) {
	originalWidth, originalHeight := img.Bounds().Dx(), img.Bounds().Dy()
	if err := y.prepareInput(img); err != nil {
		return nil, err
	}
	if err := y.ModelSession.Session.Run(); err != nil {
		return nil, err
	}
	return y.processOutput(y.ModelSession.Output.GetData(), originalWidth, originalHeight), nil
}

func (y *Yolo) processOutput(output []float32, originalWidth, originalHeight int) []BoundingBox {
	anchors := y.anchors()
	size := float32(y.InputSize)
	boundingBoxes := make([]BoundingBox, 0, 64)

	var classID int
	var probability float32

	for idx := 0; idx < anchors; idx++ {
		// Iterate through the classes and find the class with the highest probability
		probability = -1e9
		for col := 0; col < y.TotalClasses; col++ {
			currentProb := output[anchors*(col+4)+idx]
			if currentProb > probability {
				probability = currentProb
				classID = col
			}
		}

		if probability < y.ConfidenceThreshold {
			continue
		}

		xc, yc := output[idx], output[anchors+idx]
		w, h := output[2*anchors+idx], output[3*anchors+idx]
		box := BoundingBox{
			Label:      y.className(classID),
			ClassID:    classID,
			Confidence: probability,
			X1:         (xc - w/2) / size * float32(originalWidth),
			Y1:         (yc - h/2) / size * float32(originalHeight),
			X2:         (xc + w/2) / size * float32(originalWidth),
			Y2:         (yc + h/2) / size * float32(originalHeight),
		}
		if y.Segmentation {
			box.maskCoeffs = make([]float32, y.MaskDim)
			base := 4 + y.TotalClasses
			for k := 0; k < y.MaskDim; k++ {
				box.maskCoeffs[k] = output[anchors*(base+k)+idx]
			}
		}
		boundingBoxes = append(boundingBoxes, box)
	}

	return nonMaxSuppression(boundingBoxes, y.IouThreshold)
}

// nonMaxSuppression keeps boxes greedily from the most confident down, dropping any box that
// overlaps an already kept one by more than iouThreshold.
func nonMaxSuppression(boxes []BoundingBox, iouThreshold float32) []BoundingBox {
	sort.SliceStable(boxes, func(i, j int) bool {
		return boxes[i].Confidence > boxes[j].Confidence
	})

	merged := make([]BoundingBox, 0, len(boxes))
	for _, candidateBox := range boxes {
		overlapsExistingBox := false
		for _, existingBox := range merged {
			if (&candidateBox).Iou(&existingBox) > iouThreshold {
				overlapsExistingBox = true
				break
			}
		}
		if !overlapsExistingBox {
			merged = append(merged, candidateBox)
		}
	}
	return merged
}

func (y *Yolo) className(id int) string {
	if id >= 0 && id < len(y.Classes) {
		return y.Classes[id]
	}
	return fmt.Sprintf("class %d", id)
}
