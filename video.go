package pavementscan

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"
)

// DefaultCodec is the FourCC used for output videos.
const DefaultCodec = "mp4v"

// SupportedVideoExtensions lists the input containers offered to the user.
var SupportedVideoExtensions = []string{".mp4", ".avi", ".mov", ".mkv"}

func IsSupportedVideo(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range SupportedVideoExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

type VideoInfo struct {
	Width      int
	Height     int
	FPS        float64
	TotalFrame int
}

// Duration in seconds, zero when the frame rate is unknown.
func (v VideoInfo) Seconds() float64 {
	if v.FPS <= 0 {
		return 0
	}
	return float64(v.TotalFrame) / v.FPS
}

func videoInfoFromCapture(video *gocv.VideoCapture) VideoInfo {
	return VideoInfo{
		Width:      int(video.Get(gocv.VideoCaptureFrameWidth)),
		Height:     int(video.Get(gocv.VideoCaptureFrameHeight)),
		FPS:        video.Get(gocv.VideoCaptureFPS),
		TotalFrame: int(video.Get(gocv.VideoCaptureFrameCount)),
	}
}

func NewVideoInfoFromPath(sourcePath string) (*VideoInfo, error) {
	video, err := gocv.OpenVideoCapture(sourcePath)
	if err != nil {
		return nil, err
	}
	if !video.IsOpened() {
		video.Close()
		return nil, errors.New("cannot open video capture")
	}
	info := videoInfoFromCapture(video)

	if err := video.Close(); err != nil {
		return nil, err
	}
	return &info, nil
}

// FrameSource is a sequential reader of frames with random-access seek.
type FrameSource interface {
	Info() VideoInfo
	Seek(frame int) error
	// Read decodes the next frame into dst, returning false at end of stream.
	Read(dst *gocv.Mat) bool
	// Position is the index of the next frame to be read, as reported by the decoder.
	Position() int
	Close() error
}

// FrameSink receives output frames in order.
type FrameSink interface {
	WriteFrame(frame gocv.Mat) error
	Close() error
}

type SourceOpener func(path string) (FrameSource, error)

type SinkOpener func(path string, info VideoInfo) (FrameSink, error)

type VideoSource struct {
	Capture *gocv.VideoCapture
	info    VideoInfo
}

func OpenVideoSource(path string) (*VideoSource, error) {
	video, err := gocv.OpenVideoCapture(path)
	if err != nil {
		return nil, err
	}
	if !video.IsOpened() {
		video.Close()
		return nil, fmt.Errorf("cannot open video capture %s", path)
	}
	return &VideoSource{Capture: video, info: videoInfoFromCapture(video)}, nil
}

func (v *VideoSource) Info() VideoInfo {
	return v.info
}

func (v *VideoSource) Seek(frame int) error {
	if frame < 0 || (v.info.TotalFrame > 0 && frame > v.info.TotalFrame) {
		return fmt.Errorf("seek to frame %d outside [0, %d]", frame, v.info.TotalFrame)
	}
	v.Capture.Set(gocv.VideoCapturePosFrames, float64(frame))
	return nil
}

func (v *VideoSource) Read(dst *gocv.Mat) bool {
	if ok := v.Capture.Read(dst); !ok {
		return false
	}
	return !dst.Empty()
}

func (v *VideoSource) Position() int {
	return int(v.Capture.Get(gocv.VideoCapturePosFrames))
}

func (v *VideoSource) Close() error {
	return v.Capture.Close()
}

type VideoSink struct {
	VideoWriter *gocv.VideoWriter
	VideoInfo   VideoInfo
	Codec       string
	TargetPath  string
}

func NewVideoSink(targetPath string, videoInfo VideoInfo, codec string) (*VideoSink, error) {
	if codec == "" {
		codec = DefaultCodec
	}
	videoWriter, err := gocv.VideoWriterFile(targetPath, codec, videoInfo.FPS, videoInfo.Width, videoInfo.Height, true)
	if err != nil {
		return nil, err
	}
	if !videoWriter.IsOpened() {
		videoWriter.Close()
		return nil, fmt.Errorf("cannot open video writer %s with codec %s", targetPath, codec)
	}

	return &VideoSink{
		VideoWriter: videoWriter,
		VideoInfo:   videoInfo,
		Codec:       codec,
		TargetPath:  targetPath,
	}, nil
}

func (v *VideoSink) WriteFrame(frame gocv.Mat) error {
	return v.VideoWriter.Write(frame)
}

func (v *VideoSink) Close() error {
	return v.VideoWriter.Close()
}

// GocvSourceOpener opens input files with OpenCV.
func GocvSourceOpener(path string) (FrameSource, error) {
	return OpenVideoSource(path)
}

// GocvSinkOpener returns a SinkOpener writing with the given FourCC codec.
func GocvSinkOpener(codec string) SinkOpener {
	return func(path string, info VideoInfo) (FrameSink, error) {
		return NewVideoSink(path, info, codec)
	}
}
