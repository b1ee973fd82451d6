package pavementscan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gocv.io/x/gocv"
)

const testFrameSize = 8

type fakeSource struct {
	info   VideoInfo
	next   int
	reads  int
	seeks  []int
	skew     int // added to the reported position
	closed   bool
	closeErr error
}

func newFakeSource(frames int, fps float64) *fakeSource {
	return &fakeSource{info: VideoInfo{Width: testFrameSize, Height: testFrameSize, FPS: fps, TotalFrame: frames}}
}

func (s *fakeSource) Info() VideoInfo { return s.info }

func (s *fakeSource) Seek(frame int) error {
	s.seeks = append(s.seeks, frame)
	s.next = frame
	return nil
}

func (s *fakeSource) Read(dst *gocv.Mat) bool {
	if s.next >= s.info.TotalFrame {
		return false
	}
	v := float64(s.next % 256)
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(v, v, v, 0), testFrameSize, testFrameSize, gocv.MatTypeCV8UC3)
	m.CopyTo(dst)
	m.Close()
	s.next++
	s.reads++
	return true
}

func (s *fakeSource) Position() int { return s.next + s.skew }

func (s *fakeSource) Close() error {
	s.closed = true
	return s.closeErr
}

type fakeSink struct {
	path    string
	written []uint8
	closed  bool
}

func (s *fakeSink) WriteFrame(frame gocv.Mat) error {
	s.written = append(s.written, frame.GetUCharAt(0, 0))
	return nil
}

func (s *fakeSink) Close() error {
	s.closed = true
	return nil
}

// fakeAnnotator paints the n-th successful call's frame with the value 10*n.
type fakeAnnotator struct {
	calls  int
	failOn map[int]bool
}

func (a *fakeAnnotator) Annotate(frame gocv.Mat) (Annotation, error) {
	a.calls++
	if a.failOn[a.calls] {
		return Annotation{}, errors.New("model exploded")
	}
	v := float64(10 * a.calls)
	out := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(v, v, v, 0), frame.Rows(), frame.Cols(), gocv.MatTypeCV8UC3)
	return Annotation{Frame: out, Boxes: make([]BoundingBox, a.calls)}, nil
}

type cloneCorrector struct{}

func (cloneCorrector) Correct(frame gocv.Mat) (gocv.Mat, error) {
	return frame.Clone(), nil
}

type harness struct {
	src       *fakeSource
	sink      *fakeSink
	annotator *fakeAnnotator
	reports   []ProgressUpdate
	output    string
	sinkOpens int
}

func newHarness(t *testing.T, frames int, fps float64) *harness {
	return &harness{
		src:       newFakeSource(frames, fps),
		annotator: &fakeAnnotator{failOn: map[int]bool{}},
		output:    filepath.Join(t.TempDir(), "out.mp4"),
	}
}

func (h *harness) pipeline(opts ...PipelineOption) *Pipeline {
	base := []PipelineOption{
		WithCorrector(cloneCorrector{}),
		WithSourceOpener(func(string) (FrameSource, error) { return h.src, nil }),
		WithSinkOpener(func(path string, info VideoInfo) (FrameSink, error) {
			h.sinkOpens++
			if err := os.WriteFile(path, []byte("video"), 0o644); err != nil {
				return nil, err
			}
			h.sink = &fakeSink{path: path}
			return h.sink, nil
		}),
		WithProgress(func(r ProgressReport) {
			h.reports = append(h.reports, r.ProgressUpdate)
		}),
	}
	return NewPipeline(h.annotator, append(base, opts...)...)
}

func TestProcessWholeVideoSamplesEveryTwentiethFrame(t *testing.T) {
	h := newHarness(t, 40, 10)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	out, err := h.pipeline(WithMetrics(metrics)).Process(context.Background(), "in.mp4", h.output, WholeVideo())
	require.NoError(t, err)
	assert.Equal(t, h.output, out)

	assert.Equal(t, 2, h.annotator.calls)
	require.Len(t, h.sink.written, 21)
	for i := 0; i < 20; i++ {
		assert.Equal(t, uint8(10), h.sink.written[i], "frame %d should hold the first annotation", i)
	}
	assert.Equal(t, uint8(20), h.sink.written[20])

	require.Len(t, h.reports, 21)
	assert.Equal(t, 19, h.reports[0].FrameIndex)
	assert.InDelta(t, 50.0, h.reports[0].Percent, 1e-9)
	for i := 1; i < len(h.reports); i++ {
		assert.GreaterOrEqual(t, h.reports[i].Percent, h.reports[i-1].Percent)
	}
	last := h.reports[len(h.reports)-1]
	assert.Equal(t, 100.0, last.Percent)
	assert.Equal(t, 21, last.Written)
	assert.Equal(t, 2, last.Detections)

	assert.True(t, h.src.closed)
	assert.True(t, h.sink.closed)
	assert.FileExists(t, h.output)
	assert.NoFileExists(t, partialPath(h.output))

	assert.Equal(t, 40.0, testutil.ToFloat64(metrics.FramesRead))
	assert.Equal(t, 21.0, testutil.ToFloat64(metrics.FramesWritten))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.SamplingPoints))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("ok")))
}

func TestProcessDefaultCorrectorRuns(t *testing.T) {
	h := newHarness(t, 20, 10)
	p := h.pipeline(WithCorrector(FlatFieldCorrector{Sigma: DefaultFlatFieldSigma}))

	_, err := p.Process(context.Background(), "in.mp4", h.output, WholeVideo())
	require.NoError(t, err)
	assert.Equal(t, 1, h.annotator.calls)
	assert.Len(t, h.sink.written, 1)
}

func TestProcessEmptyWindowWritesNothing(t *testing.T) {
	h := newHarness(t, 40, 10)

	out, err := h.pipeline().Process(context.Background(), "in.mp4", h.output, MinutesWindow(0, 0))
	require.NoError(t, err)
	assert.Equal(t, h.output, out)
	assert.Zero(t, h.src.reads)
	assert.Empty(t, h.sink.written)
	assert.Empty(t, h.reports)
}

func TestProcessStartPastEndOfVideo(t *testing.T) {
	h := newHarness(t, 40, 10)

	out, err := h.pipeline().Process(context.Background(), "in.mp4", h.output, MinutesWindow(1, 2))
	require.NoError(t, err)
	assert.Equal(t, h.output, out)
	assert.Equal(t, []int{40}, h.src.seeks)
	assert.Zero(t, h.src.reads)
	assert.Empty(t, h.reports)
}

func TestProcessWindowEndIsExclusive(t *testing.T) {
	// The source reports its position one frame ahead; the pipeline must still stop after
	// exactly End-Start frames.
	h := newHarness(t, 100, 1)
	h.src.skew = 1
	core, logs := observer.New(zap.InfoLevel)

	_, err := h.pipeline(WithEveryNth(10), WithLogger(zap.New(core))).Process(context.Background(), "in.mp4", h.output, MinutesWindow(0, 0.5))
	require.NoError(t, err)
	assert.Equal(t, 30, h.src.reads)
	assert.Equal(t, 3, h.annotator.calls)
	assert.Len(t, h.sink.written, 21)
	assert.Equal(t, 100.0, h.reports[len(h.reports)-1].Percent)

	done := logs.FilterMessage("video processed").All()
	require.Len(t, done, 1)
	assert.Equal(t, int64(1), done[0].ContextMap()["position_drift"])
}

func TestProcessWindowOffset(t *testing.T) {
	h := newHarness(t, 100, 1)

	_, err := h.pipeline(WithEveryNth(10)).Process(context.Background(), "in.mp4", h.output, MinutesWindow(0.25, 0.5))
	require.NoError(t, err)
	assert.Equal(t, []int{15}, h.src.seeks)
	assert.Equal(t, 15, h.src.reads)
	require.Len(t, h.reports, 6)
	assert.Equal(t, 24, h.reports[0].FrameIndex)
	assert.Equal(t, 29, h.reports[5].FrameIndex)
	assert.Equal(t, 100.0, h.reports[5].Percent)
}

func TestProcessShortVideoStopsAtEndOfStream(t *testing.T) {
	// the container claims 45 frames but only 30 decode
	h := newHarness(t, 45, 10)
	limited := &limitedSource{fakeSource: h.src, limit: 30}

	p := h.pipeline(WithSourceOpener(func(string) (FrameSource, error) { return limited, nil }))
	_, err := p.Process(context.Background(), "in.mp4", h.output, WholeVideo())
	require.NoError(t, err)
	assert.Equal(t, 30, h.src.reads)
	assert.Len(t, h.sink.written, 11)
	assert.InDelta(t, 30.0/45.0*100, h.reports[len(h.reports)-1].Percent, 1e-9)
}

type limitedSource struct {
	*fakeSource
	limit int
}

func (l *limitedSource) Read(dst *gocv.Mat) bool {
	if l.next >= l.limit {
		return false
	}
	return l.fakeSource.Read(dst)
}

func TestProcessDetectionFailureKeepsPreviousAnnotation(t *testing.T) {
	h := newHarness(t, 60, 10)
	h.annotator.failOn[2] = true
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	_, err := h.pipeline(WithMetrics(metrics)).Process(context.Background(), "in.mp4", h.output, WholeVideo())
	require.NoError(t, err)
	assert.Equal(t, 3, h.annotator.calls)
	require.Len(t, h.sink.written, 41)
	for i := 0; i < 40; i++ {
		assert.Equal(t, uint8(10), h.sink.written[i])
	}
	assert.Equal(t, uint8(30), h.sink.written[40])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DetectionFailures))
}

func TestProcessStrictDetectionAborts(t *testing.T) {
	h := newHarness(t, 60, 10)
	h.annotator.failOn[2] = true

	out, err := h.pipeline(WithStrictDetection()).Process(context.Background(), "in.mp4", h.output, WholeVideo())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDetectionFailure))
	assert.Empty(t, out)
	assert.Equal(t, 40, h.src.reads)
	assert.True(t, h.src.closed)
	assert.True(t, h.sink.closed)
	assert.NoFileExists(t, h.output)
	assert.NoFileExists(t, partialPath(h.output))
}

func TestProcessCancellation(t *testing.T) {
	h := newHarness(t, 100, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := h.pipeline(WithProgress(func(r ProgressReport) {
		h.reports = append(h.reports, r.ProgressUpdate)
		cancel()
	}))
	_, err := p.Process(ctx, "in.mp4", h.output, WholeVideo())
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, h.reports, 1)
	assert.Equal(t, 20, h.src.reads)
	assert.NoFileExists(t, h.output)
	assert.NoFileExists(t, partialPath(h.output))
}

func TestProcessSourceUnavailable(t *testing.T) {
	h := newHarness(t, 40, 10)

	p := h.pipeline(WithSourceOpener(func(string) (FrameSource, error) {
		return nil, errors.New("no such file")
	}))
	_, err := p.Process(context.Background(), "missing.mp4", h.output, WholeVideo())
	require.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Zero(t, h.sinkOpens)

	empty := newHarness(t, 0, 10)
	_, err = empty.pipeline().Process(context.Background(), "empty.mp4", empty.output, WholeVideo())
	require.ErrorIs(t, err, ErrSourceUnavailable)
	assert.True(t, empty.src.closed)
	assert.Zero(t, empty.sinkOpens)
}

func TestProcessSinkUnavailable(t *testing.T) {
	h := newHarness(t, 40, 10)

	p := h.pipeline(WithSinkOpener(func(string, VideoInfo) (FrameSink, error) {
		return nil, errors.New("codec not supported")
	}))
	_, err := p.Process(context.Background(), "in.mp4", h.output, WholeVideo())
	require.ErrorIs(t, err, ErrSinkUnavailable)
	assert.True(t, h.src.closed)
	assert.Zero(t, h.src.reads)
}

func TestProcessEarlyFailureReportsCloseError(t *testing.T) {
	closeErr := errors.New("decoder release failed")

	empty := newHarness(t, 0, 10)
	empty.src.closeErr = closeErr
	_, err := empty.pipeline().Process(context.Background(), "empty.mp4", empty.output, WholeVideo())
	require.ErrorIs(t, err, ErrSourceUnavailable)
	assert.ErrorIs(t, err, closeErr)

	h := newHarness(t, 40, 10)
	h.src.closeErr = closeErr
	p := h.pipeline(WithSinkOpener(func(string, VideoInfo) (FrameSink, error) {
		return nil, errors.New("codec not supported")
	}))
	_, err = p.Process(context.Background(), "in.mp4", h.output, WholeVideo())
	require.ErrorIs(t, err, ErrSinkUnavailable)
	assert.ErrorIs(t, err, closeErr)
	assert.NoFileExists(t, partialPath(h.output))
}

func TestRemovePartial(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, removePartial(filepath.Join(dir, ".missing.partial.mp4")))

	path := filepath.Join(dir, ".out.partial.mp4")
	require.NoError(t, os.WriteFile(path, []byte("video"), 0o644))
	require.NoError(t, removePartial(path))
	assert.NoFileExists(t, path)
}

func TestProcessInvalidWindowFailsBeforeOpening(t *testing.T) {
	h := newHarness(t, 40, 10)
	opened := false
	p := h.pipeline(WithSourceOpener(func(string) (FrameSource, error) {
		opened = true
		return h.src, nil
	}))

	_, err := p.Process(context.Background(), "in.mp4", h.output, MinutesWindow(2, 1))
	require.ErrorIs(t, err, ErrInvalidWindow)
	assert.False(t, opened)
}

func TestProcessRejectsBusyOutput(t *testing.T) {
	h := newHarness(t, 40, 10)
	p := h.pipeline()
	require.NoError(t, p.acquire(h.output))

	_, err := p.Process(context.Background(), "in.mp4", h.output, WholeVideo())
	require.ErrorIs(t, err, ErrOutputBusy)

	p.release(h.output)
	_, err = p.Process(context.Background(), "in.mp4", h.output, WholeVideo())
	require.NoError(t, err)
}

func TestPartialPathKeepsExtension(t *testing.T) {
	assert.Equal(t, filepath.Join("videos", ".run.partial.mp4"), partialPath(filepath.Join("videos", "run.mp4")))
	assert.Equal(t, ".run.partial", partialPath("run"))
}

func TestProgressToKeepsLatestUpdate(t *testing.T) {
	ch := make(chan ProgressUpdate, 1)
	fn := ProgressTo(ch)
	for i := 1; i <= 3; i++ {
		fn(ProgressReport{ProgressUpdate: ProgressUpdate{Percent: float64(i)}})
	}
	require.Len(t, ch, 1)
	assert.Equal(t, 3.0, (<-ch).Percent)
}
