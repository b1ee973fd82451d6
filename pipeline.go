package pavementscan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// DefaultEveryNth is the sampling interval: detection runs on every 20th consumed frame.
const DefaultEveryNth = 20

// ErrOutputBusy is returned when another Process call is already writing the same output path.
var ErrOutputBusy = errors.New("output path is already being written")

// Annotation is the rendered detector output for one sampled frame.
type Annotation struct {
	Frame gocv.Mat
	Boxes []BoundingBox
}

func (a *Annotation) Close() error {
	return a.Frame.Close()
}

// Annotator runs detection on a frame and renders the result. The returned Frame has the
// dimensions of the input and is owned by the caller.
type Annotator interface {
	Annotate(frame gocv.Mat) (Annotation, error)
}

type Pipeline struct {
	annotator  Annotator
	corrector  Corrector
	everyNth   int
	openSource SourceOpener
	openSink   SinkOpener
	onProgress ProgressFunc
	strict     bool
	logger     *zap.Logger
	metrics    *Metrics

	mu     sync.Mutex
	active map[string]bool
}

type PipelineOption func(*Pipeline)

func WithEveryNth(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.everyNth = n
		}
	}
}

func WithCorrector(c Corrector) PipelineOption {
	return func(p *Pipeline) {
		p.corrector = c
	}
}

func WithSourceOpener(open SourceOpener) PipelineOption {
	return func(p *Pipeline) {
		p.openSource = open
	}
}

func WithSinkOpener(open SinkOpener) PipelineOption {
	return func(p *Pipeline) {
		p.openSink = open
	}
}

// WithProgress registers a callback invoked synchronously after every written frame.
func WithProgress(fn ProgressFunc) PipelineOption {
	return func(p *Pipeline) {
		p.onProgress = fn
	}
}

// WithStrictDetection makes a failed sampling point abort the run instead of reusing the
// previously held annotation.
func WithStrictDetection() PipelineOption {
	return func(p *Pipeline) {
		p.strict = true
	}
}

func WithLogger(logger *zap.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) PipelineOption {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

func NewPipeline(annotator Annotator, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		annotator:  annotator,
		corrector:  FlatFieldCorrector{Sigma: DefaultFlatFieldSigma},
		everyNth:   DefaultEveryNth,
		openSource: GocvSourceOpener,
		openSink:   GocvSinkOpener(DefaultCodec),
		logger:     zap.NewNop(),
		active:     map[string]bool{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process reads the window of videoPath, annotates every Nth frame and writes the held
// annotation for each consumed frame to outputPath. Frames before the first sampling point
// produce no output. The output is written to a temporary sibling file and only renamed onto
// outputPath when the whole run succeeds.
func (p *Pipeline) Process(ctx context.Context, videoPath, outputPath string, spec WindowSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	if err := p.acquire(outputPath); err != nil {
		return "", err
	}
	defer p.release(outputPath)

	log := p.logger.With(zap.String("video", videoPath), zap.String("output", outputPath))

	src, err := p.openSource(videoPath)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %w", ErrSourceUnavailable, videoPath, err)
	}
	info := src.Info()
	if info.TotalFrame <= 0 {
		err := fmt.Errorf("%w: %s has no frames", ErrSourceUnavailable, videoPath)
		return "", multierr.Append(err, src.Close())
	}

	window, err := spec.Resolve(info.FPS, info.TotalFrame)
	if err != nil {
		return "", multierr.Append(err, src.Close())
	}
	if err := src.Seek(window.Start); err != nil {
		err = fmt.Errorf("%w: seek to frame %d: %w", ErrSourceUnavailable, window.Start, err)
		return "", multierr.Append(err, src.Close())
	}

	tmpPath := partialPath(outputPath)
	sink, err := p.openSink(tmpPath, info)
	if err != nil {
		err = fmt.Errorf("%w: create %s: %w", ErrSinkUnavailable, outputPath, err)
		return "", multierr.Combine(err, src.Close(), removePartial(tmpPath))
	}

	log.Info("processing video",
		zap.Int("window_start", window.Start),
		zap.Int("window_end", window.End),
		zap.Float64("fps", info.FPS),
		zap.Int("every_nth", p.everyNth),
	)

	runErr := p.run(ctx, src, sink, window, log)
	if err := multierr.Combine(src.Close(), sink.Close()); err != nil && runErr == nil {
		runErr = fmt.Errorf("%w: release video handles: %w", ErrSinkUnavailable, err)
	}
	if runErr == nil {
		if err := commitOutput(tmpPath, outputPath); err != nil {
			runErr = fmt.Errorf("%w: %w", ErrSinkUnavailable, err)
		}
	}
	if runErr != nil {
		runErr = multierr.Append(runErr, removePartial(tmpPath))
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			p.metrics.finished("canceled")
		} else {
			p.metrics.finished("error")
		}
		log.Error("video processing failed", zap.Error(runErr))
		return "", runErr
	}

	p.metrics.finished("ok")
	return outputPath, nil
}

func (p *Pipeline) run(ctx context.Context, src FrameSource, sink FrameSink, window Window, log *zap.Logger) error {
	frame := gocv.NewMat()
	defer frame.Close()

	var held *Annotation
	defer func() {
		if held != nil {
			held.Close()
		}
	}()

	total := window.Len()
	if total < 1 {
		total = 1
	}
	consumed, written := 0, 0

	// The end bound is strict: the pipeline counts frames itself rather than trusting the
	// decoder's position, which some containers report one frame ahead.
	for window.Start+consumed < window.End {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !src.Read(&frame) {
			log.Debug("end of stream", zap.Int("frame", window.Start+consumed))
			break
		}
		consumed++
		index := window.Start + consumed - 1
		p.metrics.frameRead()

		if consumed%p.everyNth == 0 {
			ann, err := p.sample(frame)
			if err != nil {
				p.metrics.detectionFailed()
				if p.strict {
					return fmt.Errorf("%w: frame %d: %w", ErrDetectionFailure, index, err)
				}
				log.Warn("detection failed, keeping previous annotation", zap.Int("frame", index), zap.Error(err))
			} else {
				if held != nil {
					held.Close()
				}
				held = &ann
			}
		}

		if held == nil {
			continue
		}
		if err := sink.WriteFrame(held.Frame); err != nil {
			return fmt.Errorf("%w: write frame %d: %w", ErrSinkUnavailable, index, err)
		}
		written++
		p.metrics.frameWritten()

		if p.onProgress != nil {
			p.onProgress(ProgressReport{
				ProgressUpdate: ProgressUpdate{
					Percent:    float64(consumed) / float64(total) * 100,
					FrameIndex: index,
					Written:    written,
					Detections: len(held.Boxes),
				},
				Frame: held.Frame,
			})
		}
	}

	fields := []zap.Field{zap.Int("consumed", consumed), zap.Int("written", written)}
	if drift := src.Position() - (window.Start + consumed); drift != 0 {
		fields = append(fields, zap.Int("position_drift", drift))
	}
	log.Info("video processed", fields...)
	return nil
}

func (p *Pipeline) sample(frame gocv.Mat) (Annotation, error) {
	start := time.Now()
	corrected, err := p.corrector.Correct(frame)
	if err != nil {
		return Annotation{}, fmt.Errorf("correct frame: %w", err)
	}
	defer corrected.Close()

	ann, err := p.annotator.Annotate(corrected)
	if err != nil {
		return Annotation{}, err
	}
	p.metrics.sampled(time.Since(start).Seconds())
	return ann, nil
}

func (p *Pipeline) acquire(outputPath string) error {
	key := filepath.Clean(outputPath)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active[key] {
		return fmt.Errorf("%w: %s", ErrOutputBusy, outputPath)
	}
	p.active[key] = true
	return nil
}

func (p *Pipeline) release(outputPath string) {
	p.mu.Lock()
	delete(p.active, filepath.Clean(outputPath))
	p.mu.Unlock()
}

// partialPath keeps the extension so the encoder still picks the right container.
func partialPath(outputPath string) string {
	dir, base := filepath.Split(outputPath)
	ext := filepath.Ext(base)
	return filepath.Join(dir, "."+strings.TrimSuffix(base, ext)+".partial"+ext)
}

// removePartial deletes an abandoned temporary file; a file that was never created is not an error.
func removePartial(tmpPath string) error {
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", tmpPath, err)
	}
	return nil
}

// commitOutput moves the finished temporary file into place. A sink that wrote nothing to disk
// leaves nothing to move.
func commitOutput(tmpPath, outputPath string) error {
	if _, err := os.Stat(tmpPath); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return fmt.Errorf("move %s to %s: %w", tmpPath, outputPath, err)
	}
	return nil
}
