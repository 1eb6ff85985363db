// Package video records device screen captures into a trace video.
//
// A Worker pulls frames from a Source at a bounded rate and hands them to a
// FrameWriter together with how many time units each frame stays on screen.
package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"sync"
	"time"

	"github.com/attdevsupport/aro-collector/internal/events"
	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

const (
	// DefaultRate is the frame request rate in frames per second.
	DefaultRate = 10
	// DefaultTimeUnits is the number of writer time units per second.
	DefaultTimeUnits = 10
	// AndroidMaxFailures is the consecutive capture failure limit for adb screenshots.
	AndroidMaxFailures = 5
	// IOSMaxFailures is the consecutive capture failure limit for the screenshot companion.
	IOSMaxFailures = 20
)

// ErrNotStarted is returned by Join before Start.
var ErrNotStarted = errors.New("video worker not started")

// Source captures one screen frame.
type Source interface {
	Capture(ctx context.Context) (image.Image, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (image.Image, error)

// Capture implements Source.
func (f SourceFunc) Capture(ctx context.Context) (image.Image, error) {
	return f(ctx)
}

// FrameWriter appends frames to the video file.
type FrameWriter interface {
	// WriteFrame shows img for duration time units.
	WriteFrame(img image.Image, duration int) error
	Close() error
}

// StartRecorder receives the instant the first frame request was made.
type StartRecorder interface {
	SetVideoStart(at time.Time)
}

// Config tunes a Worker.
type Config struct {
	// Rate is the frame request rate in frames per second.
	Rate rate.Limit
	// TimeUnits is the writer time base in units per second.
	TimeUnits int
	// MaxFailures ends the capture after that many failed frame requests.
	MaxFailures int
	Recorder    StartRecorder
	Bus         events.Publisher
	Logger      *log.Logger
	// Label names the stream in events.
	Label string
}

// Worker drives one capture loop.
type Worker struct {
	source  Source
	writer  FrameWriter
	cfg     Config
	limiter *rate.Limiter
	now     func() time.Time

	mu        sync.Mutex
	started   bool
	startedAt time.Time
	frames    int
	failures  int
	closeErr  error

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewWorker validates its collaborators and applies defaults.
func NewWorker(source Source, writer FrameWriter, cfg Config) (*Worker, error) {
	if source == nil {
		return nil, errors.New("video source is required")
	}
	if writer == nil {
		return nil, errors.New("video writer is required")
	}
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultRate
	}
	if cfg.TimeUnits <= 0 {
		cfg.TimeUnits = DefaultTimeUnits
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = AndroidMaxFailures
	}
	if cfg.Bus == nil {
		cfg.Bus = events.Discard{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
	}
	if cfg.Label == "" {
		cfg.Label = "video"
	}
	return &Worker{
		source:  source,
		writer:  writer,
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.Rate, 1),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the capture loop. Calling it twice is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.startedAt = w.now()
	startedAt := w.startedAt
	w.mu.Unlock()

	if w.cfg.Recorder != nil {
		w.cfg.Recorder.SetVideoStart(startedAt)
	}
	go w.loop(ctx, startedAt)
}

// Signal asks the loop to stop after the frame in flight. It does not block.
func (w *Worker) Signal() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Join waits until the loop has exited and the writer is closed.
func (w *Worker) Join(ctx context.Context) error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	select {
	case <-w.done:
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.closeErr
	case <-ctx.Done():
		return fmt.Errorf("wait for video worker: %w", ctx.Err())
	}
}

// Done is closed once the loop has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// StartedAt returns when capture began.
func (w *Worker) StartedAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.startedAt
}

// Frames returns how many frames were written.
func (w *Worker) Frames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Failures returns how many frame requests failed.
func (w *Worker) Failures() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failures
}

func (w *Worker) loop(ctx context.Context, startedAt time.Time) {
	defer close(w.done)
	defer func() {
		err := w.writer.Close()
		if err != nil {
			w.cfg.Logger.Warn("close video writer", "err", err)
		}
		w.mu.Lock()
		w.closeErr = err
		w.mu.Unlock()
	}()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stop:
			cancel()
		case <-loopCtx.Done():
		}
	}()

	lastFrame := startedAt
	for {
		if err := w.limiter.Wait(loopCtx); err != nil {
			return
		}
		img, err := w.source.Capture(loopCtx)
		if loopCtx.Err() != nil {
			return
		}
		if err != nil {
			if w.recordFailure(err) {
				w.cfg.Logger.Error("too many capture failures, stopping video", "failures", w.cfg.MaxFailures)
				w.cfg.Bus.Publish(events.Event{
					Type:       events.EventTypeCaptureAlert,
					EntityType: "video",
					EntityID:   w.cfg.Label,
					Severity:   events.SeverityError,
					Payload:    fmt.Sprintf("video capture gave up after %d failures: %v", w.cfg.MaxFailures, err),
				})
				return
			}
			continue
		}
		if img == nil {
			continue
		}

		at := w.now()
		duration := FrameDuration(at.Sub(lastFrame), w.cfg.TimeUnits)
		if duration <= 0 {
			continue
		}
		if err := w.writer.WriteFrame(img, duration); err != nil {
			if w.recordFailure(err) {
				return
			}
			continue
		}
		lastFrame = at

		w.mu.Lock()
		w.frames++
		frames := w.frames
		w.mu.Unlock()
		w.cfg.Bus.Publish(events.Event{
			Type:       events.EventTypeVideoFrame,
			Timestamp:  at,
			EntityType: "video",
			EntityID:   w.cfg.Label,
			Severity:   events.SeverityInfo,
			Payload:    Frame{Index: frames, Duration: duration, At: at, Bounds: img.Bounds()},
		})
	}
}

// recordFailure counts one failure and reports whether the budget is spent.
func (w *Worker) recordFailure(err error) bool {
	w.mu.Lock()
	w.failures++
	failures := w.failures
	w.mu.Unlock()
	w.cfg.Logger.Warn("video frame failed", "failures", failures, "err", err)
	return failures > w.cfg.MaxFailures
}

// Frame is the payload of a VideoFrame event.
type Frame struct {
	Index    int
	Duration int
	At       time.Time
	Bounds   image.Rectangle
}

// FrameDuration converts the gap since the previous frame into writer time
// units, rounding to the nearest unit.
func FrameDuration(gap time.Duration, units int) int {
	return int(math.Round(float64(gap.Milliseconds()) * float64(units) / 1000))
}
