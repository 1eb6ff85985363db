// Package timesync records the wall-clock instants that let analysis line up
// a packet capture with the screen video recorded alongside it.
package timesync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const (
	// TimeFile holds the capture start and stop instants.
	TimeFile = "time"
	// VideoTimeFile binds the video start to the capture start.
	VideoTimeFile = "video_time"

	timeHeader = "Synchronized timestamps"
)

// ErrMissingMark is returned when a file needs an instant that was never recorded.
var ErrMissingMark = errors.New("timestamp not recorded")

// Marks is a snapshot of the recorded instants. Zero values were not recorded.
type Marks struct {
	CaptureStart time.Time
	CaptureStop  time.Time
	VideoStart   time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the clock used by the Mark methods.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// Recorder collects capture and video instants for one session and writes
// the correlation files into the trace folder.
type Recorder struct {
	mu    sync.Mutex
	now   func() time.Time
	marks Marks
}

// NewRecorder creates an empty recorder.
func NewRecorder(options ...Option) *Recorder {
	r := &Recorder{now: time.Now}
	for _, option := range options {
		if option != nil {
			option(r)
		}
	}
	return r
}

// MarkCaptureStart records the packet tool start instant and returns it.
func (r *Recorder) MarkCaptureStart() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marks.CaptureStart = r.now()
	return r.marks.CaptureStart
}

// MarkCaptureStop records the packet tool stop instant and returns it.
// Later calls keep the first instant.
func (r *Recorder) MarkCaptureStop() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.marks.CaptureStop.IsZero() {
		r.marks.CaptureStop = r.now()
	}
	return r.marks.CaptureStop
}

// SetVideoStart records the instant the first video frame was taken.
func (r *Recorder) SetVideoStart(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marks.VideoStart = at
}

// Marks returns the recorded instants.
func (r *Recorder) Marks() Marks {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.marks
}

// WriteTime writes the capture start/stop file into dir.
func (r *Recorder) WriteTime(dir string) error {
	marks := r.Marks()
	if marks.CaptureStart.IsZero() || marks.CaptureStop.IsZero() {
		return fmt.Errorf("write %s: %w", TimeFile, ErrMissingMark)
	}
	return writeFile(filepath.Join(dir, TimeFile), FormatTime(marks.CaptureStart, marks.CaptureStop))
}

// WriteVideoTime writes the video correlation file into dir. When
// withCapture is set the capture start instant follows the video start.
// Nothing is written when no video start was recorded.
func (r *Recorder) WriteVideoTime(dir string, withCapture bool) error {
	marks := r.Marks()
	if marks.VideoStart.IsZero() {
		return nil
	}
	capture := time.Time{}
	if withCapture {
		if marks.CaptureStart.IsZero() {
			return fmt.Errorf("write %s: %w", VideoTimeFile, ErrMissingMark)
		}
		capture = marks.CaptureStart
	}
	return writeFile(filepath.Join(dir, VideoTimeFile), FormatVideoTime(marks.VideoStart, capture))
}

// FormatTime renders the time file body. The third line is a device uptime
// slot that analysis ignores.
func FormatTime(start, stop time.Time) string {
	return fmt.Sprintf("%s\n%.3f\n%d\n%.3f\n", timeHeader, millis(start), 0, millis(stop))
}

// FormatVideoTime renders the video_time body. A zero capture instant is
// omitted.
func FormatVideoTime(video, capture time.Time) string {
	if capture.IsZero() {
		return Seconds(video)
	}
	return Seconds(video) + " " + Seconds(capture)
}

// Seconds renders t as decimal epoch seconds with millisecond resolution.
func Seconds(t time.Time) string {
	return strconv.FormatFloat(millis(t), 'f', -1, 64)
}

func millis(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000.0
}

func writeFile(path, body string) error {
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
