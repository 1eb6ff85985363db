package timesync

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFormatTimeMatchesAnalyzerLayout(t *testing.T) {
	t.Parallel()

	start := time.UnixMilli(1414092261198)
	stop := time.UnixMilli(1414092301005)
	want := "Synchronized timestamps\n1414092261.198\n0\n1414092301.005\n"
	if got := FormatTime(start, stop); got != want {
		t.Fatalf("time file = %q, want %q", got, want)
	}
}

func TestFormatVideoTime(t *testing.T) {
	t.Parallel()

	video := time.UnixMilli(1414092263710)
	capture := time.UnixMilli(1414092261198)

	if got := FormatVideoTime(video, time.Time{}); got != "1414092263.71" {
		t.Fatalf("video only = %q", got)
	}
	if got := FormatVideoTime(video, capture); got != "1414092263.71 1414092261.198" {
		t.Fatalf("video and capture = %q", got)
	}
}

func TestRecorderWritesBothFiles(t *testing.T) {
	t.Parallel()

	clock := []time.Time{time.UnixMilli(1000500), time.UnixMilli(2000250)}
	recorder := NewRecorder(WithClock(func() time.Time {
		next := clock[0]
		clock = clock[1:]
		return next
	}))
	recorder.MarkCaptureStart()
	recorder.SetVideoStart(time.UnixMilli(1001000))
	recorder.MarkCaptureStop()

	dir := t.TempDir()
	if err := recorder.WriteTime(dir); err != nil {
		t.Fatalf("write time: %v", err)
	}
	if err := recorder.WriteVideoTime(dir, true); err != nil {
		t.Fatalf("write video time: %v", err)
	}

	timeBody := readFile(t, filepath.Join(dir, TimeFile))
	if timeBody != "Synchronized timestamps\n1000.500\n0\n2000.250\n" {
		t.Fatalf("time = %q", timeBody)
	}
	videoBody := readFile(t, filepath.Join(dir, VideoTimeFile))
	if videoBody != "1001 1000.5" {
		t.Fatalf("video_time = %q", videoBody)
	}
}

func TestMarkCaptureStopKeepsFirstInstant(t *testing.T) {
	t.Parallel()

	tick := int64(0)
	recorder := NewRecorder(WithClock(func() time.Time {
		tick++
		return time.Unix(tick, 0)
	}))
	first := recorder.MarkCaptureStop()
	second := recorder.MarkCaptureStop()
	if !first.Equal(second) {
		t.Fatalf("stop instant moved from %v to %v", first, second)
	}
}

func TestWriteTimeRequiresBothMarks(t *testing.T) {
	t.Parallel()

	recorder := NewRecorder()
	recorder.MarkCaptureStart()
	err := recorder.WriteTime(t.TempDir())
	if !errors.Is(err, ErrMissingMark) {
		t.Fatalf("error = %v, want ErrMissingMark", err)
	}
}

func TestWriteVideoTimeSkipsWithoutVideo(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	recorder := NewRecorder()
	recorder.MarkCaptureStart()
	if err := recorder.WriteVideoTime(dir, true); err != nil {
		t.Fatalf("write video time: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, VideoTimeFile)); !os.IsNotExist(err) {
		t.Fatalf("video_time written without a video start: %v", err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}
