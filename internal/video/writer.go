package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/attdevsupport/aro-collector/internal/process"
	"golang.org/x/image/tiff"
)

// FileName is the trace video artifact.
const FileName = "video.mov"

// DefaultQuality is the JPEG quality used for encoded frames.
const DefaultQuality = 20

// ErrWriterClosed is returned by WriteFrame after Close.
var ErrWriterClosed = errors.New("video writer closed")

// EncoderOptions configures NewEncoder.
type EncoderOptions struct {
	Executor process.Executor
	// FFmpeg is the encoder binary, "ffmpeg" when empty.
	FFmpeg string
	Output string
	// FrameRate is the stream time base; one frame lasts one unit.
	FrameRate int
	Quality   int
	// CloseTimeout bounds how long Close waits for the encoder to finish.
	CloseTimeout time.Duration
}

// Encoder is a FrameWriter that pipes JPEG frames into ffmpeg, which muxes
// them into a QuickTime file at a constant frame rate. A frame lasting n
// units is written n times.
type Encoder struct {
	handle  process.Handle
	quality int
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewEncoder launches the encoder process.
func NewEncoder(ctx context.Context, opts EncoderOptions) (*Encoder, error) {
	if opts.Executor == nil {
		return nil, errors.New("video encoder requires an executor")
	}
	if strings.TrimSpace(opts.Output) == "" {
		return nil, errors.New("video encoder requires an output path")
	}
	ffmpeg := opts.FFmpeg
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	rate := opts.FrameRate
	if rate <= 0 {
		rate = DefaultTimeUnits
	}
	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	timeout := opts.CloseTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	handle, err := opts.Executor.Launch(ctx, process.Spec{
		Name:        ffmpeg,
		Args:        EncoderArgs(opts.Output, rate),
		Interactive: true,
		Label:       "ffmpeg",
	})
	if err != nil {
		return nil, fmt.Errorf("launch video encoder: %w", err)
	}
	return &Encoder{handle: handle, quality: quality, timeout: timeout}, nil
}

// EncoderArgs returns the ffmpeg arguments reading JPEG frames from stdin.
func EncoderArgs(output string, frameRate int) []string {
	return []string{
		"-y", "-loglevel", "error",
		"-f", "image2pipe", "-framerate", strconv.Itoa(frameRate), "-c:v", "mjpeg", "-i", "-",
		"-c:v", "mjpeg", "-q:v", "5", "-f", "mov", output,
	}
}

// WriteFrame implements FrameWriter.
func (e *Encoder) WriteFrame(img image.Image, duration int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrWriterClosed
	}
	if duration <= 0 {
		return nil
	}
	data, err := EncodeJPEG(img, e.quality)
	if err != nil {
		return err
	}
	frame := string(data)
	for i := 0; i < duration; i++ {
		if err := e.handle.Write(frame); err != nil {
			return fmt.Errorf("write video frame: %w", err)
		}
	}
	return nil
}

// Close ends the input stream and waits for the encoder to finish the file.
func (e *Encoder) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if err := e.handle.CloseInput(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	exit, err := e.handle.Wait(ctx)
	if err != nil {
		_ = e.handle.Kill()
		return fmt.Errorf("video encoder did not finish: %w", err)
	}
	if exit.Code != 0 {
		return fmt.Errorf("video encoder exited with code %d", exit.Code)
	}
	return nil
}

// EncodeJPEG encodes img at quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if img == nil {
		return nil, errors.New("encode frame: nil image")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeFile reads a screenshot written as PNG, TIFF or JPEG.
func DecodeFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read screenshot: %w", err)
	}
	var img image.Image
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		img, err = tiff.Decode(bytes.NewReader(data))
	case ".png":
		img, err = png.Decode(bytes.NewReader(data))
	default:
		img, _, err = image.Decode(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fmt.Errorf("decode screenshot %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// RemoveIfEmpty deletes the video at path when the worker that fed it wrote
// no frames, whatever the encoder left in the container. It reports whether
// the file was removed.
func RemoveIfEmpty(path string, frames int) (bool, error) {
	if frames > 0 {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("remove empty video: %w", err)
	}
	return true, nil
}
