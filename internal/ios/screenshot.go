package ios

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/attdevsupport/aro-collector/internal/process"
	"github.com/attdevsupport/aro-collector/internal/video"
	"github.com/charmbracelet/log"
)

const (
	connectSuccess = "Connect success"
	replyTimeout   = 5 * time.Second
	// ScratchDir is the trace subdirectory holding in-flight screenshots.
	ScratchDir = "tmp"
)

var (
	// ErrScreenshotNotReady is returned when the companion never connects.
	ErrScreenshotNotReady = errors.New("idevicescreenshot did not connect")
	// ErrScreenshotFailed is returned when the companion rejects a request.
	ErrScreenshotFailed = errors.New("screenshot request failed")
)

// Screenshotter drives the idevicescreenshot companion: each request line
// names a TIFF path, each reply starting with OK means the file was written.
type Screenshotter struct {
	handle  process.Handle
	dir     string
	replies chan string
	logger  *log.Logger
	counter int
}

// ScreenshotterConfig configures NewScreenshotter.
type ScreenshotterConfig struct {
	Executor      process.Executor
	Binary        string
	TraceDir      string
	ReadyAttempts int
	ReadyInterval time.Duration
	Logger        *log.Logger
}

// NewScreenshotter launches the companion and waits for it to connect.
func NewScreenshotter(ctx context.Context, cfg ScreenshotterConfig) (*Screenshotter, error) {
	dir := filepath.Join(cfg.TraceDir, ScratchDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create screenshot scratch dir: %w", err)
	}
	handle, err := cfg.Executor.Launch(ctx, process.Spec{
		Name:        cfg.Binary,
		Interactive: true,
		Label:       "idevicescreenshot",
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("launch idevicescreenshot: %w", err)
	}
	s := &Screenshotter{
		handle:  handle,
		dir:     dir,
		replies: make(chan string, 64),
		logger:  cfg.Logger,
	}
	go s.read()

	budget := time.Duration(max(cfg.ReadyAttempts, 1)) * cfg.ReadyInterval
	if err := s.awaitReply(ctx, budget, func(line string) bool {
		return strings.Contains(line, connectSuccess)
	}); err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("%w: %v", ErrScreenshotNotReady, err)
	}
	return s, nil
}

func (s *Screenshotter) read() {
	defer close(s.replies)
	for line := range s.handle.Lines() {
		text := strings.TrimSpace(line.Text)
		if text == "" {
			continue
		}
		select {
		case s.replies <- text:
		default:
			s.logger.Debug("dropped screenshot reply", "line", text)
		}
	}
}

// awaitReply consumes replies until match accepts one or budget runs out.
func (s *Screenshotter) awaitReply(ctx context.Context, budget time.Duration, match func(string) bool) error {
	timer := time.NewTimer(budget)
	defer timer.Stop()
	for {
		select {
		case line, ok := <-s.replies:
			if !ok {
				return errors.New("companion exited")
			}
			if match(line) {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("no reply within %s", budget)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Capture requests one screenshot and decodes it.
func (s *Screenshotter) Capture(ctx context.Context) (image.Image, error) {
	path := filepath.Join(s.dir, fmt.Sprintf("image%d.tiff", s.counter))
	s.counter++
	s.drain()

	if err := s.handle.Write(path + "\r\n"); err != nil {
		return nil, err
	}
	var reply string
	if err := s.awaitReply(ctx, replyTimeout, func(line string) bool {
		reply = line
		return true
	}); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(reply, "OK") {
		return nil, fmt.Errorf("%w: %s", ErrScreenshotFailed, reply)
	}
	defer os.Remove(path)
	return video.DecodeFile(path)
}

func (s *Screenshotter) drain() {
	for {
		select {
		case _, ok := <-s.replies:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Close asks the companion to exit, stops it and removes the scratch dir.
func (s *Screenshotter) Close(ctx context.Context) {
	if err := s.handle.Write("exit\r\n"); err != nil {
		s.logger.Debug("send exit to idevicescreenshot", "err", err)
	}
	if err := s.handle.Stop(ctx, time.Second); err != nil {
		s.logger.Warn("stop idevicescreenshot failed", "err", err)
	}
	if err := os.RemoveAll(s.dir); err != nil {
		s.logger.Warn("remove screenshot scratch dir", "dir", s.dir, "err", err)
	}
}
