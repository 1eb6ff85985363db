// Package collector defines the capture controller contract shared by the
// platform backends: results, error registries, the session lifecycle, the
// readiness check and the ordered stop sequence.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/attdevsupport/aro-collector/internal/device"
	"github.com/attdevsupport/aro-collector/internal/telemetry"
	"github.com/google/uuid"
)

// Backend identifies the capture platform of a session.
type Backend string

const (
	BackendRootedAndroid Backend = "rooted-android"
	BackendEmulator      Backend = "emulator"
	BackendIOS           Backend = "ios"
)

// StartOptions carries the parameters of Controller.Start.
type StartOptions struct {
	// CommandLine suppresses interactive prompts.
	CommandLine  bool
	Folder       string
	CaptureVideo bool
	LiveView     bool
	// DeviceID selects a device; empty means the first attached one.
	DeviceID string
	Extra    map[string]string
	Password string
}

// Controller is the public capture state machine each backend implements.
type Controller interface {
	Name() string
	Start(ctx context.Context, opts StartOptions) StatusResult
	Stop(ctx context.Context) StatusResult
	HaltInDevice(ctx context.Context) StatusResult
	IsRunning() bool
	Log(ctx context.Context) []string
	Password() string
	SetPassword(ctx context.Context, password string) bool
	Status() Status
}

// ErrNotRunning is returned by helpers that need an active session.
var ErrNotRunning = errors.New("collector is not running")

// Session is one capture run.
type Session struct {
	ID             string
	LocalFolder    string
	Device         device.Handle
	Backend        Backend
	VideoRequested bool
	StartedAt      time.Time
	StoppedAt      time.Time
}

// NewSession creates a session with a fresh id.
func NewSession(backend Backend, folder string, handle device.Handle, video bool) *Session {
	return &Session{
		ID:             uuid.NewString(),
		LocalFolder:    folder,
		Device:         handle,
		Backend:        backend,
		VideoRequested: video,
	}
}

// Capture describes the session on capture spans.
func (s *Session) Capture(platform string) telemetry.Capture {
	return telemetry.Capture{
		SessionID: s.ID,
		Platform:  platform,
		Device:    s.Device.Serial,
		Emulator:  s.Device.IsEmulator,
		Folder:    s.LocalFolder,
		Video:     s.VideoRequested,
	}
}

// TraceName returns the base name of the local folder, used as the remote
// trace directory name.
func (s *Session) TraceName() string {
	return filepath.Base(filepath.Clean(s.LocalFolder))
}

// Path joins name onto the local trace folder.
func (s *Session) Path(name string) string {
	return filepath.Join(s.LocalFolder, name)
}

var (
	// ErrFolderNotEmpty is returned when the trace folder already holds files.
	ErrFolderNotEmpty = errors.New("trace folder exists and is not empty")
	// ErrFolderCreate is returned when the trace folder cannot be created.
	ErrFolderCreate = errors.New("trace folder could not be created")
)

// PrepareFolder creates path for a new trace. An existing empty directory is
// reused; any existing content is refused.
func PrepareFolder(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrFolderCreate)
	}
	info, err := os.Stat(path)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("%w: %s is a file", ErrFolderNotEmpty, path)
	case err == nil:
		empty, emptyErr := dirEmpty(path)
		if emptyErr != nil {
			return fmt.Errorf("%w: %v", ErrFolderCreate, emptyErr)
		}
		if !empty {
			return fmt.Errorf("%w: %s", ErrFolderNotEmpty, path)
		}
		return nil
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %v", ErrFolderCreate, err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrFolderCreate, err)
	}
	return nil
}

func dirEmpty(path string) (bool, error) {
	dir, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer dir.Close()
	_, err = dir.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, err
}

// FileExists reports whether path names an existing regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
