// Package toolchain detects the host tools each capture platform depends on.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/attdevsupport/aro-collector/internal/process"
)

// MinXcodeMajor is the oldest Xcode whose rvictl supports capture.
const MinXcodeMajor = 5

var (
	// ErrRvictlMissing is returned when rvictl is not on PATH.
	ErrRvictlMissing = errors.New("rvictl not found; install Xcode command line tools")
	// ErrXcodeUnsupported is returned when Xcode is missing or too old.
	ErrXcodeUnsupported = errors.New("xcode version unsupported")
	// ErrADBMissing is returned when adb cannot be found.
	ErrADBMissing = errors.New("adb not found")
)

// Paths names the configured tool locations. Empty fields are looked up on PATH.
type Paths struct {
	ADB                 string
	FFmpeg              string
	LibIMobileDeviceDir string
}

// Availability captures which capture tools are present.
type Availability struct {
	ADB               bool
	FFmpeg            bool
	Rvictl            bool
	Xcodebuild        bool
	Sudo              bool
	IDeviceID         bool
	IDeviceInfo       bool
	IDeviceScreenshot bool
}

// Detect reports tool availability using PATH lookup.
func Detect(paths Paths) Availability {
	return detect(paths, exec.LookPath)
}

func detect(paths Paths, lookPath func(file string) (string, error)) Availability {
	return Availability{
		ADB:               toolAvailable(lookPath, orDefault(paths.ADB, "adb")),
		FFmpeg:            toolAvailable(lookPath, orDefault(paths.FFmpeg, "ffmpeg")),
		Rvictl:            toolAvailable(lookPath, "rvictl"),
		Xcodebuild:        toolAvailable(lookPath, "xcodebuild"),
		Sudo:              toolAvailable(lookPath, "sudo"),
		IDeviceID:         toolAvailable(lookPath, LibIMobileDevice(paths.LibIMobileDeviceDir, "idevice_id")),
		IDeviceInfo:       toolAvailable(lookPath, LibIMobileDevice(paths.LibIMobileDeviceDir, "ideviceinfo")),
		IDeviceScreenshot: toolAvailable(lookPath, LibIMobileDevice(paths.LibIMobileDeviceDir, "idevicescreenshot")),
	}
}

// MissingAndroid lists tools the Android backends cannot run without.
func (a Availability) MissingAndroid() []string {
	var missing []string
	if !a.ADB {
		missing = append(missing, "adb")
	}
	return missing
}

// MissingIOS lists tools the iOS backend cannot run without.
func (a Availability) MissingIOS() []string {
	var missing []string
	for _, tool := range []struct {
		name    string
		present bool
	}{
		{"rvictl", a.Rvictl},
		{"xcodebuild", a.Xcodebuild},
		{"sudo", a.Sudo},
		{"idevice_id", a.IDeviceID},
		{"ideviceinfo", a.IDeviceInfo},
	} {
		if !tool.present {
			missing = append(missing, tool.name)
		}
	}
	return missing
}

// LibIMobileDevice returns the path of a libimobiledevice tool.
func LibIMobileDevice(dir, tool string) string {
	if strings.TrimSpace(dir) == "" {
		return tool
	}
	return filepath.Join(dir, tool)
}

// Checker validates the iOS toolchain.
type Checker struct {
	exec     process.Executor
	lookPath func(file string) (string, error)
}

// NewChecker builds a checker that runs version checks through executor.
func NewChecker(executor process.Executor) (*Checker, error) {
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	return &Checker{exec: executor, lookPath: exec.LookPath}, nil
}

// CheckIOS verifies rvictl exists and Xcode is at least MinXcodeMajor.
func (c *Checker) CheckIOS(ctx context.Context) error {
	if !toolAvailable(c.lookPath, "rvictl") {
		return ErrRvictlMissing
	}
	out, err := c.exec.Exec(ctx, process.Spec{Name: "xcodebuild", Args: []string{"-version"}, Timeout: 30 * time.Second})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrXcodeUnsupported, err)
	}
	major, err := ParseXcodeVersion(out)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrXcodeUnsupported, err)
	}
	if major < MinXcodeMajor {
		return fmt.Errorf("%w: found Xcode %d, need %d or later", ErrXcodeUnsupported, major, MinXcodeMajor)
	}
	return nil
}

var xcodeVersionPattern = regexp.MustCompile(`Xcode\s+(\d+)`)

// ParseXcodeVersion extracts the major version from `xcodebuild -version`.
func ParseXcodeVersion(out string) (int, error) {
	match := xcodeVersionPattern.FindStringSubmatch(out)
	if match == nil {
		return 0, fmt.Errorf("no Xcode version in %q", strings.TrimSpace(out))
	}
	major, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, fmt.Errorf("parse Xcode version %q: %w", match[1], err)
	}
	return major, nil
}

func toolAvailable(lookPath func(file string) (string, error), binary string) bool {
	_, err := lookPath(binary)
	return err == nil
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
