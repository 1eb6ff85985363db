package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/attdevsupport/aro-collector/internal/process"
	"github.com/charmbracelet/log"
)

const (
	defaultADBPath     = "adb"
	defaultADBTimeout  = 30 * time.Second
	screenshotScratch  = "/sdcard/aro_screencap.png"
	emulatorPrefix     = "emulator-"
	seLinuxEnforcing   = "enforcing"
	qemuPropertyKey    = "ro.kernel.qemu"
	devicesListHeading = "List of devices attached"
)

var proxyVariables = []string{"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY", "NO_PROXY", "http_proxy", "https_proxy", "all_proxy", "no_proxy"}

// ADBOptions configures an ADB bridge.
type ADBOptions struct {
	Executor process.Executor
	Path     string
	Timeout  time.Duration
	Logger   *log.Logger
	Environ  func() []string
}

// ADB implements Bridge by shelling out to the adb command-line tool.
type ADB struct {
	exec    process.Executor
	path    string
	timeout time.Duration
	logger  *log.Logger
	environ func() []string
}

// NewADB creates an adb bridge.
func NewADB(opts ADBOptions) (*ADB, error) {
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path = defaultADBPath
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultADBTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ
	}
	return &ADB{
		exec:    opts.Executor,
		path:    path,
		timeout: timeout,
		logger:  logger.With("component", "adb"),
		environ: environ,
	}, nil
}

// Path returns the adb executable in use.
func (a *ADB) Path() string {
	return a.path
}

// Devices lists attached devices from `adb devices -l`.
func (a *ADB) Devices(ctx context.Context) ([]Info, error) {
	out, err := a.run(ctx, "devices", "-l")
	if err != nil {
		return nil, fmt.Errorf("list adb devices: %w", err)
	}
	return ParseDevices(out), nil
}

// ParseDevices parses `adb devices -l` output.
func ParseDevices(out string) []Info {
	var devices []Info
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, devicesListHeading) || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		info := Info{Serial: fields[0], State: fields[1]}
		for _, field := range fields[2:] {
			if key, value, ok := strings.Cut(field, ":"); ok && key == "model" {
				info.Model = value
			}
		}
		devices = append(devices, info)
	}
	return devices
}

// Push copies local to remote on serial.
func (a *ADB) Push(ctx context.Context, serial, local, remote string) error {
	out, err := a.run(ctx, "-s", serial, "push", local, remote)
	if err == nil {
		err = transferError(out)
	}
	if err != nil {
		return fmt.Errorf("push %s to %s:%s: %w", local, serial, remote, err)
	}
	return nil
}

// Pull copies remote on serial to local.
func (a *ADB) Pull(ctx context.Context, serial, remote, local string) error {
	out, err := a.run(ctx, "-s", serial, "pull", remote, local)
	if err == nil {
		err = transferError(out)
	}
	if err != nil {
		return fmt.Errorf("pull %s:%s: %w", serial, remote, err)
	}
	return nil
}

// Shell runs command through `adb shell` and returns its non-empty output lines.
func (a *ADB) Shell(ctx context.Context, serial, command string) ([]string, error) {
	out, err := a.run(ctx, "-s", serial, "shell", command)
	if err != nil {
		return SplitLines(out), fmt.Errorf("shell %q on %s: %w", command, serial, err)
	}
	return SplitLines(out), nil
}

// ShellSpec describes a long-running `adb shell` command for process.Executor.Launch.
func (a *ADB) ShellSpec(serial, command string) process.Spec {
	return process.Spec{
		Name:  a.path,
		Args:  []string{"-s", serial, "shell", command},
		Env:   a.cleanEnv(),
		Label: "adb-shell",
	}
}

// Property reads one system property.
func (a *ADB) Property(ctx context.Context, serial, key string) (string, error) {
	lines, err := a.Shell(ctx, serial, "getprop "+key)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", nil
	}
	return strings.TrimSpace(lines[0]), nil
}

// Install installs apk on serial, replacing an existing install.
func (a *ADB) Install(ctx context.Context, serial, apk string) error {
	out, err := a.run(ctx, "-s", serial, "install", "-r", apk)
	if err != nil {
		return fmt.Errorf("install %s on %s: %w", apk, serial, err)
	}
	if !strings.Contains(out, "Success") {
		return fmt.Errorf("install %s on %s: %s", apk, serial, firstLine(out))
	}
	return nil
}

// Forward forwards a local TCP port to a device TCP port.
func (a *ADB) Forward(ctx context.Context, serial string, local, remote int) error {
	_, err := a.run(ctx, "-s", serial, "forward", "tcp:"+strconv.Itoa(local), "tcp:"+strconv.Itoa(remote))
	if err != nil {
		return fmt.Errorf("forward tcp:%d on %s: %w", local, serial, err)
	}
	return nil
}

// Screenshot captures the screen of serial into the PNG file local.
func (a *ADB) Screenshot(ctx context.Context, serial, local string) error {
	if _, err := a.Shell(ctx, serial, "screencap -p "+screenshotScratch); err != nil {
		return err
	}
	return a.Pull(ctx, serial, screenshotScratch, local)
}

// Describe resolves the capability flags of serial.
func (a *ADB) Describe(ctx context.Context, serial string) (Handle, error) {
	if err := ValidateID(serial); err != nil {
		return Handle{}, err
	}
	handle := Handle{Serial: serial, IsEmulator: strings.HasPrefix(serial, emulatorPrefix)}
	if !handle.IsEmulator {
		if qemu, err := a.Property(ctx, serial, qemuPropertyKey); err == nil && qemu == "1" {
			handle.IsEmulator = true
		}
	}

	if lines, err := a.Shell(ctx, serial, "getenforce"); err == nil && len(lines) > 0 {
		handle.SELinuxEnforced = strings.EqualFold(strings.TrimSpace(lines[0]), seLinuxEnforcing)
	}

	if lines, err := a.Shell(ctx, serial, "su -c id"); err == nil {
		for _, line := range lines {
			if strings.Contains(line, "uid=0") {
				handle.IsRooted = true
				break
			}
		}
	}
	a.logger.Debug("device described", "serial", serial, "emulator", handle.IsEmulator, "rooted", handle.IsRooted, "selinux", handle.SELinuxEnforced)
	return handle, nil
}

func (a *ADB) run(ctx context.Context, args ...string) (string, error) {
	return a.exec.Exec(ctx, process.Spec{
		Name:    a.path,
		Args:    args,
		Env:     a.cleanEnv(),
		Timeout: a.timeout,
	})
}

// cleanEnv strips proxy variables, which break the adb server connection.
func (a *ADB) cleanEnv() []string {
	env := a.environ()
	out := make([]string, 0, len(env))
	for _, entry := range env {
		if isProxyVariable(entry) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

func isProxyVariable(entry string) bool {
	for _, name := range proxyVariables {
		if strings.HasPrefix(entry, name+"=") {
			return true
		}
	}
	return false
}

func transferError(out string) error {
	for _, line := range SplitLines(out) {
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "error") || strings.HasPrefix(lower, "adb: error") || strings.Contains(lower, "does not exist") || strings.Contains(lower, "no such file") {
			return errors.New(line)
		}
	}
	return nil
}

// SplitLines splits command output into trimmed non-empty lines.
func SplitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r ")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func firstLine(out string) string {
	lines := SplitLines(out)
	if len(lines) == 0 {
		return "no output"
	}
	return lines[0]
}

var _ Bridge = (*ADB)(nil)
