// Package android captures traces from rooted Android devices and emulators.
//
// On an emulator the backend pushes tcpdump and runs it through a blocking
// adb shell. On a device it drives the collector app, which runs the capture
// and writes the peripheral logs itself. Both paths end by pulling the trace
// directory from /sdcard/ARO.
package android

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/attdevsupport/aro-collector/internal/collector"
	"github.com/attdevsupport/aro-collector/internal/config"
	"github.com/attdevsupport/aro-collector/internal/device"
	"github.com/attdevsupport/aro-collector/internal/events"
	"github.com/attdevsupport/aro-collector/internal/process"
	"github.com/attdevsupport/aro-collector/internal/telemetry"
	"github.com/attdevsupport/aro-collector/internal/timesync"
	"github.com/attdevsupport/aro-collector/internal/video"
	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	platformName = "android"

	// PackageName is the collector app installed on rooted devices.
	PackageName = "com.att.android.arodatacollector"
	// RemoteRoot holds every trace on the device.
	RemoteRoot = "/sdcard/ARO"
	// PayloadDir receives the capture binaries on an emulator.
	PayloadDir = "/data/data/" + PackageName + "/"
	// ControlPort is the forwarded port the emulator capture listens on for STOP.
	ControlPort = 50999

	splashActivity = PackageName + "/" + PackageName + ".activities.AROCollectorSplashActivity"
	homeActivity   = PackageName + "/" + PackageName + ".activities.AROCollectorHomeActivity"

	// TimeoutData is reported when the capture never came up.
	TimeoutData = "installed but traffic capture failed to start before timeout"
)

// Bridge is the adb surface the backend needs.
type Bridge interface {
	device.Bridge
	Describe(ctx context.Context, serial string) (device.Handle, error)
	Install(ctx context.Context, serial, apk string) error
	Forward(ctx context.Context, serial string, local, remote int) error
	Screenshot(ctx context.Context, serial, local string) error
	ShellSpec(serial, command string) process.Spec
}

// WriterFactory opens the video writer for a trace.
type WriterFactory func(ctx context.Context, output string) (video.FrameWriter, error)

// Options configures a Backend.
type Options struct {
	Bridge   Bridge
	Executor process.Executor
	Tools    config.Tools
	Retry    config.Retry
	Logger   *log.Logger
	Tracer   trace.Tracer
	Bus      events.Publisher
	// NewWriter overrides the ffmpeg video writer.
	NewWriter WriterFactory
	// Dial reaches the emulator control port.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
	// Sleep overrides the context-aware pause used by polling loops.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Backend implements collector.Controller for rooted Android targets.
type Backend struct {
	bridge    Bridge
	executor  process.Executor
	tools     config.Tools
	retry     config.Retry
	logger    *log.Logger
	tracer    trace.Tracer
	bus       events.Publisher
	machine   *collector.Machine
	newWriter WriterFactory
	dial      func(ctx context.Context, network, address string) (net.Conn, error)
	sleep     func(ctx context.Context, d time.Duration) error

	running atomic.Bool

	mu         sync.Mutex
	session    *collector.Session
	lastSerial string
	recorder   *timesync.Recorder
	capture    process.Handle
	captureCtx context.CancelFunc
	reader     chan struct{}
	video      *video.Worker
	scratch    string
}

// New validates options and returns a ready backend.
func New(opts Options) (*Backend, error) {
	if opts.Bridge == nil {
		return nil, errors.New("android backend requires a bridge")
	}
	if opts.Executor == nil {
		return nil, errors.New("android backend requires an executor")
	}
	defaults := config.Defaults()
	if opts.Tools == (config.Tools{}) {
		opts.Tools = defaults.Tools
	}
	if opts.Retry == (config.Retry{}) {
		opts.Retry = defaults.Retry
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("aro/android")
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.Discard{}
	}
	b := &Backend{
		bridge:    opts.Bridge,
		executor:  opts.Executor,
		tools:     opts.Tools,
		retry:     opts.Retry,
		logger:    logger.With("component", "android"),
		tracer:    tracer,
		bus:       bus,
		machine:   collector.NewMachine(collector.WithTracer(tracer), collector.WithBus(bus)),
		newWriter: opts.NewWriter,
		dial:      opts.Dial,
		sleep:     opts.Sleep,
	}
	if b.dial == nil {
		dialer := &net.Dialer{Timeout: 2 * time.Second}
		b.dial = dialer.DialContext
	}
	if b.sleep == nil {
		b.sleep = sleepContext
	}
	if b.newWriter == nil {
		b.newWriter = func(ctx context.Context, output string) (video.FrameWriter, error) {
			return video.NewEncoder(ctx, video.EncoderOptions{
				Executor:  b.executor,
				FFmpeg:    b.tools.FFmpeg,
				Output:    output,
				FrameRate: video.DefaultTimeUnits,
			})
		}
	}
	return b, nil
}

// Name implements collector.Controller.
func (b *Backend) Name() string {
	return "rooted-android"
}

// IsRunning implements collector.Controller.
func (b *Backend) IsRunning() bool {
	return b.running.Load()
}

// Status implements collector.Controller.
func (b *Backend) Status() collector.Status {
	return b.machine.Status()
}

// Password implements collector.Controller. Android needs no password.
func (b *Backend) Password() string {
	return ""
}

// SetPassword implements collector.Controller. Android needs no password.
func (b *Backend) SetPassword(context.Context, string) bool {
	return true
}

// Start implements collector.Controller.
func (b *Backend) Start(ctx context.Context, opts collector.StartOptions) collector.StatusResult {
	if b.running.Load() {
		return collector.Success("")
	}

	ctx, span := telemetry.StartCapture(ctx, b.tracer, "start", telemetry.Capture{
		Platform: platformName,
		Folder:   opts.Folder,
		Video:    opts.CaptureVideo,
	})
	result := b.start(ctx, opts)
	span.Finish(result.Success, result.Code(), result.String())
	return result
}

func (b *Backend) start(ctx context.Context, opts collector.StartOptions) collector.StatusResult {
	if err := collector.PrepareFolder(opts.Folder); err != nil {
		if errors.Is(err, collector.ErrFolderNotEmpty) {
			return b.fail(collector.AndroidTraceFolderExists, err)
		}
		return b.fail(collector.AndroidLocalDirFailed, err)
	}

	devices, err := b.bridge.Devices(ctx)
	if err != nil {
		return b.fail(collector.AndroidBridgeFailed, err)
	}
	info, err := device.Select(devices, opts.DeviceID)
	switch {
	case errors.Is(err, device.ErrNoDevice):
		return b.fail(collector.AndroidNoDevice, err)
	case err != nil:
		return b.fail(collector.AndroidDeviceNotFound, err)
	}

	handle, err := b.bridge.Describe(ctx, info.Serial)
	if err != nil {
		return b.fail(collector.AndroidDeviceAccess, err)
	}
	if !handle.IsRooted {
		return b.fail(collector.AndroidNotRooted, fmt.Errorf("device %s is not rooted", handle.Serial))
	}

	if err := b.bridge.Forward(ctx, handle.Serial, ControlPort, ControlPort); err != nil {
		b.logger.Warn("port forward failed", "serial", handle.Serial, "err", err)
	}
	if b.captureRunning(ctx, handle) {
		return b.fail(collector.AndroidAlreadyRunning, fmt.Errorf("a capture is already running on %s", handle.Serial))
	}

	backendKind := collector.BackendRootedAndroid
	if handle.IsEmulator {
		backendKind = collector.BackendEmulator
	}
	session := collector.NewSession(backendKind, opts.Folder, handle, opts.CaptureVideo)
	if err := b.machine.Begin(ctx, session.ID); err != nil {
		return b.fail(collector.AndroidAlreadyRunning, err)
	}
	if err := b.machine.Transition(ctx, collector.StatusStarting, "start requested"); err != nil {
		return b.fail(collector.AndroidAlreadyRunning, err)
	}

	b.mu.Lock()
	b.session = session
	b.lastSerial = handle.Serial
	b.recorder = timesync.NewRecorder()
	b.mu.Unlock()

	telemetry.CaptureFromContext(ctx).Annotate(session.Capture(platformName))
	logger := b.logger.With("session_id", session.ID, "serial", handle.Serial)
	logger.Info("starting capture", "emulator", handle.IsEmulator, "trace", session.TraceName())

	b.prepareRemote(ctx, handle.Serial, session.TraceName())

	var result collector.StatusResult
	if handle.IsEmulator {
		result = b.launchEmulator(ctx, session)
	} else {
		result = b.launchDevice(ctx, session)
	}
	if !result.Success {
		b.abort(ctx, result.String())
		return result
	}

	readiness := collector.Readiness{Budget: b.retry.ReadinessTimeout, Steps: b.retry.ReadinessSteps, Sleep: b.sleep}
	attempts, err := readiness.Wait(ctx, func(ctx context.Context) (bool, error) {
		return b.captureRunning(ctx, handle), nil
	})
	if err != nil {
		logger.Warn("capture did not start in time", "attempts", attempts, "err", err)
		b.timeoutShutdown(ctx, handle.Serial)
		b.haltRemote(ctx, handle.Serial)
		b.killCapture()
		b.abort(ctx, "readiness check timed out")
		return collector.Failure(collector.AndroidTimeout, TimeoutData)
	}

	telemetry.CaptureFromContext(ctx).Step("capture confirmed", attribute.Int("attempts", attempts))
	b.machine.ConfirmCapture()
	if err := b.machine.Transition(ctx, collector.StatusStarted, "capture running"); err != nil {
		logger.Error("session transition failed", "err", err)
	}
	b.running.Store(true)

	if opts.CaptureVideo {
		b.startVideo(ctx, session)
	}
	logger.Info("capture running", "attempts", attempts)
	return collector.Success("")
}

// abort returns a session that never reached STARTED to STOPPED.
func (b *Backend) abort(ctx context.Context, reason string) {
	if err := b.machine.Transition(ctx, collector.StatusStopped, reason); err != nil {
		b.logger.Warn("session transition failed", "err", err)
	}
	b.mu.Lock()
	b.session = nil
	b.mu.Unlock()
	b.running.Store(false)
}

func (b *Backend) prepareRemote(ctx context.Context, serial, traceName string) {
	for _, command := range []string{
		"rm -fr " + RemoteRoot,
		"mkdir " + RemoteRoot + "/",
		"mkdir " + remoteTraceDir(traceName),
	} {
		if _, err := b.bridge.Shell(ctx, serial, command); err != nil {
			b.logger.Warn("prepare remote trace directory", "command", command, "err", err)
		}
	}
}

// captureRunning reports whether the collector's capture shows in ps output.
// The emulator binary lives under the collector package directory, so both
// paths match on the package name.
func (b *Backend) captureRunning(ctx context.Context, handle device.Handle) bool {
	command := "ps tcpdump"
	if handle.IsEmulator {
		command = "ps|grep tcpdump"
	}
	lines, err := b.bridge.Shell(ctx, handle.Serial, command)
	if err != nil {
		b.logger.Debug("capture check failed", "err", err)
		return false
	}
	for _, line := range lines {
		if strings.Contains(line, "arodatacollector") {
			return true
		}
	}
	return false
}

func (b *Backend) timeoutShutdown(ctx context.Context, serial string) {
	lines, err := b.bridge.Shell(ctx, serial, "am broadcast -a arodatacollector.timeout.SHUTDOWN")
	if err != nil {
		b.logger.Warn("timeout shutdown broadcast failed", "err", err)
	}
	for _, line := range lines {
		b.logger.Debug("timeout shutdown", "line", line)
	}
}

func (b *Backend) haltRemote(ctx context.Context, serial string) {
	if _, err := b.bridge.Shell(ctx, serial, "am force-stop "+PackageName); err != nil {
		b.logger.Warn("force-stop collector failed", "err", err)
	}
}

// HaltInDevice force-stops the collector app and releases local workers.
// No artifacts are collected.
func (b *Backend) HaltInDevice(ctx context.Context) collector.StatusResult {
	b.mu.Lock()
	serial := b.lastSerial
	worker := b.video
	b.video = nil
	b.mu.Unlock()

	if worker != nil {
		worker.Signal()
	}
	if serial != "" {
		b.haltRemote(ctx, serial)
	}
	b.killCapture()

	switch b.machine.Status() {
	case collector.StatusStarting:
		b.abort(ctx, "halted")
	case collector.StatusStarted:
		_ = b.machine.Transition(ctx, collector.StatusStopping, "halted")
		fallthrough
	case collector.StatusStopping:
		_ = b.machine.Transition(ctx, collector.StatusStopped, "halted")
	}
	b.mu.Lock()
	b.session = nil
	b.mu.Unlock()
	b.running.Store(false)
	return collector.Success("")
}

// Attach points Log and HaltInDevice at serial when no capture is active.
func (b *Backend) Attach(serial string) error {
	if err := device.ValidateID(serial); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		return fmt.Errorf("capture on %s is active", b.lastSerial)
	}
	b.lastSerial = serial
	return nil
}

// Log returns the Android version followed by the device logcat.
func (b *Backend) Log(ctx context.Context) []string {
	b.mu.Lock()
	serial := b.lastSerial
	b.mu.Unlock()
	if serial == "" {
		return nil
	}
	var out []string
	if release, err := b.bridge.Property(ctx, serial, "ro.build.version.release"); err == nil {
		out = append(out, "Android version : "+release)
	}
	lines, err := b.bridge.Shell(ctx, serial, "logcat -d")
	if err != nil {
		b.logger.Warn("read logcat failed", "err", err)
	}
	return append(out, lines...)
}

func (b *Backend) fail(code collector.ErrorCode, err error) collector.StatusResult {
	b.logger.Error("start failed", "code", code.Code, "name", code.Name, "err", err)
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return collector.Failure(code.WithDetail(detail), "")
}

func remoteTraceDir(traceName string) string {
	return RemoteRoot + "/" + traceName
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ collector.Controller = (*Backend)(nil)
var _ Bridge = (*device.ADB)(nil)
