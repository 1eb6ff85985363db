// Package ios captures traces from iOS devices through a remote virtual
// interface. tcpdump runs on the host under sudo and an idevicescreenshot
// companion feeds the optional video.
package ios

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
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
	"github.com/attdevsupport/aro-collector/internal/toolchain"
	"github.com/attdevsupport/aro-collector/internal/video"
	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultBuildVersion is written into device_details.
const DefaultBuildVersion = "5.0"

const (
	platformName = "ios"
	infoTimeout  = 20 * time.Second
)

// Toolchain verifies the host can run RVI captures.
type Toolchain interface {
	CheckIOS(ctx context.Context) error
}

// DeviceMonitor watches for device attach and detach.
type DeviceMonitor interface {
	Start(ctx context.Context) error
	Stop()
}

// WriterFactory opens the video writer for a trace.
type WriterFactory func(ctx context.Context, output string) (video.FrameWriter, error)

// Options configures a Backend.
type Options struct {
	Executor process.Executor
	Tools    config.Tools
	Retry    config.Retry
	Logger   *log.Logger
	Tracer   trace.Tracer
	// Bus carries DeviceDetached events from the monitor to the backend.
	Bus       events.Bus
	Toolchain Toolchain
	Monitor   DeviceMonitor
	// PollInterval paces the default device monitor.
	PollInterval time.Duration
	NewWriter    WriterFactory
	Sleep        func(ctx context.Context, d time.Duration) error
	BuildVersion string
}

// Backend implements collector.Controller for iOS devices.
type Backend struct {
	exec         process.Executor
	tools        config.Tools
	retry        config.Retry
	logger       *log.Logger
	tracer       trace.Tracer
	bus          events.Bus
	toolchain    Toolchain
	monitor      DeviceMonitor
	newWriter    WriterFactory
	sleep        func(ctx context.Context, d time.Duration) error
	buildVersion string
	sudo         *Sudo
	rvi          *RVI
	machine      *collector.Machine
	unsubscribe  events.CancelFunc

	running atomic.Bool
	// stopMu serializes Stop between callers and the detach handler.
	stopMu sync.Mutex

	mu          sync.Mutex
	password    string
	monitoring  bool
	session     *collector.Session
	recorder    *timesync.Recorder
	capture     *tcpdump
	video       *video.Worker
	screenshots *Screenshotter
}

// New validates options and returns a ready backend.
func New(opts Options) (*Backend, error) {
	if opts.Executor == nil {
		return nil, errors.New("ios backend requires an executor")
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
	logger = logger.With("component", "ios")
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("aro/ios")
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.New()
	}
	checker := opts.Toolchain
	if checker == nil {
		c, err := toolchain.NewChecker(opts.Executor)
		if err != nil {
			return nil, err
		}
		checker = c
	}
	monitor := opts.Monitor
	if monitor == nil {
		interval := opts.PollInterval
		if interval <= 0 {
			interval = defaults.Monitor.PollInterval
		}
		m, err := device.NewMonitor(device.IDeviceLister(opts.Executor, opts.Tools.LibIMobileDeviceDir), bus, device.MonitorConfig{
			Interval: interval,
			Source:   "idevice",
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		monitor = m
	}
	buildVersion := opts.BuildVersion
	if buildVersion == "" {
		buildVersion = DefaultBuildVersion
	}

	b := &Backend{
		exec:         opts.Executor,
		tools:        opts.Tools,
		retry:        opts.Retry,
		logger:       logger,
		tracer:       tracer,
		bus:          bus,
		toolchain:    checker,
		monitor:      monitor,
		newWriter:    opts.NewWriter,
		sleep:        opts.Sleep,
		buildVersion: buildVersion,
		sudo:         NewSudo(opts.Executor),
		rvi:          NewRVI(opts.Executor, opts.Retry.RVIAttempts, opts.Retry.RVIInterval, logger),
		machine:      collector.NewMachine(collector.WithTracer(tracer), collector.WithBus(bus)),
	}
	if b.sleep == nil {
		b.sleep = sleepContext
	}
	if b.newWriter == nil {
		b.newWriter = func(ctx context.Context, output string) (video.FrameWriter, error) {
			return video.NewEncoder(ctx, video.EncoderOptions{
				Executor:  b.exec,
				FFmpeg:    b.tools.FFmpeg,
				Output:    output,
				FrameRate: video.DefaultTimeUnits,
			})
		}
	}
	b.unsubscribe = bus.Subscribe(events.EventTypeDeviceDetached, b.onDetached)
	return b, nil
}

// Close releases the detach subscription and the device monitor.
func (b *Backend) Close() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	b.stopMonitor()
}

// Name implements collector.Controller.
func (b *Backend) Name() string {
	return "ios"
}

// IsRunning implements collector.Controller.
func (b *Backend) IsRunning() bool {
	return b.running.Load()
}

// Status implements collector.Controller.
func (b *Backend) Status() collector.Status {
	return b.machine.Status()
}

// Password implements collector.Controller.
func (b *Backend) Password() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.password
}

// SetPassword implements collector.Controller. Only a password sudo accepts
// is kept.
func (b *Backend) SetPassword(ctx context.Context, password string) bool {
	if !b.sudo.Validate(ctx, password) {
		return false
	}
	b.mu.Lock()
	b.password = password
	b.mu.Unlock()
	return true
}

// Log implements collector.Controller. iOS has no device log to offer.
func (b *Backend) Log(context.Context) []string {
	return nil
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
	if result.NeedsPassword() {
		span.Step("password requested")
	}
	span.Finish(result.Success, result.Code(), result.String())
	return result
}

func (b *Backend) start(ctx context.Context, opts collector.StartOptions) collector.StatusResult {
	if opts.Password != "" {
		b.mu.Lock()
		b.password = opts.Password
		b.mu.Unlock()
	}

	if err := collector.PrepareFolder(opts.Folder); err != nil {
		if errors.Is(err, collector.ErrFolderNotEmpty) {
			return b.fail(collector.IOSTraceFolderExists, err)
		}
		return b.fail(collector.IOSLocalDirFailed, err)
	}

	b.startMonitor(ctx)

	if err := b.toolchain.CheckIOS(ctx); err != nil {
		if errors.Is(err, toolchain.ErrRvictlMissing) {
			return b.fail(collector.IOSXcodeMissing, err)
		}
		return b.fail(collector.IOSXcodeUnsupported, err)
	}

	udid, result := b.resolveUDID(ctx, opts.DeviceID)
	if !result.Success {
		return result
	}

	info, result := b.deviceInfo(ctx, udid)
	if !result.Success {
		return result
	}
	if err := info.WriteDetails(filepath.Join(opts.Folder, DeviceDetailsFile), b.buildVersion); err != nil {
		return b.fail(collector.IOSDeviceInfoFailed, err)
	}
	major, err := info.MajorVersion()
	if err != nil {
		return b.fail(collector.IOSVersionUnreadable, err)
	}
	if major < MinMajorVersion {
		return b.fail(collector.IOSUnsupportedVersion, fmt.Errorf("iOS %s is older than %d", info.ProductVersion(), MinMajorVersion))
	}

	password := b.Password()
	if password == "" {
		b.logger.Warn("sudo password required", "code", collector.IOSPasswordMissing.Code)
		return b.requestPassword(opts.Folder)
	}
	if !b.sudo.Validate(ctx, password) {
		b.logger.Warn("sudo password rejected", "code", collector.IOSInvalidPassword.Code)
		b.mu.Lock()
		b.password = ""
		b.mu.Unlock()
		return b.requestPassword(opts.Folder)
	}

	handle := device.Handle{Serial: udid}
	session := collector.NewSession(collector.BackendIOS, opts.Folder, handle, opts.CaptureVideo)
	if err := b.machine.Begin(ctx, session.ID); err != nil {
		return b.fail(collector.IOSTimeout, err)
	}
	if err := b.machine.Transition(ctx, collector.StatusStarting, "start requested"); err != nil {
		return b.fail(collector.IOSTimeout, err)
	}
	recorder := timesync.NewRecorder()
	b.mu.Lock()
	b.session = session
	b.recorder = recorder
	b.mu.Unlock()

	telemetry.CaptureFromContext(ctx).Annotate(session.Capture(platformName))
	logger := b.logger.With("session_id", session.ID, "udid", udid)
	logger.Info("starting capture", "ios", info.ProductVersion(), "trace", session.TraceName())

	if err := b.rvi.Setup(ctx, udid, password); err != nil {
		b.abort(ctx, "rvi setup failed")
		return b.fail(collector.IOSRVIFailed, err)
	}

	capture := &tcpdump{
		exec:     b.exec,
		sudo:     b.sudo,
		password: password,
		path:     session.Path(CaptureFile),
		iface:    b.rvi.Name(),
		bus:      b.bus,
		logger:   logger,
		sleep:    b.sleep,
	}
	if err := capture.start(); err != nil {
		b.rvi.Disconnect(ctx, udid)
		b.abort(ctx, "tcpdump launch failed")
		return b.fail(collector.IOSTimeout, err)
	}
	started := recorder.MarkCaptureStart()
	b.mu.Lock()
	b.capture = capture
	b.mu.Unlock()

	waitCtx, cancelWait := context.WithCancel(ctx)
	readiness := collector.Readiness{
		Budget: time.Duration(b.retry.PIDLookupAttempts) * b.retry.PIDLookupInterval,
		Steps:  b.retry.PIDLookupAttempts,
		Sleep:  b.sleep,
	}
	attempts, err := readiness.Wait(waitCtx, func(ctx context.Context) (bool, error) {
		ok, err := capture.confirm(ctx)
		if errors.Is(err, errTcpdumpExited) {
			cancelWait()
		}
		return ok, err
	})
	cancelWait()
	if err != nil {
		logger.Warn("capture not confirmed", "attempts", attempts, "exited", capture.exited(), "err", err)
		capture.kill()
		b.rvi.Disconnect(ctx, udid)
		b.mu.Lock()
		b.capture = nil
		b.mu.Unlock()
		b.abort(ctx, "tcpdump not confirmed")
		return b.fail(collector.IOSTimeout, err)
	}
	capture.mu.Lock()
	pids := append([]int(nil), capture.pids...)
	capture.mu.Unlock()

	telemetry.CaptureFromContext(ctx).Step("capture confirmed", attribute.Int("attempts", attempts), attribute.IntSlice("pids", pids))
	b.machine.ConfirmCapture()
	if err := b.machine.Transition(ctx, collector.StatusStarted, "capture running"); err != nil {
		logger.Error("session transition failed", "err", err)
	}
	b.running.Store(true)
	logger.Info("capture running", "pids", pids, "attempts", attempts, "started_at", started, "interface", b.rvi.Name())

	if opts.CaptureVideo {
		b.startVideo(ctx, session)
	}
	return collector.Success("")
}

func (b *Backend) resolveUDID(ctx context.Context, want string) (string, collector.StatusResult) {
	out, err := b.exec.Exec(ctx, process.Spec{
		Name:    toolchain.LibIMobileDevice(b.tools.LibIMobileDeviceDir, "idevice_id"),
		Args:    []string{"-l"},
		Timeout: infoTimeout,
	})
	if err != nil {
		return "", b.fail(collector.IOSBadSerial, err)
	}
	var udids []string
	for _, line := range device.SplitLines(out) {
		udid := strings.Join(strings.Fields(line), "")
		if len(udid) < 2 || device.ValidateID(udid) != nil {
			continue
		}
		udids = append(udids, udid)
	}
	if len(udids) == 0 {
		return "", b.fail(collector.IOSNoDevice, device.ErrNoDevice)
	}
	want = strings.TrimSpace(want)
	if want == "" {
		return udids[0], collector.Success("")
	}
	for _, udid := range udids {
		if udid == want {
			return udid, collector.Success("")
		}
	}
	return "", b.fail(collector.IOSNoDevice, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, want))
}

func (b *Backend) deviceInfo(ctx context.Context, udid string) (DeviceInfo, collector.StatusResult) {
	out, err := b.exec.Exec(ctx, process.Spec{
		Name:    toolchain.LibIMobileDevice(b.tools.LibIMobileDeviceDir, "ideviceinfo"),
		Args:    []string{"-u", udid},
		Timeout: infoTimeout,
	})
	if err != nil {
		return nil, b.fail(collector.IOSDeviceInfoFailed, err)
	}
	info := ParseDeviceInfo(out)
	if len(info) == 0 {
		return nil, b.fail(collector.IOSDeviceInfoFailed, fmt.Errorf("ideviceinfo returned nothing for %s", udid))
	}
	return info, collector.Success("")
}

func (b *Backend) startVideo(ctx context.Context, session *collector.Session) {
	shots, err := NewScreenshotter(ctx, ScreenshotterConfig{
		Executor:      b.exec,
		Binary:        toolchain.LibIMobileDevice(b.tools.LibIMobileDeviceDir, "idevicescreenshot"),
		TraceDir:      session.LocalFolder,
		ReadyAttempts: b.retry.ScreenshotReadyAttempts,
		ReadyInterval: b.retry.ScreenshotReadyInterval,
		Logger:        b.logger,
	})
	if err != nil {
		b.logger.Error("video unavailable", "err", err)
		b.publishAlert(session.Device.Serial, err.Error())
		return
	}
	writer, err := b.newWriter(ctx, session.Path(video.FileName))
	if err != nil {
		shots.Close(ctx)
		b.logger.Error("open video writer failed", "err", err)
		return
	}
	source := video.SourceFunc(func(ctx context.Context) (image.Image, error) {
		return shots.Capture(ctx)
	})
	worker, err := video.NewWorker(source, writer, video.Config{
		MaxFailures: video.IOSMaxFailures,
		Recorder:    b.recorder,
		Bus:         b.bus,
		Logger:      b.logger,
		Label:       session.Device.Serial,
	})
	if err != nil {
		_ = writer.Close()
		shots.Close(ctx)
		b.logger.Error("create video worker failed", "err", err)
		return
	}
	worker.Start(context.Background())

	b.mu.Lock()
	b.video = worker
	b.screenshots = shots
	b.mu.Unlock()
}

func (b *Backend) startMonitor(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.monitoring {
		return
	}
	if err := b.monitor.Start(context.WithoutCancel(ctx)); err != nil {
		b.logger.Warn("device monitor unavailable", "err", err)
		return
	}
	b.monitoring = true
}

func (b *Backend) stopMonitor() {
	b.mu.Lock()
	monitoring := b.monitoring
	b.monitoring = false
	b.mu.Unlock()
	if monitoring {
		b.monitor.Stop()
	}
}

// onDetached stops the workers when the session device goes away.
func (b *Backend) onDetached(event events.Event) {
	b.mu.Lock()
	session := b.session
	b.mu.Unlock()
	if session == nil || session.Device.Serial != event.EntityID {
		return
	}
	b.logger.Warn("device detached during capture", "udid", event.EntityID)
	b.publishAlert(event.EntityID, "device detached during capture")
	go b.Stop(context.Background())
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

// requestPassword leaves folder as empty as Start found it so the retry
// passes the folder check again.
func (b *Backend) requestPassword(folder string) collector.StatusResult {
	if err := os.Remove(filepath.Join(folder, DeviceDetailsFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		b.logger.Warn("remove device details", "err", err)
	}
	return collector.RequestPassword()
}

func (b *Backend) fail(code collector.ErrorCode, err error) collector.StatusResult {
	b.logger.Error("start failed", "code", code.Code, "name", code.Name, "err", err)
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return collector.Failure(code.WithDetail(detail), "")
}

func (b *Backend) publishAlert(udid, message string) {
	b.bus.Publish(events.Event{
		Type:       events.EventTypeCaptureAlert,
		EntityType: "device",
		EntityID:   udid,
		Severity:   events.SeverityWarn,
		Payload:    message,
	})
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
