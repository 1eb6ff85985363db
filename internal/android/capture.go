package android

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/attdevsupport/aro-collector/internal/collector"
	"github.com/attdevsupport/aro-collector/internal/device"
	"github.com/attdevsupport/aro-collector/internal/events"
	"github.com/attdevsupport/aro-collector/internal/video"
)

// launchEmulator pushes the capture payload and starts tcpdump in a
// blocking adb shell owned by a reader goroutine.
func (b *Backend) launchEmulator(ctx context.Context, session *collector.Session) collector.StatusResult {
	serial := session.Device.Serial
	if err := b.sendStop(ctx); err == nil {
		b.logger.Debug("stopped a stale emulator capture")
	}

	lines, err := b.bridge.Shell(ctx, serial, "df")
	if err != nil {
		return b.fail(collector.AndroidDeviceAccess, err)
	}
	if free := FreeSpaceKB(lines); free <= MinFreeKB {
		return b.fail(collector.AndroidInsufficientStorage, fmt.Errorf("/sdcard has %d KB free, need more than %d KB", free, MinFreeKB))
	}

	binary, local := "tcpdump", b.tools.Tcpdump
	if session.Device.SELinuxEnforced {
		binary, local = "tcpdump_pie", b.tools.TcpdumpPIE
	}
	if !collector.FileExists(local) {
		return b.fail(collector.AndroidExtractFailed, fmt.Errorf("capture payload %s not found", local))
	}
	remoteBinary := PayloadDir + binary
	if err := b.bridge.Push(ctx, serial, local, remoteBinary); err != nil {
		return b.fail(collector.AndroidPushFailed, err)
	}
	if _, err := b.bridge.Shell(ctx, serial, "chmod 777 "+remoteBinary); err != nil {
		return b.fail(collector.AndroidPermissionFailed, err)
	}
	if collector.FileExists(b.tools.KeyDB) {
		if err := b.bridge.Push(ctx, serial, b.tools.KeyDB, PayloadDir+"key.db"); err != nil {
			b.logger.Warn("push key.db failed", "err", err)
		}
	}

	command := CaptureCommand(remoteBinary, session.TraceName(), session.Device.SELinuxEnforced)
	workerCtx, cancel := context.WithCancel(context.Background())
	handle, err := b.executor.Launch(workerCtx, b.bridge.ShellSpec(serial, command))
	if err != nil {
		cancel()
		return b.fail(collector.AndroidLaunchFailed, err)
	}
	started := b.recorder.MarkCaptureStart()

	reader := make(chan struct{})
	b.mu.Lock()
	b.capture = handle
	b.captureCtx = cancel
	b.reader = reader
	b.mu.Unlock()

	go func() {
		defer close(reader)
		for line := range handle.Lines() {
			b.logger.Debug("tcpdump", "line", line.Text)
		}
		exit, _ := handle.Wait(context.Background())
		b.logger.Info("emulator capture exited", "code", exit.Code)
	}()
	b.logger.Info("emulator capture launched", "pid", handle.PID(), "started_at", started)
	return collector.Success("")
}

// CaptureCommand is the shell command that runs tcpdump into the remote trace.
func CaptureCommand(binary, traceName string, seLinux bool) string {
	filter := " port not 5555"
	if seLinux {
		filter = ` "tcp port not 5555"`
	}
	return binary + " -w " + remoteTraceDir(traceName) + "/traffic.cap" + filter
}

// launchDevice installs the collector app when missing and starts it.
func (b *Backend) launchDevice(ctx context.Context, session *collector.Session) collector.StatusResult {
	serial := session.Device.Serial
	b.haltRemote(ctx, serial)

	installed, err := b.packageInstalled(ctx, serial)
	if err != nil {
		b.logger.Warn("list packages failed", "err", err)
	}
	if !installed {
		if !collector.FileExists(b.tools.APK) {
			return b.fail(collector.AndroidInstallFailed, fmt.Errorf("collector apk %s not found", b.tools.APK))
		}
		if err := b.bridge.Install(ctx, serial, b.tools.APK); err != nil {
			return b.fail(collector.AndroidInstallFailed, err)
		}
	}

	if _, err := b.bridge.Shell(ctx, serial, "logcat -c"); err != nil {
		b.logger.Warn("clear logcat failed", "err", err)
	}
	command := "am start -n " + splashActivity + " -e ERRORDIALOGID 100 -e TraceFolderName " + session.TraceName()
	lines, err := b.bridge.Shell(ctx, serial, command)
	if err != nil {
		return b.fail(collector.AndroidLaunchFailed, err)
	}
	if !launchSucceeded(lines) {
		return b.fail(collector.AndroidLaunchFailed, fmt.Errorf("collector launch output: %s", strings.Join(lines, " | ")))
	}
	b.recorder.MarkCaptureStart()
	return collector.Success("")
}

func launchSucceeded(lines []string) bool {
	if len(lines) == 0 {
		return false
	}
	for _, line := range lines {
		if strings.Contains(line, "does not exist") || strings.Contains(line, "Error") {
			return false
		}
	}
	return true
}

func (b *Backend) packageInstalled(ctx context.Context, serial string) (bool, error) {
	lines, err := b.bridge.Shell(ctx, serial, "pm list packages")
	if err != nil {
		return false, err
	}
	for _, line := range lines {
		if strings.Contains(line, PackageName) {
			return true, nil
		}
	}
	return false, nil
}

// sendStop asks the emulator capture to finish through the control port.
func (b *Backend) sendStop(ctx context.Context) error {
	conn, err := b.dial(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", ControlPort))
	if err != nil {
		return fmt.Errorf("dial capture control port: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("STOP")); err != nil {
		return fmt.Errorf("send STOP: %w", err)
	}
	return nil
}

// killCapture force-ends the emulator shell worker.
func (b *Backend) killCapture() {
	b.mu.Lock()
	handle := b.capture
	cancel := b.captureCtx
	b.capture = nil
	b.captureCtx = nil
	b.mu.Unlock()
	if handle != nil {
		_ = handle.Kill()
	}
	if cancel != nil {
		cancel()
	}
}

func (b *Backend) startVideo(ctx context.Context, session *collector.Session) {
	writer, err := b.newWriter(ctx, session.Path(video.FileName))
	if err != nil {
		b.logger.Error("open video writer failed", "err", err)
		return
	}
	scratch := filepath.Join(os.TempDir(), "aro-"+session.ID+".png")
	serial := session.Device.Serial
	source := video.SourceFunc(func(ctx context.Context) (image.Image, error) {
		if err := b.bridge.Screenshot(ctx, serial, scratch); err != nil {
			return nil, err
		}
		return video.DecodeFile(scratch)
	})
	worker, err := video.NewWorker(source, writer, video.Config{
		MaxFailures: video.AndroidMaxFailures,
		Recorder:    b.recorder,
		Bus:         b.bus,
		Logger:      b.logger,
		Label:       serial,
	})
	if err != nil {
		_ = writer.Close()
		b.logger.Error("create video worker failed", "err", err)
		return
	}
	worker.Start(context.Background())

	b.mu.Lock()
	b.video = worker
	b.scratch = scratch
	b.mu.Unlock()
}

// waitCaptureExit waits for the emulator reader to observe the shell exit.
func (b *Backend) waitCaptureExit(ctx context.Context, reader <-chan struct{}) error {
	budget := time.Duration(b.retry.TcpdumpExitAttempts) * b.retry.TcpdumpExitInterval
	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case <-reader:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("emulator capture still running after %s", budget)
	}
}

func (b *Backend) deviceOnline(ctx context.Context, serial string) bool {
	devices, err := b.bridge.Devices(ctx)
	if err != nil {
		return false
	}
	_, err = device.Select(devices, serial)
	return err == nil
}

func (b *Backend) publishAlert(serial, message string) {
	b.bus.Publish(events.Event{
		Type:       events.EventTypeCaptureAlert,
		EntityType: "device",
		EntityID:   serial,
		Severity:   events.SeverityWarn,
		Payload:    message,
	})
}
