package android

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/attdevsupport/aro-collector/internal/collector"
	"github.com/attdevsupport/aro-collector/internal/telemetry"
	"github.com/attdevsupport/aro-collector/internal/telemetry/invariants"
	"github.com/attdevsupport/aro-collector/internal/timesync"
	"github.com/cenkalti/backoff/v5"
)

// CaptureFile is the primary packet capture artifact.
const CaptureFile = "traffic.cap"

// MaxOverflowSegments bounds the traffic1..N.cap files a long capture rolls over into.
const MaxOverflowSegments = 49

const markerFile = "alarm_info_start"

// EmulatorFiles are pulled from an emulator trace.
var EmulatorFiles = []string{"cpu", "appid", "appname", "time", "processed_events", CaptureFile}

// DeviceFiles are pulled from a device trace written by the collector app.
var DeviceFiles = []string{
	CaptureFile, "cpu", "cpu_log.txt", "appid", "appname", "time", "processed_events",
	"active_process", "battery_events", "bluetooth_events", "camera_events", "device_details",
	"device_info", "gps_events", "network_details", "prop", "radio_events", "screen_events",
	"screen_rotations", "user_input_log_events", "batteryinfo_dump", "dmesg", timesync.VideoTimeFile,
	"wifi_events", "alarm_info_end", markerFile,
}

var errMarkerMissing = errors.New("alarm_info_start missing or empty")

// Stop implements collector.Controller.
func (b *Backend) Stop(ctx context.Context) collector.StatusResult {
	b.mu.Lock()
	session := b.session
	worker := b.video
	reader := b.reader
	b.mu.Unlock()
	if session == nil {
		return collector.Success(collector.DataNotRunning)
	}

	ctx, span := telemetry.StartCapture(ctx, b.tracer, "stop", session.Capture(platformName))

	logger := b.logger.With("session_id", session.ID, "serial", session.Device.Serial)
	b.running.Store(false)
	if err := b.machine.Transition(ctx, collector.StatusStopping, "stop requested"); err != nil {
		logger.Warn("session transition failed", "err", err)
	}

	result := collector.Failure(collector.AndroidSyncUnavailable, "")
	sequence := collector.StopSequence{
		StopCapture: func(ctx context.Context) error {
			var err error
			if session.Device.IsEmulator {
				err = b.stopEmulatorCapture(ctx)
			} else {
				err = b.stopDeviceCapture(ctx, session)
			}
			b.recorder.MarkCaptureStop()
			return err
		},
		WriteTimeSync: func(context.Context) error {
			if worker == nil {
				return nil
			}
			return b.recorder.WriteVideoTime(session.LocalFolder, session.Device.IsEmulator)
		},
		Collect: func(ctx context.Context) error {
			result = b.collect(ctx, session, worker != nil)
			if !result.Success {
				return result.Error
			}
			return nil
		},
		SessionID: session.ID,
		Logger:    logger,
		Tracer:    b.tracer,
	}
	if worker != nil {
		sequence.SignalVideo = func(context.Context) error {
			worker.Signal()
			return nil
		}
		sequence.JoinVideo = func(ctx context.Context) error {
			joinCtx, cancel := context.WithTimeout(ctx, b.retry.VideoJoinTimeout)
			defer cancel()
			return worker.Join(joinCtx)
		}
	}
	if reader != nil {
		sequence.JoinCapture = func(ctx context.Context) error {
			err := b.waitCaptureExit(ctx, reader)
			b.killCapture()
			return err
		}
	}

	report := sequence.Run(ctx)
	session.StoppedAt = time.Now()

	if err := b.machine.Transition(ctx, collector.StatusStopped, "stopped"); err != nil {
		logger.Warn("session transition failed", "err", err)
	}
	b.mu.Lock()
	scratch := b.scratch
	b.session = nil
	b.video = nil
	b.reader = nil
	b.scratch = ""
	b.mu.Unlock()
	if scratch != "" {
		_ = os.Remove(scratch)
	}

	span.Finish(result.Success, result.Code(), result.String())
	logger.Info("capture stopped", "steps", strings.Join(report.Order(), ","), "success", result.Success)
	return result
}

func (b *Backend) stopEmulatorCapture(ctx context.Context) error {
	if err := b.sendStop(ctx); err != nil {
		b.logger.Warn("control port stop failed, terminating capture shell", "err", err)
		b.mu.Lock()
		handle := b.capture
		b.mu.Unlock()
		if handle == nil {
			return err
		}
		return handle.Stop(ctx, b.retry.TcpdumpExitInterval)
	}
	return nil
}

func (b *Backend) stopDeviceCapture(ctx context.Context, session *collector.Session) error {
	serial := session.Device.Serial
	if !b.captureRunning(ctx, session.Device) {
		return nil
	}
	lines, err := b.bridge.Shell(ctx, serial, "am start -n "+homeActivity+" -e StopCollector yes")
	if err != nil {
		return fmt.Errorf("ask collector to stop: %w", err)
	}
	for _, line := range lines {
		b.logger.Debug("stop collector", "line", line)
	}
	for attempt := 0; attempt < b.retry.DeviceStopAttempts; attempt++ {
		if err := b.sleep(ctx, b.retry.DeviceStopInterval); err != nil {
			return err
		}
		if !b.captureRunning(ctx, session.Device) {
			return nil
		}
	}
	b.publishAlert(serial, "collector did not stop capturing in time")
	return fmt.Errorf("collector still capturing after %d checks", b.retry.DeviceStopAttempts)
}

// collect retrieves the trace into the local folder. With hostVideo the
// video_time written on this host is kept and the device copy is skipped.
func (b *Backend) collect(ctx context.Context, session *collector.Session, hostVideo bool) collector.StatusResult {
	serial := session.Device.Serial
	if !b.deviceOnline(ctx, serial) {
		return collector.Failure(collector.AndroidSyncUnavailable.WithDetail(serial+" is offline"), "")
	}
	remoteDir := remoteTraceDir(session.TraceName())

	files := DeviceFiles
	if session.Device.IsEmulator {
		if err := b.writeDeviceDetails(ctx, session); err != nil {
			b.logger.Warn("write device_details failed", "err", err)
		}
		files = EmulatorFiles
	} else if err := b.pullMarker(ctx, serial, remoteDir, session.LocalFolder); err != nil {
		b.logger.Warn("marker file not retrieved", "file", markerFile, "err", err)
	}

	for _, name := range files {
		if hostVideo && name == timesync.VideoTimeFile {
			continue
		}
		b.pullFile(ctx, serial, remoteDir, session.LocalFolder, name)
	}
	for _, name := range b.overflowSegments(ctx, serial, remoteDir) {
		b.pullFile(ctx, serial, remoteDir, session.LocalFolder, name)
	}

	capture := session.Path(CaptureFile)
	present := collector.FileExists(capture)
	invariants.CheckCaptureCollected(ctx, "android.collect", session.ID, capture, present)
	if !present {
		return collector.Failure(collector.AndroidSyncUnavailable.WithDetail(CaptureFile+" was not retrieved"), "")
	}
	return collector.Success("")
}

func (b *Backend) pullFile(ctx context.Context, serial, remoteDir, localDir, name string) bool {
	if err := b.bridge.Pull(ctx, serial, remoteDir+"/"+name, filepath.Join(localDir, name)); err != nil {
		b.logger.Info("file not retrieved", "file", name, "err", err)
		return false
	}
	return true
}

// pullMarker pulls the last file the collector app writes until it arrives
// non-empty.
func (b *Backend) pullMarker(ctx context.Context, serial, remoteDir, localDir string) error {
	local := filepath.Join(localDir, markerFile)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		_ = b.bridge.Pull(ctx, serial, remoteDir+"/"+markerFile, local)
		if info, statErr := os.Stat(local); statErr == nil && info.Size() > 0 {
			return struct{}{}, nil
		}
		return struct{}{}, errMarkerMissing
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(b.retry.MarkerPullInterval)),
		backoff.WithMaxTries(uint(b.retry.MarkerPullAttempts)),
	)
	return err
}

// overflowSegments lists the traffic1..49.cap files present in remoteDir.
func (b *Backend) overflowSegments(ctx context.Context, serial, remoteDir string) []string {
	lines, err := b.bridge.Shell(ctx, serial, "ls "+remoteDir)
	if err != nil {
		b.logger.Debug("list remote trace failed", "err", err)
		return nil
	}
	var out []string
	for _, line := range lines {
		for _, name := range strings.Fields(line) {
			if IsOverflowSegment(name) {
				out = append(out, name)
			}
		}
	}
	return out
}

// IsOverflowSegment reports whether name is traffic<N>.cap with 1 <= N <= 49.
func IsOverflowSegment(name string) bool {
	if !strings.HasPrefix(name, "traffic") || !strings.HasSuffix(name, ".cap") {
		return false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, "traffic"), ".cap")
	if digits == "" || strings.HasPrefix(digits, "0") {
		return false
	}
	n, err := strconv.Atoi(digits)
	return err == nil && n >= 1 && n <= MaxOverflowSegments
}

// writeDeviceDetails writes the emulator description the app writes on devices.
func (b *Backend) writeDeviceDetails(ctx context.Context, session *collector.Session) error {
	serial := session.Device.Serial
	manufacturer, _ := b.bridge.Property(ctx, serial, "ro.product.manufacturer")
	release, _ := b.bridge.Property(ctx, serial, "ro.build.version.release")
	networkType, _ := b.bridge.Property(ctx, serial, "gsm.network.type")
	return os.WriteFile(session.Path("device_details"), []byte(DeviceDetails(manufacturer, release, networkType)), 0o644)
}

// DeviceDetails renders the emulator device_details file.
func DeviceDetails(manufacturer, release, networkType string) string {
	network := -1
	if strings.EqualFold(strings.TrimSpace(networkType), "UMTS") {
		network = 3
	}
	lines := []string{PackageName, "emulator", manufacturer, "android", release, "", strconv.Itoa(network)}
	return strings.Join(lines, "\n") + "\n"
}
