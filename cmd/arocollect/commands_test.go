package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/attdevsupport/aro-collector/internal/collector"
	"github.com/attdevsupport/aro-collector/internal/device"
	"github.com/attdevsupport/aro-collector/internal/events"
	"github.com/attdevsupport/aro-collector/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	mu sync.Mutex

	startResults []collector.StatusResult
	stopResult   collector.StatusResult
	haltResult   collector.StatusResult
	logLines     []string
	running      bool

	starts   []collector.StartOptions
	stops    int
	halts    int
	attached []string
}

func (f *fakeController) Name() string { return string(collector.BackendRootedAndroid) }

func (f *fakeController) Start(_ context.Context, opts collector.StartOptions) collector.StatusResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, opts)
	if len(f.startResults) == 0 {
		f.running = true
		return collector.Success("")
	}
	result := f.startResults[0]
	f.startResults = f.startResults[1:]
	f.running = result.Success && !result.NeedsPassword()
	return result
}

func (f *fakeController) Stop(context.Context) collector.StatusResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
	return f.stopResult
}

func (f *fakeController) HaltInDevice(context.Context) collector.StatusResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halts++
	return f.haltResult
}

func (f *fakeController) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeController) Log(context.Context) []string { return f.logLines }

func (f *fakeController) Password() string { return "" }

func (f *fakeController) SetPassword(context.Context, string) bool { return true }

func (f *fakeController) Status() collector.Status { return collector.StatusReady }

func (f *fakeController) Attach(serial string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, serial)
	return nil
}

type testHarness struct {
	app        *app
	store      *session.Store
	controller *fakeController
	alive      map[int]bool
	signals    []int
	released   int
}

func newTestApp(t *testing.T) *testHarness {
	t.Helper()

	store, err := session.NewStore(t.TempDir())
	require.NoError(t, err)

	h := &testHarness{
		store:      store,
		controller: &fakeController{stopResult: collector.Success("trace collected")},
		alive:      map[int]bool{},
	}
	h.app = newApp(testConfig(), testLogger())
	h.app.in = strings.NewReader("")
	h.app.pollInterval = 5 * time.Millisecond
	h.app.now = func() time.Time { return time.Date(2026, 2, 11, 10, 1, 30, 0, time.UTC) }
	h.app.openStore = func() (*session.Store, error) { return store, nil }
	h.app.alive = func(pid int) bool { return h.alive[pid] }
	h.app.signal = func(pid int, _ syscall.Signal) error {
		h.signals = append(h.signals, pid)
		return store.Delete()
	}
	h.app.newController = func(context.Context, string, events.Bus) (collector.Controller, func(), error) {
		return h.controller, func() { h.released++ }, nil
	}
	h.app.listDevices = func(_ context.Context, platform string) ([]device.Info, error) {
		if platform == platformIOS {
			return nil, errors.New("idevice_id not found")
		}
		return []device.Info{
			{Serial: "offline-1", State: "offline"},
			{Serial: "emulator-5554", State: "device", Model: "sdk_gphone64"},
		}, nil
	}
	return h
}

func (h *testHarness) execute(args ...string) (string, string, error) {
	cmd := newRootCommand(h.app)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestStartCapturesUntilDurationThenCollects(t *testing.T) {
	t.Parallel()

	h := newTestApp(t)
	folder := filepath.Join(t.TempDir(), "trace")

	out, _, err := h.execute("start", "--folder", folder, "--device", "emulator-5554", "--video", "--duration", "30ms")
	require.NoError(t, err)

	require.Len(t, h.controller.starts, 1)
	opts := h.controller.starts[0]
	assert.True(t, opts.CommandLine)
	assert.Equal(t, folder, opts.Folder)
	assert.Equal(t, "emulator-5554", opts.DeviceID)
	assert.True(t, opts.CaptureVideo)
	assert.Equal(t, 1, h.controller.stops)
	assert.Equal(t, 1, h.released)
	assert.Contains(t, out, "start")
	assert.Contains(t, out, "trace collected")

	_, err = h.store.Load()
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestStartReturnsWhenCaptureEndsOnItsOwn(t *testing.T) {
	t.Parallel()

	h := newTestApp(t)
	h.controller.startResults = []collector.StatusResult{collector.Success("")}
	go func() {
		for {
			time.Sleep(5 * time.Millisecond)
			h.controller.mu.Lock()
			started := len(h.controller.starts) > 0
			if started {
				h.controller.running = false
			}
			h.controller.mu.Unlock()
			if started {
				return
			}
		}
	}()

	_, _, err := h.execute("start", "--folder", filepath.Join(t.TempDir(), "trace"))
	require.NoError(t, err)
	assert.Equal(t, 1, h.controller.stops)
}

func TestStartFailureDiscardsRecord(t *testing.T) {
	t.Parallel()

	h := newTestApp(t)
	h.controller.startResults = []collector.StatusResult{collector.Failure(collector.AndroidNoDevice, "")}

	out, _, err := h.execute("start", "--folder", filepath.Join(t.TempDir(), "trace"))
	require.ErrorIs(t, err, errCaptureFailed)
	assert.Contains(t, out, "203 no-device")
	assert.Zero(t, h.controller.stops)

	_, err = h.store.Load()
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestStartPromptsForPasswordUntilAccepted(t *testing.T) {
	t.Parallel()

	h := newTestApp(t)
	h.app.in = strings.NewReader("wrong\ns3cret\n")
	h.controller.startResults = []collector.StatusResult{
		collector.RequestPassword(),
		collector.RequestPassword(),
		collector.Success(""),
	}

	_, stderr, err := h.execute("start", "-p", "ios", "--folder", filepath.Join(t.TempDir(), "trace"), "--duration", "10ms")
	require.NoError(t, err)

	require.Len(t, h.controller.starts, 3)
	assert.Empty(t, h.controller.starts[0].Password)
	assert.Equal(t, "wrong", h.controller.starts[1].Password)
	assert.Equal(t, "s3cret", h.controller.starts[2].Password)
	assert.Equal(t, 2, strings.Count(stderr, "sudo password: "))
	assert.Equal(t, 1, strings.Count(stderr, "sudo password rejected"))
}

func TestStartGivesUpAfterPasswordAttempts(t *testing.T) {
	t.Parallel()

	h := newTestApp(t)
	h.app.in = strings.NewReader("a\nb\nc\n")
	for i := 0; i <= passwordAttempts; i++ {
		h.controller.startResults = append(h.controller.startResults, collector.RequestPassword())
	}

	_, _, err := h.execute("start", "-p", "ios", "--folder", filepath.Join(t.TempDir(), "trace"))
	require.ErrorIs(t, err, errCaptureFailed)
	assert.Contains(t, err.Error(), "sudo password not accepted")
	assert.Len(t, h.controller.starts, passwordAttempts+1)
	assert.Zero(t, h.controller.stops)

	_, err = h.store.Load()
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestStartReadsPasswordFromStdin(t *testing.T) {
	t.Parallel()

	h := newTestApp(t)
	h.app.in = strings.NewReader("hunter2\n")

	_, _, err := h.execute("start", "-p", "ios", "--folder", filepath.Join(t.TempDir(), "trace"), "--password-stdin", "--duration", "10ms")
	require.NoError(t, err)
	require.Len(t, h.controller.starts, 1)
	assert.Equal(t, "hunter2", h.controller.starts[0].Password)
}

func TestStartRefusesWhileAnotherCaptureIsLive(t *testing.T) {
	t.Parallel()

	h := newTestApp(t)
	require.NoError(t, h.store.Save(&session.Record{ID: "s-1", PID: 4242, Status: "STARTED"}))
	h.alive[4242] = true

	_, _, err := h.execute("start", "--folder", filepath.Join(t.TempDir(), "trace"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running in pid 4242")
	assert.Empty(t, h.controller.starts)
}

func TestStartRejectsUnknownPlatform(t *testing.T) {
	t.Parallel()

	h := newTestApp(t)
	_, _, err := h.execute("start", "-p", "windows", "--folder", filepath.Join(t.TempDir(), "trace"))
	require.Error(t, err)
	assert.Empty(t, h.controller.starts)
}

func TestStopWithoutSessionReportsNotRunning(t *testing.T) {
	t.Parallel()

	h := newTestApp(t)
	out, _, err := h.execute("stop")
	require.NoError(t, err)
	assert.Contains(t, out, collector.DataNotRunning)
	assert.Empty(t, h.signals)
}

func TestStopRemovesStaleRecord(t *testing.T) {
	t.Parallel()

	h := newTestApp(t)
	require.NoError(t, h.store.Save(&session.Record{ID: "s-1", PID: 4242, Status: "STARTED"}))

	out, _, err := h.execute("stop")
	require.NoError(t, err)
	assert.Contains(t, out, collector.DataNotRunning)
	assert.Empty(t, h.signals)

	_, err = h.store.Load()
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestStopSignalsCaptureAndWaitsForRecordRemoval(t *testing.T) {
	t.Parallel()

	h := newTestApp(t)
	require.NoError(t, h.store.Save(&session.Record{ID: "s-1", PID: 4242, Folder: "/traces/run-1", Status: "STARTED"}))
	h.alive[4242] = true

	out, _, err := h.execute("stop", "--timeout", "2s")
	require.NoError(t, err)
	assert.Equal(t, []int{4242}, h.signals)
	assert.Contains(t, out, "/traces/run-1")
}

func TestStopTimesOutWhenRecordRemains(t *testing.T) {
	t.Parallel()

	h := newTestApp(t)
	require.NoError(t, h.store.Save(&session.Record{ID: "s-1", PID: 4242, Status: "STOPPING"}))
	h.alive[4242] = true
	h.app.signal = func(pid int, _ syscall.Signal) error {
		h.signals = append(h.signals, pid)
		return nil
	}

	_, _, err := h.execute("stop", "--timeout", "50ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not finish")
}

func TestStatusRendersLiveRecord(t *testing.T) {
	t.Parallel()

	h := newTestApp(t)
	require.NoError(t, h.store.Save(&session.Record{
		ID:        "s-1",
		PID:       4242,
		Backend:   string(collector.BackendEmulator),
		Device:    "emulator-5554",
		Status:    "STARTED",
		StartedAt: time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC),
	}))
	h.alive[4242] = true

	out, _, err := h.execute("status")
	require.NoError(t, err)
	assert.Contains(t, out, "CAPTURING")
	assert.Contains(t, out, "emulator-5554")
	assert.Contains(t, out, "1m30s")
}

func TestStatusIgnoresDeadRecord(t *testing.T) {
	t.Parallel()

	h := newTestApp(t)
	require.NoError(t, h.store.Save(&session.Record{ID: "s-1", PID: 4242, Status: "STARTED"}))

	out, _, err := h.execute("status")
	require.NoError(t, err)
	assert.Contains(t, out, "NO SESSION")
}

func TestDevicesListsEveryPlatformAndReportsFailures(t *testing.T) {
	t.Parallel()

	h := newTestApp(t)
	out, _, err := h.execute("devices")
	require.NoError(t, err)
	assert.Contains(t, out, "emulator-5554")
	assert.Contains(t, out, "offline-1")
	assert.Contains(t, out, "idevice_id not found")

	out, _, err = h.execute("devices", "-p", "android")
	require.NoError(t, err)
	assert.NotContains(t, out, "idevice_id")
}

func TestLogAttachesFirstOnlineDevice(t *testing.T) {
	t.Parallel()

	h := newTestApp(t)
	h.controller.logLines = []string{"I/aro: capture ready", "I/aro: capture stopped"}

	out, _, err := h.execute("log")
	require.NoError(t, err)
	assert.Equal(t, []string{"emulator-5554"}, h.controller.attached)
	assert.Contains(t, out, "capture ready")
	assert.Equal(t, 1, h.released)
}

func TestHaltRefusesWhileCaptureIsLive(t *testing.T) {
	t.Parallel()

	h := newTestApp(t)
	require.NoError(t, h.store.Save(&session.Record{ID: "s-1", PID: 4242, Status: "STARTED"}))
	h.alive[4242] = true

	_, _, err := h.execute("halt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "use stop")
	assert.Zero(t, h.controller.halts)
}

func TestHaltForceStopsIdleDevice(t *testing.T) {
	t.Parallel()

	h := newTestApp(t)
	h.controller.haltResult = collector.Success("")

	out, _, err := h.execute("halt", "--device", "emulator-5554")
	require.NoError(t, err)
	assert.Equal(t, 1, h.controller.halts)
	assert.Equal(t, []string{"emulator-5554"}, h.controller.attached)
	assert.Contains(t, out, "halt")
}

func TestCodesListsPlatformRegistry(t *testing.T) {
	t.Parallel()

	h := newTestApp(t)
	out, _, err := h.execute("codes", "-p", "ios", "--plain")
	require.NoError(t, err)
	assert.Contains(t, out, "iOS capture error codes")
	assert.Contains(t, out, "invalid-sudo-password")
	assert.NotContains(t, out, "adb-bridge-failed")
}

func TestDoctorRemovesRecordOfExitedCapture(t *testing.T) {
	t.Parallel()

	h := newTestApp(t)
	require.NoError(t, h.store.Save(&session.Record{ID: "s-1", PID: 4242, Status: "STARTED"}))

	out, _, err := h.execute("doctor")
	require.NoError(t, err)
	assert.Contains(t, out, "s-1")
	assert.Contains(t, out, "1 record removed")
	assert.Contains(t, out, "adb")

	_, err = h.store.Load()
	assert.ErrorIs(t, err, session.ErrNoSession)
}
