package ios

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/attdevsupport/aro-collector/internal/collector"
	"github.com/attdevsupport/aro-collector/internal/config"
	"github.com/attdevsupport/aro-collector/internal/events"
	"github.com/attdevsupport/aro-collector/internal/pcap"
	"github.com/attdevsupport/aro-collector/internal/process"
	"github.com/attdevsupport/aro-collector/internal/process/processtest"
	"github.com/attdevsupport/aro-collector/internal/timesync"
	"github.com/attdevsupport/aro-collector/internal/toolchain"
	"github.com/attdevsupport/aro-collector/internal/video"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/image/tiff"
)

const (
	testUDID     = "00008030-001A2B3C4D5E"
	testPassword = "hunter2"
	tcpdumpPID   = 4312
)

func TestParseDeviceInfo(t *testing.T) {
	t.Parallel()

	info := ParseDeviceInfo("DeviceName: Test Phone\r\nProductType: iPhone6,1\nProductVersion: 12.4.1\nnot a pair\nWiFiAddress: aa:bb:cc\n")
	assert.Equal(t, "12.4.1", info.ProductVersion())
	assert.Equal(t, "iPhone6,1", info["ProductType"])
	assert.Equal(t, "aa", info["WiFiAddress"], "values stop at the next colon")
	_, ok := info["not a pair"]
	assert.False(t, ok)

	major, err := info.MajorVersion()
	require.NoError(t, err)
	assert.Equal(t, 12, major)

	for _, version := range []string{"", "beta", "x.1"} {
		_, err := DeviceInfo{"ProductVersion": version}.MajorVersion()
		assert.ErrorIs(t, err, ErrVersionUnreadable, version)
	}
}

func TestScreenResolutionFallsBackByProductType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		info  DeviceInfo
		want  string
		exact bool
	}{
		{info: DeviceInfo{"ScreenResolution": "750*1334"}, want: "750*1334", exact: true},
		{info: DeviceInfo{"ProductType": "iPhone5,2"}, want: "640*1136", exact: true},
		{info: DeviceInfo{"ProductType": "iPhone4,1"}, want: "640*960", exact: true},
		{info: DeviceInfo{"ProductType": "iPad2,5"}, want: "768*1024", exact: true},
		{info: DeviceInfo{"ProductType": "iPad3,4"}, want: "1536*2048", exact: true},
		{info: DeviceInfo{"ProductType": "iPhone12,1"}, want: "640*960", exact: false},
	}
	for _, tt := range tests {
		got, exact := tt.info.ScreenResolution()
		if got != tt.want || exact != tt.exact {
			t.Fatalf("ScreenResolution(%v) = %q, %t; want %q, %t", tt.info, got, exact, tt.want, tt.exact)
		}
	}
}

func TestDetails(t *testing.T) {
	t.Parallel()

	info := DeviceInfo{"ProductType": "iPhone6,1", "ProductVersion": "12.4"}
	assert.Equal(t, "ARO Analyzer/IOS\niPhone6,1\nApple\nIOS\n12.4\n5.0\n0\n640*1136\n", info.Details("5.0"))
	assert.Equal(t, "ARO Analyzer/IOS\nUnknown\nApple\nIOS\nUnknown\n5.0\n0\n640*960\n", DeviceInfo{}.Details("5.0"))
}

func TestOutputParsers(t *testing.T) {
	t.Parallel()

	assert.True(t, PasswordAccepted("root ALL=(ALL) ALL\n"))
	assert.False(t, PasswordAccepted(" \n"))
	assert.False(t, PasswordAccepted("x"))
	assert.False(t, PasswordAccepted("Sorry, try again.\nsudo: 3 incorrect password attempts"))

	count, ok := ParsePacketsCaptured("1532 packets captured")
	assert.True(t, ok)
	assert.Equal(t, 1532, count)
	_, ok = ParsePacketsCaptured("1600 packets received by filter")
	assert.False(t, ok)
	_, ok = ParsePacketsCaptured("many packets captured")
	assert.False(t, ok)

	ps := strings.Join([]string{
		"  PID   TT  STAT      TIME COMMAND",
		" 4311 s001  S+     0:00.02 sudo -S tcpdump -i rvi0 -s 0 -w /t/traffic.pcap",
		" 4312 s001  S+     0:00.40 tcpdump -i rvi0 -s 0 -w /t/traffic.pcap",
		" 4312 s001  S+     0:00.40 tcpdump -i rvi0 -s 0 -w /t/traffic.pcap",
		" 4400 s002  S+     0:00.00 grep /t/traffic.pcap",
		" 4500 s003  S      0:00.00 tcpdump -w /other/traffic.pcap",
	}, "\n")
	assert.Equal(t, []int{4312}, CapturePIDs(ps, "/t/traffic.pcap"))
	assert.Empty(t, CapturePIDs("", "/t/traffic.pcap"))

	assert.Equal(t, "rvi0", InterfaceName("Starting device "+testUDID+" [SUCCEEDED] with interface rvi0"))
	assert.Equal(t, "", InterfaceName("Starting device [SUCCEEDED]"))
}

func TestStartPreconditions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		setup    func(t *testing.T, f *fixture)
		password string
		code     int
	}{
		{
			name: "folder not empty",
			setup: func(t *testing.T, f *fixture) {
				require.NoError(t, os.MkdirAll(f.folder, 0o755))
				require.NoError(t, os.WriteFile(filepath.Join(f.folder, "old"), nil, 0o644))
			},
			password: testPassword,
			code:     501,
		},
		{
			name:     "rvictl missing",
			setup:    func(_ *testing.T, f *fixture) { f.toolchain.err = toolchain.ErrRvictlMissing },
			password: testPassword,
			code:     505,
		},
		{
			name: "xcode too old",
			setup: func(_ *testing.T, f *fixture) {
				f.toolchain.err = fmt.Errorf("%w: found Xcode 4", toolchain.ErrXcodeUnsupported)
			},
			password: testPassword,
			code:     506,
		},
		{
			name: "udid unreadable",
			setup: func(_ *testing.T, f *fixture) {
				f.executor.On("idevice_id -l", "", errors.New("exit status 1"))
			},
			password: testPassword,
			code:     507,
		},
		{
			name:     "no device",
			setup:    func(_ *testing.T, f *fixture) { f.executor.On("idevice_id -l", "\n", nil) },
			password: testPassword,
			code:     502,
		},
		{
			name: "device info fails",
			setup: func(_ *testing.T, f *fixture) {
				f.executor.On("ideviceinfo -u "+testUDID, "", errors.New("lockdownd error"))
			},
			password: testPassword,
			code:     509,
		},
		{
			name: "version unreadable",
			setup: func(_ *testing.T, f *fixture) {
				f.executor.On("ideviceinfo -u "+testUDID, "ProductVersion: beta\n", nil)
			},
			password: testPassword,
			code:     510,
		},
		{
			name: "version unsupported",
			setup: func(_ *testing.T, f *fixture) {
				f.executor.On("ideviceinfo -u "+testUDID, "ProductVersion: 4.3.5\n", nil)
			},
			password: testPassword,
			code:     511,
		},
		{
			name: "rvi never binds",
			setup: func(_ *testing.T, f *fixture) {
				f.executor.On("rvictl -s "+testUDID, "Starting device "+testUDID+" [FAILED]", nil)
			},
			password: testPassword,
			code:     512,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			tt.setup(t, f)

			result := f.backend.Start(context.Background(), collector.StartOptions{Folder: f.folder, Password: tt.password})
			require.False(t, result.Success)
			assert.Equal(t, tt.code, result.Code())
			assert.False(t, f.backend.IsRunning())
			assert.False(t, f.backend.Status().Active())
			assert.False(t, f.executor.Called("tcpdump -i"), "tcpdump never launches")
		})
	}
}

func TestStartRequestsPasswordWithoutError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.executor.On("sudo -k -S cat /etc/sudoers", "Sorry, try again.\nsudo: 1 incorrect password attempt", errors.New("exit status 1"))
	f.executor.On("sudo -k -S cat /etc/sudoers", "root ALL=(ALL) ALL\n", nil)

	for _, password := range []string{"", "wrong"} {
		result := f.backend.Start(context.Background(), collector.StartOptions{Folder: f.folder, Password: password})
		require.True(t, result.Success, "password %q: %s", password, result.String())
		assert.Nil(t, result.Error, "password %q", password)
		assert.Equal(t, collector.DataRequestPassword, result.Data)
		assert.True(t, result.NeedsPassword())
		assert.False(t, f.backend.IsRunning())
		assert.False(t, f.backend.Status().Active())
		assert.Equal(t, "", f.backend.Password(), "rejected passwords are not kept")
		assert.NoFileExists(t, filepath.Join(f.folder, DeviceDetailsFile))
	}
	assert.False(t, f.executor.Called("tcpdump -i"), "tcpdump never launches")

	result := f.backend.Start(context.Background(), collector.StartOptions{Folder: f.folder, Password: testPassword})
	require.True(t, result.Success, result.String())
	assert.False(t, result.NeedsPassword())
	assert.True(t, f.backend.IsRunning())
	require.True(t, f.backend.Stop(context.Background()).Success)
}

func TestPasswordRequestSpanIsNotAnError(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	f := newFixture(t)
	f.backend.tracer = provider.Tracer("test")
	f.hidePIDs.Store(true)

	require.True(t, f.backend.Start(context.Background(), collector.StartOptions{Folder: f.folder}).NeedsPassword())
	assert.Equal(t, 513, f.backend.Start(context.Background(), collector.StartOptions{Folder: f.folder, Password: testPassword}).Code())

	var starts []sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		if span.Name() == "ios.start" {
			starts = append(starts, span)
		}
	}
	require.Len(t, starts, 2)
	assert.Equal(t, codes.Ok, starts[0].Status().Code)
	require.NotEmpty(t, starts[0].Events())
	assert.Equal(t, "password requested", starts[0].Events()[0].Name)

	assert.Equal(t, codes.Error, starts[1].Status().Code)
	var code int64
	for _, kv := range starts[1].Attributes() {
		if kv.Key == "aro.error_code" {
			code = kv.Value.AsInt64()
		}
	}
	assert.Equal(t, int64(513), code)
}

func TestRVIRetriesBeforeGivingUp(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.executor.On("rvictl -s "+testUDID, "", errors.New("exit status 1"))

	result := f.backend.Start(context.Background(), collector.StartOptions{Folder: f.folder, Password: testPassword})
	assert.Equal(t, 512, result.Code())

	connects := 0
	for _, command := range f.executor.Commands() {
		if command == "rvictl -s "+testUDID {
			connects++
		}
	}
	assert.Equal(t, 3, connects)
}

func TestStartAndStopProducesTrace(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	packets := make(chan PacketsCaptured, 1)
	f.bus.Subscribe(events.EventTypePacketsCaptured, func(event events.Event) {
		if payload, ok := event.Payload.(PacketsCaptured); ok {
			packets <- payload
		}
	})

	result := f.backend.Start(context.Background(), collector.StartOptions{Folder: f.folder, Password: testPassword})
	require.True(t, result.Success, result.String())
	assert.True(t, f.backend.IsRunning())
	assert.Equal(t, collector.StatusStarted, f.backend.Status())
	assert.Equal(t, 1, f.monitor.starts())

	again := f.backend.Start(context.Background(), collector.StartOptions{Folder: f.folder, Password: testPassword})
	assert.True(t, again.Success)

	launch := f.executor.Calls()[f.executor.Index("sudo -S tcpdump")]
	assert.True(t, launch.Launch)
	assert.Equal(t, []string{"-S", "tcpdump", "-i", "rvi0", "-s", "0", "-w", f.capturePath()}, launch.Spec.Args)
	assert.Equal(t, testPassword+"\n", launch.Spec.Stdin)
	assert.True(t, f.executor.Called("sudo -S launchctl load -w "+rpmuxdPlist))
	assert.FileExists(t, filepath.Join(f.folder, DeviceDetailsFile))

	stopped := f.backend.Stop(context.Background())
	require.True(t, stopped.Success, stopped.String())
	assert.False(t, f.backend.IsRunning())
	assert.Equal(t, collector.StatusStopped, f.backend.Status())
	assert.Equal(t, 1, f.monitor.stops())

	killIndex := f.executor.Index(fmt.Sprintf("sudo -S kill -SIGINT %d", tcpdumpPID))
	require.GreaterOrEqual(t, killIndex, 0)
	lastDisconnect := -1
	for i, command := range f.executor.Commands() {
		if command == "rvictl -x "+testUDID {
			lastDisconnect = i
		}
	}
	assert.Greater(t, lastDisconnect, killIndex, "the interface is torn down after tcpdump stops")

	body, err := os.ReadFile(filepath.Join(f.folder, timesync.TimeFile))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(body), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Synchronized timestamps", lines[0])
	assert.Equal(t, "0", lines[2])
	assert.NoFileExists(t, filepath.Join(f.folder, timesync.VideoTimeFile))

	select {
	case payload := <-packets:
		assert.Equal(t, 12, payload.Count)
		assert.Equal(t, f.capturePath(), payload.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("no PacketsCaptured event")
	}

	assert.Equal(t, collector.DataNotRunning, f.backend.Stop(context.Background()).Data)
}

func TestStopFailsWhenCaptureMissing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.writeCapture.Store(false)

	require.True(t, f.backend.Start(context.Background(), collector.StartOptions{Folder: f.folder, Password: testPassword}).Success)
	result := f.backend.Stop(context.Background())

	assert.False(t, result.Success)
	assert.Equal(t, 514, result.Code())
	assert.True(t, result.Is(collector.IOSCaptureMissing))
	assert.Contains(t, result.Error.Description, CaptureFile)
	assert.FileExists(t, filepath.Join(f.folder, timesync.TimeFile), "time is written even without a capture")
}

func TestStartFailsWhenTcpdumpExits(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.hidePIDs.Store(true)
	f.exitOnLaunch.Store(true)

	result := f.backend.Start(context.Background(), collector.StartOptions{Folder: f.folder, Password: testPassword})
	assert.Equal(t, 513, result.Code())
	assert.False(t, f.backend.IsRunning())
	assert.Equal(t, collector.StatusStopped, f.backend.Status())
	assert.True(t, f.executor.Called("rvictl -x "+testUDID))
}

func TestStartTimesOutWhenTcpdumpStaysSilent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.hidePIDs.Store(true)

	result := f.backend.Start(context.Background(), collector.StartOptions{Folder: f.folder, Password: testPassword})
	assert.Equal(t, 513, result.Code())
	assert.False(t, f.backend.IsRunning())
	assert.Equal(t, collector.StatusStopped, f.backend.Status())
	assert.True(t, f.executor.Called("rvictl -x "+testUDID))

	handle := f.tcpdumpHandle()
	require.NotNil(t, handle)
	select {
	case <-handle.Done():
	default:
		t.Fatal("tcpdump left running after the readiness budget")
	}
	assert.Equal(t, collector.DataNotRunning, f.backend.Stop(context.Background()).Data)
}

func TestStartConfirmedByCaptureFileGrowth(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.hidePIDs.Store(true)
	f.executor.LaunchFunc = func(spec process.Spec) (process.Handle, error) {
		if spec.Label == "tcpdump" {
			assembler, err := pcap.Create(f.capturePath())
			if err != nil {
				return nil, err
			}
			if _, err := assembler.WriteFrame(make([]byte, 60), 0); err != nil {
				return nil, err
			}
			if err := assembler.Close(); err != nil {
				return nil, err
			}
		}
		return f.launch(spec)
	}

	result := f.backend.Start(context.Background(), collector.StartOptions{Folder: f.folder, Password: testPassword})
	require.True(t, result.Success, result.String())
	assert.True(t, f.backend.IsRunning())

	stopped := f.backend.Stop(context.Background())
	require.True(t, stopped.Success, stopped.String())
	assert.False(t, f.executor.Called("kill -SIGINT"), "without a pid the sudo shell is stopped instead")
}

func TestVideoCaptureWritesVideoTime(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	writer := &countingWriter{}
	f.backend.newWriter = func(context.Context, string) (video.FrameWriter, error) { return writer, nil }

	result := f.backend.Start(context.Background(), collector.StartOptions{Folder: f.folder, Password: testPassword, CaptureVideo: true})
	require.True(t, result.Success, result.String())
	require.Eventually(t, func() bool { return writer.count() > 0 }, 3*time.Second, 10*time.Millisecond)

	stopped := f.backend.Stop(context.Background())
	require.True(t, stopped.Success, stopped.String())
	assert.True(t, writer.isClosed())

	shots := f.screenshotHandle()
	require.NotNil(t, shots)
	assert.Contains(t, shots.Writes(), "exit\r\n")
	assert.NoDirExists(t, filepath.Join(f.folder, ScratchDir))

	body, err := os.ReadFile(filepath.Join(f.folder, timesync.VideoTimeFile))
	require.NoError(t, err)
	assert.Len(t, strings.Fields(string(body)), 2)
}

func TestDeviceDetachStopsCapture(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.True(t, f.backend.Start(context.Background(), collector.StartOptions{Folder: f.folder, Password: testPassword}).Success)

	f.bus.Publish(events.Event{Type: events.EventTypeDeviceDetached, EntityType: "device", EntityID: "someone-else"})
	time.Sleep(50 * time.Millisecond)
	assert.True(t, f.backend.IsRunning(), "other devices are ignored")

	f.bus.Publish(events.Event{Type: events.EventTypeDeviceDetached, EntityType: "device", EntityID: testUDID})
	require.Eventually(t, func() bool {
		return f.backend.Status() == collector.StatusStopped
	}, 3*time.Second, 10*time.Millisecond)
	assert.False(t, f.backend.IsRunning())
	assert.FileExists(t, f.capturePath())
}

func TestPasswordHandling(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.executor.On("sudo -k -S cat /etc/sudoers", "sudo: 1 incorrect password attempt", errors.New("exit status 1"))
	f.executor.On("sudo -k -S cat /etc/sudoers", "root ALL=(ALL) ALL", nil)

	assert.False(t, f.backend.SetPassword(context.Background(), "wrong"))
	assert.Equal(t, "", f.backend.Password())
	assert.True(t, f.backend.SetPassword(context.Background(), testPassword))
	assert.Equal(t, testPassword, f.backend.Password())
	assert.False(t, f.backend.SetPassword(context.Background(), ""), "empty passwords never reach sudo")

	assert.Nil(t, f.backend.Log(context.Background()))
	assert.Equal(t, "ios", f.backend.Name())
	assert.Equal(t, collector.DataNotRunning, f.backend.HaltInDevice(context.Background()).Data)
}

type fixture struct {
	executor     *processtest.Executor
	backend      *Backend
	bus          *events.InMemoryBus
	toolchain    *fakeToolchain
	monitor      *fakeMonitor
	folder       string
	writeCapture atomic.Bool
	exitOnLaunch atomic.Bool
	hidePIDs     atomic.Bool
	// defaults answer commands the test did not script with executor.On.
	defaults map[string]string

	mu      sync.Mutex
	tcpdump *processtest.Handle
	shots   *processtest.Handle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		executor:  processtest.NewExecutor(),
		bus:       events.New(),
		toolchain: &fakeToolchain{},
		monitor:   &fakeMonitor{},
		folder:    filepath.Join(t.TempDir(), "trace-ios"),
	}
	f.writeCapture.Store(true)

	f.defaults = map[string]string{
		"idevice_id -l":               testUDID + "\n",
		"ideviceinfo -u " + testUDID:  "ProductType: iPhone6,1\nProductVersion: 12.4.1\n",
		"sudo -k -S cat /etc/sudoers": "root ALL=(ALL) ALL\n",
		"rvictl -l":                   "Could not get list of devices",
		"rvictl -s " + testUDID:       "Starting device " + testUDID + " [SUCCEEDED] with interface rvi0",
	}
	f.executor.Fallback = f.fallback
	f.executor.LaunchFunc = f.launch

	retry := config.Defaults().Retry
	retry.RVIAttempts = 3
	retry.RVIInterval = time.Millisecond
	retry.PIDLookupAttempts = 3
	retry.TcpdumpExitAttempts = 100
	retry.TcpdumpExitInterval = 10 * time.Millisecond
	retry.ScreenshotReadyAttempts = 50
	retry.ScreenshotReadyInterval = 10 * time.Millisecond

	backend, err := New(Options{
		Executor:  f.executor,
		Retry:     retry,
		Bus:       f.bus,
		Toolchain: f.toolchain,
		Monitor:   f.monitor,
		Sleep:     func(context.Context, time.Duration) error { return nil },
	})
	require.NoError(t, err)
	t.Cleanup(backend.Close)
	f.backend = backend
	return f
}

func (f *fixture) capturePath() string {
	return filepath.Join(f.folder, CaptureFile)
}

func (f *fixture) tcpdumpHandle() *processtest.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tcpdump
}

func (f *fixture) screenshotHandle() *processtest.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shots
}

// fallback answers the SIGINT by ending tcpdump the way it does on a host:
// the summary line, a finished capture file, then exit.
func (f *fixture) fallback(spec process.Spec) (string, error) {
	command := process.FormatCommand(spec.Name, spec.Args...)
	switch command {
	case "ps ax":
		if f.hidePIDs.Load() {
			return "", nil
		}
		return fmt.Sprintf(" 4311 s001 S+ 0:00.02 sudo -S tcpdump -i rvi0 -s 0 -w %s\n %d s001 S+ 0:00.40 tcpdump -i rvi0 -s 0 -w %s\n",
			f.capturePath(), tcpdumpPID, f.capturePath()), nil
	case fmt.Sprintf("sudo -S kill -SIGINT %d", tcpdumpPID):
	default:
		return f.defaults[command], nil
	}
	f.mu.Lock()
	handle := f.tcpdump
	f.mu.Unlock()
	if handle == nil {
		return "", errors.New("no such process")
	}
	if f.writeCapture.Load() {
		assembler, err := pcap.Create(f.capturePath())
		if err != nil {
			return "", err
		}
		if err := assembler.Close(); err != nil {
			return "", err
		}
	}
	handle.Emit("12 packets captured")
	handle.Exit(0)
	return "", nil
}

func (f *fixture) launch(spec process.Spec) (process.Handle, error) {
	switch spec.Label {
	case "tcpdump":
		handle := processtest.NewHandle(tcpdumpPID - 1)
		if f.exitOnLaunch.Load() {
			handle.Emit("tcpdump: rvi0: No such device exists")
			handle.Exit(1)
		}
		f.mu.Lock()
		f.tcpdump = handle
		f.mu.Unlock()
		return handle, nil
	case "idevicescreenshot":
		handle := processtest.NewHandle(5100)
		handle.Emit("Connect success!")
		handle.OnWrite = answerScreenshot
		f.mu.Lock()
		f.shots = handle
		f.mu.Unlock()
		return handle, nil
	}
	return processtest.NewHandle(1), nil
}

func answerScreenshot(h *processtest.Handle, text string) {
	request := strings.TrimSpace(text)
	if request == "exit" {
		h.Exit(0)
		return
	}
	file, err := os.Create(request)
	if err != nil {
		h.Emit("ERROR " + err.Error())
		return
	}
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.White)
	err = tiff.Encode(file, img, nil)
	_ = file.Close()
	if err != nil {
		h.Emit("ERROR " + err.Error())
		return
	}
	h.Emit("OK")
}

type fakeToolchain struct {
	err error
}

func (f *fakeToolchain) CheckIOS(context.Context) error {
	return f.err
}

type fakeMonitor struct {
	mu      sync.Mutex
	started int
	stopped int
}

func (m *fakeMonitor) Start(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
	return nil
}

func (m *fakeMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
}

func (m *fakeMonitor) starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *fakeMonitor) stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

type countingWriter struct {
	mu     sync.Mutex
	frames int
	closed bool
}

func (w *countingWriter) WriteFrame(image.Image, int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames++
	return nil
}

func (w *countingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *countingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

func (w *countingWriter) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
