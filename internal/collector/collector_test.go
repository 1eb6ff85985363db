package collector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/attdevsupport/aro-collector/internal/device"
	"github.com/attdevsupport/aro-collector/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestMachineFollowsCaptureLifecycle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		sequence []Status
	}{
		{name: "clean run", sequence: []Status{StatusStarting, StatusStarted, StatusStopping, StatusStopped}},
		{name: "setup failure", sequence: []Status{StatusStarting, StatusStopped}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			bus := &recordingBus{}
			machine := NewMachine(WithBus(bus))
			require.NoError(t, machine.Begin(context.Background(), "session-1"))
			for _, next := range tt.sequence {
				if next == StatusStarted {
					machine.ConfirmCapture()
				}
				require.NoError(t, machine.Transition(context.Background(), next, "step"))
			}
			assert.Equal(t, StatusStopped, machine.Status())
			assert.Len(t, machine.History(), len(tt.sequence))
			assert.Len(t, bus.snapshot(), len(tt.sequence))
		})
	}
}

func TestMachineRejectsIllegalTransitionWithTypedError(t *testing.T) {
	t.Parallel()

	machine := NewMachine()
	require.NoError(t, machine.Begin(context.Background(), "session-9"))

	err := machine.Transition(context.Background(), StatusStopping, "skip start")
	require.Error(t, err)

	var illegal *IllegalTransitionError
	require.True(t, errors.As(err, &illegal))
	assert.True(t, errors.Is(err, &IllegalTransitionError{}))
	assert.Equal(t, "session-9", illegal.SessionID)
	assert.Equal(t, StatusReady, illegal.From)
	assert.Equal(t, StatusStopping, illegal.To)
	assert.Equal(t, StatusReady, machine.Status())
}

func TestMachineBeginRefusesWhileActive(t *testing.T) {
	t.Parallel()

	machine := NewMachine()
	require.NoError(t, machine.Begin(context.Background(), "a"))
	require.NoError(t, machine.Transition(context.Background(), StatusStarting, ""))

	err := machine.Begin(context.Background(), "b")
	assert.ErrorIs(t, err, ErrSessionActive)

	require.NoError(t, machine.Transition(context.Background(), StatusStopped, "setup failed"))
	require.NoError(t, machine.Begin(context.Background(), "b"))
	assert.Equal(t, StatusReady, machine.Status())
	assert.Equal(t, "b", machine.SessionID())
}

func TestMachineEmitsTransitionSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	machine := NewMachine(WithTracer(provider.Tracer("test")))
	require.NoError(t, machine.Begin(context.Background(), "s"))
	require.NoError(t, machine.Transition(context.Background(), StatusStarting, "start"))
	_ = machine.Transition(context.Background(), StatusStopping, "bad")

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "collector.transition", spans[0].Name())
	assert.Len(t, spans[1].Events(), 2, "illegal transition records the error and the invariant violation")
}

func TestMachineRefusesStartedWithoutConfirmedCapture(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	machine := NewMachine(WithTracer(provider.Tracer("test")))
	require.NoError(t, machine.Begin(context.Background(), "s-unconfirmed"))
	require.NoError(t, machine.Transition(context.Background(), StatusStarting, "start"))

	err := machine.Transition(context.Background(), StatusStarted, "tcpdump silent")
	assert.ErrorIs(t, err, ErrCaptureUnconfirmed)
	assert.Equal(t, StatusStarting, machine.Status())
	assert.Equal(t, "capture_confirmed", violationName(recorder.Ended()[1]))

	machine.ConfirmCapture()
	require.NoError(t, machine.Transition(context.Background(), StatusStarted, "capture running"))

	require.NoError(t, machine.Transition(context.Background(), StatusStopping, "stop"))
	require.NoError(t, machine.Transition(context.Background(), StatusStopped, "done"))
	require.NoError(t, machine.Begin(context.Background(), "s-next"))
	require.NoError(t, machine.Transition(context.Background(), StatusStarting, "start"))
	assert.ErrorIs(t, machine.Transition(context.Background(), StatusStarted, "stale confirmation"), ErrCaptureUnconfirmed)
}

func TestReadinessSucceedsOnLaterAttempt(t *testing.T) {
	t.Parallel()

	var slept []time.Duration
	readiness := Readiness{Budget: 3 * time.Second, Steps: 3, Sleep: func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}}

	calls := 0
	attempts, err := readiness.Wait(context.Background(), func(context.Context) (bool, error) {
		calls++
		return calls == 2, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []time.Duration{time.Second}, slept)
}

func TestReadinessTimesOutWithLastError(t *testing.T) {
	t.Parallel()

	readiness := Readiness{Budget: 30 * time.Millisecond, Steps: 3, Sleep: func(context.Context, time.Duration) error { return nil }}
	attempts, err := readiness.Wait(context.Background(), func(context.Context) (bool, error) {
		return false, errors.New("ps failed")
	})
	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, ErrReadinessTimeout)
	assert.Contains(t, err.Error(), "ps failed")
}

func TestReadinessStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Readiness{Budget: time.Second, Steps: 10}.Wait(ctx, func(context.Context) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadinessDefaults(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Second, Readiness{}.Interval())
}

func TestStopSequenceRunsStepsInFixedOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var order []string
	step := func(name string, err error) StepFunc {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return err
		}
	}

	tick := time.Unix(0, 0)
	sequence := StopSequence{
		Collect:       step("collect", nil),
		WriteTimeSync: step("time", nil),
		JoinVideo:     step("join-video", nil),
		JoinCapture:   step("join-capture", errors.New("worker stuck")),
		StopCapture:   step("stop-capture", nil),
		SignalVideo:   step("signal-video", nil),
		now: func() time.Time {
			tick = tick.Add(time.Millisecond)
			return tick
		},
	}
	report := sequence.Run(context.Background())

	assert.Equal(t, []string{"signal-video", "stop-capture", "join-capture", "join-video", "time", "collect"}, order)
	assert.Equal(t, []string{StepSignalVideo, StepStopCapture, StepJoinCapture, StepJoinVideo, StepWriteTimeSync, StepCollect}, report.Order())
	assert.EqualError(t, report.Err(StepJoinCapture), "worker stuck")
	assert.True(t, report.At(StepStopCapture).Before(report.At(StepCollect)))
	assert.NoError(t, report.Err(StepCollect))
	assert.True(t, report.CheckOrder(context.Background(), "test", "s-1"))
}

func TestStopReportCheckOrderFlagsCollectBeforeCaptureStop(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	tick := time.Unix(100, 0)
	reordered := StopReport{Steps: []StepResult{
		{Name: StepSignalVideo, At: tick},
		{Name: StepCollect, At: tick.Add(time.Millisecond)},
		{Name: StepStopCapture, At: tick.Add(2 * time.Millisecond)},
	}}
	clockSkew := StopReport{Steps: []StepResult{
		{Name: StepStopCapture, At: tick.Add(time.Second)},
		{Name: StepJoinVideo, Skipped: true},
		{Name: StepCollect, At: tick},
	}}

	ctx, span := provider.Tracer("test").Start(context.Background(), "android.stop")
	assert.False(t, reordered.CheckOrder(ctx, "android.stop", "s-order"))
	assert.False(t, clockSkew.CheckOrder(ctx, "android.stop", "s-order"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Len(t, ended[0].Events(), 2)
	assert.Equal(t, "stop_order", violationName(ended[0]))
}

func TestPrepareFolder(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	fresh := filepath.Join(root, "trace-1")
	require.NoError(t, PrepareFolder(fresh))
	info, err := os.Stat(fresh)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, PrepareFolder(fresh), "an empty folder is reused")

	require.NoError(t, os.WriteFile(filepath.Join(fresh, "traffic.cap"), []byte("x"), 0o644))
	assert.ErrorIs(t, PrepareFolder(fresh), ErrFolderNotEmpty)

	blocker := filepath.Join(root, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	assert.ErrorIs(t, PrepareFolder(filepath.Join(blocker, "child")), ErrFolderCreate)
	assert.ErrorIs(t, PrepareFolder(""), ErrFolderCreate)
}

func TestStatusResultHelpers(t *testing.T) {
	t.Parallel()

	ok := Success(DataNotRunning)
	assert.True(t, ok.Success)
	assert.Equal(t, 0, ok.Code())
	assert.Equal(t, "ok: not running", ok.String())

	failed := Failure(AndroidDeviceAccess.WithDetail("device offline"), "")
	assert.False(t, failed.Success)
	assert.True(t, failed.Is(AndroidDeviceAccess))
	assert.Equal(t, 215, failed.Code())
	assert.Contains(t, failed.Error.Description, "device offline")
	assert.False(t, failed.NeedsPassword())

	prompt := RequestPassword()
	assert.True(t, prompt.Success)
	assert.Nil(t, prompt.Error)
	assert.True(t, prompt.NeedsPassword())
	assert.False(t, Failure(IOSInvalidPassword, DataRequestPassword).NeedsPassword(), "coded failures are not prompts")

	entry, found := Lookup(513)
	require.True(t, found)
	assert.Equal(t, "collector-timeout", entry.Name)
	entry, found = Lookup(514)
	require.True(t, found)
	assert.Equal(t, "capture-not-written", entry.Name)

	codes := Codes()
	for i := 1; i < len(codes); i++ {
		if codes[i-1].Code >= codes[i].Code {
			t.Fatalf("codes not strictly ascending at %d: %d then %d", i, codes[i-1].Code, codes[i].Code)
		}
	}
}

func TestTraceFolderExistsCodes(t *testing.T) {
	t.Parallel()

	for _, code := range []int{202, 501} {
		entry, found := Lookup(code)
		require.True(t, found, "code %d", code)
		assert.Equal(t, "trace-folder-exists", entry.Name)
	}
	running, found := Lookup(206)
	require.True(t, found)
	assert.Equal(t, AndroidAlreadyRunning, running)
	assert.NotEqual(t, AndroidTraceFolderExists.Name, running.Name)
}

func TestSessionPaths(t *testing.T) {
	t.Parallel()

	session := NewSession(BackendEmulator, "/tmp/traces/run-7/", device.Handle{Serial: "emulator-5554", IsEmulator: true}, true)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, "run-7", session.TraceName())
	assert.Equal(t, "/tmp/traces/run-7/time", session.Path("time"))

	other := NewSession(BackendEmulator, "/tmp/traces/run-8", device.Handle{}, false)
	assert.False(t, reflect.DeepEqual(session.ID, other.ID))
}

func violationName(span sdktrace.ReadOnlySpan) string {
	for _, event := range span.Events() {
		if event.Name != "invariant.violation" {
			continue
		}
		for _, attr := range event.Attributes {
			if attr.Key == "invariant" {
				return attr.Value.AsString()
			}
		}
	}
	return ""
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBus) snapshot() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.Event, len(b.events))
	copy(out, b.events)
	return out
}
