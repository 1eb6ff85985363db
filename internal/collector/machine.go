package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/attdevsupport/aro-collector/internal/events"
	"github.com/attdevsupport/aro-collector/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Status is the lifecycle position of a capture session.
type Status string

const (
	StatusReady    Status = "READY"
	StatusStarting Status = "STARTING"
	StatusStarted  Status = "STARTED"
	StatusStopping Status = "STOPPING"
	StatusStopped  Status = "STOPPED"
)

// Active reports whether a session in this status owns capture resources.
func (s Status) Active() bool {
	return s == StatusStarting || s == StatusStarted || s == StatusStopping
}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusReady: {
		StatusStarting: {},
	},
	StatusStarting: {
		StatusStarted: {},
		StatusStopped: {},
	},
	StatusStarted: {
		StatusStopping: {},
	},
	StatusStopping: {
		StatusStopped: {},
	},
}

var (
	// ErrSessionActive is returned when a new session begins while another is active.
	ErrSessionActive = errors.New("a capture session is already active")
	// ErrCaptureUnconfirmed is returned for STARTED before ConfirmCapture.
	ErrCaptureUnconfirmed = errors.New("capture process not confirmed")
)

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	SessionID string
	From      Status
	To        Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("cannot transition session %q from %s to %s: illegal transition for capture lifecycle", e.SessionID, e.From, e.To)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Transition is one entry of the machine history.
type Transition struct {
	SessionID string
	From      Status
	To        Status
	Reason    string
	Timestamp time.Time
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithTracer sets the tracer used for transition spans.
func WithTracer(tracer trace.Tracer) MachineOption {
	return func(m *Machine) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// WithBus publishes a SessionTransition event for every transition.
func WithBus(bus events.Publisher) MachineOption {
	return func(m *Machine) {
		if bus != nil {
			m.bus = bus
		}
	}
}

// Machine enforces the session lifecycle for one controller.
type Machine struct {
	mu        sync.Mutex
	sessionID string
	current   Status
	tracer    trace.Tracer
	bus       events.Publisher
	now       func() time.Time
	history   []Transition
	confirmed bool
}

// NewMachine creates a machine in READY with no session.
func NewMachine(options ...MachineOption) *Machine {
	m := &Machine{
		current: StatusReady,
		tracer:  otel.Tracer("aro/collector"),
		bus:     events.Discard{},
		now:     time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(m)
		}
	}
	return m
}

// Status returns the current status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SessionID returns the session the machine is tracking.
func (m *Machine) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Begin binds a new session, resetting a STOPPED machine to READY.
func (m *Machine) Begin(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.Active() {
		invariants.CheckSingleSession(ctx, "collector.machine.begin", m.sessionID, sessionID)
		return fmt.Errorf("%w: %s", ErrSessionActive, m.sessionID)
	}
	m.sessionID = strings.TrimSpace(sessionID)
	m.current = StatusReady
	m.confirmed = false
	return nil
}

// ConfirmCapture records that the session's capture process is running.
// STARTED is refused until it is called.
func (m *Machine) ConfirmCapture() {
	m.mu.Lock()
	m.confirmed = true
	m.mu.Unlock()
}

// Transition moves the session to `to` when the lifecycle table allows it.
func (m *Machine) Transition(ctx context.Context, to Status, reason string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()

	m.mu.Lock()
	from := m.current
	sessionID := m.sessionID
	m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, "collector.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("from_state", string(from)),
		attribute.String("to_state", string(to)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)

	m.mu.Lock()
	if m.current != from || !isAllowed(from, to) {
		current := m.current
		m.mu.Unlock()
		invariants.CheckLegalTransition(ctx, "collector.machine.transition", sessionID, string(current), string(to), false)
		err := &IllegalTransitionError{SessionID: sessionID, From: current, To: to}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if to == StatusStarted && !m.confirmed {
		m.mu.Unlock()
		invariants.CheckCaptureConfirmed(ctx, "collector.machine.transition", sessionID, false)
		err := fmt.Errorf("session %q: %w", sessionID, ErrCaptureUnconfirmed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	record := Transition{
		SessionID: sessionID,
		From:      from,
		To:        to,
		Reason:    strings.TrimSpace(reason),
		Timestamp: m.now().UTC(),
	}
	m.current = to
	m.history = append(m.history, record)
	m.mu.Unlock()

	severity := events.SeverityInfo
	if from == StatusStarting && to == StatusStopped {
		severity = events.SeverityWarn
	}
	m.bus.Publish(events.Event{
		Type:       events.EventTypeSessionTransition,
		Timestamp:  record.Timestamp,
		EntityType: "session",
		EntityID:   sessionID,
		Severity:   severity,
		Payload:    record,
	})
	span.SetStatus(codes.Ok, "session transition recorded")
	return nil
}

// History returns the transitions recorded so far.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

func isAllowed(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}
