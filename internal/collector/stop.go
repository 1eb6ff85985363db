package collector

import (
	"context"
	"io"
	"time"

	"github.com/attdevsupport/aro-collector/internal/telemetry/invariants"
	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Stop step names in execution order.
const (
	StepSignalVideo   = "signal-video"
	StepStopMonitor   = "stop-monitor"
	StepStopCapture   = "stop-capture"
	StepJoinCapture   = "join-capture"
	StepJoinVideo     = "join-video"
	StepWriteTimeSync = "write-timesync"
	StepCollect       = "collect"
)

// StepFunc is one stop step. A nil step is skipped.
type StepFunc func(ctx context.Context) error

// StopSequence runs the stop steps of a backend in the fixed order video
// signal, monitor, packet tool, packet worker, video worker, time sync,
// artifact collection. Every step runs even when an earlier one failed.
type StopSequence struct {
	SignalVideo   StepFunc
	StopMonitor   StepFunc
	StopCapture   StepFunc
	JoinCapture   StepFunc
	JoinVideo     StepFunc
	WriteTimeSync StepFunc
	Collect       StepFunc

	SessionID string
	Logger    *log.Logger
	Tracer    trace.Tracer
	now       func() time.Time
}

// StepResult records how one step went.
type StepResult struct {
	Name    string
	Skipped bool
	Err     error
	At      time.Time
}

// StopReport lists the executed steps in order.
type StopReport struct {
	Steps []StepResult
}

// Order returns the names of the steps that ran.
func (r StopReport) Order() []string {
	out := make([]string, 0, len(r.Steps))
	for _, step := range r.Steps {
		if !step.Skipped {
			out = append(out, step.Name)
		}
	}
	return out
}

// Err returns the error of step name, if any.
func (r StopReport) Err(name string) error {
	for _, step := range r.Steps {
		if step.Name == name {
			return step.Err
		}
	}
	return nil
}

// At returns when step name started.
func (r StopReport) At(name string) time.Time {
	for _, step := range r.Steps {
		if step.Name == name {
			return step.At
		}
	}
	return time.Time{}
}

// Run executes the sequence.
func (s StopSequence) Run(ctx context.Context) StopReport {
	logger := s.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	tracer := s.Tracer
	if tracer == nil {
		tracer = otel.Tracer("aro/collector")
	}
	now := s.now
	if now == nil {
		now = time.Now
	}

	ctx, span := tracer.Start(ctx, "collector.stop_sequence")
	defer span.End()

	steps := []struct {
		name string
		fn   StepFunc
	}{
		{StepSignalVideo, s.SignalVideo},
		{StepStopMonitor, s.StopMonitor},
		{StepStopCapture, s.StopCapture},
		{StepJoinCapture, s.JoinCapture},
		{StepJoinVideo, s.JoinVideo},
		{StepWriteTimeSync, s.WriteTimeSync},
		{StepCollect, s.Collect},
	}

	report := StopReport{Steps: make([]StepResult, 0, len(steps))}
	for _, step := range steps {
		result := StepResult{Name: step.name, At: now()}
		if step.fn == nil {
			result.Skipped = true
			report.Steps = append(report.Steps, result)
			continue
		}
		result.Err = step.fn(ctx)
		if result.Err != nil {
			logger.Warn("stop step failed", "step", step.name, "err", result.Err)
			span.AddEvent("stop.step_failed", trace.WithAttributes(
				attribute.String("step", step.name),
				attribute.String("error", result.Err.Error()),
			))
		}
		report.Steps = append(report.Steps, result)
	}

	if err := report.Err(StepCollect); err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.StringSlice("steps", report.Order()))
	if s.SessionID != "" {
		span.SetAttributes(attribute.String("aro.session_id", s.SessionID))
	}
	report.CheckOrder(ctx, "collector.stop_sequence", s.SessionID)
	return report
}

// StopOrder lists every stop step in execution order.
func StopOrder() []string {
	return []string{StepSignalVideo, StepStopMonitor, StepStopCapture, StepJoinCapture, StepJoinVideo, StepWriteTimeSync, StepCollect}
}

// CheckOrder reports a stop_order violation when the executed steps, or
// their start times, do not follow StopOrder.
func (r StopReport) CheckOrder(ctx context.Context, where, sessionID string) bool {
	var last time.Time
	for _, step := range r.Steps {
		if step.Skipped {
			continue
		}
		if step.At.Before(last) {
			return invariants.CheckStopOrder(ctx, where, sessionID, nil, []string{step.Name})
		}
		last = step.At
	}
	return invariants.CheckStopOrder(ctx, where, sessionID, StopOrder(), r.Order())
}
