package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys carried by capture spans.
const (
	AttrSessionID = attribute.Key("aro.session_id")
	AttrPlatform  = attribute.Key("aro.platform")
	AttrDevice    = attribute.Key("aro.device")
	AttrEmulator  = attribute.Key("aro.emulator")
	AttrFolder    = attribute.Key("aro.trace_folder")
	AttrVideo     = attribute.Key("aro.video")
	AttrErrorCode = attribute.Key("aro.error_code")
)

// Capture identifies the session a span belongs to. Zero fields are omitted.
type Capture struct {
	SessionID string
	Platform  string
	Device    string
	Emulator  bool
	Folder    string
	Video     bool
}

func (c Capture) attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if c.SessionID != "" {
		attrs = append(attrs, AttrSessionID.String(c.SessionID))
	}
	if c.Platform != "" {
		attrs = append(attrs, AttrPlatform.String(c.Platform))
	}
	if c.Device != "" {
		attrs = append(attrs, AttrDevice.String(c.Device), AttrEmulator.Bool(c.Emulator))
	}
	if c.Folder != "" {
		attrs = append(attrs, AttrFolder.String(c.Folder))
	}
	if c.Video {
		attrs = append(attrs, AttrVideo.Bool(true))
	}
	return attrs
}

// CaptureSpan covers one start, stop or halt of a capture session. The
// methods of a nil *CaptureSpan do nothing.
type CaptureSpan struct {
	span trace.Span
}

type captureKey struct{}

// CaptureFromContext returns the capture span opened by StartCapture, or nil.
func CaptureFromContext(ctx context.Context) *CaptureSpan {
	s, _ := ctx.Value(captureKey{}).(*CaptureSpan)
	return s
}

// StartCapture opens the "<platform>.<op>" span. A nil tracer uses the
// global provider.
func StartCapture(ctx context.Context, tracer trace.Tracer, op string, c Capture) (context.Context, *CaptureSpan) {
	if tracer == nil {
		tracer = otel.Tracer("aro/capture")
	}
	name := op
	if c.Platform != "" {
		name = c.Platform + "." + op
	}
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(c.attributes()...))
	capture := &CaptureSpan{span: span}
	return context.WithValue(ctx, captureKey{}, capture), capture
}

// Annotate adds session details learned after the span opened, such as the
// session id assigned once preconditions pass.
func (s *CaptureSpan) Annotate(c Capture) {
	if s == nil {
		return
	}
	s.span.SetAttributes(c.attributes()...)
}

// Step records a milestone of the operation.
func (s *CaptureSpan) Step(name string, attrs ...attribute.KeyValue) {
	if s == nil {
		return
	}
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Finish ends the span. A non-zero code is recorded as aro.error_code.
func (s *CaptureSpan) Finish(ok bool, code int, detail string) {
	if s == nil {
		return
	}
	switch {
	case code != 0:
		s.span.SetAttributes(AttrErrorCode.Int(code))
		s.span.SetStatus(codes.Error, detail)
	case !ok:
		s.span.SetStatus(codes.Error, detail)
	default:
		s.span.SetStatus(codes.Ok, detail)
	}
	s.span.End()
}
