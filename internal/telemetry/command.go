package telemetry

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(password|passwd|secret|token)\s*[:=]\s*([^\s,;]+)`)
	sudoPromptPattern      = regexp.MustCompile(`(?i)\[sudo\] password for [^:]*:`)
)

// CommandRequest describes one external tool invocation.
type CommandRequest struct {
	Label   string
	Command string
	Timeout time.Duration
	// Privileged marks commands fed a sudo password on stdin.
	Privileged bool
}

// CommandCall tracks one command.exec span lifecycle.
type CommandCall struct {
	span      trace.Span
	startedAt time.Time

	mu      sync.Mutex
	retries int
	ended   bool
}

type commandCallContextKey struct{}

// StartCommand starts a command.exec span and returns a context carrying the tracker.
func StartCommand(ctx context.Context, req CommandRequest) (context.Context, *CommandCall) {
	if ctx == nil {
		ctx = context.Background()
	}

	attrs := []attribute.KeyValue{
		attribute.String("label", normalizeOrUnknown(req.Label)),
		attribute.String("command", RedactSecrets(req.Command)),
		attribute.Bool("privileged", req.Privileged),
	}
	if req.Timeout > 0 {
		attrs = append(attrs, attribute.Int64("timeout_ms", req.Timeout.Milliseconds()))
	}

	spanCtx, span := otel.Tracer("aro/telemetry/command").Start(
		ctx,
		"command.exec",
		trace.WithAttributes(attrs...),
	)

	call := &CommandCall{span: span, startedAt: time.Now()}
	return context.WithValue(spanCtx, commandCallContextKey{}, call), call
}

// CommandCallFromContext returns the command tracker if one exists on the context.
func CommandCallFromContext(ctx context.Context) *CommandCall {
	if ctx == nil {
		return nil
	}
	call, ok := ctx.Value(commandCallContextKey{}).(*CommandCall)
	if !ok {
		return nil
	}
	return call
}

// RecordRetry adds a retry event to the active command span.
func (c *CommandCall) RecordRetry(attempt int, reason string) {
	if c == nil || c.span == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.retries++
	c.span.AddEvent(
		"command.retry",
		trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("reason", RedactSecrets(reason)),
		),
	)
}

// End finalizes the span with latency, output size and the redacted error.
func (c *CommandCall) End(output string, err error) {
	if c == nil || c.span == nil {
		return
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	retries := c.retries
	c.mu.Unlock()

	durationMS := time.Since(c.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}
	c.span.SetAttributes(
		attribute.Int64("latency_ms", durationMS),
		attribute.Int("output_bytes", len(output)),
		attribute.Int("output_lines", countLines(output)),
		attribute.Int("retries", retries),
	)

	if err != nil {
		c.span.AddEvent(
			"command.error",
			trace.WithAttributes(attribute.String("error_message", RedactSecrets(err.Error()))),
		)
		c.span.SetStatus(codes.Error, RedactSecrets(err.Error()))
	} else {
		c.span.SetStatus(codes.Ok, "command completed")
	}
	c.span.End()
}

// RedactSecrets masks inline credentials and sudo prompts and truncates
// long messages.
func RedactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = sudoPromptPattern.ReplaceAllString(redacted, "[sudo] <redacted>:")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func countLines(output string) int {
	trimmed := strings.TrimRight(output, "\n")
	if trimmed == "" {
		return 0
	}
	return strings.Count(trimmed, "\n") + 1
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
