// Package invariants reports broken capture guarantees. A violation becomes an
// "invariant.violation" event on the span of the operation that detected it,
// and is kept in a small in-process log that bug reports include.
package invariants

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Severity grades a violation.
type Severity string

const (
	Warn  Severity = "warn"
	Fatal Severity = "error"
)

// Invariant is one guarantee of the capture lifecycle.
type Invariant struct {
	Name     string
	Severity Severity
	Rule     string
}

var (
	// CaptureConfirmed: a session reaches STARTED only after its capture
	// process was confirmed running.
	CaptureConfirmed = Invariant{"capture_confirmed", Fatal, "STARTED implies the capture process was confirmed"}
	// StopOrder: stop steps run in their fixed order, so collection never
	// precedes the capture stop.
	StopOrder = Invariant{"stop_order", Fatal, "stop steps run in fixed order"}
	// LegalTransition: session transitions follow the lifecycle table.
	LegalTransition = Invariant{"legal_transition", Fatal, "session transitions follow the lifecycle table"}
	// SingleSession: a controller owns at most one active session.
	SingleSession = Invariant{"single_session", Fatal, "a controller owns at most one active session"}
	// CaptureCollected: a stopped trace holds its primary capture file.
	CaptureCollected = Invariant{"capture_collected", Warn, "a stopped trace holds its primary capture file"}
)

// Violation is one recorded breach.
type Violation struct {
	Invariant Invariant
	SessionID string
	Where     string
	Detail    string
	At        time.Time
}

func (v Violation) String() string {
	session := v.SessionID
	if session == "" {
		session = "-"
	}
	return fmt.Sprintf("%s %s [%s] session=%s at %s: %s",
		v.At.UTC().Format(time.RFC3339), v.Invariant.Name, v.Invariant.Severity, session, v.Where, v.Detail)
}

const logSize = 32

var (
	recordedMu sync.Mutex
	recorded   []Violation
)

// Recent returns the violations recorded by this process, oldest first.
func Recent() []Violation {
	recordedMu.Lock()
	defer recordedMu.Unlock()
	out := make([]Violation, len(recorded))
	copy(out, recorded)
	return out
}

// Reset clears the violation log.
func Reset() {
	recordedMu.Lock()
	recorded = nil
	recordedMu.Unlock()
}

// Report records v and attaches it to the active span, opening a short span
// when ctx carries none.
func Report(ctx context.Context, v Violation) {
	if ctx == nil {
		ctx = context.Background()
	}
	if v.At.IsZero() {
		v.At = time.Now()
	}

	recordedMu.Lock()
	recorded = append(recorded, v)
	if len(recorded) > logSize {
		recorded = recorded[len(recorded)-logSize:]
	}
	recordedMu.Unlock()

	attrs := []attribute.KeyValue{
		attribute.String("invariant", v.Invariant.Name),
		attribute.String("severity", string(v.Invariant.Severity)),
		attribute.String("rule", v.Invariant.Rule),
		attribute.String("where", v.Where),
		attribute.String("detail", v.Detail),
	}
	if v.SessionID != "" {
		attrs = append(attrs, attribute.String("aro.session_id", v.SessionID))
	}

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}
	_, span := otel.Tracer("aro/invariants").Start(ctx, "invariant.violation")
	span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
	span.End()
}

// CheckCaptureConfirmed reports a STARTED transition for an unconfirmed capture.
func CheckCaptureConfirmed(ctx context.Context, where, sessionID string, confirmed bool) bool {
	if confirmed {
		return true
	}
	Report(ctx, Violation{
		Invariant: CaptureConfirmed,
		SessionID: sessionID,
		Where:     where,
		Detail:    "STARTED requested before the capture process was confirmed",
	})
	return false
}

// CheckStopOrder reports when ran is not an ordered subsequence of want.
func CheckStopOrder(ctx context.Context, where, sessionID string, want, ran []string) bool {
	next := 0
	for _, step := range ran {
		for next < len(want) && want[next] != step {
			next++
		}
		if next == len(want) {
			Report(ctx, Violation{
				Invariant: StopOrder,
				SessionID: sessionID,
				Where:     where,
				Detail:    fmt.Sprintf("step %s out of order in [%s]", step, strings.Join(ran, ",")),
			})
			return false
		}
		next++
	}
	return true
}

// CheckLegalTransition reports a transition the lifecycle table forbids.
func CheckLegalTransition(ctx context.Context, where, sessionID, from, to string, legal bool) bool {
	if legal {
		return true
	}
	Report(ctx, Violation{
		Invariant: LegalTransition,
		SessionID: sessionID,
		Where:     where,
		Detail:    from + " -> " + to,
	})
	return false
}

// CheckSingleSession reports a second session begun while activeID is live.
func CheckSingleSession(ctx context.Context, where, activeID, requestedID string) bool {
	if strings.TrimSpace(activeID) == "" || activeID == requestedID {
		return true
	}
	Report(ctx, Violation{
		Invariant: SingleSession,
		SessionID: activeID,
		Where:     where,
		Detail:    "session " + requestedID + " requested while active",
	})
	return false
}

// CheckCaptureCollected reports a stopped trace without its capture file.
func CheckCaptureCollected(ctx context.Context, where, sessionID, path string, present bool) bool {
	if present {
		return true
	}
	Report(ctx, Violation{
		Invariant: CaptureCollected,
		SessionID: sessionID,
		Where:     where,
		Detail:    path + " missing",
	})
	return false
}
