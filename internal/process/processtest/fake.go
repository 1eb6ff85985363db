// Package processtest provides scripted process.Executor fakes for backend tests.
package processtest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/attdevsupport/aro-collector/internal/process"
)

// Response is one scripted reply for a command.
type Response struct {
	Output string
	Err    error
}

// Call records one Exec or Launch invocation.
type Call struct {
	Command string
	Spec    process.Spec
	At      time.Time
	Launch  bool
}

// Executor replays scripted responses keyed by the formatted command line.
// Responses for a key are consumed in order and the last one repeats.
type Executor struct {
	mu        sync.Mutex
	responses map[string][]Response
	// Fallback answers commands without a scripted response.
	Fallback func(spec process.Spec) (string, error)
	// LaunchFunc answers Launch; defaults to a fresh Handle.
	LaunchFunc func(spec process.Spec) (process.Handle, error)
	calls      []Call
	now        func() time.Time
}

// NewExecutor creates an empty scripted executor.
func NewExecutor() *Executor {
	return &Executor{
		responses: map[string][]Response{},
		now:       time.Now,
	}
}

// On scripts output and err for command.
func (e *Executor) On(command string, output string, err error) *Executor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responses[command] = append(e.responses[command], Response{Output: output, Err: err})
	return e
}

// Exec implements process.Executor.
func (e *Executor) Exec(ctx context.Context, spec process.Spec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	command := process.FormatCommand(spec.Name, spec.Args...)

	e.mu.Lock()
	e.calls = append(e.calls, Call{Command: command, Spec: spec, At: e.now()})
	queue, ok := e.responses[command]
	if ok && len(queue) > 0 {
		response := queue[0]
		if len(queue) > 1 {
			e.responses[command] = queue[1:]
		}
		e.mu.Unlock()
		return response.Output, response.Err
	}
	fallback := e.Fallback
	e.mu.Unlock()

	if fallback != nil {
		return fallback(spec)
	}
	return "", nil
}

// Launch implements process.Executor.
func (e *Executor) Launch(ctx context.Context, spec process.Spec) (process.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.calls = append(e.calls, Call{
		Command: process.FormatCommand(spec.Name, spec.Args...),
		Spec:    spec,
		At:      e.now(),
		Launch:  true,
	})
	launch := e.LaunchFunc
	e.mu.Unlock()

	if launch != nil {
		return launch(spec)
	}
	return NewHandle(4242), nil
}

// Calls returns a snapshot of recorded invocations.
func (e *Executor) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Call, len(e.calls))
	copy(out, e.calls)
	return out
}

// Commands returns the formatted command lines in invocation order.
func (e *Executor) Commands() []string {
	calls := e.Calls()
	out := make([]string, 0, len(calls))
	for _, call := range calls {
		out = append(out, call.Command)
	}
	return out
}

// Called reports whether any command contains fragment.
func (e *Executor) Called(fragment string) bool {
	return e.Index(fragment) >= 0
}

// Index returns the position of the first command containing fragment, or -1.
func (e *Executor) Index(fragment string) int {
	for i, command := range e.Commands() {
		if strings.Contains(command, fragment) {
			return i
		}
	}
	return -1
}

// Handle is a controllable process.Handle.
type Handle struct {
	pid   int
	lines chan process.Line
	done  chan struct{}

	mu      sync.Mutex
	exit    process.Exit
	writes  []string
	stopped bool
	killed  bool
	exited  bool
	closed  bool
	// OnWrite observes stdin writes, for example to answer a request line.
	OnWrite func(h *Handle, text string)
	// OnCloseInput observes CloseInput, for example to exit like a filter would.
	OnCloseInput func(h *Handle)
	// IgnoreStop keeps the handle alive when Stop is called.
	IgnoreStop bool
}

// NewHandle creates a live handle with the given pid.
func NewHandle(pid int) *Handle {
	return &Handle{
		pid:   pid,
		lines: make(chan process.Line, 256),
		done:  make(chan struct{}),
	}
}

// Emit delivers one output line unless the handle already exited.
func (h *Handle) Emit(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	select {
	case h.lines <- process.Line{PID: h.pid, Text: text, At: time.Now()}:
	default:
	}
}

// Exit ends the handle with code. Repeated calls are ignored.
func (h *Handle) Exit(code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	h.exited = true
	h.exit = process.Exit{PID: h.pid, Code: code, At: time.Now()}
	close(h.lines)
	close(h.done)
}

// PID implements process.Handle.
func (h *Handle) PID() int { return h.pid }

// Lines implements process.Handle.
func (h *Handle) Lines() <-chan process.Line { return h.lines }

// Done implements process.Handle.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait implements process.Handle.
func (h *Handle) Wait(ctx context.Context) (process.Exit, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exit, nil
	case <-ctx.Done():
		return process.Exit{}, ctx.Err()
	}
}

// Write implements process.Handle.
func (h *Handle) Write(text string) error {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return errors.New("handle exited")
	}
	h.writes = append(h.writes, text)
	onWrite := h.OnWrite
	h.mu.Unlock()
	if onWrite != nil {
		onWrite(h, text)
	}
	return nil
}

// CloseInput implements process.Handle.
func (h *Handle) CloseInput() error {
	h.mu.Lock()
	h.closed = true
	onClose := h.OnCloseInput
	h.mu.Unlock()
	if onClose != nil {
		onClose(h)
	}
	return nil
}

// InputClosed reports whether CloseInput was called.
func (h *Handle) InputClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Stop implements process.Handle.
func (h *Handle) Stop(context.Context, time.Duration) error {
	h.mu.Lock()
	h.stopped = true
	ignore := h.IgnoreStop
	h.mu.Unlock()
	if !ignore {
		h.Exit(143)
	}
	return nil
}

// Kill implements process.Handle.
func (h *Handle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.Exit(137)
	return nil
}

// Writes returns stdin writes received so far.
func (h *Handle) Writes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.writes))
	copy(out, h.writes)
	return out
}

// Stopped reports whether Stop was called.
func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// Killed reports whether Kill was called.
func (h *Handle) Killed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

var _ process.Executor = (*Executor)(nil)
var _ process.Handle = (*Handle)(nil)
