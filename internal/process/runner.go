package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/attdevsupport/aro-collector/internal/events"
	"github.com/attdevsupport/aro-collector/internal/telemetry"
	"github.com/charmbracelet/log"
)

const (
	// DefaultWatchdogInterval is the tick length used by RunWithTimeout.
	DefaultWatchdogInterval = 100 * time.Millisecond
	// DefaultTerminationGracePeriod is the SIGTERM grace window before SIGKILL.
	DefaultTerminationGracePeriod = 5 * time.Second
	// DefaultLineBuffer is the capacity of a streaming process line channel.
	DefaultLineBuffer = 256

	defaultTerminationPollInterval = 100 * time.Millisecond
	defaultForcedExitWait          = 2 * time.Second
	maxLineBytes                   = 1 << 20
)

// ErrTimeout is returned when the watchdog killed a process.
var ErrTimeout = errors.New("process exceeded its time budget")

// ProcessSignaler sends unix signals to a process ID.
type ProcessSignaler interface {
	Signal(pid int, signal syscall.Signal) error
}

// ProcessChecker checks whether a process is still alive.
type ProcessChecker interface {
	Alive(pid int) (bool, error)
}

type defaultProcessSignaler struct{}

func (defaultProcessSignaler) Signal(pid int, signal syscall.Signal) error {
	return syscall.Kill(pid, signal)
}

type defaultProcessChecker struct{}

func (defaultProcessChecker) Alive(pid int) (bool, error) {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, syscall.ESRCH) {
		return false, nil
	}
	if errors.Is(err, syscall.EPERM) {
		return true, nil
	}
	return false, err
}

// Options configures a Runner.
type Options struct {
	Signaler                ProcessSignaler
	Checker                 ProcessChecker
	Bus                     events.Publisher
	Logger                  *log.Logger
	WatchdogInterval        time.Duration
	TerminationPollInterval time.Duration
	ForcedExitWait          time.Duration
	LineBuffer              int
}

// Spec describes one command invocation.
type Spec struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string
	Stdin string
	// Timeout arms the watchdog for one-shot runs.
	Timeout time.Duration
	// Interactive keeps stdin open for Process.Write.
	Interactive bool
	// Label names the process in events and logs; defaults to Name.
	Label string
}

func (s Spec) label() string {
	if strings.TrimSpace(s.Label) != "" {
		return s.Label
	}
	return s.Name
}

// Handle is the view of a running process used by capture workers.
type Handle interface {
	PID() int
	Lines() <-chan Line
	Done() <-chan struct{}
	Wait(ctx context.Context) (Exit, error)
	Write(text string) error
	CloseInput() error
	Stop(ctx context.Context, grace time.Duration) error
	Kill() error
}

// Executor runs one-shot commands and launches long-running ones.
type Executor interface {
	Exec(ctx context.Context, spec Spec) (string, error)
	Launch(ctx context.Context, spec Spec) (Handle, error)
}

// Runner spawns external commands and supervises their lifecycle.
type Runner struct {
	signaler                ProcessSignaler
	checker                 ProcessChecker
	bus                     events.Publisher
	logger                  *log.Logger
	watchdogInterval        time.Duration
	terminationPollInterval time.Duration
	forcedExitWait          time.Duration
	lineBuffer              int
	now                     func() time.Time
	sleep                   func(time.Duration)
}

// New creates a runner with default dependencies where omitted.
func New(opts Options) (*Runner, error) {
	signaler := opts.Signaler
	if signaler == nil {
		signaler = defaultProcessSignaler{}
	}

	checker := opts.Checker
	if checker == nil {
		checker = defaultProcessChecker{}
	}

	bus := opts.Bus
	if bus == nil {
		bus = events.Discard{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	watchdog := opts.WatchdogInterval
	if watchdog <= 0 {
		watchdog = DefaultWatchdogInterval
	}

	pollInterval := opts.TerminationPollInterval
	if pollInterval <= 0 {
		pollInterval = defaultTerminationPollInterval
	}

	forcedExitWait := opts.ForcedExitWait
	if forcedExitWait <= 0 {
		forcedExitWait = defaultForcedExitWait
	}

	lineBuffer := opts.LineBuffer
	if lineBuffer <= 0 {
		lineBuffer = DefaultLineBuffer
	}

	return &Runner{
		signaler:                signaler,
		checker:                 checker,
		bus:                     bus,
		logger:                  logger.With("component", "process"),
		watchdogInterval:        watchdog,
		terminationPollInterval: pollInterval,
		forcedExitWait:          forcedExitWait,
		lineBuffer:              lineBuffer,
		now:                     time.Now,
		sleep:                   time.Sleep,
	}, nil
}

// Run executes a command to completion and returns its combined output.
// The output is returned even when the command fails.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (string, error) {
	return r.Exec(ctx, Spec{Name: name, Args: args})
}

// RunInDir executes a command to completion inside dir.
func (r *Runner) RunInDir(ctx context.Context, dir string, name string, args ...string) (string, error) {
	return r.Exec(ctx, Spec{Name: name, Args: args, Dir: dir})
}

// RunWithInput executes a command to completion feeding input on stdin.
func (r *Runner) RunWithInput(ctx context.Context, input string, name string, args ...string) (string, error) {
	return r.Exec(ctx, Spec{Name: name, Args: args, Stdin: input})
}

// RunWithTimeout executes a command under a watchdog. When the watchdog
// fires the process is killed and whatever output was buffered is returned
// together with ErrTimeout.
func (r *Runner) RunWithTimeout(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	return r.Exec(ctx, Spec{Name: name, Args: args, Timeout: timeout})
}

// Exec runs spec to completion inside a command.exec span.
func (r *Runner) Exec(ctx context.Context, spec Spec) (output string, err error) {
	if r == nil {
		return "", errors.New("process runner is nil")
	}
	ctx, call := telemetry.StartCommand(ctx, telemetry.CommandRequest{
		Label:      spec.label(),
		Command:    formatCommand(spec.Name, spec.Args),
		Timeout:    spec.Timeout,
		Privileged: spec.Name == "sudo" && spec.Stdin != "",
	})
	defer func() { call.End(output, err) }()

	cmd, out, err := r.prepare(ctx, spec)
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", formatCommand(spec.Name, spec.Args), err)
	}

	var timedOut atomic.Bool
	exited := make(chan struct{})
	var watchdogDone sync.WaitGroup
	if spec.Timeout > 0 {
		ticks := int((spec.Timeout + r.watchdogInterval - 1) / r.watchdogInterval)
		watchdogDone.Add(1)
		go func() {
			defer watchdogDone.Done()
			r.watchdog(cmd, ticks, exited, &timedOut)
		}()
	}

	waitErr := cmd.Wait()
	close(exited)
	watchdogDone.Wait()

	text := out.String()
	if timedOut.Load() {
		r.logger.Warn("watchdog killed process", "command", formatCommand(spec.Name, spec.Args), "timeout", spec.Timeout)
		return text, fmt.Errorf("run %s: %w", formatCommand(spec.Name, spec.Args), ErrTimeout)
	}
	if waitErr != nil {
		return text, wrapRunError(spec.Name, spec.Args, waitErr, text)
	}
	return text, nil
}

// watchdog kills cmd after ticks watchdog intervals unless exited closes first.
func (r *Runner) watchdog(cmd *exec.Cmd, ticks int, exited <-chan struct{}, timedOut *atomic.Bool) {
	ticker := time.NewTicker(r.watchdogInterval)
	defer ticker.Stop()
	for elapsed := 0; ; {
		select {
		case <-exited:
			return
		case <-ticker.C:
			elapsed++
			if elapsed >= ticks {
				timedOut.Store(true)
				_ = cmd.Process.Kill()
				return
			}
		}
	}
}

func (r *Runner) prepare(ctx context.Context, spec Spec) (*exec.Cmd, *bytes.Buffer, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, nil, errors.New("command name is required")
	}
	cmd := exec.CommandContext(ctx, name, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	cmd.WaitDelay = r.forcedExitWait
	out := &bytes.Buffer{}
	cmd.Stdout = out
	cmd.Stderr = out
	return cmd, out, nil
}

// Line is one line of combined output from a streaming process.
type Line struct {
	Process string
	PID     int
	Text    string
	At      time.Time
}

// Exit describes how a streaming process ended.
type Exit struct {
	Process string
	PID     int
	Code    int
	Err     error
	At      time.Time
}

// Process is a running command started by Runner.Start.
type Process struct {
	runner *Runner
	cmd    *exec.Cmd
	label  string
	stdin  io.WriteCloser
	lines  chan Line
	done   chan struct{}

	mu      sync.Mutex
	exit    Exit
	dropped int
}

// Start launches spec in the background and streams its combined output
// line by line until EOF.
func (r *Runner) Start(ctx context.Context, spec Spec) (*Process, error) {
	if r == nil {
		return nil, errors.New("process runner is nil")
	}
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, errors.New("command name is required")
	}

	cmd := exec.CommandContext(ctx, name, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	cmd.WaitDelay = r.forcedExitWait

	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = writer
	cmd.Stderr = writer

	var stdin io.WriteCloser
	switch {
	case spec.Interactive:
		stdin, err = cmd.StdinPipe()
		if err != nil {
			_ = reader.Close()
			_ = writer.Close()
			return nil, fmt.Errorf("open stdin for %s: %w", spec.label(), err)
		}
	case spec.Stdin != "":
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	if err := cmd.Start(); err != nil {
		_ = reader.Close()
		_ = writer.Close()
		return nil, fmt.Errorf("start %s: %w", formatCommand(name, spec.Args), err)
	}
	// The child owns the write end now.
	_ = writer.Close()

	proc := &Process{
		runner: r,
		cmd:    cmd,
		label:  spec.label(),
		stdin:  stdin,
		lines:  make(chan Line, r.lineBuffer),
		done:   make(chan struct{}),
	}
	r.logger.Debug("process started", "process", proc.label, "pid", proc.PID())

	go proc.supervise(reader)
	return proc, nil
}

// Launch is Start returning the Handle view.
func (r *Runner) Launch(ctx context.Context, spec Spec) (Handle, error) {
	proc, err := r.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

func (p *Process) supervise(reader *os.File) {
	defer close(p.done)
	defer reader.Close()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := Line{
			Process: p.label,
			PID:     p.PID(),
			Text:    strings.TrimRight(scanner.Text(), "\r"),
			At:      p.runner.now(),
		}
		select {
		case p.lines <- line:
		default:
			p.mu.Lock()
			p.dropped++
			p.mu.Unlock()
		}
		p.runner.bus.Publish(events.Event{
			Type:       events.EventTypeProcessOutput,
			EntityType: "process",
			EntityID:   p.label,
			Severity:   events.SeverityInfo,
			Payload:    line,
		})
	}
	if err := scanner.Err(); err != nil {
		p.runner.logger.Warn("process output unreadable, discarding the rest", "process", p.label, "err", err)
		_, _ = io.Copy(io.Discard, reader)
	}

	waitErr := p.cmd.Wait()
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	exit := Exit{Process: p.label, PID: p.PID(), At: p.runner.now()}
	if p.cmd.ProcessState != nil {
		exit.Code = p.cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		exit.Err = waitErr
	}

	p.mu.Lock()
	p.exit = exit
	dropped := p.dropped
	p.mu.Unlock()
	close(p.lines)

	severity := events.SeverityInfo
	if exit.Err != nil {
		severity = events.SeverityWarn
	}
	p.runner.bus.Publish(events.Event{
		Type:       events.EventTypeProcessExited,
		EntityType: "process",
		EntityID:   p.label,
		Severity:   severity,
		Payload:    exit,
	})
	p.runner.logger.Debug("process exited", "process", p.label, "pid", exit.PID, "code", exit.Code, "dropped_lines", dropped)
}

// PID returns the OS process id.
func (p *Process) PID() int {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Lines returns the bounded line stream. It is closed after the process exits.
// Lines are dropped when the consumer falls behind.
func (p *Process) Lines() <-chan Line {
	return p.lines
}

// Done is closed once the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has already exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the process exits or ctx is done.
func (p *Process) Wait(ctx context.Context) (Exit, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exit, nil
	case <-ctx.Done():
		return Exit{}, ctx.Err()
	}
}

// WaitTimeout blocks until the process exits or the timeout elapses.
func (p *Process) WaitTimeout(timeout time.Duration) (Exit, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	exit, err := p.Wait(ctx)
	return exit, err == nil
}

// Write sends text to the process stdin. Only valid for interactive specs.
func (p *Process) Write(text string) error {
	if p.stdin == nil {
		return fmt.Errorf("process %s has no stdin", p.label)
	}
	if _, err := io.WriteString(p.stdin, text); err != nil {
		return fmt.Errorf("write to %s: %w", p.label, err)
	}
	return nil
}

// CloseInput closes stdin so the process sees end of input.
func (p *Process) CloseInput() error {
	if p.stdin == nil {
		return nil
	}
	if err := p.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("close stdin of %s: %w", p.label, err)
	}
	return nil
}

// Stop escalates SIGTERM to SIGKILL and waits for the supervisor to finish.
func (p *Process) Stop(ctx context.Context, grace time.Duration) error {
	if p == nil || p.Exited() {
		return nil
	}
	if err := p.runner.Terminate(ctx, p.PID(), grace); err != nil {
		_ = p.Kill()
	}
	if _, ok := p.WaitTimeout(p.runner.forcedExitWait); !ok {
		return fmt.Errorf("process %s did not exit after termination", p.label)
	}
	return nil
}

// Kill sends SIGKILL immediately.
func (p *Process) Kill() error {
	if p == nil || p.cmd == nil || p.cmd.Process == nil || p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", p.label, err)
	}
	return nil
}

// Terminate applies SIGTERM -> grace -> SIGKILL escalation to pid.
func (r *Runner) Terminate(ctx context.Context, pid int, gracePeriod time.Duration) error {
	if r == nil {
		return errors.New("process runner is nil")
	}
	if pid <= 0 {
		return nil
	}
	if gracePeriod <= 0 {
		gracePeriod = DefaultTerminationGracePeriod
	}

	if err := r.signaler.Signal(pid, syscall.SIGTERM); err != nil && !isProcessGoneError(err) {
		return fmt.Errorf("send SIGTERM to pid %d: %w", pid, err)
	}

	exited, err := r.waitForExit(ctx, pid, gracePeriod)
	if err != nil {
		return fmt.Errorf("wait for pid %d after SIGTERM: %w", pid, err)
	}
	if !exited {
		if err := r.signaler.Signal(pid, syscall.SIGKILL); err != nil && !isProcessGoneError(err) {
			return fmt.Errorf("send SIGKILL to pid %d: %w", pid, err)
		}
		if _, waitErr := r.waitForExit(ctx, pid, r.forcedExitWait); waitErr != nil {
			return fmt.Errorf("wait for pid %d after SIGKILL: %w", pid, waitErr)
		}
	}

	alive, err := r.checker.Alive(pid)
	if err != nil {
		return fmt.Errorf("verify pid %d termination: %w", pid, err)
	}
	if alive {
		return fmt.Errorf("pid %d still alive after termination", pid)
	}
	return nil
}

func (r *Runner) waitForExit(ctx context.Context, pid int, window time.Duration) (bool, error) {
	if window <= 0 {
		window = r.terminationPollInterval
	}

	deadline := r.now().Add(window)
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		alive, err := r.checker.Alive(pid)
		if err != nil {
			return false, err
		}
		if !alive {
			return true, nil
		}
		if !r.now().Before(deadline) {
			return false, nil
		}
		r.sleep(r.terminationPollInterval)
	}
}

func wrapRunError(name string, args []string, err error, output string) error {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return fmt.Errorf("run %s: %w", formatCommand(name, args), err)
	}
	if len(trimmed) > 512 {
		trimmed = trimmed[:512]
	}
	return fmt.Errorf("run %s: %w (%s)", formatCommand(name, args), err, trimmed)
}

func isProcessGoneError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.ESRCH)
}

func formatCommand(name string, args []string) string {
	parts := append([]string{strings.TrimSpace(name)}, args...)
	sanitized := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sanitized = append(sanitized, part)
	}
	return strings.Join(sanitized, " ")
}

// FormatCommand renders a command vector the way runner errors do.
func FormatCommand(name string, args ...string) string {
	return formatCommand(name, args)
}

var _ Executor = (*Runner)(nil)
var _ Handle = (*Process)(nil)
var _ ProcessSignaler = defaultProcessSignaler{}
var _ ProcessChecker = defaultProcessChecker{}
