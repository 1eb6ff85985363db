package ios

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/attdevsupport/aro-collector/internal/events"
	"github.com/attdevsupport/aro-collector/internal/process"
	"github.com/charmbracelet/log"
)

// CaptureFile is the packet capture the iOS backend writes.
const CaptureFile = "traffic.pcap"

// pcapHeaderSize is the global header tcpdump writes before the first packet.
const pcapHeaderSize = 24

// PacketsCaptured is the payload of the PacketsCaptured event.
type PacketsCaptured struct {
	Path  string
	Count int
}

// tcpdump supervises the privileged packet capture on the RVI interface.
type tcpdump struct {
	exec     process.Executor
	sudo     *Sudo
	password string
	path     string
	iface    string
	bus      events.Publisher
	logger   *log.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	handle process.Handle
	cancel context.CancelFunc
	reader chan struct{}

	mu      sync.Mutex
	pids    []int
	packets int
}

// CaptureSpec is the `sudo -S tcpdump` invocation writing path from iface.
func CaptureSpec(sudo *Sudo, password, iface, path string) process.Spec {
	spec := sudo.Spec(password, "tcpdump", "-i", iface, "-s", "0", "-w", path)
	spec.Timeout = 0
	spec.Label = "tcpdump"
	return spec
}

// start launches tcpdump in the background and starts the output reader.
func (t *tcpdump) start() error {
	ctx, cancel := context.WithCancel(context.Background())
	handle, err := t.exec.Launch(ctx, CaptureSpec(t.sudo, t.password, t.iface, t.path))
	if err != nil {
		cancel()
		return fmt.Errorf("launch tcpdump: %w", err)
	}
	t.handle = handle
	t.cancel = cancel
	t.reader = make(chan struct{})

	go func() {
		defer close(t.reader)
		for line := range handle.Lines() {
			if count, ok := ParsePacketsCaptured(line.Text); ok {
				t.mu.Lock()
				t.packets = count
				t.mu.Unlock()
				t.bus.Publish(events.Event{
					Type:       events.EventTypePacketsCaptured,
					EntityType: "capture",
					EntityID:   t.path,
					Severity:   events.SeverityInfo,
					Payload:    PacketsCaptured{Path: t.path, Count: count},
				})
			}
			t.logger.Debug("tcpdump", "line", line.Text)
		}
		exit, _ := handle.Wait(context.Background())
		t.logger.Info("tcpdump exited", "code", exit.Code)
	}()
	return nil
}

// errTcpdumpExited reports a capture that ended before it was confirmed.
var errTcpdumpExited = errors.New("tcpdump exited")

// exited reports whether the tcpdump shell has ended.
func (t *tcpdump) exited() bool {
	select {
	case <-t.handle.Done():
		return true
	default:
		return false
	}
}

// confirm is one readiness check: tcpdump is confirmed once `ps ax` lists it
// writing the capture file, or once that file holds more than its header.
func (t *tcpdump) confirm(ctx context.Context) (bool, error) {
	if t.exited() {
		return false, fmt.Errorf("%w before writing %s", errTcpdumpExited, t.path)
	}
	out, err := t.exec.Exec(ctx, process.Spec{Name: "ps", Args: []string{"ax"}, Timeout: 5 * time.Second})
	if err == nil {
		if pids := CapturePIDs(out, t.path); len(pids) > 0 {
			t.mu.Lock()
			t.pids = pids
			t.mu.Unlock()
			return true, nil
		}
	}
	if info, statErr := os.Stat(t.path); statErr == nil && info.Size() > pcapHeaderSize {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("list processes: %w", err)
	}
	return false, fmt.Errorf("no tcpdump process for %s", t.path)
}

// stop interrupts every found pid, waits for the reader to see the exit and
// force-kills what is left.
func (t *tcpdump) stop(ctx context.Context, attempts int, interval time.Duration) error {
	if t.handle == nil {
		return nil
	}
	t.mu.Lock()
	pids := append([]int(nil), t.pids...)
	t.mu.Unlock()

	for _, pid := range pids {
		if out, err := t.sudo.Run(ctx, t.password, "kill", "-SIGINT", strconv.Itoa(pid)); err != nil {
			t.logger.Warn("interrupt tcpdump failed", "pid", pid, "err", err, "output", strings.TrimSpace(out))
		}
	}
	if len(pids) == 0 {
		if err := t.handle.Stop(ctx, interval); err != nil {
			t.logger.Warn("stop tcpdump shell failed", "err", err)
		}
	}

	var waitErr error
	budget := time.Duration(attempts) * interval
	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case <-t.reader:
	case <-ctx.Done():
		waitErr = ctx.Err()
	case <-timer.C:
		waitErr = fmt.Errorf("tcpdump still running after %s", budget)
	}
	_ = t.handle.Kill()
	t.cancel()
	return waitErr
}

// kill force-ends tcpdump without the SIGINT handshake.
func (t *tcpdump) kill() {
	if t.handle == nil {
		return
	}
	_ = t.handle.Kill()
	t.cancel()
}

func (t *tcpdump) packetCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.packets
}

// ParsePacketsCaptured reads tcpdump's "N packets captured" summary line.
func ParsePacketsCaptured(line string) (int, bool) {
	if !strings.Contains(line, "packets captured") {
		return 0, false
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0, false
	}
	count, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, false
	}
	return count, true
}

// CapturePIDs extracts the pids of `ps ax` lines running tcpdump on path,
// skipping the grep and sudo wrappers.
func CapturePIDs(psOutput, path string) []int {
	var pids []int
	seen := map[int]struct{}{}
	for _, line := range strings.Split(psOutput, "\n") {
		line = strings.TrimSpace(line)
		if !strings.Contains(line, path) || strings.Contains(line, "grep ") || strings.Contains(line, "sudo ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		if _, ok := seen[pid]; ok {
			continue
		}
		seen[pid] = struct{}{}
		pids = append(pids, pid)
	}
	return pids
}
