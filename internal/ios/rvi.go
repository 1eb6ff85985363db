package ios

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/attdevsupport/aro-collector/internal/process"
	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
)

const (
	rpmuxdPlist    = "/System/Library/LaunchDaemons/com.apple.rpmuxd.plist"
	rviSucceeded   = "[SUCCEEDED]"
	rviNoDevices   = "Could not get list of devices"
	rvictlTimeout  = 15 * time.Second
	maxDisconnects = 10
	defaultRVIName = "rvi0"
)

// ErrRVISetup is returned when rvictl never reports success.
var ErrRVISetup = errors.New("failed to connect to device; disconnect and reconnect the device, then try again")

// RVI manages the remote virtual interface bound to one device.
type RVI struct {
	exec     process.Executor
	sudo     *Sudo
	attempts int
	interval time.Duration
	logger   *log.Logger

	mu       sync.Mutex
	udid     string
	bound    bool
	launched bool
	name     string
}

// NewRVI builds an interface manager that retries `rvictl -s` attempts times.
func NewRVI(executor process.Executor, attempts int, interval time.Duration, logger *log.Logger) *RVI {
	return &RVI{
		exec:     executor,
		sudo:     NewSudo(executor),
		attempts: attempts,
		interval: interval,
		logger:   logger,
	}
}

// Setup binds udid to an interface. A binding already made for udid is reused;
// any other binding for the device is torn down before connecting.
func (r *RVI) Setup(ctx context.Context, udid, password string) error {
	r.launchDaemon(ctx, password)

	r.mu.Lock()
	if r.bound && r.udid == udid {
		r.mu.Unlock()
		r.logger.Debug("reusing rvi binding", "udid", udid)
		return nil
	}
	r.mu.Unlock()

	r.Disconnect(ctx, udid)

	name, err := backoff.Retry(ctx, func() (string, error) {
		name, ok := r.connect(ctx, "-s", udid)
		if ok {
			return name, nil
		}
		r.connect(ctx, "-x", udid)
		return "", ErrRVISetup
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(r.interval)),
		backoff.WithMaxTries(uint(max(r.attempts, 1))),
	)
	if err != nil {
		r.logger.Error("rvi setup failed", "udid", udid, "attempts", r.attempts, "err", err)
		return ErrRVISetup
	}

	r.mu.Lock()
	r.udid = udid
	r.bound = true
	r.name = name
	r.mu.Unlock()
	r.logger.Info("rvi started", "udid", udid, "interface", name)
	return nil
}

// Name returns the bound interface, rvi0 when rvictl did not say.
func (r *RVI) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.name == "" {
		return defaultRVIName
	}
	return r.name
}

// Bound reports whether an interface is currently bound.
func (r *RVI) Bound() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bound
}

// Disconnect removes the binding for udid until `rvictl -l` lists no
// devices, trying at most a fixed number of times.
func (r *RVI) Disconnect(ctx context.Context, udid string) {
	for i := 0; i < maxDisconnects; i++ {
		r.connect(ctx, "-x", udid)
		out, err := r.exec.Exec(ctx, process.Spec{Name: "rvictl", Args: []string{"-l"}, Timeout: rvictlTimeout})
		if err != nil && ctx.Err() != nil {
			break
		}
		if strings.TrimSpace(out) == rviNoDevices || !strings.Contains(out, udid) {
			break
		}
	}
	r.mu.Lock()
	if r.udid == udid {
		r.bound = false
		r.name = ""
	}
	r.mu.Unlock()
}

func (r *RVI) launchDaemon(ctx context.Context, password string) {
	r.mu.Lock()
	launched := r.launched
	r.mu.Unlock()
	if launched {
		return
	}
	if out, err := r.sudo.Run(ctx, password, "launchctl", "load", "-w", rpmuxdPlist); err != nil {
		r.logger.Warn("load rpmuxd failed", "err", err, "output", strings.TrimSpace(out))
		return
	}
	r.mu.Lock()
	r.launched = true
	r.mu.Unlock()
}

func (r *RVI) connect(ctx context.Context, mode, udid string) (string, bool) {
	out, err := r.exec.Exec(ctx, process.Spec{Name: "rvictl", Args: []string{mode, udid}, Timeout: rvictlTimeout})
	if err != nil && !strings.Contains(out, rviSucceeded) {
		r.logger.Debug("rvictl failed", "mode", mode, "err", err)
		return "", false
	}
	if !strings.Contains(out, rviSucceeded) {
		return "", false
	}
	return InterfaceName(out), true
}

// InterfaceName extracts the interface from rvictl output such as
// "Starting device <udid> [SUCCEEDED] with interface rvi0".
func InterfaceName(out string) string {
	_, after, ok := strings.Cut(out, "interface")
	if !ok {
		return ""
	}
	fields := strings.Fields(after)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
