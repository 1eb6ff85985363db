package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/attdevsupport/aro-collector/internal/events"
	"github.com/attdevsupport/aro-collector/internal/process"
	"github.com/charmbracelet/log"
)

const defaultPollInterval = time.Second

// Lister returns the serials currently attached.
type Lister func(ctx context.Context) ([]string, error)

// Change is the payload of DeviceAttached and DeviceDetached events.
type Change struct {
	Serial string
	Source string
}

// MonitorConfig controls the poll cadence.
type MonitorConfig struct {
	Interval time.Duration
	// Source names the lister in events, for example "adb" or "idevice".
	Source string
	Logger *log.Logger
}

// Monitor polls a Lister and publishes attach/detach events for differences.
type Monitor struct {
	list      Lister
	bus       events.Publisher
	interval  time.Duration
	source    string
	logger    *log.Logger
	now       func() time.Time
	newTicker func(time.Duration) *time.Ticker

	mu      sync.Mutex
	known   map[string]struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewMonitor builds a monitor with defaults for omitted config.
func NewMonitor(list Lister, bus events.Publisher, cfg MonitorConfig) (*Monitor, error) {
	if list == nil {
		return nil, errors.New("device lister is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if strings.TrimSpace(cfg.Source) == "" {
		cfg.Source = "device"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Monitor{
		list:      list,
		bus:       bus,
		interval:  cfg.Interval,
		source:    cfg.Source,
		logger:    logger.With("component", "device-monitor", "source", cfg.Source),
		now:       time.Now,
		newTicker: time.NewTicker,
		known:     map[string]struct{}{},
	}, nil
}

// Start seeds the attached set and polls in the background until Stop or ctx
// cancellation. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	serials, err := m.list(ctx)
	if err != nil {
		return fmt.Errorf("seed device list: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	m.known = toSet(serials)
	m.cancel = cancel
	m.done = done
	m.running = true
	m.mu.Unlock()

	go m.loop(runCtx, done)
	m.logger.Debug("device monitor started", "devices", len(serials))
	return nil
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := m.newTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("device poll failed", "err", err)
			}
		}
	}
}

// Stop halts polling and waits for the poll goroutine. It is safe to call
// on a monitor that never started.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.running = false
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Debug("device monitor stopped")
}

// Running reports whether the poll goroutine is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Devices returns the attached serials from the latest poll, sorted.
func (m *Monitor) Devices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.known)
}

// RunOnce polls the lister once and publishes events for every change.
func (m *Monitor) RunOnce(ctx context.Context) ([]string, []string, error) {
	serials, err := m.list(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list devices: %w", err)
	}
	current := toSet(serials)

	m.mu.Lock()
	var attached, detached []string
	for serial := range current {
		if _, ok := m.known[serial]; !ok {
			attached = append(attached, serial)
		}
	}
	for serial := range m.known {
		if _, ok := current[serial]; !ok {
			detached = append(detached, serial)
		}
	}
	m.known = current
	m.mu.Unlock()

	sort.Strings(attached)
	sort.Strings(detached)
	for _, serial := range attached {
		m.publish(events.EventTypeDeviceAttached, serial, events.SeverityInfo)
	}
	for _, serial := range detached {
		m.publish(events.EventTypeDeviceDetached, serial, events.SeverityWarn)
	}
	return attached, detached, nil
}

func (m *Monitor) publish(eventType, serial, severity string) {
	m.logger.Info("device change", "event", eventType, "serial", serial)
	m.bus.Publish(events.Event{
		Type:       eventType,
		Timestamp:  m.now().UTC(),
		EntityType: "device",
		EntityID:   serial,
		Severity:   severity,
		Payload:    Change{Serial: serial, Source: m.source},
	})
}

// ADBLister lists online adb serials.
func ADBLister(bridge Bridge) Lister {
	return func(ctx context.Context) ([]string, error) {
		devices, err := bridge.Devices(ctx)
		if err != nil {
			return nil, err
		}
		serials := make([]string, 0, len(devices))
		for _, info := range devices {
			if info.Online() {
				serials = append(serials, info.Serial)
			}
		}
		return serials, nil
	}
}

// IDeviceLister lists iOS UDIDs with `idevice_id -l` found in binDir, or on
// PATH when binDir is empty.
func IDeviceLister(executor process.Executor, binDir string) Lister {
	name := "idevice_id"
	if strings.TrimSpace(binDir) != "" {
		name = filepath.Join(binDir, name)
	}
	return func(ctx context.Context) ([]string, error) {
		out, err := executor.Exec(ctx, process.Spec{Name: name, Args: []string{"-l"}, Timeout: 10 * time.Second})
		if err != nil {
			return nil, err
		}
		var udids []string
		for _, line := range SplitLines(out) {
			udid := strings.TrimSpace(line)
			if ValidateID(udid) == nil {
				udids = append(udids, udid)
			}
		}
		return udids, nil
	}
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value != "" {
			set[value] = struct{}{}
		}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
