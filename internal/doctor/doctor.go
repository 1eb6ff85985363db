// Package doctor checks the health of the local capture environment: the
// session record left by a capture process and the external tools the
// backends depend on.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/attdevsupport/aro-collector/internal/collector"
	"github.com/attdevsupport/aro-collector/internal/config"
	"github.com/attdevsupport/aro-collector/internal/events"
	"github.com/attdevsupport/aro-collector/internal/session"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultStuckTimeout      = 5 * time.Minute
)

// RecordStore is the subset of the session store the doctor reads and repairs.
type RecordStore interface {
	Load() (*session.Record, error)
	Delete() error
}

// Config controls heartbeat cadence and the stuck-capture threshold.
type Config struct {
	HeartbeatInterval time.Duration
	StuckTimeout      time.Duration
}

// Tool is one external dependency to verify. File tools are payloads pushed
// to a device and are checked with stat; the rest are resolved on PATH.
type Tool struct {
	Name     string
	Path     string
	Platform string
	File     bool
}

// ToolStatus is the outcome of checking one Tool.
type ToolStatus struct {
	Name     string `json:"name"`
	Platform string `json:"platform"`
	Resolved string `json:"resolved,omitempty"`
	Found    bool   `json:"found"`
	Error    string `json:"error,omitempty"`
}

// HealthReport is emitted on every heartbeat.
type HealthReport struct {
	SessionID       string       `json:"session_id,omitempty"`
	SessionStatus   string       `json:"session_status,omitempty"`
	CaptureAlive    bool         `json:"capture_alive"`
	StaleRecords    int          `json:"stale_records"`
	StuckCaptures   int          `json:"stuck_captures"`
	Tools           []ToolStatus `json:"tools"`
	DoctorHeartbeat time.Time    `json:"doctor_heartbeat"`
}

// MissingTools lists the tools that could not be found.
func (r HealthReport) MissingTools() []ToolStatus {
	var missing []ToolStatus
	for _, tool := range r.Tools {
		if !tool.Found {
			missing = append(missing, tool)
		}
	}
	return missing
}

// Manager executes health checks on a periodic ticker.
type Manager struct {
	store             RecordStore
	alive             func(pid int) bool
	bus               events.Publisher
	tools             []Tool
	heartbeatInterval time.Duration
	stuckTimeout      time.Duration
	now               func() time.Time
	newTicker         func(time.Duration) *time.Ticker
	lookPath          func(string) (string, error)
	stat              func(string) (os.FileInfo, error)
}

// NewManager builds a doctor with defaults for unset Config fields.
func NewManager(store RecordStore, alive func(pid int) bool, bus events.Publisher, tools []Tool, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if alive == nil {
		return nil, errors.New("process liveness check is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = defaultStuckTimeout
	}
	return &Manager{
		store:             store,
		alive:             alive,
		bus:               bus,
		tools:             append([]Tool(nil), tools...),
		heartbeatInterval: cfg.HeartbeatInterval,
		stuckTimeout:      cfg.StuckTimeout,
		now:               time.Now,
		newTicker:         time.NewTicker,
		lookPath:          exec.LookPath,
		stat:              os.Stat,
	}, nil
}

// ToolsFromConfig lists the binaries and device payloads named in cfg.
func ToolsFromConfig(cfg config.Tools) []Tool {
	ideviceID := "idevice_id"
	if dir := strings.TrimSpace(cfg.LibIMobileDeviceDir); dir != "" {
		ideviceID = filepath.Join(dir, ideviceID)
	}
	return []Tool{
		{Name: "adb", Path: cfg.ADB, Platform: "android"},
		{Name: "tcpdump", Path: cfg.Tcpdump, Platform: "android", File: true},
		{Name: "tcpdump_pie", Path: cfg.TcpdumpPIE, Platform: "android", File: true},
		{Name: "apk", Path: cfg.APK, Platform: "android", File: true},
		{Name: "ffmpeg", Path: cfg.FFmpeg, Platform: "video"},
		{Name: "idevice_id", Path: ideviceID, Platform: "ios"},
		{Name: "xcodebuild", Path: "xcodebuild", Platform: "ios"},
		{Name: "rvictl", Path: "rvictl", Platform: "ios"},
	}
}

// Start runs heartbeat checks until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := m.newTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil {
				m.bus.Publish(events.Event{
					Type:       events.EventTypeCaptureAlert,
					Timestamp:  m.now().UTC(),
					EntityType: "health",
					EntityID:   "doctor",
					Payload:    err.Error(),
					Severity:   events.SeverityError,
				})
			}
		}
	}
}

// RunOnce executes one health check cycle.
func (m *Manager) RunOnce(ctx context.Context) (HealthReport, error) {
	if m == nil {
		return HealthReport{}, errors.New("doctor manager is nil")
	}
	if err := ctx.Err(); err != nil {
		return HealthReport{}, err
	}

	now := m.now().UTC()
	report := HealthReport{DoctorHeartbeat: now}

	record, err := m.store.Load()
	switch {
	case errors.Is(err, session.ErrNoSession):
	case err != nil:
		return HealthReport{}, fmt.Errorf("load session record: %w", err)
	default:
		if err := m.inspectRecord(record, now, &report); err != nil {
			return HealthReport{}, err
		}
	}

	report.Tools = m.checkTools()

	m.bus.Publish(events.Event{
		Type:       events.EventTypeHealthCheck,
		Timestamp:  now,
		EntityType: "health",
		EntityID:   "doctor",
		Payload:    report,
		Severity:   events.SeverityInfo,
	})
	return report, nil
}

func (m *Manager) inspectRecord(record *session.Record, now time.Time, report *HealthReport) error {
	report.SessionID = record.ID
	report.SessionStatus = record.Status
	report.CaptureAlive = m.alive(record.PID)

	if !report.CaptureAlive {
		if err := m.store.Delete(); err != nil {
			return fmt.Errorf("remove stale session record %s: %w", record.ID, err)
		}
		report.StaleRecords++
		m.bus.Publish(events.Event{
			Type:       events.EventTypeCaptureAlert,
			Timestamp:  now,
			EntityType: "session",
			EntityID:   record.ID,
			Payload:    fmt.Sprintf("removed session record of exited pid %d", record.PID),
			Severity:   events.SeverityWarn,
		})
		return nil
	}

	if !isTransient(record.Status) || record.UpdatedAt.IsZero() {
		return nil
	}
	if stalled := now.Sub(record.UpdatedAt.UTC()); stalled > m.stuckTimeout {
		report.StuckCaptures++
		m.bus.Publish(events.Event{
			Type:       events.EventTypeCaptureAlert,
			Timestamp:  now,
			EntityType: "session",
			EntityID:   record.ID,
			Payload:    fmt.Sprintf("capture has been %s for %s", strings.ToLower(record.Status), stalled.Round(time.Second)),
			Severity:   events.SeverityWarn,
		})
	}
	return nil
}

func (m *Manager) checkTools() []ToolStatus {
	statuses := make([]ToolStatus, 0, len(m.tools))
	for _, tool := range m.tools {
		status := ToolStatus{Name: tool.Name, Platform: tool.Platform}
		path := strings.TrimSpace(tool.Path)
		switch {
		case path == "":
			status.Error = "not configured"
		case tool.File:
			if _, err := m.stat(path); err != nil {
				status.Error = err.Error()
			} else {
				status.Found = true
				status.Resolved = path
			}
		default:
			resolved, err := m.lookPath(path)
			if err != nil {
				status.Error = err.Error()
			} else {
				status.Found = true
				status.Resolved = resolved
			}
		}
		statuses = append(statuses, status)
	}
	return statuses
}

func isTransient(status string) bool {
	normalized := collector.Status(strings.ToUpper(strings.TrimSpace(status)))
	return normalized == collector.StatusStarting || normalized == collector.StatusStopping
}
