package ui

import (
	"errors"
	"testing"
	"time"

	"github.com/attdevsupport/aro-collector/internal/collector"
	"github.com/attdevsupport/aro-collector/internal/events"
	"github.com/attdevsupport/aro-collector/internal/session"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dashboardNow = time.Date(2026, 2, 11, 10, 0, 30, 0, time.UTC)

func newDashboardForTest(cfg DashboardConfig) *Dashboard {
	cfg.Now = func() time.Time { return dashboardNow }
	return NewDashboard(cfg)
}

func mustDashboard(t *testing.T, model tea.Model) *Dashboard {
	t.Helper()
	dashboard, ok := model.(*Dashboard)
	require.True(t, ok, "model type = %T, want *Dashboard", model)
	return dashboard
}

func isQuit(cmd tea.Cmd) bool {
	if cmd == nil {
		return false
	}
	_, ok := cmd().(tea.QuitMsg)
	return ok
}

func TestDashboardQuitsOnKey(t *testing.T) {
	t.Parallel()

	model := newDashboardForTest(DashboardConfig{})
	next, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.True(t, isQuit(cmd))
	assert.False(t, mustDashboard(t, next).Ended())

	_, cmd = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")})
	assert.Nil(t, cmd)
}

func TestDashboardTracksRecordChangesUntilSessionEnds(t *testing.T) {
	t.Parallel()

	model := newDashboardForTest(DashboardConfig{})

	_, cmd := model.Update(RecordMsg{Err: session.ErrNoSession})
	assert.Nil(t, cmd, "a missing record before any capture keeps waiting")

	_, cmd = model.Update(RecordMsg{Record: &session.Record{ID: "s-1", Status: "STARTED"}})
	assert.Nil(t, cmd)
	assert.Contains(t, model.View(), "CAPTURING")

	model.Update(RecordMsg{Record: &session.Record{ID: "s-1", Status: "STOPPING"}})
	model.Update(RecordMsg{Err: errors.New("watch failed")})
	_, cmd = model.Update(RecordMsg{Err: session.ErrNoSession})
	assert.True(t, isQuit(cmd))
	assert.True(t, model.Ended())

	entries := model.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "STARTED -> STOPPING", entries[0].Message)
	assert.Equal(t, events.SeverityWarn, entries[1].Severity)
	assert.Equal(t, "session ended", entries[2].Message)
	assert.Contains(t, model.View(), "NO SESSION")
}

func TestDashboardLogsBusEvents(t *testing.T) {
	t.Parallel()

	model := newDashboardForTest(DashboardConfig{})
	assert.Contains(t, model.View(), "No recent events")

	model.Update(EventMsg(events.Event{
		Type:      events.EventTypeSessionTransition,
		Timestamp: dashboardNow,
		Payload:   collector.Transition{SessionID: "s-1", From: collector.StatusStarting, To: collector.StatusStopped, Reason: "no device"},
	}))
	model.Update(EventMsg(events.Event{
		Type:     events.EventTypeDeviceDetached,
		EntityID: "emulator-5554",
		Severity: "warn",
	}))

	entries := model.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "STARTING -> STOPPED (no device)", entries[0].Message)
	assert.Equal(t, events.SeverityInfo, entries[0].Severity)
	assert.Equal(t, "emulator-5554", entries[1].Message)
	assert.Equal(t, events.SeverityWarn, entries[1].Severity)

	view := model.View()
	assert.Contains(t, view, "10:00:30")
	assert.Contains(t, view, events.EventTypeDeviceDetached)
}

func TestDashboardQuitsWhenCaptureStopsRunning(t *testing.T) {
	t.Parallel()

	running := true
	model := newDashboardForTest(DashboardConfig{Running: func() bool { return running }})

	_, cmd := model.Update(tickMsg(dashboardNow))
	require.NotNil(t, cmd)
	assert.False(t, model.Ended())

	running = false
	_, cmd = model.Update(tickMsg(dashboardNow))
	assert.True(t, isQuit(cmd))
	assert.True(t, model.Ended())
}

func TestDashboardQuitsAtDeadlineAndShowsProgress(t *testing.T) {
	t.Parallel()

	model := newDashboardForTest(DashboardConfig{
		Started:  dashboardNow.Add(-30 * time.Second),
		Deadline: dashboardNow.Add(30 * time.Second),
	})
	assert.Contains(t, model.View(), "30s left")

	_, cmd := model.Update(tickMsg(dashboardNow.Add(30 * time.Second)))
	assert.True(t, isQuit(cmd))
	assert.True(t, model.Ended())
}

func TestDashboardKeepsBoundedLog(t *testing.T) {
	t.Parallel()

	model := newDashboardForTest(DashboardConfig{})
	for i := 0; i < dashboardMaxEntries+10; i++ {
		model.Update(EventMsg(events.Event{Type: events.EventTypeCaptureAlert, Payload: "alert"}))
	}
	assert.Len(t, model.Entries(), dashboardMaxEntries)

	model.Update(tea.WindowSizeMsg{Width: 60, Height: 20})
	assert.NotEmpty(t, model.View())
}
