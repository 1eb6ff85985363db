package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/attdevsupport/aro-collector/internal/collector"
	"github.com/attdevsupport/aro-collector/internal/device"
	"github.com/attdevsupport/aro-collector/internal/session"
	"github.com/charmbracelet/lipgloss"
)

// RenderResult renders the outcome of a controller call on one line.
func RenderResult(action string, result collector.StatusResult) string {
	switch {
	case result.Success:
		line := SuccessStyle.Render(IconDone+" "+action) + " " + MutedStyle.Render(strings.TrimSpace(result.Data))
		return strings.TrimRight(line, " ")
	case result.Error != nil:
		return ErrorStyle.Render(fmt.Sprintf("%s %s failed [%d %s]", IconFailed, action, result.Error.Code, result.Error.Name)) +
			" " + result.Error.Description + detail(result.Data)
	default:
		return ErrorStyle.Render(IconFailed+" "+action+" failed") + detail(result.Data)
	}
}

func detail(data string) string {
	data = strings.TrimSpace(data)
	if data == "" {
		return ""
	}
	return " " + MutedStyle.Render("("+data+")")
}

// RenderRecord renders the persisted session as a labelled block. A nil
// record renders the idle badge.
func RenderRecord(record *session.Record, now time.Time) string {
	if record == nil {
		return RenderStatusBadge("none", WithBadgeBold(true))
	}
	status := record.Status
	if record.LastError != "" && strings.EqualFold(status, string(collector.StatusStopped)) {
		status = "failed"
	}
	rows := [][2]string{
		{"session", record.ID},
		{"backend", record.Backend},
		{"device", record.Device},
		{"folder", record.Folder},
		{"video", fmt.Sprintf("%t", record.Video)},
		{"pid", fmt.Sprintf("%d", record.PID)},
	}
	if !record.StartedAt.IsZero() {
		rows = append(rows, [2]string{"elapsed", now.Sub(record.StartedAt).Round(time.Second).String()})
	}
	if record.LastError != "" {
		rows = append(rows, [2]string{"error", record.LastError})
	}

	lines := []string{RenderStatusBadge(status, WithBadgeBold(true))}
	for _, row := range rows {
		lines = append(lines, LabelStyle.Render(fmt.Sprintf("%-8s", row[0]))+" "+row[1])
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// RenderDevices renders a device listing, one device per line.
func RenderDevices(platform string, devices []device.Info) string {
	header := LabelStyle.Render(platform)
	if len(devices) == 0 {
		return header + "\n  " + MutedStyle.Render("no devices")
	}
	lines := []string{header}
	for _, info := range devices {
		state := SuccessStyle.Render(info.State)
		if !info.Online() {
			state = WarningStyle.Render(info.State)
		}
		line := fmt.Sprintf("  %-24s %s", info.Serial, state)
		if info.Model != "" {
			line += " " + MutedStyle.Render(info.Model)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// RenderAlert renders a capture alert line.
func RenderAlert(message string) string {
	return WarningStyle.Render(IconAlert+" "+strings.TrimSpace(message))
}
