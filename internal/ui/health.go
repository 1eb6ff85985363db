package ui

import (
	"fmt"
	"strings"

	"github.com/attdevsupport/aro-collector/internal/doctor"
)

// RenderHealth renders a doctor report.
func RenderHealth(report doctor.HealthReport) string {
	healthy := report.StuckCaptures == 0 && len(report.MissingTools()) == 0
	header := SuccessStyle.Render(IconDone + " environment healthy")
	if !healthy {
		header = WarningStyle.Render(IconAlert + " environment needs attention")
	}
	lines := []string{header}

	sessionLine := MutedStyle.Render("none")
	if report.SessionID != "" || report.SessionStatus != "" {
		state := "exited"
		if report.CaptureAlive {
			state = "running"
		}
		sessionLine = fmt.Sprintf("%s %s", report.SessionID, MutedStyle.Render("("+report.SessionStatus+", "+state+")"))
	}
	lines = append(lines, LabelStyle.Render(fmt.Sprintf("%-8s", "session"))+" "+strings.TrimSpace(sessionLine))
	if report.StaleRecords > 0 {
		lines = append(lines, LabelStyle.Render(fmt.Sprintf("%-8s", "stale"))+" "+fmt.Sprintf("%d record removed", report.StaleRecords))
	}
	if report.StuckCaptures > 0 {
		lines = append(lines, LabelStyle.Render(fmt.Sprintf("%-8s", "stuck"))+" "+WarningStyle.Render(fmt.Sprintf("%d capture not progressing", report.StuckCaptures)))
	}

	lines = append(lines, LabelStyle.Render("tools"))
	for _, tool := range report.Tools {
		name := fmt.Sprintf("%-12s %-8s", tool.Name, tool.Platform)
		if tool.Found {
			lines = append(lines, "  "+SuccessStyle.Render(IconDone)+" "+name+" "+MutedStyle.Render(tool.Resolved))
			continue
		}
		lines = append(lines, "  "+ErrorStyle.Render(IconFailed)+" "+name+" "+MutedStyle.Render(tool.Error))
	}
	return strings.Join(lines, "\n")
}
