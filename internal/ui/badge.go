package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// BadgeOpt configures optional rendering behavior for RenderStatusBadge.
type BadgeOpt func(*badgeOptions)

type badgeOptions struct {
	showIcon bool
	bold     bool
}

type badgeVariant struct {
	icon  string
	label string
	color lipgloss.TerminalColor
}

var statusBadgeVariants = map[string]badgeVariant{
	"ready":    {icon: IconIdle, label: "READY", color: GrayColor},
	"starting": {icon: IconWorking, label: "STARTING", color: AmberColor},
	"started":  {icon: IconWorking, label: "CAPTURING", color: GreenColor},
	"stopping": {icon: IconWorking, label: "STOPPING", color: AmberColor},
	"stopped":  {icon: IconDone, label: "STOPPED", color: BlueColor},
	"failed":   {icon: IconFailed, label: "FAILED", color: RedColor},
	"none":     {icon: IconIdle, label: "NO SESSION", color: GrayColor},
}

// WithBadgeIcon controls whether the icon is shown (default: true).
func WithBadgeIcon(show bool) BadgeOpt {
	return func(options *badgeOptions) {
		options.showIcon = show
	}
}

// WithBadgeBold controls whether the badge text is bold (default: false).
func WithBadgeBold(bold bool) BadgeOpt {
	return func(options *badgeOptions) {
		options.bold = bold
	}
}

// RenderStatusBadge renders `[icon] LABEL` for a session status.
func RenderStatusBadge(status string, opts ...BadgeOpt) string {
	options := badgeOptions{showIcon: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	variant, ok := statusBadgeVariants[strings.ToLower(strings.TrimSpace(status))]
	if !ok {
		variant = badgeVariant{
			icon:  IconAlert,
			label: strings.ToUpper(strings.TrimSpace(status)),
			color: GrayColor,
		}
		if variant.label == "" {
			variant.label = "UNKNOWN"
		}
	}

	content := variant.label
	if options.showIcon {
		content = variant.icon + " " + variant.label
	}
	return lipgloss.NewStyle().
		Foreground(variant.color).
		Bold(options.bold).
		Render(content)
}
