package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/attdevsupport/aro-collector/internal/doctor"
	"github.com/attdevsupport/aro-collector/internal/events"
	"github.com/attdevsupport/aro-collector/internal/ui"
	"github.com/spf13/cobra"
)

const defaultDoctorInterval = 30 * time.Second

func newDoctorCommand(a *app) *cobra.Command {
	watch := false
	interval := defaultDoctorInterval
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check capture tools and clean up after exited captures",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runDoctor(cmd.Context(), cmd.OutOrStdout(), watch, interval)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep checking until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", interval, "time between checks with --watch")
	return cmd
}

func (a *app) runDoctor(ctx context.Context, out io.Writer, watch bool, interval time.Duration) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	bus := events.New(events.WithLogger(a.logger))
	manager, err := doctor.NewManager(store, a.alive, bus, doctor.ToolsFromConfig(a.cfg.Tools), doctor.Config{
		HeartbeatInterval: interval,
	})
	if err != nil {
		return err
	}

	report, err := manager.RunOnce(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("doctor report", "stale", report.StaleRecords, "stuck", report.StuckCaptures, "missing", len(report.MissingTools()))
	fmt.Fprintln(out, ui.RenderHealth(report))
	if !watch {
		return nil
	}

	unreport := bus.Subscribe(events.EventTypeHealthCheck, func(event events.Event) {
		if next, ok := event.Payload.(doctor.HealthReport); ok {
			fmt.Fprintln(out, ui.RenderHealth(next))
		}
	})
	defer unreport()
	unalert := bus.Subscribe(events.EventTypeCaptureAlert, func(event events.Event) {
		fmt.Fprintln(out, ui.RenderAlert(fmt.Sprint(event.Payload)))
	})
	defer unalert()

	manager.Start(ctx)
	return nil
}
