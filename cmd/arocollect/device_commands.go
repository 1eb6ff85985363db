package main

import (
	"context"
	"fmt"
	"io"

	"github.com/attdevsupport/aro-collector/internal/collector"
	"github.com/attdevsupport/aro-collector/internal/events"
	"github.com/attdevsupport/aro-collector/internal/ui"
	"github.com/spf13/cobra"
)

type targetFlags struct {
	platform string
	deviceID string
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.platform, "platform", "p", platformAndroid, "target platform: android or ios")
	cmd.Flags().StringVarP(&f.deviceID, "device", "d", "", "device serial or UDID (default: first attached device)")
}

func newLogCommand(a *app) *cobra.Command {
	flags := targetFlags{}
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print the device log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runLog(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func (a *app) runLog(ctx context.Context, out io.Writer, flags targetFlags) error {
	controller, release, err := a.idleController(ctx, flags)
	if err != nil {
		return err
	}
	defer release()
	for _, line := range controller.Log(ctx) {
		fmt.Fprintln(out, line)
	}
	return nil
}

func newHaltCommand(a *app) *cobra.Command {
	flags := targetFlags{}
	cmd := &cobra.Command{
		Use:   "halt",
		Short: "Force-stop the collector on the device without collecting a trace",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runHalt(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func (a *app) runHalt(ctx context.Context, out io.Writer, flags targetFlags) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	record, err := a.liveRecord(store)
	if err != nil {
		return err
	}
	if record != nil {
		return fmt.Errorf("capture %s is running in pid %d; use stop", record.ID, record.PID)
	}
	a.discard(store)

	controller, release, err := a.idleController(ctx, flags)
	if err != nil {
		return err
	}
	defer release()
	result := controller.HaltInDevice(ctx)
	fmt.Fprintln(out, ui.RenderResult("halt", result))
	if !result.Success {
		return fmt.Errorf("%w: %s", errCaptureFailed, result.String())
	}
	return nil
}

// idleController builds a controller for a platform and attaches it to the
// selected device without starting a capture.
func (a *app) idleController(ctx context.Context, flags targetFlags) (collector.Controller, func(), error) {
	platform, err := normalizePlatform(flags.platform)
	if err != nil {
		return nil, nil, err
	}
	controller, release, err := a.newController(ctx, platform, events.New(events.WithLogger(a.logger)))
	if err != nil {
		return nil, nil, fmt.Errorf("create %s controller: %w", platform, err)
	}
	releaseController := release
	release = func() {
		releaseController()
		a.logViolations()
	}
	if _, err := a.attachDevice(ctx, platform, controller, flags.deviceID); err != nil {
		release()
		return nil, nil, err
	}
	return controller, release, nil
}

func newDevicesCommand(a *app) *cobra.Command {
	platform := ""
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List attached Android and iOS devices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runDevices(cmd.Context(), cmd.OutOrStdout(), platform)
		},
	}
	cmd.Flags().StringVarP(&platform, "platform", "p", "", "only list one platform: android or ios")
	return cmd
}

func (a *app) runDevices(ctx context.Context, out io.Writer, platform string) error {
	platforms := []string{platformAndroid, platformIOS}
	if platform != "" {
		normalized, err := normalizePlatform(platform)
		if err != nil {
			return err
		}
		platforms = []string{normalized}
	}
	for _, name := range platforms {
		devices, err := a.listDevices(ctx, name)
		if err != nil {
			a.logger.Warn("device listing failed", "platform", name, "err", err)
			fmt.Fprintln(out, ui.LabelStyle.Render(name)+"\n  "+ui.RenderAlert(err.Error()))
			continue
		}
		fmt.Fprintln(out, ui.RenderDevices(name, devices))
	}
	return nil
}
