package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/attdevsupport/aro-collector/internal/collector"
	"github.com/attdevsupport/aro-collector/internal/device"
	"github.com/attdevsupport/aro-collector/internal/events"
	"github.com/attdevsupport/aro-collector/internal/session"
	"github.com/attdevsupport/aro-collector/internal/ui"
	"github.com/spf13/cobra"
)

const passwordAttempts = 3

// errCaptureFailed marks a controller result that was already printed.
var errCaptureFailed = errors.New("capture failed")

type startFlags struct {
	platform      string
	folder        string
	deviceID      string
	video         bool
	liveView      bool
	duration      time.Duration
	passwordStdin bool
	tui           bool
}

func newStartCommand(a *app) *cobra.Command {
	flags := startFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Capture a trace until interrupted or the duration elapses",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runStart(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), flags)
		},
	}
	cmd.Flags().StringVarP(&flags.platform, "platform", "p", platformAndroid, "target platform: android or ios")
	cmd.Flags().StringVarP(&flags.folder, "folder", "f", "", "local trace folder (must not exist or be empty)")
	cmd.Flags().StringVarP(&flags.deviceID, "device", "d", "", "device serial or UDID (default: first attached device)")
	cmd.Flags().BoolVar(&flags.video, "video", false, "record screen video alongside the capture")
	cmd.Flags().BoolVar(&flags.liveView, "live-view", false, "request the live screen view")
	cmd.Flags().DurationVar(&flags.duration, "duration", 0, "stop automatically after this long")
	cmd.Flags().BoolVar(&flags.passwordStdin, "password-stdin", false, "read the sudo password from stdin (iOS)")
	cmd.Flags().BoolVar(&flags.tui, "tui", false, "show the live capture dashboard while capturing")
	_ = cmd.MarkFlagRequired("folder")
	return cmd
}

func (a *app) runStart(ctx context.Context, out, errOut io.Writer, flags startFlags) error {
	platform, err := normalizePlatform(flags.platform)
	if err != nil {
		return err
	}
	folder, err := filepath.Abs(strings.TrimSpace(flags.folder))
	if err != nil {
		return fmt.Errorf("resolve trace folder: %w", err)
	}
	if flags.deviceID != "" {
		if err := device.ValidateID(flags.deviceID); err != nil {
			return err
		}
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	if existing, err := store.Load(); err == nil && a.alive(existing.PID) {
		return fmt.Errorf("capture %s is already running in pid %d", existing.ID, existing.PID)
	}

	bus := events.New(events.WithLogger(a.logger))
	defer a.logViolations()
	defer func() {
		if dropped := bus.Dropped(); len(dropped) > 0 {
			a.logger.Warn("events dropped during capture", "counts", dropped)
		}
	}()
	controller, release, err := a.newController(ctx, platform, bus)
	if err != nil {
		return fmt.Errorf("create %s controller: %w", platform, err)
	}
	defer release()

	if err := store.Save(&session.Record{
		PID:       os.Getpid(),
		Backend:   controller.Name(),
		Device:    flags.deviceID,
		Folder:    folder,
		Video:     flags.video,
		Status:    string(collector.StatusReady),
		StartedAt: a.now(),
	}); err != nil {
		return err
	}
	unfollow := store.Follow(bus)
	defer unfollow()
	unalert := bus.Subscribe(events.EventTypeCaptureAlert, func(event events.Event) {
		fmt.Fprintln(errOut, ui.RenderAlert(fmt.Sprint(event.Payload)))
	})
	defer unalert()
	undetach := bus.Subscribe(events.EventTypeDeviceDetached, func(event events.Event) {
		fmt.Fprintln(errOut, ui.RenderAlert("device "+event.EntityID+" detached"))
	})
	defer undetach()

	opts := collector.StartOptions{
		CommandLine:  true,
		Folder:       folder,
		CaptureVideo: flags.video,
		LiveView:     flags.liveView,
		DeviceID:     flags.deviceID,
	}
	input := bufio.NewReader(a.in)
	if flags.passwordStdin {
		password, err := readLine(input)
		if err != nil {
			a.discard(store)
			return fmt.Errorf("read password from stdin: %w", err)
		}
		opts.Password = password
	}

	result := controller.Start(ctx, opts)
	for attempt := 1; result.NeedsPassword() && attempt <= passwordAttempts; attempt++ {
		if opts.Password != "" {
			fmt.Fprintln(errOut, ui.WarningStyle.Render("sudo password rejected"))
		}
		password, err := a.promptPassword(ctx, input, errOut)
		if err != nil {
			break
		}
		opts.Password = password
		result = controller.Start(ctx, opts)
	}
	if result.NeedsPassword() {
		a.discard(store)
		return fmt.Errorf("%w: sudo password not accepted", errCaptureFailed)
	}
	if !result.Success {
		a.discard(store)
		fmt.Fprintln(out, ui.RenderResult("start", result))
		return fmt.Errorf("%w: %s", errCaptureFailed, result.String())
	}
	a.logger.Info("capture started", "platform", platform, "folder", folder)
	fmt.Fprintln(out, ui.RenderResult("start", result))
	fmt.Fprintln(out, ui.MutedStyle.Render("capturing to "+folder+"; interrupt or run `arocollect stop` to finish"))

	if flags.tui {
		if err := a.runCaptureDashboard(ctx, out, bus, store, controller, flags.duration); err != nil {
			a.logger.Warn("dashboard exited", "err", err)
		}
	} else {
		a.waitForStop(ctx, controller, flags.duration)
	}

	stopResult := controller.Stop(context.WithoutCancel(ctx))
	unfollow()
	a.discard(store)
	fmt.Fprintln(out, ui.RenderResult("stop", stopResult))
	if !stopResult.Success {
		return fmt.Errorf("%w: %s", errCaptureFailed, stopResult.String())
	}
	a.logger.Info("trace collected", "folder", folder)
	return nil
}

// waitForStop blocks until ctx ends, the duration elapses or the controller
// stops on its own.
func (a *app) waitForStop(ctx context.Context, controller collector.Controller, duration time.Duration) {
	waitCtx := ctx
	if duration > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-waitCtx.Done():
			return
		case <-ticker.C:
			if !controller.IsRunning() {
				a.logger.Warn("capture ended without a stop request")
				return
			}
		}
	}
}

func (a *app) discard(store *session.Store) {
	if err := store.Delete(); err != nil {
		a.logger.Warn("delete session record", "err", err)
	}
}

// promptPassword uses a hidden-input form on a terminal and a plain line read
// otherwise.
func (a *app) promptPassword(ctx context.Context, input *bufio.Reader, errOut io.Writer) (string, error) {
	if ui.IsTerminal(a.in) {
		return ui.PromptPassword(ctx, a.in, errOut, "sudo password")
	}
	fmt.Fprint(errOut, "sudo password: ")
	return readLine(input)
}

func readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
