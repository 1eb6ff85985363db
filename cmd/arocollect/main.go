package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/attdevsupport/aro-collector/internal/config"
	"github.com/attdevsupport/aro-collector/internal/device"
	"github.com/attdevsupport/aro-collector/internal/events"
	"github.com/attdevsupport/aro-collector/internal/logging"
	"github.com/attdevsupport/aro-collector/internal/session"
	"github.com/attdevsupport/aro-collector/internal/telemetry"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(ctx, cfg.Log)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	settings := telemetry.SettingsFrom(cfg.OTel, Version)
	settings.Platform = resolvePlatformFlag(args)
	shutdown, err := telemetry.Init(ctx, settings)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer shutdown()

	logger.Logger.With("command", resolveCommandName(args), "args", redactArgs(args)).Debug("command invocation")

	cmd := newRootCommand(newApp(cfg, logger.Component("cli")))
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// app carries the collaborators of every subcommand. Tests swap the hooks.
type app struct {
	cfg    *config.Config
	logger *log.Logger
	in     io.Reader

	newController controllerFactory
	listDevices   func(ctx context.Context, platform string) ([]device.Info, error)
	openStore     func() (*session.Store, error)
	alive         func(pid int) bool
	signal        func(pid int, sig syscall.Signal) error
	now           func() time.Time
	homeDir       func() (string, error)
	runTool       func(ctx context.Context, name string, args ...string) (string, error)
	pollInterval  time.Duration
}

func newApp(cfg *config.Config, logger *log.Logger) *app {
	a := &app{
		cfg:          cfg,
		logger:       logger,
		in:           os.Stdin,
		openStore:    func() (*session.Store, error) { return session.NewStore("") },
		alive:        processAlive,
		signal:       func(pid int, sig syscall.Signal) error { return syscall.Kill(pid, sig) },
		now:          time.Now,
		homeDir:      os.UserHomeDir,
		pollInterval: time.Second,
	}
	a.runTool = func(ctx context.Context, name string, args ...string) (string, error) {
		runner, err := a.newExecutor(events.Discard{})
		if err != nil {
			return "", err
		}
		return runner.Run(ctx, name, args...)
	}
	a.newController = a.buildController
	a.listDevices = a.deviceListings
	return a
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "arocollect",
		Short:         "Capture network traces from Android and iOS devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newStartCommand(a),
		newStopCommand(a),
		newStatusCommand(a),
		newLogCommand(a),
		newDevicesCommand(a),
		newHaltCommand(a),
		newCodesCommand(a),
		newDoctorCommand(a),
		newBugreportCommand(a),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if a == nil || a.logger == nil {
			return errors.New("logger is required")
		}
		if a.cfg == nil {
			return errors.New("config is required")
		}
		a.logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}
	return root
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
