package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/attdevsupport/aro-collector/internal/android"
	"github.com/attdevsupport/aro-collector/internal/collector"
	"github.com/attdevsupport/aro-collector/internal/device"
	"github.com/attdevsupport/aro-collector/internal/events"
	"github.com/attdevsupport/aro-collector/internal/ios"
	"github.com/attdevsupport/aro-collector/internal/process"
	"github.com/attdevsupport/aro-collector/internal/toolchain"
	"go.opentelemetry.io/otel"
)

const (
	platformAndroid = "android"
	platformIOS     = "ios"
)

// controllerFactory builds the controller for a platform. The returned func
// releases the monitor and subscriptions it owns.
type controllerFactory func(ctx context.Context, platform string, bus events.Bus) (collector.Controller, func(), error)

// attacher is implemented by controllers that can target a device without
// starting a capture.
type attacher interface {
	Attach(serial string) error
}

func normalizePlatform(platform string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(platform)) {
	case platformAndroid, "adb":
		return platformAndroid, nil
	case platformIOS, "iphone", "ipad":
		return platformIOS, nil
	default:
		return "", fmt.Errorf("unknown platform %q (want android or ios)", platform)
	}
}

func (a *app) newExecutor(bus events.Publisher) (*process.Runner, error) {
	return process.New(process.Options{Bus: bus, Logger: a.logger})
}

func (a *app) newADB(executor process.Executor) (*device.ADB, error) {
	return device.NewADB(device.ADBOptions{
		Executor: executor,
		Path:     a.cfg.Tools.ADB,
		Logger:   a.logger,
	})
}

func (a *app) buildController(ctx context.Context, platform string, bus events.Bus) (collector.Controller, func(), error) {
	executor, err := a.newExecutor(bus)
	if err != nil {
		return nil, nil, fmt.Errorf("create process runner: %w", err)
	}

	switch platform {
	case platformAndroid:
		adb, err := a.newADB(executor)
		if err != nil {
			return nil, nil, fmt.Errorf("create adb bridge: %w", err)
		}
		backend, err := android.New(android.Options{
			Bridge:   adb,
			Executor: executor,
			Tools:    a.cfg.Tools,
			Retry:    a.cfg.Retry,
			Logger:   a.logger,
			Tracer:   otel.Tracer("aro/android"),
			Bus:      bus,
		})
		if err != nil {
			return nil, nil, err
		}
		monitor, err := device.NewMonitor(device.ADBLister(adb), bus, device.MonitorConfig{
			Interval: a.cfg.Monitor.PollInterval,
			Source:   "adb",
			Logger:   a.logger,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := monitor.Start(ctx); err != nil {
			a.logger.Warn("adb device monitor not started", "err", err)
		}
		return backend, monitor.Stop, nil

	case platformIOS:
		checker, err := toolchain.NewChecker(executor)
		if err != nil {
			return nil, nil, err
		}
		backend, err := ios.New(ios.Options{
			Executor:     executor,
			Tools:        a.cfg.Tools,
			Retry:        a.cfg.Retry,
			Logger:       a.logger,
			Tracer:       otel.Tracer("aro/ios"),
			Bus:          bus,
			Toolchain:    checker,
			PollInterval: a.cfg.Monitor.PollInterval,
		})
		if err != nil {
			return nil, nil, err
		}
		return backend, backend.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown platform %q", platform)
}

func (a *app) deviceListings(ctx context.Context, platform string) ([]device.Info, error) {
	executor, err := a.newExecutor(events.Discard{})
	if err != nil {
		return nil, err
	}
	switch platform {
	case platformAndroid:
		adb, err := a.newADB(executor)
		if err != nil {
			return nil, err
		}
		return adb.Devices(ctx)
	case platformIOS:
		udids, err := device.IDeviceLister(executor, a.cfg.Tools.LibIMobileDeviceDir)(ctx)
		if err != nil {
			return nil, err
		}
		infos := make([]device.Info, 0, len(udids))
		for _, udid := range udids {
			infos = append(infos, device.Info{Serial: udid, State: "device"})
		}
		return infos, nil
	}
	return nil, fmt.Errorf("unknown platform %q", platform)
}

// attachDevice points a controller at deviceID, or at the first online
// device when deviceID is empty.
func (a *app) attachDevice(ctx context.Context, platform string, controller collector.Controller, deviceID string) (string, error) {
	target, ok := controller.(attacher)
	if !ok {
		return deviceID, nil
	}
	if strings.TrimSpace(deviceID) == "" {
		devices, err := a.listDevices(ctx, platform)
		if err != nil {
			return "", fmt.Errorf("list %s devices: %w", platform, err)
		}
		info, err := device.Select(devices, "")
		if err != nil {
			return "", err
		}
		deviceID = info.Serial
	}
	if err := target.Attach(deviceID); err != nil {
		return "", err
	}
	return deviceID, nil
}
