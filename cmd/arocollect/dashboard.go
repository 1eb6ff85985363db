package main

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/attdevsupport/aro-collector/internal/collector"
	"github.com/attdevsupport/aro-collector/internal/events"
	"github.com/attdevsupport/aro-collector/internal/session"
	"github.com/attdevsupport/aro-collector/internal/ui"
	tea "github.com/charmbracelet/bubbletea"
)

// runCaptureDashboard shows the live view of the capture this process owns.
// It returns when the user detaches, the duration elapses or the capture ends.
func (a *app) runCaptureDashboard(
	ctx context.Context,
	out io.Writer,
	bus events.Bus,
	store *session.Store,
	controller collector.Controller,
	duration time.Duration,
) error {
	cfg := ui.DashboardConfig{Running: controller.IsRunning, Now: a.now}
	if duration > 0 {
		cfg.Started = a.now()
		cfg.Deadline = cfg.Started.Add(duration)
	}
	return a.runDashboard(ctx, out, cfg, func(send func(tea.Msg)) func() {
		unsubscribe := bus.SubscribeAll(func(event events.Event) {
			send(ui.EventMsg(event))
		})
		stopWatch := watchRecords(ctx, store, send)
		return func() {
			unsubscribe()
			stopWatch()
		}
	})
}

// runStatusDashboard follows the record written by another arocollect process.
func (a *app) runStatusDashboard(ctx context.Context, out io.Writer, store *session.Store) error {
	return a.runDashboard(ctx, out, ui.DashboardConfig{Now: a.now}, func(send func(tea.Msg)) func() {
		return watchRecords(ctx, store, send)
	})
}

func (a *app) runDashboard(
	ctx context.Context,
	out io.Writer,
	cfg ui.DashboardConfig,
	feed func(send func(tea.Msg)) func(),
) error {
	program := tea.NewProgram(
		ui.NewDashboard(cfg),
		tea.WithContext(ctx),
		tea.WithInput(a.in),
		tea.WithOutput(out),
	)
	stop := feed(program.Send)
	defer stop()

	_, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

func watchRecords(ctx context.Context, store *session.Store, send func(tea.Msg)) func() {
	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = store.Watch(watchCtx, func(record *session.Record, err error) {
			send(ui.RecordMsg{Record: record, Err: err})
		})
	}()
	return func() {
		cancel()
		<-done
	}
}
