package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/attdevsupport/aro-collector/internal/collector"
	"github.com/attdevsupport/aro-collector/internal/session"
	"github.com/attdevsupport/aro-collector/internal/ui"
	"github.com/spf13/cobra"
)

const defaultStopTimeout = 2 * time.Minute

func newStopCommand(a *app) *cobra.Command {
	timeout := defaultStopTimeout
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running capture and collect its trace",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runStop(cmd.Context(), cmd.OutOrStdout(), timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", timeout, "how long to wait for the trace to be collected")
	return cmd
}

func (a *app) runStop(ctx context.Context, out io.Writer, timeout time.Duration) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	record, err := store.Load()
	if errors.Is(err, session.ErrNoSession) {
		fmt.Fprintln(out, ui.RenderResult("stop", collector.Success(collector.DataNotRunning)))
		return nil
	}
	if err != nil {
		return err
	}
	if !a.alive(record.PID) {
		a.logger.Warn("removing stale session record", "session_id", record.ID, "pid", record.PID)
		a.discard(store)
		fmt.Fprintln(out, ui.RenderResult("stop", collector.Success(collector.DataNotRunning)))
		return nil
	}

	if err := a.signal(record.PID, syscall.SIGINT); err != nil {
		return fmt.Errorf("signal capture pid %d: %w", record.PID, err)
	}
	a.logger.Info("stop requested", "session_id", record.ID, "pid", record.PID)
	fmt.Fprintln(out, ui.MutedStyle.Render(fmt.Sprintf("stopping capture %s (pid %d)", record.ID, record.PID)))

	watchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	finished := false
	watchErr := store.Watch(watchCtx, func(r *session.Record, err error) {
		if errors.Is(err, session.ErrNoSession) {
			finished = true
			cancel()
			return
		}
		if r != nil {
			fmt.Fprintln(out, ui.RenderStatusBadge(r.Status))
		}
	})
	if watchErr != nil {
		return watchErr
	}
	if !finished {
		return fmt.Errorf("capture in pid %d did not finish within %s", record.PID, timeout)
	}
	fmt.Fprintln(out, ui.RenderResult("stop", collector.Success(record.Folder)))
	return nil
}
