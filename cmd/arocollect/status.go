package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/attdevsupport/aro-collector/internal/session"
	"github.com/attdevsupport/aro-collector/internal/ui"
	"github.com/spf13/cobra"
)

func newStatusCommand(a *app) *cobra.Command {
	follow := false
	dashboard := false
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running capture",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dashboard {
				store, err := a.openStore()
				if err != nil {
					return err
				}
				return a.runStatusDashboard(cmd.Context(), cmd.OutOrStdout(), store)
			}
			return a.runStatus(cmd.Context(), cmd.OutOrStdout(), follow)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "F", false, "keep printing the status as it changes")
	cmd.Flags().BoolVar(&dashboard, "tui", false, "follow the capture in the live dashboard")
	return cmd
}

func (a *app) runStatus(ctx context.Context, out io.Writer, follow bool) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	if !follow {
		record, err := a.liveRecord(store)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, ui.RenderRecord(record, a.now()))
		return nil
	}
	return store.Watch(ctx, func(record *session.Record, err error) {
		switch {
		case errors.Is(err, session.ErrNoSession):
			fmt.Fprintln(out, ui.RenderRecord(nil, a.now()))
		case err != nil:
			fmt.Fprintln(out, ui.RenderAlert(err.Error()))
		default:
			fmt.Fprintln(out, ui.RenderRecord(record, a.now()))
		}
	})
}

// liveRecord loads the record, treating one whose process is gone as absent.
func (a *app) liveRecord(store *session.Store) (*session.Record, error) {
	record, err := store.Load()
	if errors.Is(err, session.ErrNoSession) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !a.alive(record.PID) {
		return nil, nil
	}
	return record, nil
}
