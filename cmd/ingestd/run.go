package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/franksops/ingestd/engine"
	"github.com/franksops/ingestd/ui"
)

func runCmd(configPath *string) *cobra.Command {
	var (
		once bool
		tui  bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll every tenant and dispatch staged files until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(*configPath, tui && !once)
			if err != nil {
				return err
			}
			defer a.Close()

			coord := a.coordinator()

			if once {
				return printReports(cmd, coord.RunOnce(ctx))
			}

			if a.cfg.MetricsAddr != "" {
				serveMetrics(ctx, a.cfg.MetricsAddr, a.logger)
			}

			a.logger.WithField("tenants", len(a.cfg.Tenants)).Info("starting ingestion")
			if !tui {
				return coord.Run(ctx)
			}
			return runDashboard(ctx, stop, coord)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle for every tenant and exit")
	cmd.Flags().BoolVar(&tui, "tui", false, "show the live status dashboard")
	return cmd
}

// runDashboard drives the coordinator behind the status dashboard. Quitting
// the dashboard stops the coordinator the same way a signal does.
func runDashboard(ctx context.Context, stop context.CancelFunc, coord *engine.Coordinator) error {
	program := tea.NewProgram(ui.NewStatusModel(dashboardState(coord, false)), tea.WithAltScreen())

	done := make(chan error, 1)
	go func() {
		err := coord.Run(ctx)
		program.Send(ui.StatusMsg{State: dashboardState(coord, true)})
		done <- err
	}()

	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				program.Send(ui.StatusMsg{State: dashboardState(coord, false)})
			}
		}
	}()

	_, uiErr := program.Run()
	stop()
	if err := <-done; err != nil {
		return err
	}
	return uiErr
}

func dashboardState(coord *engine.Coordinator, done bool) *ui.DashboardState {
	snap := coord.Snapshot()
	state := &ui.DashboardState{Now: time.Now(), Done: done, Tenants: make([]ui.TenantRow, 0, len(snap))}
	for _, s := range snap {
		state.Tenants = append(state.Tenants, ui.TenantRow{
			ID:         s.TenantID,
			State:      string(s.State),
			Cycles:     s.Cycles,
			Staged:     s.Staged,
			Dispatched: s.Dispatched,
			Failed:     s.Failed,
			LastCycle:  s.LastCycle,
			NextCycle:  s.NextCycle,
			LastError:  s.LastError,
		})
	}
	return state
}

func printReports(cmd *cobra.Command, reports []engine.CycleReport) error {
	failed := 0
	out := cmd.OutOrStdout()
	for _, r := range reports {
		status := "ok"
		if r.Err != nil {
			status = r.Err.Error()
			failed++
		}
		fmt.Fprintf(out, "%-16s staged=%d batches_ok=%d batches_failed=%d %s\n",
			r.TenantID, len(r.Staged), r.Dispatch.Succeeded, r.Dispatch.Failed, status)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tenants reported errors", failed, len(reports))
	}
	return nil
}
