package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"

	"course-autopilot/internal/config"
	"course-autopilot/internal/model"
	"course-autopilot/internal/runner"
	"course-autopilot/internal/runstore"
)

type statusOutput struct {
	Ledger     string                  `json:"ledger"`
	Total      int                     `json:"total"`
	Counts     map[model.State]int     `json:"counts"`
	Courses    []courseRow             `json:"courses"`
	Estimate   *model.WorkloadEstimate `json:"estimate,omitempty"`
	LastReport string                  `json:"last_report,omitempty"`
}

func (a *app) statusCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize the ledger; --watch re-renders as a run updates it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !watch {
				return a.renderStatus(out, cfg, false)
			}
			return a.watchStatus(cmd.Context(), out, cfg)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running and refresh when the ledger changes")
	return cmd
}

func loadStatus(cfg config.Config) (statusOutput, error) {
	entries, err := runstore.ReadLedgerFile(cfg.LedgerPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return statusOutput{}, err
	}
	st := statusOutput{
		Ledger:  cfg.LedgerPath(),
		Total:   len(entries),
		Counts:  make(map[model.State]int),
		Courses: courseRows(entries),
	}
	for _, e := range entries {
		st.Counts[e.State]++
	}
	if est, err := runner.LoadEstimate(cfg); err == nil {
		st.Estimate = &est
	}
	if path, err := runstore.LatestFile(cfg.ReportsDir(), "report_"); err == nil {
		st.LastReport = path
	}
	return st, nil
}

func (a *app) renderStatus(out io.Writer, cfg config.Config, redraw bool) error {
	st, err := loadStatus(cfg)
	if err != nil {
		return err
	}
	if a.jsonOut {
		return printJSON(out, st)
	}
	if redraw {
		fmt.Fprint(out, "\033[H\033[2J")
	}
	fmt.Fprintf(out, "ledger: %s\n", st.Ledger)
	if st.Total == 0 {
		fmt.Fprintln(out, "no activities recorded yet")
		fmt.Fprintln(out, "start here:")
		fmt.Fprintln(out, "  course-autopilot scan")
		fmt.Fprintln(out, "  course-autopilot run")
	} else {
		fmt.Fprintf(out, "activities: %d\n", st.Total)
		for _, s := range []model.State{model.StateCompleted, model.StateSkipped, model.StateFailed, model.StateInProgress, model.StatePending} {
			fmt.Fprintf(out, "%s: %d\n", s, st.Counts[s])
		}
		fmt.Fprintln(out, statusTable(st.Courses))
	}
	if st.Estimate != nil {
		fmt.Fprintf(out, "last_scan: %s\n", formatTime(st.Estimate.GeneratedAt))
		fmt.Fprintln(out, estimateSummary(*st.Estimate))
	}
	if st.LastReport != "" {
		fmt.Fprintf(out, "last_report: %s\n", st.LastReport)
	}
	if st.Counts[model.StateFailed] > 0 {
		fmt.Fprintln(out, mutedStyle.Render("retry failed activities with 'course-autopilot reset-failed' or 'run --retry-failed'"))
	}
	return nil
}

func (a *app) watchStatus(ctx context.Context, out io.Writer, cfg config.Config) error {
	if err := runstore.Mkdir(cfg.StateDir); err != nil {
		return err
	}
	redraw := !a.jsonOut && a.interactive()
	if err := a.renderStatus(out, cfg, redraw); err != nil {
		return err
	}

	var mu sync.Mutex
	names := []string{filepath.Base(cfg.LedgerPath()), filepath.Base(runner.EstimatePath(cfg))}
	return watchFiles(ctx, cfg.StateDir, names, watchDebounce, func() {
		mu.Lock()
		defer mu.Unlock()
		if err := a.renderStatus(out, cfg, redraw); err != nil {
			a.logger.Warn("status refresh failed", "error", err)
		}
	})
}

func (a *app) resetFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-failed",
		Short: "Move failed activities back to pending so the next run retries them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			lock, err := runstore.AcquireStateLock(cfg.StateDir, "reset-failed")
			if err != nil {
				return err
			}
			defer func() {
				_ = lock.Release()
			}()

			ledger, err := runstore.OpenLedger(cfg.LedgerPath())
			if err != nil {
				return err
			}
			n, err := ledger.ResetFailed()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOut {
				return printJSON(out, map[string]int{"reset": n})
			}
			fmt.Fprintf(out, "reset: %d\n", n)
			return nil
		},
	}
}

func (a *app) reportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report [path]",
		Short: "Show the latest run report, or the one at path",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				r    model.RunReport
				path string
			)
			if len(args) == 1 {
				path = args[0]
				if err := runstore.ReadJSON(path, &r); err != nil {
					return err
				}
			} else {
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				r, path, err = runner.LatestReport(cfg.ReportsDir())
				if err != nil {
					return NewCLIError("no report found", "run 'course-autopilot run' first", err)
				}
			}
			out := cmd.OutOrStdout()
			if a.jsonOut {
				return printJSON(out, r)
			}
			printReport(out, r, path)
			return nil
		},
	}
}
