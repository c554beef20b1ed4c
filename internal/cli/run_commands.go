package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"course-autopilot/internal/config"
	"course-autopilot/internal/model"
	"course-autopilot/internal/runner"
)

const runLogFile = "autopilot.log"

func (a *app) scanCmd() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Count remaining work per course without completing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if workers > 0 {
				cfg.Workers = workers
			}
			out := cmd.OutOrStdout()

			browser, err := a.newBrowser(cmd.Context(), cfg, a.logger)
			if err != nil {
				return err
			}
			defer func() {
				_ = browser.Close()
			}()

			opts := runner.ScanOptions{Config: cfg, Browser: browser, Logger: a.logger}
			if !a.jsonOut {
				opts.Progress = func(done, total int, est model.CourseEstimate) {
					note := fmt.Sprintf("%d to do", est.Actionable)
					if est.Unknown {
						note = "not scanned"
					}
					fmt.Fprintf(out, "scanned %d/%d %s: %s\n", done, total, firstNonEmpty(est.CourseName, est.CourseID), note)
				}
			}
			_, est, err := runner.Scan(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return printJSON(out, est)
			}
			fmt.Fprintln(out, estimateTable(est))
			fmt.Fprintln(out, estimateSummary(est))
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "lane count used for the time estimate (0 = config)")
	return cmd
}

type runFlags struct {
	workers     int
	headless    bool
	retryFailed bool
	noScan      bool
	noDashboard bool
}

func (a *app) runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Scan, then complete activities across parallel lanes and write a report",
		Long: `Run lists every course, scans it for remaining work, orders the queue
(interrupted courses first, then most work first) and dispatches it to
a fixed pool of browser lanes. Every activity outcome is written to the
ledger before the next step, so an interrupted run resumes where it left
off. Ctrl+C stops at the next checkpoint and still writes a report.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			cfg = applyRunFlags(cmd, cfg, f)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return a.run(cmd.Context(), cmd.OutOrStdout(), cfg, f)
		},
	}
	cmd.Flags().IntVar(&f.workers, "workers", 0, fmt.Sprintf("parallel lanes, 1-%d (0 = config)", config.MaxWorkers))
	cmd.Flags().BoolVar(&f.headless, "headless", false, "hide the browser window")
	cmd.Flags().BoolVar(&f.retryFailed, "retry-failed", false, "reset failed activities to pending before dispatch")
	cmd.Flags().BoolVar(&f.noScan, "no-scan", false, "skip reconnaissance; courses keep portal order")
	cmd.Flags().BoolVar(&f.noDashboard, "no-dashboard", false, "print plain progress lines instead of the live view")
	return cmd
}

func applyRunFlags(cmd *cobra.Command, cfg config.Config, f runFlags) config.Config {
	if f.workers > 0 {
		cfg.Workers = f.workers
	}
	if cmd.Flags().Changed("headless") {
		cfg.Headless = f.headless
	}
	if f.retryFailed {
		cfg.RetryFailed = true
	}
	if f.noScan {
		cfg.Reconnaissance = false
	}
	return cfg
}

func (a *app) run(ctx context.Context, out io.Writer, cfg config.Config, f runFlags) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dashboard := !a.jsonOut && !f.noDashboard && a.interactive()
	logger := a.logger
	if dashboard {
		// The live view owns the terminal; diagnostics go to a file.
		fileLogger, closeLog, err := openRunLog(cfg, a.logLevel)
		if err != nil {
			return err
		}
		defer closeLog()
		logger = fileLogger
	}

	browser, err := a.newBrowser(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = browser.Close()
	}()

	opts := runner.Options{Config: cfg, Browser: browser, Logger: logger}
	var res runner.Result
	switch {
	case dashboard:
		res, err = runWithDashboard(ctx, cancel, opts)
	case a.jsonOut:
		res, err = runner.Run(ctx, opts)
	default:
		opts.Observer = plainObserver(out)
		opts.OnEstimate = func(est model.WorkloadEstimate) {
			fmt.Fprintln(out, estimateSummary(est))
		}
		res, err = runner.Run(ctx, opts)
	}
	if res.ReportPath == "" {
		return err
	}

	if a.jsonOut {
		if jerr := printJSON(out, runOutput{RunID: res.RunID, ReportPath: res.ReportPath, ResetFailed: res.ResetFailed, Report: res.Report}); jerr != nil {
			return errors.Join(err, jerr)
		}
		return err
	}
	if res.ResetFailed > 0 {
		fmt.Fprintf(out, "reset_failed: %d\n", res.ResetFailed)
	}
	printReport(out, res.Report, res.ReportPath)
	return err
}

type runOutput struct {
	RunID       string          `json:"run_id"`
	ReportPath  string          `json:"report_path"`
	ResetFailed int             `json:"reset_failed,omitempty"`
	Report      model.RunReport `json:"report"`
}

type runOutcome struct {
	res runner.Result
	err error
}

// runWithDashboard drives runner.Run from a goroutine and feeds its events
// into a bubbletea program until the run returns.
func runWithDashboard(ctx context.Context, cancel context.CancelFunc, opts runner.Options) (runner.Result, error) {
	p := tea.NewProgram(newDashboard(opts.Config.Workers, cancel))
	opts.Observer = func(ev runner.Event) {
		p.Send(laneEventMsg(ev))
	}
	opts.OnEstimate = func(est model.WorkloadEstimate) {
		p.Send(estimateMsg(est))
	}

	done := make(chan runOutcome, 1)
	go func() {
		res, err := runner.Run(ctx, opts)
		done <- runOutcome{res: res, err: err}
		p.Send(runDoneMsg{})
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		o := <-done
		return o.res, errors.Join(o.err, fmt.Errorf("dashboard: %w", err))
	}
	o := <-done
	return o.res, o.err
}

func openRunLog(cfg config.Config, level string) (*slog.Logger, func(), error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create state dir %s: %w", cfg.StateDir, err)
	}
	path := filepath.Join(cfg.StateDir, runLogFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open run log %s: %w", path, err)
	}
	logger := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: lvl}))
	return logger, func() { _ = f.Close() }, nil
}

func printReport(out io.Writer, r model.RunReport, path string) {
	fmt.Fprintf(out, "run_id: %s\n", r.RunID)
	if path != "" {
		fmt.Fprintf(out, "report: %s\n", path)
	}
	fmt.Fprintf(out, "finished_at: %s\n", formatTime(r.FinishedAt))
	if r.Duration != "" {
		fmt.Fprintf(out, "duration: %s\n", r.Duration)
	}
	fmt.Fprintf(out, "activities: %d\n", r.Total)
	fmt.Fprintf(out, "completed: %d\n", r.Completed)
	fmt.Fprintf(out, "skipped: %d\n", r.Skipped)
	fmt.Fprintf(out, "failed: %d\n", r.Failed)
	if r.InProgress+r.Pending > 0 {
		fmt.Fprintf(out, "unfinished: %d\n", r.InProgress+r.Pending)
	}
	if r.Partial {
		fmt.Fprintln(out, warnStyle.Render("partial: true"))
	}
	for _, c := range r.Unprocessed {
		fmt.Fprintf(out, "unprocessed_course: %s\n", c)
	}
	for _, e := range r.LaneErrors {
		fmt.Fprintf(out, "lane_error: %s\n", e)
	}
	for _, e := range r.CourseErrors {
		fmt.Fprintf(out, "course_error: %s\n", e)
	}
	if len(r.Failures) > 0 {
		fmt.Fprintln(out, "failures:")
		for _, f := range r.Failures {
			fmt.Fprintf(out, "  %s / %s: %s after %d attempts: %s\n",
				firstNonEmpty(f.CourseName, f.CourseID), firstNonEmpty(f.ActivityLabel, f.ActivityID), f.Reason, f.Attempts, f.Error)
			if f.Screenshot != "" {
				fmt.Fprintf(out, "    screenshot: %s\n", f.Screenshot)
			}
		}
	}
	if len(r.FollowUps) > 0 {
		fmt.Fprintln(out, "manual follow-ups:")
		for _, u := range r.FollowUps {
			fmt.Fprintf(out, "  [%s] %s / %s\n", u.Kind, u.CourseName, u.ActivityLabel)
		}
	}
}
