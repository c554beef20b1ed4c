package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"course-autopilot/internal/config"
	"course-autopilot/internal/portal"
)

var Version = "dev"

type browserFactory func(ctx context.Context, cfg config.Config, logger *slog.Logger) (portal.Browser, error)

type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	configPath string
	logLevel   string
	jsonOut    bool

	newBrowser  browserFactory
	interactive func() bool
	logger      *slog.Logger
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{
		stdin:       stdin,
		stdout:      stdout,
		stderr:      stderr,
		newBrowser:  launchChromium,
		interactive: stdoutIsTTY,
	}
}

// Run executes the command line in args and returns an error suitable for
// printing; *CLIError values carry a hint and exit code.
func Run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newApp(os.Stdin, os.Stdout, os.Stderr).execute(ctx, args)
}

func (a *app) execute(ctx context.Context, args []string) error {
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	return mapError(root.ExecuteContext(ctx), a.configPath)
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "course-autopilot",
		Version: Version,
		Short:   "Work through LMS course activities with a pool of browser tabs",
		Long: `course-autopilot signs in to a Moodle-style portal with a saved session,
scans every enrolled course, and completes the activities its rules allow,
recording each step in a durable ledger so interrupted runs resume.

Quick start:
  course-autopilot init
  course-autopilot login
  course-autopilot scan
  course-autopilot run`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setupLogger()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultFile, "config file path")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "machine-readable output")

	root.AddCommand(
		a.initCmd(),
		a.doctorCmd(),
		a.loginCmd(),
		a.scanCmd(),
		a.runCmd(),
		a.statusCmd(),
		a.resetFailedCmd(),
		a.reportCmd(),
	)
	return root
}

func (a *app) setupLogger() error {
	level, err := parseLevel(a.logLevel)
	if err != nil {
		return err
	}
	a.logger = slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))
	return nil
}

func (a *app) loadConfig() (config.Config, error) {
	return config.Load(a.configPath)
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, NewCLIError("invalid --log-level "+raw, "use debug, info, warn or error", err)
	}
	return level, nil
}

func portalOptions(cfg config.Config, logger *slog.Logger) portal.Options {
	return portal.Options{
		BaseURL:             cfg.Portal.BaseURL,
		CoursesURL:          cfg.Portal.CoursesURL,
		CookiesFile:         cfg.Portal.CookiesFile,
		ScreenshotsDir:      cfg.ScreenshotsDir(),
		UserAgent:           cfg.Portal.UserAgent,
		Headless:            cfg.Headless,
		ActionTimeout:       cfg.ActionTimeout,
		CompletionSelectors: cfg.CompletionSelectors,
		Logger:              logger,
	}
}

// launchChromium starts the browser and refuses to hand it out unless the
// saved session still reaches the dashboard.
func launchChromium(ctx context.Context, cfg config.Config, logger *slog.Logger) (portal.Browser, error) {
	b, err := portal.Launch(ctx, portalOptions(cfg, logger))
	if err != nil {
		return nil, err
	}
	if err := b.Verify(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}
