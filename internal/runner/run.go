package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"course-autopilot/internal/classify"
	"course-autopilot/internal/config"
	"course-autopilot/internal/discovery"
	"course-autopilot/internal/model"
	"course-autopilot/internal/portal"
	"course-autopilot/internal/runstore"
)

// ErrAllLanesFailed is returned alongside a partial report when no lane
// survived.
var ErrAllLanesFailed = errors.New("every lane failed")

const estimateFileName = "estimate.json"

type Options struct {
	Config     config.Config
	Browser    portal.Browser
	Logger     *slog.Logger
	Observer   Observer
	Pacer      Pacer
	Now        func() time.Time
	OnEstimate func(model.WorkloadEstimate)
}

type Result struct {
	RunID       string
	Report      model.RunReport
	ReportPath  string
	Estimate    model.WorkloadEstimate
	Dispatch    DispatchResult
	ResetFailed int
}

// Run performs one full pass: list courses, scan, order, dispatch and report.
// Setup failures return before anything is written. Once dispatch starts a
// report is always written, partial or not.
func Run(ctx context.Context, opts Options) (Result, error) {
	cfg := opts.Config
	logger := loggerOrDiscard(opts.Logger)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	classifier, err := classifierFor(cfg)
	if err != nil {
		return Result{}, err
	}

	lock, err := runstore.AcquireStateLock(cfg.StateDir, "run")
	if err != nil {
		return Result{}, err
	}
	defer func() {
		_ = lock.Release()
	}()

	ledger, err := runstore.OpenLedger(cfg.LedgerPath())
	if err != nil {
		return Result{}, err
	}

	started := now()
	res := Result{RunID: NewRunID(started)}
	logger = logger.With("run", res.RunID)

	if cfg.RetryFailed {
		n, err := ledger.ResetFailed()
		if err != nil {
			return Result{}, err
		}
		res.ResetFailed = n
		if n > 0 {
			logger.Info("reset failed activities for retry", "count", n)
		}
	}

	courses, est, err := survey(ctx, surveyInput{
		cfg: cfg, browser: opts.Browser, classifier: classifier, ledger: ledger, logger: logger, now: now,
	})
	if err != nil {
		return Result{}, err
	}
	res.Estimate = est
	if opts.OnEstimate != nil && cfg.Reconnaissance {
		opts.OnEstimate(est)
	}

	ordered := discovery.Order(courses, est, ledger.Snapshot(), discovery.OrderOptions{
		AutoResume:      cfg.AutoResume,
		DropIdleCourses: cfg.DropIdleCourses,
	})
	logger.Info("dispatching", "courses", len(ordered), "workers", cfg.Workers)

	pacer := opts.Pacer
	if pacer == nil {
		pacer = NewRandomPacer()
	}
	d := &Dispatcher{
		Browser:    opts.Browser,
		Ledger:     ledger,
		Classifier: classifier,
		Governor: &Governor{
			Ledger:         ledger,
			MaxAttempts:    cfg.MaxRetries,
			Backoff:        cfg.RetryBackoff,
			AttemptTimeout: cfg.ActionTimeout,
			Delays:         cfg.Delays,
			Pacer:          pacer,
			Logger:         logger,
			Now:            now,
		},
		Workers:  cfg.Workers,
		Delays:   cfg.Delays,
		Pacer:    pacer,
		Observer: opts.Observer,
		Logger:   logger,
		Now:      now,
	}
	res.Dispatch = d.Dispatch(ctx, ordered)

	report, err := Generate(ledger.Snapshot(), Timing{RunID: res.RunID, StartedAt: started, FinishedAt: now()}, Extras{
		CourseErrors: res.Dispatch.CourseErrors,
		LaneErrors:   res.Dispatch.LaneErrors,
		Unprocessed:  res.Dispatch.Unprocessed,
		Partial:      res.Dispatch.Interrupted || res.Dispatch.AllLanesFailed(),
	})
	if err != nil {
		return res, err
	}
	path, err := WriteReport(report, cfg.ReportsDir())
	if err != nil {
		return res, err
	}
	res.Report = report
	res.ReportPath = path
	logger.Info("run finished", "completed", report.Completed, "skipped", report.Skipped, "failed", report.Failed, "report", path)

	if res.Dispatch.AllLanesFailed() {
		return res, ErrAllLanesFailed
	}
	return res, nil
}

type ScanOptions struct {
	Config   config.Config
	Browser  portal.Browser
	Logger   *slog.Logger
	Now      func() time.Time
	Progress func(done, total int, est model.CourseEstimate)
}

// Scan runs reconnaissance only. It reads the ledger but never writes it, and
// stores the estimate next to the ledger for `status`.
func Scan(ctx context.Context, opts ScanOptions) ([]model.Course, model.WorkloadEstimate, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, model.WorkloadEstimate{}, err
	}
	classifier, err := classifierFor(cfg)
	if err != nil {
		return nil, model.WorkloadEstimate{}, err
	}
	ledger, err := runstore.OpenLedger(cfg.LedgerPath())
	if err != nil {
		return nil, model.WorkloadEstimate{}, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cfg.Reconnaissance = true
	return survey(ctx, surveyInput{
		cfg: cfg, browser: opts.Browser, classifier: classifier, ledger: ledger,
		logger: loggerOrDiscard(opts.Logger), now: now, progress: opts.Progress,
	})
}

// EstimatePath is where the last scan's estimate is stored.
func EstimatePath(cfg config.Config) string {
	return filepath.Join(cfg.StateDir, estimateFileName)
}

// LoadEstimate reads the estimate saved by the last scan.
func LoadEstimate(cfg config.Config) (model.WorkloadEstimate, error) {
	var est model.WorkloadEstimate
	if err := runstore.ReadJSON(EstimatePath(cfg), &est); err != nil {
		return model.WorkloadEstimate{}, err
	}
	return est, nil
}

type surveyInput struct {
	cfg        config.Config
	browser    portal.Browser
	classifier *classify.Classifier
	ledger     *runstore.Ledger
	logger     *slog.Logger
	now        func() time.Time
	progress   func(done, total int, est model.CourseEstimate)
}

func survey(ctx context.Context, in surveyInput) ([]model.Course, model.WorkloadEstimate, error) {
	tab, err := in.browser.NewTab(ctx)
	if err != nil {
		return nil, model.WorkloadEstimate{}, fmt.Errorf("open scout tab: %w", err)
	}
	defer func() {
		_ = tab.Close()
	}()

	courses, err := tab.ListCourses(ctx)
	if err != nil {
		if errors.Is(err, model.ErrSessionLost) {
			return nil, model.WorkloadEstimate{}, fmt.Errorf("%w: %w", model.ErrNotAuthenticated, err)
		}
		return nil, model.WorkloadEstimate{}, fmt.Errorf("list courses: %w", err)
	}
	if len(courses) == 0 {
		return nil, model.WorkloadEstimate{}, fmt.Errorf("no courses found at %s", in.cfg.Portal.CoursesURL)
	}
	in.logger.Info("courses found", "count", len(courses))

	if !in.cfg.Reconnaissance {
		return courses, model.WorkloadEstimate{GeneratedAt: in.now().UTC()}, nil
	}

	s := &discovery.Scanner{
		Tab:        tab,
		Classifier: in.classifier,
		Ledger:     in.ledger,
		Workers:    in.cfg.Workers,
		Logger:     in.logger,
		Now:        in.now,
		Progress:   in.progress,
	}
	scanned, est := s.Scan(ctx, courses)
	if err := runstore.WriteJSON(EstimatePath(in.cfg), est); err != nil {
		in.logger.Warn("could not store estimate", "error", err)
	}
	return scanned, est, nil
}

func classifierFor(cfg config.Config) (*classify.Classifier, error) {
	c, err := classify.NewFromOptions(classify.Options{
		SkipQuizzes:      cfg.SkipQuizzes,
		SkipAssignments:  cfg.SkipAssignments,
		SkipPatterns:     cfg.SkipPatterns,
		CompletePatterns: cfg.CompletePatterns,
	})
	if err != nil {
		return nil, fmt.Errorf("classification rules: %w", err)
	}
	return c, nil
}

func loggerOrDiscard(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
