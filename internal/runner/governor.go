package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/felixgeelhaar/fortify/retry"
	"github.com/felixgeelhaar/fortify/timeout"

	"course-autopilot/internal/classify"
	"course-autopilot/internal/config"
	"course-autopilot/internal/model"
	"course-autopilot/internal/portal"
	"course-autopilot/internal/runstore"
)

// ErrLedger wraps a failed ledger write. Lanes stop on it like on a lost
// session, since nothing they do afterwards could be recorded.
var ErrLedger = errors.New("ledger write failed")

const (
	maxErrorLen = 1200
	scrollSteps = 3
)

// Governor runs one activity's completion with bounded retries. Every
// attempt is recorded in the ledger before the portal is touched.
type Governor struct {
	Ledger         *runstore.Ledger
	MaxAttempts    int
	Backoff        time.Duration
	AttemptTimeout time.Duration
	Delays         config.Delays
	Pacer          Pacer
	Logger         *slog.Logger
	// Notify receives attempt_failed events; nil disables them.
	Notify func(Event)
	Now    func() time.Time
}

type Outcome struct {
	State    model.State
	Reason   string
	Attempts int
	Err      error
}

// IsLaneFatal reports whether err should end the lane that saw it.
func IsLaneFatal(err error) bool {
	return errors.Is(err, model.ErrSessionLost) || errors.Is(err, ErrLedger)
}

// Attempt drives activity a to completed or failed. Only transient failures
// are retried. Once started, the loop ignores cancellation of ctx: an activity
// is finished or runs out of attempts before its lane looks at ctx again. A
// lane-fatal error returns with the entry left in_progress so the next run
// picks it up.
func (g *Governor) Attempt(ctx context.Context, lane int, tab portal.Tab, course model.Course, a model.Activity, outcome classify.Outcome) Outcome {
	logger := loggerOrDiscard(g.Logger).With("lane", lane, "course", course.ID, "activity", a.ID)
	maxAttempts := g.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	ctx = context.WithoutCancel(ctx)

	var (
		attempts int
		lastErr  error
		reason   string
	)
	r := retry.New[string](retry.Config{
		MaxAttempts:   maxAttempts,
		InitialDelay:  g.Backoff,
		BackoffPolicy: retry.BackoffExponential,
		IsRetryable:   isRetryable,
	})
	_, runErr := r.Do(ctx, func(rctx context.Context) (string, error) {
		entry, err := g.Ledger.Upsert(a.Key(), func(e *model.LedgerEntry) error {
			stamp(e, course, a)
			e.Attempts++
			return model.Advance(e, model.StateInProgress, model.ReasonAttempting, g.now())
		})
		if err != nil {
			lastErr = fmt.Errorf("%w: %w", ErrLedger, err)
			return "", lastErr
		}
		attempts++

		done, err := g.performOnce(rctx, tab, a, outcome)
		if err == nil {
			reason = done
			return done, nil
		}
		lastErr = err
		logger.Warn("attempt failed", "attempt", attempts, "max_attempts", maxAttempts, "ledger_attempts", entry.Attempts, "retryable", isRetryable(err), "error", err)
		g.notify(Event{
			Kind: EventAttemptFailed, Lane: lane, CourseID: course.ID, CourseName: course.Name,
			ActivityID: a.ID, ActivityLabel: a.Label, Attempt: attempts, Err: err.Error(),
		})
		return "", err
	})

	if runErr == nil {
		entry, err := g.Ledger.Upsert(a.Key(), func(e *model.LedgerEntry) error {
			stamp(e, course, a)
			e.LastError = ""
			return model.Advance(e, model.StateCompleted, reason, g.now())
		})
		if err != nil {
			return Outcome{State: model.StateInProgress, Attempts: attempts, Err: fmt.Errorf("%w: %w", ErrLedger, err)}
		}
		return Outcome{State: model.StateCompleted, Reason: reason, Attempts: entry.Attempts}
	}

	failure := lastErr
	if failure == nil {
		failure = runErr
	}
	if IsLaneFatal(failure) {
		return Outcome{State: model.StateInProgress, Attempts: attempts, Err: failure}
	}

	failReason := model.ReasonActionFailed
	switch {
	case errors.Is(failure, model.ErrNoCompletionControl):
		failReason = model.ReasonStructural
	case errors.Is(failure, model.ErrTransient):
		failReason = model.ReasonRetryExhausted
	}
	shot, shotErr := tab.CaptureScreenshot(ctx, fmt.Sprintf("error_%s_%s", course.ID, a.ID))
	if shotErr != nil {
		logger.Debug("screenshot failed", "error", shotErr)
	}
	entry, err := g.Ledger.Upsert(a.Key(), func(e *model.LedgerEntry) error {
		stamp(e, course, a)
		e.LastError = truncate(failure.Error(), maxErrorLen)
		e.Screenshot = shot
		return model.Advance(e, model.StateFailed, failReason, g.now())
	})
	if err != nil {
		return Outcome{State: model.StateInProgress, Attempts: attempts, Err: fmt.Errorf("%w: %w", ErrLedger, err)}
	}
	return Outcome{State: model.StateFailed, Reason: failReason, Attempts: entry.Attempts, Err: failure}
}

// isRetryable admits transient failures only. Lane-fatal and structural errors
// end the loop even when a wrapper also tagged them transient.
func isRetryable(err error) bool {
	if IsLaneFatal(err) || errors.Is(err, model.ErrNoCompletionControl) {
		return false
	}
	return errors.Is(err, model.ErrTransient)
}

// performOnce runs a single attempt bounded by the attempt timeout.
func (g *Governor) performOnce(ctx context.Context, tab portal.Tab, a model.Activity, outcome classify.Outcome) (string, error) {
	limit := g.AttemptTimeout
	if limit <= 0 {
		limit = 30 * time.Second
	}
	t := timeout.New[string](timeout.Config{DefaultTimeout: limit})
	reason, err := t.Execute(ctx, limit, func(actx context.Context) (string, error) {
		return g.perform(actx, tab, a, outcome)
	})
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, model.ErrTransient) {
		return "", fmt.Errorf("attempt exceeded %s: %w: %w", limit, model.ErrTransient, err)
	}
	return reason, err
}

func (g *Governor) perform(ctx context.Context, tab portal.Tab, a model.Activity, outcome classify.Outcome) (string, error) {
	if err := tab.Navigate(ctx, a.URL); err != nil {
		return "", err
	}
	g.pause(ctx, g.Delays.PageLoad)
	if err := g.engage(ctx, tab, a); err != nil {
		return "", err
	}
	g.pause(ctx, g.Delays.ContentView)

	control, err := tab.FindCompletionControl(ctx, a)
	if err != nil {
		// Pages that complete on view have no toggle to press.
		if outcome == classify.AutoComplete && errors.Is(err, model.ErrNoCompletionControl) {
			return model.ReasonCompleted, nil
		}
		return "", err
	}
	if control.Complete {
		return model.ReasonAlreadyComplete, nil
	}
	if err := tab.Click(ctx, control); err != nil {
		return "", err
	}
	return model.ReasonCompleted, nil
}

// engage reads the page the way its kind needs: pages and forums are scrolled
// to the bottom, url resources have their target opened and closed. Both are
// best effort; only a lane-fatal error stops the attempt.
func (g *Governor) engage(ctx context.Context, tab portal.Tab, a model.Activity) error {
	logger := loggerOrDiscard(g.Logger).With("activity", a.ID)
	switch a.Kind {
	case model.KindPage, model.KindForum:
		for step := 1; step <= scrollSteps; step++ {
			if err := tab.ScrollTo(ctx, float64(step)/scrollSteps); err != nil {
				if IsLaneFatal(err) {
					return err
				}
				logger.Debug("scroll failed", "step", step, "error", err)
				return nil
			}
			g.pause(ctx, g.Delays.Scroll)
		}
	case model.KindURL:
		opened, err := tab.OpenExternalLink(ctx)
		switch {
		case err != nil && IsLaneFatal(err):
			return err
		case err != nil:
			logger.Debug("external link failed", "error", err)
		case !opened:
			logger.Debug("no external link on page")
		}
	}
	return nil
}

func (g *Governor) pause(ctx context.Context, r config.DelayRange) {
	if g.Pacer != nil {
		g.Pacer.Pause(ctx, r)
	}
}

func (g *Governor) notify(ev Event) {
	if g.Notify == nil {
		return
	}
	ev.At = g.now().UTC()
	g.Notify(ev)
}

func (g *Governor) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// stamp copies display metadata onto an entry so reports need no portal
// access.
func stamp(e *model.LedgerEntry, course model.Course, a model.Activity) {
	if course.Name != "" {
		e.CourseName = course.Name
	}
	if a.Label != "" {
		e.ActivityLabel = a.Label
	}
	if a.Kind != "" {
		e.Kind = a.Kind
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
