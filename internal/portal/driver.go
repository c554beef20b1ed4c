package portal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/playwright-community/playwright-go"

	"course-autopilot/internal/model"
)

// Browser hands out one Tab per lane.
type Browser interface {
	NewTab(ctx context.Context) (Tab, error)
	Close() error
}

// Tab is the per-lane view of the portal. Implementations are not safe for
// concurrent use; each lane owns its tab.
type Tab interface {
	ListCourses(ctx context.Context) ([]model.Course, error)
	ListActivities(ctx context.Context, course model.Course) ([]model.Activity, error)
	Navigate(ctx context.Context, url string) error
	// ScrollTo moves the viewport to fraction (0..1] of the page height.
	ScrollTo(ctx context.Context, fraction float64) error
	// OpenExternalLink opens the target of a url resource in a new window
	// and closes it again. It reports false when the page has no such link.
	OpenExternalLink(ctx context.Context) (bool, error)
	// FindCompletionControl returns model.ErrNoCompletionControl when the
	// current page has no completion control.
	FindCompletionControl(ctx context.Context, activity model.Activity) (Control, error)
	Click(ctx context.Context, control Control) error
	CaptureScreenshot(ctx context.Context, tag string) (string, error)
	Close() error
}

// Control is a completion toggle found on an activity page.
type Control struct {
	Selector string
	Complete bool

	handle playwright.ElementHandle
}

// Classify annotates a raw driver error so callers can match it with
// errors.Is: timeouts and network trouble become model.ErrTransient, a closed
// page becomes model.ErrSessionLost. Errors that already carry a sentinel
// pass through.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, model.ErrTransient),
		errors.Is(err, model.ErrSessionLost),
		errors.Is(err, model.ErrNoCompletionControl),
		errors.Is(err, model.ErrNotAuthenticated),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, playwright.ErrTimeout):
		return fmt.Errorf("%s: %w: %w", op, model.ErrTransient, err)
	case errors.Is(err, playwright.ErrTargetClosed):
		return fmt.Errorf("%s: %w: %w", op, model.ErrSessionLost, err)
	case IsRetryableMessage(err.Error()):
		return fmt.Errorf("%s: %w: %w", op, model.ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableMessage reports whether a driver error message names a
// temporary condition. Status codes only count next to a status word, so the
// digits of a URL inside the message never match.
func IsRetryableMessage(s string) bool {
	text := strings.ToLower(s)
	for _, h := range retryableHints {
		if strings.Contains(text, h) {
			return true
		}
	}
	for _, code := range retryableStatusCodes {
		for _, prefix := range statusPrefixes {
			if strings.Contains(text, prefix+code) {
				return true
			}
		}
	}
	return false
}

var (
	retryableHints = []string{
		"timeout",
		"timed out",
		"net::err_",
		"navigation failed",
		"connection reset",
		"connection refused",
		"temporarily unavailable",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	}
	retryableStatusCodes = []string{"429", "502", "503", "504"}
	statusPrefixes       = []string{"status ", "status: ", "status code ", "http ", "http/1.1 ", "http/2 "}
)

func isSessionLost(err error) bool {
	return errors.Is(err, model.ErrSessionLost)
}
