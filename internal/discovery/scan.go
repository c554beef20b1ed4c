package discovery

import (
	"context"
	"io"
	"log/slog"
	"time"

	"course-autopilot/internal/classify"
	"course-autopilot/internal/model"
	"course-autopilot/internal/portal"
)

// SecondsPerActivity is the observed average wall time of one completion.
const SecondsPerActivity = 3

// LedgerReader is the read side of the progress ledger.
type LedgerReader interface {
	Get(key model.Key) (model.LedgerEntry, bool)
}

type Scanner struct {
	Tab        portal.Tab
	Classifier *classify.Classifier
	Ledger     LedgerReader
	// Workers divides the estimated duration.
	Workers  int
	Logger   *slog.Logger
	Now      func() time.Time
	Progress func(done, total int, est model.CourseEstimate)
}

// Scan lists and classifies every course's activities without clicking
// anything. A course that cannot be listed is recorded as unknown and the
// scan moves on; after cancellation every remaining course is unknown.
func (s *Scanner) Scan(ctx context.Context, courses []model.Course) ([]model.Course, model.WorkloadEstimate) {
	logger := s.logger()
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	out := make([]model.Course, len(courses))
	est := model.WorkloadEstimate{
		GeneratedAt: now().UTC(),
		Courses:     make([]model.CourseEstimate, 0, len(courses)),
	}

	for i, course := range courses {
		out[i] = course
		ce := model.CourseEstimate{CourseID: course.ID, CourseName: course.Name}

		if err := ctx.Err(); err != nil {
			ce.Unknown = true
			ce.ScanError = "scan cancelled"
		} else if acts, err := s.Tab.ListActivities(ctx, course); err != nil {
			ce.Unknown = true
			ce.ScanError = err.Error()
			logger.Warn("scan course failed", "course", course.ID, "name", course.Name, "error", err)
		} else {
			out[i].Activities = acts
			ce = s.count(course, acts)
		}

		est.Courses = append(est.Courses, ce)
		if s.Progress != nil {
			s.Progress(i+1, len(courses), ce)
		}
	}

	summarize(&est, s.Workers)
	return out, est
}

func (s *Scanner) count(course model.Course, acts []model.Activity) model.CourseEstimate {
	ce := model.CourseEstimate{CourseID: course.ID, CourseName: course.Name, Total: len(acts)}
	for _, a := range acts {
		state := s.state(a.Key())
		if a.Done || model.IsTerminal(state) {
			ce.AlreadyComplete++
			continue
		}
		if state == model.StateFailed {
			ce.Failed++
			continue
		}
		if s.Classifier.Classify(a) == classify.Skip {
			ce.Skippable++
			continue
		}
		ce.Actionable++
	}
	return ce
}

func (s *Scanner) state(key model.Key) model.State {
	if s.Ledger == nil {
		return ""
	}
	e, _ := s.Ledger.Get(key)
	return e.State
}

func (s *Scanner) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func summarize(est *model.WorkloadEstimate, workers int) {
	if workers < 1 {
		workers = 1
	}
	for _, c := range est.Courses {
		if c.Unknown {
			est.UnknownCourses++
			continue
		}
		est.TotalActivities += c.Total
		est.TotalActionable += c.Actionable
		est.TotalSkippable += c.Skippable
		est.TotalComplete += c.AlreadyComplete
		est.TotalFailed += c.Failed
	}
	est.EstimatedMinutes = est.TotalActionable * SecondsPerActivity / workers / 60
}
