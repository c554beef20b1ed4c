package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"course-autopilot/internal/classify"
	"course-autopilot/internal/config"
	"course-autopilot/internal/model"
	"course-autopilot/internal/portal"
	"course-autopilot/internal/runstore"
)

// Dispatcher feeds an ordered course queue to a fixed pool of lanes. Each lane
// owns one tab and works one course at a time.
type Dispatcher struct {
	Browser    portal.Browser
	Ledger     *runstore.Ledger
	Classifier *classify.Classifier
	Governor   *Governor
	Workers    int
	Delays     config.Delays
	Pacer      Pacer
	Observer   Observer
	Logger     *slog.Logger
	Now        func() time.Time
}

type DispatchResult struct {
	CoursesStarted  int
	CoursesFinished int
	Attempted       int
	CourseErrors    []string
	LaneErrors      []string
	// Unprocessed lists courses no lane finished, in queue order.
	Unprocessed []string
	Interrupted bool
	LanesFailed int
	Lanes       int
}

// AllLanesFailed reports whether every lane ended on a lane-fatal error.
func (r DispatchResult) AllLanesFailed() bool {
	return r.Lanes > 0 && r.LanesFailed == r.Lanes
}

func (d *Dispatcher) Dispatch(ctx context.Context, courses []model.Course) DispatchResult {
	workers := d.Workers
	if workers < 1 {
		workers = 1
	}
	res := DispatchResult{Lanes: workers}

	var (
		resMu    sync.Mutex
		emitMu   sync.Mutex
		wg       sync.WaitGroup
		live     atomic.Int64
		allDone  = make(chan struct{})
		queue    = make(chan model.Course)
		finished = make(map[string]bool)
	)

	emit := func(ev Event) {
		if d.Observer == nil {
			return
		}
		if ev.At.IsZero() {
			ev.At = d.now().UTC()
		}
		emitMu.Lock()
		d.Observer(ev)
		emitMu.Unlock()
	}
	if d.Governor != nil {
		d.Governor.Notify = emit
	}

	live.Store(int64(workers))
	laneDone := func() {
		if live.Add(-1) == 0 {
			close(allDone)
		}
	}

	laneFn := func(lane int) {
		defer wg.Done()
		defer laneDone()
		logger := loggerOrDiscard(d.Logger).With("lane", lane)

		tab, err := d.Browser.NewTab(ctx)
		if err != nil {
			logger.Error("lane could not open a tab", "error", err)
			resMu.Lock()
			res.LaneErrors = append(res.LaneErrors, fmt.Sprintf("lane %d: open tab: %v", lane, err))
			res.LanesFailed++
			resMu.Unlock()
			emit(Event{Kind: EventLaneStopped, Lane: lane, Err: err.Error()})
			return
		}
		defer func() {
			_ = tab.Close()
		}()
		emit(Event{Kind: EventLaneStarted, Lane: lane})

		first := true
		for course := range queue {
			if ctx.Err() != nil {
				continue
			}
			if !first {
				d.pause(ctx, d.Delays.BetweenCourses)
			}
			first = false

			resMu.Lock()
			res.CoursesStarted++
			resMu.Unlock()
			emit(Event{Kind: EventCourseStarted, Lane: lane, CourseID: course.ID, CourseName: course.Name})

			attempted, courseErr, fatal := d.runCourse(ctx, lane, tab, course, emit, logger)

			resMu.Lock()
			res.Attempted += attempted
			if courseErr != nil {
				res.CourseErrors = append(res.CourseErrors, fmt.Sprintf("%s (%s): %v", course.ID, course.Name, courseErr))
			}
			if fatal == nil && ctx.Err() == nil {
				finished[course.ID] = true
				res.CoursesFinished++
			}
			resMu.Unlock()
			emit(Event{Kind: EventCourseFinished, Lane: lane, CourseID: course.ID, CourseName: course.Name})

			if fatal != nil {
				logger.Error("lane stopped", "course", course.ID, "error", fatal)
				resMu.Lock()
				res.LaneErrors = append(res.LaneErrors, fmt.Sprintf("lane %d: %v", lane, fatal))
				res.LanesFailed++
				resMu.Unlock()
				emit(Event{Kind: EventLaneStopped, Lane: lane, Err: fatal.Error()})
				return
			}
		}
		emit(Event{Kind: EventLaneStopped, Lane: lane})
	}

	for lane := 1; lane <= workers; lane++ {
		wg.Add(1)
		go laneFn(lane)
	}

	pending := courses
produce:
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			break produce
		case <-allDone:
			break produce
		case queue <- pending[0]:
			pending = pending[1:]
		}
	}
	close(queue)
	wg.Wait()

	for _, c := range courses {
		if !finished[c.ID] {
			res.Unprocessed = append(res.Unprocessed, c.ID)
		}
	}
	res.Interrupted = ctx.Err() != nil
	return res
}

// runCourse works every activity of course in order. courseErr is a
// per-course problem (listing failed); fatal ends the lane.
func (d *Dispatcher) runCourse(ctx context.Context, lane int, tab portal.Tab, course model.Course, emit Observer, logger *slog.Logger) (attempted int, courseErr, fatal error) {
	logger = logger.With("course", course.ID)
	acts := course.Activities
	if acts == nil {
		listed, err := tab.ListActivities(ctx, course)
		if err != nil {
			if IsLaneFatal(err) {
				return 0, err, err
			}
			logger.Warn("list activities failed", "error", err)
			return 0, err, nil
		}
		acts = listed
	}

	for _, a := range acts {
		if ctx.Err() != nil {
			return attempted, nil, nil
		}
		a.CourseID = course.ID
		touched, err := d.runActivity(ctx, lane, tab, course, a, emit, logger)
		if touched {
			attempted++
		}
		if err != nil {
			if IsLaneFatal(err) {
				return attempted, nil, err
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return attempted, nil, nil
			}
		}
		if touched {
			d.pause(ctx, d.Delays.BetweenActivities)
		}
	}
	return attempted, nil, nil
}

// runActivity reports whether the portal was driven for a.
func (d *Dispatcher) runActivity(ctx context.Context, lane int, tab portal.Tab, course model.Course, a model.Activity, emit Observer, logger *slog.Logger) (bool, error) {
	logger = logger.With("activity", a.ID)
	finish := func(state model.State, reason string, attempts int, err error) {
		ev := Event{
			Kind: EventActivityFinished, Lane: lane, CourseID: course.ID, CourseName: course.Name,
			ActivityID: a.ID, ActivityLabel: a.Label, State: state, Reason: reason, Attempt: attempts,
		}
		if err != nil {
			ev.Err = err.Error()
		}
		emit(ev)
	}

	entry, ok := d.Ledger.Get(a.Key())
	if ok && model.IsTerminal(entry.State) {
		logger.Debug("already recorded", "state", entry.State)
		return false, nil
	}
	if ok && entry.State == model.StateFailed {
		logger.Debug("failed earlier; reset to retry", "reason", entry.Reason)
		return false, nil
	}

	decision := d.Classifier.Decide(a)
	if decision.Outcome == classify.Skip {
		if ok && entry.State == model.StateInProgress {
			logger.Info("unfinished attempt is now skipped by rule", "rule", decision.Rule, "attempts", entry.Attempts)
		}
		reason := model.ReasonSkippedByRule
		if decision.Rule == "" {
			reason = model.ReasonNotCompletable
		}
		if _, err := d.Ledger.Upsert(a.Key(), func(e *model.LedgerEntry) error {
			stamp(e, course, a)
			return model.Advance(e, model.StateSkipped, reason, d.now())
		}); err != nil {
			return false, fmt.Errorf("%w: %w", ErrLedger, err)
		}
		finish(model.StateSkipped, reason, 0, nil)
		return false, nil
	}

	if a.Done {
		if err := d.recordAlreadyComplete(course, a); err != nil {
			return false, err
		}
		finish(model.StateCompleted, model.ReasonAlreadyComplete, entry.Attempts, nil)
		return false, nil
	}

	emit(Event{Kind: EventActivityStarted, Lane: lane, CourseID: course.ID, CourseName: course.Name, ActivityID: a.ID, ActivityLabel: a.Label})
	out := d.Governor.Attempt(ctx, lane, tab, course, a, decision.Outcome)
	finish(out.State, out.Reason, out.Attempts, out.Err)
	return true, out.Err
}

// recordAlreadyComplete stores a completion the portal already shows without
// visiting the activity.
func (d *Dispatcher) recordAlreadyComplete(course model.Course, a model.Activity) error {
	for _, to := range []model.State{model.StateInProgress, model.StateCompleted} {
		reason := model.ReasonAlreadyComplete
		if _, err := d.Ledger.Upsert(a.Key(), func(e *model.LedgerEntry) error {
			stamp(e, course, a)
			return model.Advance(e, to, reason, d.now())
		}); err != nil {
			return fmt.Errorf("%w: %w", ErrLedger, err)
		}
	}
	return nil
}

func (d *Dispatcher) pause(ctx context.Context, r config.DelayRange) {
	if d.Pacer != nil {
		d.Pacer.Pause(ctx, r)
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}
