package runner

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"course-autopilot/internal/model"
	"course-autopilot/internal/runstore"
)

const ReportSchemaVersion = 1

const reportTimeLayout = "20060102T150405Z"

type Timing struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
}

type Extras struct {
	CourseErrors []string
	LaneErrors   []string
	Unprocessed  []string
	Partial      bool
}

func NewRunID(now time.Time) string {
	return now.UTC().Format(reportTimeLayout) + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// Generate summarizes a ledger snapshot. It fails on entries in unknown
// states rather than silently miscounting them.
func Generate(snapshot []model.LedgerEntry, timing Timing, extras Extras) (model.RunReport, error) {
	r := model.RunReport{
		SchemaVersion: ReportSchemaVersion,
		RunID:         timing.RunID,
		StartedAt:     timing.StartedAt.UTC(),
		FinishedAt:    timing.FinishedAt.UTC(),
		Partial:       extras.Partial || len(extras.Unprocessed) > 0,
		Failures:      []model.Failure{},
		FollowUps:     []model.FollowUp{},
		CourseErrors:  slices.Clone(extras.CourseErrors),
		LaneErrors:    slices.Clone(extras.LaneErrors),
		Unprocessed:   slices.Clone(extras.Unprocessed),
	}
	if !timing.FinishedAt.IsZero() && !timing.StartedAt.IsZero() {
		r.Duration = timing.FinishedAt.Sub(timing.StartedAt).Round(time.Second).String()
	}

	for _, e := range snapshot {
		switch e.State {
		case model.StateCompleted:
			r.Completed++
		case model.StateSkipped:
			r.Skipped++
			if e.Kind == model.KindQuiz || e.Kind == model.KindAssignment {
				r.FollowUps = append(r.FollowUps, model.FollowUp{
					CourseName:    firstNonEmpty(e.CourseName, e.CourseID),
					ActivityLabel: firstNonEmpty(e.ActivityLabel, e.ActivityID),
					Kind:          e.Kind,
				})
			}
		case model.StateFailed:
			r.Failed++
			r.Failures = append(r.Failures, model.Failure{
				CourseID:      e.CourseID,
				CourseName:    e.CourseName,
				ActivityID:    e.ActivityID,
				ActivityLabel: e.ActivityLabel,
				Kind:          e.Kind,
				Attempts:      e.Attempts,
				Reason:        e.Reason,
				Error:         e.LastError,
				Screenshot:    e.Screenshot,
			})
		case model.StatePending:
			r.Pending++
		case model.StateInProgress:
			r.InProgress++
		default:
			return model.RunReport{}, fmt.Errorf("report: entry %s has unknown state %q", e.Key(), e.State)
		}
		r.Total++
	}
	return r, nil
}

// WriteReport stores r as report_<finished>.json in dir and returns the
// path. An existing report is never replaced; a second run finishing in the
// same second gets its run id appended instead.
func WriteReport(r model.RunReport, dir string) (string, error) {
	stamp := r.FinishedAt
	if stamp.IsZero() {
		stamp = time.Now()
	}
	base := "report_" + stamp.UTC().Format(reportTimeLayout)
	path := filepath.Join(dir, base+".json")
	err := runstore.WriteJSONExclusive(path, r)
	if errors.Is(err, runstore.ErrExists) && r.RunID != "" {
		path = filepath.Join(dir, base+"_"+r.RunID+".json")
		err = runstore.WriteJSONExclusive(path, r)
	}
	if err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// LatestReport loads the newest report in dir.
func LatestReport(dir string) (model.RunReport, string, error) {
	path, err := runstore.LatestFile(dir, "report_")
	if err != nil {
		return model.RunReport{}, "", err
	}
	var r model.RunReport
	if err := runstore.ReadJSON(path, &r); err != nil {
		return model.RunReport{}, "", err
	}
	return r, path, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
