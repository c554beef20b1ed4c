package discovery

import (
	"slices"

	"course-autopilot/internal/model"
)

type OrderOptions struct {
	AutoResume      bool
	DropIdleCourses bool
}

// Order ranks courses for dispatch. With AutoResume, courses that hold an
// in_progress ledger entry come first. Then known positive actionable counts
// descend, unknown counts follow, and known-zero courses go last (or are
// dropped with DropIdleCourses). Ties keep input order. Each returned course
// carries its derived status.
func Order(courses []model.Course, est model.WorkloadEstimate, snapshot []model.LedgerEntry, opts OrderOptions) []model.Course {
	type courseFacts struct {
		inProgress bool
		touched    bool
		allDone    bool
	}
	facts := make(map[string]courseFacts)
	for _, e := range snapshot {
		f := facts[e.CourseID]
		f.touched = true
		if e.State == model.StateInProgress {
			f.inProgress = true
		}
		facts[e.CourseID] = f
	}

	type ranked struct {
		course  model.Course
		resume  bool
		bucket  int
		actions int
	}
	const (
		bucketPositive = iota
		bucketUnknown
		bucketIdle
	)

	items := make([]ranked, 0, len(courses))
	for _, c := range courses {
		ce, known := est.Course(c.ID)
		f := facts[c.ID]

		r := ranked{course: c, resume: opts.AutoResume && f.inProgress}
		switch {
		case !known || ce.Unknown:
			r.bucket = bucketUnknown
		case ce.Actionable > 0:
			r.bucket = bucketPositive
			r.actions = ce.Actionable
		default:
			r.bucket = bucketIdle
		}

		f.allDone = known && !ce.Unknown && ce.Actionable == 0 && ce.Total > 0 && ce.AlreadyComplete+ce.Skippable == ce.Total
		r.course.Status = deriveStatus(f.inProgress, f.touched || (known && ce.AlreadyComplete > 0), f.allDone)

		if opts.DropIdleCourses && r.bucket == bucketIdle && !r.resume {
			continue
		}
		items = append(items, r)
	}

	slices.SortStableFunc(items, func(a, b ranked) int {
		if a.resume != b.resume {
			if a.resume {
				return -1
			}
			return 1
		}
		if a.bucket != b.bucket {
			return a.bucket - b.bucket
		}
		return b.actions - a.actions
	})

	out := make([]model.Course, 0, len(items))
	for _, r := range items {
		out = append(out, r.course)
	}
	return out
}

func deriveStatus(inProgress, touched, allDone bool) model.CourseStatus {
	switch {
	case allDone && !inProgress:
		return model.CourseComplete
	case inProgress || touched:
		return model.CourseInProgress
	}
	return model.CourseNotStarted
}
