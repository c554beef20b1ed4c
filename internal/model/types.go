package model

import "time"

type Kind string

const (
	KindPage       Kind = "page"
	KindURL        Kind = "url"
	KindForum      Kind = "forum"
	KindQuiz       Kind = "quiz"
	KindAssignment Kind = "assignment"
	KindOther      Kind = "other"
)

type CourseStatus string

const (
	CourseNotStarted CourseStatus = "not_started"
	CourseInProgress CourseStatus = "in_progress"
	CourseComplete   CourseStatus = "complete"
)

// Course is a read-only description produced by discovery. Status is filled
// in by the prioritizer from the ledger.
type Course struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	URL        string       `json:"url"`
	Activities []Activity   `json:"activities,omitempty"`
	Status     CourseStatus `json:"status,omitempty"`
}

type Activity struct {
	CourseID    string `json:"course_id"`
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	Label       string `json:"label"`
	URL         string `json:"url"`
	Completable bool   `json:"completable"`
	// Done is the portal's own completion marker as seen on the course page.
	Done bool `json:"done,omitempty"`
}

func (a Activity) Key() Key {
	return Key{CourseID: a.CourseID, ActivityID: a.ID}
}

type Key struct {
	CourseID   string `json:"course_id"`
	ActivityID string `json:"activity_id"`
}

func (k Key) String() string {
	return k.CourseID + "/" + k.ActivityID
}

// LedgerEntry is the persisted completion record for one activity.
type LedgerEntry struct {
	CourseID      string    `json:"course_id"`
	ActivityID    string    `json:"activity_id"`
	State         State     `json:"state"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
	CourseName    string    `json:"course_name,omitempty"`
	ActivityLabel string    `json:"activity_label,omitempty"`
	Kind          Kind      `json:"kind,omitempty"`
	Screenshot    string    `json:"screenshot,omitempty"`
}

func (e LedgerEntry) Key() Key {
	return Key{CourseID: e.CourseID, ActivityID: e.ActivityID}
}

// CourseEstimate is one course's reconnaissance result. Actionable is only
// meaningful when Unknown is false. Failed counts activities held back by a
// failed ledger entry; they are not dispatched until reset.
type CourseEstimate struct {
	CourseID        string `json:"course_id"`
	CourseName      string `json:"course_name"`
	Total           int    `json:"total"`
	AlreadyComplete int    `json:"already_complete"`
	Skippable       int    `json:"skippable"`
	Failed          int    `json:"failed,omitempty"`
	Actionable      int    `json:"actionable"`
	Unknown         bool   `json:"unknown,omitempty"`
	ScanError       string `json:"scan_error,omitempty"`
}

type WorkloadEstimate struct {
	GeneratedAt      time.Time        `json:"generated_at"`
	Courses          []CourseEstimate `json:"courses"`
	TotalActivities  int              `json:"total_activities"`
	TotalActionable  int              `json:"total_actionable"`
	TotalSkippable   int              `json:"total_skippable"`
	TotalComplete    int              `json:"total_already_complete"`
	TotalFailed      int              `json:"total_failed,omitempty"`
	UnknownCourses   int              `json:"unknown_courses"`
	EstimatedMinutes int              `json:"estimated_minutes"`
}

// Course returns the estimate for a course id.
func (w WorkloadEstimate) Course(courseID string) (CourseEstimate, bool) {
	for _, c := range w.Courses {
		if c.CourseID == courseID {
			return c, true
		}
	}
	return CourseEstimate{}, false
}

type Failure struct {
	CourseID      string `json:"course_id"`
	CourseName    string `json:"course_name,omitempty"`
	ActivityID    string `json:"activity_id"`
	ActivityLabel string `json:"activity_label,omitempty"`
	Kind          Kind   `json:"kind,omitempty"`
	Attempts      int    `json:"attempts"`
	Reason        string `json:"reason"`
	Error         string `json:"error"`
	Screenshot    string `json:"screenshot,omitempty"`
}

// FollowUp is a skipped quiz or assignment the user has to finish by hand.
type FollowUp struct {
	CourseName    string `json:"course_name,omitempty"`
	ActivityLabel string `json:"activity_label"`
	Kind          Kind   `json:"kind"`
}

type RunReport struct {
	SchemaVersion int        `json:"schema_version"`
	RunID         string     `json:"run_id"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    time.Time  `json:"finished_at"`
	Duration      string     `json:"duration"`
	Partial       bool       `json:"partial"`
	Total         int        `json:"total"`
	Completed     int        `json:"completed"`
	Skipped       int        `json:"skipped"`
	Failed        int        `json:"failed"`
	Pending       int        `json:"pending"`
	InProgress    int        `json:"in_progress"`
	Failures      []Failure  `json:"failures"`
	FollowUps     []FollowUp `json:"manual_follow_ups"`
	CourseErrors  []string   `json:"course_errors,omitempty"`
	LaneErrors    []string   `json:"lane_errors,omitempty"`
	Unprocessed   []string   `json:"unprocessed_courses,omitempty"`
}
