package runner

import (
	"time"

	"course-autopilot/internal/model"
)

type EventKind string

const (
	EventLaneStarted      EventKind = "lane_started"
	EventLaneStopped      EventKind = "lane_stopped"
	EventCourseStarted    EventKind = "course_started"
	EventCourseFinished   EventKind = "course_finished"
	EventActivityStarted  EventKind = "activity_started"
	EventAttemptFailed    EventKind = "attempt_failed"
	EventActivityFinished EventKind = "activity_finished"
)

// Event is a lane progress notification. State is set on
// EventActivityFinished; Attempt and Err on attempt and finish events.
type Event struct {
	Kind          EventKind
	Lane          int
	CourseID      string
	CourseName    string
	ActivityID    string
	ActivityLabel string
	State         model.State
	Reason        string
	Attempt       int
	Err           string
	At            time.Time
}

// Observer receives events from every lane. Calls are serialized.
type Observer func(Event)
