package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"course-autopilot/internal/classify"
	"course-autopilot/internal/model"
	"course-autopilot/internal/portal/portaltest"
)

type mapLedger map[model.Key]model.LedgerEntry

func (m mapLedger) Get(key model.Key) (model.LedgerEntry, bool) {
	e, ok := m[key]
	return e, ok
}

func newClassifier(t *testing.T) *classify.Classifier {
	t.Helper()
	c, err := classify.NewFromOptions(classify.Options{
		SkipQuizzes:      true,
		SkipAssignments:  true,
		CompletePatterns: []string{"url:/mod/page/"},
	})
	require.NoError(t, err)
	return c
}

func sampleCourses() []model.Course {
	return []model.Course{
		{ID: "c1", Name: "Biology", URL: "https://lms.test/course/view.php?id=c1", Activities: []model.Activity{
			{ID: "p1", Kind: model.KindPage, Label: "Intro", Completable: true},
			{ID: "p2", Kind: model.KindPage, Label: "Cells", Completable: true},
			{ID: "q1", Kind: model.KindQuiz, Label: "Quiz", Completable: true},
			{ID: "f1", Kind: model.KindForum, Label: "Forum", Completable: true, Done: true},
		}},
		{ID: "c2", Name: "History", URL: "https://lms.test/course/view.php?id=c2", Activities: []model.Activity{
			{ID: "p1", Kind: model.KindPage, Label: "Rome", Completable: true},
			{ID: "p2", Kind: model.KindPage, Label: "Carthage", Completable: true},
		}},
		{ID: "c3", Name: "Physics", URL: "https://lms.test/course/view.php?id=c3"},
	}
}

func TestScanCountsAndDegradesPerCourse(t *testing.T) {
	fake := portaltest.New(sampleCourses()...)
	fake.FailListing("c3", errors.New("boom"))
	tab, err := fake.NewTab(context.Background())
	require.NoError(t, err)

	ledger := mapLedger{
		{CourseID: "c1", ActivityID: "p2"}: {CourseID: "c1", ActivityID: "p2", State: model.StateCompleted},
		{CourseID: "c2", ActivityID: "p2"}: {CourseID: "c2", ActivityID: "p2", State: model.StateFailed},
	}
	var progress []int
	s := &Scanner{
		Tab:        tab,
		Classifier: newClassifier(t),
		Ledger:     ledger,
		Workers:    2,
		Progress:   func(done, total int, _ model.CourseEstimate) { progress = append(progress, done) },
	}

	courses, est := s.Scan(context.Background(), fake.Courses())
	require.Len(t, courses, 3)
	assert.Len(t, courses[0].Activities, 4)
	assert.Empty(t, courses[2].Activities)

	c1, ok := est.Course("c1")
	require.True(t, ok)
	assert.Equal(t, model.CourseEstimate{CourseID: "c1", CourseName: "Biology", Total: 4, AlreadyComplete: 2, Skippable: 1, Actionable: 1}, c1)

	c2, _ := est.Course("c2")
	assert.Equal(t, 1, c2.Actionable)
	assert.Equal(t, 1, c2.Failed, "failed entries wait for a reset")

	c3, _ := est.Course("c3")
	assert.True(t, c3.Unknown)
	assert.Contains(t, c3.ScanError, "boom")

	assert.Equal(t, 6, est.TotalActivities)
	assert.Equal(t, 2, est.TotalActionable)
	assert.Equal(t, 1, est.TotalFailed)
	assert.Equal(t, 1, est.UnknownCourses)
	assert.Equal(t, []int{1, 2, 3}, progress)
	assert.Zero(t, fake.TotalClicks(), "scan must never click")
}

func TestScanAfterCancelMarksRemainingUnknown(t *testing.T) {
	fake := portaltest.New(sampleCourses()...)
	tab, err := fake.NewTab(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scanner{
		Tab:        tab,
		Classifier: newClassifier(t),
		Progress: func(done, _ int, _ model.CourseEstimate) {
			if done == 1 {
				cancel()
			}
		},
	}
	_, est := s.Scan(ctx, fake.Courses())

	c1, _ := est.Course("c1")
	assert.False(t, c1.Unknown)
	for _, id := range []string{"c2", "c3"} {
		ce, _ := est.Course(id)
		assert.True(t, ce.Unknown, id)
	}
	assert.Equal(t, 0, fake.Listed("c2"))
}

func TestEstimatedMinutesDividesAcrossWorkers(t *testing.T) {
	est := model.WorkloadEstimate{Courses: []model.CourseEstimate{{CourseID: "c", Actionable: 200, Total: 200}}}
	summarize(&est, 4)
	assert.Equal(t, 2, est.EstimatedMinutes)

	est = model.WorkloadEstimate{Courses: []model.CourseEstimate{{CourseID: "c", Actionable: 200, Total: 200}}}
	summarize(&est, 0)
	assert.Equal(t, 10, est.EstimatedMinutes)
}
