package cli

import (
	"bytes"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"course-autopilot/internal/model"
	"course-autopilot/internal/runner"
)

func feed(m dashboardModel, events ...runner.Event) dashboardModel {
	for _, ev := range events {
		next, _ := m.Update(laneEventMsg(ev))
		m = next.(dashboardModel)
	}
	return m
}

func TestDashboardTracksLanesAndTotals(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m := newDashboard(2, nil)
	m.now = func() time.Time { return start.Add(5 * time.Second) }

	next, _ := m.Update(estimateMsg(model.WorkloadEstimate{TotalActionable: 10}))
	m = next.(dashboardModel)
	m = feed(m,
		runner.Event{Kind: runner.EventLaneStarted, Lane: 1, At: start},
		runner.Event{Kind: runner.EventLaneStarted, Lane: 2, At: start},
		runner.Event{Kind: runner.EventCourseStarted, Lane: 1, CourseID: "A", CourseName: "Biology"},
		runner.Event{Kind: runner.EventActivityStarted, Lane: 1, ActivityID: "p", ActivityLabel: "Reading", At: start},
		runner.Event{Kind: runner.EventAttemptFailed, Lane: 1, Attempt: 1, Err: "timeout"},
		runner.Event{Kind: runner.EventActivityFinished, Lane: 2, CourseName: "History", ActivityLabel: "Rome", State: model.StateCompleted},
		runner.Event{Kind: runner.EventActivityFinished, Lane: 2, CourseName: "History", ActivityLabel: "Quiz", State: model.StateSkipped},
	)

	view := m.View()
	assert.Contains(t, view, "lanes 2/2")
	assert.Contains(t, view, "completed 1/10")
	assert.Contains(t, view, "skipped 1")
	assert.Contains(t, view, "attempt errors 1")
	assert.Contains(t, view, "Biology / Reading")
	assert.Contains(t, view, "(attempt 2)")
	assert.Contains(t, view, "5s")
	assert.Contains(t, view, "done  History / Rome")
}

func TestDashboardShowsStoppedLanes(t *testing.T) {
	m := feed(newDashboard(2, nil),
		runner.Event{Kind: runner.EventLaneStarted, Lane: 1},
		runner.Event{Kind: runner.EventLaneStopped, Lane: 1, Err: "portal session lost"},
		runner.Event{Kind: runner.EventLaneStarted, Lane: 2},
		runner.Event{Kind: runner.EventLaneStopped, Lane: 2},
	)
	view := m.View()
	assert.Contains(t, view, "lanes 0/2")
	assert.Contains(t, view, "L1 stopped: portal session lost")
	assert.Contains(t, view, "L2 idle")
}

func TestDashboardEventRingKeepsNewest(t *testing.T) {
	m := newDashboard(1, nil)
	for i := 0; i < dashboardEvents+3; i++ {
		m = feed(m, runner.Event{Kind: runner.EventActivityFinished, Lane: 1, CourseName: "C", ActivityLabel: string(rune('a' + i)), State: model.StateCompleted})
	}
	require.Len(t, m.events, dashboardEvents)
	assert.Equal(t, "done  C / k", m.events[0])
	assert.Equal(t, dashboardEvents+3, m.totals.completed)
}

func TestDashboardInterruptCancelsOnce(t *testing.T) {
	calls := 0
	m := newDashboard(1, func() { calls++ })

	for i := 0; i < 2; i++ {
		next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
		m = next.(dashboardModel)
		assert.Nil(t, cmd, "interrupt waits for the run to finish")
	}
	assert.Equal(t, 1, calls)
	assert.Contains(t, m.View(), "waiting for lanes")

	_, cmd := m.Update(runDoneMsg{})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestPlainObserverLines(t *testing.T) {
	var buf bytes.Buffer
	obs := plainObserver(&buf)
	obs(runner.Event{Kind: runner.EventCourseStarted, Lane: 1, CourseName: "Biology"})
	obs(runner.Event{Kind: runner.EventActivityStarted, Lane: 1, ActivityLabel: "Reading"})
	obs(runner.Event{Kind: runner.EventActivityFinished, Lane: 1, ActivityLabel: "Reading", State: model.StateCompleted, Reason: model.ReasonCompleted})
	obs(runner.Event{Kind: runner.EventLaneStopped, Lane: 1})

	assert.Equal(t, "[lane 1] course Biology\n[lane 1]   Reading: completed (completed)\n", buf.String())
}

func TestFormatMinutes(t *testing.T) {
	cases := map[int]string{0: "<1m", 45: "45m", 60: "1h", 95: "1h 35m", 1440: "1d", 1500: "1d 1h"}
	for in, want := range cases {
		assert.Equal(t, want, formatMinutes(in), "minutes=%d", in)
	}
}
