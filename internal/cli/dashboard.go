package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"course-autopilot/internal/model"
	"course-autopilot/internal/runner"
)

const dashboardEvents = 8

type laneView struct {
	course   string
	activity string
	attempt  int
	since    time.Time
	stopped  bool
	err      string
}

type runTotals struct {
	completed   int
	skipped     int
	failed      int
	attemptErrs int
}

type dashboardModel struct {
	spinner spinner.Model
	cancel  context.CancelFunc
	workers int

	lanes    map[int]*laneView
	events   []string
	totals   runTotals
	target   int
	estimate bool
	stopping bool
	done     bool
	width    int
	now      func() time.Time
}

type laneEventMsg runner.Event

type estimateMsg model.WorkloadEstimate

type runDoneMsg struct{}

func newDashboard(workers int, cancel context.CancelFunc) dashboardModel {
	return dashboardModel{
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		cancel:  cancel,
		workers: workers,
		lanes:   make(map[int]*laneView),
		events:  make([]string, 0, dashboardEvents),
		now:     time.Now,
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if !m.stopping {
				m.stopping = true
				m.pushEvent("stopping: lanes finish their current activity")
				if m.cancel != nil {
					m.cancel()
				}
			}
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case estimateMsg:
		m.target = model.WorkloadEstimate(msg).TotalActionable
		m.estimate = true
		return m, nil
	case laneEventMsg:
		m.apply(runner.Event(msg))
		return m, nil
	case runDoneMsg:
		m.done = true
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

func (m *dashboardModel) apply(ev runner.Event) {
	if ev.Lane < 1 {
		return
	}
	lane := m.lanes[ev.Lane]
	if lane == nil {
		lane = &laneView{}
		m.lanes[ev.Lane] = lane
	}

	switch ev.Kind {
	case runner.EventLaneStarted:
		lane.since = ev.At
	case runner.EventLaneStopped:
		lane.stopped = true
		lane.activity = ""
		if ev.Err != "" {
			lane.err = ev.Err
			m.pushEvent(fmt.Sprintf("lane %d stopped: %s", ev.Lane, ev.Err))
		}
	case runner.EventCourseStarted:
		lane.course = firstNonEmpty(ev.CourseName, ev.CourseID)
		lane.activity = ""
	case runner.EventActivityStarted:
		lane.activity = firstNonEmpty(ev.ActivityLabel, ev.ActivityID)
		lane.attempt = 1
		lane.since = ev.At
	case runner.EventAttemptFailed:
		m.totals.attemptErrs++
		lane.attempt = ev.Attempt + 1
	case runner.EventActivityFinished:
		label := firstNonEmpty(ev.ActivityLabel, ev.ActivityID)
		switch ev.State {
		case model.StateCompleted:
			m.totals.completed++
			m.pushEvent(fmt.Sprintf("done  %s / %s", firstNonEmpty(ev.CourseName, ev.CourseID), label))
		case model.StateSkipped:
			m.totals.skipped++
		case model.StateFailed:
			m.totals.failed++
			m.pushEvent(fmt.Sprintf("fail  %s / %s: %s", firstNonEmpty(ev.CourseName, ev.CourseID), label, ev.Reason))
		}
		lane.activity = ""
	}
}

func (m *dashboardModel) pushEvent(line string) {
	m.events = append([]string{line}, m.events...)
	if len(m.events) > dashboardEvents {
		m.events = m.events[:dashboardEvents]
	}
}

func (m dashboardModel) View() string {
	var b strings.Builder

	active := 0
	for _, l := range m.lanes {
		if !l.stopped {
			active++
		}
	}
	progress := fmt.Sprintf("completed %d", m.totals.completed)
	if m.estimate {
		progress = fmt.Sprintf("completed %d/%d", m.totals.completed, m.target)
	}
	header := fmt.Sprintf("course-autopilot | lanes %d/%d | %s | skipped %d | failed %d | attempt errors %d",
		active, m.workers, progress, m.totals.skipped, m.totals.failed, m.totals.attemptErrs)
	b.WriteString(titleStyle.Render(header) + "\n")

	width := m.width
	if width <= 0 || width > 100 {
		width = 100
	}
	rule := mutedStyle.Render(strings.Repeat("-", width))
	b.WriteString(rule + "\n")

	ids := make([]int, 0, len(m.lanes))
	for id := range m.lanes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	if len(ids) == 0 {
		b.WriteString(m.spinner.View() + " opening lanes\n")
	}
	for _, id := range ids {
		b.WriteString(m.laneLine(id, m.lanes[id]) + "\n")
	}

	if len(m.events) > 0 {
		b.WriteString(rule + "\n")
		for _, e := range m.events {
			b.WriteString(e + "\n")
		}
	}
	if m.stopping && !m.done {
		b.WriteString(warnStyle.Render("waiting for lanes to reach a checkpoint...") + "\n")
	}
	return b.String()
}

func (m dashboardModel) laneLine(id int, l *laneView) string {
	prefix := fmt.Sprintf("L%d", id)
	switch {
	case l.err != "":
		return prefix + " " + errorStyle.Render("stopped: "+l.err)
	case l.stopped:
		return prefix + " " + mutedStyle.Render("idle")
	case l.activity != "":
		elapsed := ""
		if !l.since.IsZero() {
			elapsed = " " + m.now().Sub(l.since).Round(time.Second).String()
		}
		attempt := ""
		if l.attempt > 1 {
			attempt = warnStyle.Render(fmt.Sprintf(" (attempt %d)", l.attempt))
		}
		return fmt.Sprintf("%s %s %s / %s%s%s", prefix, m.spinner.View(), l.course, l.activity, attempt, mutedStyle.Render(elapsed))
	case l.course != "":
		return fmt.Sprintf("%s %s %s", prefix, m.spinner.View(), l.course)
	}
	return prefix + " " + m.spinner.View()
}

// plainObserver prints one line per finished activity for non-interactive
// output.
func plainObserver(w io.Writer) runner.Observer {
	return func(ev runner.Event) {
		switch ev.Kind {
		case runner.EventCourseStarted:
			fmt.Fprintf(w, "[lane %d] course %s\n", ev.Lane, firstNonEmpty(ev.CourseName, ev.CourseID))
		case runner.EventAttemptFailed:
			fmt.Fprintf(w, "[lane %d]   %s attempt %d failed: %s\n", ev.Lane, firstNonEmpty(ev.ActivityLabel, ev.ActivityID), ev.Attempt, ev.Err)
		case runner.EventActivityFinished:
			fmt.Fprintf(w, "[lane %d]   %s: %s (%s)\n", ev.Lane, firstNonEmpty(ev.ActivityLabel, ev.ActivityID), ev.State, ev.Reason)
		case runner.EventLaneStopped:
			if ev.Err != "" {
				fmt.Fprintf(w, "[lane %d] stopped: %s\n", ev.Lane, ev.Err)
			}
		}
	}
}
