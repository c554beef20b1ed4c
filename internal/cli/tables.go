package cli

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"course-autopilot/internal/model"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
)

// renderTable draws a static, unfocused table.
func renderTable(columns []table.Column, rows []table.Row) string {
	t := table.New(
		table.WithColumns(columns),
		table.WithRows(rows),
		table.WithHeight(len(rows)+2),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		Bold(true)
	s.Selected = lipgloss.NewStyle()
	t.SetStyles(s)
	return t.View()
}

func estimateTable(est model.WorkloadEstimate) string {
	columns := []table.Column{
		{Title: "Course", Width: 36},
		{Title: "Total", Width: 6},
		{Title: "Done", Width: 6},
		{Title: "Skip", Width: 6},
		{Title: "To do", Width: 6},
		{Title: "Note", Width: 30},
	}
	rows := make([]table.Row, 0, len(est.Courses))
	for _, c := range est.Courses {
		note := ""
		if c.Failed > 0 {
			note = fmt.Sprintf("%d failed, waiting for reset", c.Failed)
		}
		if c.Unknown {
			note = "not scanned"
			if c.ScanError != "" {
				note = c.ScanError
			}
		}
		rows = append(rows, table.Row{
			firstNonEmpty(c.CourseName, c.CourseID),
			countCell(c.Total, c.Unknown),
			countCell(c.AlreadyComplete, c.Unknown),
			countCell(c.Skippable, c.Unknown),
			countCell(c.Actionable, c.Unknown),
			note,
		})
	}
	return renderTable(columns, rows)
}

func estimateSummary(est model.WorkloadEstimate) string {
	line := fmt.Sprintf("courses: %d | activities: %d | to do: %d | skip: %d | already done: %d | eta ~ %s",
		len(est.Courses), est.TotalActivities, est.TotalActionable, est.TotalSkippable, est.TotalComplete,
		formatMinutes(est.EstimatedMinutes))
	if est.TotalFailed > 0 {
		line += warnStyle.Render(fmt.Sprintf(" | failed: %d", est.TotalFailed))
	}
	if est.UnknownCourses > 0 {
		line += warnStyle.Render(fmt.Sprintf(" | unscanned: %d", est.UnknownCourses))
	}
	return line
}

// courseRow aggregates ledger entries for one course.
type courseRow struct {
	ID         string `json:"course_id"`
	Name       string `json:"course_name,omitempty"`
	Completed  int    `json:"completed"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
	InProgress int    `json:"in_progress"`
	Pending    int    `json:"pending"`
}

func courseRows(entries []model.LedgerEntry) []courseRow {
	var rows []courseRow
	index := make(map[string]int)
	for _, e := range entries {
		i, ok := index[e.CourseID]
		if !ok {
			i = len(rows)
			index[e.CourseID] = i
			rows = append(rows, courseRow{ID: e.CourseID})
		}
		r := &rows[i]
		if r.Name == "" {
			r.Name = e.CourseName
		}
		switch e.State {
		case model.StateCompleted:
			r.Completed++
		case model.StateSkipped:
			r.Skipped++
		case model.StateFailed:
			r.Failed++
		case model.StateInProgress:
			r.InProgress++
		default:
			r.Pending++
		}
	}
	return rows
}

func statusTable(rows []courseRow) string {
	columns := []table.Column{
		{Title: "Course", Width: 36},
		{Title: "Done", Width: 6},
		{Title: "Skip", Width: 6},
		{Title: "Failed", Width: 6},
		{Title: "Open", Width: 6},
	}
	out := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, table.Row{
			firstNonEmpty(r.Name, r.ID),
			strconv.Itoa(r.Completed),
			strconv.Itoa(r.Skipped),
			strconv.Itoa(r.Failed),
			strconv.Itoa(r.InProgress + r.Pending),
		})
	}
	return renderTable(columns, out)
}

func countCell(n int, unknown bool) string {
	if unknown {
		return "?"
	}
	return strconv.Itoa(n)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
