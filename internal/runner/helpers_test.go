package runner

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"course-autopilot/internal/config"
	"course-autopilot/internal/model"
	"course-autopilot/internal/portal/portaltest"
	"course-autopilot/internal/runstore"
)

var errFlaky = fmt.Errorf("navigate: %w: net::ERR_CONNECTION_RESET", model.ErrTransient)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Portal.BaseURL = "https://lms.test"
	cfg.Portal.CoursesURL = "https://lms.test/my/courses.php"
	cfg.StateDir = t.TempDir()
	cfg.Workers = 2
	cfg.MaxRetries = 3
	cfg.RetryBackoff = time.Millisecond
	cfg.ActionTimeout = 5 * time.Second
	cfg.CompletePatterns = []string{"url:/mod/page/"}
	cfg = cfg.Normalize()
	require.NoError(t, cfg.Validate())
	return cfg
}

func key(course, activity string) model.Key {
	return model.Key{CourseID: course, ActivityID: activity}
}

// twoCourseScenario: course A holds an auto-complete page, a quiz and a
// manual forum; course B holds one page whose navigation never succeeds.
func twoCourseScenario() *portaltest.Portal {
	p := portaltest.New(
		model.Course{ID: "A", Name: "Biology", URL: "https://lms.test/course/view.php?id=A", Activities: []model.Activity{
			{ID: "page", Kind: model.KindPage, Label: "Reading", Completable: true},
			{ID: "quiz", Kind: model.KindQuiz, Label: "Week 1 quiz", Completable: true},
			{ID: "forum", Kind: model.KindForum, Label: "Introduce yourself", Completable: true},
		}},
		model.Course{ID: "B", Name: "History", URL: "https://lms.test/course/view.php?id=B", Activities: []model.Activity{
			{ID: "page", Kind: model.KindPage, Label: "Rome", Completable: true},
		}},
	)
	p.SetBehavior(key("B", "page"), portaltest.Behavior{NavigateErr: errFlaky})
	return p
}

func openLedger(t *testing.T, cfg config.Config) *runstore.Ledger {
	t.Helper()
	l, err := runstore.OpenLedger(cfg.LedgerPath())
	require.NoError(t, err)
	return l
}

func states(entries []model.LedgerEntry) map[model.Key]model.State {
	out := make(map[model.Key]model.State, len(entries))
	for _, e := range entries {
		out[e.Key()] = e.State
	}
	return out
}
