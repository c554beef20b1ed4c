package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"course-autopilot/internal/config"
	"course-autopilot/internal/model"
	"course-autopilot/internal/portal"
	"course-autopilot/internal/portal/portaltest"
)

type harness struct {
	app        *app
	stdout     *bytes.Buffer
	stderr     *bytes.Buffer
	configPath string
	cfg        config.Config
	launches   int
}

func newHarness(t *testing.T, p *portaltest.Portal) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Portal.BaseURL = "https://lms.test"
	cfg.Portal.CoursesURL = "https://lms.test/my/courses.php"
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.Workers = 2
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Millisecond
	cfg.Delays = config.Delays{}
	path := filepath.Join(dir, "course-autopilot.yaml")
	require.NoError(t, config.Save(path, cfg, false))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	h := &harness{stdout: &bytes.Buffer{}, stderr: &bytes.Buffer{}, configPath: path, cfg: cfg}
	h.app = newApp(bytes.NewReader(nil), h.stdout, h.stderr)
	h.app.interactive = func() bool { return false }
	h.app.newBrowser = func(ctx context.Context, cfg config.Config, logger *slog.Logger) (portal.Browser, error) {
		h.launches++
		return p, nil
	}
	return h
}

func (h *harness) exec(args ...string) (string, error) {
	h.stdout.Reset()
	err := h.app.execute(context.Background(), append([]string{"--config", h.configPath}, args...))
	return h.stdout.String(), err
}

// scenario: course A has a page, a quiz and a forum; course B's only page
// never loads.
func scenario() *portaltest.Portal {
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
	p.SetBehavior(model.Key{CourseID: "B", ActivityID: "page"}, portaltest.Behavior{
		NavigateErr: fmt.Errorf("navigate: %w: net::ERR_CONNECTION_RESET", model.ErrTransient),
	})
	return p
}

func TestHarnessRunStatusReportReset(t *testing.T) {
	h := newHarness(t, scenario())

	out, err := h.exec("run", "--no-dashboard")
	require.NoError(t, err, h.stderr.String())
	assert.Contains(t, out, "courses: 2")
	assert.Contains(t, out, "completed: 2")
	assert.Contains(t, out, "skipped: 1")
	assert.Contains(t, out, "failed: 1")
	assert.Contains(t, out, "History / Rome: retry_exhausted after 2 attempts")
	assert.Contains(t, out, "[quiz] Biology / Week 1 quiz")
	assert.Contains(t, out, "[lane ")

	out, err = h.exec("--json", "status")
	require.NoError(t, err)
	var st statusOutput
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 2, st.Counts[model.StateCompleted])
	assert.Equal(t, 1, st.Counts[model.StateFailed])
	require.NotNil(t, st.Estimate)
	assert.Equal(t, 3, st.Estimate.TotalActionable)
	assert.NotEmpty(t, st.LastReport)

	out, err = h.exec("report")
	require.NoError(t, err)
	assert.Contains(t, out, "run_id: ")
	assert.Contains(t, out, "failed: 1")

	out, err = h.exec("reset-failed")
	require.NoError(t, err)
	assert.Equal(t, "reset: 1\n", out)

	out, err = h.exec("status")
	require.NoError(t, err)
	assert.Contains(t, out, "failed: 0")
	assert.Contains(t, out, "pending: 1")
}

func TestHarnessRunJSONIsSingleDocument(t *testing.T) {
	h := newHarness(t, scenario())

	out, err := h.exec("--json", "run")
	require.NoError(t, err)
	var got runOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.NotEmpty(t, got.RunID)
	assert.FileExists(t, got.ReportPath)
	assert.Equal(t, 2, got.Report.Completed)
}

func TestHarnessScanJSON(t *testing.T) {
	p := scenario()
	h := newHarness(t, p)

	out, err := h.exec("--json", "scan")
	require.NoError(t, err)
	var est model.WorkloadEstimate
	require.NoError(t, json.Unmarshal([]byte(out), &est))
	assert.Equal(t, 4, est.TotalActivities)
	assert.Equal(t, 3, est.TotalActionable)
	assert.Equal(t, 1, est.TotalSkippable)
	assert.Zero(t, p.TotalNavigations())
	assert.NoFileExists(t, h.cfg.LedgerPath())
}

func TestHarnessScanTable(t *testing.T) {
	h := newHarness(t, scenario())

	out, err := h.exec("scan")
	require.NoError(t, err)
	assert.Contains(t, out, "scanned 1/2")
	assert.Contains(t, out, "Biology")
	assert.Contains(t, out, "to do: 3")
}

func TestHarnessRunWithoutSessionHintsLogin(t *testing.T) {
	h := newHarness(t, scenario())
	h.app.newBrowser = func(context.Context, config.Config, *slog.Logger) (portal.Browser, error) {
		return nil, fmt.Errorf("%w: redirected to sign-in", model.ErrNotAuthenticated)
	}

	_, err := h.exec("run")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNotAuthenticated))
	assert.Contains(t, Hint(err), "login")
	assert.Equal(t, 1, ExitCode(err))
}

func TestHarnessAllLanesLostStillReports(t *testing.T) {
	p := scenario()
	lost := fmt.Errorf("navigate: %w: redirected to /login/index.php", model.ErrSessionLost)
	p.SetBehavior(model.Key{CourseID: "A", ActivityID: "page"}, portaltest.Behavior{NavigateErr: lost})
	p.SetBehavior(model.Key{CourseID: "B", ActivityID: "page"}, portaltest.Behavior{NavigateErr: lost})
	h := newHarness(t, p)

	out, err := h.exec("run", "--workers", "1")
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))
	assert.Contains(t, out, "partial: true")
	assert.Contains(t, out, "lane_error: lane 1")
}

func TestHarnessRunRejectsWorkerOverride(t *testing.T) {
	h := newHarness(t, scenario())

	_, err := h.exec("run", "--workers", "99")
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrInvalid))
	assert.NotEmpty(t, Hint(err))
	assert.Zero(t, h.launches)
}

func TestHarnessReportWithoutRuns(t *testing.T) {
	h := newHarness(t, scenario())

	_, err := h.exec("report")
	require.Error(t, err)
	assert.Contains(t, Hint(err), "run")
}

func TestHarnessInitAndDoctor(t *testing.T) {
	t.Chdir(t.TempDir())
	a := newApp(bytes.NewReader(nil), &bytes.Buffer{}, &bytes.Buffer{})
	out := &bytes.Buffer{}
	a.stdout = out

	require.NoError(t, a.execute(context.Background(), []string{"--json", "init"}))
	var res config.InitWorkspaceResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.True(t, res.CreatedConfig)
	assert.FileExists(t, config.DefaultFile)

	out.Reset()
	err := a.execute(context.Background(), []string{"doctor"})
	require.Error(t, err)
	assert.Contains(t, out.String(), "session:cookies: fail")
}

func TestHarnessBadLogLevel(t *testing.T) {
	h := newHarness(t, scenario())

	_, err := h.exec("--log-level", "loud", "status")
	require.Error(t, err)
	assert.Contains(t, Hint(err), "debug")
}
