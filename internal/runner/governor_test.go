package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"course-autopilot/internal/classify"
	"course-autopilot/internal/model"
	"course-autopilot/internal/portal/portaltest"
	"course-autopilot/internal/runstore"
)

func governorFixture(t *testing.T, maxAttempts int, b portaltest.Behavior) (*Governor, *portaltest.Portal, model.Course, model.Activity) {
	t.Helper()
	return governorFixtureFor(t, model.KindForum, maxAttempts, b)
}

func governorFixtureFor(t *testing.T, kind model.Kind, maxAttempts int, b portaltest.Behavior) (*Governor, *portaltest.Portal, model.Course, model.Activity) {
	t.Helper()
	course := model.Course{ID: "c1", Name: "Biology", URL: "https://lms.test/course/view.php?id=c1", Activities: []model.Activity{
		{ID: "a1", Kind: kind, Label: "Discussion", Completable: true},
	}}
	p := portaltest.New(course)
	acts, err := mustTab(t, p).ListActivities(context.Background(), p.Courses()[0])
	require.NoError(t, err)
	p.SetBehavior(acts[0].Key(), b)

	g := &Governor{
		Ledger:         runstore.NewLedger(filepath.Join(t.TempDir(), "ledger.json")),
		MaxAttempts:    maxAttempts,
		Backoff:        time.Millisecond,
		AttemptTimeout: 5 * time.Second,
		Pacer:          NoPacing{},
	}
	return g, p, course, acts[0]
}

func mustTab(t *testing.T, p *portaltest.Portal) *portaltest.Tab {
	t.Helper()
	tab, err := p.NewTab(context.Background())
	require.NoError(t, err)
	return tab.(*portaltest.Tab)
}

func TestGovernorStopsAfterExactlyMaxAttempts(t *testing.T) {
	for _, k := range []int{1, 2, 4} {
		g, p, course, a := governorFixture(t, k, portaltest.Behavior{NavigateErr: errFlaky})
		var failedEvents int
		g.Notify = func(ev Event) {
			if ev.Kind == EventAttemptFailed {
				failedEvents++
			}
		}

		out := g.Attempt(context.Background(), 1, mustTab(t, p), course, a, classify.ManualComplete)

		assert.Equal(t, model.StateFailed, out.State, "k=%d", k)
		assert.Equal(t, k, out.Attempts, "k=%d", k)
		assert.Equal(t, k, p.Navigations(a.Key()), "k=%d", k)
		assert.Equal(t, k, failedEvents, "k=%d", k)

		e, ok := g.Ledger.Get(a.Key())
		require.True(t, ok)
		assert.Equal(t, k, e.Attempts)
		assert.Equal(t, model.ReasonRetryExhausted, e.Reason)
		assert.Contains(t, e.LastError, "ERR_CONNECTION_RESET")
		assert.NotEmpty(t, e.Screenshot)
		assert.Equal(t, "Biology", e.CourseName)
	}
}

func TestGovernorRecoversFromTransientFailure(t *testing.T) {
	g, p, course, a := governorFixture(t, 3, portaltest.Behavior{NavigateErrs: []error{errFlaky}})

	out := g.Attempt(context.Background(), 1, mustTab(t, p), course, a, classify.ManualComplete)

	require.NoError(t, out.Err)
	assert.Equal(t, model.StateCompleted, out.State)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 1, p.Clicks(a.Key()))
	e, _ := g.Ledger.Get(a.Key())
	assert.Empty(t, e.LastError)
}

func TestGovernorStructuralFailureIsNotRetried(t *testing.T) {
	g, p, course, a := governorFixture(t, 3, portaltest.Behavior{NoControl: true})

	out := g.Attempt(context.Background(), 1, mustTab(t, p), course, a, classify.ManualComplete)

	assert.Equal(t, model.StateFailed, out.State)
	assert.ErrorIs(t, out.Err, model.ErrNoCompletionControl)
	assert.Equal(t, 1, p.Navigations(a.Key()))
	e, _ := g.Ledger.Get(a.Key())
	assert.Equal(t, model.ReasonStructural, e.Reason)
	assert.Equal(t, 1, e.Attempts)
}

func TestGovernorAutoCompleteToleratesMissingControl(t *testing.T) {
	g, p, course, a := governorFixture(t, 3, portaltest.Behavior{NoControl: true})

	out := g.Attempt(context.Background(), 1, mustTab(t, p), course, a, classify.AutoComplete)

	assert.Equal(t, model.StateCompleted, out.State)
	assert.Equal(t, 0, p.Clicks(a.Key()))
}

func TestGovernorDoesNotClickCompletedControl(t *testing.T) {
	g, p, course, a := governorFixture(t, 3, portaltest.Behavior{Complete: true})

	out := g.Attempt(context.Background(), 1, mustTab(t, p), course, a, classify.ManualComplete)

	assert.Equal(t, model.StateCompleted, out.State)
	assert.Equal(t, model.ReasonAlreadyComplete, out.Reason)
	assert.Equal(t, 0, p.Clicks(a.Key()))
}

func TestGovernorLeavesEntryInProgressOnSessionLoss(t *testing.T) {
	lost := model.ErrSessionLost
	g, p, course, a := governorFixture(t, 3, portaltest.Behavior{NavigateErr: lost})

	out := g.Attempt(context.Background(), 1, mustTab(t, p), course, a, classify.ManualComplete)

	assert.True(t, IsLaneFatal(out.Err))
	assert.Equal(t, 1, p.Navigations(a.Key()))
	e, _ := g.Ledger.Get(a.Key())
	assert.Equal(t, model.StateInProgress, e.State)
	assert.Empty(t, p.Screenshots())
}

func TestGovernorFinishesInFlightAttemptAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, p, course, a := governorFixture(t, 3, portaltest.Behavior{OnNavigate: cancel})

	out := g.Attempt(ctx, 1, mustTab(t, p), course, a, classify.ManualComplete)

	assert.Equal(t, model.StateCompleted, out.State)
	assert.Equal(t, 1, p.Clicks(a.Key()))
}

func TestGovernorRunsOutAttemptsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, p, course, a := governorFixture(t, 3, portaltest.Behavior{NavigateErr: errFlaky, OnNavigate: cancel})

	out := g.Attempt(ctx, 1, mustTab(t, p), course, a, classify.ManualComplete)

	assert.Equal(t, model.StateFailed, out.State)
	assert.Equal(t, 3, p.Navigations(a.Key()))
	e, _ := g.Ledger.Get(a.Key())
	assert.Equal(t, model.StateFailed, e.State)
	assert.Equal(t, model.ReasonRetryExhausted, e.Reason)
	assert.Equal(t, 3, e.Attempts)
}

func TestGovernorDoesNotRetryUnclassifiedFailure(t *testing.T) {
	g, p, course, a := governorFixture(t, 3, portaltest.Behavior{ClickErr: errors.New("element is not attached to the DOM")})

	out := g.Attempt(context.Background(), 1, mustTab(t, p), course, a, classify.ManualComplete)

	assert.Equal(t, model.StateFailed, out.State)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1, p.Clicks(a.Key()))
	assert.Equal(t, 1, p.Navigations(a.Key()))
	e, _ := g.Ledger.Get(a.Key())
	assert.Equal(t, model.ReasonActionFailed, e.Reason)
	assert.Contains(t, e.LastError, "not attached")
	assert.NotEmpty(t, e.Screenshot)
}

func TestGovernorRetriesTransientClickFailure(t *testing.T) {
	clickErr := fmt.Errorf("click: %w: timeout 800ms exceeded", model.ErrTransient)
	g, p, course, a := governorFixture(t, 2, portaltest.Behavior{ClickErr: clickErr})

	out := g.Attempt(context.Background(), 1, mustTab(t, p), course, a, classify.ManualComplete)

	assert.Equal(t, model.StateFailed, out.State)
	assert.Equal(t, 2, p.Clicks(a.Key()))
	assert.Equal(t, model.ReasonRetryExhausted, out.Reason)
}

func TestGovernorEngagesByKind(t *testing.T) {
	cases := []struct {
		kind      model.Kind
		scrolls   int
		linkOpens int
	}{
		{kind: model.KindPage, scrolls: scrollSteps},
		{kind: model.KindForum, scrolls: scrollSteps},
		{kind: model.KindURL, linkOpens: 1},
		{kind: model.KindAssignment},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			g, p, course, a := governorFixtureFor(t, tc.kind, 2, portaltest.Behavior{})

			out := g.Attempt(context.Background(), 1, mustTab(t, p), course, a, classify.ManualComplete)

			require.Equal(t, model.StateCompleted, out.State)
			assert.Equal(t, tc.scrolls, p.Scrolls(a.Key()))
			assert.Equal(t, tc.linkOpens, p.ExternalOpens(a.Key()))
			assert.Equal(t, 1, p.Clicks(a.Key()))
		})
	}
}

func TestGovernorEngageIsBestEffort(t *testing.T) {
	g, p, course, a := governorFixtureFor(t, model.KindPage, 3, portaltest.Behavior{ScrollErr: errors.New("evaluate: execution context was destroyed")})
	out := g.Attempt(context.Background(), 1, mustTab(t, p), course, a, classify.ManualComplete)
	assert.Equal(t, model.StateCompleted, out.State)
	assert.Equal(t, 1, out.Attempts)

	g, p, course, a = governorFixtureFor(t, model.KindURL, 3, portaltest.Behavior{NoExternalLink: true})
	out = g.Attempt(context.Background(), 1, mustTab(t, p), course, a, classify.ManualComplete)
	assert.Equal(t, model.StateCompleted, out.State)
	assert.Equal(t, 0, p.ExternalOpens(a.Key()))
}

func TestGovernorEngageStopsOnSessionLoss(t *testing.T) {
	g, p, course, a := governorFixtureFor(t, model.KindForum, 3, portaltest.Behavior{ScrollErr: model.ErrSessionLost})

	out := g.Attempt(context.Background(), 1, mustTab(t, p), course, a, classify.ManualComplete)

	assert.True(t, IsLaneFatal(out.Err))
	assert.Equal(t, 0, p.Clicks(a.Key()))
	e, _ := g.Ledger.Get(a.Key())
	assert.Equal(t, model.StateInProgress, e.State)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abé", 3), "é is two bytes and must not be split")
	assert.Equal(t, "abé", truncate("abéd", 4))
}
