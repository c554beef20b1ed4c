package portal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"course-autopilot/internal/model"
)

func TestClassifyMapsDriverErrors(t *testing.T) {
	timeoutErr := fmt.Errorf("goto: %w", playwright.ErrTimeout)
	assert.ErrorIs(t, Classify("navigate", timeoutErr), model.ErrTransient)
	assert.ErrorIs(t, Classify("navigate", timeoutErr), playwright.ErrTimeout)

	closed := fmt.Errorf("click: %w", playwright.ErrTargetClosed)
	assert.ErrorIs(t, Classify("click", closed), model.ErrSessionLost)

	netErr := errors.New("page.goto: net::ERR_CONNECTION_RESET at https://lms")
	assert.ErrorIs(t, Classify("navigate", netErr), model.ErrTransient)

	structural := fmt.Errorf("c/a: %w", model.ErrNoCompletionControl)
	got := Classify("complete", structural)
	assert.ErrorIs(t, got, model.ErrNoCompletionControl)
	assert.NotErrorIs(t, got, model.ErrTransient)

	plain := errors.New("element is not visible")
	assert.NotErrorIs(t, Classify("click", plain), model.ErrTransient)
	assert.Nil(t, Classify("noop", nil))
}

func TestIsRetryableMessageMatchesStatusPhrasesOnly(t *testing.T) {
	for _, msg := range []string{
		"page.goto: response status 503",
		"HTTP 429 from portal",
		"upstream returned status code 502",
		"504 Gateway Timeout",
		"net::ERR_NAME_NOT_RESOLVED",
	} {
		assert.True(t, IsRetryableMessage(msg), msg)
	}
	for _, msg := range []string{
		"navigate https://lms.test/mod/page/view.php?id=15023: element is detached",
		"click #item-4290: not visible",
		"course 5041 has no sections",
	} {
		assert.False(t, IsRetryableMessage(msg), msg)
	}
}

func TestIsLoginURL(t *testing.T) {
	assert.True(t, isLoginURL("https://lms.school.test/login/index.php"))
	assert.True(t, isLoginURL("https://sso.school.test/cas/login?service=x"))
	assert.False(t, isLoginURL("https://lms.school.test/my/courses.php"))
	assert.False(t, isLoginURL("https://lms.school.test/mod/lesson/view.php?id=3"))
}

func TestURLHelpers(t *testing.T) {
	assert.Equal(t, "https://lms.test/course/view.php?id=42", absoluteURL("https://lms.test/my/", "/course/view.php?id=42"))
	assert.Equal(t, "https://other.test/x", absoluteURL("https://lms.test/", "https://other.test/x"))
	assert.Equal(t, "", absoluteURL("https://lms.test/", "  "))

	assert.Equal(t, "42", idFromURL("https://lms.test/course/view.php?id=42&section=1"))
	assert.Equal(t, "mod/page/index.php", idFromURL("https://lms.test/mod/page/index.php"))
}

func TestCleanLabel(t *testing.T) {
	assert.Equal(t, "Week 1 Reading", cleanLabel("  Week 1   Reading\nPage "))
	assert.Equal(t, "", cleanLabel("\n"))
}

func TestControlLooksComplete(t *testing.T) {
	assert.True(t, controlLooksComplete("btn btn-success", "", "", false))
	assert.True(t, controlLooksComplete("btn", "manual:undo", "", false))
	assert.True(t, controlLooksComplete("", "", "true", false))
	assert.True(t, controlLooksComplete("", "", "", true))
	assert.False(t, controlLooksComplete("btn incomplete", "manual:mark", "false", false))
}

func TestCookieFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	lax := playwright.SameSiteAttribute("Lax")
	require.NoError(t, writeCookieFile(path, []playwright.Cookie{
		{Name: "MoodleSession", Value: "abc", Domain: "lms.test", Path: "/", Expires: -1, HttpOnly: true, Secure: true, SameSite: &lax},
	}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cookies, err := readCookieFile(path)
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, "MoodleSession", c.Name)
	require.NotNil(t, c.Domain)
	assert.Equal(t, "lms.test", *c.Domain)
	assert.Nil(t, c.Expires, "session cookies carry no expiry")
	require.NotNil(t, c.SameSite)
	assert.Equal(t, "Lax", string(*c.SameSite))
}

func TestReadCookieFileSkipsUnscopedCookies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	raw := `[{"name":"a","value":"1"},{"name":"b","value":"2","url":"https://lms.test"},{"name":"","value":"3","domain":"lms.test"}]`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cookies, err := readCookieFile(path)
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "b", cookies[0].Name)
}

func TestWaitForEnterHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, w := openPipe(t)
	defer w.Close()
	assert.ErrorIs(t, waitForEnter(ctx, r), context.Canceled)
}

func openPipe(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, w
}
