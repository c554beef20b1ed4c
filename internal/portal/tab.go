package portal

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"course-autopilot/internal/classify"
	"course-autopilot/internal/model"
	"course-autopilot/internal/runstore"
)

type pwTab struct {
	owner *Chromium
	page  playwright.Page
	id    int
}

func (t *pwTab) timeoutMillis() *float64 {
	return playwright.Float(float64(t.owner.opts.ActionTimeout.Milliseconds()))
}

func (t *pwTab) Navigate(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	waitUntil := playwright.WaitUntilState("domcontentloaded")
	if _, err := t.page.Goto(target, playwright.PageGotoOptions{
		WaitUntil: &waitUntil,
		Timeout:   t.timeoutMillis(),
	}); err != nil {
		return Classify("navigate "+target, err)
	}
	if landed := t.page.URL(); isLoginURL(landed) && !isLoginURL(target) {
		return fmt.Errorf("navigate %s: landed on %s: %w", target, landed, model.ErrSessionLost)
	}
	t.owner.logger.Debug("navigated", "tab", t.id, "url", target)
	return nil
}

func (t *pwTab) loggedIn() (bool, error) {
	current := t.page.URL()
	if isLoginURL(current) || !t.owner.onPortal(current) {
		return false, nil
	}
	els, err := t.page.QuerySelectorAll(loggedInSelectors)
	if err != nil {
		return false, Classify("check session", err)
	}
	return len(els) > 0, nil
}

func (t *pwTab) ListCourses(ctx context.Context) ([]model.Course, error) {
	if err := t.Navigate(ctx, t.owner.opts.CoursesURL); err != nil {
		return nil, err
	}
	links, err := t.page.QuerySelectorAll(courseLinkSelector)
	if err != nil {
		return nil, Classify("list courses", err)
	}

	seen := make(map[string]bool)
	courses := make([]model.Course, 0, len(links))
	for _, link := range links {
		href, err := link.GetAttribute("href")
		if err != nil {
			continue
		}
		abs := absoluteURL(t.owner.opts.BaseURL, href)
		if abs == "" || seen[abs] || !strings.Contains(abs, "view.php?id=") {
			continue
		}
		text, err := link.InnerText()
		if err != nil {
			continue
		}
		name := cleanLabel(text)
		if name == "" {
			continue
		}
		seen[abs] = true
		courses = append(courses, model.Course{ID: idFromURL(abs), Name: name, URL: abs})
	}
	return courses, nil
}

func (t *pwTab) ListActivities(ctx context.Context, course model.Course) ([]model.Activity, error) {
	if err := t.Navigate(ctx, course.URL); err != nil {
		return nil, err
	}
	t.expandSections()

	raw, err := t.page.Evaluate(activityScanScript)
	if err != nil {
		return nil, Classify("list activities for "+course.ID, err)
	}
	items, _ := raw.([]interface{})

	seen := make(map[string]bool)
	activities := make([]model.Activity, 0, len(items))
	for _, item := range items {
		fields, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		href, _ := fields["href"].(string)
		abs := absoluteURL(course.URL, href)
		if abs == "" || seen[abs] || !strings.Contains(abs, "/mod/") {
			continue
		}
		label, _ := fields["label"].(string)
		label = cleanLabel(label)
		if label == "" {
			continue
		}
		completable, _ := fields["completable"].(bool)
		done, _ := fields["done"].(bool)
		seen[abs] = true
		activities = append(activities, model.Activity{
			CourseID:    course.ID,
			ID:          idFromURL(abs),
			Kind:        classify.KindFromURL(abs),
			Label:       label,
			URL:         abs,
			Completable: completable,
			Done:        done,
		})
	}
	return activities, nil
}

// expandSections opens collapsed course sections so their activity links are
// in the DOM. Failures are ignored; a section that stays shut only hides links.
func (t *pwTab) expandSections() {
	toggles, err := t.page.QuerySelectorAll(sectionToggleSel)
	if err != nil {
		return
	}
	for i, toggle := range toggles {
		if i >= maxSectionToggles {
			break
		}
		_ = toggle.Click(playwright.ElementHandleClickOptions{Timeout: playwright.Float(800)})
	}
}

func (t *pwTab) FindCompletionControl(ctx context.Context, activity model.Activity) (Control, error) {
	if err := ctx.Err(); err != nil {
		return Control{}, err
	}
	for _, sel := range t.owner.opts.CompletionSelectors {
		el, err := t.page.QuerySelector(sel)
		if err != nil {
			return Control{}, Classify("find completion control", err)
		}
		if el == nil {
			continue
		}
		class, _ := el.GetAttribute("class")
		toggleType, _ := el.GetAttribute("data-toggletype")
		pressed, _ := el.GetAttribute("aria-pressed")
		checked := false
		if strings.Contains(sel, "checkbox") {
			checked, _ = el.IsChecked()
		}
		return Control{
			Selector: sel,
			Complete: controlLooksComplete(class, toggleType, pressed, checked),
			handle:   el,
		}, nil
	}
	return Control{}, fmt.Errorf("%s: %w", activity.Key(), model.ErrNoCompletionControl)
}

func (t *pwTab) Click(ctx context.Context, control Control) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if control.handle == nil {
		return fmt.Errorf("click %s: control is not attached to a page", control.Selector)
	}
	if err := control.handle.Click(playwright.ElementHandleClickOptions{Timeout: t.timeoutMillis()}); err != nil {
		return Classify("click "+control.Selector, err)
	}
	return nil
}

func (t *pwTab) ScrollTo(ctx context.Context, fraction float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.page.Evaluate(scrollScript, fraction); err != nil {
		return Classify("scroll", err)
	}
	return nil
}

func (t *pwTab) OpenExternalLink(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	link := t.page.Locator(externalLinkSelector).First()
	n, err := link.Count()
	if err != nil {
		return false, Classify("find external link", err)
	}
	if n == 0 {
		return false, nil
	}
	popup, err := t.page.ExpectPopup(func() error {
		return link.Click(playwright.LocatorClickOptions{Timeout: t.timeoutMillis()})
	}, playwright.PageExpectPopupOptions{Timeout: playwright.Float(externalLinkWaitMs)})
	if err != nil {
		return true, Classify("open external link", err)
	}
	defer func() {
		_ = popup.Close()
	}()
	if err := popup.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateDomcontentloaded,
		Timeout: playwright.Float(externalLinkWaitMs),
	}); err != nil {
		t.owner.logger.Debug("external page did not load", "tab", t.id, "error", err)
	}
	return true, nil
}

func (t *pwTab) CaptureScreenshot(ctx context.Context, tag string) (string, error) {
	dir := t.owner.opts.ScreenshotsDir
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("screenshot: no screenshot directory configured")
	}
	if err := runstore.Mkdir(dir); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.png", time.Now().UTC().Format("20060102T150405Z"), safeTag(tag)))
	if _, err := t.page.Screenshot(playwright.PageScreenshotOptions{Path: playwright.String(path)}); err != nil {
		return "", Classify("screenshot", err)
	}
	return path, nil
}

func (t *pwTab) Close() error {
	if err := t.page.Close(); err != nil {
		return fmt.Errorf("close tab %d: %w", t.id, err)
	}
	return nil
}

func safeTag(tag string) string {
	var b strings.Builder
	for _, r := range tag {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "shot"
	}
	return b.String()
}
