// Package portaltest provides an in-memory portal for exercising lanes,
// scans and retries without a browser.
package portaltest

import (
	"context"
	"fmt"
	"sync"

	"course-autopilot/internal/model"
	"course-autopilot/internal/portal"
)

// Behavior scripts how one activity responds.
type Behavior struct {
	// NavigateErrs[i] is returned by the (i+1)th navigation; later
	// navigations succeed unless NavigateErr is set.
	NavigateErrs []error
	NavigateErr  error
	NoControl    bool
	// Complete marks the control as already complete on first view.
	Complete bool
	ClickErr error
	// ScrollErr fails every scroll step on the activity page.
	ScrollErr error
	// NoExternalLink hides the target link of a url resource.
	NoExternalLink  bool
	ExternalLinkErr error
	// OnNavigate runs before the navigation result is returned.
	OnNavigate func()
}

// Portal is a fake portal shared by every tab it opens.
type Portal struct {
	mu sync.Mutex

	courses   []model.Course
	listErr   map[string]error
	behaviors map[model.Key]Behavior
	byURL     map[string]model.Key

	navigations map[model.Key]int
	clicks      map[model.Key]int
	scrolls     map[model.Key]int
	linkOpens   map[model.Key]int
	complete    map[model.Key]bool
	listed      map[string]int
	shots       []string

	// TabErr fails the nth (1-based) NewTab call.
	TabErr map[int]error
	opened int
	tabs   int
	closed int
}

func New(courses ...model.Course) *Portal {
	p := &Portal{
		listErr:     make(map[string]error),
		behaviors:   make(map[model.Key]Behavior),
		byURL:       make(map[string]model.Key),
		navigations: make(map[model.Key]int),
		clicks:      make(map[model.Key]int),
		scrolls:     make(map[model.Key]int),
		linkOpens:   make(map[model.Key]int),
		complete:    make(map[model.Key]bool),
		listed:      make(map[string]int),
		TabErr:      make(map[int]error),
	}
	for _, c := range courses {
		p.AddCourse(c)
	}
	return p
}

func (p *Portal) AddCourse(c model.Course) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range c.Activities {
		a := &c.Activities[i]
		a.CourseID = c.ID
		if a.URL == "" {
			a.URL = fmt.Sprintf("https://lms.test/mod/%s/view.php?id=%s-%s", a.Kind, c.ID, a.ID)
		}
		p.byURL[a.URL] = a.Key()
	}
	p.courses = append(p.courses, c)
}

func (p *Portal) SetBehavior(key model.Key, b Behavior) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.behaviors[key] = b
}

func (p *Portal) FailListing(courseID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listErr[courseID] = err
}

// Courses returns the catalogue without activities, as a course list page
// would show it.
func (p *Portal) Courses() []model.Course {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Course, 0, len(p.courses))
	for _, c := range p.courses {
		out = append(out, model.Course{ID: c.ID, Name: c.Name, URL: c.URL})
	}
	return out
}

func (p *Portal) Navigations(key model.Key) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.navigations[key]
}

func (p *Portal) Clicks(key model.Key) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clicks[key]
}

// Scrolls counts scroll steps taken on an activity page.
func (p *Portal) Scrolls(key model.Key) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scrolls[key]
}

// ExternalOpens counts how often an activity's external link was opened.
func (p *Portal) ExternalOpens(key model.Key) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.linkOpens[key]
}

func (p *Portal) TotalClicks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.clicks {
		n += c
	}
	return n
}

func (p *Portal) TotalNavigations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.navigations {
		n += c
	}
	return n
}

func (p *Portal) Listed(courseID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listed[courseID]
}

func (p *Portal) Screenshots() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.shots...)
}

func (p *Portal) OpenTabs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tabs - p.closed
}

func (p *Portal) NewTab(ctx context.Context) (portal.Tab, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened++
	if err := p.TabErr[p.opened]; err != nil {
		return nil, err
	}
	p.tabs++
	return &Tab{portal: p, id: p.opened}, nil
}

func (p *Portal) Close() error {
	return nil
}

// Tab implements portal.Tab against a Portal.
type Tab struct {
	portal  *Portal
	id      int
	current model.Key
	closed  bool
}

func (t *Tab) ListCourses(ctx context.Context) ([]model.Course, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.portal.Courses(), nil
}

func (t *Tab) ListActivities(ctx context.Context, course model.Course) ([]model.Activity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := t.portal
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listed[course.ID]++
	if err := p.listErr[course.ID]; err != nil {
		return nil, err
	}
	for _, c := range p.courses {
		if c.ID == course.ID {
			return append([]model.Activity(nil), c.Activities...), nil
		}
	}
	return nil, fmt.Errorf("course %s not found", course.ID)
}

func (t *Tab) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := t.portal
	p.mu.Lock()
	key, ok := p.byURL[url]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	t.current = key
	p.navigations[key]++
	n := p.navigations[key]
	b := p.behaviors[key]
	p.mu.Unlock()

	if b.OnNavigate != nil {
		b.OnNavigate()
	}
	if n <= len(b.NavigateErrs) && b.NavigateErrs[n-1] != nil {
		return b.NavigateErrs[n-1]
	}
	return b.NavigateErr
}

func (t *Tab) FindCompletionControl(ctx context.Context, activity model.Activity) (portal.Control, error) {
	if err := ctx.Err(); err != nil {
		return portal.Control{}, err
	}
	p := t.portal
	p.mu.Lock()
	defer p.mu.Unlock()
	key := activity.Key()
	b := p.behaviors[key]
	if b.NoControl {
		return portal.Control{}, fmt.Errorf("%s: %w", key, model.ErrNoCompletionControl)
	}
	return portal.Control{Selector: key.String(), Complete: b.Complete || p.complete[key]}, nil
}

func (t *Tab) Click(ctx context.Context, control portal.Control) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := t.portal
	p.mu.Lock()
	defer p.mu.Unlock()
	key := t.current
	p.clicks[key]++
	if err := p.behaviors[key].ClickErr; err != nil {
		return err
	}
	p.complete[key] = true
	return nil
}

func (t *Tab) ScrollTo(ctx context.Context, fraction float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if fraction <= 0 || fraction > 1 {
		return fmt.Errorf("scroll fraction %v out of range", fraction)
	}
	p := t.portal
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.behaviors[t.current].ScrollErr; err != nil {
		return err
	}
	p.scrolls[t.current]++
	return nil
}

func (t *Tab) OpenExternalLink(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p := t.portal
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.behaviors[t.current]
	if b.NoExternalLink {
		return false, nil
	}
	if b.ExternalLinkErr != nil {
		return true, b.ExternalLinkErr
	}
	p.linkOpens[t.current]++
	return true, nil
}

func (t *Tab) CaptureScreenshot(ctx context.Context, tag string) (string, error) {
	p := t.portal
	p.mu.Lock()
	defer p.mu.Unlock()
	path := fmt.Sprintf("shots/%d_%s.png", t.id, tag)
	p.shots = append(p.shots, path)
	return path, nil
}

func (t *Tab) Close() error {
	p := t.portal
	p.mu.Lock()
	defer p.mu.Unlock()
	if !t.closed {
		t.closed = true
		p.closed++
	}
	return nil
}
