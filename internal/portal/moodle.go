package portal

import (
	"net/url"
	"strings"
)

const (
	courseLinkSelector   = `a[href*="course/view.php"]`
	activityLinkSelector = `a[href*="/mod/"]`
	sectionToggleSel     = `.card-header a[data-toggle="collapse"], [data-toggle="collapse"][aria-expanded="false"]`
	maxSectionToggles    = 40
	externalLinkSelector = `.urlworkaround a, [role="main"] a[target="_blank"]`
	externalLinkWaitMs   = 5000
)

const scrollScript = `f => window.scrollTo({top: document.documentElement.scrollHeight * f, behavior: 'smooth'})`

// DefaultCompletionSelectors are tried in order on an activity page.
var DefaultCompletionSelectors = []string{
	`button[data-action="toggle-manual-completion"]`,
	`.manual-completion-toggle`,
	`input[type="checkbox"][name="completionstate"]`,
}

var (
	loginURLMarkers      = []string{"/login/", "cas/login", "/auth/"}
	loggedInSelectors    = `.coursebox, .course-listitem, a[href*="course/view.php"], .usermenu, .user-picture, [data-region="user-menu"]`
	completedToggleTypes = []string{"manual:undo", "undo"}
)

// activityScanScript collects every module link on a course page together
// with the completion markup of the activity block that contains it.
const activityScanScript = `() => Array.from(document.querySelectorAll('a[href*="/mod/"]')).map(a => {
  const block = a.closest('li.activity, .activity-item, [data-for="cmitem"]');
  const toggle = block ? block.querySelector('[data-action="toggle-manual-completion"], .manual-completion-toggle, input[name="completionstate"], [data-region="completionrequirements"], .completion-info, .autocompletion') : null;
  const done = block ? block.querySelector('[data-toggletype="manual:undo"], .completion-dropdown .btn-success, .completion_complete, [data-region="completionrequirements"] .badge-success, .alert-success') : null;
  return {
    href: a.href || a.getAttribute('href') || '',
    label: (a.innerText || a.textContent || '').trim(),
    completable: !!toggle,
    done: !!done
  };
})`

func isLoginURL(raw string) bool {
	lower := strings.ToLower(raw)
	for _, marker := range loginURLMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// absoluteURL resolves href against base; empty on unparsable input.
func absoluteURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if ref.IsAbs() {
		return ref.String()
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return b.ResolveReference(ref).String()
}

// idFromURL returns the "id" query parameter of a portal link, falling back
// to the path so every link still gets a stable key.
func idFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if id := strings.TrimSpace(u.Query().Get("id")); id != "" {
		return id
	}
	return strings.Trim(u.Path, "/")
}

// cleanLabel drops the accessibility suffixes the portal appends to
// activity link text ("Reading 1\nPage").
func cleanLabel(raw string) string {
	label := strings.TrimSpace(raw)
	if first, _, ok := strings.Cut(label, "\n"); ok {
		label = strings.TrimSpace(first)
	}
	return strings.Join(strings.Fields(label), " ")
}

// controlLooksComplete reads the attributes of a completion control.
func controlLooksComplete(class, toggleType, ariaPressed string, checked bool) bool {
	if checked || strings.EqualFold(strings.TrimSpace(ariaPressed), "true") {
		return true
	}
	tt := strings.ToLower(toggleType)
	for _, marker := range completedToggleTypes {
		if strings.Contains(tt, marker) {
			return true
		}
	}
	for _, token := range strings.Fields(strings.ToLower(class)) {
		switch token {
		case "complete", "completed", "btn-success", "completion-complete":
			return true
		}
	}
	return false
}
