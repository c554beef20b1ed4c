package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"

	"course-autopilot/internal/model"
)

type Outcome string

const (
	Skip           Outcome = "skip"
	AutoComplete   Outcome = "auto_complete"
	ManualComplete Outcome = "manual_complete"
)

// Rule pairs a pattern with the outcome it produces. Only Skip and
// AutoComplete are valid rule outcomes; ManualComplete is the fallback for
// completable activities nothing else matched.
//
// Pattern forms:
//
//	kind:<kind>      activity kind equals <kind>
//	url:<substring>  activity URL contains <substring>
//	re:<regexp>      label matches <regexp>
//	glob:<glob>      label matches <glob>, case-insensitive
//	<text>           label contains <text>, case-insensitive
type Rule struct {
	Pattern string  `json:"pattern" yaml:"pattern"`
	Outcome Outcome `json:"outcome" yaml:"outcome"`
}

type Options struct {
	SkipQuizzes      bool
	SkipAssignments  bool
	SkipPatterns     []string
	CompletePatterns []string
}

// Decision is a classification with the rule that produced it. Rule is empty
// when the fallback applied.
type Decision struct {
	Outcome Outcome
	Rule    string
}

type matcher func(model.Activity) bool

type compiledRule struct {
	source  string
	outcome Outcome
	match   matcher
}

// Classifier is immutable after construction and safe for concurrent use.
type Classifier struct {
	skip     []compiledRule
	complete []compiledRule
}

// RulesFromOptions expands the behaviour flags into an explicit rule list.
func RulesFromOptions(opts Options) []Rule {
	rules := make([]Rule, 0, len(opts.SkipPatterns)+len(opts.CompletePatterns)+2)
	if opts.SkipQuizzes {
		rules = append(rules, Rule{Pattern: "kind:" + string(model.KindQuiz), Outcome: Skip})
	}
	if opts.SkipAssignments {
		rules = append(rules, Rule{Pattern: "kind:" + string(model.KindAssignment), Outcome: Skip})
	}
	for _, p := range opts.SkipPatterns {
		rules = append(rules, Rule{Pattern: p, Outcome: Skip})
	}
	for _, p := range opts.CompletePatterns {
		rules = append(rules, Rule{Pattern: p, Outcome: AutoComplete})
	}
	return rules
}

func NewFromOptions(opts Options) (*Classifier, error) {
	return New(RulesFromOptions(opts))
}

func New(rules []Rule) (*Classifier, error) {
	c := &Classifier{}
	for i, r := range rules {
		m, err := compilePattern(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d %q: %w", i+1, r.Pattern, err)
		}
		cr := compiledRule{source: r.Pattern, outcome: r.Outcome, match: m}
		switch r.Outcome {
		case Skip:
			c.skip = append(c.skip, cr)
		case AutoComplete:
			c.complete = append(c.complete, cr)
		default:
			return nil, fmt.Errorf("rule %d %q: unsupported outcome %q", i+1, r.Pattern, r.Outcome)
		}
	}
	return c, nil
}

func (c *Classifier) Classify(a model.Activity) Outcome {
	return c.Decide(a).Outcome
}

func (c *Classifier) Decide(a model.Activity) Decision {
	for _, r := range c.skip {
		if r.match(a) {
			return Decision{Outcome: Skip, Rule: r.source}
		}
	}
	for _, r := range c.complete {
		if r.match(a) {
			return Decision{Outcome: AutoComplete, Rule: r.source}
		}
	}
	if a.Completable {
		return Decision{Outcome: ManualComplete}
	}
	return Decision{Outcome: Skip}
}

func compilePattern(pattern string) (matcher, error) {
	p := strings.TrimSpace(pattern)
	if p == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	prefix, rest, hasPrefix := strings.Cut(p, ":")
	if !hasPrefix {
		return labelContains(p), nil
	}

	switch strings.ToLower(prefix) {
	case "kind":
		kind := model.Kind(strings.ToLower(strings.TrimSpace(rest)))
		if !IsKnownKind(kind) {
			return nil, fmt.Errorf("unknown kind %q", rest)
		}
		return func(a model.Activity) bool { return a.Kind == kind }, nil
	case "url":
		needle := strings.ToLower(rest)
		if needle == "" {
			return nil, fmt.Errorf("empty url substring")
		}
		return func(a model.Activity) bool {
			return strings.Contains(strings.ToLower(a.URL), needle)
		}, nil
	case "re":
		re, err := regexp.Compile(rest)
		if err != nil {
			return nil, err
		}
		return func(a model.Activity) bool { return re.MatchString(a.Label) }, nil
	case "glob":
		g, err := glob.Compile(strings.ToLower(rest))
		if err != nil {
			return nil, err
		}
		return func(a model.Activity) bool { return g.Match(strings.ToLower(a.Label)) }, nil
	}
	// "Unit 3: Reading" style labels contain colons too.
	return labelContains(p), nil
}

func labelContains(text string) matcher {
	needle := strings.ToLower(text)
	return func(a model.Activity) bool {
		return strings.Contains(strings.ToLower(a.Label), needle)
	}
}
