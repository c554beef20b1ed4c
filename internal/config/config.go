package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultFile = "course-autopilot.yaml"

var ErrInvalid = errors.New("invalid configuration")

const (
	MaxWorkers = 16

	ledgerFileName  = "ledger.json"
	reportsDirName  = "reports"
	shotsDirName    = "screenshots"
	cookiesFileName = "cookies.json"
)

// DelayRange is a closed interval a pacing delay is drawn from.
type DelayRange struct {
	Min time.Duration `yaml:"min" json:"min"`
	Max time.Duration `yaml:"max" json:"max"`
}

type Delays struct {
	PageLoad          DelayRange `yaml:"page_load" json:"page_load"`
	ContentView       DelayRange `yaml:"content_view" json:"content_view"`
	BetweenActivities DelayRange `yaml:"between_activities" json:"between_activities"`
	BetweenCourses    DelayRange `yaml:"between_courses" json:"between_courses"`
	// Scroll is the pause between scroll steps on reading pages and forums.
	Scroll DelayRange `yaml:"scroll" json:"scroll"`
}

type Portal struct {
	BaseURL     string `yaml:"base_url" json:"base_url"`
	CoursesURL  string `yaml:"courses_url" json:"courses_url"`
	CookiesFile string `yaml:"cookies_file,omitempty" json:"cookies_file,omitempty"`
	UserAgent   string `yaml:"user_agent,omitempty" json:"user_agent,omitempty"`
}

// Config is loaded once at startup and passed by value afterwards.
type Config struct {
	Portal   Portal `yaml:"portal" json:"portal"`
	StateDir string `yaml:"state_dir" json:"state_dir"`

	Workers       int           `yaml:"workers" json:"workers"`
	MaxRetries    int           `yaml:"max_retries" json:"max_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
	ActionTimeout time.Duration `yaml:"action_timeout" json:"action_timeout"`
	Delays        Delays        `yaml:"delays" json:"delays"`

	SkipQuizzes     bool `yaml:"skip_quizzes" json:"skip_quizzes"`
	SkipAssignments bool `yaml:"skip_assignments" json:"skip_assignments"`
	Reconnaissance  bool `yaml:"reconnaissance" json:"reconnaissance"`
	AutoResume      bool `yaml:"auto_resume" json:"auto_resume"`
	Headless        bool `yaml:"headless" json:"headless"`
	RetryFailed     bool `yaml:"retry_failed" json:"retry_failed"`
	DropIdleCourses bool `yaml:"drop_idle_courses" json:"drop_idle_courses"`

	SkipPatterns        []string `yaml:"skip_patterns" json:"skip_patterns"`
	CompletePatterns    []string `yaml:"complete_patterns" json:"complete_patterns"`
	CompletionSelectors []string `yaml:"completion_selectors,omitempty" json:"completion_selectors,omitempty"`
}

func Default() Config {
	return Config{
		Portal: Portal{
			BaseURL:    "https://lms.example.edu",
			CoursesURL: "https://lms.example.edu/my/courses.php",
		},
		StateDir:      ".course-autopilot",
		Workers:       4,
		MaxRetries:    3,
		RetryBackoff:  2 * time.Second,
		ActionTimeout: 30 * time.Second,
		Delays: Delays{
			PageLoad:          DelayRange{Min: 800 * time.Millisecond, Max: 1500 * time.Millisecond},
			ContentView:       DelayRange{Min: 1500 * time.Millisecond, Max: 2500 * time.Millisecond},
			BetweenActivities: DelayRange{Min: 300 * time.Millisecond, Max: 700 * time.Millisecond},
			BetweenCourses:    DelayRange{Min: 2 * time.Second, Max: 4 * time.Second},
			Scroll:            DelayRange{Min: 100 * time.Millisecond, Max: 200 * time.Millisecond},
		},
		SkipQuizzes:      true,
		SkipAssignments:  true,
		Reconnaissance:   true,
		AutoResume:       true,
		Headless:         false,
		SkipPatterns:     []string{"url:/mod/quiz/", "url:/mod/assign/"},
		CompletePatterns: []string{"url:/mod/page/", "url:/mod/url/", "url:/mod/forum/", "url:/mod/book/"},
	}
}

// Load reads path over the defaults and validates the result. A missing
// file yields the defaults.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", configPathOrDefault(path), err)
	}
	return cfg, nil
}

// Read is Load without validation.
func Read(path string) (Config, error) {
	cfg := Default()
	target := strings.TrimSpace(path)
	if target == "" {
		target = DefaultFile
	}

	data, err := os.ReadFile(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg.Normalize(), nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", target, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", target, err)
	}
	return cfg.Normalize(), nil
}

// Save writes cfg as YAML. It refuses to replace an existing file unless
// overwrite is set.
func Save(path string, cfg Config, overwrite bool) error {
	target := strings.TrimSpace(path)
	if target == "" {
		target = DefaultFile
	}
	if !overwrite {
		if _, err := os.Stat(target); err == nil {
			return fmt.Errorf("config %s already exists", target)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(target); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir %s: %w", dir, err)
		}
	}
	return os.WriteFile(target, data, 0o600)
}

// Normalize trims strings and fills derived paths.
func (c Config) Normalize() Config {
	c.Portal.BaseURL = strings.TrimRight(strings.TrimSpace(c.Portal.BaseURL), "/")
	c.Portal.CoursesURL = strings.TrimSpace(c.Portal.CoursesURL)
	c.StateDir = strings.TrimSpace(c.StateDir)
	if c.StateDir == "" {
		c.StateDir = Default().StateDir
	}
	c.Portal.CookiesFile = strings.TrimSpace(c.Portal.CookiesFile)
	if c.Portal.CookiesFile == "" {
		c.Portal.CookiesFile = filepath.Join(c.StateDir, cookiesFileName)
	}
	c.SkipPatterns = trimAll(c.SkipPatterns)
	c.CompletePatterns = trimAll(c.CompletePatterns)
	c.CompletionSelectors = trimAll(c.CompletionSelectors)
	return c
}

func (c Config) Validate() error {
	var problems []string
	if _, err := parseHTTPURL(c.Portal.BaseURL); err != nil {
		problems = append(problems, "portal.base_url: "+err.Error())
	}
	if _, err := parseHTTPURL(c.Portal.CoursesURL); err != nil {
		problems = append(problems, "portal.courses_url: "+err.Error())
	}
	if c.Workers < 1 || c.Workers > MaxWorkers {
		problems = append(problems, fmt.Sprintf("workers must be between 1 and %d", MaxWorkers))
	}
	if c.MaxRetries < 1 {
		problems = append(problems, "max_retries must be at least 1")
	}
	if c.RetryBackoff < 0 {
		problems = append(problems, "retry_backoff must not be negative")
	}
	if c.ActionTimeout <= 0 {
		problems = append(problems, "action_timeout must be positive")
	}
	for name, r := range map[string]DelayRange{
		"delays.page_load":          c.Delays.PageLoad,
		"delays.content_view":       c.Delays.ContentView,
		"delays.between_activities": c.Delays.BetweenActivities,
		"delays.between_courses":    c.Delays.BetweenCourses,
		"delays.scroll":             c.Delays.Scroll,
	} {
		if r.Min < 0 || r.Max < r.Min {
			problems = append(problems, fmt.Sprintf("%s: need 0 <= min <= max (got %s..%s)", name, r.Min, r.Max))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	slices.Sort(problems)
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
}

func (c Config) LedgerPath() string {
	return filepath.Join(c.StateDir, ledgerFileName)
}

func (c Config) ReportsDir() string {
	return filepath.Join(c.StateDir, reportsDirName)
}

func (c Config) ScreenshotsDir() string {
	return filepath.Join(c.StateDir, shotsDirName)
}

func parseHTTPURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("must be an http(s) URL")
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host")
	}
	return u, nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if v := strings.TrimSpace(s); v != "" {
			out = append(out, v)
		}
	}
	return out
}
