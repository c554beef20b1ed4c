package config

import (
	"os"
	"path/filepath"
	"strings"

	"course-autopilot/internal/runstore"
)

type DoctorResult struct {
	OK     bool          `json:"ok"`
	Checks []DoctorCheck `json:"checks"`
}

type DoctorCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

type InitWorkspaceResult struct {
	ConfigPath      string       `json:"config_path"`
	StateDir        string       `json:"state_dir"`
	CreatedConfig   bool         `json:"created_config"`
	CreatedStateDir bool         `json:"created_state_dir"`
	Doctor          DoctorResult `json:"doctor"`
}

// Doctor checks that cfg can drive a run from this machine: the
// configuration validates, the state directories are writable and a
// session cookie file exists.
func Doctor(configPath string, cfg Config) DoctorResult {
	checks := make([]DoctorCheck, 0, 5)

	if _, err := os.Stat(configPathOrDefault(configPath)); err != nil {
		checks = append(checks, DoctorCheck{Name: "config:file", OK: false, Message: "not found; run init"})
	} else {
		checks = append(checks, DoctorCheck{Name: "config:file", OK: true, Message: configPathOrDefault(configPath)})
	}

	if err := cfg.Validate(); err != nil {
		checks = append(checks, DoctorCheck{Name: "config:values", OK: false, Message: err.Error()})
	} else {
		checks = append(checks, DoctorCheck{Name: "config:values", OK: true, Message: "valid"})
	}

	for _, dir := range []struct{ name, path string }{
		{"directory:state", cfg.StateDir},
		{"directory:reports", cfg.ReportsDir()},
		{"directory:screenshots", cfg.ScreenshotsDir()},
	} {
		ok, msg := ensureWritableDir(dir.path)
		checks = append(checks, DoctorCheck{Name: dir.name, OK: ok, Message: msg})
	}

	if info, err := os.Stat(cfg.Portal.CookiesFile); err != nil || info.Size() == 0 {
		checks = append(checks, DoctorCheck{Name: "session:cookies", OK: false, Message: "no saved session at " + cfg.Portal.CookiesFile + "; run login"})
	} else {
		checks = append(checks, DoctorCheck{Name: "session:cookies", OK: true, Message: cfg.Portal.CookiesFile})
	}

	ok := true
	for _, c := range checks {
		if !c.OK {
			ok = false
			break
		}
	}
	return DoctorResult{OK: ok, Checks: checks}
}

// InitWorkspace writes a default config at configPath unless one exists and
// creates the state directory it names.
func InitWorkspace(configPath string) (InitWorkspaceResult, error) {
	target := configPathOrDefault(configPath)

	createdConfig := false
	if _, err := os.Stat(target); os.IsNotExist(err) {
		if err := Save(target, Default(), false); err != nil {
			return InitWorkspaceResult{}, err
		}
		createdConfig = true
	}
	cfg, err := Load(target)
	if err != nil {
		return InitWorkspaceResult{}, err
	}

	createdStateDir := false
	if _, err := os.Stat(cfg.StateDir); os.IsNotExist(err) {
		createdStateDir = true
	}
	if err := runstore.Mkdir(cfg.StateDir); err != nil {
		return InitWorkspaceResult{}, err
	}

	return InitWorkspaceResult{
		ConfigPath:      target,
		StateDir:        cfg.StateDir,
		CreatedConfig:   createdConfig,
		CreatedStateDir: createdStateDir,
		Doctor:          Doctor(target, cfg),
	}, nil
}

func configPathOrDefault(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	return DefaultFile
}

func ensureWritableDir(path string) (bool, string) {
	if strings.TrimSpace(path) == "" {
		return false, "empty path"
	}
	if err := runstore.Mkdir(path); err != nil {
		return false, err.Error()
	}
	f, err := os.CreateTemp(path, "course-autopilot-check-*.tmp")
	if err != nil {
		return false, err.Error()
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	return true, "writable " + filepath.Clean(path)
}
