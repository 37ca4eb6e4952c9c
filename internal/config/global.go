package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Global holds settings from ~/.yard/config.yaml.
type Global struct {
	// StopTimeout is how many seconds a container gets to exit on stop
	// before the engine kills it.
	StopTimeout int `yaml:"stop_timeout"`
	// StartTimeout is how many seconds a started container gets to reach
	// the running state.
	StartTimeout int `yaml:"start_timeout"`
	// LogRetentionDays prunes debug log files older than this many days.
	LogRetentionDays int `yaml:"log_retention_days"`
}

// DefaultGlobal returns the default global configuration.
func DefaultGlobal() *Global {
	return &Global{
		StopTimeout:      10,
		StartTimeout:     30,
		LogRetentionDays: 7,
	}
}

// LoadGlobal reads ~/.yard/config.yaml. A missing or malformed file falls
// back to defaults; global config is never a reason to refuse to run.
func LoadGlobal() *Global {
	cfg := DefaultGlobal()

	data, err := os.ReadFile(filepath.Join(StateDir(), "config.yaml"))
	if err != nil {
		return cfg
	}
	var loaded Global
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return cfg
	}

	if loaded.StopTimeout > 0 {
		cfg.StopTimeout = loaded.StopTimeout
	}
	if loaded.StartTimeout > 0 {
		cfg.StartTimeout = loaded.StartTimeout
	}
	if loaded.LogRetentionDays > 0 {
		cfg.LogRetentionDays = loaded.LogRetentionDays
	}
	return cfg
}

// StateDir returns yard's state root: $YARD_HOME, or ~/.yard.
func StateDir() string {
	if dir := os.Getenv("YARD_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".yard")
	}
	return filepath.Join(home, ".yard")
}

// TemplatesDir returns the directory holding run templates.
func TemplatesDir() string {
	return filepath.Join(StateDir(), "templates")
}

// RunsDir returns the run store root.
func RunsDir() string {
	return filepath.Join(StateDir(), "runs")
}

// LogsDir returns the directory for debug log files.
func LogsDir() string {
	return filepath.Join(StateDir(), "logs")
}

// HistoryPath returns the operation history database path.
func HistoryPath() string {
	return filepath.Join(StateDir(), "history.db")
}
