// Package config loads yard's template and global configuration.
//
// A template describes one kind of run: which host repositories get cloned,
// the image to execute, and extra env/mounts. Templates live in
// ~/.yard/templates/<name>.yml and are validated completely at load time
// into typed structs; nothing downstream re-inspects raw YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentyard/yard/internal/container"
	"github.com/agentyard/yard/internal/errs"
)

// Template is one validated run template.
type Template struct {
	// Name is the template's file stem, set on load.
	Name string `yaml:"-"`

	// Image overrides the default image reference yard/<name>.
	Image string `yaml:"image,omitempty"`

	// Repos maps a short key to a host repository. Each repo is cloned for
	// every run of this template; exactly one must set workdir.
	Repos map[string]RepoConfig `yaml:"repos"`

	Env    map[string]string `yaml:"env,omitempty"`
	Mounts []MountConfig     `yaml:"mounts,omitempty"`
	Build  *BuildConfig      `yaml:"build,omitempty"`

	// WorkdirKey is the key of the repo with workdir: true, set on load.
	WorkdirKey string `yaml:"-"`
}

// RepoConfig names one host git repository to clone per run.
type RepoConfig struct {
	Path    string `yaml:"path"`
	Workdir bool   `yaml:"workdir,omitempty"`

	// ResolvedPath is Path with ~ expanded and made absolute, set on load.
	ResolvedPath string `yaml:"-"`
}

// MountConfig is an extra bind mount, independent of the cloned repos.
type MountConfig struct {
	Host      string `yaml:"host"`
	Container string `yaml:"container"`
	ReadOnly  bool   `yaml:"read_only,omitempty"`

	// ResolvedHost is Host with ~ expanded and made absolute, set on load.
	ResolvedHost string `yaml:"-"`
}

// BuildConfig enables `yard build` for this template. The Dockerfile is
// authored by the user; yard only submits the context to the engine.
type BuildConfig struct {
	Context    string `yaml:"context"`
	Dockerfile string `yaml:"dockerfile,omitempty"`

	// ResolvedContext is Context with ~ expanded, set on load.
	ResolvedContext string `yaml:"-"`
}

var (
	validRepoKey = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)
	validEnvKey  = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// ImageRef returns the image reference for runs of this template.
func (t *Template) ImageRef() string {
	if t.Image != "" {
		return t.Image
	}
	return container.ImagePrefix + t.Name
}

// LoadTemplate reads and validates ~/.yard/templates/<name>.yml.
func LoadTemplate(name string) (*Template, error) {
	path, err := templatePath(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errs.NotFoundError{Kind: "config", ID: name}
		}
		return nil, fmt.Errorf("reading template %s: %w", name, err)
	}
	return parseTemplate(name, data)
}

// templatePath returns the first existing .yml/.yaml path for name, or the
// .yml path when neither exists yet.
func templatePath(name string) (string, error) {
	dir := TemplatesDir()
	yml := filepath.Join(dir, name+".yml")
	if _, err := os.Stat(yml); err == nil {
		return yml, nil
	}
	yaml := filepath.Join(dir, name+".yaml")
	if _, err := os.Stat(yaml); err == nil {
		return yaml, nil
	}
	return yml, nil
}

func parseTemplate(name string, data []byte) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing template %s: %w", name, err)
	}
	t.Name = name

	if len(t.Repos) == 0 {
		return nil, fmt.Errorf("template %s: no repos configured\n\nAdd at least one:\n  repos:\n    app:\n      path: ~/code/app\n      workdir: true", name)
	}

	var workdirs []string
	for key, repo := range t.Repos {
		if !validRepoKey.MatchString(key) {
			return nil, fmt.Errorf("template %s: repo key %q may contain only letters, digits, '.', '_', and '-', starting with a letter or digit", name, key)
		}
		if repo.Path == "" {
			return nil, fmt.Errorf("template %s: repo %q has no path", name, key)
		}
		resolved, err := expandPath(repo.Path)
		if err != nil {
			return nil, fmt.Errorf("template %s: repo %q: %w", name, key, err)
		}
		repo.ResolvedPath = resolved
		t.Repos[key] = repo
		if repo.Workdir {
			workdirs = append(workdirs, key)
		}
	}
	sort.Strings(workdirs)
	switch len(workdirs) {
	case 1:
		t.WorkdirKey = workdirs[0]
	case 0:
		return nil, fmt.Errorf("template %s: no repo sets workdir: true\n\nMark the repo the agent should work in:\n  repos:\n    app:\n      path: ~/code/app\n      workdir: true", name)
	default:
		return nil, fmt.Errorf("template %s: multiple repos set workdir: true (%s); exactly one is required", name, strings.Join(workdirs, ", "))
	}

	for key := range t.Env {
		if !validEnvKey.MatchString(key) {
			return nil, fmt.Errorf("template %s: invalid env key %q: must start with a letter or underscore and contain only letters, digits, and underscores", name, key)
		}
	}

	for i, m := range t.Mounts {
		if m.Host == "" || m.Container == "" {
			return nil, fmt.Errorf("template %s: mounts[%d] needs both host and container paths", name, i)
		}
		if !strings.HasPrefix(m.Container, "/") {
			return nil, fmt.Errorf("template %s: mounts[%d] container path %q must be absolute", name, i, m.Container)
		}
		resolved, err := expandPath(m.Host)
		if err != nil {
			return nil, fmt.Errorf("template %s: mounts[%d]: %w", name, i, err)
		}
		t.Mounts[i].ResolvedHost = resolved
	}

	if t.Build != nil {
		if t.Build.Context == "" {
			return nil, fmt.Errorf("template %s: build.context is required when build is configured", name)
		}
		resolved, err := expandPath(t.Build.Context)
		if err != nil {
			return nil, fmt.Errorf("template %s: build.context: %w", name, err)
		}
		t.Build.ResolvedContext = resolved
		if t.Build.Dockerfile == "" {
			t.Build.Dockerfile = "Dockerfile"
		}
	}

	return &t, nil
}

// ListTemplates returns the template names found on disk, sorted.
func ListTemplates() ([]string, error) {
	entries, err := os.ReadDir(TemplatesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading templates dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".yml"):
			names = append(names, strings.TrimSuffix(name, ".yml"))
		case strings.HasSuffix(name, ".yaml"):
			names = append(names, strings.TrimSuffix(name, ".yaml"))
		}
	}
	sort.Strings(names)
	return names, nil
}

// expandPath expands a leading ~ and returns an absolute path.
func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving path %q: %w", path, err)
	}
	return abs, nil
}
