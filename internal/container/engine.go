// Package container talks to the container daemon on behalf of yard runs.
// Every container yard creates carries yard.* labels; those labels are the
// only thing yard trusts when matching daemon state back to run records, so
// renames or manual edits on the daemon side never confuse reconciliation.
package container

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/agentyard/yard/internal/errs"
)

// Label keys attached to every yard-managed container.
const (
	LabelManaged = "yard.managed"
	LabelRunID   = "yard.run-id"
	LabelConfig  = "yard.config"
	LabelTag     = "yard.tag"
	LabelBranch  = "yard.branch"
	LabelSchema  = "yard.schema"
	LabelStarted = "yard.started"
)

// ImagePrefix marks image tags built or tracked by yard.
const ImagePrefix = "yard/"

// Name returns the container name for a run.
func Name(runID string) string {
	return "yard-" + runID
}

// RunLabels returns the label set stamped onto a run's container. All keys
// are always present, including an empty tag, so discovery never has to
// distinguish missing from blank.
func RunLabels(runID, config, tag, branch string, schema int, started time.Time) map[string]string {
	return map[string]string{
		LabelManaged: "true",
		LabelRunID:   runID,
		LabelConfig:  config,
		LabelTag:     tag,
		LabelBranch:  branch,
		LabelSchema:  strconv.Itoa(schema),
		LabelStarted: started.UTC().Format(time.RFC3339),
	}
}

// Spec describes a container to create.
type Spec struct {
	Name       string
	Image      string
	Labels     map[string]string
	Env        []string
	Mounts     []Mount
	WorkingDir string
	Cmd        []string
}

// Mount is a bind mount from the host into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Info is a summary of an existing container.
type Info struct {
	ID      string
	Name    string
	Image   string
	State   string // "running", "exited", "created", ...
	Labels  map[string]string
	Created time.Time
}

// RunID returns the run this container belongs to, or "" for unlabeled ones.
func (i Info) RunID() string {
	return i.Labels[LabelRunID]
}

// Running reports whether the container is currently running.
func (i Info) Running() bool {
	return i.State == "running"
}

// ImageInfo is a summary of a yard-managed image.
type ImageInfo struct {
	ID      string
	Tag     string
	Size    int64
	Created time.Time
}

// BuildOptions control image builds.
type BuildOptions struct {
	// NoCache disables layer caching.
	NoCache bool
	// Output receives the build log stream. Discarded when nil.
	Output io.Writer
}

// Engine is the interface for container daemon operations. DockerEngine is
// the real implementation; Fake backs tests.
type Engine interface {
	// Ping verifies the daemon is accessible.
	Ping(ctx context.Context) error

	// Create creates a container without starting it and returns its ID.
	// Returns errs.AlreadyExistsError if the name is taken.
	Create(ctx context.Context, spec Spec) (string, error)

	// Start starts an existing container.
	Start(ctx context.Context, id string) error

	// Stop stops a running container, giving it up to timeout to exit
	// before it is killed. timeout <= 0 uses the daemon default.
	Stop(ctx context.Context, id string, timeout time.Duration) error

	// Remove deletes a container. A running container is refused unless
	// force is set, which kills it first. Removing a container that is
	// already gone is not an error.
	Remove(ctx context.Context, id string, force bool) error

	// State returns the container state string ("running", "exited", ...).
	// Returns errs.NotFoundError if the container does not exist.
	State(ctx context.Context, id string) (string, error)

	// FindByRun returns the container labeled with the given run ID.
	// Returns errs.NotFoundError when no such container exists.
	FindByRun(ctx context.Context, runID string) (Info, error)

	// ListManaged returns all yard-labeled containers, running or not.
	ListManaged(ctx context.Context) ([]Info, error)

	// ListImages returns all images tagged under the yard/ prefix.
	ListImages(ctx context.Context) ([]ImageInfo, error)

	// ImageExists reports whether an image with the given reference
	// exists locally.
	ImageExists(ctx context.Context, ref string) (bool, error)

	// EnsureImage pulls the image if it is not present locally.
	EnsureImage(ctx context.Context, ref string) error

	// BuildImage builds an image from a context directory and tags it.
	BuildImage(ctx context.Context, contextDir, dockerfile, ref string, opts BuildOptions) error

	// RemoveImage removes an image by ID or reference.
	RemoveImage(ctx context.Context, ref string) error

	// Close releases daemon client resources.
	Close() error
}

// waitPollInterval is how often WaitRunning re-inspects the container.
const waitPollInterval = 150 * time.Millisecond

// WaitRunning polls until the container reports running, or fails with
// errs.ErrStartupTimeout after the timeout. A container that exits before
// reaching running fails immediately rather than burning the full window.
func WaitRunning(ctx context.Context, eng Engine, id string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		state, err := eng.State(ctx, id)
		if err != nil {
			return err
		}
		switch state {
		case "running":
			return nil
		case "exited", "dead", "removing":
			return fmt.Errorf("container %s %s before reaching running state", id, state)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: container %s still %q after %s", errs.ErrStartupTimeout, id, state, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitPollInterval):
		}
	}
}
