package container

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"github.com/agentyard/yard/internal/errs"
)

// DockerEngine implements Engine against a Docker daemon.
type DockerEngine struct {
	cli *client.Client
}

// NewDockerEngine creates a Docker-backed engine from the environment
// (DOCKER_HOST et al), negotiating the API version with the daemon.
func NewDockerEngine() (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

// Ping verifies the Docker daemon is accessible.
func (e *DockerEngine) Ping(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon not accessible: %w", err)
	}
	return nil
}

// Create creates a new container without starting it.
func (e *DockerEngine) Create(ctx context.Context, spec Spec) (string, error) {
	mounts := make([]mount.Mount, len(spec.Mounts))
	for i, m := range spec.Mounts {
		mounts[i] = mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		}
	}

	resp, err := e.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      spec.Image,
			Cmd:        spec.Cmd,
			WorkingDir: spec.WorkingDir,
			Env:        spec.Env,
			Labels:     spec.Labels,
		},
		&container.HostConfig{
			Mounts: mounts,
		},
		nil, // network config
		nil, // platform
		spec.Name,
	)
	if err != nil {
		if errdefs.IsConflict(err) {
			return "", &errs.AlreadyExistsError{Kind: "container", ID: spec.Name}
		}
		return "", fmt.Errorf("creating container: %w", err)
	}
	return resp.ID, nil
}

// Start starts an existing container.
func (e *DockerEngine) Start(ctx context.Context, id string) error {
	if err := e.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	return nil
}

// Stop stops a running container.
func (e *DockerEngine) Stop(ctx context.Context, id string, timeout time.Duration) error {
	opts := container.StopOptions{}
	if timeout > 0 {
		secs := int(timeout / time.Second)
		opts.Timeout = &secs
	}
	if err := e.cli.ContainerStop(ctx, id, opts); err != nil {
		return fmt.Errorf("stopping container: %w", err)
	}
	return nil
}

// Remove deletes a container. The daemon refuses a running container unless
// force is set, which kills it first. A container that is already gone is
// treated as removed.
func (e *DockerEngine) Remove(ctx context.Context, id string, force bool) error {
	err := e.cli.ContainerRemove(ctx, id, container.RemoveOptions{
		Force: force,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

// State returns the container's state string ("running", "exited", ...).
func (e *DockerEngine) State(ctx context.Context, id string) (string, error) {
	inspect, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", &errs.NotFoundError{Kind: "container", ID: id}
		}
		return "", fmt.Errorf("inspecting container: %w", err)
	}
	return inspect.State.Status, nil
}

// FindByRun returns the container labeled with the given run ID.
func (e *DockerEngine) FindByRun(ctx context.Context, runID string) (Info, error) {
	infos, err := e.ListManaged(ctx)
	if err != nil {
		return Info{}, err
	}
	for _, info := range infos {
		if info.RunID() == runID {
			return info, nil
		}
	}
	return Info{}, &errs.NotFoundError{Kind: "container", ID: runID}
}

// ListManaged returns all yard-labeled containers, running or stopped.
func (e *DockerEngine) ListManaged(ctx context.Context) ([]Info, error) {
	containers, err := e.cli.ContainerList(ctx, container.ListOptions{
		All: true, // include stopped containers
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	var result []Info
	for _, c := range containers {
		if c.Labels[LabelManaged] != "true" {
			continue
		}
		name := ""
		if len(c.Names) > 0 {
			// Names carry a leading slash, e.g. "/yard-api-Mar02-1400"
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		result = append(result, Info{
			ID:      c.ID,
			Name:    name,
			Image:   c.Image,
			State:   c.State,
			Labels:  c.Labels,
			Created: time.Unix(c.Created, 0),
		})
	}
	return result, nil
}

// ListImages returns all images tagged under the yard/ prefix.
func (e *DockerEngine) ListImages(ctx context.Context) ([]ImageInfo, error) {
	images, err := e.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing images: %w", err)
	}

	var result []ImageInfo
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if strings.HasPrefix(tag, ImagePrefix) {
				result = append(result, ImageInfo{
					ID:      img.ID,
					Tag:     tag,
					Size:    img.Size,
					Created: time.Unix(img.Created, 0),
				})
				break // one entry per image
			}
		}
	}
	return result, nil
}

// ImageExists checks if an image exists locally.
func (e *DockerEngine) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, err := e.cli.ImageInspect(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspecting image %s: %w", ref, err)
	}
	return true, nil
}

// EnsureImage pulls the image if it is not already present.
func (e *DockerEngine) EnsureImage(ctx context.Context, ref string) error {
	exists, err := e.ImageExists(ctx, ref)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	reader, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer reader.Close()

	// Drain the reader to complete the pull (discard JSON progress output)
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// BuildImage builds an image from a context directory and tags it.
func (e *DockerEngine) BuildImage(ctx context.Context, contextDir, dockerfile, ref string, opts BuildOptions) error {
	buildCtx, err := tarContext(contextDir)
	if err != nil {
		return fmt.Errorf("packaging build context %s: %w", contextDir, err)
	}

	platform := "linux/amd64"
	if goruntime.GOARCH == "arm64" {
		platform = "linux/arm64"
	}

	// BuildKit by default; YARD_DISABLE_BUILDKIT=1 falls back to the legacy
	// builder for daemons where the SDK's BuildKit session support is broken.
	builderVersion := types.BuilderBuildKit
	if os.Getenv("YARD_DISABLE_BUILDKIT") == "1" {
		builderVersion = types.BuilderV1
	}

	resp, err := e.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{ref},
		Dockerfile: dockerfile,
		Remove:     true,
		Platform:   platform,
		Version:    builderVersion,
		NoCache:    opts.NoCache,
	})
	if err != nil {
		return fmt.Errorf("building image %s: %w", ref, err)
	}
	defer resp.Body.Close()

	out := opts.Output
	if out == nil {
		out = io.Discard
	}

	// Stream build output and surface daemon-side errors
	decoder := json.NewDecoder(resp.Body)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("reading build output: %w", err)
		}
		if msg.Error != "" {
			return fmt.Errorf("build error: %s", msg.Error)
		}
		if msg.Stream != "" {
			fmt.Fprint(out, msg.Stream)
		}
	}
	return nil
}

// RemoveImage removes an image by ID or reference.
func (e *DockerEngine) RemoveImage(ctx context.Context, ref string) error {
	_, err := e.cli.ImageRemove(ctx, ref, image.RemoveOptions{
		Force:         true,
		PruneChildren: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("removing image %s: %w", ref, err)
	}
	return nil
}

// Close releases Docker client resources.
func (e *DockerEngine) Close() error {
	return e.cli.Close()
}

// tarContext packages a directory into an in-memory tar stream for
// ImageBuild. Paths inside the archive are relative to dir.
func tarContext(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
