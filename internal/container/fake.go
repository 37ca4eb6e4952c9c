package container

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentyard/yard/internal/errs"
)

// Fake is an in-memory Engine used by tests in this module. It mirrors the
// daemon semantics the real engine exposes: name conflicts, label-based
// discovery, tolerant removes. Error fields inject failures per method.
type Fake struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*Info
	images     map[string]ImageInfo

	// Pulled and Built record image refs in the order they were fetched
	// or produced. Specs records every spec passed to Create, keyed by the
	// assigned container ID.
	Pulled []string
	Built  []string
	Specs  map[string]Spec

	// When set, the matching method returns the error instead of acting.
	CreateErr      error
	StartErr       error
	StopErr        error
	RemoveErr      error
	RemoveImageErr error
	BuildErr       error
}

// NewFake returns an empty fake engine.
func NewFake() *Fake {
	return &Fake{
		containers: make(map[string]*Info),
		images:     make(map[string]ImageInfo),
		Specs:      make(map[string]Spec),
	}
}

func (f *Fake) Ping(ctx context.Context) error { return nil }

func (f *Fake) Create(ctx context.Context, spec Spec) (string, error) {
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, c := range f.containers {
		if c.Name == spec.Name {
			return "", &errs.AlreadyExistsError{Kind: "container", ID: spec.Name}
		}
	}

	f.seq++
	id := fmt.Sprintf("fake%08d", f.seq)
	labels := make(map[string]string, len(spec.Labels))
	for k, v := range spec.Labels {
		labels[k] = v
	}
	f.containers[id] = &Info{
		ID:      id,
		Name:    spec.Name,
		Image:   spec.Image,
		State:   "created",
		Labels:  labels,
		Created: time.Now(),
	}
	f.Specs[id] = spec
	return id, nil
}

func (f *Fake) Start(ctx context.Context, id string) error {
	if f.StartErr != nil {
		return f.StartErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[id]
	if !ok {
		return &errs.NotFoundError{Kind: "container", ID: id}
	}
	c.State = "running"
	return nil
}

func (f *Fake) Stop(ctx context.Context, id string, timeout time.Duration) error {
	if f.StopErr != nil {
		return f.StopErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[id]
	if !ok {
		return &errs.NotFoundError{Kind: "container", ID: id}
	}
	c.State = "exited"
	return nil
}

func (f *Fake) Remove(ctx context.Context, id string, force bool) error {
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.containers[id]; ok && c.State == "running" && !force {
		return fmt.Errorf("removing container: %s is running, stop it or use force", id)
	}
	delete(f.containers, id)
	return nil
}

func (f *Fake) State(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[id]
	if !ok {
		return "", &errs.NotFoundError{Kind: "container", ID: id}
	}
	return c.State, nil
}

func (f *Fake) FindByRun(ctx context.Context, runID string) (Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, c := range f.containers {
		if c.Labels[LabelRunID] == runID {
			return *c, nil
		}
	}
	return Info{}, &errs.NotFoundError{Kind: "container", ID: runID}
}

func (f *Fake) ListManaged(ctx context.Context) ([]Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []Info
	for _, c := range f.containers {
		if c.Labels[LabelManaged] == "true" {
			result = append(result, *c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (f *Fake) ListImages(ctx context.Context) ([]ImageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []ImageInfo
	for _, img := range f.images {
		if strings.HasPrefix(img.Tag, ImagePrefix) {
			result = append(result, img)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Tag < result[j].Tag })
	return result, nil
}

func (f *Fake) ImageExists(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.images[ref]
	return ok, nil
}

func (f *Fake) EnsureImage(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.images[ref]; ok {
		return nil
	}
	f.Pulled = append(f.Pulled, ref)
	f.images[ref] = ImageInfo{ID: "sha256:" + ref, Tag: ref, Created: time.Now()}
	return nil
}

func (f *Fake) BuildImage(ctx context.Context, contextDir, dockerfile, ref string, opts BuildOptions) error {
	if f.BuildErr != nil {
		return f.BuildErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Built = append(f.Built, ref)
	f.images[ref] = ImageInfo{ID: "sha256:" + ref, Tag: ref, Created: time.Now()}
	return nil
}

func (f *Fake) RemoveImage(ctx context.Context, ref string) error {
	if f.RemoveImageErr != nil {
		return f.RemoveImageErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.images, ref)
	return nil
}

func (f *Fake) Close() error { return nil }

// AddContainer seeds a container directly, bypassing Create. An empty ID is
// assigned. Returns the container's ID.
func (f *Fake) AddContainer(info Info) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if info.ID == "" {
		f.seq++
		info.ID = fmt.Sprintf("fake%08d", f.seq)
	}
	if info.Created.IsZero() {
		info.Created = time.Now()
	}
	c := info
	f.containers[c.ID] = &c
	return c.ID
}

// AddImage seeds an image directly, bypassing pull and build bookkeeping.
func (f *Fake) AddImage(tag string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.images[tag] = ImageInfo{ID: "sha256:" + tag, Tag: tag, Size: size, Created: time.Now()}
}

// SetState overrides a container's state. Unknown IDs are ignored.
func (f *Fake) SetState(id, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.containers[id]; ok {
		c.State = state
	}
}

// Container returns a snapshot of a container by ID.
func (f *Fake) Container(id string) (Info, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[id]
	if !ok {
		return Info{}, false
	}
	return *c, true
}
