// Package lifecycle orchestrates runs end to end: identity generation, run
// record creation, host-side clones, and the container, in that order on the
// way up and in reverse on the way down. The run store and the container
// engine each stay authoritative for their own resource; this package
// sequences them and reports partial failure instead of papering over it.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/agentyard/yard/internal/clone"
	"github.com/agentyard/yard/internal/config"
	"github.com/agentyard/yard/internal/container"
	"github.com/agentyard/yard/internal/errs"
	"github.com/agentyard/yard/internal/history"
	"github.com/agentyard/yard/internal/identity"
	"github.com/agentyard/yard/internal/log"
	"github.com/agentyard/yard/internal/run"
)

// workspaceRoot is where repo clones appear inside the container.
const workspaceRoot = "/workspaces"

// sessionMount is where the run's persisted session directory appears inside
// the container.
const sessionMount = "/session"

// Manager coordinates the run store, the clone layer, and the container
// engine for one yard state root.
type Manager struct {
	store  *run.Store
	engine container.Engine
	global *config.Global
	hist   *history.Store // nil disables history recording
}

// NewManager returns a manager over the given collaborators. hist may be nil.
func NewManager(store *run.Store, engine container.Engine, global *config.Global, hist *history.Store) *Manager {
	if global == nil {
		global = config.DefaultGlobal()
	}
	return &Manager{store: store, engine: engine, global: global, hist: hist}
}

// Store returns the underlying run store.
func (m *Manager) Store() *run.Store { return m.store }

// Engine returns the underlying container engine.
func (m *Manager) Engine() container.Engine { return m.engine }

// History returns the operation history store, possibly nil.
func (m *Manager) History() *history.Store { return m.hist }

// Create provisions a new run of the named template: fresh identity, run
// record, one clone per configured repo, then the container, started and
// confirmed running. Any failure marks the record failed and reports what
// remains; nothing is retried automatically.
func (m *Manager) Create(ctx context.Context, configName, tag string) (*run.Record, error) {
	if err := identity.Validate(configName, tag); err != nil {
		return nil, err
	}
	tmpl, err := config.LoadTemplate(configName)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	id, err := identity.Generate(configName, tag, now, m.store.Exists)
	if err != nil {
		return nil, err
	}

	rec := &run.Record{
		ID:        id,
		Config:    configName,
		Tag:       tag,
		Branch:    id,
		CreatedAt: now.UTC(),
	}
	if err := m.store.Create(rec); err != nil {
		return nil, err
	}
	m.event(id, run.EventRunCreated, map[string]any{"config": configName, "tag": tag})

	if err := m.ensureImage(ctx, tmpl); err != nil {
		return rec, m.failCreate(rec, "image", err)
	}

	sources := make(map[string]string, len(tmpl.Repos))
	for key, repo := range tmpl.Repos {
		sources[key] = repo.ResolvedPath
	}
	clones, err := clone.Provision(ctx, m.store.ClonesDir(id), rec.Branch, sources)
	if err != nil {
		// Provision removes whatever it created before returning an error,
		// so the clones directory is back to empty here.
		m.event(id, run.EventCloneRolledBack, map[string]any{"error": err.Error()})
		return rec, m.failCreate(rec, "clone", err)
	}
	rec.Clones = clones
	if _, err := m.store.SetClones(id, clones); err != nil {
		return rec, m.failCreate(rec, "record", err)
	}
	m.event(id, run.EventCloneProvisioned, map[string]any{"repos": sortedKeys(clones)})

	cid, err := m.engine.Create(ctx, m.containerSpec(rec, tmpl, now))
	if err != nil {
		return rec, m.failCreate(rec, "container", err)
	}
	rec.ContainerID = cid
	if _, err := m.store.SetContainerID(id, cid); err != nil {
		return rec, m.failCreate(rec, "record", err)
	}

	if err := m.engine.Start(ctx, cid); err != nil {
		return rec, m.failCreate(rec, "container", err)
	}
	if err := container.WaitRunning(ctx, m.engine, cid, m.startTimeout()); err != nil {
		return rec, m.failCreate(rec, "startup", err)
	}

	updated, err := m.store.UpdateStatus(id, run.StatusRunning)
	if err != nil {
		return rec, m.failCreate(rec, "record", err)
	}
	rec = updated
	m.event(id, run.EventContainerStarted, map[string]any{"container_id": cid})
	m.record("new", id, "config="+configName)
	log.Info("run created", "run", id, "config", configName, "container", cid)
	return rec, nil
}

// failCreate marks the record failed, preserving everything provisioned so
// far for diagnosis, and wraps the step error with what remains and how to
// resolve it.
func (m *Manager) failCreate(rec *run.Record, step string, err error) error {
	if _, uerr := m.store.UpdateStatus(rec.ID, run.StatusFailed); uerr != nil {
		log.Warn("could not mark run failed", "run", rec.ID, "error", uerr)
	}
	m.event(rec.ID, run.EventRunFailed, map[string]any{"step": step, "error": err.Error()})

	remaining := []string{fmt.Sprintf("run directory %s", m.store.Dir(rec.ID))}
	if len(rec.Clones) > 0 {
		remaining = append(remaining, fmt.Sprintf("%d clone(s)", len(rec.Clones)))
	}
	if rec.ContainerID != "" {
		remaining = append(remaining, "container "+container.Name(rec.ID))
	}
	return &errs.PartialFailure{
		Op:        "new",
		Err:       err,
		Remaining: remaining,
		Resolve:   fmt.Sprintf("yard rm %s (or yard gc --apply)", rec.ID),
	}
}

// ensureImage makes the template's image available: built when the template
// carries a build section, pulled otherwise.
func (m *Manager) ensureImage(ctx context.Context, tmpl *config.Template) error {
	ref := tmpl.ImageRef()
	if tmpl.Build == nil {
		return m.engine.EnsureImage(ctx, ref)
	}

	exists, err := m.engine.ImageExists(ctx, ref)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	log.Info("building image", "image", ref, "context", tmpl.Build.ResolvedContext)
	return m.engine.BuildImage(ctx, tmpl.Build.ResolvedContext, tmpl.Build.Dockerfile, ref, container.BuildOptions{})
}

// containerSpec assembles the engine spec for a run: labeled, with every
// clone and the session directory bind-mounted, parked on a sleep so the
// agent can exec in and out.
func (m *Manager) containerSpec(rec *run.Record, tmpl *config.Template, started time.Time) container.Spec {
	mounts := make([]container.Mount, 0, len(rec.Clones)+len(tmpl.Mounts)+1)
	for _, key := range sortedKeys(rec.Clones) {
		mounts = append(mounts, container.Mount{
			Source: rec.Clones[key],
			Target: workspaceRoot + "/" + key,
		})
	}
	mounts = append(mounts, container.Mount{
		Source: m.store.SessionDir(rec.ID),
		Target: sessionMount,
	})
	for _, mnt := range tmpl.Mounts {
		mounts = append(mounts, container.Mount{
			Source:   mnt.ResolvedHost,
			Target:   mnt.Container,
			ReadOnly: mnt.ReadOnly,
		})
	}

	env := make([]string, 0, len(tmpl.Env)+2)
	for _, key := range sortedKeys(tmpl.Env) {
		env = append(env, key+"="+tmpl.Env[key])
	}
	env = append(env, "YARD_RUN_ID="+rec.ID, "YARD_BRANCH="+rec.Branch)

	return container.Spec{
		Name:       container.Name(rec.ID),
		Image:      tmpl.ImageRef(),
		Labels:     container.RunLabels(rec.ID, rec.Config, rec.Tag, rec.Branch, run.CurrentSchema, started),
		Env:        env,
		Mounts:     mounts,
		WorkingDir: workspaceRoot + "/" + tmpl.WorkdirKey,
		Cmd:        []string{"sleep", "infinity"},
	}
}

// Stop stops a run's container and records the stopped status. Stopping a
// run whose container already exited, or is already gone, just settles the
// record.
func (m *Manager) Stop(ctx context.Context, id string) error {
	if _, err := m.store.Load(id); err != nil {
		return err
	}

	info, err := m.engine.FindByRun(ctx, id)
	if errs.IsNotFound(err) {
		log.Warn("container already gone", "run", id)
		if _, uerr := m.store.UpdateStatus(id, run.StatusStopped); uerr != nil {
			return uerr
		}
		return nil
	}
	if err != nil {
		return err
	}

	if info.Running() {
		if err := m.engine.Stop(ctx, info.ID, m.stopTimeout()); err != nil {
			return err
		}
	}
	if _, err := m.store.UpdateStatus(id, run.StatusStopped); err != nil {
		return err
	}
	m.event(id, run.EventContainerStopped, map[string]any{"container_id": info.ID})
	m.record("stop", id, "")
	log.Info("run stopped", "run", id)
	return nil
}

// Start restarts a stopped run's container.
func (m *Manager) Start(ctx context.Context, id string) error {
	rec, err := m.store.Load(id)
	if err != nil {
		return err
	}

	info, err := m.engine.FindByRun(ctx, id)
	if errs.IsNotFound(err) {
		return fmt.Errorf("container for run %s is gone; create a new run or clean this one with yard rm %s", id, id)
	}
	if err != nil {
		return err
	}
	if rec.Status == run.StatusRunning && info.Running() {
		return fmt.Errorf("%w: run %s", errs.ErrAlreadyRunning, id)
	}

	if err := m.engine.Start(ctx, info.ID); err != nil {
		return err
	}
	if err := container.WaitRunning(ctx, m.engine, info.ID, m.startTimeout()); err != nil {
		return err
	}
	if _, err := m.store.UpdateStatus(id, run.StatusRunning); err != nil {
		return err
	}
	m.event(id, run.EventContainerStarted, map[string]any{"container_id": info.ID})
	m.record("start", id, "")
	log.Info("run started", "run", id)
	return nil
}

// Delete removes a run's resources in bounded order: container, clones, run
// directory. Deleting a run whose container is still running requires force,
// which kills the container. A failure mid-sequence marks the record
// failed-clean instead of deleting it, so a later gc pass can finish; delete
// itself is re-entrant and skips resources that are already gone.
func (m *Manager) Delete(ctx context.Context, id string, force bool) error {
	rec, err := m.store.Load(id)
	if err != nil {
		return err
	}

	info, err := m.engine.FindByRun(ctx, id)
	found := err == nil
	if err != nil && !errs.IsNotFound(err) {
		return err
	}
	if found && info.Running() && !force {
		return fmt.Errorf("run %s is still running; stop it first or pass --force", id)
	}

	m.event(id, run.EventRunDeleting, nil)
	if found {
		if err := m.engine.Remove(ctx, info.ID, force); err != nil {
			return m.failDelete(id, err, []string{"container " + container.Name(id), "clones", "run directory"})
		}
	}

	for _, key := range sortedKeys(rec.Clones) {
		if err := os.RemoveAll(rec.Clones[key]); err != nil {
			return m.failDelete(id, fmt.Errorf("removing clone %s: %w", key, err), []string{"clones", "run directory"})
		}
	}

	if err := m.store.RemoveDir(id); err != nil {
		return m.failDelete(id, err, []string{"run directory"})
	}
	m.record("rm", id, "")
	log.Info("run removed", "run", id)
	return nil
}

func (m *Manager) failDelete(id string, err error, remaining []string) error {
	if _, uerr := m.store.UpdateStatus(id, run.StatusFailedClean); uerr != nil {
		log.Warn("could not mark run failed-clean", "run", id, "error", uerr)
	}
	m.event(id, run.EventRunFailed, map[string]any{"step": "delete", "error": err.Error()})
	return &errs.PartialFailure{
		Op:        "delete",
		Err:       err,
		Remaining: remaining,
		Resolve:   "yard gc --apply",
	}
}

// Fetch moves run-branch commits from the run's clones into their source
// repositories. repos selects a subset of clone keys; empty means all.
// Returns commits fetched per repo key.
func (m *Manager) Fetch(ctx context.Context, id string, repos []string) (map[string]int, error) {
	rec, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	keys, err := selectClones(rec, repos)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(keys))
	for _, key := range keys {
		n, err := clone.Fetch(ctx, rec.Clones[key], rec.Branch)
		if err != nil {
			return counts, fmt.Errorf("fetch %s: %w", key, err)
		}
		counts[key] = n
		m.event(id, run.EventFetchCompleted, map[string]any{"repo": key, "commits": n})
	}
	m.record("fetch", id, "")
	return counts, nil
}

// Sync refreshes the run's clones from their source repositories. repos
// selects a subset of clone keys; empty means all.
func (m *Manager) Sync(ctx context.Context, id string, repos []string, opts clone.SyncOptions) (map[string]clone.SyncResult, error) {
	rec, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	keys, err := selectClones(rec, repos)
	if err != nil {
		return nil, err
	}

	results := make(map[string]clone.SyncResult, len(keys))
	for _, key := range keys {
		res, err := clone.Sync(ctx, rec.Clones[key], opts)
		if err != nil {
			return results, fmt.Errorf("sync %s: %w", key, err)
		}
		results[key] = res
		m.event(id, run.EventSyncCompleted, map[string]any{
			"repo": key, "main_updated": res.MainUpdated, "checked_out": res.CheckedOut,
		})
	}
	m.record("sync", id, "")
	return results, nil
}

// View pairs a run record with what the engine actually reports for it. The
// two are reconciled for display, never merged: the record keeps its status,
// the engine keeps its state, and disagreement is information.
type View struct {
	Record    *run.Record
	Container *container.Info // nil when the engine has no container
}

// ActualState returns the engine's state for the run's container, or
// "missing" when there is none.
func (v View) ActualState() string {
	if v.Container == nil {
		return "missing"
	}
	return v.Container.State
}

// Drifted reports whether the record's status and the engine's state
// disagree in a way an operator should see.
func (v View) Drifted() bool {
	switch v.Record.Status {
	case run.StatusRunning:
		return v.Container == nil || !v.Container.Running()
	case run.StatusStopped:
		return v.Container != nil && v.Container.Running()
	default:
		return false
	}
}

// List returns every stored run joined with its container, sorted by run ID.
// Read-only: drift is reported, not corrected here (gc corrects).
func (m *Manager) List(ctx context.Context) ([]View, error) {
	records, err := m.store.List(run.Filter{})
	if err != nil {
		return nil, err
	}
	infos, err := m.engine.ListManaged(ctx)
	if err != nil {
		return nil, err
	}

	byRun := make(map[string]container.Info, len(infos))
	for _, info := range infos {
		byRun[info.RunID()] = info
	}

	views := make([]View, 0, len(records))
	for _, rec := range records {
		v := View{Record: rec}
		if info, ok := byRun[rec.ID]; ok {
			v.Container = &info
		}
		views = append(views, v)
	}
	return views, nil
}

// Status returns the reconciled view of one run.
func (m *Manager) Status(ctx context.Context, id string) (View, error) {
	rec, err := m.store.Load(id)
	if err != nil {
		return View{}, err
	}
	v := View{Record: rec}

	info, err := m.engine.FindByRun(ctx, id)
	if err == nil {
		v.Container = &info
	} else if !errs.IsNotFound(err) {
		return v, err
	}
	return v, nil
}

// Build builds the template's image from its configured context, streaming
// build output to out.
func (m *Manager) Build(ctx context.Context, configName string, noCache bool, out io.Writer) (string, error) {
	tmpl, err := config.LoadTemplate(configName)
	if err != nil {
		return "", err
	}
	if tmpl.Build == nil {
		return "", fmt.Errorf("template %s has no build section; set image: to use a prebuilt image, or add build:", configName)
	}

	ref := tmpl.ImageRef()
	if err := m.engine.BuildImage(ctx, tmpl.Build.ResolvedContext, tmpl.Build.Dockerfile, ref, container.BuildOptions{
		NoCache: noCache,
		Output:  out,
	}); err != nil {
		return "", err
	}
	m.record("build", "", "image="+ref)
	return ref, nil
}

// selectClones resolves the requested repo keys against the record's clones,
// defaulting to all of them, sorted.
func selectClones(rec *run.Record, repos []string) ([]string, error) {
	if len(repos) == 0 {
		return sortedKeys(rec.Clones), nil
	}
	for _, key := range repos {
		if _, ok := rec.Clones[key]; !ok {
			return nil, &errs.NotFoundError{Kind: "clone", ID: key}
		}
	}
	keys := append([]string(nil), repos...)
	sort.Strings(keys)
	return keys, nil
}

func (m *Manager) startTimeout() time.Duration {
	return time.Duration(m.global.StartTimeout) * time.Second
}

func (m *Manager) stopTimeout() time.Duration {
	return time.Duration(m.global.StopTimeout) * time.Second
}

// event appends to the run's event log, best-effort.
func (m *Manager) event(id, eventType string, fields map[string]any) {
	if err := m.store.AppendEvent(id, eventType, fields); err != nil {
		log.Warn("could not append event", "run", id, "event", eventType, "error", err)
	}
}

// record writes to the operation history, best-effort.
func (m *Manager) record(op, id, detail string) {
	if m.hist == nil {
		return
	}
	if err := m.hist.Record(op, id, detail); err != nil {
		log.Debug("could not record history", "op", op, "error", err)
	}
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
