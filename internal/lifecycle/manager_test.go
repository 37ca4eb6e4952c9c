package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/agentyard/yard/internal/clone"
	"github.com/agentyard/yard/internal/config"
	"github.com/agentyard/yard/internal/container"
	"github.com/agentyard/yard/internal/errs"
	"github.com/agentyard/yard/internal/run"
)

func newTestManager(t *testing.T) (*Manager, *container.Fake, *run.Store) {
	t.Helper()
	t.Setenv("YARD_HOME", t.TempDir())
	store := run.NewStore(config.RunsDir())
	fake := container.NewFake()
	return NewManager(store, fake, config.DefaultGlobal(), nil), fake, store
}

// initSource creates a git repository with one commit on main.
func initSource(t *testing.T) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}
	commitFile(t, repo, dir, "README.md", "hello\n", "initial commit")
	return dir, repo
}

func commitFile(t *testing.T, repo *git.Repository, dir, name, content, msg string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if _, err := wt.Add(name); err != nil {
		t.Fatalf("add %s: %v", name, err)
	}
	if _, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func writeTemplate(t *testing.T, name, body string) {
	t.Helper()
	dir := config.TemplatesDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir templates: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".yml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
}

func simpleTemplate(t *testing.T, name string) string {
	t.Helper()
	src, _ := initSource(t)
	writeTemplate(t, name, "repos:\n  app:\n    path: "+src+"\n    workdir: true\n")
	return src
}

func eventTypes(t *testing.T, store *run.Store, id string) []string {
	t.Helper()
	events, err := store.ReadEvents(id, 0)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestCreateProvisionsRun(t *testing.T) {
	mgr, fake, store := newTestManager(t)
	simpleTemplate(t, "api")
	ctx := context.Background()

	rec, err := mgr.Create(ctx, "api", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(rec.ID, "api-") {
		t.Errorf("ID = %q, want api- prefix", rec.ID)
	}
	if rec.Branch != rec.ID {
		t.Errorf("Branch = %q, want %q", rec.Branch, rec.ID)
	}
	if rec.Status != run.StatusRunning {
		t.Errorf("Status = %q, want running", rec.Status)
	}
	if rec.ContainerID == "" {
		t.Fatal("ContainerID not set")
	}

	// The clone exists, checked out on the run branch.
	clonePath := rec.Clones["app"]
	if clonePath == "" {
		t.Fatal("no clone recorded for app")
	}
	repo, err := git.PlainOpen(clonePath)
	if err != nil {
		t.Fatalf("open clone: %v", err)
	}
	head, err := repo.Head()
	if err != nil {
		t.Fatalf("clone head: %v", err)
	}
	if head.Name().Short() != rec.ID {
		t.Errorf("clone branch = %q, want %q", head.Name().Short(), rec.ID)
	}

	// The container exists, is running, and carries the run's labels.
	info, ok := fake.Container(rec.ContainerID)
	if !ok {
		t.Fatal("container not created")
	}
	if info.Name != "yard-"+rec.ID {
		t.Errorf("container name = %q, want yard-%s", info.Name, rec.ID)
	}
	if info.State != "running" {
		t.Errorf("container state = %q, want running", info.State)
	}
	if info.Labels[container.LabelRunID] != rec.ID {
		t.Errorf("run label = %q, want %q", info.Labels[container.LabelRunID], rec.ID)
	}
	if info.Labels[container.LabelManaged] != "true" {
		t.Error("managed label missing")
	}

	// The spec mounts the clone and the session dir and parks on sleep.
	spec := fake.Specs[rec.ContainerID]
	var targets []string
	for _, m := range spec.Mounts {
		targets = append(targets, m.Target)
	}
	wantTargets := []string{"/workspaces/app", "/session"}
	for _, want := range wantTargets {
		found := false
		for _, got := range targets {
			if got == want {
				found = true
			}
		}
		if !found {
			t.Errorf("mount targets %v missing %s", targets, want)
		}
	}
	if spec.WorkingDir != "/workspaces/app" {
		t.Errorf("WorkingDir = %q, want /workspaces/app", spec.WorkingDir)
	}
	if len(spec.Cmd) == 0 || spec.Cmd[0] != "sleep" {
		t.Errorf("Cmd = %v, want sleep", spec.Cmd)
	}

	types := eventTypes(t, store, rec.ID)
	for _, want := range []string{run.EventRunCreated, run.EventCloneProvisioned, run.EventContainerStarted} {
		found := false
		for _, got := range types {
			if got == want {
				found = true
			}
		}
		if !found {
			t.Errorf("events %v missing %s", types, want)
		}
	}
}

func TestCreateResolvesIdentityCollision(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	simpleTemplate(t, "api")
	ctx := context.Background()

	first, err := mgr.Create(ctx, "api", "")
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	second, err := mgr.Create(ctx, "api", "")
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	// Same config, (almost always) same minute: the second run must still
	// get its own identity and directory.
	if first.ID == second.ID {
		t.Fatalf("both runs got id %q", first.ID)
	}
	if first.Clones["app"] == second.Clones["app"] {
		t.Errorf("both runs share clone path %q", first.Clones["app"])
	}
}

func TestCreateRejectsInvalidTag(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	simpleTemplate(t, "api")

	_, err := mgr.Create(context.Background(), "api", "has space")
	if !errs.IsInvalidIdentifier(err) {
		t.Fatalf("err = %v, want invalid identifier", err)
	}
}

func TestCreateCloneFailureMarksFailed(t *testing.T) {
	mgr, fake, store := newTestManager(t)
	writeTemplate(t, "api", "repos:\n  app:\n    path: /nonexistent/repo\n    workdir: true\n")
	ctx := context.Background()

	rec, err := mgr.Create(ctx, "api", "")
	if err == nil {
		t.Fatal("Create succeeded with missing source repo")
	}
	var pf *errs.PartialFailure
	if !errors.As(err, &pf) {
		t.Fatalf("err = %T (%v), want PartialFailure", err, err)
	}
	if pf.Op != "new" {
		t.Errorf("Op = %q, want new", pf.Op)
	}
	if pf.Resolve == "" {
		t.Error("Resolve is empty")
	}

	// The record survives, marked failed; no container was created.
	loaded, err := store.Load(rec.ID)
	if err != nil {
		t.Fatalf("Load after failure: %v", err)
	}
	if loaded.Status != run.StatusFailed {
		t.Errorf("Status = %q, want failed", loaded.Status)
	}
	managed, _ := fake.ListManaged(ctx)
	if len(managed) != 0 {
		t.Errorf("%d containers exist, want 0", len(managed))
	}

	types := eventTypes(t, store, rec.ID)
	for _, want := range []string{run.EventCloneRolledBack, run.EventRunFailed} {
		found := false
		for _, typ := range types {
			if typ == want {
				found = true
			}
		}
		if !found {
			t.Errorf("events %v missing %s", types, want)
		}
	}
}

func TestCreateStartFailureKeepsContainer(t *testing.T) {
	mgr, fake, store := newTestManager(t)
	simpleTemplate(t, "api")
	fake.StartErr = errors.New("daemon hiccup")
	ctx := context.Background()

	rec, err := mgr.Create(ctx, "api", "")
	if err == nil {
		t.Fatal("Create succeeded despite start failure")
	}
	var pf *errs.PartialFailure
	if !errors.As(err, &pf) {
		t.Fatalf("err = %T, want PartialFailure", err)
	}

	// The container is preserved for diagnosis and named in Remaining.
	if _, ok := fake.Container(rec.ContainerID); !ok {
		t.Error("container was removed")
	}
	foundContainer := false
	for _, r := range pf.Remaining {
		if strings.Contains(r, "container") {
			foundContainer = true
		}
	}
	if !foundContainer {
		t.Errorf("Remaining %v does not name the container", pf.Remaining)
	}

	loaded, _ := store.Load(rec.ID)
	if loaded.Status != run.StatusFailed {
		t.Errorf("Status = %q, want failed", loaded.Status)
	}
}

func TestCreateBuildsMissingImage(t *testing.T) {
	mgr, fake, _ := newTestManager(t)
	src, _ := initSource(t)
	buildCtx := t.TempDir()
	writeTemplate(t, "api",
		"repos:\n  app:\n    path: "+src+"\n    workdir: true\nbuild:\n  context: "+buildCtx+"\n")

	if _, err := mgr.Create(context.Background(), "api", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(fake.Built) != 1 || fake.Built[0] != "yard/api" {
		t.Errorf("Built = %v, want [yard/api]", fake.Built)
	}
	if len(fake.Pulled) != 0 {
		t.Errorf("Pulled = %v, want none", fake.Pulled)
	}
}

func TestStopAndRestart(t *testing.T) {
	mgr, fake, store := newTestManager(t)
	simpleTemplate(t, "api")
	ctx := context.Background()

	rec, err := mgr.Create(ctx, "api", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := mgr.Stop(ctx, rec.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	loaded, _ := store.Load(rec.ID)
	if loaded.Status != run.StatusStopped {
		t.Errorf("Status = %q, want stopped", loaded.Status)
	}
	if info, _ := fake.Container(rec.ContainerID); info.State != "exited" {
		t.Errorf("container state = %q, want exited", info.State)
	}

	if err := mgr.Start(ctx, rec.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	loaded, _ = store.Load(rec.ID)
	if loaded.Status != run.StatusRunning {
		t.Errorf("Status = %q, want running", loaded.Status)
	}
	if info, _ := fake.Container(rec.ContainerID); info.State != "running" {
		t.Errorf("container state = %q, want running", info.State)
	}
}

func TestStartOfRunningRunFails(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	simpleTemplate(t, "api")
	ctx := context.Background()

	rec, err := mgr.Create(ctx, "api", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	err = mgr.Start(ctx, rec.ID)
	if !errors.Is(err, errs.ErrAlreadyRunning) {
		t.Fatalf("err = %v, want already running", err)
	}
}

func TestStopSettlesMissingContainer(t *testing.T) {
	mgr, fake, store := newTestManager(t)
	simpleTemplate(t, "api")
	ctx := context.Background()

	rec, err := mgr.Create(ctx, "api", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Someone removed the container outside yard.
	if err := fake.Remove(ctx, rec.ContainerID, true); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if err := mgr.Stop(ctx, rec.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	loaded, _ := store.Load(rec.ID)
	if loaded.Status != run.StatusStopped {
		t.Errorf("Status = %q, want stopped", loaded.Status)
	}
}

func TestDeleteRemovesEverything(t *testing.T) {
	mgr, fake, store := newTestManager(t)
	simpleTemplate(t, "api")
	ctx := context.Background()

	rec, err := mgr.Create(ctx, "api", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	runDir := store.Dir(rec.ID)

	if err := mgr.Delete(ctx, rec.ID, true); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if store.Exists(rec.ID) {
		t.Error("run record still exists")
	}
	if _, err := os.Stat(runDir); !os.IsNotExist(err) {
		t.Errorf("run dir still exists (stat err %v)", err)
	}
	managed, _ := fake.ListManaged(ctx)
	if len(managed) != 0 {
		t.Errorf("%d containers remain, want 0", len(managed))
	}
}

func TestDeleteMissingRun(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	err := mgr.Delete(context.Background(), "api-Mar02-1400", false)
	if !errs.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestDeleteRunningRunRequiresForce(t *testing.T) {
	mgr, fake, store := newTestManager(t)
	simpleTemplate(t, "api")
	ctx := context.Background()

	rec, err := mgr.Create(ctx, "api", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	err = mgr.Delete(ctx, rec.ID, false)
	if err == nil {
		t.Fatal("Delete of running run without force succeeded")
	}
	if !strings.Contains(err.Error(), "still running") {
		t.Errorf("err = %v, want a still-running refusal", err)
	}
	// Refusal happens before anything is touched.
	loaded, err := store.Load(rec.ID)
	if err != nil {
		t.Fatalf("Load after refusal: %v", err)
	}
	if loaded.Status != run.StatusRunning {
		t.Errorf("Status = %q, want running", loaded.Status)
	}
	if _, ok := fake.Container(rec.ContainerID); !ok {
		t.Error("container removed despite refusal")
	}

	if err := mgr.Delete(ctx, rec.ID, true); err != nil {
		t.Fatalf("forced Delete: %v", err)
	}
	if store.Exists(rec.ID) {
		t.Error("run record still exists after forced delete")
	}
}

func TestDeleteFailureMarksFailedCleanAndIsReentrant(t *testing.T) {
	mgr, fake, store := newTestManager(t)
	simpleTemplate(t, "api")
	ctx := context.Background()

	rec, err := mgr.Create(ctx, "api", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	fake.RemoveErr = errors.New("daemon busy")
	err = mgr.Delete(ctx, rec.ID, true)
	var pf *errs.PartialFailure
	if !errors.As(err, &pf) {
		t.Fatalf("err = %T (%v), want PartialFailure", err, err)
	}
	if pf.Op != "delete" {
		t.Errorf("Op = %q, want delete", pf.Op)
	}
	loaded, _ := store.Load(rec.ID)
	if loaded.Status != run.StatusFailedClean {
		t.Errorf("Status = %q, want failed-clean", loaded.Status)
	}
	if _, ok := fake.Container(rec.ContainerID); !ok {
		t.Error("container disappeared despite remove failure")
	}

	// Re-running delete after the failure clears finishes the job.
	fake.RemoveErr = nil
	if err := mgr.Delete(ctx, rec.ID, true); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if store.Exists(rec.ID) {
		t.Error("run record still exists after retry")
	}
}

func TestFetchMovesCommitsToSource(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	src := simpleTemplate(t, "api")
	ctx := context.Background()

	rec, err := mgr.Create(ctx, "api", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cloneRepo, err := git.PlainOpen(rec.Clones["app"])
	if err != nil {
		t.Fatalf("open clone: %v", err)
	}
	commitFile(t, cloneRepo, rec.Clones["app"], "feature.go", "package app\n", "add feature")

	counts, err := mgr.Fetch(ctx, rec.ID, nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if counts["app"] != 1 {
		t.Errorf("counts = %v, want app:1", counts)
	}

	srcRepo, err := git.PlainOpen(src)
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	if _, err := srcRepo.Reference(plumbing.NewBranchReferenceName(rec.Branch), true); err != nil {
		t.Errorf("source has no branch %s: %v", rec.Branch, err)
	}
}

func TestFetchUnknownRepoKey(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	simpleTemplate(t, "api")
	ctx := context.Background()

	rec, err := mgr.Create(ctx, "api", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = mgr.Fetch(ctx, rec.ID, []string{"nope"})
	if !errs.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestSyncUpdatesCloneMain(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	src := simpleTemplate(t, "api")
	ctx := context.Background()

	rec, err := mgr.Create(ctx, "api", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	srcRepo, err := git.PlainOpen(src)
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	commitFile(t, srcRepo, src, "CHANGELOG.md", "v2\n", "new release")

	results, err := mgr.Sync(ctx, rec.ID, nil, clone.SyncOptions{UpdateMain: true})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !results["app"].MainUpdated {
		t.Errorf("results = %+v, want app main updated", results)
	}
}

func TestListReconcilesStoreAndEngine(t *testing.T) {
	mgr, fake, _ := newTestManager(t)
	simpleTemplate(t, "api")
	ctx := context.Background()

	healthy, err := mgr.Create(ctx, "api", "a")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	drifted, err := mgr.Create(ctx, "api", "b")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Container for the second run vanishes behind yard's back.
	if err := fake.Remove(ctx, drifted.ContainerID, true); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	views, err := mgr.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("got %d views, want 2", len(views))
	}
	byID := make(map[string]View, len(views))
	for _, v := range views {
		byID[v.Record.ID] = v
	}

	hv := byID[healthy.ID]
	if hv.ActualState() != "running" || hv.Drifted() {
		t.Errorf("healthy run: state %q drifted %v", hv.ActualState(), hv.Drifted())
	}
	dv := byID[drifted.ID]
	if dv.ActualState() != "missing" || !dv.Drifted() {
		t.Errorf("drifted run: state %q drifted %v", dv.ActualState(), dv.Drifted())
	}
}

func TestStatusOfUnknownRun(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.Status(context.Background(), "api-Mar02-1400")
	if !errs.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestBuildRequiresBuildSection(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	simpleTemplate(t, "api")

	_, err := mgr.Build(context.Background(), "api", false, nil)
	if err == nil || !strings.Contains(err.Error(), "no build section") {
		t.Fatalf("err = %v, want no build section", err)
	}
}

func TestBuildBuildsConfiguredImage(t *testing.T) {
	mgr, fake, _ := newTestManager(t)
	src, _ := initSource(t)
	buildCtx := t.TempDir()
	writeTemplate(t, "api",
		"repos:\n  app:\n    path: "+src+"\n    workdir: true\nbuild:\n  context: "+buildCtx+"\n")

	ref, err := mgr.Build(context.Background(), "api", false, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if ref != "yard/api" {
		t.Errorf("ref = %q, want yard/api", ref)
	}
	if len(fake.Built) != 1 {
		t.Errorf("Built = %v, want one build", fake.Built)
	}
}
