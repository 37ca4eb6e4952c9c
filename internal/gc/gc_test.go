package gc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentyard/yard/internal/config"
	"github.com/agentyard/yard/internal/container"
	"github.com/agentyard/yard/internal/lifecycle"
	"github.com/agentyard/yard/internal/run"
)

func newTestGC(t *testing.T) (*GC, *lifecycle.Manager, *container.Fake, *run.Store) {
	t.Helper()
	t.Setenv("YARD_HOME", t.TempDir())
	store := run.NewStore(config.RunsDir())
	fake := container.NewFake()
	mgr := lifecycle.NewManager(store, fake, config.DefaultGlobal(), nil)
	return New(mgr, nil), mgr, fake, store
}

// createRun materializes a healthy run: a template backed by a real git
// repo, then a full create through the manager.
func createRun(t *testing.T, mgr *lifecycle.Manager, name, tag string) *run.Record {
	t.Helper()
	src := t.TempDir()
	repo, err := git.PlainInitWithOptions(src, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(src, "README.md"), []byte("hi\n"), 0644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial commit", &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	dir := config.TemplatesDir()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	body := "repos:\n  app:\n    path: " + src + "\n    workdir: true\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yml"), []byte(body), 0o644))

	rec, err := mgr.Create(context.Background(), name, tag)
	require.NoError(t, err)
	return rec
}

func orphanLabels(runID string) map[string]string {
	return container.RunLabels(runID, "api", "", runID, run.CurrentSchema, time.Now())
}

func TestPlanCleanSystemIsEmpty(t *testing.T) {
	g, mgr, _, _ := newTestGC(t)
	createRun(t, mgr, "api", "")

	plan, err := g.Plan(context.Background())
	require.NoError(t, err)
	assert.True(t, plan.Empty(), "items: %+v", plan.Items)
}

func TestPlanFindsOrphanedContainer(t *testing.T) {
	g, _, fake, _ := newTestGC(t)
	id := fake.AddContainer(container.Info{
		Name:   "yard-api-Mar02-1400",
		Image:  "yard/api",
		State:  "exited",
		Labels: orphanLabels("api-Mar02-1400"),
	})

	plan, err := g.Plan(context.Background())
	require.NoError(t, err)

	items := plan.ByClass(ClassOrphanedContainer)
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)
	assert.Equal(t, "api-Mar02-1400", items[0].Run)
	assert.Contains(t, items[0].Reason, "no run record")
}

func TestPlanFindsStaleRecord(t *testing.T) {
	g, mgr, fake, _ := newTestGC(t)
	rec := createRun(t, mgr, "api", "")
	fake.SetState(rec.ContainerID, "exited")

	plan, err := g.Plan(context.Background())
	require.NoError(t, err)

	items := plan.ByClass(ClassStaleRecord)
	require.Len(t, items, 1)
	assert.Equal(t, rec.ID, items[0].ID)
	assert.Contains(t, items[0].Reason, "exited")
}

func TestPlanFindsAbandonedRuns(t *testing.T) {
	g, _, _, store := newTestGC(t)

	failed := &run.Record{
		ID: "api-Mar02-1400", Config: "api", Branch: "api-Mar02-1400",
		Status: run.StatusFailed, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Create(failed))

	crashed := &run.Record{
		ID: "api-Mar02-1401", Config: "api", Branch: "api-Mar02-1401",
		Status: run.StatusProvisioning, CreatedAt: time.Now().Add(-2 * time.Hour).UTC(),
	}
	require.NoError(t, store.Create(crashed))

	fresh := &run.Record{
		ID: "api-Mar02-1402", Config: "api", Branch: "api-Mar02-1402",
		Status: run.StatusProvisioning, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Create(fresh))

	plan, err := g.Plan(context.Background())
	require.NoError(t, err)

	items := plan.ByClass(ClassAbandonedRun)
	require.Len(t, items, 2)
	assert.Equal(t, "api-Mar02-1400", items[0].ID)
	assert.Equal(t, "api-Mar02-1401", items[1].ID)
}

func TestPlanFindsDeadRunDir(t *testing.T) {
	g, _, _, store := newTestGC(t)
	require.NoError(t, os.MkdirAll(store.Dir("api-Mar02-1400"), 0o755))

	plan, err := g.Plan(context.Background())
	require.NoError(t, err)

	items := plan.ByClass(ClassDeadRunDir)
	require.Len(t, items, 1)
	assert.Equal(t, "api-Mar02-1400", items[0].ID)
}

func TestPlanFindsUnusedImage(t *testing.T) {
	g, mgr, fake, _ := newTestGC(t)
	createRun(t, mgr, "api", "")
	fake.AddImage("yard/retired", 64<<20)

	plan, err := g.Plan(context.Background())
	require.NoError(t, err)

	items := plan.ByClass(ClassUnusedImage)
	require.Len(t, items, 1)
	assert.Equal(t, "yard/retired", items[0].ID)
	assert.Equal(t, int64(64<<20), items[0].Size)
}

func TestPlanKeepsImageOfTemplate(t *testing.T) {
	g, mgr, fake, _ := newTestGC(t)
	rec := createRun(t, mgr, "api", "")
	// Template "api" still exists even after its only run is deleted.
	require.NoError(t, mgr.Delete(context.Background(), rec.ID, true))
	fake.AddImage("yard/api", 1<<20)

	plan, err := g.Plan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, plan.ByClass(ClassUnusedImage))
}

func TestApplyRemovesOrphanedContainer(t *testing.T) {
	g, _, fake, _ := newTestGC(t)
	id := fake.AddContainer(container.Info{
		Name:   "yard-api-Mar02-1400",
		State:  "exited",
		Labels: orphanLabels("api-Mar02-1400"),
	})
	ctx := context.Background()

	plan, err := g.Plan(ctx)
	require.NoError(t, err)
	res, err := g.Apply(ctx, plan, ApplyOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Count(OutcomeRemoved))
	_, ok := fake.Container(id)
	assert.False(t, ok, "container still exists")
}

func TestApplySkipsRunningOrphanWithoutIncludeLive(t *testing.T) {
	g, _, fake, _ := newTestGC(t)
	id := fake.AddContainer(container.Info{
		Name:   "yard-api-Mar02-1400",
		State:  "running",
		Labels: orphanLabels("api-Mar02-1400"),
	})
	ctx := context.Background()

	plan, err := g.Plan(ctx)
	require.NoError(t, err)

	res, err := g.Apply(ctx, plan, ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(OutcomeSkipped))
	_, ok := fake.Container(id)
	assert.True(t, ok, "running container was removed")

	res, err = g.Apply(ctx, plan, ApplyOptions{IncludeLive: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(OutcomeRemoved))
	_, ok = fake.Container(id)
	assert.False(t, ok, "container survived --include-live")
}

func TestApplyRepairsStaleRecord(t *testing.T) {
	g, mgr, fake, store := newTestGC(t)
	rec := createRun(t, mgr, "api", "")
	require.NoError(t, fake.Remove(context.Background(), rec.ContainerID, true))
	ctx := context.Background()

	plan, err := g.Plan(ctx)
	require.NoError(t, err)
	res, err := g.Apply(ctx, plan, ApplyOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Count(OutcomeRepaired))
	loaded, err := store.Load(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusStopped, loaded.Status)
}

func TestApplySkipsStaleRecordWhoseContainerRevived(t *testing.T) {
	g, mgr, fake, store := newTestGC(t)
	rec := createRun(t, mgr, "api", "")
	fake.SetState(rec.ContainerID, "exited")
	ctx := context.Background()

	plan, err := g.Plan(ctx)
	require.NoError(t, err)
	// The container comes back between plan and apply: live wins.
	fake.SetState(rec.ContainerID, "running")

	res, err := g.Apply(ctx, plan, ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(OutcomeSkipped))
	loaded, err := store.Load(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, loaded.Status)
}

func TestApplyRemovesAbandonedRun(t *testing.T) {
	g, _, _, store := newTestGC(t)
	rec := &run.Record{
		ID: "api-Mar02-1400", Config: "api", Branch: "api-Mar02-1400",
		Status: run.StatusFailed, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Create(rec))
	ctx := context.Background()

	plan, err := g.Plan(ctx)
	require.NoError(t, err)
	res, err := g.Apply(ctx, plan, ApplyOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Count(OutcomeRemoved))
	assert.False(t, store.Exists(rec.ID), "run directory survived")
}

func TestApplyAbandonedRunWithLiveContainer(t *testing.T) {
	g, _, fake, store := newTestGC(t)
	rec := &run.Record{
		ID: "api-Mar02-1400", Config: "api", Branch: "api-Mar02-1400",
		Status: run.StatusProvisioning, CreatedAt: time.Now().Add(-2 * time.Hour).UTC(),
	}
	require.NoError(t, store.Create(rec))
	fake.AddContainer(container.Info{
		Name:   "yard-api-Mar02-1400",
		State:  "running",
		Labels: orphanLabels("api-Mar02-1400"),
	})
	ctx := context.Background()

	plan, err := g.Plan(ctx)
	require.NoError(t, err)
	require.Len(t, plan.ByClass(ClassAbandonedRun), 1)

	// The crashed provision still has a live container: skipped by default.
	res, err := g.Apply(ctx, plan, ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(OutcomeSkipped))
	assert.True(t, store.Exists(rec.ID))

	res, err = g.Apply(ctx, plan, ApplyOptions{IncludeLive: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(OutcomeRemoved))
	assert.False(t, store.Exists(rec.ID), "run survived include-live")
	managed, err := fake.ListManaged(ctx)
	require.NoError(t, err)
	assert.Empty(t, managed, "container survived include-live")
}

func TestApplyRemovesDeadRunDir(t *testing.T) {
	g, _, _, store := newTestGC(t)
	dir := store.Dir("api-Mar02-1400")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	ctx := context.Background()

	plan, err := g.Plan(ctx)
	require.NoError(t, err)
	res, err := g.Apply(ctx, plan, ApplyOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Count(OutcomeRemoved))
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr), "dir survived")
}

func TestApplySkipsImageTakenSincePlan(t *testing.T) {
	g, _, fake, _ := newTestGC(t)
	fake.AddImage("yard/retired", 1<<20)
	ctx := context.Background()

	plan, err := g.Plan(ctx)
	require.NoError(t, err)
	// A container starts using the image after the scan.
	fake.AddContainer(container.Info{
		Name:   "yard-api-Mar02-1400",
		Image:  "yard/retired",
		State:  "running",
		Labels: orphanLabels("api-Mar02-1400"),
	})

	res, err := g.Apply(ctx, plan, ApplyOptions{})
	require.NoError(t, err)

	for _, a := range res.Actions {
		if a.Item.Class == ClassUnusedImage {
			assert.Equal(t, OutcomeSkipped, a.Outcome)
			assert.Contains(t, a.Detail, "in use")
		}
	}
	exists, err := fake.ImageExists(ctx, "yard/retired")
	require.NoError(t, err)
	assert.True(t, exists, "image was removed despite being in use")
}

func TestApplyEmptyPlan(t *testing.T) {
	g, _, _, _ := newTestGC(t)
	res, err := g.Apply(context.Background(), &Plan{}, ApplyOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Actions)
}
