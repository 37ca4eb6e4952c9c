// Package gc reconciles yard's three views of a run (record, container,
// image) after crashes and external interference. Plan scans and classifies
// without touching anything; Apply re-validates each item against the live
// system before acting, so anything that came back to life since the scan
// is skipped, not collected.
package gc

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentyard/yard/internal/config"
	"github.com/agentyard/yard/internal/container"
	"github.com/agentyard/yard/internal/errs"
	"github.com/agentyard/yard/internal/history"
	"github.com/agentyard/yard/internal/lifecycle"
	"github.com/agentyard/yard/internal/log"
	"github.com/agentyard/yard/internal/run"
)

// Class identifies one kind of collectable drift.
type Class string

const (
	// ClassOrphanedContainer is a yard-labeled container whose run record
	// no longer exists (or cannot be read).
	ClassOrphanedContainer Class = "orphaned-container"
	// ClassStaleRecord is a record claiming running while its container is
	// missing or exited. Repaired to stopped, never removed.
	ClassStaleRecord Class = "stale-record"
	// ClassDeadRunDir is a run directory whose metadata cannot be read.
	ClassDeadRunDir Class = "dead-run-dir"
	// ClassUnusedImage is a yard-built image no record, container, or
	// template references anymore.
	ClassUnusedImage Class = "unused-image"
	// ClassAbandonedRun is a run that failed provisioning or delete, or has
	// sat in provisioning long enough to be presumed crashed.
	ClassAbandonedRun Class = "abandoned-run"
)

// classOrder fixes presentation and apply order. Containers go before run
// dirs so a broken run's container is gone by the time its directory is.
var classOrder = []Class{
	ClassOrphanedContainer,
	ClassStaleRecord,
	ClassAbandonedRun,
	ClassDeadRunDir,
	ClassUnusedImage,
}

// abandonAfter is how long a run may sit in provisioning before gc presumes
// the provisioning process died.
const abandonAfter = time.Hour

// Item is one collectable found by Plan.
type Item struct {
	Class  Class
	ID     string // run id, container id, directory name, or image ref
	Run    string // owning run id when ID is not itself the run id
	Reason string
	Size   int64 // bytes, images only
}

// Plan is the outcome of a scan. It is advice, not a lock: Apply re-checks
// every item.
type Plan struct {
	Items     []Item
	ScannedAt time.Time
}

// Empty reports whether the scan found nothing to collect.
func (p *Plan) Empty() bool { return len(p.Items) == 0 }

// ByClass returns the plan's items of one class, in plan order.
func (p *Plan) ByClass(c Class) []Item {
	var items []Item
	for _, item := range p.Items {
		if item.Class == c {
			items = append(items, item)
		}
	}
	return items
}

// Outcome is what Apply did with one item.
type Outcome string

const (
	OutcomeRemoved  Outcome = "removed"
	OutcomeRepaired Outcome = "repaired"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// Action records the outcome for one planned item.
type Action struct {
	Item    Item
	Outcome Outcome
	Detail  string // skip reason or failure message
}

// Result is what Apply accomplished.
type Result struct {
	Actions    []Action
	FreedBytes int64
}

// Count returns how many actions had the given outcome.
func (r *Result) Count(o Outcome) int {
	n := 0
	for _, a := range r.Actions {
		if a.Outcome == o {
			n++
		}
	}
	return n
}

// ApplyOptions adjust Apply's caution.
type ApplyOptions struct {
	// IncludeLive permits collecting resources that are live at apply time.
	// Without it live always wins and such items are skipped.
	IncludeLive bool
	// Force kills containers at the engine level instead of failing when a
	// removal hits one that is running. It does not widen what gets
	// collected; live items still need IncludeLive.
	Force bool
}

// GC plans and applies reconciliation over one yard state root.
type GC struct {
	mgr    *lifecycle.Manager
	store  *run.Store
	engine container.Engine
	hist   *history.Store // nil disables history recording
}

// New returns a collector over the manager's store and engine. hist may be
// nil.
func New(mgr *lifecycle.Manager, hist *history.Store) *GC {
	return &GC{mgr: mgr, store: mgr.Store(), engine: mgr.Engine(), hist: hist}
}

// Plan scans records, containers, images, and templates concurrently and
// classifies every disagreement. It never modifies anything.
func (g *GC) Plan(ctx context.Context) (*Plan, error) {
	var (
		records    []*run.Record
		deadDirs   []string
		containers []container.Info
		images     []container.ImageInfo
		templates  []string
	)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		dirs, err := g.store.Dirs()
		if err != nil {
			return err
		}
		for _, id := range dirs {
			rec, err := g.store.Load(id)
			if err != nil {
				deadDirs = append(deadDirs, id)
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	eg.Go(func() error {
		var err error
		containers, err = g.engine.ListManaged(ctx)
		return err
	})
	eg.Go(func() error {
		var err error
		images, err = g.engine.ListImages(ctx)
		return err
	})
	eg.Go(func() error {
		var err error
		templates, err = config.ListTemplates()
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	plan := &Plan{ScannedAt: time.Now()}
	byID := make(map[string]*run.Record, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}
	dead := make(map[string]bool, len(deadDirs))
	for _, id := range deadDirs {
		dead[id] = true
	}

	for _, c := range containers {
		rid := c.RunID()
		switch {
		case rid == "":
			plan.Items = append(plan.Items, Item{
				Class: ClassOrphanedContainer, ID: c.ID, Reason: fmt.Sprintf("managed container %s has no run label", c.Name),
			})
		case dead[rid]:
			plan.Items = append(plan.Items, Item{
				Class: ClassOrphanedContainer, ID: c.ID, Run: rid,
				Reason: fmt.Sprintf("container %s belongs to run %s whose record is unreadable", c.Name, rid),
			})
		case byID[rid] == nil:
			plan.Items = append(plan.Items, Item{
				Class: ClassOrphanedContainer, ID: c.ID, Run: rid,
				Reason: fmt.Sprintf("container %s has no run record for %s", c.Name, rid),
			})
		}
	}

	haveContainer := make(map[string]container.Info, len(containers))
	for _, c := range containers {
		if rid := c.RunID(); rid != "" {
			haveContainer[rid] = c
		}
	}
	for _, rec := range records {
		switch rec.Status {
		case run.StatusRunning:
			c, ok := haveContainer[rec.ID]
			switch {
			case !ok:
				plan.Items = append(plan.Items, Item{
					Class: ClassStaleRecord, ID: rec.ID, Run: rec.ID,
					Reason: "record says running but the container is gone",
				})
			case !c.Running():
				plan.Items = append(plan.Items, Item{
					Class: ClassStaleRecord, ID: rec.ID, Run: rec.ID,
					Reason: fmt.Sprintf("record says running but the container is %s", c.State),
				})
			}
		case run.StatusFailed:
			plan.Items = append(plan.Items, Item{
				Class: ClassAbandonedRun, ID: rec.ID, Run: rec.ID,
				Reason: "provisioning failed",
			})
		case run.StatusFailedClean:
			plan.Items = append(plan.Items, Item{
				Class: ClassAbandonedRun, ID: rec.ID, Run: rec.ID,
				Reason: "a previous delete did not finish",
			})
		case run.StatusProvisioning:
			if age := time.Since(rec.CreatedAt); age > abandonAfter {
				plan.Items = append(plan.Items, Item{
					Class: ClassAbandonedRun, ID: rec.ID, Run: rec.ID,
					Reason: fmt.Sprintf("provisioning for %s, presumed crashed", age.Round(time.Minute)),
				})
			}
		}
	}

	for _, id := range deadDirs {
		plan.Items = append(plan.Items, Item{
			Class: ClassDeadRunDir, ID: id, Run: id,
			Reason: "run directory has no readable metadata",
		})
	}

	used := usedImageRefs(records, containers, templates)
	for _, img := range images {
		if used[img.Tag] {
			continue
		}
		plan.Items = append(plan.Items, Item{
			Class: ClassUnusedImage, ID: img.Tag, Size: img.Size,
			Reason: "no run, container, or template references it",
		})
	}

	sortItems(plan.Items)
	return plan, nil
}

// usedImageRefs collects every image reference something still depends on:
// the image of every managed container, the default ref of every record's
// config, and the ref of every template on disk. Templates that fail to
// load keep their default ref reserved.
func usedImageRefs(records []*run.Record, containers []container.Info, templates []string) map[string]bool {
	used := make(map[string]bool)
	for _, c := range containers {
		used[c.Image] = true
	}
	for _, rec := range records {
		used[container.ImagePrefix+rec.Config] = true
	}
	for _, name := range templates {
		tmpl, err := config.LoadTemplate(name)
		if err != nil {
			used[container.ImagePrefix+name] = true
			continue
		}
		used[tmpl.ImageRef()] = true
	}
	return used
}

func sortItems(items []Item) {
	rank := make(map[Class]int, len(classOrder))
	for i, c := range classOrder {
		rank[c] = i
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Class != items[j].Class {
			return rank[items[i].Class] < rank[items[j].Class]
		}
		return items[i].ID < items[j].ID
	})
}

// Apply executes a plan item by item. Every item is re-validated first;
// items that are live, already handled, or vanished are skipped. Failures
// are recorded per item and never abort the rest.
func (g *GC) Apply(ctx context.Context, plan *Plan, opts ApplyOptions) (*Result, error) {
	res := &Result{}
	for _, item := range plan.Items {
		var action Action
		switch item.Class {
		case ClassOrphanedContainer:
			action = g.applyOrphanedContainer(ctx, item, opts)
		case ClassStaleRecord:
			action = g.applyStaleRecord(ctx, item)
		case ClassDeadRunDir:
			action = g.applyDeadRunDir(ctx, item, opts)
		case ClassAbandonedRun:
			action = g.applyAbandonedRun(ctx, item, opts)
		case ClassUnusedImage:
			action = g.applyUnusedImage(ctx, item)
		default:
			action = Action{Item: item, Outcome: OutcomeSkipped, Detail: "unknown class"}
		}
		if action.Outcome == OutcomeRemoved && item.Class == ClassUnusedImage {
			res.FreedBytes += item.Size
		}
		log.Debug("gc", "class", string(item.Class), "id", item.ID,
			"outcome", string(action.Outcome), "detail", action.Detail)
		res.Actions = append(res.Actions, action)
	}

	if g.hist != nil {
		detail := fmt.Sprintf("removed=%d repaired=%d skipped=%d failed=%d",
			res.Count(OutcomeRemoved), res.Count(OutcomeRepaired),
			res.Count(OutcomeSkipped), res.Count(OutcomeFailed))
		if err := g.hist.Record("gc", "", detail); err != nil {
			log.Debug("could not record history", "op", "gc", "error", err)
		}
	}
	return res, nil
}

func (g *GC) applyOrphanedContainer(ctx context.Context, item Item, opts ApplyOptions) Action {
	state, err := g.engine.State(ctx, item.ID)
	if errs.IsNotFound(err) {
		return Action{Item: item, Outcome: OutcomeSkipped, Detail: "already gone"}
	}
	if err != nil {
		return Action{Item: item, Outcome: OutcomeFailed, Detail: err.Error()}
	}
	if item.Run != "" && g.store.Exists(item.Run) {
		return Action{Item: item, Outcome: OutcomeSkipped, Detail: "run record reappeared"}
	}
	if state == "running" && !opts.IncludeLive {
		return Action{Item: item, Outcome: OutcomeSkipped, Detail: "running; re-run with --include-live to remove"}
	}
	if err := g.engine.Remove(ctx, item.ID, opts.Force || state == "running"); err != nil {
		return Action{Item: item, Outcome: OutcomeFailed, Detail: err.Error()}
	}
	return Action{Item: item, Outcome: OutcomeRemoved}
}

func (g *GC) applyStaleRecord(ctx context.Context, item Item) Action {
	rec, err := g.store.Load(item.ID)
	if errs.IsNotFound(err) {
		return Action{Item: item, Outcome: OutcomeSkipped, Detail: "record gone"}
	}
	if err != nil {
		return Action{Item: item, Outcome: OutcomeFailed, Detail: err.Error()}
	}
	if rec.Status != run.StatusRunning {
		return Action{Item: item, Outcome: OutcomeSkipped, Detail: "already settled to " + string(rec.Status)}
	}
	if info, err := g.engine.FindByRun(ctx, item.ID); err == nil && info.Running() {
		return Action{Item: item, Outcome: OutcomeSkipped, Detail: "container is running again"}
	}
	if _, err := g.store.UpdateStatus(item.ID, run.StatusStopped); err != nil {
		return Action{Item: item, Outcome: OutcomeFailed, Detail: err.Error()}
	}
	if err := g.store.AppendEvent(item.ID, run.EventGCRepaired, map[string]any{"status": string(run.StatusStopped)}); err != nil {
		log.Warn("could not append event", "run", item.ID, "error", err)
	}
	return Action{Item: item, Outcome: OutcomeRepaired, Detail: "status corrected to stopped"}
}

func (g *GC) applyDeadRunDir(ctx context.Context, item Item, opts ApplyOptions) Action {
	if _, err := g.store.Load(item.ID); err == nil {
		return Action{Item: item, Outcome: OutcomeSkipped, Detail: "metadata became readable"}
	}
	if _, err := os.Stat(g.store.Dir(item.ID)); os.IsNotExist(err) {
		return Action{Item: item, Outcome: OutcomeSkipped, Detail: "already gone"}
	}
	if info, err := g.engine.FindByRun(ctx, item.ID); err == nil && info.Running() && !opts.IncludeLive {
		return Action{Item: item, Outcome: OutcomeSkipped, Detail: "a running container still refers to it"}
	}
	if err := os.RemoveAll(g.store.Dir(item.ID)); err != nil {
		return Action{Item: item, Outcome: OutcomeFailed, Detail: err.Error()}
	}
	return Action{Item: item, Outcome: OutcomeRemoved}
}

func (g *GC) applyAbandonedRun(ctx context.Context, item Item, opts ApplyOptions) Action {
	rec, err := g.store.Load(item.ID)
	if errs.IsNotFound(err) {
		return Action{Item: item, Outcome: OutcomeSkipped, Detail: "already gone"}
	}
	if err != nil {
		return Action{Item: item, Outcome: OutcomeFailed, Detail: err.Error()}
	}
	if rec.Status == run.StatusRunning || rec.Status == run.StatusStopped {
		return Action{Item: item, Outcome: OutcomeSkipped, Detail: "run recovered to " + string(rec.Status)}
	}

	live := false
	if info, err := g.engine.FindByRun(ctx, item.ID); err == nil && info.Running() {
		if !opts.IncludeLive {
			return Action{Item: item, Outcome: OutcomeSkipped, Detail: "container is running; re-run with --include-live to remove"}
		}
		live = true
	}
	if rec.Status == run.StatusProvisioning {
		// Settle the crashed provision before tearing it down.
		if _, err := g.store.UpdateStatus(item.ID, run.StatusFailed); err != nil {
			return Action{Item: item, Outcome: OutcomeFailed, Detail: err.Error()}
		}
	}
	if err := g.mgr.Delete(ctx, item.ID, opts.Force || live); err != nil {
		return Action{Item: item, Outcome: OutcomeFailed, Detail: err.Error()}
	}
	return Action{Item: item, Outcome: OutcomeRemoved}
}

func (g *GC) applyUnusedImage(ctx context.Context, item Item) Action {
	// Re-check before removal: a run created since the scan may use it.
	// When the check itself fails, err on the side of keeping the image.
	containers, err := g.engine.ListManaged(ctx)
	if err != nil {
		return Action{Item: item, Outcome: OutcomeSkipped, Detail: "cannot verify use: " + err.Error()}
	}
	for _, c := range containers {
		if c.Image == item.ID {
			return Action{Item: item, Outcome: OutcomeSkipped, Detail: "now in use by " + c.Name}
		}
	}
	records, err := g.store.List(run.Filter{})
	if err != nil {
		return Action{Item: item, Outcome: OutcomeSkipped, Detail: "cannot verify use: " + err.Error()}
	}
	for _, rec := range records {
		if container.ImagePrefix+rec.Config == item.ID {
			return Action{Item: item, Outcome: OutcomeSkipped, Detail: "now in use by run " + rec.ID}
		}
	}
	if err := g.engine.RemoveImage(ctx, item.ID); err != nil {
		return Action{Item: item, Outcome: OutcomeFailed, Detail: err.Error()}
	}
	return Action{Item: item, Outcome: OutcomeRemoved}
}
