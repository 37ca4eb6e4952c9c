package container

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentyard/yard/internal/errs"
)

func TestFakeLifecycle(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	id, err := f.Create(ctx, Spec{
		Name:   "yard-api-Mar02-1400",
		Image:  "yard/api",
		Labels: RunLabels("api-Mar02-1400", "api", "", "api-Mar02-1400", 2, time.Now()),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	state, err := f.State(ctx, id)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state != "created" {
		t.Errorf("state after create = %q, want created", state)
	}

	if err := f.Start(ctx, id); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if state, _ = f.State(ctx, id); state != "running" {
		t.Errorf("state after start = %q, want running", state)
	}

	if err := f.Stop(ctx, id, 10*time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if state, _ = f.State(ctx, id); state != "exited" {
		t.Errorf("state after stop = %q, want exited", state)
	}

	if err := f.Remove(ctx, id, false); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := f.State(ctx, id); !errs.IsNotFound(err) {
		t.Errorf("State after remove = %v, want not found", err)
	}

	// Removing again is fine, matching the daemon behavior.
	if err := f.Remove(ctx, id, false); err != nil {
		t.Errorf("Remove of absent container: %v", err)
	}
}

func TestFakeRemoveRunningRequiresForce(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	id := f.AddContainer(Info{Name: "yard-a", State: "running"})
	if err := f.Remove(ctx, id, false); err == nil {
		t.Fatal("Remove of running container without force succeeded")
	}
	if _, ok := f.Container(id); !ok {
		t.Fatal("container removed despite refusal")
	}

	if err := f.Remove(ctx, id, true); err != nil {
		t.Fatalf("forced Remove: %v", err)
	}
	if _, ok := f.Container(id); ok {
		t.Error("container still present after forced remove")
	}
}

func TestFakeCreateNameConflict(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	if _, err := f.Create(ctx, Spec{Name: "yard-a"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := f.Create(ctx, Spec{Name: "yard-a"})
	if !errs.IsAlreadyExists(err) {
		t.Fatalf("duplicate Create error = %v, want already exists", err)
	}
}

func TestFakeFindByRun(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	id, err := f.Create(ctx, Spec{
		Name:   "yard-api-Mar02-1400",
		Labels: RunLabels("api-Mar02-1400", "api", "", "api-Mar02-1400", 2, time.Now()),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	info, err := f.FindByRun(ctx, "api-Mar02-1400")
	if err != nil {
		t.Fatalf("FindByRun: %v", err)
	}
	if info.ID != id {
		t.Errorf("FindByRun ID = %q, want %q", info.ID, id)
	}

	if _, err := f.FindByRun(ctx, "other-Mar02-1400"); !errs.IsNotFound(err) {
		t.Errorf("FindByRun for unknown run = %v, want not found", err)
	}
}

func TestFakeListManagedFiltersLabels(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	if _, err := f.Create(ctx, Spec{
		Name:   "yard-api-Mar02-1400",
		Labels: RunLabels("api-Mar02-1400", "api", "", "api-Mar02-1400", 2, time.Now()),
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// A container somebody else created; no yard labels.
	f.AddContainer(Info{Name: "postgres", State: "running"})

	infos, err := f.ListManaged(ctx)
	if err != nil {
		t.Fatalf("ListManaged: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("ListManaged returned %d containers, want 1", len(infos))
	}
	if infos[0].Name != "yard-api-Mar02-1400" {
		t.Errorf("ListManaged[0].Name = %q", infos[0].Name)
	}
}

func TestFakeImages(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	exists, err := f.ImageExists(ctx, "yard/api")
	if err != nil || exists {
		t.Fatalf("ImageExists = %v, %v before pull", exists, err)
	}

	if err := f.EnsureImage(ctx, "yard/api"); err != nil {
		t.Fatalf("EnsureImage: %v", err)
	}
	if err := f.EnsureImage(ctx, "yard/api"); err != nil {
		t.Fatalf("EnsureImage again: %v", err)
	}
	if len(f.Pulled) != 1 {
		t.Errorf("Pulled %d times, want 1", len(f.Pulled))
	}

	if err := f.BuildImage(ctx, "/tmp/ctx", "Dockerfile", "yard/worker", BuildOptions{}); err != nil {
		t.Fatalf("BuildImage: %v", err)
	}
	// An image outside the yard/ namespace stays invisible to ListImages.
	f.AddImage("ubuntu:24.04", 80_000_000)

	images, err := f.ListImages(ctx)
	if err != nil {
		t.Fatalf("ListImages: %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("ListImages returned %d images, want 2", len(images))
	}
	if images[0].Tag != "yard/api" || images[1].Tag != "yard/worker" {
		t.Errorf("ListImages tags = %q, %q", images[0].Tag, images[1].Tag)
	}

	if err := f.RemoveImage(ctx, "yard/api"); err != nil {
		t.Fatalf("RemoveImage: %v", err)
	}
	if exists, _ = f.ImageExists(ctx, "yard/api"); exists {
		t.Error("image still exists after RemoveImage")
	}
}

func TestFakeErrorInjection(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	boom := errors.New("daemon on fire")

	f.StartErr = boom
	id := f.AddContainer(Info{Name: "yard-a", State: "created"})
	if err := f.Start(ctx, id); !errors.Is(err, boom) {
		t.Errorf("Start error = %v, want injected", err)
	}

	f.RemoveErr = boom
	if err := f.Remove(ctx, id, false); !errors.Is(err, boom) {
		t.Errorf("Remove error = %v, want injected", err)
	}
	if _, ok := f.Container(id); !ok {
		t.Error("container vanished despite injected Remove failure")
	}
}
