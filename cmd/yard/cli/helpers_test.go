package cli

import (
	"strings"
	"testing"
	"time"

	"github.com/agentyard/yard/internal/config"
	"github.com/agentyard/yard/internal/errs"
	"github.com/agentyard/yard/internal/run"
)

func TestFormatAge(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{"zero", time.Time{}, "-"},
		{"seconds", now.Add(-30 * time.Second), "just now"},
		{"minutes", now.Add(-5 * time.Minute), "5m ago"},
		{"hours", now.Add(-3 * time.Hour), "3h ago"},
		{"days", now.Add(-49 * time.Hour), "2d ago"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatAge(tt.t); got != tt.want {
				t.Errorf("formatAge() = %q, want %q", got, tt.want)
			}
		})
	}
}

func seedRuns(t *testing.T, ids ...string) *run.Store {
	t.Helper()
	t.Setenv("YARD_HOME", t.TempDir())
	store := run.NewStore(config.RunsDir())
	for _, id := range ids {
		rec := &run.Record{ID: id, Config: "api", Branch: id, CreatedAt: time.Now()}
		if err := store.Create(rec); err != nil {
			t.Fatalf("Create(%s): %v", id, err)
		}
	}
	return store
}

func TestResolveRunExactMatch(t *testing.T) {
	store := seedRuns(t, "api-Mar02-1400", "api-Mar02-1400-2")

	got, err := resolveRun(store, "api-Mar02-1400")
	if err != nil {
		t.Fatalf("resolveRun: %v", err)
	}
	// Exact id wins even though it is also a prefix of the suffixed run.
	if got != "api-Mar02-1400" {
		t.Errorf("resolveRun = %q, want exact match", got)
	}
}

func TestResolveRunUniquePrefix(t *testing.T) {
	store := seedRuns(t, "api-Mar02-1400", "web-Mar02-1400")

	got, err := resolveRun(store, "api")
	if err != nil {
		t.Fatalf("resolveRun: %v", err)
	}
	if got != "api-Mar02-1400" {
		t.Errorf("resolveRun = %q, want api-Mar02-1400", got)
	}
}

func TestResolveRunAmbiguousPrefix(t *testing.T) {
	store := seedRuns(t, "api-Mar02-1400", "api-Mar02-1500")

	_, err := resolveRun(store, "api")
	if err == nil {
		t.Fatal("resolveRun accepted an ambiguous prefix")
	}
	if !strings.Contains(err.Error(), "matches 2 runs") {
		t.Errorf("err = %v, want ambiguity message", err)
	}
}

func TestResolveRunUnknown(t *testing.T) {
	store := seedRuns(t, "api-Mar02-1400")

	_, err := resolveRun(store, "zzz")
	if !errs.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}
