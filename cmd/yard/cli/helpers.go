package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentyard/yard/internal/config"
	"github.com/agentyard/yard/internal/container"
	"github.com/agentyard/yard/internal/errs"
	"github.com/agentyard/yard/internal/history"
	"github.com/agentyard/yard/internal/lifecycle"
	"github.com/agentyard/yard/internal/log"
	"github.com/agentyard/yard/internal/run"
)

// newManager wires a lifecycle manager for one command invocation. The
// returned closer releases the engine connection and the history store.
func newManager() (*lifecycle.Manager, func(), error) {
	eng, err := container.NewDockerEngine()
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to the container engine: %w", err)
	}

	hist, err := history.Open(config.HistoryPath())
	if err != nil {
		// History is a convenience; commands proceed without it.
		log.Debug("history unavailable", "error", err)
		hist = nil
	}

	store := run.NewStore(config.RunsDir())
	mgr := lifecycle.NewManager(store, eng, config.LoadGlobal(), hist)
	closer := func() {
		if hist != nil {
			hist.Close()
		}
		eng.Close()
	}
	return mgr, closer, nil
}

// newStore returns the run store alone, for commands that never touch the
// engine.
func newStore() *run.Store {
	return run.NewStore(config.RunsDir())
}

// resolveRun expands arg to a full run id: an exact match wins, otherwise a
// unique prefix of an existing id.
func resolveRun(store *run.Store, arg string) (string, error) {
	if store.Exists(arg) {
		return arg, nil
	}
	ids, err := store.Dirs()
	if err != nil {
		return "", err
	}
	var matches []string
	for _, id := range ids {
		if strings.HasPrefix(id, arg) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", &errs.NotFoundError{Kind: "run", ID: arg}
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q matches %d runs (%s); use the full id",
			arg, len(matches), strings.Join(matches, ", "))
	}
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}
