package run

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/agentyard/yard/internal/errs"
)

// Event types appended to a run's event log.
const (
	EventRunCreated       = "run.created"
	EventCloneProvisioned = "clone.provisioned"
	EventCloneRolledBack  = "clone.rolled_back"
	EventContainerStarted = "container.started"
	EventContainerStopped = "container.stopped"
	EventRunFailed        = "run.failed"
	EventRunDeleting      = "run.deleting"
	EventFetchCompleted   = "fetch.completed"
	EventSyncCompleted    = "sync.completed"
	EventGCRepaired       = "gc.repaired"
)

// Event is one line of a run's append-only event log.
type Event struct {
	ID     string         `json:"id"`
	Time   time.Time      `json:"ts"`
	Type   string         `json:"event"`
	Run    string         `json:"run"`
	Fields map[string]any `json:"fields,omitempty"`
}

// AppendEvent appends one event line to the run's log. The log file lives
// inside the run directory and disappears with it; appending to a deleted
// run fails with NotFound.
func (s *Store) AppendEvent(id, eventType string, fields map[string]any) error {
	if !s.Exists(id) {
		return &errs.NotFoundError{Kind: "run", ID: id}
	}

	ev := Event{
		ID:     uuid.NewString(),
		Time:   time.Now().UTC(),
		Type:   eventType,
		Run:    id,
		Fields: fields,
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	f, err := os.OpenFile(s.eventsPath(id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

// ReadEvents returns a run's events in order. When limit > 0 only the most
// recent limit events are returned. Malformed lines (for example from a
// crash mid-append) are skipped.
func (s *Store) ReadEvents(id string, limit int) ([]Event, error) {
	f, err := os.Open(s.eventsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			if !s.Exists(id) {
				return nil, &errs.NotFoundError{Kind: "run", ID: id}
			}
			return nil, nil
		}
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading event log: %w", err)
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}
