package run

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/agentyard/yard/internal/errs"
	"github.com/agentyard/yard/internal/log"
)

const (
	metadataFile = "metadata.json"
	eventsFile   = "events.jsonl"
	clonesDir    = "clones"
	sessionDir   = "session"
)

// Store reads and writes run directories under one root. Directory presence
// doubles as the uniqueness lock: creating an id that already has a
// directory fails, so no separate locking primitive is needed.
type Store struct {
	root string
}

// NewStore returns a Store rooted at dir (normally config.RunsDir()).
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Dir returns the run directory for id.
func (s *Store) Dir(id string) string { return filepath.Join(s.root, id) }

// ClonesDir returns the directory holding a run's repository clones.
func (s *Store) ClonesDir(id string) string { return filepath.Join(s.root, id, clonesDir) }

// SessionDir returns the directory holding a run's persisted agent session.
func (s *Store) SessionDir(id string) string { return filepath.Join(s.root, id, sessionDir) }

func (s *Store) metadataPath(id string) string { return filepath.Join(s.root, id, metadataFile) }
func (s *Store) eventsPath(id string) string   { return filepath.Join(s.root, id, eventsFile) }

// Exists reports whether a run directory exists for id. It is the collision
// check handed to identity.Generate.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.Dir(id))
	return err == nil
}

// Create persists a new record. The caller fills ID, Config, Tag, Branch,
// and CreatedAt; Create stamps the schema and initial status. An existing
// run directory means a concurrent or earlier create won: AlreadyExists.
func (s *Store) Create(rec *Record) error {
	rec.Schema = CurrentSchema
	if rec.Status == "" {
		rec.Status = StatusProvisioning
	}
	if rec.Clones == nil {
		rec.Clones = map[string]string{}
	}
	if err := rec.validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("creating run store root: %w", err)
	}
	if err := os.Mkdir(s.Dir(rec.ID), 0o755); err != nil {
		if os.IsExist(err) {
			return &errs.AlreadyExistsError{Kind: "run", ID: rec.ID}
		}
		return fmt.Errorf("creating run directory: %w", err)
	}
	for _, sub := range []string{clonesDir, sessionDir} {
		if err := os.Mkdir(filepath.Join(s.Dir(rec.ID), sub), 0o755); err != nil {
			return fmt.Errorf("creating run %s dir: %w", sub, err)
		}
	}
	return s.save(rec)
}

// Load reads a record, migrating legacy schemas in place. Migrated records
// are written back before being returned unless interpretation was
// incomplete (MigrationWarning set), in which case write-back is skipped.
func (s *Store) Load(id string) (*Record, error) {
	data, err := os.ReadFile(s.metadataPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errs.NotFoundError{Kind: "run", ID: id}
		}
		return nil, fmt.Errorf("reading run %s: %w", id, err)
	}

	rec, migrated, err := decode(id, data)
	if err != nil {
		return nil, fmt.Errorf("parsing run %s: %w", id, err)
	}
	if migrated {
		if rec.MigrationWarning != "" {
			log.Warn("run migrated best-effort, not written back",
				"run", id, "warning", rec.MigrationWarning)
			return rec, nil
		}
		if err := s.save(rec); err != nil {
			return nil, fmt.Errorf("writing back migrated run %s: %w", id, err)
		}
		log.Debug("migrated run record", "run", id, "schema", rec.Schema)
	}
	return rec, nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Config string
	Status Status
}

// List returns all readable records, sorted by id (ids sort by creation
// time within a month). Unreadable entries are logged and skipped; they
// surface through gc, not here.
func (s *Store) List(f Filter) ([]*Record, error) {
	ids, err := s.Dirs()
	if err != nil {
		return nil, err
	}

	var recs []*Record
	for _, id := range ids {
		rec, err := s.Load(id)
		if err != nil {
			log.Warn("skipping unreadable run", "run", id, "error", err)
			continue
		}
		if f.Config != "" && rec.Config != f.Config {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs, nil
}

// Dirs returns the names of all run directories, sorted. GC classifies
// directories that List skips.
func (s *Store) Dirs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading run store: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// UpdateStatus moves a run to a new status, enforcing the status machine.
// A missing record is an error: the caller's view is stale.
func (s *Store) UpdateStatus(id string, to Status) (*Record, error) {
	rec, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	if !to.Valid() {
		return nil, fmt.Errorf("unknown status %q", to)
	}
	if !CanTransition(rec.Status, to) {
		return nil, fmt.Errorf("run %s cannot go from %s to %s", id, rec.Status, to)
	}
	if rec.Status == to {
		return rec, nil
	}
	rec.Status = to
	if err := s.save(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// SetClones records the provisioned clone paths.
func (s *Store) SetClones(id string, clones map[string]string) (*Record, error) {
	rec, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	rec.Clones = clones
	if err := s.save(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// SetContainerID caches the engine's container id on the record. The label
// remains the source of truth; this is a convenience for status views.
func (s *Store) SetContainerID(id, containerID string) (*Record, error) {
	rec, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	rec.ContainerID = containerID
	if err := s.save(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// RemoveDir deletes a run directory recursively. Callers are responsible
// for ordering (container first, clones next); this is the final step.
func (s *Store) RemoveDir(id string) error {
	if err := os.RemoveAll(s.Dir(id)); err != nil {
		return fmt.Errorf("removing run directory: %w", err)
	}
	return nil
}

// save writes metadata atomically: temp file in the run directory, then
// rename. A crash leaves either the old or the new file, never a torn one.
func (s *Store) save(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run %s: %w", rec.ID, err)
	}
	path := s.metadataPath(rec.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing run metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing run metadata: %w", err)
	}
	return nil
}
