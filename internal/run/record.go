// Package run owns the on-disk representation of a run: the record and its
// status machine, the per-run event log, and schema migration. A run's
// directory under ~/.yard/runs is the durable source of truth for its
// existence; nothing here keeps an in-memory index.
package run

import (
	"encoding/json"
	"fmt"
	"time"
)

// CurrentSchema is the metadata schema version this build reads and writes.
const CurrentSchema = 2

// Status is a run's lifecycle state.
type Status string

const (
	// StatusProvisioning covers clone creation through container start.
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusStopped      Status = "stopped"
	// StatusFailed marks a run whose provisioning aborted. GC-eligible.
	StatusFailed Status = "failed"
	// StatusFailedClean marks a run whose delete aborted mid-sequence,
	// leaving resources for a later gc pass to finish.
	StatusFailedClean Status = "failed-clean"
)

// transitions enumerates the legal status machine edges. Deletion is not an
// edge: a removed run has no record at all.
var transitions = map[Status][]Status{
	StatusProvisioning: {StatusRunning, StatusFailed},
	StatusRunning:      {StatusStopped, StatusFailedClean},
	StatusStopped:      {StatusRunning, StatusFailedClean},
	StatusFailed:       {StatusFailedClean},
	StatusFailedClean:  {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Live reports whether the run is presumed active. GC never removes live
// runs without an explicit override.
func (s Status) Live() bool {
	return s == StatusProvisioning || s == StatusRunning
}

// CanTransition reports whether from → to is a legal edge. Re-asserting the
// current status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Record is one run's persisted metadata. The schema version lives in the
// file, not the directory name, so migration can change shape without
// renaming anything.
type Record struct {
	Schema      int
	ID          string
	Config      string
	Tag         string
	Branch      string
	Status      Status
	CreatedAt   time.Time
	Clones      map[string]string // repo key → absolute clone path
	ContainerID string            // cached engine id; the label is authoritative

	// MigrationWarning is set when a legacy record could not be fully
	// interpreted. The record is best-effort and was not written back.
	MigrationWarning string

	// extra preserves fields this version does not recognize, so a rewrite
	// never discards them.
	extra map[string]json.RawMessage
}

// knownKeys are the metadata fields owned by the current schema. Everything
// else round-trips through extra untouched.
var knownKeys = map[string]bool{
	"schema":       true,
	"id":           true,
	"config":       true,
	"tag":          true,
	"branch":       true,
	"status":       true,
	"created_at":   true,
	"clones":       true,
	"container_id": true,
}

type recordJSON struct {
	Schema      int               `json:"schema"`
	ID          string            `json:"id"`
	Config      string            `json:"config"`
	Tag         string            `json:"tag"`
	Branch      string            `json:"branch"`
	Status      Status            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	Clones      map[string]string `json:"clones"`
	ContainerID string            `json:"container_id"`
}

// MarshalJSON writes the known fields plus any preserved unknown fields.
func (r *Record) MarshalJSON() ([]byte, error) {
	doc := make(map[string]json.RawMessage, len(r.extra)+len(knownKeys))
	for k, v := range r.extra {
		doc[k] = v
	}

	clones := r.Clones
	if clones == nil {
		clones = map[string]string{}
	}
	known, err := json.Marshal(recordJSON{
		Schema:      r.Schema,
		ID:          r.ID,
		Config:      r.Config,
		Tag:         r.Tag,
		Branch:      r.Branch,
		Status:      r.Status,
		CreatedAt:   r.CreatedAt,
		Clones:      clones,
		ContainerID: r.ContainerID,
	})
	if err != nil {
		return nil, err
	}
	var knownDoc map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownDoc); err != nil {
		return nil, err
	}
	for k, v := range knownDoc {
		doc[k] = v
	}
	return json.Marshal(doc)
}

// UnmarshalJSON reads a current-schema record, keeping unrecognized fields.
// Legacy documents are handled by migration, not here.
func (r *Record) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	var known recordJSON
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	r.Schema = known.Schema
	r.ID = known.ID
	r.Config = known.Config
	r.Tag = known.Tag
	r.Branch = known.Branch
	r.Status = known.Status
	r.CreatedAt = known.CreatedAt
	r.Clones = known.Clones
	r.ContainerID = known.ContainerID

	r.extra = nil
	for k, v := range doc {
		if knownKeys[k] {
			continue
		}
		if r.extra == nil {
			r.extra = make(map[string]json.RawMessage)
		}
		r.extra[k] = v
	}
	return nil
}

// Extra returns a preserved unknown field's raw value, if present.
func (r *Record) Extra(key string) (json.RawMessage, bool) {
	v, ok := r.extra[key]
	return v, ok
}

func (r *Record) validate() error {
	if r.ID == "" {
		return fmt.Errorf("record has no id")
	}
	if r.Config == "" {
		return fmt.Errorf("record %s has no config name", r.ID)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("record %s has unknown status %q", r.ID, r.Status)
	}
	return nil
}
