package run

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// decode parses metadata bytes into a Record, upgrading legacy schemas.
// migrated reports that the caller should write the record back; it stays
// false for current-schema records and for best-effort interpretations
// (those set MigrationWarning instead).
//
// Re-decoding an already-upgraded record is a no-op: the schema check makes
// migration idempotent.
func decode(id string, data []byte) (rec *Record, migrated bool, err error) {
	var probe struct {
		Schema int `json:"schema"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, false, err
	}

	if probe.Schema >= CurrentSchema {
		rec := &Record{}
		if err := json.Unmarshal(data, rec); err != nil {
			return nil, false, err
		}
		return rec, false, nil
	}
	return migrateV1(id, data)
}

// migrateV1 upgrades the original flat status document: run_id, config,
// branch, started (RFC3339), free-form status, optional exit_code, no
// schema field. Legacy keys that do not collide with current ones (run_id,
// started, exit_code) stay in the document verbatim; migration never
// discards a field.
func migrateV1(id string, data []byte) (*Record, bool, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, err
	}

	rec := &Record{
		Schema: CurrentSchema,
		ID:     id,
		Clones: map[string]string{},
	}

	if raw, ok := doc["run_id"]; ok {
		var runID string
		if json.Unmarshal(raw, &runID) == nil && runID != "" {
			rec.ID = runID
		}
	}
	if raw, ok := doc["config"]; ok {
		json.Unmarshal(raw, &rec.Config)
	}
	if raw, ok := doc["branch"]; ok {
		json.Unmarshal(raw, &rec.Branch)
	}
	if raw, ok := doc["tag"]; ok {
		json.Unmarshal(raw, &rec.Tag)
	}

	var warnings []string

	if raw, ok := doc["started"]; ok {
		var started string
		if err := json.Unmarshal(raw, &started); err != nil {
			warnings = append(warnings, "unreadable started field")
		} else if t, err := time.Parse(time.RFC3339, started); err != nil {
			warnings = append(warnings, fmt.Sprintf("unparsable started time %q", started))
		} else {
			rec.CreatedAt = t.UTC()
		}
	}

	status, warn := legacyStatus(doc)
	rec.Status = status
	if warn != "" {
		warnings = append(warnings, warn)
	}

	for k, v := range doc {
		if knownKeys[k] {
			continue
		}
		if rec.extra == nil {
			rec.extra = make(map[string]json.RawMessage)
		}
		rec.extra[k] = v
	}

	if len(warnings) > 0 {
		rec.MigrationWarning = strings.Join(warnings, "; ")
		return rec, false, nil
	}
	return rec, true, nil
}

// legacyStatus maps the original free-form status strings onto the status
// machine. Unrecognized values fall back to stopped with a warning, which
// skips write-back so the original text survives for inspection.
func legacyStatus(doc map[string]json.RawMessage) (Status, string) {
	raw, ok := doc["status"]
	if !ok {
		return StatusStopped, "missing status field"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return StatusStopped, "unreadable status field"
	}
	switch {
	case s == "running":
		return StatusRunning, ""
	case s == "provisioning":
		return StatusProvisioning, ""
	case s == "stopped", strings.HasPrefix(s, "exited"):
		return StatusStopped, ""
	case s == "failed":
		return StatusFailed, ""
	default:
		return StatusStopped, fmt.Sprintf("unrecognized status %q", s)
	}
}
