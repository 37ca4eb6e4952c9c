package run

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusProvisioning, StatusRunning, true},
		{StatusProvisioning, StatusFailed, true},
		{StatusProvisioning, StatusStopped, false},
		{StatusRunning, StatusStopped, true},
		{StatusRunning, StatusFailedClean, true},
		{StatusRunning, StatusProvisioning, false},
		{StatusStopped, StatusRunning, true},
		{StatusStopped, StatusFailedClean, true},
		{StatusStopped, StatusProvisioning, false},
		{StatusFailed, StatusFailedClean, true},
		{StatusFailed, StatusRunning, false},
		{StatusFailedClean, StatusRunning, false},
		{StatusRunning, StatusRunning, true}, // re-assert is a no-op
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatusLive(t *testing.T) {
	for _, s := range []Status{StatusProvisioning, StatusRunning} {
		if !s.Live() {
			t.Errorf("%s should be live", s)
		}
	}
	for _, s := range []Status{StatusStopped, StatusFailed, StatusFailedClean} {
		if s.Live() {
			t.Errorf("%s should not be live", s)
		}
	}
}

func TestRecordPreservesUnknownFields(t *testing.T) {
	in := []byte(`{
		"schema": 2,
		"id": "proj-plan22-Mar02-1400",
		"config": "proj",
		"tag": "plan22",
		"branch": "proj-plan22-Mar02-1400",
		"status": "running",
		"created_at": "2026-03-02T14:00:00Z",
		"clones": {"app": "/runs/x/clones/app"},
		"container_id": "abc123",
		"future_field": {"nested": true},
		"annotations": ["a", "b"]
	}`)

	var rec Record
	if err := json.Unmarshal(in, &rec); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if rec.ID != "proj-plan22-Mar02-1400" || rec.Status != StatusRunning {
		t.Fatalf("rec = %+v", rec)
	}
	if _, ok := rec.Extra("future_field"); !ok {
		t.Fatal("future_field not preserved in memory")
	}

	out, err := json.Marshal(&rec)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"future_field", "annotations", "id", "status", "clones"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("round-tripped document lost %q", key)
		}
	}
	if string(doc["future_field"]) != `{"nested":true}` {
		t.Errorf("future_field = %s", doc["future_field"])
	}
}

func TestRecordMarshalDefaultsClones(t *testing.T) {
	rec := Record{
		Schema:    CurrentSchema,
		ID:        "proj-Mar02-1400",
		Config:    "proj",
		Status:    StatusProvisioning,
		CreatedAt: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
	}
	out, err := json.Marshal(&rec)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatal(err)
	}
	if string(doc["clones"]) != "{}" {
		t.Errorf("clones = %s, want {}", doc["clones"])
	}
}
