package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestRecordJSONPreservesUnknownFields(t *testing.T) {
	raw := `{
		"run_id": "abc123",
		"flowcell": "FAX12345",
		"device": "P2S",
		"experiment_name": "exp1",
		"date": "2024-03-01",
		"time": "14:22:05",
		"total_reads": 5000000,
		"all_paths": ["/data/run1"],
		"basecall_model": "dna_r10.4.1_e8.2_400bps_sup",
		"qc": {"pass": true, "score": 11.2}
	}`
	var rec ExperimentRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.RunID != "abc123" || rec.TotalReads != 5000000 {
		t.Fatalf("known fields not hydrated: %+v", rec)
	}
	extra := rec.Extra()
	if _, ok := extra["basecall_model"]; !ok {
		t.Fatalf("unknown scalar field not preserved: %v", extra)
	}
	if _, ok := extra["qc"]; !ok {
		t.Fatalf("unknown object field not preserved: %v", extra)
	}

	out, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var roundTrip map[string]json.RawMessage
	if err := json.Unmarshal(out, &roundTrip); err != nil {
		t.Fatalf("unmarshal round trip: %v", err)
	}
	if string(roundTrip["basecall_model"]) != `"dna_r10.4.1_e8.2_400bps_sup"` {
		t.Fatalf("unknown field lost on marshal: %s", out)
	}
	if !strings.Contains(string(roundTrip["qc"]), `"pass":true`) {
		t.Fatalf("nested unknown field mangled: %s", roundTrip["qc"])
	}
}

func TestRecordJSONWithoutExtrasStaysClean(t *testing.T) {
	rec := ExperimentRecord{RunID: "r1", Flowcell: "FC1"}
	out, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["extra"]; ok {
		t.Fatalf("side channel must not leak into the document: %s", out)
	}
}

func TestDocumentJSONPreservesUnknownTopLevelFields(t *testing.T) {
	raw := `{
		"version": 2,
		"updated": "2024-03-01T00:00:00Z",
		"experiments": {},
		"enrichment": {"tool": "seqmeta", "version": "1.4"}
	}`
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.Version != 2 {
		t.Fatalf("version not hydrated: %d", doc.Version)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(out), `"seqmeta"`) {
		t.Fatalf("unknown top-level field lost: %s", out)
	}
}

func TestRecordHelpers(t *testing.T) {
	r := ExperimentRecord{Date: "2024-03-01", Time: "14:22:05", AllPaths: []string{"/a", "/b"}}
	if got := r.DateTime(); got != "2024-03-01 14:22:05" {
		t.Fatalf("DateTime = %q", got)
	}
	if !r.HasPath("/a") || r.HasPath("/c") {
		t.Fatalf("HasPath misbehaved")
	}
}

func TestProposalApplied(t *testing.T) {
	p := Proposal{ApprovalStatus: StatusApproved}
	if p.Applied() {
		t.Fatalf("approved but unapplied proposal reported applied")
	}
	now := time.Now()
	p.AppliedAt = &now
	if !p.Applied() {
		t.Fatalf("proposal with applied_at should report applied")
	}
}

func TestErrorMessages(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrMissingRunID{Path: "/data/run1"}, "record at /data/run1 has no run_id"},
		{ErrMissingRunID{}, "record has no run_id"},
		{ErrNotFound{Kind: "record", ID: "abc"}, "record abc not found"},
		{ErrInvalidState{ProposalID: "p1", State: StatusRejected, Requested: "apply"}, "proposal p1 is rejected; cannot apply"},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Fatalf("error = %q, want %q", got, tc.want)
		}
	}
}
