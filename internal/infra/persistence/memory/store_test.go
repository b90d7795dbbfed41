package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"runregistry/pkg/domain"
)

func testRecord(runID, flowcell, path string) domain.ExperimentRecord {
	return domain.ExperimentRecord{
		RunID:          runID,
		Flowcell:       flowcell,
		Device:         "P2S-00451",
		ExperimentName: "exp_2024_03",
		Date:           "2024-03-01",
		Time:           "14:22:05",
		TotalReads:     1_000_000,
		AllPaths:       []string{path},
	}
}

func TestAddInsertsNewRecord(t *testing.T) {
	s := NewStore()
	outcome, err := s.Add(context.Background(), testRecord("r1", "FC1", "/data/run1"), false)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !outcome.Added || outcome.RunID != "r1" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	got, ok := s.Get("r1")
	if !ok {
		t.Fatalf("record missing after add")
	}
	if got.NumMerged != 1 {
		t.Fatalf("num_merged should default to 1, got %d", got.NumMerged)
	}
	if got.RegisteredAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not stamped: %+v", got)
	}
}

func TestAddRejectsEmptyRunID(t *testing.T) {
	s := NewStore()
	_, err := s.Add(context.Background(), testRecord("", "FC1", "/data/run1"), false)
	var missing domain.ErrMissingRunID
	if !errors.As(err, &missing) {
		t.Fatalf("expected ErrMissingRunID, got %v", err)
	}
	if missing.Path != "/data/run1" {
		t.Fatalf("error should carry the offending path, got %q", missing.Path)
	}
	if len(s.List()) != 0 {
		t.Fatalf("no partial write expected")
	}
}

func TestAddSameRunIDMergesPaths(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	if _, err := s.Add(ctx, testRecord("r1", "FC1", "/data/run1"), false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	outcome, err := s.Add(ctx, testRecord("r1", "FC1", "/backup/run1"), false)
	if err != nil {
		t.Fatalf("Add duplicate: %v", err)
	}
	if outcome.Added {
		t.Fatalf("duplicate run_id must not insert")
	}
	if outcome.MergedPaths != 1 {
		t.Fatalf("expected 1 merged path, got %d", outcome.MergedPaths)
	}
	got, _ := s.Get("r1")
	if len(got.AllPaths) != 2 {
		t.Fatalf("paths not merged: %v", got.AllPaths)
	}
	// Same paths again: nothing to merge, still not an error.
	outcome, err = s.Add(ctx, testRecord("r1", "FC1", "/data/run1"), false)
	if err != nil || outcome.Added || outcome.MergedPaths != 0 {
		t.Fatalf("idempotent re-add misbehaved: %+v err=%v", outcome, err)
	}
}

func TestAddFingerprintDuplicateMergesOntoOwner(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	if _, err := s.Add(ctx, testRecord("r1", "FC1", "/data/run1"), false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// Same identity tuple under a different run_id, e.g. a copied directory.
	dup := testRecord("r2", "FC1", "/mirror/run1")
	outcome, err := s.Add(ctx, dup, false)
	if err != nil {
		t.Fatalf("Add fingerprint dup: %v", err)
	}
	if outcome.Added || outcome.RunID != "r1" {
		t.Fatalf("duplicate identity should merge onto r1: %+v", outcome)
	}
	if s.Exists("r2") {
		t.Fatalf("r2 must not exist as its own record")
	}
	got, _ := s.Get("r1")
	if !got.HasPath("/mirror/run1") {
		t.Fatalf("merged path missing: %v", got.AllPaths)
	}
}

func TestAddForceBypassesDeduplication(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	if _, err := s.Add(ctx, testRecord("r1", "FC1", "/data/run1"), false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	dup := testRecord("r2", "FC1", "/mirror/run1")
	outcome, err := s.Add(ctx, dup, true)
	if err != nil {
		t.Fatalf("forced Add: %v", err)
	}
	if !outcome.Added || outcome.RunID != "r2" {
		t.Fatalf("force should insert despite identical identity: %+v", outcome)
	}
	if len(s.List()) != 2 {
		t.Fatalf("expected two records")
	}
}

func TestAddForceOverwriteKeepsRegisteredAt(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	s.SetNowFunc(func() time.Time { return t0 })
	if _, err := s.Add(ctx, testRecord("r1", "FC1", "/data/run1"), false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	t1 := t0.Add(time.Hour)
	s.SetNowFunc(func() time.Time { return t1 })
	updated := testRecord("r1", "FC1", "/data/run1")
	updated.TotalReads = 9_000_000
	if _, err := s.Add(ctx, updated, true); err != nil {
		t.Fatalf("forced overwrite: %v", err)
	}
	got, _ := s.Get("r1")
	if !got.RegisteredAt.Equal(t0) {
		t.Fatalf("registered_at should survive overwrite: %v", got.RegisteredAt)
	}
	if !got.UpdatedAt.Equal(t1) {
		t.Fatalf("updated_at should advance: %v", got.UpdatedAt)
	}
	if got.TotalReads != 9_000_000 {
		t.Fatalf("overwrite lost field: %d", got.TotalReads)
	}
}

func TestApplyChanges(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	if _, err := s.Add(ctx, testRecord("r1", "FC1", "/data/run1"), false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	rec, err := s.ApplyChanges(ctx, "r1", []domain.ExperimentChange{
		{Field: "pod5_files", OldValue: 0, NewValue: 500},
		{Field: "has_pod5", OldValue: false, NewValue: true},
		// float64 arrives after a JSON round trip
		{Field: "total_reads", OldValue: float64(1_000_000), NewValue: float64(2_000_000)},
	})
	if err != nil {
		t.Fatalf("ApplyChanges: %v", err)
	}
	if rec.Pod5Files != 500 || !rec.HasPod5 || rec.TotalReads != 2_000_000 {
		t.Fatalf("changes not applied: %+v", rec)
	}

	if _, err := s.ApplyChanges(ctx, "missing", nil); err == nil {
		t.Fatalf("expected not-found error")
	}
	if _, err := s.ApplyChanges(ctx, "r1", []domain.ExperimentChange{{Field: "bogus", NewValue: 1}}); err == nil {
		t.Fatalf("expected unsupported field error")
	}
}

func TestApplyChangesReindexesIdentityMove(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	if _, err := s.Add(ctx, testRecord("r1", "FC1", "/data/run1"), false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.ApplyChanges(ctx, "r1", []domain.ExperimentChange{
		{Field: "flowcell", OldValue: "FC1", NewValue: "FC9"},
	}); err != nil {
		t.Fatalf("ApplyChanges: %v", err)
	}
	if got := s.MergeCandidates("FC1"); len(got) != 0 {
		t.Fatalf("old flowcell index entry not removed: %v", got)
	}
	if got := s.MergeCandidates("FC9"); len(got) != 1 {
		t.Fatalf("new flowcell index entry missing")
	}
}

func TestArchiveFlagsWithoutDeleting(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	if _, err := s.Add(ctx, testRecord("r1", "FC1", "/data/run1"), false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	rec, err := s.Archive(ctx, "r1", "path no longer exists on disk")
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if rec.ArchivedAt == nil || rec.RemovalReason == nil {
		t.Fatalf("archive stamps missing: %+v", rec)
	}
	if !s.Exists("r1") {
		t.Fatalf("archived record must remain in the store")
	}
	if s.Stats().ArchivedRecords != 1 {
		t.Fatalf("archived record not counted")
	}
	if _, err := s.Archive(ctx, "missing", "x"); err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestSearchExactMatch(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	r1 := testRecord("r1", "FC1", "/data/run1")
	r2 := testRecord("r2", "FC2", "/data/run2")
	r2.Device = "GRID-7"
	for _, r := range []domain.ExperimentRecord{r1, r2} {
		if _, err := s.Add(ctx, r, true); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	cases := []struct {
		name   string
		fields map[string]string
		want   int
	}{
		{"by flowcell", map[string]string{"flowcell": "FC1"}, 1},
		{"by device", map[string]string{"device": "GRID-7"}, 1},
		{"conjunction", map[string]string{"flowcell": "FC2", "device": "GRID-7"}, 1},
		{"conjunction miss", map[string]string{"flowcell": "FC1", "device": "GRID-7"}, 0},
		{"unknown field", map[string]string{"color": "blue"}, 0},
		{"empty criteria match all", map[string]string{}, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := s.Search(tc.fields); len(got) != tc.want {
				t.Fatalf("Search(%v) = %d records, want %d", tc.fields, len(got), tc.want)
			}
		})
	}
}

func TestMergeCandidatesSortedByDateTime(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	newer := testRecord("r-newer", "FC1", "/a")
	newer.Time = "18:00:00"
	older := testRecord("r-older", "FC1", "/b")
	older.Time = "08:00:00"
	other := testRecord("r-other", "FC2", "/c")
	for _, r := range []domain.ExperimentRecord{newer, older, other} {
		if _, err := s.Add(ctx, r, true); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	got := s.MergeCandidates("FC1")
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].RunID != "r-older" || got[1].RunID != "r-newer" {
		t.Fatalf("candidates not sorted oldest first: %s, %s", got[0].RunID, got[1].RunID)
	}
	if got := s.MergeCandidates("FC404"); len(got) != 0 {
		t.Fatalf("unknown flowcell should yield no candidates")
	}
}

func TestFindByPathAndRecordsByPath(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	if _, err := s.Add(ctx, testRecord("r1", "FC1", "/data/run1"), false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Add(ctx, testRecord("r1", "FC1", "/backup/run1"), false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	rec, ok := s.FindByPath("/backup/run1")
	if !ok || rec.RunID != "r1" {
		t.Fatalf("FindByPath failed: %+v ok=%v", rec, ok)
	}
	if _, ok := s.FindByPath("/nowhere"); ok {
		t.Fatalf("unexpected hit")
	}
	byPath := s.RecordsByPath()
	if len(byPath) != 2 {
		t.Fatalf("record with two paths should appear twice, got %d", len(byPath))
	}
}

func TestStats(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	a := testRecord("r1", "FC1", "/a")
	b := testRecord("r2", "FC1", "/b")
	b.Time = "20:00:00"
	b.IsCanonical = true
	c := testRecord("r3", "FC2", "/c")
	c.Device = "GRID-7"
	for _, r := range []domain.ExperimentRecord{a, b, c} {
		if _, err := s.Add(ctx, r, true); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	stats := s.Stats()
	want := domain.Stats{
		TotalRecords:            3,
		UniqueFlowcells:         2,
		UniqueDevices:           2,
		MergeCandidateFlowcells: 1,
		CanonicalRecords:        1,
		TotalPaths:              3,
	}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	if _, err := s.Add(ctx, testRecord("r1", "FC1", "/data/run1"), false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Add(ctx, testRecord("r2", "FC1", "/data/run2"), true); err != nil {
		t.Fatalf("Add: %v", err)
	}
	doc := s.Export()
	if doc.Version != domain.DocumentVersion {
		t.Fatalf("document version = %d", doc.Version)
	}
	if len(doc.Indexes.ByFingerprint) != 2 {
		t.Fatalf("index snapshot incomplete: %+v", doc.Indexes)
	}

	// Corrupt the index block; Import must rebuild from records and ignore it.
	doc.Indexes.ByFlowcell = map[string][]string{"LIES": {"r1"}}
	fresh := NewStore()
	fresh.Import(doc)
	if got := fresh.MergeCandidates("FC1"); len(got) != 2 {
		t.Fatalf("indexes not rebuilt from records: %d", len(got))
	}
	if got := fresh.MergeCandidates("LIES"); len(got) != 0 {
		t.Fatalf("imported index block must not be trusted")
	}
	if fresh.Stats() != s.Stats() {
		t.Fatalf("stats drifted across export/import")
	}
}
