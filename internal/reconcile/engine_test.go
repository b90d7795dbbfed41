package reconcile

import (
	"errors"
	"testing"
	"time"

	"runregistry/pkg/domain"
)

// mapOracle answers existence from a fixed map; unlisted paths error.
type mapOracle map[string]bool

func (m mapOracle) Exists(path string) (bool, error) {
	exists, ok := m[path]
	if !ok {
		return false, errors.New("mount offline")
	}
	return exists, nil
}

func fixedEngine(oracle PathOracle) *Engine {
	return NewEngine(oracle,
		WithNowFunc(func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }),
		WithIDFunc(func() string { return "prop-1" }),
	)
}

func storedRecord(runID, path string, pod5 int) domain.ExperimentRecord {
	return domain.ExperimentRecord{
		RunID:     runID,
		Flowcell:  "FC1",
		Pod5Files: pod5,
		AllPaths:  []string{path},
	}
}

func TestComparePartitionsDiscoveredPaths(t *testing.T) {
	current := map[string]domain.ExperimentRecord{
		"/data/known":   storedRecord("r1", "/data/known", 400),
		"/data/same":    storedRecord("r2", "/data/same", 10),
		"/data/missing": storedRecord("r3", "/data/missing", 5),
		"/data/offline": storedRecord("r4", "/data/offline", 5),
		"/data/partial": storedRecord("r5", "/data/partial", 5),
	}
	discovered := []domain.ExperimentEntry{
		{Path: "/data/new", RunID: "r-new", Pod5Files: 7},
		{Path: "/data/known", Pod5Files: 500},
		{Path: "/data/same", Pod5Files: 10},
	}
	oracle := mapOracle{
		"/data/missing": false,
		"/data/partial": true,
	}

	p := fixedEngine(oracle).Compare(discovered, current, domain.ScanInfo{JobID: "scan-9"})

	if p.ID != "prop-1" || p.ApprovalStatus != domain.StatusPending {
		t.Fatalf("proposal header wrong: %+v", p)
	}
	if p.Scan.JobID != "scan-9" {
		t.Fatalf("scan info lost")
	}
	if len(p.Changes.New) != 1 || p.Changes.New[0].Path != "/data/new" {
		t.Fatalf("new partition wrong: %+v", p.Changes.New)
	}
	if len(p.Changes.Updated) != 1 || p.Changes.Updated[0].Path != "/data/known" {
		t.Fatalf("updated partition wrong: %+v", p.Changes.Updated)
	}
	if len(p.Changes.Updated[0].Changes) != 1 {
		t.Fatalf("expected one change, got %+v", p.Changes.Updated[0].Changes)
	}
	ch := p.Changes.Updated[0].Changes[0]
	if ch.Field != "pod5_files" || ch.OldValue != 400 || ch.NewValue != 500 {
		t.Fatalf("change wrong: %+v", ch)
	}
	if len(p.Changes.Removed) != 1 || p.Changes.Removed[0].Path != "/data/missing" {
		t.Fatalf("removed partition wrong: %+v", p.Changes.Removed)
	}
	if len(p.Changes.Unknown) != 1 || p.Changes.Unknown[0].Path != "/data/offline" {
		t.Fatalf("unknown partition wrong: %+v", p.Changes.Unknown)
	}
	// /data/same matched, /data/partial still on disk despite a partial scan.
	if p.UnchangedCount != 2 {
		t.Fatalf("unchanged count = %d, want 2", p.UnchangedCount)
	}
	want := domain.ProposalSummary{New: 1, Updated: 1, Removed: 1, Unchanged: 2, Unknown: 1}
	if p.Summary != want {
		t.Fatalf("summary = %+v, want %+v", p.Summary, want)
	}
}

func TestCompareEmptyScanAgainstEmptyStore(t *testing.T) {
	p := fixedEngine(mapOracle{}).Compare(nil, map[string]domain.ExperimentRecord{}, domain.ScanInfo{})
	if p.Summary != (domain.ProposalSummary{}) {
		t.Fatalf("empty inputs should yield empty summary: %+v", p.Summary)
	}
	if p.ApprovalStatus != domain.StatusPending {
		t.Fatalf("fresh proposal must be pending")
	}
}

func TestCompareDeduplicatesDiscoveredPaths(t *testing.T) {
	discovered := []domain.ExperimentEntry{
		{Path: "/data/run1", Pod5Files: 1},
		{Path: "/data/run1", Pod5Files: 99},
		{Path: ""},
	}
	p := fixedEngine(mapOracle{}).Compare(discovered, map[string]domain.ExperimentRecord{}, domain.ScanInfo{})
	if len(p.Changes.New) != 1 {
		t.Fatalf("duplicate and empty paths should collapse, got %d new", len(p.Changes.New))
	}
	if p.Changes.New[0].Pod5Files != 1 {
		t.Fatalf("first sighting wins, got %+v", p.Changes.New[0])
	}
}

func TestCompareOnlyDiffsComparableFields(t *testing.T) {
	current := map[string]domain.ExperimentRecord{
		"/data/run1": {RunID: "r1", TotalReads: 100, Pod5Files: 5, AllPaths: []string{"/data/run1"}},
	}
	// Entry lacks read totals; only the file-count fields are compared, so no
	// change should be reported when those match.
	discovered := []domain.ExperimentEntry{{Path: "/data/run1", Pod5Files: 5}}
	p := fixedEngine(mapOracle{}).Compare(discovered, current, domain.ScanInfo{})
	if len(p.Changes.Updated) != 0 || p.UnchangedCount != 1 {
		t.Fatalf("no comparable field changed: %+v", p.Summary)
	}
}

func TestRemovalNeedsOracleConfirmation(t *testing.T) {
	current := map[string]domain.ExperimentRecord{
		"/data/run1": storedRecord("r1", "/data/run1", 1),
	}
	// Oracle says the path is still there: a partial scan, not a removal.
	p := fixedEngine(mapOracle{"/data/run1": true}).Compare(nil, current, domain.ScanInfo{})
	if len(p.Changes.Removed) != 0 {
		t.Fatalf("existing path must not be proposed for removal")
	}
	if p.UnchangedCount != 1 {
		t.Fatalf("still-present path counts as unchanged")
	}
}
