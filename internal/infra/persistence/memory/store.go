// Package memory implements the canonical in-memory experiment record store:
// primary map keyed by run_id plus rebuildable secondary indexes, the
// deduplicating Add operation, merge-candidate lookup, and document
// import/export. Durable drivers embed this store and snapshot its exported
// document. It lives under infra to keep domain dependencies one-way.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"runregistry/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

// Store is the in-memory registry engine. Persistence drivers embed it and
// snapshot the exported document after each successful mutation.
type Store struct {
	mu      sync.RWMutex
	records map[string]domain.ExperimentRecord

	// Secondary indexes are pure projections over records: always rebuilt on
	// import, never trusted from a persisted document.
	byFlowcell    map[string][]string
	byDevice      map[string][]string
	byExperiment  map[string][]string
	byFingerprint map[string]string
	byPath        map[string]string

	// docExtra preserves unknown top-level document fields across
	// read-modify-write cycles.
	docExtra map[string]json.RawMessage

	nowFn func() time.Time
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	s := &Store{nowFn: func() time.Time { return time.Now().UTC() }}
	s.reset()
	return s
}

// NowFunc exposes the clock for tests.
func (s *Store) NowFunc() func() time.Time { return s.nowFn }

// SetNowFunc overrides the clock. Intended for tests.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		s.nowFn = fn
	}
}

func (s *Store) reset() {
	s.records = make(map[string]domain.ExperimentRecord)
	s.byFlowcell = make(map[string][]string)
	s.byDevice = make(map[string][]string)
	s.byExperiment = make(map[string][]string)
	s.byFingerprint = make(map[string]string)
	s.byPath = make(map[string]string)
}

func cloneRecord(r domain.ExperimentRecord) domain.ExperimentRecord {
	cp := r
	cp.AllPaths = append([]string(nil), r.AllPaths...)
	if r.ArchivedAt != nil {
		t := *r.ArchivedAt
		cp.ArchivedAt = &t
	}
	if r.RemovalReason != nil {
		reason := *r.RemovalReason
		cp.RemovalReason = &reason
	}
	cp.SetExtra(r.Extra())
	return cp
}

// Add implements the deduplicating insert described by the registry contract.
func (s *Store) Add(_ context.Context, record domain.ExperimentRecord, force bool) (domain.AddOutcome, error) {
	if strings.TrimSpace(record.RunID) == "" {
		path := ""
		if len(record.AllPaths) > 0 {
			path = record.AllPaths[0]
		}
		return domain.AddOutcome{}, domain.ErrMissingRunID{Path: path}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !force {
		if existing, ok := s.records[record.RunID]; ok {
			merged := s.mergePathsLocked(existing.RunID, record.AllPaths)
			return domain.AddOutcome{
				RunID:       existing.RunID,
				MergedPaths: merged,
				Message:     fmt.Sprintf("run %s already registered; merged %d new path(s)", existing.RunID, merged),
			}, nil
		}
		if owner, ok := s.byFingerprint[domain.Fingerprint(record)]; ok && owner != record.RunID {
			merged := s.mergePathsLocked(owner, record.AllPaths)
			return domain.AddOutcome{
				RunID:       owner,
				MergedPaths: merged,
				Message: fmt.Sprintf("run %s duplicates %s by identity fingerprint; merged %d path(s)",
					record.RunID, owner, merged),
			}, nil
		}
	}

	now := s.nowFn()
	if prev, ok := s.records[record.RunID]; ok {
		// force overwrite of the same run_id keeps the original registration
		// timestamp for provenance.
		record.RegisteredAt = prev.RegisteredAt
		s.deindexLocked(prev)
	} else {
		record.RegisteredAt = now
	}
	record.UpdatedAt = now
	if record.NumMerged == 0 {
		record.NumMerged = 1
	}
	if record.AllPaths == nil {
		record.AllPaths = []string{}
	}

	s.records[record.RunID] = cloneRecord(record)
	s.indexLocked(record)
	return domain.AddOutcome{
		Added:   true,
		RunID:   record.RunID,
		Message: fmt.Sprintf("registered run %s", record.RunID),
	}, nil
}

// mergePathsLocked appends the unseen paths to the record's all_paths list.
// Paths are appended, never dropped.
func (s *Store) mergePathsLocked(runID string, paths []string) int {
	rec := s.records[runID]
	merged := 0
	for _, p := range paths {
		if p == "" || rec.HasPath(p) {
			continue
		}
		rec.AllPaths = append(rec.AllPaths, p)
		s.byPath[p] = runID
		merged++
	}
	if merged > 0 {
		rec.UpdatedAt = s.nowFn()
		s.records[runID] = rec
	}
	return merged
}

func (s *Store) indexLocked(r domain.ExperimentRecord) {
	s.byFlowcell[r.Flowcell] = appendUnique(s.byFlowcell[r.Flowcell], r.RunID)
	s.byDevice[r.Device] = appendUnique(s.byDevice[r.Device], r.RunID)
	s.byExperiment[r.ExperimentName] = appendUnique(s.byExperiment[r.ExperimentName], r.RunID)
	s.byFingerprint[domain.Fingerprint(r)] = r.RunID
	for _, p := range r.AllPaths {
		if p != "" {
			s.byPath[p] = r.RunID
		}
	}
}

func (s *Store) deindexLocked(r domain.ExperimentRecord) {
	s.byFlowcell[r.Flowcell] = removeString(s.byFlowcell[r.Flowcell], r.RunID)
	s.byDevice[r.Device] = removeString(s.byDevice[r.Device], r.RunID)
	s.byExperiment[r.ExperimentName] = removeString(s.byExperiment[r.ExperimentName], r.RunID)
	fp := domain.Fingerprint(r)
	if s.byFingerprint[fp] == r.RunID {
		delete(s.byFingerprint, fp)
	}
	for _, p := range r.AllPaths {
		if s.byPath[p] == r.RunID {
			delete(s.byPath, p)
		}
	}
}

func appendUnique(values []string, v string) []string {
	for _, existing := range values {
		if existing == v {
			return values
		}
	}
	return append(values, v)
}

func removeString(values []string, v string) []string {
	out := values[:0]
	for _, existing := range values {
		if existing != v {
			out = append(out, existing)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ApplyChanges mutates the named record field by field and reindexes when an
// identity field moved.
func (s *Store) ApplyChanges(_ context.Context, runID string, changes []domain.ExperimentChange) (domain.ExperimentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[runID]
	if !ok {
		return domain.ExperimentRecord{}, domain.ErrNotFound{Kind: "record", ID: runID}
	}
	before := rec
	for _, change := range changes {
		if err := applyChange(&rec, change); err != nil {
			return domain.ExperimentRecord{}, fmt.Errorf("record %s: %w", runID, err)
		}
	}
	rec.UpdatedAt = s.nowFn()
	s.deindexLocked(before)
	s.records[runID] = cloneRecord(rec)
	s.indexLocked(rec)
	return cloneRecord(rec), nil
}

func applyChange(rec *domain.ExperimentRecord, change domain.ExperimentChange) error {
	switch change.Field {
	case "flowcell":
		rec.Flowcell = asString(change.NewValue)
	case "device":
		rec.Device = asString(change.NewValue)
	case "experiment_name":
		rec.ExperimentName = asString(change.NewValue)
	case "date":
		rec.Date = asString(change.NewValue)
	case "time":
		rec.Time = asString(change.NewValue)
	case "total_reads":
		rec.TotalReads = asInt64(change.NewValue)
	case "total_bases":
		rec.TotalBases = asInt64(change.NewValue)
	case "pod5_files":
		rec.Pod5Files = int(asInt64(change.NewValue))
	case "fast5_files":
		rec.Fast5Files = int(asInt64(change.NewValue))
	case "fastq_files":
		rec.FastqFiles = int(asInt64(change.NewValue))
	case "bam_files":
		rec.BamFiles = int(asInt64(change.NewValue))
	case "has_pod5":
		rec.HasPod5 = asBool(change.NewValue)
	case "has_summary":
		rec.HasSummary = asBool(change.NewValue)
	case "is_canonical":
		rec.IsCanonical = asBool(change.NewValue)
	case "num_merged":
		rec.NumMerged = int(asInt64(change.NewValue))
	default:
		return fmt.Errorf("unsupported change field %q", change.Field)
	}
	return nil
}

// Change values arrive through JSON and YAML round trips, so numerics may be
// int, int64, or float64 and booleans may be strings.
func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int64:
		return t
	case float64:
		return int64(t)
	case json.Number:
		n, _ := t.Int64()
		return n
	case string:
		var n int64
		_, _ = fmt.Sscanf(t, "%d", &n)
		return n
	default:
		return 0
	}
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1"
	case int:
		return t != 0
	case float64:
		return t != 0
	default:
		return false
	}
}

// Archive flags a record as removed from disk without deleting it.
func (s *Store) Archive(_ context.Context, runID, reason string) (domain.ExperimentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[runID]
	if !ok {
		return domain.ExperimentRecord{}, domain.ErrNotFound{Kind: "record", ID: runID}
	}
	now := s.nowFn()
	rec.ArchivedAt = &now
	rec.RemovalReason = &reason
	rec.UpdatedAt = now
	s.records[runID] = cloneRecord(rec)
	return cloneRecord(rec), nil
}

// Get returns the record for runID from committed state.
func (s *Store) Get(runID string) (domain.ExperimentRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[runID]
	if !ok {
		return domain.ExperimentRecord{}, false
	}
	return cloneRecord(rec), true
}

// Exists reports whether runID is registered.
func (s *Store) Exists(runID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[runID]
	return ok
}

// ExistsByFingerprint returns the run_id owning the record's identity
// fingerprint.
func (s *Store) ExistsByFingerprint(record domain.ExperimentRecord) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.byFingerprint[domain.Fingerprint(record)]
	return owner, ok
}

// FindByPath resolves a record through the path index.
func (s *Store) FindByPath(path string) (domain.ExperimentRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runID, ok := s.byPath[path]
	if !ok {
		return domain.ExperimentRecord{}, false
	}
	return cloneRecord(s.records[runID]), true
}

// RecordsByPath projects the store as a path-keyed map. Records owning
// several paths appear once per path.
func (s *Store) RecordsByPath() map[string]domain.ExperimentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.ExperimentRecord, len(s.byPath))
	for path, runID := range s.byPath {
		out[path] = cloneRecord(s.records[runID])
	}
	return out
}

// Search returns records whose fields all match the given values exactly.
// Linear scan; the registry is small by design.
func (s *Store) Search(fields map[string]string) []domain.ExperimentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ExperimentRecord
	for _, rec := range s.records {
		if matchesFields(rec, fields) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out
}

func matchesFields(rec domain.ExperimentRecord, fields map[string]string) bool {
	for field, want := range fields {
		var got string
		switch field {
		case "run_id":
			got = rec.RunID
		case "flowcell":
			got = rec.Flowcell
		case "device":
			got = rec.Device
		case "experiment_name":
			got = rec.ExperimentName
		case "date":
			got = rec.Date
		case "time":
			got = rec.Time
		default:
			return false
		}
		if got != want {
			return false
		}
	}
	return true
}

// MergeCandidates returns all records sharing the flowcell, sorted by
// (date, time) ascending. The result feeds merge selection.
func (s *Store) MergeCandidates(flowcell string) []domain.ExperimentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byFlowcell[flowcell]
	out := make([]domain.ExperimentRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneRecord(s.records[id]))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DateTime() < out[j].DateTime()
	})
	return out
}

// List returns every record sorted by run_id.
func (s *Store) List() []domain.ExperimentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ExperimentRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out
}

// Stats derives summary counts from the current records.
func (s *Store) Stats() domain.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statsLocked()
}

func (s *Store) statsLocked() domain.Stats {
	stats := domain.Stats{TotalRecords: len(s.records)}
	for _, ids := range s.byFlowcell {
		if len(ids) > 0 {
			stats.UniqueFlowcells++
		}
		if len(ids) > 1 {
			stats.MergeCandidateFlowcells++
		}
	}
	for _, ids := range s.byDevice {
		if len(ids) > 0 {
			stats.UniqueDevices++
		}
	}
	for _, rec := range s.records {
		if rec.IsCanonical {
			stats.CanonicalRecords++
		}
		if rec.ArchivedAt != nil {
			stats.ArchivedRecords++
		}
		stats.TotalPaths += len(rec.AllPaths)
	}
	return stats
}

// Export snapshots the store as a registry document. The index block is a
// debugging convenience; importers rebuild indexes from the records.
func (s *Store) Export() domain.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	experiments := make(map[string]domain.ExperimentRecord, len(s.records))
	for id, rec := range s.records {
		experiments[id] = cloneRecord(rec)
	}
	doc := domain.Document{
		Version:     domain.DocumentVersion,
		Updated:     s.nowFn(),
		Stats:       s.statsLocked(),
		Indexes:     s.indexSnapshotLocked(),
		Experiments: experiments,
	}
	doc.SetExtra(s.docExtra)
	return doc
}

func (s *Store) indexSnapshotLocked() domain.DocumentIndexes {
	idx := domain.DocumentIndexes{
		ByFlowcell:    make(map[string][]string, len(s.byFlowcell)),
		ByDevice:      make(map[string][]string, len(s.byDevice)),
		ByExperiment:  make(map[string][]string, len(s.byExperiment)),
		ByFingerprint: make(map[string]string, len(s.byFingerprint)),
	}
	for k, v := range s.byFlowcell {
		idx.ByFlowcell[k] = sortedCopy(v)
	}
	for k, v := range s.byDevice {
		idx.ByDevice[k] = sortedCopy(v)
	}
	for k, v := range s.byExperiment {
		idx.ByExperiment[k] = sortedCopy(v)
	}
	for k, v := range s.byFingerprint {
		idx.ByFingerprint[k] = v
	}
	return idx
}

func sortedCopy(values []string) []string {
	out := append([]string(nil), values...)
	sort.Strings(out)
	return out
}

// Import replaces the store contents with the document's records, replaying
// every record to rebuild the indexes.
func (s *Store) Import(doc domain.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset()
	for id, rec := range doc.Experiments {
		if rec.RunID == "" {
			rec.RunID = id
		}
		s.records[rec.RunID] = cloneRecord(rec)
		s.indexLocked(rec)
	}
	s.docExtra = doc.Extra()
}
