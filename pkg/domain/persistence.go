package domain

import "context"

// AddOutcome reports the result of a RecordStore.Add call. A duplicate run_id
// or fingerprint under force=false is not an error: the discovered paths are
// merged onto the existing record and Added stays false.
type AddOutcome struct {
	// Added is true only when a brand-new record was inserted.
	Added bool `json:"added"`
	// RunID identifies the record that now owns the data: the inserted record
	// or the existing record paths were merged into.
	RunID string `json:"run_id"`
	// MergedPaths counts paths folded into an existing record.
	MergedPaths int `json:"merged_paths,omitempty"`
	// Message is a human-readable description of the outcome.
	Message string `json:"message"`
}

// PersistentStore is the abstraction over durable registry backends. Every
// mutating call persists the full registry document before returning; a
// persistence failure propagates to the caller with the in-memory state left
// as-is.
type PersistentStore interface {
	// Add inserts a record, or merges its paths onto an existing duplicate
	// (same run_id, or same identity fingerprint under a different run_id)
	// when force is false. force=true bypasses both duplicate checks.
	Add(ctx context.Context, record ExperimentRecord, force bool) (AddOutcome, error)
	// ApplyChanges mutates the named record field by field.
	ApplyChanges(ctx context.Context, runID string, changes []ExperimentChange) (ExperimentRecord, error)
	// Archive flags a record whose paths disappeared from disk. The record
	// stays in the store; deletion is irreversible and deliberately avoided.
	Archive(ctx context.Context, runID, reason string) (ExperimentRecord, error)

	Get(runID string) (ExperimentRecord, bool)
	Exists(runID string) bool
	// ExistsByFingerprint returns the run_id owning the record's identity
	// fingerprint, if any.
	ExistsByFingerprint(record ExperimentRecord) (string, bool)
	// FindByPath resolves a record through the path index.
	FindByPath(path string) (ExperimentRecord, bool)
	// RecordsByPath projects the store as a path-keyed map, the shape the
	// reconciliation engine compares discovery snapshots against.
	RecordsByPath() map[string]ExperimentRecord
	// Search returns records matching every given field exactly. Linear scan;
	// intended for small stores.
	Search(fields map[string]string) []ExperimentRecord
	// MergeCandidates returns all records sharing a flowcell, sorted by
	// (date, time) ascending.
	MergeCandidates(flowcell string) []ExperimentRecord
	List() []ExperimentRecord
	Stats() Stats

	// Export snapshots the store as a registry document. Import replaces the
	// store contents; indexes are rebuilt from the records, never trusted
	// from the document's index block.
	Export() Document
	Import(doc Document)
}
