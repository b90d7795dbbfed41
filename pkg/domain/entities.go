// Package domain defines the core persistent entities, value types, and
// merge-selection primitives used by runregistry.
package domain

import (
	"encoding/json"
	"time"
)

// ApprovalStatus tracks the lifecycle of a reconciliation proposal.
type ApprovalStatus string

// Canonical proposal lifecycle states. A proposal starts pending, moves to
// approved or rejected, and once applied becomes immutable history.
const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
	StatusApplied  ApprovalStatus = "applied"
)

// Action indicates the type of store mutation captured in the audit trail.
type Action string

// Audit actions recorded against the registry.
const (
	// ActionAdd indicates a record was inserted directly.
	ActionAdd Action = "add"
	// ActionMerge indicates discovered paths were folded into an existing record.
	ActionMerge Action = "merge"
	// ActionApply indicates a mutation performed while applying a proposal.
	ActionApply Action = "apply"
	// ActionArchive indicates a record was flagged as removed from disk.
	ActionArchive Action = "archive"
)

// ExperimentRecord describes one physical sequencing run as currently known
// to the registry. RunID is the primary key; the five identity fields
// (Flowcell, Device, ExperimentName, Date, Time) jointly feed the fingerprint.
type ExperimentRecord struct {
	RunID          string   `json:"run_id"`
	Flowcell       string   `json:"flowcell"`
	Device         string   `json:"device"`
	ExperimentName string   `json:"experiment_name"`
	Date           string   `json:"date"`
	Time           string   `json:"time"`
	TotalReads     int64    `json:"total_reads"`
	TotalBases     int64    `json:"total_bases"`
	Pod5Files      int      `json:"pod5_files"`
	Fast5Files     int      `json:"fast5_files"`
	FastqFiles     int      `json:"fastq_files"`
	BamFiles       int      `json:"bam_files"`
	HasPod5        bool     `json:"has_pod5"`
	HasSummary     bool     `json:"has_summary"`
	IsCanonical    bool     `json:"is_canonical"`
	NumMerged      int      `json:"num_merged"`
	AllPaths       []string `json:"all_paths"`

	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// ArchivedAt and RemovalReason are stamped when a reconciliation confirms
	// the run's paths vanished from disk. Archival replaces hard deletion.
	ArchivedAt    *time.Time `json:"archived_at,omitempty"`
	RemovalReason *string    `json:"removal_reason,omitempty"`

	// extra retains document fields produced by external enrichment tools so
	// they survive read-modify-write cycles.
	extra map[string]json.RawMessage
}

// DateTime returns the "date time" composite used for recency ordering.
func (r ExperimentRecord) DateTime() string {
	return r.Date + " " + r.Time
}

// HasPath reports whether the record already owns the given filesystem path.
func (r ExperimentRecord) HasPath(path string) bool {
	for _, p := range r.AllPaths {
		if p == path {
			return true
		}
	}
	return false
}

// Extra returns a copy of the unknown-field side channel.
func (r ExperimentRecord) Extra() map[string]json.RawMessage {
	if r.extra == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(r.extra))
	for k, v := range r.extra {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// SetExtra replaces the unknown-field side channel.
func (r *ExperimentRecord) SetExtra(extra map[string]json.RawMessage) {
	if len(extra) == 0 {
		r.extra = nil
		return
	}
	cp := make(map[string]json.RawMessage, len(extra))
	for k, v := range extra {
		cp[k] = append(json.RawMessage(nil), v...)
	}
	r.extra = cp
}

type recordAlias ExperimentRecord

// recordKnownFields lists every JSON key the struct itself serializes;
// anything else read from a document is routed into the extra side channel.
var recordKnownFields = map[string]struct{}{
	"run_id": {}, "flowcell": {}, "device": {}, "experiment_name": {},
	"date": {}, "time": {}, "total_reads": {}, "total_bases": {},
	"pod5_files": {}, "fast5_files": {}, "fastq_files": {}, "bam_files": {},
	"has_pod5": {}, "has_summary": {}, "is_canonical": {}, "num_merged": {},
	"all_paths": {}, "registered_at": {}, "updated_at": {},
	"archived_at": {}, "removal_reason": {},
}

// MarshalJSON emits the known fields and re-attaches any preserved unknown
// fields so external producers' metadata round-trips intact.
func (r ExperimentRecord) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(recordAlias(r))
	if err != nil {
		return nil, err
	}
	if len(r.extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.extra {
		if _, known := recordKnownFields[k]; known {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON hydrates the known fields and captures unknown keys.
func (r *ExperimentRecord) UnmarshalJSON(data []byte) error {
	var alias recordAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if _, known := recordKnownFields[k]; known {
			delete(raw, k)
		}
	}
	*r = ExperimentRecord(alias)
	if len(raw) > 0 {
		r.extra = raw
	}
	return nil
}

// ExperimentChange describes one detected difference between a discovered
// entry and the corresponding stored record.
type ExperimentChange struct {
	Field    string `json:"field" yaml:"field"`
	OldValue any    `json:"old_value" yaml:"old_value"`
	NewValue any    `json:"new_value" yaml:"new_value"`
}

// ExperimentEntry is the discovery-side view of a run: the subset of record
// fields a filesystem scan can observe directly. Identity hints and counts
// are optional; absent fields stay zero-valued.
type ExperimentEntry struct {
	Path       string `json:"path" yaml:"path"`
	RunID      string `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	SampleID   string `json:"sample_id,omitempty" yaml:"sample_id,omitempty"`
	FlowcellID string `json:"flowcell_id,omitempty" yaml:"flowcell_id,omitempty"`
	Instrument string `json:"instrument,omitempty" yaml:"instrument,omitempty"`
	RunDate    string `json:"run_date,omitempty" yaml:"run_date,omitempty"`
	RunTime    string `json:"run_time,omitempty" yaml:"run_time,omitempty"`
	Pod5Files  int    `json:"pod5_files" yaml:"pod5_files"`
	Fast5Files int    `json:"fast5_files" yaml:"fast5_files"`
	FastqFiles int    `json:"fastq_files" yaml:"fastq_files"`
	BamFiles   int    `json:"bam_files" yaml:"bam_files"`

	// Changes is populated when the entry corresponds to an existing record
	// whose compared fields differ.
	Changes []ExperimentChange `json:"changes,omitempty" yaml:"changes,omitempty"`
	// RemovalReason is populated when the entry represents a record whose
	// paths disappeared from disk.
	RemovalReason string `json:"removal_reason,omitempty" yaml:"removal_reason,omitempty"`
}

// ScanInfo carries provenance for the discovery scan that produced a proposal.
type ScanInfo struct {
	JobID        string        `json:"job_id" yaml:"job_id"`
	Duration     time.Duration `json:"duration" yaml:"duration"`
	ScannedPaths []string      `json:"scanned_paths" yaml:"scanned_paths"`
}

// ProposalSummary holds the partition counts of a reconciliation result.
type ProposalSummary struct {
	New       int `json:"new" yaml:"new"`
	Updated   int `json:"updated" yaml:"updated"`
	Removed   int `json:"removed" yaml:"removed"`
	Unchanged int `json:"unchanged" yaml:"unchanged"`
	Unknown   int `json:"unknown,omitempty" yaml:"unknown,omitempty"`
}

// ProposalChanges partitions the entries a reconciliation produced. Unknown
// holds entries whose removal could not be confirmed because the existence
// check failed (offline mount, permission error); they are never promoted to
// Removed.
type ProposalChanges struct {
	New     []ExperimentEntry `json:"new" yaml:"new"`
	Updated []ExperimentEntry `json:"updated" yaml:"updated"`
	Removed []ExperimentEntry `json:"removed" yaml:"removed"`
	Unknown []ExperimentEntry `json:"unknown,omitempty" yaml:"unknown,omitempty"`
}

// Proposal is the unit of reconciliation: a persisted, approvable bundle of
// categorized changes produced by comparing a discovery snapshot against the
// registry.
type Proposal struct {
	Version     int       `json:"version" yaml:"version"`
	ID          string    `json:"id" yaml:"id"`
	GeneratedAt time.Time `json:"generated_at" yaml:"generated_at"`
	Scan        ScanInfo  `json:"scan" yaml:"scan"`

	Summary ProposalSummary `json:"summary" yaml:"summary"`

	Changes        ProposalChanges `json:"changes" yaml:"changes"`
	UnchangedCount int             `json:"unchanged_count" yaml:"unchanged_count"`

	ApprovalStatus ApprovalStatus `json:"approval_status" yaml:"approval_status"`
	ApprovedAt     *time.Time     `json:"approved_at,omitempty" yaml:"approved_at,omitempty"`
	ApprovedBy     string         `json:"approved_by,omitempty" yaml:"approved_by,omitempty"`
	RejectedAt     *time.Time     `json:"rejected_at,omitempty" yaml:"rejected_at,omitempty"`
	RejectedBy     string         `json:"rejected_by,omitempty" yaml:"rejected_by,omitempty"`
	AppliedAt      *time.Time     `json:"applied_at,omitempty" yaml:"applied_at,omitempty"`
}

// Applied reports whether the proposal has already been applied to a store.
func (p Proposal) Applied() bool { return p.AppliedAt != nil }

// AuditEntry records one mutation applied to the registry.
type AuditEntry struct {
	Timestamp time.Time          `json:"timestamp"`
	Action    Action             `json:"action"`
	RecordID  string             `json:"record_id"`
	Actor     string             `json:"actor,omitempty"`
	Changes   []ExperimentChange `json:"changes,omitempty"`
}

// Stats summarizes the registry contents. Derived on demand, never cached.
type Stats struct {
	TotalRecords            int `json:"total_records"`
	UniqueFlowcells         int `json:"unique_flowcells"`
	UniqueDevices           int `json:"unique_devices"`
	MergeCandidateFlowcells int `json:"merge_candidate_flowcells"`
	CanonicalRecords        int `json:"canonical_records"`
	ArchivedRecords         int `json:"archived_records"`
	TotalPaths              int `json:"total_paths"`
}

// DocumentIndexes is the informational index snapshot written into the
// registry document. It is never trusted on reload; indexes are rebuilt by
// replaying every record.
type DocumentIndexes struct {
	ByFlowcell    map[string][]string `json:"by_flowcell"`
	ByDevice      map[string][]string `json:"by_device"`
	ByExperiment  map[string][]string `json:"by_experiment"`
	ByFingerprint map[string]string   `json:"by_fingerprint"`
}

// Document is the persisted registry: the single JSON-compatible artifact
// every storage driver reads and writes whole.
type Document struct {
	Version     int                         `json:"version"`
	Updated     time.Time                   `json:"updated"`
	Stats       Stats                       `json:"stats"`
	Indexes     DocumentIndexes             `json:"indexes"`
	Experiments map[string]ExperimentRecord `json:"experiments"`

	extra map[string]json.RawMessage
}

// DocumentVersion is the current registry document schema version.
const DocumentVersion = 2

type documentAlias Document

var documentKnownFields = map[string]struct{}{
	"version": {}, "updated": {}, "stats": {}, "indexes": {}, "experiments": {},
}

// Extra returns a copy of the unknown top-level document fields.
func (d Document) Extra() map[string]json.RawMessage {
	if d.extra == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(d.extra))
	for k, v := range d.extra {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// SetExtra replaces the unknown top-level document fields.
func (d *Document) SetExtra(extra map[string]json.RawMessage) {
	if len(extra) == 0 {
		d.extra = nil
		return
	}
	cp := make(map[string]json.RawMessage, len(extra))
	for k, v := range extra {
		cp[k] = append(json.RawMessage(nil), v...)
	}
	d.extra = cp
}

// MarshalJSON emits the document with preserved unknown top-level fields.
func (d Document) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(documentAlias(d))
	if err != nil {
		return nil, err
	}
	if len(d.extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range d.extra {
		if _, known := documentKnownFields[k]; known {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON hydrates the document and captures unknown top-level keys.
func (d *Document) UnmarshalJSON(data []byte) error {
	var alias documentAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if _, known := documentKnownFields[k]; known {
			delete(raw, k)
		}
	}
	*d = Document(alias)
	if len(raw) > 0 {
		d.extra = raw
	}
	return nil
}
