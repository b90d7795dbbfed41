// Package reconcile compares discovery snapshots against the registry and
// manages the resulting change proposals through their approval lifecycle.
package reconcile

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"runregistry/pkg/domain"
)

// PathOracle answers whether a filesystem path still exists. Reconciliation
// only declares a record removed when the oracle confirms absence; mere
// absence from a scan is tolerated (scans may be partial).
type PathOracle interface {
	Exists(path string) (bool, error)
}

// OSPathOracle checks the local filesystem.
type OSPathOracle struct{}

// Exists reports whether path is present on disk. Errors other than
// not-exist (offline mount, permission denied) are returned so the caller
// can classify the outcome as unknown rather than removed.
func (OSPathOracle) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// compareFields is the fixed field set diffed between a discovered entry and
// the stored record for the same path.
var compareFields = []string{"pod5_files", "fast5_files", "fastq_files", "bam_files"}

// Engine produces change proposals. Compare is a pure function of its inputs
// plus the existence oracle consulted for the removal branch.
type Engine struct {
	oracle PathOracle
	nowFn  func() time.Time
	newID  func() string
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithNowFunc overrides the clock. Intended for tests.
func WithNowFunc(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.nowFn = fn
		}
	}
}

// WithIDFunc overrides proposal ID generation. Intended for tests.
func WithIDFunc(fn func() string) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// NewEngine constructs an engine using the given existence oracle. A nil
// oracle defaults to the local filesystem.
func NewEngine(oracle PathOracle, opts ...EngineOption) *Engine {
	if oracle == nil {
		oracle = OSPathOracle{}
	}
	e := &Engine{
		oracle: oracle,
		nowFn:  func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Compare partitions the union of discovered and stored paths into
// new / updated / removed / unchanged, plus unknown for paths whose
// existence could not be determined. The returned proposal is always
// pending.
func (e *Engine) Compare(discovered []domain.ExperimentEntry, current map[string]domain.ExperimentRecord, scan domain.ScanInfo) domain.Proposal {
	p := domain.Proposal{
		Version:        1,
		ID:             e.newID(),
		GeneratedAt:    e.nowFn(),
		Scan:           scan,
		ApprovalStatus: domain.StatusPending,
	}

	seen := make(map[string]struct{}, len(discovered))
	for _, entry := range discovered {
		if entry.Path == "" {
			continue
		}
		if _, dup := seen[entry.Path]; dup {
			continue
		}
		seen[entry.Path] = struct{}{}

		record, ok := current[entry.Path]
		if !ok {
			p.Changes.New = append(p.Changes.New, entry)
			continue
		}
		changes := detectChanges(entry, record)
		if len(changes) == 0 {
			p.UnchangedCount++
			continue
		}
		entry.Changes = changes
		p.Changes.Updated = append(p.Changes.Updated, entry)
	}

	// Stored paths the scan did not report: removed only when the oracle
	// confirms absence.
	missing := make([]string, 0)
	for path := range current {
		if _, ok := seen[path]; !ok {
			missing = append(missing, path)
		}
	}
	sort.Strings(missing)
	for _, path := range missing {
		exists, err := e.oracle.Exists(path)
		switch {
		case err != nil:
			p.Changes.Unknown = append(p.Changes.Unknown, domain.ExperimentEntry{
				Path:          path,
				RemovalReason: fmt.Sprintf("existence check failed: %v", err),
			})
		case exists:
			// Still on disk; the scan was partial. Not a removal.
			p.UnchangedCount++
		default:
			p.Changes.Removed = append(p.Changes.Removed, domain.ExperimentEntry{
				Path:          path,
				RemovalReason: "path no longer exists on disk",
			})
		}
	}

	p.Summary = domain.ProposalSummary{
		New:       len(p.Changes.New),
		Updated:   len(p.Changes.Updated),
		Removed:   len(p.Changes.Removed),
		Unchanged: p.UnchangedCount,
		Unknown:   len(p.Changes.Unknown),
	}
	return p
}

func detectChanges(entry domain.ExperimentEntry, record domain.ExperimentRecord) []domain.ExperimentChange {
	var changes []domain.ExperimentChange
	for _, field := range compareFields {
		oldVal := recordCount(record, field)
		newVal := entryCount(entry, field)
		if oldVal != newVal {
			changes = append(changes, domain.ExperimentChange{
				Field:    field,
				OldValue: oldVal,
				NewValue: newVal,
			})
		}
	}
	return changes
}

func recordCount(r domain.ExperimentRecord, field string) int {
	switch field {
	case "pod5_files":
		return r.Pod5Files
	case "fast5_files":
		return r.Fast5Files
	case "fastq_files":
		return r.FastqFiles
	case "bam_files":
		return r.BamFiles
	}
	return 0
}

func entryCount(e domain.ExperimentEntry, field string) int {
	switch field {
	case "pod5_files":
		return e.Pod5Files
	case "fast5_files":
		return e.Fast5Files
	case "fastq_files":
		return e.FastqFiles
	case "bam_files":
		return e.BamFiles
	}
	return 0
}
