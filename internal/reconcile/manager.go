package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"runregistry/internal/blob"
	"runregistry/pkg/domain"
)

// AuditAppender receives one entry per store mutation performed while a
// proposal is applied.
type AuditAppender interface {
	Append(entry domain.AuditEntry) error
}

// Manager persists proposals as YAML documents in a directory and drives them
// through the pending -> approved -> applied (or pending -> rejected)
// lifecycle. Applied proposals are additionally archived to the blob store
// when one is configured.
type Manager struct {
	dir     string
	store   domain.PersistentStore
	audit   AuditAppender
	archive blob.Store
	logger  *slog.Logger
	nowFn   func() time.Time
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithAuditLog attaches an audit sink.
func WithAuditLog(a AuditAppender) ManagerOption {
	return func(m *Manager) { m.audit = a }
}

// WithArchiveStore attaches an archive store for applied proposals.
func WithArchiveStore(s blob.Store) ManagerOption {
	return func(m *Manager) { m.archive = s }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithManagerNowFunc overrides the clock. Intended for tests.
func WithManagerNowFunc(fn func() time.Time) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.nowFn = fn
		}
	}
}

// NewManager creates a proposal manager rooted at dir (default "proposals"),
// creating the directory if needed.
func NewManager(dir string, store domain.PersistentStore, opts ...ManagerOption) (*Manager, error) {
	if dir == "" {
		dir = "proposals"
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create proposal dir: %w", err)
	}
	m := &Manager{
		dir:    dir,
		store:  store,
		logger: slog.Default(),
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) pathFor(id string) string {
	return filepath.Join(m.dir, "proposal-"+id+".yaml")
}

// Save writes the proposal document atomically.
func (m *Manager) Save(p domain.Proposal) error {
	if p.ID == "" {
		return fmt.Errorf("proposal has no id")
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode proposal %s: %w", p.ID, err)
	}
	tmp, err := os.CreateTemp(m.dir, ".proposal-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp proposal: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write proposal %s: %w", p.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close proposal %s: %w", p.ID, err)
	}
	if err := os.Rename(tmpName, m.pathFor(p.ID)); err != nil {
		return fmt.Errorf("replace proposal %s: %w", p.ID, err)
	}
	return nil
}

// Load reads one proposal by ID.
func (m *Manager) Load(id string) (domain.Proposal, error) {
	data, err := os.ReadFile(m.pathFor(id))
	if errors.Is(err, os.ErrNotExist) {
		return domain.Proposal{}, domain.ErrNotFound{Kind: "proposal", ID: id}
	}
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("read proposal %s: %w", id, err)
	}
	var p domain.Proposal
	if err := yaml.Unmarshal(data, &p); err != nil {
		return domain.Proposal{}, fmt.Errorf("decode proposal %s: %w", id, err)
	}
	return p, nil
}

// List returns every stored proposal, oldest first.
func (m *Manager) List() ([]domain.Proposal, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read proposal dir: %w", err)
	}
	var out []domain.Proposal
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "proposal-") || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, "proposal-"), ".yaml")
		p, err := m.Load(id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GeneratedAt.Before(out[j].GeneratedAt) })
	return out, nil
}

// Approve marks a pending proposal approved by actor.
func (m *Manager) Approve(id, actor string) (domain.Proposal, error) {
	p, err := m.Load(id)
	if err != nil {
		return domain.Proposal{}, err
	}
	if p.ApprovalStatus != domain.StatusPending {
		return domain.Proposal{}, domain.ErrInvalidState{ProposalID: id, State: p.ApprovalStatus, Requested: "approve"}
	}
	now := m.nowFn()
	p.ApprovalStatus = domain.StatusApproved
	p.ApprovedAt = &now
	p.ApprovedBy = actor
	if err := m.Save(p); err != nil {
		return domain.Proposal{}, err
	}
	m.logger.Info("proposal approved", "proposal", id, "actor", actor)
	return p, nil
}

// Reject marks a pending proposal rejected by actor. A rejected proposal is
// terminal; it can never be applied.
func (m *Manager) Reject(id, actor string) (domain.Proposal, error) {
	p, err := m.Load(id)
	if err != nil {
		return domain.Proposal{}, err
	}
	if p.ApprovalStatus != domain.StatusPending {
		return domain.Proposal{}, domain.ErrInvalidState{ProposalID: id, State: p.ApprovalStatus, Requested: "reject"}
	}
	now := m.nowFn()
	p.ApprovalStatus = domain.StatusRejected
	p.RejectedAt = &now
	p.RejectedBy = actor
	if err := m.Save(p); err != nil {
		return domain.Proposal{}, err
	}
	m.logger.Info("proposal rejected", "proposal", id, "actor", actor)
	return p, nil
}

// Apply executes an approved proposal against the store: new entries are
// registered, updated entries have their recorded changes applied, and
// removed entries are archived. Applying an already-applied proposal is a
// no-op. Unknown entries are never touched.
func (m *Manager) Apply(ctx context.Context, id string) (domain.Proposal, error) {
	p, err := m.Load(id)
	if err != nil {
		return domain.Proposal{}, err
	}
	if p.Applied() {
		m.logger.Info("proposal already applied", "proposal", id, "applied_at", p.AppliedAt)
		return p, nil
	}
	if p.ApprovalStatus != domain.StatusApproved {
		return domain.Proposal{}, domain.ErrInvalidState{ProposalID: id, State: p.ApprovalStatus, Requested: "apply"}
	}

	actor := p.ApprovedBy
	for _, entry := range p.Changes.New {
		outcome, err := m.store.Add(ctx, recordFromEntry(entry), false)
		if err != nil {
			return domain.Proposal{}, fmt.Errorf("apply proposal %s: add %s: %w", id, entry.Path, err)
		}
		if err := m.auditAppend(outcome.RunID, actor, nil); err != nil {
			return domain.Proposal{}, err
		}
	}
	for _, entry := range p.Changes.Updated {
		record, ok := m.store.FindByPath(entry.Path)
		if !ok {
			m.logger.Warn("updated entry no longer registered", "proposal", id, "path", entry.Path)
			continue
		}
		if _, err := m.store.ApplyChanges(ctx, record.RunID, entry.Changes); err != nil {
			return domain.Proposal{}, fmt.Errorf("apply proposal %s: update %s: %w", id, record.RunID, err)
		}
		if err := m.auditAppend(record.RunID, actor, entry.Changes); err != nil {
			return domain.Proposal{}, err
		}
	}
	for _, entry := range p.Changes.Removed {
		record, ok := m.store.FindByPath(entry.Path)
		if !ok {
			m.logger.Warn("removed entry no longer registered", "proposal", id, "path", entry.Path)
			continue
		}
		if _, err := m.store.Archive(ctx, record.RunID, entry.RemovalReason); err != nil {
			return domain.Proposal{}, fmt.Errorf("apply proposal %s: archive %s: %w", id, record.RunID, err)
		}
		if err := m.auditAppend(record.RunID, actor, nil); err != nil {
			return domain.Proposal{}, err
		}
	}

	now := m.nowFn()
	p.ApprovalStatus = domain.StatusApplied
	p.AppliedAt = &now
	if err := m.Save(p); err != nil {
		return domain.Proposal{}, err
	}
	m.archiveApplied(ctx, p)
	m.logger.Info("proposal applied",
		"proposal", id,
		"new", p.Summary.New,
		"updated", p.Summary.Updated,
		"removed", p.Summary.Removed,
	)
	return p, nil
}

func (m *Manager) auditAppend(runID, actor string, changes []domain.ExperimentChange) error {
	if m.audit == nil {
		return nil
	}
	return m.audit.Append(domain.AuditEntry{
		Action:   domain.ActionApply,
		RecordID: runID,
		Actor:    actor,
		Changes:  changes,
	})
}

// archiveApplied copies the final proposal document into the archive store.
// Failure to archive is logged but does not fail the apply; the on-disk YAML
// remains authoritative.
func (m *Manager) archiveApplied(ctx context.Context, p domain.Proposal) {
	if m.archive == nil {
		return
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		m.logger.Warn("archive proposal encode failed", "proposal", p.ID, "error", err)
		return
	}
	key := "proposals/" + p.ID + ".yaml"
	if _, err := m.archive.Put(ctx, key, strings.NewReader(string(data)), blob.PutOptions{ContentType: "application/yaml"}); err != nil {
		m.logger.Warn("archive proposal upload failed", "proposal", p.ID, "key", key, "error", err)
	}
}

// recordFromEntry builds the registry record for a newly discovered run. When
// the scan could not read a run_id from run metadata, a stable token derived
// from the path stands in so the record still has a primary key.
func recordFromEntry(entry domain.ExperimentEntry) domain.ExperimentRecord {
	runID := entry.RunID
	if runID == "" {
		runID = deriveRunID(entry.Path)
	}
	return domain.ExperimentRecord{
		RunID:          runID,
		Flowcell:       entry.FlowcellID,
		Device:         entry.Instrument,
		ExperimentName: entry.SampleID,
		Date:           entry.RunDate,
		Time:           entry.RunTime,
		Pod5Files:      entry.Pod5Files,
		Fast5Files:     entry.Fast5Files,
		FastqFiles:     entry.FastqFiles,
		BamFiles:       entry.BamFiles,
		HasPod5:        entry.Pod5Files > 0,
		AllPaths:       []string{entry.Path},
	}
}

// deriveRunID produces a stable 8-hex token from the path.
func deriveRunID(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:4])
}
