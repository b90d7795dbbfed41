package registry

import (
	"context"
	"log/slog"
	"time"

	"runregistry/pkg/domain"
)

// Service exposes the registry operations higher layers call, adding
// structured logging and observability around the underlying store.
type Service struct {
	store   domain.PersistentStore
	policy  domain.SelectionPolicy
	logger  *slog.Logger
	metrics MetricsRecorder
	tracer  Tracer
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(rec MetricsRecorder) ServiceOption {
	return func(s *Service) { s.metrics = rec }
}

// WithTracer attaches a tracer.
func WithTracer(tracer Tracer) ServiceOption {
	return func(s *Service) { s.tracer = tracer }
}

// WithSelectionPolicy overrides the merge-selection policy.
func WithSelectionPolicy(policy domain.SelectionPolicy) ServiceOption {
	return func(s *Service) {
		if len(policy) > 0 {
			s.policy = policy
		}
	}
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		policy: domain.DefaultSelectionPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore { return s.store }

func (s *Service) observe(ctx context.Context, operation string, fn func(context.Context) error) error {
	var span TraceSpan
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, operation)
	}
	start := time.Now()
	err := fn(ctx)
	if s.metrics != nil {
		s.metrics.Observe(ctx, operation, err == nil, time.Since(start))
	}
	if span != nil {
		span.End(err)
	}
	return err
}

// RegisterRun adds a record to the registry, deduplicating by run_id and
// identity fingerprint unless force is set.
func (s *Service) RegisterRun(ctx context.Context, record domain.ExperimentRecord, force bool) (domain.AddOutcome, error) {
	var outcome domain.AddOutcome
	err := s.observe(ctx, "register_run", func(ctx context.Context) error {
		var err error
		outcome, err = s.store.Add(ctx, record, force)
		return err
	})
	if err != nil {
		s.logger.Error("register run failed", "run_id", record.RunID, "error", err)
		return domain.AddOutcome{}, err
	}
	s.logger.Info("register run", "run_id", outcome.RunID, "added", outcome.Added, "merged_paths", outcome.MergedPaths)
	return outcome, nil
}

// GetRun returns a record by run_id.
func (s *Service) GetRun(runID string) (domain.ExperimentRecord, bool) {
	return s.store.Get(runID)
}

// SearchRuns returns records matching all given field values exactly.
func (s *Service) SearchRuns(fields map[string]string) []domain.ExperimentRecord {
	return s.store.Search(fields)
}

// MergeCandidates returns all records sharing a flowcell, oldest first.
func (s *Service) MergeCandidates(flowcell string) []domain.ExperimentRecord {
	return s.store.MergeCandidates(flowcell)
}

// SelectBest returns the best representative among the flowcell's merge
// candidates under the configured selection policy. ok is false when the
// flowcell has no records.
func (s *Service) SelectBest(flowcell string) (domain.ExperimentRecord, bool) {
	candidates := s.store.MergeCandidates(flowcell)
	if len(candidates) == 0 {
		return domain.ExperimentRecord{}, false
	}
	return s.policy.SelectBest(candidates), true
}

// Stats derives registry summary counts.
func (s *Service) Stats() domain.Stats { return s.store.Stats() }

// ListRuns returns every record sorted by run_id.
func (s *Service) ListRuns() []domain.ExperimentRecord { return s.store.List() }
