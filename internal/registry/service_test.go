package registry

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"runregistry/internal/infra/persistence/memory"
	"runregistry/pkg/domain"
)

func testRecord(runID, flowcell string) domain.ExperimentRecord {
	return domain.ExperimentRecord{
		RunID:          runID,
		Flowcell:       flowcell,
		Device:         "P2S",
		ExperimentName: "exp1",
		Date:           "2024-03-01",
		Time:           "14:22:05",
		AllPaths:       []string{"/data/" + runID},
	}
}

func TestRegisterRunAndLookups(t *testing.T) {
	svc := NewService(memory.NewStore())
	ctx := context.Background()

	outcome, err := svc.RegisterRun(ctx, testRecord("r1", "FC1"), false)
	if err != nil || !outcome.Added {
		t.Fatalf("RegisterRun: %+v err=%v", outcome, err)
	}
	if _, ok := svc.GetRun("r1"); !ok {
		t.Fatalf("GetRun miss")
	}
	if got := svc.SearchRuns(map[string]string{"flowcell": "FC1"}); len(got) != 1 {
		t.Fatalf("SearchRuns = %d", len(got))
	}
	if got := svc.ListRuns(); len(got) != 1 {
		t.Fatalf("ListRuns = %d", len(got))
	}
	if svc.Stats().TotalRecords != 1 {
		t.Fatalf("Stats wrong")
	}
}

func TestSelectBestUsesConfiguredPolicy(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(store)
	ctx := context.Background()

	weak := testRecord("weak", "FC1")
	weak.TotalReads = 10
	strong := testRecord("strong", "FC1")
	strong.Time = "18:00:00"
	strong.TotalReads = 1000
	for _, r := range []domain.ExperimentRecord{weak, strong} {
		if _, err := svc.RegisterRun(ctx, r, true); err != nil {
			t.Fatalf("RegisterRun: %v", err)
		}
	}

	best, ok := svc.SelectBest("FC1")
	if !ok || best.RunID != "strong" {
		t.Fatalf("SelectBest = %+v ok=%v", best, ok)
	}
	if _, ok := svc.SelectBest("FC404"); ok {
		t.Fatalf("empty flowcell must report ok=false")
	}

	// Invert the ranking via a custom policy.
	fewestReads := domain.SelectionPolicy{
		{Name: "fewest_reads", Compare: func(a, b domain.ExperimentRecord) int {
			switch {
			case a.TotalReads < b.TotalReads:
				return 1
			case a.TotalReads > b.TotalReads:
				return -1
			}
			return 0
		}},
	}
	inverted := NewService(store, WithSelectionPolicy(fewestReads))
	if best, _ := inverted.SelectBest("FC1"); best.RunID != "weak" {
		t.Fatalf("custom policy ignored: %s", best.RunID)
	}
}

func TestRegisterRunLogsOutcome(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	svc := NewService(memory.NewStore(), WithLogger(logger))
	if _, err := svc.RegisterRun(context.Background(), testRecord("r1", "FC1"), false); err != nil {
		t.Fatalf("RegisterRun: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "register run") || !strings.Contains(out, "run_id=r1") {
		t.Fatalf("log output missing fields: %s", out)
	}
}

func TestObserveFeedsMetricsAndTraces(t *testing.T) {
	metrics := NewExpvarMetricsRecorder("")
	tracer := NewJSONTracer(nil)
	svc := NewService(memory.NewStore(), WithMetrics(metrics), WithTracer(tracer))
	ctx := context.Background()

	if _, err := svc.RegisterRun(ctx, testRecord("r1", "FC1"), false); err != nil {
		t.Fatalf("RegisterRun: %v", err)
	}
	if _, err := svc.RegisterRun(ctx, domain.ExperimentRecord{}, false); err == nil {
		t.Fatalf("empty run_id should fail")
	}

	snap := metrics.Snapshot()
	if snap.Results["register_run"]["success"] != 1 || snap.Results["register_run"]["error"] != 1 {
		t.Fatalf("metrics wrong: %+v", snap.Results)
	}

	entries := tracer.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(entries))
	}
	if entries[0].Status != "success" || entries[1].Status != "error" {
		t.Fatalf("span statuses wrong: %+v", entries)
	}
	if entries[1].Error == "" {
		t.Fatalf("failed span should carry the error message")
	}
}

func TestPrometheusRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("NewPrometheusMetricsRecorder: %v", err)
	}
	svc := NewService(memory.NewStore(), WithMetrics(rec))
	ctx := context.Background()

	if _, err := svc.RegisterRun(ctx, testRecord("r1", "FC1"), false); err != nil {
		t.Fatalf("RegisterRun: %v", err)
	}
	if _, err := svc.RegisterRun(ctx, testRecord("r2", "FC2"), false); err != nil {
		t.Fatalf("RegisterRun: %v", err)
	}
	if _, err := svc.RegisterRun(ctx, domain.ExperimentRecord{}, false); err == nil {
		t.Fatalf("expected failure")
	}

	expected := `
# HELP runregistry_operations_total Registry service operations by operation and status.
# TYPE runregistry_operations_total counter
runregistry_operations_total{operation="register_run",status="error"} 1
runregistry_operations_total{operation="register_run",status="success"} 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "runregistry_operations_total"); err != nil {
		t.Fatalf("counter mismatch: %v", err)
	}

	// Double registration against the same registry must fail.
	if _, err := NewPrometheusMetricsRecorder(reg); err == nil {
		t.Fatalf("duplicate registration should fail")
	}
}
