package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if crawlerRecordsTotal == nil || crawlerRetriesTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveRecord(t *testing.T) {
	ObserveRecord("metrics-test", "inserted")
	ObserveRecord("metrics-test", "inserted")
	ObserveRecord("metrics-test", "dropped")

	if val := testutil.ToFloat64(crawlerRecordsTotal.WithLabelValues("metrics-test", "inserted")); val != 2 {
		t.Errorf("expected 2 inserted records, got %f", val)
	}
	if val := testutil.ToFloat64(crawlerRecordsTotal.WithLabelValues("metrics-test", "dropped")); val != 1 {
		t.Errorf("expected 1 dropped record, got %f", val)
	}
}

func TestObserveCheckpoint(t *testing.T) {
	ObserveCheckpoint("metrics-ckpt", nil)
	ObserveCheckpoint("metrics-ckpt", errors.New("disk full"))

	if val := testutil.ToFloat64(crawlerCheckpointWritesTotal.WithLabelValues("metrics-ckpt", "ok")); val != 1 {
		t.Errorf("expected 1 ok checkpoint, got %f", val)
	}
	if val := testutil.ToFloat64(crawlerCheckpointWritesTotal.WithLabelValues("metrics-ckpt", "error")); val != 1 {
		t.Errorf("expected 1 failed checkpoint, got %f", val)
	}
}

func TestGaugesAndHistograms(t *testing.T) {
	SetDedupKeys("metrics-gauge", 42)
	IncActiveWorkers("metrics-gauge")
	IncActiveWorkers("metrics-gauge")
	DecActiveWorkers("metrics-gauge")
	ObserveUpsert("metrics_raw", 10*time.Millisecond)
	ObserveRateLimitDelay("metrics-gauge", time.Second)

	if val := testutil.ToFloat64(crawlerDedupKeys.WithLabelValues("metrics-gauge")); val != 42 {
		t.Errorf("expected 42 dedup keys, got %f", val)
	}
	if val := testutil.ToFloat64(crawlerActiveWorkers.WithLabelValues("metrics-gauge")); val != 1 {
		t.Errorf("expected 1 active worker, got %f", val)
	}
	if val := testutil.CollectAndCount(crawlerUpsertDurationSeconds); val <= 0 {
		t.Errorf("expected upsert histogram to be observed, got %d", val)
	}
}
