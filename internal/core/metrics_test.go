package core

import (
	"context"
	"testing"
	"time"
)

func TestExpvarMetricsRecorderAggregates(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	if rec.Name() == "" {
		t.Fatalf("expected generated export name")
	}

	ctx := context.Background()
	rec.Observe(ctx, "create_request", true, 30*time.Millisecond)
	rec.Observe(ctx, "create_request", false, 10*time.Millisecond)
	rec.Observe(ctx, "", true, time.Second)

	snapshot := rec.Snapshot()
	if snapshot.DurationsMS["create_request"] != 40 {
		t.Fatalf("unexpected duration total %v", snapshot.DurationsMS["create_request"])
	}
	results := snapshot.Results["create_request"]
	if results["success"] != 1 || results["error"] != 1 {
		t.Fatalf("unexpected results %v", results)
	}
	if len(snapshot.Results) != 1 {
		t.Fatalf("empty operation must be ignored, got %v", snapshot.Results)
	}
}

func TestServiceObservesOperations(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	service, _ := newTestService(t, WithMetricsRecorder(rec))

	if _, err := service.AdjustInventory(context.Background(), "ngo-1", "O+", 1, "restock"); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	snapshot := rec.Snapshot()
	if snapshot.Results["adjust_inventory"]["success"] != 1 {
		t.Fatalf("expected recorded operation, got %v", snapshot.Results)
	}
}
