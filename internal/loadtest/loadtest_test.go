package loadtest

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestRunSmall verifies a small concurrent run leaves a consistent shelf.
func TestRunSmall(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := Config{Workers: 8, Documents: 20, OpsPerWorker: 10, Seed: 1}
	res, err := Run(ctx, t.TempDir(), cfg, nil)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if res.Errors() > 0 {
		t.Errorf("Got %d errors: %v", res.Errors(), res.FirstErrors)
	}
	if res.Overall.Count != 80 {
		t.Errorf("Expected 80 operations, got %d", res.Overall.Count)
	}

	sum := 0
	for _, op := range Ops {
		sum += res.Ops[op].Count
	}
	if sum != res.Overall.Count {
		t.Errorf("Per-op counts add up to %d, overall is %d", sum, res.Overall.Count)
	}
	if res.Documents == 0 {
		t.Error("Expected documents left after the run")
	}

	var buf bytes.Buffer
	res.Print(&buf)
	t.Log("\n" + buf.String())
}

// TestRunCloud runs the same mix against documents in the remote store.
func TestRunCloud(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cloud load test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	dir := t.TempDir()
	cfg := Config{Workers: 4, Documents: 10, OpsPerWorker: 8, Cloud: true, Seed: 7}
	res, err := Run(ctx, dir, cfg, nil)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Overall.Count != 32 {
		t.Errorf("Expected 32 operations, got %d", res.Overall.Count)
	}

	// Seeded documents were moved out of the local directory.
	entries, err := os.ReadDir(filepath.Join(dir, "Cloud", "Documents"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Error("Expected documents in the cloud container")
	}
}

func TestRunRejectsEmptyConfig(t *testing.T) {
	if _, err := Run(context.Background(), t.TempDir(), Config{}, nil); err == nil {
		t.Fatal("expected error for zero workers")
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	s := computeLatencyStats(durations)
	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"min", s.Min, 1 * time.Millisecond},
		{"max", s.Max, 100 * time.Millisecond},
		{"p50", s.P50, 51 * time.Millisecond},
		{"p95", s.P95, 96 * time.Millisecond},
		{"p99", s.P99, 100 * time.Millisecond},
		{"mean", s.Mean, 50500 * time.Microsecond},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if s.Count != 100 {
		t.Errorf("count = %d, want 100", s.Count)
	}

	if empty := computeLatencyStats(nil); empty.Count != 0 {
		t.Errorf("empty stats count = %d", empty.Count)
	}
}

func TestVerifyDetectsUntrackedFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	c, err := openShelf(ctx, dir, false, nil)
	if err != nil {
		t.Fatalf("openShelf() failed: %v", err)
	}
	defer c.Close()

	if _, _, err := c.CreateNewDocument(ctx); err != nil {
		t.Fatal(err)
	}
	if err := Verify(c); err != nil {
		t.Fatalf("Verify() on a fresh shelf = %v", err)
	}

	stray := filepath.Join(c.DocumentsDir(), "Stray.shelf")
	if err := os.WriteFile(stray, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	err = Verify(c)
	if err == nil || !strings.Contains(err.Error(), "Stray.shelf has no reference") {
		t.Fatalf("Verify() = %v, want untracked file reported", err)
	}
}
