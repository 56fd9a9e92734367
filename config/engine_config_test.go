package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultIsRunnable(t *testing.T) {
	cfg := Default()
	if !cfg.Enabled {
		t.Fatal("expected Enabled by default")
	}
	if cfg.PartitionCount <= 0 || cfg.ConcurrencyLimit <= 0 || cfg.BatchSize <= 0 {
		t.Fatalf("expected positive sizing defaults, got %+v", cfg)
	}
	if cfg.Retry.Policy != "exponential" {
		t.Fatalf("expected exponential default retry policy, got %q", cfg.Retry.Policy)
	}
}

func TestLoadYAMLOverlaysDefaults(t *testing.T) {
	doc := `
pollInterval: 1s
partitionCount: 8
retry:
  policy: fixed
  maxRetries: 2
  fixed:
    delay: 250ms
`
	cfg, err := LoadYAML(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadYAML error: %v", err)
	}
	if cfg.PollInterval.Std() != time.Second {
		t.Fatalf("expected 1s poll interval, got %v", cfg.PollInterval.Std())
	}
	if cfg.PartitionCount != 8 {
		t.Fatalf("expected 8 partitions, got %d", cfg.PartitionCount)
	}
	if cfg.Retry.Policy != "fixed" || cfg.Retry.MaxRetries != 2 || cfg.Retry.Fixed.Delay.Std() != 250*time.Millisecond {
		t.Fatalf("unexpected retry config %+v", cfg.Retry)
	}
	// Untouched fields keep their defaults.
	if cfg.ConcurrencyLimit != Default().ConcurrencyLimit {
		t.Fatalf("expected default concurrency limit, got %d", cfg.ConcurrencyLimit)
	}
	if cfg.Locking.ExtensionSeconds != Default().Locking.ExtensionSeconds {
		t.Fatalf("expected default lock extension, got %d", cfg.Locking.ExtensionSeconds)
	}
}

func TestLoadYAMLEmptyDocumentKeepsDefaults(t *testing.T) {
	cfg, err := LoadYAML(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadYAML error: %v", err)
	}
	if cfg.PollInterval != Default().PollInterval {
		t.Fatalf("expected defaults for an empty document, got %+v", cfg)
	}
}
