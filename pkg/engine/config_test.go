package engine

import "testing"

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.BatchSize != GetDefaultBatchSize() {
		t.Errorf("expected default batch size %d, got %d", GetDefaultBatchSize(), cfg.BatchSize)
	}
	if cfg.MaxConcurrentBatches != 1 {
		t.Errorf("expected default MaxConcurrentBatches 1, got %d", cfg.MaxConcurrentBatches)
	}
	if cfg.RetryDelayMs != GetDefaultRetryDelayMs() {
		t.Errorf("expected default retry delay %d, got %d", GetDefaultRetryDelayMs(), cfg.RetryDelayMs)
	}
}

func TestConfigWithDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := Config{BatchSize: 50, MaxConcurrentBatches: 4, RetryDelayMs: 250}.withDefaults()
	if cfg.BatchSize != 50 || cfg.MaxConcurrentBatches != 4 || cfg.RetryDelayMs != 250 {
		t.Errorf("expected explicit values preserved, got %+v", cfg)
	}
}

func TestSetDefaultBatchSizeRoundTrips(t *testing.T) {
	orig := GetDefaultBatchSize()
	defer SetDefaultBatchSize(orig)

	SetDefaultBatchSize(250)
	if GetDefaultBatchSize() != 250 {
		t.Errorf("expected 250, got %d", GetDefaultBatchSize())
	}
}

func TestConfigSnapshotCapturesScalarFields(t *testing.T) {
	cfg := Config{BatchSize: 10, MaxConcurrentBatches: 2, MaxRetries: 3, RetryDelayMs: 100, ContinueOnError: true, Distributed: true}
	snap := cfg.snapshot()
	want := ConfigSnapshot{BatchSize: 10, MaxConcurrentBatches: 2, MaxRetries: 3, RetryDelayMs: 100, ContinueOnError: true, Distributed: true}
	if snap != want {
		t.Errorf("snapshot() = %+v, want %+v", snap, want)
	}
}

func TestLoadEngineConfigBytes(t *testing.T) {
	data := []byte("batchSize: 200\nmaxConcurrentBatches: 5\ncontinueOnError: true\n")
	ec, err := LoadEngineConfigBytes(data)
	if err != nil {
		t.Fatalf("LoadEngineConfigBytes: %v", err)
	}
	if ec.BatchSize != 200 || ec.MaxConcurrentBatches != 5 || !ec.ContinueOnError {
		t.Errorf("unexpected parsed config: %+v", ec)
	}
}

func TestEngineConfigToConfigMergesOnlySetFields(t *testing.T) {
	base := Config{BatchSize: 10, MaxRetries: 1}
	ec := &EngineConfig{MaxConcurrentBatches: 8}
	merged := ec.ToConfig(base)
	if merged.BatchSize != 10 {
		t.Errorf("expected unset BatchSize to stay at base value, got %d", merged.BatchSize)
	}
	if merged.MaxConcurrentBatches != 8 {
		t.Errorf("expected MaxConcurrentBatches merged in, got %d", merged.MaxConcurrentBatches)
	}
}

func TestEngineConfigToConfigNilIsNoop(t *testing.T) {
	base := Config{BatchSize: 42}
	var ec *EngineConfig
	if merged := ec.ToConfig(base); merged.BatchSize != 42 {
		t.Errorf("expected base config unchanged, got %+v", merged)
	}
}

func TestRetryBackoffDoubles(t *testing.T) {
	cases := []struct {
		attempt int
		wantMs  int64
	}{
		{1, 100},
		{2, 200},
		{3, 400},
		{4, 800},
	}
	for _, c := range cases {
		got := retryBackoff(100, c.attempt)
		if got.Milliseconds() != c.wantMs {
			t.Errorf("retryBackoff(100, %d) = %dms, want %dms", c.attempt, got.Milliseconds(), c.wantMs)
		}
	}
}
