package config

import (
	"testing"
	"time"
)

func TestLoadAgentConfigDefaults(t *testing.T) {
	cfg := LoadAgentConfig()

	if cfg.EnableStreaming != true {
		t.Errorf("EnableStreaming default = %v, want true", cfg.EnableStreaming)
	}
	if cfg.RequestTimeout != 120*time.Second {
		t.Errorf("RequestTimeout default = %v, want 120s", cfg.RequestTimeout)
	}
	if cfg.NumRetries != 3 {
		t.Errorf("NumRetries default = %v, want 3", cfg.NumRetries)
	}
	if cfg.FallbackTimeout != 45*time.Second {
		t.Errorf("FallbackTimeout default = %v, want 45s", cfg.FallbackTimeout)
	}
	if cfg.BackoffFactor != 2.0 {
		t.Errorf("BackoffFactor default = %v, want 2.0", cfg.BackoffFactor)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel default = %q, want %q", cfg.LogLevel, "info")
	}
	if len(cfg.FallbackModels) != 0 {
		t.Errorf("FallbackModels default = %v, want empty", cfg.FallbackModels)
	}
}

func TestLoadAgentConfigFromEnv(t *testing.T) {
	t.Setenv("QX_MODEL_NAME", "llama3")
	t.Setenv("QX_ENABLE_STREAMING", "false")
	t.Setenv("QX_REQUEST_TIMEOUT", "30")
	t.Setenv("QX_NUM_RETRIES", "5")
	t.Setenv("QX_FALLBACK_MODELS", "a, b ,c")
	t.Setenv("QX_RETRY_DELAY", "250")
	t.Setenv("QX_BACKOFF_FACTOR", "1.5")
	t.Setenv("QX_SHOW_THINKING", "true")
	t.Setenv("QX_LOG_LEVEL", "debug")

	cfg := LoadAgentConfig()

	if cfg.ModelName != "llama3" {
		t.Errorf("ModelName = %q, want %q", cfg.ModelName, "llama3")
	}
	if cfg.EnableStreaming {
		t.Error("EnableStreaming should be false")
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %v, want 30s", cfg.RequestTimeout)
	}
	if cfg.NumRetries != 5 {
		t.Errorf("NumRetries = %v, want 5", cfg.NumRetries)
	}
	want := []string{"a", "b", "c"}
	if len(cfg.FallbackModels) != len(want) {
		t.Fatalf("FallbackModels = %v, want %v", cfg.FallbackModels, want)
	}
	for i, v := range want {
		if cfg.FallbackModels[i] != v {
			t.Errorf("FallbackModels[%d] = %q, want %q", i, cfg.FallbackModels[i], v)
		}
	}
	if cfg.RetryDelay != 250*time.Millisecond {
		t.Errorf("RetryDelay = %v, want 250ms", cfg.RetryDelay)
	}
	if cfg.BackoffFactor != 1.5 {
		t.Errorf("BackoffFactor = %v, want 1.5", cfg.BackoffFactor)
	}
	if !cfg.ShowThinking {
		t.Error("ShowThinking should be true")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestLoadAgentConfigIgnoresUnparseable(t *testing.T) {
	t.Setenv("QX_NUM_RETRIES", "not-a-number")
	t.Setenv("QX_ENABLE_STREAMING", "not-a-bool")

	cfg := LoadAgentConfig()

	if cfg.NumRetries != 3 {
		t.Errorf("NumRetries = %v, want default 3 on unparseable input", cfg.NumRetries)
	}
	if !cfg.EnableStreaming {
		t.Error("EnableStreaming should fall back to default true on unparseable input")
	}
}
