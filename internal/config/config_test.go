package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.Cache.QuotaBytes != 500*1024*1024 {
		t.Errorf("Unexpected default quota: %d", cfg.Cache.QuotaBytes)
	}
	if cfg.Cache.RetentionDays != 90 {
		t.Errorf("Unexpected default retention: %d", cfg.Cache.RetentionDays)
	}
	if cfg.Sync.ActiveInterval != 5*time.Second {
		t.Errorf("Unexpected active interval: %v", cfg.Sync.ActiveInterval)
	}
	if cfg.Sync.PassiveInterval != 15*time.Minute {
		t.Errorf("Unexpected passive interval: %v", cfg.Sync.PassiveInterval)
	}
	if cfg.Sync.MaxActionAttempts != 3 {
		t.Errorf("Unexpected max attempts: %d", cfg.Sync.MaxActionAttempts)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CACHE_QUOTA_BYTES", "1000")
	t.Setenv("SYNC_ACTIVE_INTERVAL", "30s")
	t.Setenv("SYNC_EVICTION_TARGET_RATIO", "0.5")

	cfg := Load()
	if cfg.Cache.QuotaBytes != 1000 {
		t.Errorf("Expected quota override 1000, got %d", cfg.Cache.QuotaBytes)
	}
	if cfg.Sync.ActiveInterval != 30*time.Second {
		t.Errorf("Expected active interval 30s, got %v", cfg.Sync.ActiveInterval)
	}
	if cfg.Cache.EvictTarget != 0.5 {
		t.Errorf("Expected target ratio 0.5, got %f", cfg.Cache.EvictTarget)
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("CACHE_QUOTA_BYTES", "not-a-number")
	t.Setenv("SYNC_PASSIVE_INTERVAL", "soon")

	cfg := Load()
	if cfg.Cache.QuotaBytes != 500*1024*1024 {
		t.Errorf("Expected fallback quota, got %d", cfg.Cache.QuotaBytes)
	}
	if cfg.Sync.PassiveInterval != 15*time.Minute {
		t.Errorf("Expected fallback passive interval, got %v", cfg.Sync.PassiveInterval)
	}
}

func TestCacheConfig_Watermarks(t *testing.T) {
	cfg := &CacheConfig{
		QuotaBytes:    1000,
		RetentionDays: 90,
		UsagePause:    0.90,
		EvictTrigger:  0.98,
		EvictTarget:   0.80,
	}

	if got := cfg.PauseBytes(); got != 900 {
		t.Errorf("Expected pause watermark 900, got %d", got)
	}
	if got := cfg.TriggerBytes(); got != 980 {
		t.Errorf("Expected trigger watermark 980, got %d", got)
	}
	if got := cfg.TargetBytes(); got != 800 {
		t.Errorf("Expected target watermark 800, got %d", got)
	}
	if got := cfg.RetentionWindow(); got != 90*24*time.Hour {
		t.Errorf("Expected 90 day retention window, got %v", got)
	}
}
