package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"orderdispatch/internal/models"
)

func mustTrack(t *testing.T, id string, asset models.AssetType, maxConcurrent int) TrackConfig {
	t.Helper()
	tc, err := NewTrackConfig(id, asset, maxConcurrent, 50, 100, maxConcurrent, time.Second)
	if err != nil {
		t.Fatalf("NewTrackConfig(%s): %v", id, err)
	}
	return tc
}

// ============================================================
// TrackConfig
// ============================================================

func TestNewTrackConfig_Validation(t *testing.T) {
	tests := []struct {
		name      string
		id        string
		asset     models.AssetType
		max       int
		rate      float64
		queue     int
		workers   int
		timeout   time.Duration
		wantField string
	}{
		{"valid", "EUR-TRACK", models.AssetEUR, 10, 50, 100, 10, time.Second, ""},
		{"empty id", "", models.AssetEUR, 10, 50, 100, 10, time.Second, "track_id"},
		{"unknown asset", "X", models.AssetType("JPY"), 10, 50, 100, 10, time.Second, "asset_type"},
		{"zero max concurrent", "EUR-TRACK", models.AssetEUR, 0, 50, 100, 10, time.Second, "max_concurrent"},
		{"negative rate", "EUR-TRACK", models.AssetEUR, 10, -1, 100, 10, time.Second, "rate_limit_per_second"},
		{"zero queue", "EUR-TRACK", models.AssetEUR, 10, 50, 0, 10, time.Second, "queue_size"},
		{"zero workers", "EUR-TRACK", models.AssetEUR, 10, 50, 100, 0, time.Second, "worker_pool_size"},
		{"zero timeout", "EUR-TRACK", models.AssetEUR, 10, 50, 100, 10, 0, "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc, err := NewTrackConfig(tt.id, tt.asset, tt.max, tt.rate, tt.queue, tt.workers, tt.timeout)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if tc.MaxConcurrent != tt.max {
					t.Errorf("value was altered: %d", tc.MaxConcurrent)
				}
				return
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantField) {
				t.Errorf("error %q does not mention %s", err, tt.wantField)
			}
		})
	}
}

func TestTrackConfig_ReportsAllViolations(t *testing.T) {
	err := TrackConfig{TrackID: "T", AssetType: models.AssetEUR}.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, field := range []string{"max_concurrent", "rate_limit_per_second", "queue_size", "worker_pool_size", "timeout"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q does not mention %s", err, field)
		}
	}
}

// ============================================================
// DispatcherConfig
// ============================================================

// TestNewDispatcherConfig_AutoRaise 5 при сумме треков 30 поднимается до 30
func TestNewDispatcherConfig_AutoRaise(t *testing.T) {
	cfg, err := NewDispatcherConfig(5, 100,
		mustTrack(t, "EUR-TRACK", models.AssetEUR, 10),
		mustTrack(t, "BTC-TRACK", models.AssetBTC, 10),
		mustTrack(t, "GBP-TRACK", models.AssetGBP, 10),
	)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.GlobalMaxConcurrent != 30 {
		t.Errorf("GlobalMaxConcurrent = %d, want 30", cfg.GlobalMaxConcurrent)
	}
	if !cfg.Raised() {
		t.Error("Raised() should be true")
	}
}

func TestNewDispatcherConfig_NoRaiseWhenSufficient(t *testing.T) {
	cfg, err := NewDispatcherConfig(50, 100, mustTrack(t, "EUR-TRACK", models.AssetEUR, 10))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GlobalMaxConcurrent != 50 || cfg.Raised() {
		t.Errorf("global = %d raised = %v, want 50/false", cfg.GlobalMaxConcurrent, cfg.Raised())
	}
}

func TestNewDispatcherConfig_Defaults(t *testing.T) {
	cfg, err := NewDispatcherConfig(10, 10, mustTrack(t, "EUR-TRACK", models.AssetEUR, 2))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ShutdownGrace != DefaultShutdownGrace {
		t.Errorf("ShutdownGrace = %v", cfg.ShutdownGrace)
	}
	if cfg.ResultBufferSize != DefaultResultBufferSize {
		t.Errorf("ResultBufferSize = %d", cfg.ResultBufferSize)
	}
	if cfg.DBPoolSize != DefaultDBPoolSize {
		t.Errorf("DBPoolSize = %d", cfg.DBPoolSize)
	}
}

func TestNewDispatcherConfig_Errors(t *testing.T) {
	eur := mustTrack(t, "EUR-TRACK", models.AssetEUR, 2)

	tests := []struct {
		name   string
		global int
		rate   float64
		tracks []TrackConfig
	}{
		{"no tracks", 10, 10, nil},
		{"zero global", 0, 10, []TrackConfig{eur}},
		{"zero global rate", 10, 0, []TrackConfig{eur}},
		{"duplicate asset", 10, 10, []TrackConfig{eur, eur}},
		{"duplicate track id", 10, 10, []TrackConfig{eur, mustTrack(t, "EUR-TRACK", models.AssetBTC, 2)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewDispatcherConfig(tt.global, tt.rate, tt.tracks...); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestDispatcherConfig_NormalizeKeyMismatch(t *testing.T) {
	cfg := &DispatcherConfig{
		GlobalMaxConcurrent:      10,
		GlobalRateLimitPerSecond: 10,
		Tracks: map[models.AssetType]TrackConfig{
			models.AssetBTC: mustTrack(t, "EUR-TRACK", models.AssetEUR, 2),
		},
	}
	if err := cfg.Normalize(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for asset/key mismatch, got %v", err)
	}
}

func TestDispatcherConfig_Assets(t *testing.T) {
	cfg, _ := NewDispatcherConfig(100, 100,
		mustTrack(t, "GBP-TRACK", models.AssetGBP, 1),
		mustTrack(t, "BTC-TRACK", models.AssetBTC, 1),
		mustTrack(t, "EUR-TRACK", models.AssetEUR, 1),
	)

	got := cfg.Assets()
	want := []models.AssetType{models.AssetBTC, models.AssetEUR, models.AssetGBP}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Assets() = %v, want %v", got, want)
		}
	}
}

// ============================================================
// Load
// ============================================================

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Dispatcher.Tracks) != 3 {
		t.Fatalf("expected 3 default tracks, got %d", len(cfg.Dispatcher.Tracks))
	}
	eur := cfg.Dispatcher.Tracks[models.AssetEUR]
	if eur.TrackID != "EUR-TRACK" || eur.MaxConcurrent != 10 || eur.WorkerPoolSize != 10 {
		t.Errorf("EUR track = %+v", eur)
	}
	if cfg.Dispatcher.GlobalMaxConcurrent != 30 {
		t.Errorf("GlobalMaxConcurrent = %d", cfg.Dispatcher.GlobalMaxConcurrent)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("SERVER_PORT default = %d", cfg.Server.Port)
	}
}

func TestLoad_TrackOverrides(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("TRACKS", "eur, eth")
	t.Setenv("TRACK_ETH_MAX_CONCURRENT", "4")
	t.Setenv("TRACK_ETH_QUEUE_SIZE", "8")
	t.Setenv("TRACK_ETH_TIMEOUT", "250ms")
	t.Setenv("GLOBAL_MAX_CONCURRENT", "1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	eth, ok := cfg.Dispatcher.Tracks[models.AssetETH]
	if !ok {
		t.Fatal("ETH track missing")
	}
	if eth.MaxConcurrent != 4 || eth.QueueSize != 8 || eth.Timeout != 250*time.Millisecond {
		t.Errorf("ETH track = %+v", eth)
	}
	if cfg.Dispatcher.GlobalMaxConcurrent != 14 || !cfg.Dispatcher.Raised() {
		t.Errorf("global = %d raised = %v, want 14/true", cfg.Dispatcher.GlobalMaxConcurrent, cfg.Dispatcher.Raised())
	}
}

func TestLoad_FromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("TRACKS=BTC\nTRACK_BTC_RATE_LIMIT=7.5\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENV_FILE", path)
	// godotenv не перезаписывает существующие переменные; t.Setenv вернёт их после теста
	t.Setenv("TRACKS", "")
	t.Setenv("TRACK_BTC_RATE_LIMIT", "")
	os.Unsetenv("TRACKS")
	os.Unsetenv("TRACK_BTC_RATE_LIMIT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	btc, ok := cfg.Dispatcher.Tracks[models.AssetBTC]
	if !ok || len(cfg.Dispatcher.Tracks) != 1 {
		t.Fatalf("tracks = %v", cfg.Dispatcher.Assets())
	}
	if btc.RateLimitPerSecond != 7.5 {
		t.Errorf("rate = %v, want 7.5", btc.RateLimitPerSecond)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown asset", map[string]string{"TRACKS": "EUR,JPY"}},
		{"duplicate asset", map[string]string{"TRACKS": "EUR,eur"}},
		{"invalid track value", map[string]string{"TRACKS": "EUR", "TRACK_EUR_QUEUE_SIZE": "-1"}},
		{"bad port", map[string]string{"SERVER_PORT": "70000"}},
		{"auth without hash", map[string]string{"AUTH_ENABLED": "true"}},
		{"failure rate out of range", map[string]string{"EXECUTOR_FAILURE_RATE": "1.5"}},
		{"http venue without endpoint", map[string]string{"EXECUTOR_VENUE": "http"}},
		{"reference price without separator", map[string]string{"EXECUTOR_REFERENCE_PRICES": "EUR:1.08"}},
		{"reference price not positive", map[string]string{"EXECUTOR_REFERENCE_PRICES": "EUR=0"}},
		{"reference price for unknown asset", map[string]string{"EXECUTOR_REFERENCE_PRICES": "JPY=150"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad_ReferencePrices(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("EXECUTOR_REFERENCE_PRICES", "eur=1.0912, BTC=65000.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	prices := cfg.Executor.ReferencePrices
	if len(prices) != 2 {
		t.Fatalf("expected 2 prices, got %v", prices)
	}
	if prices[models.AssetEUR].String() != "1.0912" || prices[models.AssetBTC].String() != "65000.5" {
		t.Errorf("unexpected prices %v", prices)
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "secret", Name: "orders", SSLMode: "disable"}

	if !strings.Contains(d.DSN(), "password=secret") {
		t.Errorf("DSN() = %s", d.DSN())
	}
	if strings.Contains(d.DSNWithoutPassword(), "secret") {
		t.Errorf("DSNWithoutPassword() leaks password: %s", d.DSNWithoutPassword())
	}
}
