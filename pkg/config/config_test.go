package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{}))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if cfg.Sync.CutoffHour != 17 {
		t.Errorf("CutoffHour = %d, want 17", cfg.Sync.CutoffHour)
	}
	if cfg.Sync.TaskTimeout != 15*time.Minute {
		t.Errorf("TaskTimeout = %v, want 15m", cfg.Sync.TaskTimeout)
	}
	if !cfg.Sync.CaptureTimeouts {
		t.Error("CaptureTimeouts = false, want true")
	}
	if want := filepath.Join(".qds", "err_ls"); cfg.Sync.LedgerDir != want {
		t.Errorf("LedgerDir = %q, want %q", cfg.Sync.LedgerDir, want)
	}
	if cfg.Source.Tushare.Concurrency != 4 {
		t.Errorf("Tushare.Concurrency = %d, want 4", cfg.Source.Tushare.Concurrency)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{
		"SYNC_DATA_DIR":          "/var/lib/qds",
		"SYNC_PROGRESS_BACKEND":  "redis",
		"SOURCE_NAME":            "binance",
		"SOURCE_BINANCE_API_KEY": "k",
		"STORE_BACKEND":          "postgres",
		"LOG_OUTPUT":             "/var/log/qds.log",
	}))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if cfg.Sync.LedgerDir != "/var/lib/qds/err_ls" {
		t.Errorf("LedgerDir = %q", cfg.Sync.LedgerDir)
	}
	if cfg.Source.Binance.APIKey != "k" {
		t.Errorf("Binance.APIKey = %q, want k", cfg.Source.Binance.APIKey)
	}
	if cfg.Store.Backend != "postgres" {
		t.Errorf("Store.Backend = %q, want postgres", cfg.Store.Backend)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad cutoff", map[string]string{"SYNC_CUTOFF_HOUR": "25"}},
		{"bad source", map[string]string{"SOURCE_NAME": "gm"}},
		{"bad store", map[string]string{"STORE_BACKEND": "csv"}},
		{"bad progress backend", map[string]string{"SYNC_PROGRESS_BACKEND": "sqlite"}},
		{"bad timezone", map[string]string{"SYNC_TIMEZONE": "Mars/Olympus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := load(context.Background(), envconfig.MapLookuper(tt.env)); err == nil {
				t.Error("load() error = nil, want validation error")
			}
		})
	}
}

func TestParseEnvLine(t *testing.T) {
	tests := []struct {
		line      string
		key, val  string
		wantMatch bool
	}{
		{"SOURCE_NAME=tushare", "SOURCE_NAME", "tushare", true},
		{"export LOG_LEVEL=debug", "LOG_LEVEL", "debug", true},
		{`SOURCE_TUSHARE_TOKEN="abc=def"`, "SOURCE_TUSHARE_TOKEN", "abc=def", true},
		{"# comment", "", "", false},
		{"", "", "", false},
		{"novalue", "", "", false},
	}
	for _, tt := range tests {
		key, val, ok := parseEnvLine(tt.line)
		if ok != tt.wantMatch || key != tt.key || val != tt.val {
			t.Errorf("parseEnvLine(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.line, key, val, ok, tt.key, tt.val, tt.wantMatch)
		}
	}
}

func TestLoadDotEnvKeepsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	content := "QDS_TEST_A=from-file\nQDS_TEST_B=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvFileVar, path)
	t.Setenv("QDS_TEST_A", "from-env")
	t.Setenv("QDS_TEST_B", "")
	os.Unsetenv("QDS_TEST_B")

	if err := LoadDotEnv(); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if got := os.Getenv("QDS_TEST_A"); got != "from-env" {
		t.Errorf("QDS_TEST_A = %q, want from-env", got)
	}
	if got := os.Getenv("QDS_TEST_B"); got != "from-file" {
		t.Errorf("QDS_TEST_B = %q, want from-file", got)
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	t.Setenv(EnvFileVar, filepath.Join(t.TempDir(), "absent.env"))
	if err := LoadDotEnv(); err != nil {
		t.Errorf("LoadDotEnv() error = %v, want nil", err)
	}
}
