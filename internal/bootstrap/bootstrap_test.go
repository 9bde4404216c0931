package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/codex-k8s/quota-mcp-server/internal/config"
	"github.com/codex-k8s/quota-mcp-server/internal/datalock"
	"github.com/codex-k8s/quota-mcp-server/internal/dsl"
	"github.com/codex-k8s/quota-mcp-server/internal/log"
	"github.com/codex-k8s/quota-mcp-server/internal/notify"
)

func TestLoadPolicyFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "server:\n  name: q\n  version: v1\n  transport: stdio\nquota:\n  grant_policy: add\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadPolicy(path, "")
	if err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}
	if cfg.Server.Transport != "stdio" || cfg.Quota.GrantPolicy != "add" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadPolicyEmbedded(t *testing.T) {
	cfg, err := LoadPolicy("", "stdio")
	if err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}
	if cfg.Server.Transport != "stdio" {
		t.Fatalf("transport = %q", cfg.Server.Transport)
	}
	if _, err := LoadPolicy("", "missing"); err == nil {
		t.Fatalf("expected error for unknown embedded config")
	}
}

func TestDataDir(t *testing.T) {
	tests := []struct {
		name     string
		storage  dsl.StorageConfig
		override string
		want     string
	}{
		{name: "override wins", storage: dsl.StorageConfig{DataDir: "/cfg"}, override: "/env", want: "/env"},
		{name: "config", storage: dsl.StorageConfig{DataDir: "/cfg"}, want: "/cfg"},
		{name: "default", want: "./logs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DataDir(tt.storage, tt.override); got != tt.want {
				t.Fatalf("DataDir() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNotifiers(t *testing.T) {
	cfg := dsl.NotifierConfig{
		Timeout: "3s",
		Sinks: []dsl.SinkConfig{
			{Type: "log"},
			{Type: "smtp"},
			{Type: "webhook", Name: "ops", URL: "https://hooks.example.com/x", Timeout: "1s"},
		},
	}

	got := Notifiers(cfg, config.Config{}, nil, log.Discard())
	if len(got) != 2 {
		t.Fatalf("notifiers without smtp settings = %d, want 2", len(got))
	}
	if got[0].Name() != "log" || got[1].Name() != "ops" {
		t.Fatalf("names = %s, %s", got[0].Name(), got[1].Name())
	}
	if w, ok := got[1].(notify.Timeout); !ok || w.Timeout.String() != "1s" {
		t.Fatalf("webhook wrapper = %#v", got[1])
	}

	envCfg := config.Config{AdminEmail: "ops@example.com"}
	envCfg.SMTP.Host = "smtp.example.com"
	got = Notifiers(cfg, envCfg, nil, log.Discard())
	if len(got) != 3 || got[1].Name() != "smtp" {
		t.Fatalf("notifiers with smtp = %d", len(got))
	}
	if w := got[1].(notify.Timeout); w.Timeout.String() != "3s" {
		t.Fatalf("smtp timeout = %s, want 3s", w.Timeout)
	}
}

func TestOpenStores(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	stores, err := OpenStores(dsl.StorageConfig{LedgerFile: "a.ndjson", SnapshotFile: "b.json"}, dir, nil)
	if err != nil {
		t.Fatalf("OpenStores() error = %v", err)
	}
	if stores.Ledger.Path() != filepath.Join(dir, "a.ndjson") || stores.Snapshot.Path() != filepath.Join(dir, "b.json") {
		t.Fatalf("paths = %s, %s", stores.Ledger.Path(), stores.Snapshot.Path())
	}
	if stores.Lock == nil || stores.Lock.Path() != filepath.Join(dir, datalock.FileName) {
		t.Fatalf("lock = %+v", stores.Lock)
	}
	if _, err := NewManager(ManagerOptions{Stores: stores}); err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
}
