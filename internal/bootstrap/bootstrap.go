// Package bootstrap wires configuration into the stores, notifiers and workflow shared
// by the server and the admin CLI.
package bootstrap

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/codex-k8s/quota-mcp-server/configs"
	"github.com/codex-k8s/quota-mcp-server/internal/audit"
	"github.com/codex-k8s/quota-mcp-server/internal/config"
	"github.com/codex-k8s/quota-mcp-server/internal/constants"
	"github.com/codex-k8s/quota-mcp-server/internal/datalock"
	"github.com/codex-k8s/quota-mcp-server/internal/dsl"
	"github.com/codex-k8s/quota-mcp-server/internal/extension"
	"github.com/codex-k8s/quota-mcp-server/internal/ledger"
	"github.com/codex-k8s/quota-mcp-server/internal/notify"
	"github.com/codex-k8s/quota-mcp-server/internal/render"
	"github.com/codex-k8s/quota-mcp-server/internal/snapshot"
	"github.com/codex-k8s/quota-mcp-server/internal/templates"
	"github.com/codex-k8s/quota-mcp-server/internal/timeutil"
	"github.com/codex-k8s/quota-mcp-server/internal/workflow"
)

// LoadPolicy renders and parses the policy YAML, either an embedded config by name or
// the file at path.
func LoadPolicy(path, embedded string) (*dsl.Config, error) {
	var (
		rendered []byte
		err      error
	)
	if strings.TrimSpace(embedded) != "" {
		raw, loadErr := configs.Load(embedded)
		if loadErr != nil {
			return nil, loadErr
		}
		rendered, err = render.RenderBytes(embedded, raw)
	} else {
		rendered, err = render.RenderFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}
	cfg, err := dsl.Load(rendered)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// DataDir returns the effective data directory; the environment override wins.
func DataDir(storage dsl.StorageConfig, override string) string {
	if dir := strings.TrimSpace(override); dir != "" {
		return dir
	}
	if storage.DataDir != "" {
		return storage.DataDir
	}
	return constants.DefaultDataDir
}

// Stores are the two durable files and the lock every writing process shares.
type Stores struct {
	Ledger   *ledger.Ledger
	Snapshot *snapshot.Store
	Lock     *datalock.Lock
}

// OpenStores opens the ledger, the snapshot and the write lock inside dataDir.
func OpenStores(storage dsl.StorageConfig, dataDir string, logger *slog.Logger) (Stores, error) {
	ledgerName := storage.LedgerFile
	if ledgerName == "" {
		ledgerName = ledger.FileName
	}
	snapshotName := storage.SnapshotFile
	if snapshotName == "" {
		snapshotName = snapshot.FileName
	}
	l, err := ledger.Open(filepath.Join(dataDir, ledgerName), logger)
	if err != nil {
		return Stores{}, err
	}
	s, err := snapshot.Open(filepath.Join(dataDir, snapshotName), logger)
	if err != nil {
		return Stores{}, err
	}
	lock, err := datalock.Open(dataDir)
	if err != nil {
		return Stores{}, err
	}
	return Stores{Ledger: l, Snapshot: s, Lock: lock}, nil
}

// Notifiers builds the configured alert sinks, each wrapped with its own deadline.
// An smtp sink without SMTP_HOST or ADMIN_EMAIL is skipped with a warning.
func Notifiers(cfg dsl.NotifierConfig, envCfg config.Config, bundle templates.Renderer, logger *slog.Logger) []notify.Notifier {
	composer := notify.Composer{Renderer: bundle, AppURL: envCfg.AppURL}
	defaultTimeout := timeutil.ParseDurationOrDefault(cfg.Timeout, 10*time.Second)

	var out []notify.Notifier
	for _, sink := range cfg.Sinks {
		timeout := timeutil.ParseDurationOrDefault(sink.Timeout, defaultTimeout)
		var n notify.Notifier
		switch sink.Type {
		case constants.SinkLog:
			n = notify.Log{Logger: logger, Composer: composer}
		case constants.SinkSMTP:
			if !envCfg.SMTP.Configured() || strings.TrimSpace(envCfg.AdminEmail) == "" {
				if logger != nil {
					logger.Warn("smtp sink skipped: SMTP_HOST and ADMIN_EMAIL are required")
				}
				continue
			}
			n = notify.SMTP{
				Host:     envCfg.SMTP.Host,
				Port:     envCfg.SMTP.Port,
				UseTLS:   envCfg.SMTP.UseTLS,
				Username: envCfg.SMTP.Username,
				Password: envCfg.SMTP.Password,
				To:       envCfg.AdminEmail,
				Composer: composer,
			}
		case constants.SinkWebhook:
			n = notify.Webhook{
				Label:    sink.Name,
				URL:      sink.URL,
				Method:   sink.Method,
				Headers:  sink.Headers,
				Timeout:  timeout,
				Composer: composer,
			}
		default:
			continue
		}
		out = append(out, notify.Timeout{Inner: n, Timeout: timeout})
	}
	return out
}

// ManagerOptions carries the collaborators of NewManager.
type ManagerOptions struct {
	Quota     dsl.QuotaConfig
	Stores    Stores
	Publisher workflow.Publisher
	Notifier  workflow.Dispatcher
	Audit     audit.Logger
	Logger    *slog.Logger
}

// NewManager builds the workflow manager over the opened stores.
func NewManager(opts ManagerOptions) (*workflow.Manager, error) {
	var lock workflow.Locker
	if opts.Stores.Lock != nil {
		lock = opts.Stores.Lock
	}
	return workflow.New(workflow.Options{
		Ledger:    opts.Stores.Ledger,
		Grants:    opts.Stores.Snapshot,
		Lock:      lock,
		Publisher: opts.Publisher,
		Notifier:  opts.Notifier,
		Audit:     opts.Audit,
		Logger:    opts.Logger,
		Policy:    extension.GrantPolicy(opts.Quota.GrantPolicy),
		MaxGrant:  opts.Quota.MaxGrant,
	})
}
