package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codex-k8s/quota-mcp-server/configs"
	"github.com/codex-k8s/quota-mcp-server/internal/audit"
	"github.com/codex-k8s/quota-mcp-server/internal/bootstrap"
	"github.com/codex-k8s/quota-mcp-server/internal/config"
	"github.com/codex-k8s/quota-mcp-server/internal/dsl"
	"github.com/codex-k8s/quota-mcp-server/internal/log"
	"github.com/codex-k8s/quota-mcp-server/internal/workflow"
)

var (
	version = "dev"
	commit  = "unknown"
)

type rootOptions struct {
	dataDir        string
	configPath     string
	embeddedConfig string
	logLevel       string
}

// session is what every subcommand works with.
type session struct {
	policy  *dsl.Config
	dataDir string
	manager *workflow.Manager
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "quotactl",
		Short: "Administer chat quota extension requests",
		Long: `Review and resolve quota extension requests, and maintain the request ledger
and the grant snapshot in the server's data directory.

Examples:
  quotactl list                         # pending requests, newest first
  quotactl list --status all
  quotactl approve abc_1714564800 --queries 25
  quotactl deny abc_1714564800
  quotactl verify                       # exit 1 when the snapshot drifted
  quotactl rebuild
  quotactl compact`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "Data directory (overrides QUOTA_MCP_DATA_DIR and storage.data_dir)")
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Policy YAML path (defaults to QUOTA_MCP_CONFIG, then the embedded default)")
	root.PersistentFlags().StringVar(&opts.embeddedConfig, "embedded-config", "", "Use embedded config from configs/ (filename)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level for diagnostics on stderr")

	root.AddCommand(
		newListCmd(opts),
		newApproveCmd(opts),
		newDenyCmd(opts),
		newRebuildCmd(opts),
		newVerifyCmd(opts),
		newCompactCmd(opts),
	)
	return root
}

// open loads configuration and replays the ledger.
func (o *rootOptions) open(cmd *cobra.Command) (*session, error) {
	envCfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	logger := log.NewWithWriter(o.logLevel, cmd.ErrOrStderr())

	policy, err := o.loadPolicy(envCfg)
	if err != nil {
		return nil, err
	}

	override := o.dataDir
	if override == "" {
		override = envCfg.DataDir
	}
	dataDir := bootstrap.DataDir(policy.Storage, override)
	stores, err := bootstrap.OpenStores(policy.Storage, dataDir, logger)
	if err != nil {
		return nil, err
	}
	manager, err := bootstrap.NewManager(bootstrap.ManagerOptions{
		Quota:  policy.Quota,
		Stores: stores,
		Audit:  audit.New(logger),
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("replay ledger: %w", err)
	}
	return &session{policy: policy, dataDir: dataDir, manager: manager, logger: logger}, nil
}

func (o *rootOptions) loadPolicy(envCfg config.Config) (*dsl.Config, error) {
	if o.embeddedConfig != "" {
		return bootstrap.LoadPolicy("", o.embeddedConfig)
	}
	path := strings.TrimSpace(o.configPath)
	if path != "" {
		return bootstrap.LoadPolicy(path, "")
	}
	if _, err := os.Stat(envCfg.ConfigPath); err == nil {
		return bootstrap.LoadPolicy(envCfg.ConfigPath, "")
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", envCfg.ConfigPath, err)
	}
	return bootstrap.LoadPolicy("", configs.Default)
}
