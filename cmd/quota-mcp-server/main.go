package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codex-k8s/quota-mcp-server/internal/api"
	"github.com/codex-k8s/quota-mcp-server/internal/app"
	"github.com/codex-k8s/quota-mcp-server/internal/audit"
	"github.com/codex-k8s/quota-mcp-server/internal/bootstrap"
	"github.com/codex-k8s/quota-mcp-server/internal/chat"
	"github.com/codex-k8s/quota-mcp-server/internal/config"
	"github.com/codex-k8s/quota-mcp-server/internal/constants"
	"github.com/codex-k8s/quota-mcp-server/internal/dsl"
	"github.com/codex-k8s/quota-mcp-server/internal/http/health"
	"github.com/codex-k8s/quota-mcp-server/internal/idempotency"
	"github.com/codex-k8s/quota-mcp-server/internal/log"
	"github.com/codex-k8s/quota-mcp-server/internal/metrics"
	"github.com/codex-k8s/quota-mcp-server/internal/notify"
	"github.com/codex-k8s/quota-mcp-server/internal/protocol"
	"github.com/codex-k8s/quota-mcp-server/internal/quota"
	"github.com/codex-k8s/quota-mcp-server/internal/runtime"
	"github.com/codex-k8s/quota-mcp-server/internal/startup"
	"github.com/codex-k8s/quota-mcp-server/internal/templates"
	"github.com/codex-k8s/quota-mcp-server/internal/timeutil"
	"github.com/codex-k8s/quota-mcp-server/internal/workflow"
)

func main() {
	embeddedConfig := flag.String("embedded-config", "", "Use embedded config from configs/ (filename)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	dslCfg, err := bootstrap.LoadPolicy(cfg.ConfigPath, *embeddedConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "policy error: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.LogLevel)
	if dslCfg.Server.Transport == constants.TransportStdio {
		logger = log.NewWithWriter(cfg.LogLevel, os.Stderr)
	}

	templateBundle, err := templates.Load(cfg.Lang)
	if err != nil {
		logger.Error("load templates failed", "error", err)
		os.Exit(1)
	}

	var cache *idempotency.Cache[protocol.ToolResponse]
	if dslCfg.Server.Idempotency.Enabled {
		ttl, err := time.ParseDuration(dslCfg.Server.Idempotency.TTL)
		if err != nil {
			logger.Error("invalid idempotency ttl", "error", err)
			os.Exit(1)
		}
		cache = idempotency.NewCache[protocol.ToolResponse](ttl, dslCfg.Server.Idempotency.MaxEntries)
	}

	dataDir := bootstrap.DataDir(dslCfg.Storage, cfg.DataDir)
	stores, err := bootstrap.OpenStores(dslCfg.Storage, dataDir, logger)
	if err != nil {
		logger.Error("open storage failed", "error", err, "data_dir", dataDir)
		os.Exit(1)
	}

	auditLogger := audit.New(logger)
	resolver := quota.NewResolver(stores.Snapshot, logger)
	resolver.OnFallback = metrics.RecordResolverFallback

	dispatcher := notify.NewDispatcher(notify.DispatcherOptions{
		Notifiers:     bootstrap.Notifiers(dslCfg.Notifier, cfg, templateBundle, logger),
		Timeout:       timeutil.ParseDurationOrDefault(dslCfg.Notifier.Timeout, 10*time.Second),
		RatePerMinute: dslCfg.Notifier.RatePerMinute,
		Burst:         dslCfg.Notifier.Burst,
		Audit:         auditLogger,
		Logger:        logger,
	})

	manager, err := bootstrap.NewManager(bootstrap.ManagerOptions{
		Quota:     dslCfg.Quota,
		Stores:    stores,
		Publisher: resolver,
		Notifier:  dispatcher,
		Audit:     auditLogger,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("replay ledger failed", "error", err, "path", stores.Ledger.Path())
		os.Exit(1)
	}

	gate := chat.NewGate(chat.Options{
		Workflow:  manager,
		Limits:    resolver,
		Renderer:  templateBundle,
		BaseLimit: dslCfg.Quota.BaseLimit,
		Logger:    logger,
	})

	builder := runtime.Builder{
		Logger:           logger,
		Audit:            auditLogger,
		Templates:        templateBundle,
		Cache:            cache,
		CacheKeyStrategy: dslCfg.Server.Idempotency.KeyStrategy,
		Gate:             gate,
		Workflow:         manager,
		AdminKey:         cfg.AdminKey,
		DefaultGrant:     dslCfg.Quota.DefaultGrant,
	}
	server, err := builder.Build(dslCfg)
	if err != nil {
		logger.Error("build server failed", "error", err)
		os.Exit(1)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	go func() {
		sig := <-sigCh
		logger.Warn("shutdown requested", "signal", sig.String())
		cancel()
	}()

	if _, err := startup.Reconcile(baseCtx, manager, resolver, logger); err != nil {
		logger.Error("startup reconcile failed", "error", err)
		os.Exit(1)
	}
	go resolver.Run(baseCtx, timeutil.ParseDurationOrDefault(dslCfg.Storage.RefreshInterval, 5*time.Second))

	logger.Info("quota server starting",
		"transport", dslCfg.Server.Transport,
		"data_dir", dataDir,
		"base_limit", dslCfg.Quota.BaseLimit,
		"grant_policy", dslCfg.Quota.GrantPolicy,
	)

	switch dslCfg.Server.Transport {
	case constants.TransportStdio:
		err = runStdio(baseCtx, server)
	default:
		handler := api.NewHandler(api.Options{
			Gate:         gate,
			Workflow:     adminWorkflow(dslCfg, manager),
			AdminKey:     cfg.AdminKey,
			AdminPrefix:  dslCfg.Admin.PathPrefix,
			ChatPrefix:   dslCfg.Admin.ChatPathPrefix,
			DefaultGrant: dslCfg.Quota.DefaultGrant,
			Templates:    templateBundle,
			Audit:        auditLogger,
			Logger:       logger,
		})
		checks := []health.Check{{Name: "storage", Run: func(context.Context) error { return manager.Check() }}}
		err = runHTTP(baseCtx, cfg, dslCfg, server, handler, checks, logger)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer waitCancel()
	if waitErr := dispatcher.Wait(waitCtx); waitErr != nil {
		logger.Warn("pending notifications abandoned", "error", waitErr)
	}
	if err != nil {
		logger.Error("runtime error", "error", err)
		os.Exit(1)
	}
}

func runStdio(ctx context.Context, server *mcp.Server) error {
	return server.Run(ctx, &mcp.StdioTransport{})
}

func runHTTP(ctx context.Context, envCfg config.Config, dslCfg *dsl.Config, server *mcp.Server, apiHandler *api.Handler, checks []health.Check, logger *slog.Logger) error {
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, &mcp.StreamableHTTPOptions{
		Stateless: dslCfg.Server.HTTP.Stateless,
	})

	router := apiHandler.Router()
	extra := map[string]http.Handler{
		"/metrics": metrics.Handler(),
		dslCfg.Admin.ChatPathPrefix + "/": router,
	}
	if dslCfg.Admin.Enabled {
		extra[dslCfg.Admin.PathPrefix+"/"] = router
	}

	application, err := app.New(ctx, dslCfg.Server, handler, extra, checks, logger, envCfg.ShutdownTimeout)
	if err != nil {
		return err
	}

	return application.Run(ctx)
}

// adminWorkflow disables the admin API when the policy turns it off.
func adminWorkflow(dslCfg *dsl.Config, m *workflow.Manager) api.Workflow {
	if !dslCfg.Admin.Enabled {
		return nil
	}
	return m
}
