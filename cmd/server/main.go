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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/nomis52/tenantflow/activities"
	"github.com/nomis52/tenantflow/activity"
	"github.com/nomis52/tenantflow/buildinfo"
	"github.com/nomis52/tenantflow/client"
	"github.com/nomis52/tenantflow/config"
	"github.com/nomis52/tenantflow/engine"
	"github.com/nomis52/tenantflow/events"
	"github.com/nomis52/tenantflow/logging"
	"github.com/nomis52/tenantflow/metrics"
	"github.com/nomis52/tenantflow/retry"
	"github.com/nomis52/tenantflow/server"
	"github.com/nomis52/tenantflow/server/cron"
	"github.com/nomis52/tenantflow/store"
	"github.com/nomis52/tenantflow/tenant"
	"github.com/nomis52/tenantflow/workflow"
	"github.com/nomis52/tenantflow/workflows"
	"github.com/nomis52/tenantflow/workflows/onboarding"
	"github.com/nomis52/tenantflow/workflows/provisioning"
)

const engineShutdownTimeout = 30 * time.Second

type Args struct {
	ConfigPath string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := parseArgs()
	if args.ConfigPath == "" {
		return fmt.Errorf("config flag (-c or --config) is required")
	}

	cfg, err := config.LoadConfig(args.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logs, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logs.Close()
	logger := logs.Logger
	logger.Info("starting tenantflow", "version", buildinfo.Get().String(), "config", args.ConfigPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logs.Component("store"))
	if err != nil {
		return err
	}
	defer st.Close()

	registry, metricsHandler, err := setupMetrics(ctx, cfg, logs.Component("metrics"))
	if err != nil {
		return err
	}

	sink, err := setupEvents(ctx, cfg, logs.Component("events"))
	if err != nil {
		return err
	}
	defer sink.Close()

	var dir *tenant.StaticDirectory
	if len(cfg.Tenants.Directory) > 0 {
		if dir, err = tenant.NewStaticDirectory(cfg.Tenants.Directory); err != nil {
			return fmt.Errorf("failed to load tenant directory: %w", err)
		}
	}

	guard, closeGuard := setupGuard(cfg)
	defer closeGuard()

	acts := activity.NewRegistry()
	deps := activities.Deps{
		Guard:   guard,
		Metrics: registry,
		Logger:  logs.Component("activities"),
	}
	if dir != nil {
		deps.Domains = dir
	}
	if err := activities.Register(acts, deps); err != nil {
		return fmt.Errorf("failed to register activities: %w", err)
	}
	for name, ac := range cfg.Activities {
		var policy *retry.Policy
		if ac.Policy != "" {
			p, _ := cfg.Policy(ac.Policy)
			policy = &p
		}
		if err := acts.Configure(name, policy, ac.Timeout); err != nil {
			return fmt.Errorf("failed to configure activity %s: %w", name, err)
		}
	}

	defs, err := registerWorkflows(cfg, logs.Component("workflows"))
	if err != nil {
		return err
	}

	collector := logging.NewLogCollector(cfg.Engine.LogEntries, cfg.Engine.LogExecutions)
	executor := activity.NewExecutor(acts,
		activity.WithConcurrency(cfg.Engine.Concurrency),
		activity.WithTracer(otel.Tracer("github.com/nomis52/tenantflow")),
		activity.WithLogger(logs.Component("executor")),
	)
	opts := []engine.Option{
		engine.WithStore(st),
		engine.WithSink(sink),
		engine.WithMetrics(registry),
		engine.WithLoggerHook(logging.NewCapturingLoggerHook(collector)),
		engine.WithLogger(logger),
		engine.WithDefaultTimeout(cfg.Engine.ActivityTimeout),
	}
	if cfg.Engine.DefaultPolicy != "" {
		p, _ := cfg.Policy(cfg.Engine.DefaultPolicy)
		opts = append(opts, engine.WithDefaultPolicy(p))
	}
	e, err := engine.New(defs, acts, executor, opts...)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), engineShutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Error("engine shutdown failed", "error", err)
		}
	}()

	resumed, err := e.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover executions: %w", err)
	}
	logger.Info("recovered executions", "count", resumed)

	c := client.New(e, logs.Component("client"))

	var tenants tenant.Directory
	if dir != nil {
		tenants = dir
	}
	scheduler, err := cron.NewManager(cfg.Cron, c, tenants, defs.Types(), logs.Component("cron"))
	if err != nil {
		return fmt.Errorf("failed to create cron manager: %w", err)
	}
	scheduler.Start(ctx)

	srvOpts := []server.Option{
		server.WithListener(cfg.Listener),
		server.WithProgress(e),
		server.WithLogs(collector),
	}
	if scheduler.Len() > 0 {
		srvOpts = append(srvOpts, server.WithSchedule(scheduler))
	}
	if metricsHandler != nil {
		srvOpts = append(srvOpts, server.WithMetricsHandler(metricsHandler))
	}
	if cfg.Auth.Enabled() {
		verifier, err := server.NewOIDCVerifier(ctx, cfg.Auth.Issuer, cfg.Auth.ClientID)
		if err != nil {
			return err
		}
		srvOpts = append(srvOpts, server.WithVerifier(verifier))
	}

	resolver := tenant.NewResolver(cfg.Tenants.ResolverConfig, tenants, logs.Component("tenant"))
	srv, err := server.New(logs.Component("server"), c, defs, resolver, srvOpts...)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return srv.Run(ctx)
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Storage.Driver {
	case config.StorageDisk:
		s, err := store.NewDiskStore(cfg.Storage.Dir, cfg.Storage.MaxFinished, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open disk store: %w", err)
		}
		return s, nil
	case config.StoragePostgres:
		s, err := store.OpenPostgres(ctx, cfg.Storage.Postgres, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to migrate postgres store: %w", err)
		}
		return s, nil
	default:
		logger.Warn("using the in-memory store, executions are lost on restart")
		return store.NewMemoryStore(), nil
	}
}

// setupMetrics returns the metrics registry and, in scrape mode, the handler
// that serves it.
func setupMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (metrics.Registry, http.Handler, error) {
	if cfg.Monitoring.Push != nil {
		push := metrics.NewPushRegistry(*cfg.Monitoring.Push, logger)
		go push.Run(ctx)
		return push, nil, nil
	}
	scrape, err := metrics.NewScrapeRegistry(prometheus.Labels{"version": buildinfo.Get().Version})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metrics registry: %w", err)
	}
	return scrape, scrape.Handler(), nil
}

func setupEvents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (events.Sink, error) {
	if cfg.Events.NATS == nil {
		return events.Discard(), nil
	}
	nc, err := events.DialNATS(ctx, *cfg.Events.NATS, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return events.NewAsync(nc, cfg.Events.Buffer, logger), nil
}

// setupGuard returns the idempotency guard shared by activities. Without a
// redis address the guard only spans this process.
func setupGuard(cfg *config.Config) (activity.Guard, func()) {
	if cfg.Redis.Addr == "" {
		return activity.NewMemoryGuard(), func() {}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return activity.NewRedisGuard(rdb, cfg.Redis.Prefix), func() { _ = rdb.Close() }
}

func registerWorkflows(cfg *config.Config, logger *slog.Logger) (*workflow.Registry, error) {
	policies, err := cfg.StepPolicies()
	if err != nil {
		return nil, err
	}
	defs := workflow.NewRegistry(logger)
	params := workflows.Params{Policies: policies, Timeouts: cfg.Workflows.Timeouts}
	if err := workflows.Register(defs, params, onboarding.Definitions, provisioning.Definitions); err != nil {
		return nil, fmt.Errorf("failed to register workflows: %w", err)
	}
	for wf, version := range cfg.Workflows.Active {
		if err := defs.SetActive(wf, version); err != nil {
			return nil, fmt.Errorf("failed to pin %s to version %d: %w", wf, version, err)
		}
	}
	return defs, nil
}

func parseArgs() Args {
	configPath := flag.String("config", "", "Path to config file")
	configPathShort := flag.String("c", "", "Path to config file (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\ntenantflow server - multi-tenant workflow orchestration\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --config /etc/tenantflow/config.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -c config.yaml\n", os.Args[0])
	}

	flag.Parse()

	path := *configPath
	if path == "" && *configPathShort != "" {
		path = *configPathShort
	}
	return Args{ConfigPath: path}
}
