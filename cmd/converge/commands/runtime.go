package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/openconverge/openconverge/pkg/config"
	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/gitops"
	"github.com/openconverge/openconverge/pkg/policy"
	"github.com/openconverge/openconverge/pkg/provider"
	"github.com/openconverge/openconverge/pkg/source"
	"github.com/openconverge/openconverge/pkg/stores"
	"github.com/openconverge/openconverge/pkg/telemetry"
)

// runtime holds the wired engine components every command works against.
type runtime struct {
	cfg      *config.Config
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	store    *stores.SQLiteStore
	registry *engine.ProviderRegistry
	src      *source.DirectorySource
	planner  *engine.Planner
	executor *engine.Executor
	gate     *policy.Gate
	loop     *gitops.Loop
}

// newRuntime loads the configuration and wires store, source, providers,
// planner, executor, policy gate and sync loop.
func newRuntime(ctx context.Context, version string) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logLevel := cfg.Telemetry.LogLevel
	if verbose {
		logLevel = "debug"
	}
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  logLevel,
		Format: cfg.Telemetry.LogFormat,
	})
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	zlog := logger.Zerolog()

	metrics := telemetry.NewMetrics(telemetry.MetricsConfig{
		Enabled: cfg.Telemetry.MetricsAddr != "",
	})
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
		Enabled:  cfg.Telemetry.TracingEnabled,
		Exporter: tracerExporter(cfg),
		Endpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure: true,
	}, "openconverge", version)
	if err != nil {
		return nil, fmt.Errorf("configure tracing: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.State.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}

	src, err := source.NewDirectorySource(cfg.Source.Path)
	if err != nil {
		store.Close()
		return nil, err
	}

	// The in-memory provider backs every resource type that has no
	// platform-specific registration.
	registry := engine.NewProviderRegistry()
	registry.RegisterDefault(provider.NewMemory(zlog))
	if rf := cfg.Providers.RemoteFile; rf.Enabled {
		registry.Register("remote_file", provider.NewRemoteFile(provider.RemoteFileConfig{
			User:                  rf.User,
			Port:                  rf.Port,
			PrivateKeyPath:        rf.PrivateKey,
			KnownHostsPath:        rf.KnownHosts,
			StrictHostKeyChecking: rf.StrictHostKeyChecking,
		}, zlog))
	}

	var gate *policy.Gate
	if cfg.Policy.Enabled {
		gate, err = policy.NewGate(ctx, policy.Options{
			Dir:        cfg.Policy.Dir,
			Protected:  cfg.Policy.ProtectedResources,
			MaxDeletes: cfg.Policy.MaxDeletes,
		}, zlog)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	planner := engine.NewPlanner(store, registry, zlog)
	executor := engine.NewExecutor(store, registry, engine.ExecutorConfig{
		MaxParallel:      cfg.Executor.MaxParallel,
		RetryLimit:       cfg.Executor.RetryLimit,
		BackoffBase:      cfg.Executor.BackoffBase.Std(),
		OperationTimeout: cfg.Executor.OperationTimeout.Std(),
	}, metrics, zlog)

	hostname, _ := os.Hostname()
	loop := gitops.NewLoop(
		gitops.LoopConfig{
			Scope:             cfg.Scope,
			Holder:            hostname,
			Interval:          cfg.Sync.Interval.Std(),
			DriftInterval:     cfg.Sync.DriftInterval.Std(),
			LockTimeout:       cfg.Sync.LockTimeout.Std(),
			CycleTimeout:      cfg.Sync.CycleTimeout.Std(),
			DegradedThreshold: cfg.Sync.DegradedThreshold,
			DegradedInterval:  cfg.Sync.DegradedInterval.Std(),
		},
		src, store, planner, executor, gate, metrics, tracer, zlog,
	)

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		store:    store,
		registry: registry,
		src:      src,
		planner:  planner,
		executor: executor,
		gate:     gate,
		loop:     loop,
	}, nil
}

// close releases the store and flushes pending spans.
func (rt *runtime) close(ctx context.Context) {
	zl := rt.logger.Zerolog()
	if err := rt.tracer.Shutdown(ctx); err != nil {
		zl.Warn().Err(err).Msg("tracer shutdown")
	}
	if err := rt.store.Close(); err != nil {
		zl.Warn().Err(err).Msg("store close")
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func tracerExporter(cfg *config.Config) string {
	if cfg.Telemetry.OTLPEndpoint != "" {
		return "otlp"
	}
	return "stdout"
}
