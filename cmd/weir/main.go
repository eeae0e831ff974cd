// Command weir launches the pipeline orchestrator daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/conc"

	"github.com/weirlabs/weir/config"
	"github.com/weirlabs/weir/core/pipeline"
	"github.com/weirlabs/weir/internal/bus/listenerbus"
	"github.com/weirlabs/weir/internal/engine"
	"github.com/weirlabs/weir/internal/history"
	"github.com/weirlabs/weir/internal/listeners"
	"github.com/weirlabs/weir/internal/observability"
	"github.com/weirlabs/weir/internal/runtime"
	"github.com/weirlabs/weir/internal/telemetry"
)

const (
	defaultConfigPath       = "config/app.yaml"
	weirLoggerPrefix        = "weir "
	shutdownTimeout         = 30 * time.Second
	drainTimeout            = 10 * time.Second
	telemetryShutdownWait   = 5 * time.Second
	opsReadHeaderTimeout    = 5 * time.Second
	opsServerShutdownLimit  = 5 * time.Second
	submitAllOnStartTimeout = time.Minute
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newWeirLogger()
	observability.SetLogger(observability.NewStdLogger(logger))

	appCfg, loadedFromFile, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, pipelines=%s", appCfg.Environment, appCfg.PipelinesDir)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	registry := prometheus.NewRegistry()
	busMetrics := listenerbus.NewMetrics(registry)

	eng := engine.New(nil, engine.Config{StageBuffer: appCfg.Engine.StageQueue})
	rt, err := runtime.New(eng, runtime.Config{
		QueueCapacity: appCfg.Bus.QueueCapacity,
		Workers:       appCfg.Engine.Workers,
		RunQueue:      appCfg.Engine.StageQueue,
		BusMetrics:    busMetrics,
	})
	if err != nil {
		logger.Fatalf("initialise runtime: %v", err)
	}

	store, stream, err := attachListeners(ctx, logger, appCfg, telemetryProvider, rt)
	if err != nil {
		logger.Fatalf("attach listeners: %v", err)
	}

	if err := registerPipelines(logger, appCfg.PipelinesDir, rt); err != nil {
		logger.Fatalf("load pipelines: %v", err)
	}

	if err := rt.Start(); err != nil {
		logger.Fatalf("start runtime: %v", err)
	}

	var lifecycle conc.WaitGroup

	opsServer := buildOpsServer(appCfg, registry, rt, stream)
	startOpsServer(&lifecycle, logger, opsServer)
	logger.Printf("ops server listening on %s", opsServer.Addr)

	submitRegistered(ctx, logger, rt)

	logger.Print("weir started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, shutdownConfig{
		runtime:   rt,
		opsServer: opsServer,
		stream:    stream,
		store:     store,
		telemetry: telemetryProvider,
		lifecycle: &lifecycle,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	if *cfgPath != "" {
		return *cfgPath
	}
	return defaultConfigPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newWeirLogger() *log.Logger {
	return log.New(os.Stdout, weirLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	cfg := telemetry.Config{
		Enabled:      appCfg.Telemetry.EnableMetrics,
		OTLPEndpoint: appCfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: appCfg.Telemetry.OTLPInsecure,
		ServiceName:  appCfg.Telemetry.ServiceName,
		Environment:  string(appCfg.Environment),
	}
	provider, err := telemetry.NewProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if cfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", cfg.OTLPEndpoint, cfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func attachListeners(ctx context.Context, logger *log.Logger, appCfg config.AppConfig, provider *telemetry.Provider, rt *runtime.Runtime) (*history.Store, *listeners.StreamListener, error) {
	operations := []any{listeners.NewLoggingListener(nil)}

	metricsListener, err := listeners.NewMetricsListener(provider)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics listener: %w", err)
	}
	operations = append(operations, metricsListener)

	var store *history.Store
	if appCfg.History.Enabled {
		if err := history.MigrateEmbedded(ctx, appCfg.History.DSN, logger); err != nil {
			return nil, nil, fmt.Errorf("migrate history schema: %w", err)
		}
		store, err = history.NewStore(ctx, appCfg.History.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("history store: %w", err)
		}
		operations = append(operations, listeners.NewHistoryListener(store))
		logger.Print("run history persistence enabled")
	}

	if appCfg.Hooks.Enabled {
		hooks, err := listeners.NewHookListener(appCfg.Hooks.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("hook listener: %w", err)
		}
		if err := hooks.Refresh(ctx); err != nil {
			return nil, nil, fmt.Errorf("load hooks: %w", err)
		}
		operations = append(operations, hooks)
		logger.Printf("lifecycle hooks loaded: %d", len(hooks.Names()))
	}

	var stream *listeners.StreamListener
	if appCfg.Stream.Enabled {
		stream = listeners.NewStreamListener(listeners.StreamConfig{
			SendBuffer:    appCfg.Stream.SendBuffer,
			RatePerSecond: appCfg.Stream.RatePerSecond,
			RateBurst:     appCfg.Stream.RateBurst,
		})
		operations = append(operations, stream)
	}

	attached := rt.Attach(operations...)
	logger.Printf("lifecycle listeners attached: %d", attached)
	return store, stream, nil
}

func registerPipelines(logger *log.Logger, dir string, rt *runtime.Runtime) error {
	if dir == "" {
		logger.Print("no pipelines directory configured; starting empty")
		return nil
	}
	specs, err := pipeline.LoadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Printf("pipelines directory %q not found; starting empty", dir)
			return nil
		}
		return err
	}
	for _, spec := range specs {
		if err := rt.RegisterPipeline(spec); err != nil {
			return err
		}
	}
	logger.Printf("pipelines registered: %d", len(specs))
	return nil
}

func submitRegistered(ctx context.Context, logger *log.Logger, rt *runtime.Runtime) {
	submitCtx, cancel := context.WithTimeout(ctx, submitAllOnStartTimeout)
	defer cancel()
	for _, name := range rt.Pipelines() {
		runID, err := rt.Submit(submitCtx, name)
		if err != nil {
			logger.Printf("submit pipeline %q: %v", name, err)
			continue
		}
		logger.Printf("pipeline %q submitted: run=%s", name, runID)
	}
}

func buildOpsServer(appCfg config.AppConfig, registry *prometheus.Registry, rt *runtime.Runtime, stream *listeners.StreamListener) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !rt.Healthy() {
			http.Error(w, "bus consumer not running", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	if stream != nil {
		mux.Handle("/events", stream)
	}
	return &http.Server{
		Addr:              appCfg.Stream.Addr,
		Handler:           mux,
		ReadHeaderTimeout: opsReadHeaderTimeout,
	}
}

func startOpsServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("ops server: %v", err)
		}
	})
}

type shutdownConfig struct {
	runtime   *runtime.Runtime
	opsServer *http.Server
	stream    *listeners.StreamListener
	store     *history.Store
	telemetry *telemetry.Provider
	lifecycle *conc.WaitGroup
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg shutdownConfig) {
	serverCtx, serverCancel := context.WithTimeout(ctx, opsServerShutdownLimit)
	if err := cfg.opsServer.Shutdown(serverCtx); err != nil {
		logger.Printf("ops server shutdown: %v", err)
	}
	serverCancel()

	if err := cfg.runtime.Drain(drainTimeout); err != nil {
		logger.Printf("drain lifecycle bus: %v", err)
	}
	if err := cfg.runtime.Shutdown(ctx); err != nil {
		logger.Printf("runtime shutdown: %v", err)
	}
	if dropped := cfg.runtime.DroppedEvents(); dropped > 0 {
		logger.Printf("lifecycle events dropped during this run: %d", dropped)
	}

	if cfg.stream != nil {
		cfg.stream.Close()
	}
	if cfg.store != nil {
		cfg.store.Close()
	}

	telemetryCtx, telemetryCancel := context.WithTimeout(ctx, telemetryShutdownWait)
	if err := cfg.telemetry.Shutdown(telemetryCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}
	telemetryCancel()

	cfg.lifecycle.Wait()
}
