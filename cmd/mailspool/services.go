package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/mailspool/config"
	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/logger"
	"github.com/migadu/mailspool/pipeline"
	"github.com/migadu/mailspool/pipeline/builtin"
	"github.com/migadu/mailspool/pkg/health"
	"github.com/migadu/mailspool/pkg/metrics"
	"github.com/migadu/mailspool/server/adminapi"
	"github.com/migadu/mailspool/server/coordinator"
	"github.com/migadu/mailspool/server/producer"
	"github.com/migadu/mailspool/spool"
	"github.com/migadu/mailspool/storage"
	"github.com/migadu/mailspool/storage/backends"
)

// serverManager tracks running servers for coordinated shutdown
type serverManager struct {
	wg sync.WaitGroup
}

func (sm *serverManager) Add()  { sm.wg.Add(1) }
func (sm *serverManager) Done() { sm.wg.Done() }
func (sm *serverManager) Wait() { sm.wg.Wait() }

// serverDependencies holds the services shared by the coordinator and the
// servers.
type serverDependencies struct {
	config           config.Config
	store            *spool.Store
	repositories     map[string]storage.Repository
	coordinator      *coordinator.Coordinator
	producer         *producer.Producer
	admin            *spool.Admin
	metricsCollector *metrics.Collector
	health           *health.Monitor
	serverManager    *serverManager
	closeOnce        sync.Once
}

func initializeServices(ctx context.Context, cfg config.Config) (_ *serverDependencies, err error) {
	deps := &serverDependencies{
		config:        cfg,
		repositories:  make(map[string]storage.Repository),
		serverManager: &serverManager{},
	}
	defer func() {
		if err != nil {
			deps.close()
		}
	}()

	maxWait, err := cfg.Spool.GetMaxWait()
	if err != nil {
		return nil, fmt.Errorf("invalid spool max_wait: %w", err)
	}
	errorDelay, err := cfg.Spool.GetErrorDelay()
	if err != nil {
		return nil, fmt.Errorf("invalid spool error_delay: %w", err)
	}
	shutdownTimeout, err := cfg.Coordinator.GetShutdownTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid coordinator shutdown_timeout: %w", err)
	}

	repo, err := backends.OpenSpool(ctx, cfg.Spool)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool storage: %w", err)
	}
	deps.store, err = spool.Open(ctx, repo, spool.Options{ScanLimit: cfg.Spool.GetScanLimit(), MaxWait: maxWait})
	if err != nil {
		repo.Close()
		return nil, err
	}
	logger.Info("Spool: opened", "backend", cfg.Spool.Backend, "keys", deps.store.Len())

	for _, rc := range cfg.Repositories {
		r, err := backends.Open(ctx, rc.StorageConfig, rc.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to open repository %q: %w", rc.Name, err)
		}
		deps.repositories[rc.Name] = r
		logger.Info("Repository: opened", "name", rc.Name, "backend", rc.Backend)
	}

	registry := builtin.NewRegistry(builtin.Deps{Repositories: deps.repositories})
	deps.coordinator, err = coordinator.New(deps.store, registry, pipeline.DefinitionsFromConfig(cfg.Pipelines), coordinator.Options{
		Workers:         cfg.Coordinator.GetWorkers(),
		Handoff:         cfg.Coordinator.GetHandoff(),
		ErrorDelay:      errorDelay,
		ShutdownTimeout: shutdownTimeout,
	})
	if err != nil {
		return nil, err
	}

	deps.producer = producer.New(deps.store, cfg.Coordinator.GetEntryPipeline())
	deps.admin = spool.NewAdmin(deps.store, deps.repositories)

	if cfg.AdminAPI.Enabled {
		interval, err := cfg.AdminAPI.GetHealthCheckInterval()
		if err != nil {
			return nil, fmt.Errorf("invalid admin_api health_check_interval: %w", err)
		}
		deps.health = health.NewMonitor(interval)
		deps.health.Register(health.RepositoryCheck(consts.SpoolRepositoryName, repo, true))
		for name, r := range deps.repositories {
			deps.health.Register(health.RepositoryCheck(name, r, false))
		}
		deps.health.Start(ctx)
	}

	if cfg.Metrics.Enabled {
		interval, err := cfg.Metrics.GetCollectInterval()
		if err != nil {
			return nil, fmt.Errorf("invalid metrics collect_interval: %w", err)
		}
		deps.metricsCollector = metrics.NewCollector(deps.admin, interval)
		go deps.metricsCollector.Start(ctx)
	}

	return deps, nil
}

// close releases storage. It is safe to call more than once.
func (d *serverDependencies) close() {
	d.closeOnce.Do(func() {
		if d.metricsCollector != nil {
			d.metricsCollector.Stop()
		}
		if d.health != nil {
			d.health.Stop()
		}
		for name, r := range d.repositories {
			if err := r.Close(); err != nil {
				logger.Warn("Repository: error closing", "name", name, "error", err)
			}
		}
		if d.store != nil {
			if err := d.store.Close(); err != nil {
				logger.Warn("Spool: error closing", "error", err)
			}
		}
	})
}

func startServers(ctx context.Context, deps *serverDependencies) chan error {
	errChan := make(chan error, 2)

	if deps.config.Metrics.Enabled {
		deps.serverManager.Add()
		go startMetricsServer(ctx, deps, errChan)
	}

	if deps.config.AdminAPI.Enabled {
		apiCfg := deps.config.AdminAPI
		deps.serverManager.Add()
		go func() {
			defer deps.serverManager.Done()
			adminapi.Start(ctx, adminapi.ServerOptions{
				Addr:         apiCfg.Addr,
				APIKey:       apiCfg.APIKey,
				AllowedHosts: apiCfg.AllowedHosts,
				Admin:        deps.admin,
				Producer:     deps.producer,
				Health:       deps.health,
				TLS:          apiCfg.TLS,
				TLSCertFile:  apiCfg.TLSCertFile,
				TLSKeyFile:   apiCfg.TLSKeyFile,
			}, errChan)
		}()
	}

	return errChan
}

func startMetricsServer(ctx context.Context, deps *serverDependencies, errChan chan error) {
	defer deps.serverManager.Done()
	metricsCfg := deps.config.Metrics

	mux := http.NewServeMux()
	mux.Handle(metricsCfg.Path, promhttp.Handler())

	server := &http.Server{
		Addr:              metricsCfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics: error shutting down server", "error", err)
		}
	}()

	logger.Info("Metrics: Starting server", "addr", metricsCfg.Addr, "path", metricsCfg.Path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
