// Command sieved serves the Sieve engine over HTTP: script management,
// evaluation and delivery-time filtering with redirect and vacation replies.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/allgood/pigeonhole/cache"
	"github.com/allgood/pigeonhole/config"
	"github.com/allgood/pigeonhole/db"
	"github.com/allgood/pigeonhole/logger"
	"github.com/allgood/pigeonhole/pkg/metrics"
	"github.com/allgood/pigeonhole/server/delivery"
	"github.com/allgood/pigeonhole/server/httpapi"
	"github.com/allgood/pigeonhole/server/sieveengine"
	"github.com/allgood/pigeonhole/storage"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	vacationCleanupInterval = time.Hour
	// Vacation records are kept this long when no max_period bounds them.
	defaultVacationRetention = 30 * 24 * time.Hour
)

// serverDependencies holds everything built from the configuration.
type serverDependencies struct {
	config   config.Config
	database *db.Database
	cache    *cache.Cache
	storage  *storage.S3Storage
	engine   *sieveengine.Engine
	relay    delivery.RelayHandler
	wg       sync.WaitGroup
}

func main() {
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sieved version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if err := loadConfig(*configPath, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "sieved: configuration error in %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sieved: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "sieved: error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Info("sieved starting", "version", version, "commit", commit, "built", date)
	logger.Info("Logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	deps, err := initializeServices(ctx, cfg)
	if err != nil {
		logger.Error("Failed to initialize services", "error", err)
		os.Exit(1)
	}
	defer deps.close()

	errChan := startServers(ctx, deps)

	select {
	case <-ctx.Done():
		logger.Info("Waiting for all servers to stop gracefully...")
		done := make(chan struct{})
		go func() {
			deps.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			logger.Info("All servers stopped")
		case <-time.After(10 * time.Second):
			logger.Warn("Server shutdown timeout reached after 10 seconds")
		}
	case err := <-errChan:
		logger.Error("Server failed", "error", err)
		cancel()
		deps.close()
		os.Exit(1)
	}
}

// loadConfig reads the TOML file over the defaults. A missing default file
// is not an error; a missing file named on the command line is.
func loadConfig(path string, cfg *config.Config) error {
	if err := config.LoadConfigFromFile(path, cfg); err != nil {
		if !errors.Is(err, os.ErrNotExist) || path != "config.toml" {
			return err
		}
		fmt.Fprintf(os.Stderr, "sieved: WARNING: default configuration file '%s' not found, using defaults\n", path)
	}
	return cfg.Validate()
}

func initializeServices(ctx context.Context, cfg config.Config) (*serverDependencies, error) {
	deps := &serverDependencies{config: cfg}
	var opts []sieveengine.Option

	if cfg.Database.Enabled {
		database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		deps.database = database
		opts = append(opts, sieveengine.WithVacationOracle(db.NewVacationOracle(database)))

		_, _, maxPeriod, err := cfg.Sieve.Vacation.GetPeriods()
		if err != nil {
			deps.close()
			return nil, err
		}
		retention := defaultVacationRetention
		if maxPeriod > 0 {
			retention = maxPeriod
		}
		database.StartVacationCleanup(ctx, vacationCleanupInterval, retention)
	}

	if cfg.LocalCache.Enabled {
		c, err := newCache(ctx, cfg.LocalCache)
		if err != nil {
			deps.close()
			return nil, fmt.Errorf("local cache: %w", err)
		}
		deps.cache = c
		opts = append(opts, sieveengine.WithDiskCache(c))
	}

	if cfg.S3.Enabled {
		s3, err := storage.New(cfg.S3)
		if err != nil {
			deps.close()
			return nil, fmt.Errorf("s3: %w", err)
		}
		deps.storage = s3
		opts = append(opts, sieveengine.WithSharedStore(s3))
		logger.Info("S3 program store enabled", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	}

	engine, err := sieveengine.New(cfg.Sieve, opts...)
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("sieve engine: %w", err)
	}
	deps.engine = engine
	logger.Info("Sieve engine ready", "extensions", engine.Capabilities())

	relay, err := delivery.NewRelayHandlerFromConfig(cfg.Relay)
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("relay: %w", err)
	}
	if relay == nil {
		logger.Warn("No relay configured, redirect and vacation actions will keep the message instead")
	}
	deps.relay = relay
	return deps, nil
}

func newCache(ctx context.Context, cfg config.LocalCacheConfig) (*cache.Cache, error) {
	capacity, err := cfg.GetCapacity()
	if err != nil {
		return nil, err
	}
	maxObject, err := cfg.GetMaxObjectSize()
	if err != nil {
		return nil, err
	}
	purge, err := cfg.GetPurgeInterval()
	if err != nil {
		return nil, err
	}
	c, err := cache.New(cfg.Path, capacity, maxObject, purge)
	if err != nil {
		return nil, err
	}
	if err := c.SyncFromDisk(ctx); err != nil {
		logger.Warn("Cache: initial sync failed", "error", err)
	}
	c.StartPurgeLoop(ctx)
	logger.Info("Local program cache enabled", "path", cfg.Path, "capacity", capacity)
	return c, nil
}

func (d *serverDependencies) close() {
	if d.cache != nil {
		if err := d.cache.Close(); err != nil {
			logger.Warn("Cache: close failed", "error", err)
		}
		d.cache = nil
	}
	if d.database != nil {
		d.database.Close()
		d.database = nil
	}
}

func startServers(ctx context.Context, deps *serverDependencies) chan error {
	errChan := make(chan error, 2)
	cfg := deps.config

	if cfg.Metrics.Enabled {
		deps.wg.Add(1)
		go startMetricsServer(ctx, deps, errChan)
		if deps.cache != nil {
			go metrics.NewCollector(deps.cache, 0).Run(ctx)
		}
	}

	if cfg.HTTPAPI.Start {
		options, err := httpAPIOptions(deps)
		if err != nil {
			errChan <- err
			return errChan
		}
		deps.wg.Add(1)
		go func() {
			defer deps.wg.Done()
			httpapi.Start(ctx, options, errChan)
		}()
	} else {
		logger.Warn("HTTP API is disabled, sieved has nothing to serve")
	}
	return errChan
}

func httpAPIOptions(deps *serverDependencies) (httpapi.ServerOptions, error) {
	cfg := deps.config.HTTPAPI
	maxBody, err := cfg.GetMaxBodySize()
	if err != nil {
		return httpapi.ServerOptions{}, fmt.Errorf("http_api.max_body_size: %w", err)
	}

	checks := map[string]httpapi.HealthCheck{}
	options := httpapi.ServerOptions{
		Addr:         cfg.Addr,
		APIKey:       cfg.APIKey,
		AllowedHosts: cfg.AllowedHosts,
		MaxBodySize:  maxBody,
		TLS:          cfg.TLS,
		TLSCertFile:  cfg.TLSCertFile,
		TLSKeyFile:   cfg.TLSKeyFile,
		Engine:       deps.engine,
		Delivery:     delivery.NewActionExecutor(deps.relay, deps.config.Relay.Hostname),
		HealthChecks: checks,
	}
	// Scripts stays a nil interface without a database.
	if deps.database != nil {
		options.Scripts = deps.database
		options.Oracle = db.NewVacationOracle(deps.database)
		checks["database"] = deps.database.Ping
	}
	if deps.storage != nil {
		checks["s3"] = deps.storage.HealthCheck
	}
	return options, nil
}

func startMetricsServer(ctx context.Context, deps *serverDependencies, errChan chan error) {
	defer deps.wg.Done()
	cfg := deps.config.Metrics

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Metrics server listening", "addr", cfg.Addr, "path", cfg.Path)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
