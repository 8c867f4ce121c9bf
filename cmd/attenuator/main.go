package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/banshee-data/attenuator/internal/api"
	"github.com/banshee-data/attenuator/internal/attenuator"
	"github.com/banshee-data/attenuator/internal/compensation"
	"github.com/banshee-data/attenuator/internal/config"
	"github.com/banshee-data/attenuator/internal/db"
	"github.com/banshee-data/attenuator/internal/monitoring"
	"github.com/banshee-data/attenuator/internal/serialport"
	"github.com/banshee-data/attenuator/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to config file (default: ./config.{json,yaml} if present)")
	listen      = flag.String("listen", "", "Listen address, overrides server.host and server.port")
	devMode     = flag.Bool("dev", false, "Run with simulated attenuators instead of serial hardware")
	devDevices  = flag.Int("dev-devices", 3, "Number of simulated attenuators in dev mode")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		v := version.Get()
		fmt.Printf("attenuator %s (%s, built %s)\n", v.Version, v.GitSHA, v.BuildTime)
		return
	}

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("attenuator service failed")
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}
	logCloser, err := monitoring.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	addr := cfg.ListenAddr()
	if *listen != "" {
		addr = *listen
	}

	database, err := db.NewDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := importLegacyMapping(ctx, database, cfg.Frequency.MappingFile); err != nil {
		log.Warn().Err(err).Str("file", cfg.Frequency.MappingFile).Msg("failed to import device mapping")
	}

	resolver := compensation.NewResolver(cfg.Frequency.CompensationDir, database)
	table := loadGlobalTable(resolver, cfg.Frequency.JSONFile)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(reg)

	opts := attenuator.Options{
		Scanner:                serialport.EnumeratorScanner{Pattern: cfg.Serial.PortPattern},
		PortOptions:            cfg.Serial.Options,
		ResponseTimeout:        cfg.Serial.ResponseTimeout,
		IdentifyCommand:        cfg.Serial.IdentifyCommand,
		IdentifyFromDescriptor: cfg.Serial.IdentifyFromUSB || cfg.Serial.IdentifyCommand == "",
		Table:                  table,
		Resolver:               resolver,
		InitialFrequency:       cfg.Frequency.Default,
		Metrics:                metrics,
	}
	if *devMode {
		factory, scanner := serialport.NewSimulatedBench(*devDevices)
		opts.Factory = factory
		opts.Scanner = scanner
		log.Info().Int("devices", *devDevices).Msg("dev mode: using simulated attenuators")
	}
	if table.Source() != compensation.BuiltinSource {
		opts.TableFile = table.Source()
	}
	ctrl := attenuator.NewController(opts)
	defer ctrl.DisconnectAll()

	ports, err := ctrl.ScanPorts()
	if err != nil {
		log.Warn().Err(err).Msg("startup port scan failed")
	} else {
		log.Info().Strs("ports", ports).Msg("startup port scan")
		if cfg.Serial.AutoConnect && len(ports) > 0 {
			for port, res := range ctrl.Connect(ctx, ports) {
				if res.Err != nil {
					log.Warn().Err(res.Err).Str("port", port).Msg("auto-connect failed")
				}
			}
		}
	}

	srv := api.NewServer(ctrl, api.Options{
		Bindings:        database,
		Gatherer:        reg,
		CompensationDir: cfg.Frequency.CompensationDir,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		RateLimit:       cfg.Server.RateLimit,
		RateBurst:       cfg.Server.RateBurst,
		JWTSecret:       cfg.Server.JWTSecret,
	})

	mux := srv.ServeMux()
	// mount the admin debugging routes (accessible only from loopback or over Tailscale)
	srv.AttachAdminRoutes(mux)
	if err := database.AttachAdminRoutes(mux); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	if cfg.Frequency.ReloadInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			watchTables(ctx, ctrl, cfg.Frequency.ReloadInterval)
		}()
	}

	serveErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", addr).Str("version", version.Version).Msg("starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("failed to start server: %w", err)
	}
	log.Info().Msg("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown error")
	}
	wg.Wait()
	log.Info().Msg("graceful shutdown complete")
	return nil
}

type tableReloader interface {
	ReloadModified(ctx context.Context) bool
}

// watchTables checks compensation files for changes every interval until ctx
// is done.
func watchTables(ctx context.Context, r tableReloader, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReloadModified(ctx)
		}
	}
}

// loadGlobalTable reads path through resolver, falling back to the built-in
// table when the file is missing or invalid. Loading through the resolver
// lets later reloads tell whether the file changed.
func loadGlobalTable(resolver *compensation.Resolver, path string) *compensation.Table {
	if path == "" {
		return compensation.Default()
	}
	t, err := resolver.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Info().Str("file", path).Msg("compensation file not found, using built-in table")
		} else {
			log.Warn().Err(err).Str("file", path).Msg("invalid compensation file, using built-in table")
		}
		return compensation.Default()
	}
	log.Info().Str("file", path).Int("samples", t.Len()).Msg("loaded compensation table")
	return t
}
