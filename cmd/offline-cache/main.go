package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/always-cache/offline-cache"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Application origin URL (overrides config)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name, 'memory' or 'leveldb:<dir>' (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	cfg, err := loadConfig(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	if originFlag != "" {
		cfg.Origin = originFlag
	}
	if portFlag != 0 {
		cfg.Port = portFlag
	}
	if dbFilenameFlag != "" {
		cfg.Database = dbFilenameFlag
	}
	if err := cfg.validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	for _, name := range cfg.missingHeaders {
		log.Warn().Str("header", name).Msg("External API header is empty and will not be sent")
	}

	provider, err := openProvider(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Str("database", cfg.Database).Msg("Could not open cache")
	}
	defer provider.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine, err := offlinecache.New(offlinecache.Config{
		Cache:              provider,
		OriginURL:          *cfg.originURL,
		StaticVersion:      cfg.Versions.Static,
		APIVersion:         cfg.Versions.API,
		Manifest:           cfg.Manifest,
		NavigationFallback: cfg.NavigationFallback,
		APIRules:           cfg.ExternalAPIs,
		TTL:                cfg.ttl,
		Logger:             &log.Logger,
		Registerer:         registry,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create engine")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           newRouter(engine, registry, log.Logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// the lifecycle outlives the server, so no request starts background work after it stopped
	lifecycleCtx, stopLifecycle := context.WithCancel(context.Background())
	defer stopLifecycle()
	lifecycleDone := make(chan struct{})
	go func() {
		defer close(lifecycleDone)
		if err := engine.Run(lifecycleCtx); err != nil {
			log.Error().Err(err).Msg("Lifecycle stopped")
		}
	}()

	go func() {
		log.Info().Msgf("Serving port %v for %s", cfg.Port, cfg.originURL.String())
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Could not shut down server cleanly")
	}
	stopLifecycle()
	<-lifecycleDone
	log.Info().Msg("Stopped")
}
