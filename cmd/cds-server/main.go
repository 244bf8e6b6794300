package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/cdshooks/internal/config"
	"github.com/ehr/cdshooks/internal/domain/appliable"
	"github.com/ehr/cdshooks/internal/domain/appliable/ccsm"
	"github.com/ehr/cdshooks/internal/domain/cdsservice"
	"github.com/ehr/cdshooks/internal/domain/hooks"
	"github.com/ehr/cdshooks/internal/domain/library"
	"github.com/ehr/cdshooks/internal/platform/metrics"
	"github.com/ehr/cdshooks/internal/platform/middleware"
	"github.com/ehr/cdshooks/internal/platform/terminology"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cds-server",
		Short: "CDS Hooks service for CQL libraries and PlanDefinitions",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(discoverCmd())
	rootCmd.AddCommand(callCmd())
	rootCmd.AddCommand(execCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the CDS Hooks server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// appliableBehaviors lists the modules whose cards are not built by the
// standard formatter.
var appliableBehaviors = map[string]appliable.Factory{
	"ccsm": ccsm.New,
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// buildServer loads the libraries, appliable modules and hooks named by cfg
// and returns an Echo instance serving them. Any load failure is returned;
// the server must not start with a partial hook set.
func buildServer(cfg *config.Config, logger zerolog.Logger) (*echo.Echo, error) {
	m := metrics.New()

	libs := library.NewRegistry(logger)
	if err := libs.Load(cfg.LibrariesDir); err != nil {
		return nil, fmt.Errorf("load libraries: %w", err)
	}

	apply := appliable.NewRegistry(appliableBehaviors, logger)
	if err := apply.Load(cfg.ApplyDir); err != nil {
		return nil, fmt.Errorf("load appliable modules: %w", err)
	}

	hookReg := hooks.NewRegistry(libs, apply, logger)
	if err := hookReg.Load(cfg.HooksDir); err != nil {
		return nil, fmt.Errorf("load hooks: %w", err)
	}

	codes, err := terminology.NewService(terminology.Options{
		CacheDir: cfg.VSACCacheDir,
		APIKey:   cfg.UMLSAPIKey,
		BaseURL:  cfg.VSACFHIRURL,
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		return nil, fmt.Errorf("load value set cache: %w", err)
	}

	svc := cdsservice.NewService(cdsservice.Options{
		Hooks:             hookReg,
		Libraries:         libs,
		Apply:             apply,
		Terminology:       codes,
		Clients:           cdsservice.ClientsFromRequest(cfg.FHIRClientTimeout),
		IgnoreVSACErrors:  cfg.IgnoreVSACErrors,
		SmartIfNoPrefetch: cfg.SmartIfNoPrefetch,
		AltFHIRQueries:    cfg.AltFHIRQueries,
		CollapseCards:     cfg.CollapseCards,
		Metrics:           m,
		Logger:            logger,
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit(cfg.MaxRequestSize))
	e.Use(middleware.CORS(cfg.CORSOrigins))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled()))

	cdsservice.NewHandler(svc, m).RegisterRoutes(e)

	logger.Info().
		Int("libraries", len(libs.All())).
		Int("appliable_modules", len(apply.Get())).
		Int("hooks", len(hookReg.All(true))).
		Bool("ignore_vsac_errors", cfg.IgnoreVSACErrors).
		Bool("smart_if_no_prefetch", cfg.SmartIfNoPrefetch).
		Strs("alt_fhir_queries", cfg.AltFHIRQueries).
		Bool("collapse_cards", cfg.CollapseCards).
		Msg("configuration loaded")
	return e, nil
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stdout).With().Timestamp().Logger()
		l.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	e, err := buildServer(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load CDS configuration")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled()).Msg("starting server")
		var err error
		if cfg.TLSEnabled() {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
