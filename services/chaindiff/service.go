// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chaindiff assembles the ChainDiff service.
//
// The service resolves diffs between contract versions of a Casper package.
// Resolved diffs are cached in a dictionary of an on-chain diff store
// contract; misses are computed from version records kept in Badger and
// written back to the chain in the background.
//
// # Usage
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := chaindiff.New(ctx, cfg, chaindiff.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(context.Background())
//	err = svc.Run(ctx)
package chaindiff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/ChainDiff/pkg/logging"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/cachekey"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/chain"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/chaincache"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/config"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/datatypes"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/explain"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/ingest"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/metadata"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/observability"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/records"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/resolver"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/routes"
	badgerstore "github.com/AleutianAI/ChainDiff/services/chaindiff/storage/badger"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/telemetry"
)

// ServiceName identifies the service in logs, traces and metrics.
const ServiceName = "chaindiff"

// Version is the service version reported to telemetry.
var Version = "0.1.0"

// Options overrides dependencies New would otherwise build from config.
// Every field is optional.
type Options struct {
	// Endpoint replaces the JSON-RPC node client.
	Endpoint chain.Endpoint

	// Store replaces the Badger record store. The service closes it.
	Store records.Store

	// Signer replaces the key loaded from diff_store.secret_key_path.
	Signer *chain.Signer

	// Completer replaces the OpenAI client used for diff analysis.
	Completer explain.Completer

	// Metadata replaces the explorer client.
	Metadata ingest.MetadataSource

	// Registerer and Gatherer replace the default Prometheus registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	// Logger replaces the logger built from the log section.
	Logger *logging.Logger
}

// Service is the assembled ChainDiff service.
//
// # Thread Safety
//
// Safe for concurrent use once New returns. Close must be called once.
type Service struct {
	cfg       config.Config
	logger    *logging.Logger
	ownLogger bool

	endpoint  chain.Endpoint
	store     records.Store
	persister *chaincache.Persister
	resolver  *resolver.Resolver
	tracker   *ingest.Tracker
	explainer *explain.Explainer
	router    *gin.Engine

	shutdownTelemetry func(context.Context) error
}

// New builds the service from cfg.
//
// # Description
//
// Wires telemetry, the node client, the record store, the chain cache, the
// resolver, ingest and the HTTP router. The chain cache is read-only without
// a signing key and disabled without diff_store.package_hash; diffs are then
// always computed. Diff analysis is enabled when the LLM API key variable is
// set or Options.Completer is given.
//
// # Outputs
//
//   - *Service: The service. Call Close to release it.
//   - error: Any construction failure. Partially built resources are released.
func New(ctx context.Context, cfg config.Config, opts Options) (_ *Service, err error) {
	s := &Service{cfg: cfg, logger: opts.Logger}
	if s.logger == nil {
		s.logger = logging.New(logging.Config{
			Level:   logging.ParseLevel(cfg.Log.Level),
			LogDir:  cfg.Log.Dir,
			Service: ServiceName,
			JSON:    cfg.Log.JSON,
		})
		s.ownLogger = true
	}
	defer func() {
		if err != nil {
			_ = s.Close(context.WithoutCancel(ctx))
		}
	}()
	log := s.logger.Slog()

	s.shutdownTelemetry, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName:    ServiceName,
		ServiceVersion: Version,
		TraceExporter:  cfg.Telemetry.TraceExporter,
		MetricExporter: cfg.Telemetry.MetricExporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Registerer:     opts.Registerer,
		Gatherer:       opts.Gatherer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metrics := observability.NewMetrics(reg)

	s.endpoint = opts.Endpoint
	if s.endpoint == nil {
		client, err := chain.NewRPCClient(chain.RPCConfig{
			NodeAddress: cfg.Chain.NodeAddress,
			Timeout:     cfg.Chain.RequestTimeout,
			RateLimit:   cfg.Chain.RateLimit,
			Burst:       cfg.Chain.Burst,
			Logger:      log,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create the node client: %w", err)
		}
		s.endpoint = client
	}

	s.store = opts.Store
	if s.store == nil {
		dbCfg := badgerstore.DefaultConfig(cfg.Records.Path)
		if cfg.Records.InMemory {
			dbCfg = badgerstore.InMemoryConfig()
		}
		dbCfg.Logger = log
		store, err := records.OpenBadgerStore(dbCfg, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open the record store: %w", err)
		}
		s.store = store
	}

	var cache resolver.Cache = disabledCache{}
	var scheduler resolver.Scheduler
	if storeRef, ok := cfg.StorePackage(); ok {
		cache = chaincache.NewReader(s.endpoint, chaincache.ReaderConfig{
			StorePackage:  storeRef,
			LookupTimeout: cfg.DiffStore.LookupTimeout,
			SeedTTL:       cfg.DiffStore.SeedCacheTTL,
			Logger:        log,
			Metrics:       metrics,
		})
		signer, err := s.signer(opts)
		if err != nil {
			return nil, err
		}
		if signer != nil {
			writer := chaincache.NewWriter(s.endpoint, signer, chaincache.WriterConfig{
				StorePackage:  storeRef,
				ChainName:     cfg.ChainName(),
				TTL:           cfg.DiffStore.TTL,
				PaymentAmount: cfg.DiffStore.PaymentAmount,
				Logger:        log,
				Metrics:       metrics,
			})
			s.persister = chaincache.NewPersister(writer, chaincache.PersisterConfig{
				MaxConcurrent: cfg.DiffStore.MaxConcurrentWrites,
				Timeout:       cfg.DiffStore.PersistTimeout,
				Logger:        log,
				Metrics:       metrics,
			})
			scheduler = s.persister
		} else {
			log.Warn("No diff store key configured, chain cache is read-only")
		}
	} else {
		log.Warn("No diff store package configured, chain cache is disabled")
	}

	s.resolver = resolver.New(cache, s.store, scheduler, resolver.Config{Logger: log, Metrics: metrics})

	meta, err := s.metadataSource(opts)
	if err != nil {
		return nil, err
	}
	s.tracker = ingest.NewTracker(s.endpoint, s.store, ingest.Config{
		Network:  cfg.Network,
		Metadata: meta,
		Warmer:   s.resolver,
		Logger:   log,
	})

	completer := opts.Completer
	if completer == nil {
		if key := os.Getenv(cfg.LLM.APIKeyEnv); cfg.LLM.APIKeyEnv != "" && key != "" {
			completer = explain.NewOpenAIClient(key, cfg.LLM.BaseURL)
		}
	}
	if completer != nil {
		s.explainer = explain.New(completer, explain.Config{Model: cfg.LLM.Model, MaxTokens: cfg.LLM.MaxTokens, Logger: log})
	}

	s.initRouter()
	log.Info("ChainDiff service initialized",
		"network", cfg.Network,
		"chain_name", cfg.ChainName(),
		"chain_cache", cfg.DiffStore.PackageHash != "",
		"write_back", s.persister != nil,
		"analysis", s.explainer != nil)
	return s, nil
}

func (s *Service) signer(opts Options) (*chain.Signer, error) {
	if opts.Signer != nil {
		return opts.Signer, nil
	}
	if s.cfg.DiffStore.SecretKeyPath == "" {
		return nil, nil
	}
	signer, err := chain.LoadSigner(s.cfg.DiffStore.SecretKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load the diff store key: %w", err)
	}
	return signer, nil
}

func (s *Service) metadataSource(opts Options) (ingest.MetadataSource, error) {
	if opts.Metadata != nil {
		return opts.Metadata, nil
	}
	client, err := metadata.NewClient(metadata.Config{
		BaseURL:  s.cfg.Metadata.Endpoint,
		Network:  s.cfg.Network,
		Includes: s.cfg.Metadata.Includes,
		APIKey:   os.Getenv(s.cfg.Metadata.APIKeyEnv),
		Timeout:  s.cfg.Metadata.Timeout,
	})
	if errors.Is(err, metadata.ErrUnsupportedNetwork) {
		s.logger.Info("No explorer for network, metadata enrichment disabled", "network", s.cfg.Network)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create the metadata client: %w", err)
	}
	return client, nil
}

func (s *Service) initRouter() {
	gin.SetMode(s.cfg.Server.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery(), otelgin.Middleware(ServiceName))

	deps := routes.Dependencies{
		Packages: s.tracker,
		Records:  s.store,
		Resolver: s.resolver,
	}
	if s.explainer != nil {
		deps.Analyzer = s.explainer
	}
	routes.SetupRoutes(s.router, deps)
}

// =============================================================================
// Accessors
// =============================================================================

// Router returns the HTTP router.
func (s *Service) Router() *gin.Engine { return s.router }

// Resolver returns the diff resolver.
func (s *Service) Resolver() *resolver.Resolver { return s.resolver }

// Tracker returns the package tracker.
func (s *Service) Tracker() *ingest.Tracker { return s.tracker }

// Explainer returns the diff explainer, or nil when analysis is disabled.
func (s *Service) Explainer() *explain.Explainer { return s.explainer }

// Config returns the configuration the service was built from.
func (s *Service) Config() config.Config { return s.cfg }

// Store returns the record store.
func (s *Service) Store() records.Store { return s.store }

// Logger returns the service logger.
func (s *Service) Logger() *slog.Logger { return s.logger.Slog() }

// =============================================================================
// Lifecycle
// =============================================================================

// Run serves HTTP on the configured port until ctx is done, then shuts the
// server down within server.shutdown_timeout. It does not call Close.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: s.router,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting ChainDiff server", "port", s.cfg.Server.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down ChainDiff server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Close drains pending chain writes, flushes telemetry and closes the store.
// ctx bounds the drain; writes still running when it ends are abandoned.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if s.persister != nil {
		if err := s.persister.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain chain writes: %w", err))
		}
	}
	if s.shutdownTelemetry != nil {
		if err := s.shutdownTelemetry(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close record store: %w", err))
		}
	}
	if s.ownLogger {
		if err := s.logger.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// disabledCache always misses.
type disabledCache struct{}

func (disabledCache) Lookup(context.Context, cachekey.CacheKey) (*datatypes.VersionDiff, error) {
	return nil, nil
}
