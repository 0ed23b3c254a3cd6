package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/mado-gateway/internal/aedirectory"
	"github.com/otcheredev/mado-gateway/internal/config"
	"github.com/otcheredev/mado-gateway/internal/handlers"
	"github.com/otcheredev/mado-gateway/internal/instancecache"
	"github.com/otcheredev/mado-gateway/internal/metadatacache"
	"github.com/otcheredev/mado-gateway/internal/mhdclient"
	"github.com/otcheredev/mado-gateway/internal/middleware"
	"github.com/otcheredev/mado-gateway/internal/scp"
	"github.com/otcheredev/mado-gateway/internal/wadoclient"
	"github.com/otcheredev/mado-gateway/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().Msg("Starting MADO gateway")

	mhd := mhdclient.New(cfg.MHD.FHIRBaseURL)
	wado := wadoclient.New(cfg.MHD.WADORSBaseURL)
	metadata := metadatacache.New(mhd, cfg.MHD.MetadataTTL)
	instances := instancecache.New(int64(cfg.Cache.MaxSizeMB)*1024*1024, time.Duration(cfg.Cache.TTLMinutes)*time.Minute, cfg.Cache.Enabled)
	directory := aedirectory.New(cfg.AE.FallbackHost, cfg.AE.FallbackPort)

	engine := scp.New(scp.Config{
		AETitle:              cfg.DIMSE.AETitle,
		Port:                 cfg.DIMSE.Port,
		MaxPDULength:         cfg.DIMSE.MaxPDULength,
		AssociationTimeout:   cfg.DIMSE.AssociationTimeout,
		MaxAssociations:      cfg.DIMSE.MaxAssociations,
		MaxParallelDownloads: cfg.DIMSE.MaxParallelDownloads,
		MaxParallelStores:    cfg.DIMSE.MaxParallelStores,
	}, metadata, instances, wado, directory, log.Logger)

	if cfg.DIMSE.AutoStart {
		if err := engine.Start(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("Failed to start SCP engine")
		}
	}

	healthHandler := handlers.NewHealthHandler(engine)
	opsHandler := handlers.NewOperationsHandler(engine, metadata, instances, directory, cfg.DIMSE.AETitle)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", opsHandler.Status)
		r.Post("/engine/start", opsHandler.StartEngine)
		r.Post("/engine/stop", opsHandler.StopEngine)
		r.Post("/cache/clear", opsHandler.ClearCache)
		r.Get("/cache/stats", opsHandler.CacheStats)
		r.Post("/ae/test", opsHandler.TestConnection)
		r.Get("/ae", opsHandler.ListAE)
		r.Put("/ae", opsHandler.PutAE)
		r.Delete("/ae/{aeTitle}", opsHandler.RemoveAE)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Management API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Management API failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Management API forced to shutdown")
	}

	engine.Stop()

	log.Info().Msg("Stopped")
}
