package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openmates/core/internal/storage/s3"
	"github.com/openmates/core/internal/uploads"
)

func main() {
	log := logrus.New()

	cfg, err := uploads.LoadConfig(log)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if cfg.Environment == "production" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := s3.New(ctx, s3.Options{
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		ForcePathStyle:  cfg.S3ForcePathStyle,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to initialize object storage")
	}

	core := uploads.NewCoreClient(cfg.CoreAPIBaseURL, cfg.InternalToken, log)

	var scanner uploads.Scanner
	if cfg.ClamdAddress != "" {
		clam := uploads.NewClamdScanner(cfg.ClamdAddress)
		if err := clam.Ping(); err != nil {
			log.WithError(err).Warn("clamd is not responding, scans will fail until it recovers")
		}
		scanner = clam
	}

	var detector uploads.Detector
	if cfg.DetectorURL != "" {
		detector = uploads.NewHTTPDetector(cfg.DetectorURL, cfg.DetectorAPIKey, log)
	}

	service := uploads.NewService(uploads.ServiceOptions{
		Config:   cfg,
		Core:     core,
		Store:    store,
		Scanner:  scanner,
		Detector: detector,
		Logger:   log,
	})
	handlers := uploads.NewHandlers(cfg, service, core, log)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handlers.Router(),
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("upload service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}
