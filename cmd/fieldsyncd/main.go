package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"fieldsync/internal/auth"
	"fieldsync/internal/checksum"
	"fieldsync/internal/config"
	"fieldsync/internal/daemon"
	"fieldsync/internal/logging"
	"fieldsync/internal/outbox"
	pebblestore "fieldsync/internal/storage/pebble"
	"fieldsync/internal/storage/sqlite"
	"fieldsync/internal/transport"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.NewForFile(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}, cfg.Paths.LogDir, "fieldsyncd.log")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	var store outbox.Store
	switch cfg.Storage.Backend {
	case "pebble":
		store, err = pebblestore.Open(cfg)
	default:
		store, err = sqlite.Open(cfg)
	}
	if err != nil {
		logger.Error("open queue store", logging.Error(err))
		return
	}

	session := auth.NewSession(logger)
	if err := session.LoadTokenFile(cfg.Auth.TokenFile); err != nil {
		logger.Warn("load session token", logging.Error(err))
	}

	manager, err := outbox.NewManager(ctx, outbox.Options{
		Store:     store,
		Transport: transport.NewClient(cfg, session, logger),
		Auth:      session,
		Checksum:  checksum.New(),
		Logger:    logger,
		DeviceID:  cfg.Device.ID,
		Backoff:   backoffFromConfig(cfg),
	})
	if err != nil {
		logger.Error("create queue manager", logging.Error(err))
		_ = store.Close()
		return
	}

	d, err := daemon.New(cfg, store, manager, logger)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		_ = store.Close()
		return
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		logger.Error("daemon start", logging.Error(err))
		return
	}

	<-ctx.Done()
	logger.Info("fieldsyncd shutting down")
}

func backoffFromConfig(cfg *config.Config) outbox.BackoffPolicy {
	return outbox.BackoffPolicy{
		Base:       millis(cfg.Sync.BackoffBaseMS),
		Multiplier: cfg.Sync.BackoffMultiplier,
		Cap:        millis(cfg.Sync.BackoffCapMS),
		MaxRetries: cfg.Sync.MaxRetries,
	}
}

func millis(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
