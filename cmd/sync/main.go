package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"chronicle/sync/internal/app"
	"chronicle/sync/internal/collab"
	"chronicle/sync/internal/config"
	"chronicle/sync/internal/gateway"
	"chronicle/sync/internal/snapshot"
	"chronicle/sync/internal/store"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx := context.Background()

	compression, err := snapshot.ParseCompression(cfg.SnapshotCompression)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store %s: %v", cfg.Store, err)
	}
	defer dataStore.Close()

	rooms := collab.NewRegistry(dataStore, collab.Options{
		SaveDebounce:      cfg.SaveDebounce,
		EvictionGrace:     cfg.EvictionGrace,
		Compression:       compression,
		PresenceOwnerOnly: cfg.PresenceOwnerOnly,
	})
	syncServer := gateway.NewServer(rooms, gateway.ServerOptions{
		SendQueue:     cfg.SendQueue,
		AllowedOrigin: cfg.CORSOrigin,
	})
	service := app.New(dataStore, rooms, syncServer)

	httpServer := app.NewHTTPServer(service, syncServer, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Chronicle sync listening on %s (store=%s, compression=%s)", cfg.Addr, cfg.Store, compression)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	// Hijacked connections are not closed by Shutdown.
	syncServer.CloseAll()
	if err := rooms.Close(shutdownCtx); err != nil {
		log.Printf("saving rooms on shutdown: %v", err)
	}
}

// loadConfig layers command-line flags over the optional config file over
// the environment.
func loadConfig(args []string) (config.Config, error) {
	cfg := config.Load()

	var addr, configPath, storeName string
	flagSet := pflag.NewFlagSet("chronicle-sync", pflag.ContinueOnError)
	flagSet.StringVar(&addr, "addr", "", "listen address (default $SYNC_ADDR or :8788)")
	flagSet.StringVar(&configPath, "config", "", "YAML file overriding environment settings")
	flagSet.StringVar(&storeName, "store", "", "snapshot store: memory, postgres, redis or s3")
	if err := flagSet.Parse(args); err != nil {
		return cfg, err
	}

	if configPath != "" {
		if err := config.LoadFile(configPath, &cfg); err != nil {
			return cfg, err
		}
	}
	if flagSet.Changed("addr") {
		cfg.Addr = addr
	}
	if flagSet.Changed("store") {
		cfg.Store = storeName
	}
	return cfg, cfg.Validate()
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		log.Printf("Using in-memory snapshot store; snapshots are lost on restart")
		return store.NewMemoryStore(), nil
	case config.StorePostgres:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return store.NewPostgresStore(db), nil
	case config.StoreRedis:
		return store.NewRedisStore(cfg.RedisURL)
	case config.StoreS3:
		return store.NewObjectStore(ctx, store.ObjectConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}
