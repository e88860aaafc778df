// Package main is the entry point for the slide annotation server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/slideatlas/server/internal/api"
	"github.com/slideatlas/server/internal/auditstore"
	"github.com/slideatlas/server/internal/cache"
	"github.com/slideatlas/server/internal/config"
	"github.com/slideatlas/server/internal/session"
	"github.com/slideatlas/server/internal/store"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting slide annotation server on port %d", cfg.Server.Port)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// Annotation snapshot store with background reconciliation
	annots := store.New(store.Options{
		SkipDatasets:      cfg.Store.SkipDatasets,
		LockWait:          time.Duration(cfg.Store.LockWaitSeconds) * time.Second,
		ReconcileInterval: cfg.Store.ReconcileInterval,
		Logger:            logger,
	})

	// Query result cache
	results, err := cache.NewManager(cache.Config{
		QueryCacheSizeMB: cfg.Cache.QuerySizeMB,
		QueryTTL:         time.Duration(cfg.Cache.QueryTTLMinutes) * time.Minute,
		RegionCacheSize:  cfg.Cache.RegionCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer results.Close()

	// Edit audit journal
	audit, err := auditstore.NewStore(cfg.Audit.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to initialize audit store: %v", err)
	}
	defer audit.Close()

	if cfg.Audit.RetentionDays > 0 {
		retention := time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour
		if n, err := audit.Prune(retention); err != nil {
			log.Printf("Audit prune failed: %v", err)
		} else if n > 0 {
			log.Printf("Pruned %d audit events older than %d days", n, cfg.Audit.RetentionDays)
		}
	}

	// Session registry
	sessions := session.NewRegistry(session.RegistryConfig{
		Store:       annots,
		Results:     results,
		Audit:       audit,
		Logger:      logger,
		ScaleFactor: cfg.Viewer.ScaleFactor,
		QueryMargin: cfg.Viewer.QueryMargin,
		Debounce:    time.Duration(cfg.Store.DebounceMillis) * time.Millisecond,
	})

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Sessions:    sessions,
		Store:       annots,
		Results:     results,
		Audit:       audit,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := annots.Run(gctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server forced to shutdown: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}

	log.Println("Server stopped")
}
