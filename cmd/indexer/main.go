package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rawblock/shark-indexer/internal/api"
	"github.com/rawblock/shark-indexer/internal/cache"
	"github.com/rawblock/shark-indexer/internal/config"
	"github.com/rawblock/shark-indexer/internal/node"
	"github.com/rawblock/shark-indexer/internal/parser"
	"github.com/rawblock/shark-indexer/internal/projector"
	"github.com/rawblock/shark-indexer/internal/store"
	"github.com/rawblock/shark-indexer/internal/syncer"
)

func main() {
	os.Exit(run())
}

// run carries the real main body so deferred cleanup survives the exit path.
func run() int {
	log.Println("Starting Shark Indexer (Ergo UTxO chain indexing service)...")

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Printf("FATAL: Failed to connect to PostgreSQL: %v", err)
		return 1
	}
	defer db.Close()
	if err := db.InitSchema(ctx); err != nil {
		log.Printf("FATAL: DB schema init failed: %v", err)
		return 1
	}

	var blockCache node.Cache
	if cfg.CacheEnabled {
		bc, err := cache.Open(cfg.CacheDir, cfg.CacheTTL)
		if err != nil {
			log.Printf("Warning: block cache unavailable, continuing without: %v", err)
		} else {
			defer bc.Close()
			blockCache = bc
		}
	}

	nodeClient := node.NewClient(node.Config{
		BaseURL:  cfg.NodeURL,
		APIKey:   cfg.NodeAPIKey,
		Timeout:  cfg.RequestTimeout,
		PoolSize: cfg.MaxWorkers * 2,
	}, blockCache)

	wsHub := api.NewHub()
	go wsHub.Run()

	controller := syncer.NewController(
		syncer.Config{
			PollInterval:    cfg.PollInterval,
			BatchSize:       cfg.BatchSize,
			MaxWorkers:      cfg.MaxWorkers,
			InitialHeight:   cfg.InitialHeight,
			MaxReorgDepth:   cfg.MaxReorgDepth,
			MaxBlockRetries: cfg.MaxBlockRetries,
		},
		nodeClient,
		db,
		parser.New(cfg.NetworkPrefix),
		projector.New(db),
		wsHub.BroadcastBlock,
	)

	fatal := make(chan error, 1)
	go func() { fatal <- controller.Run(ctx) }()

	router := api.SetupRouter(db, controller, wsHub)
	server := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		log.Printf("API listening on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Println("Shutdown signal received")
	case err := <-fatal:
		if err != nil {
			log.Printf("Pipeline halted: %v", err)
			exitCode = 1
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}

	log.Println("Stopped")
	return exitCode
}
