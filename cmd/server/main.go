package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/npezzotti/go-jam/internal/api"
	"github.com/npezzotti/go-jam/internal/config"
	"github.com/npezzotti/go-jam/internal/database"
	"github.com/npezzotti/go-jam/internal/server"
	"github.com/npezzotti/go-jam/internal/stats"
)

var configFile string

func main() {
	flag.StringVar(&configFile, "config", "", "path to a config file")
	flag.Parse()

	logger := log.New(os.Stderr, "[go-jam] ", log.LstdFlags)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Fatal("load .env:", err)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		logger.Fatal("config:", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	tracks, closeTracks, err := openCatalog(ctx, logger, cfg)
	if err != nil {
		logger.Fatal("catalog:", err)
	}
	defer func() {
		if err := closeTracks(); err != nil {
			logger.Println("catalog close:", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	coord := server.NewCoordinator(logger, tracks, statsUpdater, server.Options{
		MaxParticipants:   cfg.MaxParticipants,
		HeartbeatInterval: cfg.HeartbeatInterval,
		IdleRoomTimeout:   cfg.IdleRoomTimeout,
		PongWait:          cfg.PongWait,
	})

	srv := api.NewJamApp(mux, logger, coord, tracks, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down room coordinator...")
	if err := coord.Shutdown(shutDownCtx); err != nil {
		logger.Println("coordinator shutdown:", err)
	}

	logger.Println("shutdown complete")
}

// openCatalog connects to Postgres when a DSN is configured and falls back
// to an in-memory catalog seeded from the catalog file otherwise. The file
// is watched for changes until ctx is done.
func openCatalog(ctx context.Context, logger *log.Logger, cfg *config.Config) (database.TrackRepository, func() error, error) {
	if cfg.DatabaseDSN != "" {
		db, err := database.NewPgTrackRepository(cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, nil, err
		}
		return db, db.Close, nil
	}

	mem := database.NewMemTrackRepository()
	if cfg.CatalogFile != "" {
		n, err := database.SeedFromFile(mem, cfg.CatalogFile)
		if err != nil {
			return nil, nil, err
		}
		logger.Printf("loaded %d tracks from %s", n, cfg.CatalogFile)

		if err := database.WatchCatalog(ctx, logger, mem, cfg.CatalogFile); err != nil {
			logger.Println("catalog watch:", err)
		}
	} else {
		logger.Println("no database or catalog file configured, starting with an empty catalog")
	}

	return mem, func() error { return nil }, nil
}
