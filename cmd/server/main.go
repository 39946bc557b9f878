package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/blockparty/lobby-backend/internal/board"
	"github.com/blockparty/lobby-backend/internal/config"
	"github.com/blockparty/lobby-backend/internal/directory"
	"github.com/blockparty/lobby-backend/internal/httpapi"
	"github.com/blockparty/lobby-backend/internal/negotiate"
	"github.com/blockparty/lobby-backend/internal/relay"
)

func main() {
	log := zap.Must(zap.NewProduction())
	defer log.Sync()

	cfg := config.Load()

	dirStore, boardStore, err := buildStores(cfg, log)
	if err != nil {
		log.Fatal("store setup", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := relay.NewHub(ctx, log)

	handler := httpapi.SetupRoutes(httpapi.Deps{
		Hub:       hub,
		Directory: dirStore,
		Board:     boardStore,
		Negotiate: negotiate.Config{
			Endpoint:   cfg.RelayEndpoint,
			DefaultHub: cfg.Hub,
			Secret:     cfg.JWTSecret,
		},
		LobbyTTL: cfg.LobbyTTL,
		Log:      log,
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: handler}

	go func() {
		log.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("serve", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	hub.Inbox() <- relay.Shutdown{}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
}

func buildStores(cfg *config.Config, log *zap.Logger) (directory.Store, board.Store, error) {
	if cfg.DatabaseDSN == "" {
		log.Info("no DATABASE_DSN, using in-memory stores")
		return directory.NewMemoryStore(), board.NewMemoryStore(), nil
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
	if err != nil {
		return nil, nil, err
	}
	dirStore := directory.NewGormStore(db)
	if err := dirStore.Migrate(); err != nil {
		return nil, nil, err
	}
	boardStore := board.NewGormStore(db)
	if err := boardStore.Migrate(); err != nil {
		return nil, nil, err
	}
	log.Info("using postgres stores")
	return dirStore, boardStore, nil
}
