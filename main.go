package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"

	"github.com/alimasry/go-note-collab/auth"
	"github.com/alimasry/go-note-collab/config"
	"github.com/alimasry/go-note-collab/server"
	"github.com/alimasry/go-note-collab/store"
)

func main() {
	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := buildStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("store setup failed")
	}
	defer cleanup()

	sessions, err := buildSessions(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("session store setup failed")
	}
	authSvc := auth.NewService([]byte(cfg.TokenSecret), sessions, cfg.SessionTTL)

	hub := server.NewHub(st, log)
	go hub.Run()
	defer hub.Stop()

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.NewHandler(hub, authSvc, log),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.Addr).Str("backend", cfg.StoreBackend).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("shut down")
}

// buildStore wires the configured backend. Firestore and postgres get a
// write-behind cache in front; memory is already fast and authoritative.
func buildStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "memory", "":
		return store.NewMemoryStore(), func() {}, nil
	case "firestore":
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, err
		}
		cached := store.NewCachedStore(store.NewFirestoreStore(client), cfg.FlushInterval, log)
		return cached, func() {
			cached.Close()
			client.Close()
		}, nil
	case "postgres":
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		pg := store.NewPostgresStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		cached := store.NewCachedStore(pg, cfg.FlushInterval, log)
		return cached, func() {
			cached.Close()
			db.Close()
		}, nil
	default:
		return nil, nil, errors.New("unknown STORE_BACKEND " + cfg.StoreBackend)
	}
}

func buildSessions(cfg config.Config) (auth.SessionStore, error) {
	if cfg.RedisURL == "" {
		return auth.NewMemorySessionStore(), nil
	}
	return auth.NewRedisSessionStore(cfg.RedisURL)
}
