package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatsync/internal/config"
	"chatsync/internal/httpserver"
	"chatsync/internal/security"
	"chatsync/internal/service"
	"chatsync/internal/store/sqlite"
	"chatsync/internal/transport/natsfeed"
	"chatsync/internal/ws"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	db, err := sqlite.Open(cfg.SQLiteDSN)
	if err != nil {
		log.Error("failed to open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := sqlite.Migrate(db); err != nil {
		log.Error("failed to run migrations", "err", err)
		os.Exit(1)
	}

	// Security components
	tokenSvc := security.NewTokenService(cfg.JWTSecret, time.Duration(cfg.AccessTokenMinutes)*time.Minute)
	passwordHasher := security.NewPasswordHasher(0)

	encryptor, err := security.NewEncryptor([]byte(cfg.EncryptKey))
	if err != nil {
		log.Error("failed to initialize encryptor", "err", err)
		os.Exit(1)
	}

	// Change-record fan-out. The websocket hub serves /feed clients; with
	// NATS configured, mutations publish into NATS and conv.> is relayed
	// back into the hub, so every instance's websocket clients see records
	// from every instance.
	hub := ws.NewHub()
	var publisher service.Publisher = hub
	if cfg.NATSURL != "" {
		nf, err := natsfeed.Connect(cfg.NATSURL, log)
		if err != nil {
			log.Error("failed to connect to NATS", "url", cfg.NATSURL, "err", err)
			os.Exit(1)
		}
		defer nf.Close()
		if err := nf.Relay("conv.>", hub); err != nil {
			log.Error("failed to relay NATS records into the hub", "err", err)
			os.Exit(1)
		}
		publisher = nf
		log.Info("publishing change records to NATS", "url", cfg.NATSURL)
	}

	router := httpserver.NewRouter(cfg, db, hub, tokenSvc, passwordHasher, encryptor, publisher, log)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting server", "addr", cfg.HTTPAddr(), "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "err", err)
	}
}
