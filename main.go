// main.go
// Wiring: load config, open the store, build the gateway and serve the
// conversation endpoint until a shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Version is set at build time.
var Version = "dev"

func main() {
	configPath := flag.String("config", "hivechat.yaml", "Path to configuration file")
	listen := flag.String("listen", "", "Listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	seed := flag.Bool("seed", false, "Seed demo users and contexts, log their tokens")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().Str("version", Version).Str("config", *configPath).Msg("hivechat starting")

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	store, err := OpenStore(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer store.Close()

	tokens := NewTokenCache(cfg.TokenTTL())

	if *seed {
		data, err := store.Seed()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to seed demo data")
		}
		for _, u := range []User{data.Owner, data.Counterpart} {
			token, err := tokens.Issue(u.ID)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to issue demo token")
			}
			log.Info().Str("username", u.Username).Str("token", token).Msg("demo token")
		}
		log.Info().
			Int64("offer_id", data.OfferID).
			Int64("need_id", data.NeedID).
			Msg("demo contexts seeded")
	}

	server := NewServer(cfg, log.Logger, store, tokens)
	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: server.Handler(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Str("listen", cfg.Listen).Msg("serving conversation endpoint at /ws/chat/{conversationId}/")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("HTTP server failed")
	}
	log.Info().Msg("hivechat stopped")
}
