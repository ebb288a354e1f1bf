package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/tabsync/internal/config"
	"github.com/agentworkforce/tabsync/internal/ephemeral"
	"github.com/agentworkforce/tabsync/internal/httpapi"
	"github.com/agentworkforce/tabsync/internal/store"
	"github.com/agentworkforce/tabsync/internal/tabsync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}
	log := newLogger(cfg.Log.Level)

	durable, err := store.BuildFromDSN(cfg.Store.DurableDSN, store.Options{MaxBytes: uint64(cfg.Store.MaxBytes)})
	if err != nil {
		log.Fatal().Err(err).Str("dsn", cfg.Store.DurableDSN).Msg("failed to open durable store")
	}
	defer durable.Close()

	var session store.Store
	if cfg.Store.SessionDSN != "" {
		session, err = store.BuildFromDSN(cfg.Store.SessionDSN, store.Options{})
		if err != nil {
			log.Fatal().Err(err).Str("dsn", cfg.Store.SessionDSN).Msg("failed to open session store")
		}
		defer session.Close()
	}

	transport, err := buildTransport(log, cfg.Relay.URL, cfg.TransportScope())
	if err != nil {
		log.Fatal().Err(err).Str("relayUrl", cfg.Relay.URL).Msg("failed to connect ephemeral transport")
	}

	engine, err := tabsync.NewEngine(tabsync.Options{
		Logger:             log,
		Durable:            durable,
		Session:            session,
		Transport:          transport,
		MaxCachedRecords:   cfg.Sync.MaxCachedRecords,
		QueueOpenThreshold: cfg.Sync.QueueOpenThreshold,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start sync engine")
	}
	defer engine.Close()

	if cfg.Sync.OwnerID != 0 {
		var scopeID *string
		if cfg.Sync.ScopeID != "" {
			scopeID = &cfg.Sync.ScopeID
		}
		engine.SetIdentity(cfg.Sync.OwnerID, scopeID)
	} else {
		log.Warn().Msg("no owner id configured; records created by this instance stay unowned")
	}

	if cfg.Status.Addr != "" {
		server := &http.Server{
			Addr:    cfg.Status.Addr,
			Handler: httpapi.NewServer(engine),
		}
		go func() {
			log.Info().Str("addr", cfg.Status.Addr).Msg("status server listening")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("status server failed")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info().Msg("shutting down")
}

func buildTransport(log zerolog.Logger, relayURL, scope string) (tabsync.Transport, error) {
	senderID := uuid.NewString()
	var medium ephemeral.Medium
	if relayURL == "" {
		medium = ephemeral.NewLoopbackBus().Join(scope)
	} else {
		ws, err := ephemeral.DialScope(log, relayURL, scope)
		if err != nil {
			return nil, err
		}
		medium = ws
	}
	return ephemeral.NewEndpoint(log, scope, senderID, medium, ephemeral.EndpointOptions{}), nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
