package main

import (
	"net/http"
	"os"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/tabsync/internal/ephemeral"
)

func main() {
	addr := os.Getenv("TABSYNC_RELAY_ADDR")
	if addr == "" {
		addr = ":7433"
	}
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	hub := ephemeral.NewRelayHub(log)
	mux := http.NewServeMux()
	mux.Handle("/v1/scopes/", hub)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	log.Info().Str("addr", addr).Msg("relay listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal().Err(err).Msg("relay server failed")
	}
}
