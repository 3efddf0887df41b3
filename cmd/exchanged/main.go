// Command exchanged runs the task auction exchange broker: it accepts
// persistent agent websocket sessions, auctions submitted tasks, dispatches
// winners, and tracks reputation — the server side of the wiring main.go
// once demonstrated end-to-end in a single process.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dataparency-dev/exchange/exchange"
	"github.com/dataparency-dev/exchange/types"
)

func main() {
	// ═══════════════════════════════════════════════════════════════
	// STEP 1: Load configuration
	// ═══════════════════════════════════════════════════════════════
	configPath := flag.String("config", "", "path to YAML config file (optional, defaults used otherwise)")
	addr := flag.String("addr", ":8080", "listen address")
	workers := flag.Int("workers", 4, "number of background auction workers")
	flag.Parse()

	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	cfg := exchange.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = exchange.LoadConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("load config")
		}
	}

	// ═══════════════════════════════════════════════════════════════
	// STEP 2: Wire the facade (storage, reputation, registry, auction,
	// dispatch, transport, events — all of C1-C12)
	// ═══════════════════════════════════════════════════════════════
	fx, err := exchange.New(cfg, *workers, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build exchange facade")
	}

	// ═══════════════════════════════════════════════════════════════
	// STEP 3: Expose the agent session endpoint and a submit/status API
	// ═══════════════════════════════════════════════════════════════
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/agents/connect", func(w http.ResponseWriter, r *http.Request) {
		if err := fx.Accept(w, r); err != nil {
			log.Warn().Err(err).Msg("accept agent session")
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content  string         `json:"content"`
			Metadata map[string]any `json:"metadata"`
			Priority types.Priority `json:"priority"`
			Backups  []string       `json:"backups"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if body.Priority == "" {
			body.Priority = types.PriorityNormal
		}
		id, err := fx.Submit(r.Context(), body.Content, body.Metadata, body.Priority, body.Backups)
		if err != nil {
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
	})
	mux.HandleFunc("GET /v1/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		task, ok := fx.GetTask(r.PathValue("id"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(task)
	})
	mux.HandleFunc("DELETE /v1/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !fx.Cancel(r.PathValue("id")) {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{Addr: *addr, Handler: mux}

	// ═══════════════════════════════════════════════════════════════
	// STEP 4: Serve until interrupted, then drain in-flight work
	// ═══════════════════════════════════════════════════════════════
	go func() {
		log.Info().Str("addr", *addr).Msg("exchange listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("serve")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	if err := fx.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("exchange shutdown")
	}
}
