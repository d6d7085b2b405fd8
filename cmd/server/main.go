// Package main implements the downloadq HTTP API server.
// The server runs a download engine in-process and exposes it over REST.
//
// API Endpoints:
//
//	POST   /downloads          - Queue a new download
//	DELETE /downloads?id=<id>  - Remove a download that has not started yet
//	GET    /progress           - Live counters and per-item progress
//	GET    /result?id=<id>     - Stored outcome of a finished download
//	GET    /history?list=<l>   - Recent entries of "completed" or "dead_letter"
//	POST   /schedule           - Register a recurring download
//	GET    /schedule           - List recurring downloads
//	DELETE /schedule?id=<id>   - Drop a recurring download
//	GET    /stats              - Engine and history depths
//	GET    /metrics            - Prometheus metrics
//
// Request Format (POST /downloads):
//
//	{
//	  "source": "https://example.com/file.iso",
//	  "destination": "isos/",
//	  "priority": "high"
//	}
//
// Usage:
//
//	go run ./cmd/server -config downloadq.yaml
//
// Settings come from the config file and DOWNLOADQ_* environment variables.
// API_KEY is still honored when server.api_key is unset.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/downloadq/pkg/config"
	"github.com/guido-cesarano/downloadq/pkg/download"
	"github.com/guido-cesarano/downloadq/pkg/engine"
	"github.com/guido-cesarano/downloadq/pkg/history"
	"github.com/guido-cesarano/downloadq/pkg/logger"
	"github.com/guido-cesarano/downloadq/pkg/schedule"
	"github.com/guido-cesarano/downloadq/pkg/transfer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// app bundles what the handlers need. store is nil when history is disabled.
type app struct {
	engine   *engine.Engine
	store    *history.Store
	sched    *schedule.Scheduler
	gatherer prometheus.Gatherer
	log      zerolog.Logger
}

// authMiddleware wraps an http.HandlerFunc and enforces API Key authentication.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// If no key is configured, allow all (dev mode)
		if requiredKey == "" {
			next(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds CORS headers.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*") // Allow all origins for dev
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-API-Key")

		// Handle preflight requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// enqueueStatus maps an Enqueue error to an HTTP status.
func enqueueStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrCapacityExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrEngineShutdown), errors.Is(err, engine.ErrDuplicateID):
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

// setupRouter configures the HTTP handlers and returns the mux.
// Every route is wrapped as CORS(Auth(handler)) so preflight requests skip auth.
func setupRouter(a *app, apiKey string, metricsPath string) *http.ServeMux {
	mux := http.NewServeMux()
	handle := func(path string, h http.HandlerFunc) {
		mux.HandleFunc(path, enableCORS(authMiddleware(h, apiKey)))
	}

	handle("/downloads", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			a.handleEnqueue(w, r)
		case http.MethodDelete:
			a.handleRemove(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	handle("/progress", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if id := r.URL.Query().Get("id"); id != "" {
			item, ok := a.engine.Item(id)
			if !ok {
				http.Error(w, "Download not found", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, item)
			return
		}
		writeJSON(w, http.StatusOK, a.engine.Progress())
	})

	handle("/result", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Missing download ID", http.StatusBadRequest)
			return
		}
		if a.store == nil {
			http.Error(w, "History is disabled", http.StatusNotImplemented)
			return
		}

		entry, err := a.store.Result(r.Context(), id)
		if errors.Is(err, history.ErrNotFound) {
			http.Error(w, "Result not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	})

	handle("/history", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if a.store == nil {
			http.Error(w, "History is disabled", http.StatusNotImplemented)
			return
		}

		list := r.URL.Query().Get("list")
		if list == "" {
			http.Error(w, "Missing list parameter", http.StatusBadRequest)
			return
		}
		limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)

		entries, err := a.store.Inspect(r.Context(), list, limit)
		if errors.Is(err, history.ErrUnknownList) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})

	handle("/schedule", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, a.sched.Entries())
		case http.MethodPost:
			a.handleSchedule(w, r)
		case http.MethodDelete:
			a.handleUnschedule(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	handle("/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		snap := a.engine.Progress()
		stats := map[string]any{
			"state":     a.engine.State().String(),
			"queued":    snap.Queued,
			"active":    snap.Active,
			"retrying":  snap.Retrying,
			"completed": snap.Completed,
			"failed":    snap.Failed,
		}
		if a.store != nil {
			stats["history"] = a.store.Depths(r.Context())
		}
		writeJSON(w, http.StatusOK, stats)
	})

	mux.Handle(metricsPath, promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (a *app) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source      string `json:"source"`
		Destination string `json:"destination"`
		Priority    string `json:"priority"` // low, normal, high, urgent; empty means normal
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	priority, err := download.ParsePriority(req.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := a.engine.AddDownload(r.Context(), req.Source, req.Destination, priority)
	if err != nil {
		status := enqueueStatus(err)
		if status != http.StatusBadRequest {
			a.log.Warn().Err(err).Str("source", req.Source).Int("status", status).Msg("Download rejected")
		}
		http.Error(w, err.Error(), status)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (a *app) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Missing download ID", http.StatusBadRequest)
		return
	}
	if !a.engine.RemoveDownload(id) {
		http.Error(w, "Download not pending", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Spec        string `json:"spec"` // Cron expression (e.g. "@every 1m")
		Source      string `json:"source"`
		Destination string `json:"destination"`
		Priority    string `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	priority, err := download.ParsePriority(req.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entryID, err := a.sched.Add(req.Spec, download.Request{
		Source:      req.Source,
		Destination: req.Destination,
		Priority:    priority,
	})
	if err != nil {
		http.Error(w, "Invalid schedule: "+err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int{"entry_id": int(entryID)})
}

func (a *app) handleUnschedule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.URL.Query().Get("id"))
	if err != nil || id <= 0 {
		http.Error(w, "Invalid schedule ID", http.StatusBadRequest)
		return
	}
	if !a.sched.Remove(cron.EntryID(id)) {
		http.Error(w, "Schedule not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pruneLoop drops finished per-item progress older than retain.
func pruneLoop(ctx context.Context, e *engine.Engine, retain time.Duration, log zerolog.Logger) {
	if retain <= 0 {
		return
	}
	ticker := time.NewTicker(retain / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.PruneFinished(time.Now().Add(-retain)); n > 0 {
				log.Debug().Int("pruned", n).Msg("Pruned finished downloads")
			}
		}
	}
}

// main wires config, history, engine, scheduler and the HTTP server, and
// shuts them down in reverse order on SIGINT/SIGTERM.
func main() {
	configPath := flag.String("config", "", "Path to a config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := config.Load(config.New(), *configPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid configuration")
	}
	log := logger.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)

	if cfg.Redis.Embedded {
		mr := miniredis.NewMiniRedis()
		addr := cfg.Redis.Addr
		if addr == "" {
			addr = "127.0.0.1:6379"
		}
		if err := mr.StartAddr(addr); err != nil {
			log.Fatal().Err(err).Msg("Failed to start embedded Redis")
		}
		defer mr.Close()
		cfg.Redis.Addr = mr.Addr()
		log.Info().Str("addr", mr.Addr()).Msg("Embedded Redis started")
	}

	var store *history.Store
	if cfg.Redis.Addr != "" {
		store = history.NewStore(cfg.Redis.Addr, cfg.HistoryOptions())
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := store.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("History store unreachable; results will not be recorded until it recovers")
		}
		cancel()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ecfg := cfg.EngineConfig()
	ecfg.Logger = &log
	ecfg.Registerer = reg
	if store != nil {
		ecfg.Recorder = store
	}

	eng, err := engine.New(ecfg, transfer.NewHTTPExecutor(cfg.TransferOptions()))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create engine")
	}
	if err := eng.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start engine")
	}

	sched := schedule.New(eng, log)
	sched.Start()

	apiKey := cfg.Server.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("API_KEY")
	}
	if apiKey == "" {
		log.Warn().Msg("API key not set. Authentication disabled.")
	} else {
		log.Info().Msg("API Authentication enabled.")
	}

	a := &app{engine: eng, store: store, sched: sched, gatherer: reg, log: log}
	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           setupRouter(a, apiKey, cfg.Server.MetricsPath),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go pruneLoop(ctx, eng, cfg.Server.RetainItems, log)

	go func() {
		log.Info().Str("addr", cfg.Server.Listen).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	sched.Stop()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Engine shutdown incomplete")
	}
	log.Info().Msg("Server stopped")
}
