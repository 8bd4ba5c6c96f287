package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"docrelay/internal/auth"
	"docrelay/internal/config"
	"docrelay/internal/relay"
	"docrelay/internal/room"
	"docrelay/internal/store"
	"docrelay/internal/viz"
	"docrelay/internal/ws"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	configVar := flag.String("config", "", "path to an optional TOML config file")
	addrVar := flag.String("addr", "", "the address to listen on (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configVar)
	if err != nil {
		return err
	}
	if *addrVar != "" {
		cfg.Addr = *addrVar
	}

	var st store.Store
	if cfg.DatabaseURL != "" {
		slog.Info("Opening postgres store")
		if st, err = store.OpenPostgres(context.Background(), cfg.DatabaseURL); err != nil {
			return err
		}
	} else {
		slog.Info("Opening sqlite store", "path", cfg.SQLitePath)
		if st, err = store.OpenSQLite(cfg.SQLitePath); err != nil {
			return err
		}
	}
	defer st.Close()

	registry := room.NewRegistry(st, cfg.SaveInterval)

	var rl *relay.Relay
	if cfg.RedisURL != "" {
		slog.Info("Connecting to relay")
		if rl, err = relay.New(cfg.RedisURL, registry.ApplyRemote); err != nil {
			return err
		}
		defer rl.Close()
		registry.SetPublisher(rl.Publish)
	}

	gateway := ws.NewGateway(auth.NewJWTVerifier([]byte(cfg.JWTSecret)), registry)

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/docs/{doc}/sync").HandlerFunc(gateway.Serve)
	r.Methods(http.MethodGet).Path("/docs/{doc}/latest").HandlerFunc(getLatest(registry, st))
	r.Methods(http.MethodGet).Path("/docs/{doc}/graph").HandlerFunc(getGraph(registry))
	r.Methods(http.MethodGet).Path("/stats").HandlerFunc(getStats(registry))
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusNoContent)
	})

	httpServer := &http.Server{Addr: cfg.Addr, Handler: r}
	go func() {
		slog.Info("Listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	registry.Shutdown(shutdownCtx)
	_ = httpServer.Shutdown(shutdownCtx)

	return nil
}

// getLatest serves the current merged snapshot, falling back to the persisted
// copy when the document has no active room.
func getLatest(registry *room.Registry, st store.Store) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		docID := mux.Vars(request)["doc"]
		var snapshot []byte
		if rm, ok := registry.Lookup(docID); ok {
			fork, err := rm.Fork()
			if err != nil {
				slog.Error("failed to fork doc", "doc", docID, "err", err)
				writer.WriteHeader(http.StatusInternalServerError)
				return
			}
			snapshot = fork.Save()
		} else {
			var err error
			if snapshot, err = st.Load(request.Context(), docID); err != nil {
				slog.Error("failed to load doc", "doc", docID, "err", err)
				writer.WriteHeader(http.StatusInternalServerError)
				return
			}
			if snapshot == nil {
				writer.WriteHeader(http.StatusNotFound)
				return
			}
		}
		writer.Header().Add("Content-Type", "application/octet-stream")
		if _, err := writer.Write(snapshot); err != nil {
			slog.Error("failed to write out", "err", err)
		}
	}
}

// getGraph renders the change DAG of an active room as SVG.
func getGraph(registry *room.Registry) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		docID := mux.Vars(request)["doc"]
		rm, ok := registry.Lookup(docID)
		if !ok {
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		fork, err := rm.Fork()
		if err != nil {
			slog.Error("failed to fork doc", "doc", docID, "err", err)
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		writer.Header().Add("Content-Type", "image/svg+xml")
		if err := viz.RenderChangeGraph(fork, writer); err != nil {
			slog.Error("failed to render graph", "doc", docID, "err", err)
		}
	}
}

func getStats(registry *room.Registry) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Add("Content-Type", "application/json")
		if err := json.NewEncoder(writer).Encode(map[string]interface{}{
			"active_rooms":   registry.ActiveRooms(),
			"flush_failures": registry.FlushFailures(),
		}); err != nil {
			slog.Error("failed to encode stats", "err", err)
		}
	}
}
