package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/mulgadc/ringproxy/quic/quicserver"
	"github.com/mulgadc/ringproxy/store"
)

func main() {

	dataDir := flag.String("data", "./data", "Object store directory")
	addr := flag.String("addr", "0.0.0.0:9991", "QUIC listen address")
	adminAddr := flag.String("admin", "127.0.0.1:9981", "Admin HTTP listen address")
	debug := flag.Bool("debug", false, "Enable verbose debug logs")
	flag.Parse()

	if os.Getenv("DATA_DIR") != "" {
		*dataDir = os.Getenv("DATA_DIR")
	}
	if os.Getenv("ADDR") != "" {
		*addr = os.Getenv("ADDR")
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	undo, err := maxprocs.Set(maxprocs.Logger(log.Printf))
	if err != nil {
		log.Printf("Failed to set GOMAXPROCS: %v", err)
	} else {
		defer undo()
	}

	st, err := store.Open(*dataDir)
	if err != nil {
		slog.Error("error opening object store", "dir", *dataDir, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := quicserver.New(st, *addr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx)
	}()

	started := time.Now()
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"addr":        srv.Addr(),
			"data_dir":    *dataDir,
			"uptime_secs": int64(time.Since(started).Seconds()),
		})
	})

	admin := &http.Server{Addr: *adminAddr, Handler: r}
	go func() {
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server failed", "error", err)
		}
	}()

	slog.Info("storage node up", "addr", *addr, "admin", *adminAddr, "data", *dataDir)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		slog.Info("shutting down", "signal", s.String())
	case err := <-errCh:
		if err != nil {
			slog.Error("object server failed", "error", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = admin.Shutdown(shutdownCtx)
}
