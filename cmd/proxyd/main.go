package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/mulgadc/ringproxy/proxy"
)

func main() {

	config := flag.String("config", "config/proxy.toml", "Proxy configuration file")
	listen := flag.String("listen", "", "Listen address, overrides the config file")
	debug := flag.Bool("debug", false, "Enable verbose debug logs")
	flag.Parse()

	// Env vars overwrite CLI options
	if os.Getenv("CONFIG") != "" {
		*config = os.Getenv("CONFIG")
	}
	if os.Getenv("LISTEN") != "" {
		*listen = os.Getenv("LISTEN")
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	// Adjust MAXPROCS if running under linux/cgroups quotas.
	undo, err := maxprocs.Set(maxprocs.Logger(log.Printf))
	if err != nil {
		log.Printf("Failed to set GOMAXPROCS: %v", err)
	} else {
		defer undo()
	}

	var cfg proxy.Config
	if err := cfg.ReadConfig(*config); err != nil {
		slog.Error("error reading config file", "error", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	cfg.Debug = *debug

	p, err := proxy.New(&cfg)
	if err != nil {
		slog.Error("error building proxy", "error", err)
		os.Exit(1)
	}

	app := p.SetupRoutes()
	slog.Info("proxy listening", "addr", cfg.Listen, "nodes", len(cfg.Nodes), "buckets", len(cfg.Buckets))

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(cfg.Listen)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		slog.Error("proxy server failed", "error", err)
		os.Exit(1)
	case s := <-sig:
		slog.Info("shutting down", "signal", s.String())
		if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
			slog.Warn("shutdown did not complete cleanly", "error", err)
		}
	}
}
