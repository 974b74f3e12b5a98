package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"khisima/config"
	"khisima/logger"
	"khisima/server"

	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to config.json")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Logger
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	srv, err := server.NewServer(&cfg, log)
	if err != nil {
		log.Error("Failed to init server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.EnsureAdmin(ctx); err != nil {
		log.Warn("Admin bootstrap failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error { return srv.WatchPresence(gctx) })
	g.Go(func() error { return srv.ConsumeEvents(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := server.ShutdownContext()
		defer cancel()
		log.Info("Shutting down...")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
}
