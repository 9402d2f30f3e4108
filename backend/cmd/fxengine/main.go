package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"fxengine/internal/enginerunner"
	"fxengine/internal/httpapi"
	"fxengine/pkg/config"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("config loaded, port=%s", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner, err := enginerunner.New(cfg)
	if err != nil {
		log.Fatalf("engine init failed: %v", err)
	}
	defer runner.Close()

	engineErrCh := make(chan error, 1)
	go func() { engineErrCh <- runner.Run(ctx) }()

	server := httpapi.NewServer(runner.Engine())
	go func() {
		if err := server.Run(":" + cfg.Port); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("http server stopped: %v", err)
		}
	}()
	log.Printf("fxengine listening on :%s", cfg.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("shutting down on signal %v", sig)
		cancel()
	case err := <-engineErrCh:
		if err != nil {
			log.Printf("engine stopped: %v", err)
		}
		cancel()
	}
}
