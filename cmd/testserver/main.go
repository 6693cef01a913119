package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cachemir/ringcache/internal/testserver"
	"github.com/cachemir/ringcache/pkg/config"
)

func main() {
	cfg := config.LoadServerConfig()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	log.Printf("starting test cache server with config: %+v", cfg)

	srv := testserver.New(cfg.Port)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("server failed to start: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Println("shutting down server...")

	if err := srv.Stop(); err != nil {
		log.Printf("error stopping server: %v", err)
	}

	log.Println("server stopped")
}
