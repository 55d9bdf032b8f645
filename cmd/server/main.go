package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/radarhq/radar/internal/config"
	"github.com/radarhq/radar/internal/server"
)

func main() {
	configFile := flag.String("config", "", "Optional YAML config file overlaying environment configuration")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.LoadFile(*configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
