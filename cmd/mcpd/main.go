package main

import (
	"context"
	"log"

	"mcpd/internal/config"
	"mcpd/internal/daemon"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: Invalid configuration: %v", err)
	}

	d, err := daemon.New(cfg, version)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize mcpd: %v", err)
	}

	if err := d.Run(context.Background()); err != nil {
		log.Fatalf("FATAL: mcpd exited with error: %v", err)
	}
}
