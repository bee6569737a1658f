package main

import (
	"flag"
	"log"
	"os"

	"CryptoPull/internal/di"
	"CryptoPull/internal/domain/errs"
	"CryptoPull/pkg/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Printf("config load failed: %v", err)
		os.Exit(1)
	}

	log.Printf("env=%s symbols=%v mode=%s", cfg.Environment, cfg.Pipeline.Symbols, cfg.Orders.Mode)

	// Wire DI: Initialize all dependencies
	app, err := di.InitializeApp(cfg)
	if err != nil {
		log.Printf("app initialization failed: %v", err)
		os.Exit(errs.ExitCode(err))
	}

	// Run application (blocks until signal)
	if err := app.Run(); err != nil {
		log.Printf("app error: %v", err)
		os.Exit(errs.ExitCode(err))
	}
}
