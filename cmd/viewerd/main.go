package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"agent-world/viewer/internal/app"
	"agent-world/viewer/internal/config"
	"agent-world/viewer/internal/telemetry"
)

func main() {
	logger := telemetry.WrapLogger(log.Default())

	fs := flag.NewFlagSet("viewerd", flag.ExitOnError)
	settings, err := config.Parse(fs, os.Args[1:], logger)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Config{Settings: settings, Logger: logger}); err != nil {
		log.Fatalf("%v", err)
	}
}
