package main

import (
	"flag"
	"os"

	"github.com/nimasrn/outreach-gateway/internal/config"
	"github.com/nimasrn/outreach-gateway/migrations"
	"github.com/nimasrn/outreach-gateway/pkg/logger"
	"github.com/nimasrn/outreach-gateway/pkg/pg"
)

// usage: cli [--env=.env] [-command=up|down|status|redo|version]
func main() {
	command := flag.String("command", "up", "goose command: up, down, status, redo or version")
	flag.String("env", "", "path to an env file")
	flag.Parse()

	if err := config.Load(config.EnvPathFromArgs(os.Args)); err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := pg.Migrate(config.Get().PostgresWrite(), migrations.FS, ".", *command); err != nil {
		logger.Error("migration: error running migrations", "command", *command, "error", err)
		os.Exit(1)
	}
	logger.Info("migration: done", "command", *command)
}
