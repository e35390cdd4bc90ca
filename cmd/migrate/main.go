package main

import (
	"errors"
	"flag"
	"log"

	"go.uber.org/zap"

	"github.com/noah-isme/session-auth-api/internal/db/migrate"
	"github.com/noah-isme/session-auth-api/pkg/config"
	"github.com/noah-isme/session-auth-api/pkg/logger"
)

func main() {
	direction := flag.String("direction", migrate.DirectionUp, "migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logg, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logg.Sync() //nolint:errcheck

	if err := migrate.Run(cfg.Database.URL(), *direction); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logg.Fatal("migration failed", zap.String("direction", *direction), zap.Error(err))
	}
	logg.Info("migrations applied", zap.String("direction", *direction))
}
