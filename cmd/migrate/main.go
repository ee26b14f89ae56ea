package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/tourdesk/reservation-backend/internal/config"
	"github.com/tourdesk/reservation-backend/internal/database"
	"github.com/tourdesk/reservation-backend/migrations"
)

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name       TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

func main() {
	var dbURLFlag string
	var dryRun bool
	flag.StringVar(&dbURLFlag, "database-url", "", "PostgreSQL connection string (overrides DATABASE_URL)")
	flag.BoolVar(&dryRun, "dry-run", false, "list pending migrations without applying them")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	_ = godotenv.Load()

	dbURL := dbURLFlag
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		logger.Fatal("DATABASE_URL is not set and -database-url was not provided")
	}

	db, err := database.NewConnection(config.DatabaseConfig{
		URL:                dbURL,
		MaxConnections:     2,
		MaxIdleConnections: 1,
	})
	if err != nil {
		logger.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := db.ExecContext(ctx, createMigrationsTable); err != nil {
		logger.Fatalf("failed to create schema_migrations: %v", err)
	}

	all, err := migrations.All()
	if err != nil {
		logger.Fatalf("failed to read migrations: %v", err)
	}

	applied := 0
	for _, m := range all {
		var exists bool
		if err := db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE name = $1)`, m.Name); err != nil {
			logger.Fatalf("failed to check migration %s: %v", m.Name, err)
		}
		if exists {
			logger.WithField("migration", m.Name).Debug("Already applied")
			continue
		}
		if dryRun {
			logger.WithField("migration", m.Name).Info("Pending")
			continue
		}

		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			logger.Fatalf("failed to begin transaction: %v", err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			logger.Fatalf("migration %s failed: %v", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, m.Name); err != nil {
			tx.Rollback()
			logger.Fatalf("failed to record migration %s: %v", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			logger.Fatalf("failed to commit migration %s: %v", m.Name, err)
		}

		applied++
		logger.WithField("migration", m.Name).Info("✓ Applied")
	}

	if err := database.VerifySchema(ctx, db.DB); err != nil && !dryRun {
		logger.Fatalf("schema verification failed after migrating: %v", err)
	}
	logger.WithField("applied", applied).Info("Migrations complete")
}
