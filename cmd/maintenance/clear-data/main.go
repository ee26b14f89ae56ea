package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/tourdesk/reservation-backend/internal/config"
	"github.com/tourdesk/reservation-backend/internal/database"
)

// Transactional tables only; the catalog (services, variants, slots) survives
// and its counters are reset instead.
var tables = []string{
	"payment_audits",
	"payment_transactions",
	"payment_attempts",
	"capacity_holds",
	"booking_items",
	"bookings",
}

func main() {
	var dbURLFlag string
	var force bool
	flag.StringVar(&dbURLFlag, "database-url", "", "PostgreSQL connection string (overrides DATABASE_URL)")
	flag.BoolVar(&force, "force", false, "allow running when ENVIRONMENT=production")
	flag.Parse()

	// Try loading .env from current working directory (optional)
	_ = godotenv.Load()

	if os.Getenv("ENVIRONMENT") == "production" && !force {
		log.Fatal("refusing to clear a production database without -force")
	}

	dbURL := dbURLFlag
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set and -database-url was not provided")
	}

	// Build minimal database config without loading full app config
	db, err := database.NewConnection(config.DatabaseConfig{
		URL:                dbURL,
		MaxConnections:     5,
		MaxIdleConnections: 2,
	})
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	fmt.Println("Connected to database. Clearing reservation data...")

	tx, err := db.Beginx()
	if err != nil {
		log.Fatalf("failed to begin transaction: %v", err)
	}
	for _, t := range tables {
		if _, err := tx.Exec(fmt.Sprintf("TRUNCATE TABLE %s CASCADE", t)); err != nil {
			tx.Rollback()
			log.Fatalf("failed to truncate %s: %v", t, err)
		}
	}
	if _, err := tx.Exec(`UPDATE availability_slots SET held_capacity = 0, booked_capacity = 0, updated_at = NOW()`); err != nil {
		tx.Rollback()
		log.Fatalf("failed to reset slot counters: %v", err)
	}
	if err := tx.Commit(); err != nil {
		log.Fatalf("failed to commit: %v", err)
	}

	fmt.Println("Reservation data cleared, slot counters reset.")

	// Verify by printing row counts for each table
	fmt.Println("Post-clear row counts:")
	for _, t := range tables {
		var count int
		if err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", t)).Scan(&count); err != nil {
			fmt.Printf("  %s: error: %v\n", t, err)
			continue
		}
		fmt.Printf("  %s: %d\n", t, count)
	}
}
