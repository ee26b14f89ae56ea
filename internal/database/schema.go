package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// RequiredTables must exist before the server accepts traffic
var RequiredTables = []string{
	"services",
	"service_variants",
	"availability_slots",
	"capacity_holds",
	"bookings",
	"booking_items",
	"payment_attempts",
	"payment_transactions",
	"payment_audits",
}

// VerifySchema checks that every required table exists. A missing table is a
// fatal startup error; run cmd/migrate first.
func VerifySchema(ctx context.Context, db sqlx.QueryerContext) error {
	var missing []string
	for _, table := range RequiredTables {
		var exists bool
		if err := sqlx.GetContext(ctx, db, &exists, `SELECT to_regclass($1) IS NOT NULL`, table); err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if !exists {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("database schema incomplete, missing tables: %s", strings.Join(missing, ", "))
	}
	return nil
}
