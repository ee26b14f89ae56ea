package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/tourdesk/reservation-backend/internal/models"
)

// CatalogRepository reads service variants
type CatalogRepository struct {
	db *sqlx.DB
}

// NewCatalogRepository creates a new catalog repository
func NewCatalogRepository(db *sqlx.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// GetVariantPrice returns the current price of an active variant of an active
// service. Returns nil if either is missing or inactive.
func (r *CatalogRepository) GetVariantPrice(ctx context.Context, serviceID, variantID uuid.UUID) (*models.VariantPrice, error) {
	var price models.VariantPrice
	query := `
		SELECT v.service_id, v.id AS variant_id, v.unit_price_minor, v.currency
		FROM service_variants v
		JOIN services s ON s.id = v.service_id
		WHERE v.service_id = $1 AND v.id = $2 AND v.active AND s.active`

	err := sqlx.GetContext(ctx, conn(ctx, r.db), &price, query, serviceID, variantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get variant price: %w", err)
	}
	return &price, nil
}
