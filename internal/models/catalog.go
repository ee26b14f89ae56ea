package models

import (
	"time"

	"github.com/google/uuid"
)

// Service is a bookable tour offering
type Service struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ServiceVariant is a priced participant category of a service (adult, child, ...)
type ServiceVariant struct {
	ID             uuid.UUID `json:"id" db:"id"`
	ServiceID      uuid.UUID `json:"service_id" db:"service_id"`
	Name           string    `json:"name" db:"name"`
	UnitPriceMinor int64     `json:"unit_price_minor" db:"unit_price_minor"`
	Currency       string    `json:"currency" db:"currency"`
	Active         bool      `json:"active" db:"active"`
}

// VariantPrice is the current catalog price of a variant
type VariantPrice struct {
	ServiceID      uuid.UUID `json:"service_id" db:"service_id"`
	VariantID      uuid.UUID `json:"variant_id" db:"variant_id"`
	UnitPriceMinor int64     `json:"unit_price_minor" db:"unit_price_minor"`
	Currency       string    `json:"currency" db:"currency"`
}
