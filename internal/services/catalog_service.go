package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/tourdesk/reservation-backend/internal/database"
	"github.com/tourdesk/reservation-backend/internal/models"
	"github.com/tourdesk/reservation-backend/pkg/money"
)

// PriceCache caches catalog prices. Get returns nil on a miss.
type PriceCache interface {
	Get(ctx context.Context, serviceID, variantID uuid.UUID) (*models.VariantPrice, error)
	Set(ctx context.Context, price *models.VariantPrice) error
}

// RedisPriceCache stores variant prices as JSON in Redis
type RedisPriceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPriceCache creates a price cache with the given entry TTL
func NewRedisPriceCache(client *redis.Client, ttl time.Duration) *RedisPriceCache {
	return &RedisPriceCache{client: client, ttl: ttl}
}

// NewRedisClient creates a Redis client and pings it
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func variantPriceKey(serviceID, variantID uuid.UUID) string {
	return fmt.Sprintf("variant_price:%s:%s", serviceID, variantID)
}

// Get implements PriceCache
func (c *RedisPriceCache) Get(ctx context.Context, serviceID, variantID uuid.UUID) (*models.VariantPrice, error) {
	data, err := c.client.Get(ctx, variantPriceKey(serviceID, variantID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Cache miss
		}
		return nil, err
	}

	var price models.VariantPrice
	if err := json.Unmarshal([]byte(data), &price); err != nil {
		return nil, err
	}
	return &price, nil
}

// Set implements PriceCache
func (c *RedisPriceCache) Set(ctx context.Context, price *models.VariantPrice) error {
	data, err := json.Marshal(price)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, variantPriceKey(price.ServiceID, price.VariantID), data, c.ttl).Err()
}

// CatalogService answers price and slot lookups for the booking flow
type CatalogService struct {
	store  database.Store
	cache  PriceCache
	logger *logrus.Logger
}

// NewCatalogService creates a catalog service. cache may be nil.
func NewCatalogService(store database.Store, cache PriceCache, logger *logrus.Logger) *CatalogService {
	return &CatalogService{store: store, cache: cache, logger: logger}
}

// GetVariantPrice returns the current price of a variant
func (s *CatalogService) GetVariantPrice(ctx context.Context, serviceID, variantID uuid.UUID) (*models.VariantPrice, error) {
	if s.cache != nil {
		price, err := s.cache.Get(ctx, serviceID, variantID)
		if err != nil {
			s.logger.WithError(err).Warn("Price cache read failed, falling back to database")
		} else if price != nil {
			return price, nil
		}
	}

	price, err := s.store.Catalog().GetVariantPrice(ctx, serviceID, variantID)
	if err != nil {
		return nil, err
	}
	if price == nil {
		return nil, models.ErrVariantNotFound
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, price); err != nil {
			s.logger.WithError(err).Warn("Price cache write failed")
		}
	}
	return price, nil
}

// GetSlot returns a slot or SLOT_NOT_FOUND
func (s *CatalogService) GetSlot(ctx context.Context, slotID uuid.UUID) (*models.AvailabilitySlot, error) {
	slot, err := s.store.Slots().GetSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if slot == nil {
		return nil, models.ErrSlotNotFound
	}
	return slot, nil
}

// UnitPrice resolves the effective unit price of a slot: its override when
// set, otherwise the variant's catalog price.
func (s *CatalogService) UnitPrice(ctx context.Context, slot *models.AvailabilitySlot) (int64, string, error) {
	price, err := s.GetVariantPrice(ctx, slot.ServiceID, slot.VariantID)
	if err != nil {
		return 0, "", err
	}
	if slot.UnitPriceOverride != nil {
		return *slot.UnitPriceOverride, price.Currency, nil
	}
	return price.UnitPriceMinor, price.Currency, nil
}

// GetSlotAvailability builds the public projection of a slot
func (s *CatalogService) GetSlotAvailability(ctx context.Context, slotID uuid.UUID) (*models.SlotAvailabilityResponse, error) {
	slot, err := s.GetSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}

	unitPrice, currency, err := s.UnitPrice(ctx, slot)
	if err != nil {
		return nil, err
	}

	return &models.SlotAvailabilityResponse{
		ID:        slot.ID,
		ServiceID: slot.ServiceID,
		VariantID: slot.VariantID,
		StartsAt:  slot.StartsAt,
		EndsAt:    slot.EndsAt,
		Status:    slot.Status(),
		Remaining: slot.Remaining(),
		UnitPrice: money.Format(unitPrice, currency),
		Currency:  currency,
	}, nil
}
