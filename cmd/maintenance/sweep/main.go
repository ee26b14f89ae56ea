package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tourdesk/reservation-backend/internal/config"
	"github.com/tourdesk/reservation-backend/internal/database"
	"github.com/tourdesk/reservation-backend/internal/services"
	"github.com/tourdesk/reservation-backend/pkg/payment"
)

// Runs one reconciliation sweep outside the server, e.g. after an outage
// where the scheduler was not running.
func main() {
	var timeout time.Duration
	flag.DurationVar(&timeout, "timeout", 10*time.Minute, "maximum time for the sweep")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := database.VerifySchema(ctx, db.DB); err != nil {
		logger.Fatalf("Database schema check failed: %v", err)
	}

	store := database.NewStore(db.DB, logger)

	var sweepLock services.SweepLock
	if cfg.Redis.Addr != "" {
		client, err := services.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatalf("Redis configured but unavailable: %v", err)
		}
		defer client.Close()
		sweepLock = services.NewRedisSweepLock(client)
	}

	registry := payment.NewRegistry()
	if cfg.Payment.BankTransfer.MerchantKey != "" {
		bt := cfg.Payment.BankTransfer
		registry.Register(payment.NewBankTransferGateway(payment.BankTransferConfig{
			Environment:   bt.Environment,
			MerchantKey:   bt.MerchantKey,
			MerchantToken: bt.MerchantToken,
			BaseURL:       bt.BaseURL,
			Timeout:       cfg.Booking.GatewayTimeout,
		}, logger))
	}
	if cfg.Payment.Card.SecretKey != "" {
		registry.Register(payment.NewCardGateway(payment.CardConfig{
			SecretKey:     cfg.Payment.Card.SecretKey,
			WebhookSecret: cfg.Payment.Card.WebhookSecret,
		}, logger))
	}

	var events services.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaEvents := services.NewKafkaEventPublisher(cfg.Kafka.Brokers, cfg.Kafka.BookingTopic, logger)
		defer kafkaEvents.Close()
		events = kafkaEvents
	}

	ledger := services.NewAvailabilityLedger(store, logger)
	catalog := services.NewCatalogService(store, nil, logger)
	bookings := services.NewBookingService(store, ledger, catalog, events, services.BookingServiceConfig{
		HoldTTL:             cfg.Booking.HoldTTL,
		PriceToleranceMinor: cfg.Booking.PriceToleranceMinor,
		MaxItems:            cfg.Booking.MaxItems,
		MaxQuantity:         cfg.Booking.MaxQuantity,
		PublishTimeout:      cfg.Kafka.PublishTimeout,
	}, logger)
	payments := services.NewPaymentOrchestrator(store, bookings, registry, services.PaymentOrchestratorConfig{
		MaxAttempts:    cfg.Booking.MaxPaymentAttempts,
		GatewayTimeout: cfg.Booking.GatewayTimeout,
	}, logger)
	reconciler := services.NewReconciliationService(store, bookings, payments, sweepLock, services.ReconciliationConfig{
		BatchSize:         cfg.Reconcile.BatchSize,
		PollAfter:         cfg.Reconcile.PollAfter,
		StaleAttemptAfter: cfg.Reconcile.StaleAttemptAfter,
		LockTTL:           cfg.Reconcile.LockTTL,
	}, logger)

	result, err := reconciler.RunSweep(ctx)
	if result != nil {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
	}
	if err != nil {
		logger.WithError(err).Fatal("Sweep finished with errors")
	}
}
