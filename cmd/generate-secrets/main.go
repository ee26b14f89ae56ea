package main

import (
	"fmt"
	"log"

	"github.com/tourdesk/reservation-backend/internal/utils"
)

// Order matters for the printed .env block
var secretNames = []string{
	"JWT_SECRET",
	"BANK_TRANSFER_MERCHANT_TOKEN",
}

func main() {
	fmt.Println("===========================================")
	fmt.Println("Secret Generator for TourDesk Reservations")
	fmt.Println("===========================================")
	fmt.Println()

	secrets, err := utils.GenerateSecrets(secretNames...)
	if err != nil {
		log.Fatalf("Failed to generate secrets: %v", err)
	}

	fmt.Println("✅ Secrets generated successfully!")
	fmt.Println()
	fmt.Println("Add these to your .env file or deployment secrets:")
	fmt.Println()
	for _, name := range secretNames {
		fmt.Printf("%s=%s\n", name, secrets[name])
	}
	fmt.Println()
	fmt.Println("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET come from the Stripe dashboard.")
	fmt.Println("⚠️  IMPORTANT: Keep these secrets safe and never commit them to version control!")
	fmt.Println("===========================================")
}
