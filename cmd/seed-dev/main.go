// seed-dev creates or refreshes the local development profile so the
// frontend has a user to talk to right after the containers come up.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-dev
//
// Set PLAID_SANDBOX_ACCESS_TOKEN and PLAID_SANDBOX_ITEM_ID (from a sandbox
// public-token exchange) to also link a sandbox bank item to the seeded user.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ledgerlink/finance_backend/config"
	"github.com/ledgerlink/finance_backend/models"
	"github.com/ledgerlink/finance_backend/plaidsync"
	"github.com/ledgerlink/finance_backend/utils"
)

const (
	devUserID = "00000000-0000-4000-8000-000000000001"
	devEmail  = "dev@ledgerlink.local"
)

func main() {
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		fmt.Fprintln(os.Stderr, "seed-dev refuses to run with GO_ENV=production")
		os.Exit(1)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	userID := strings.TrimSpace(os.Getenv("DEV_USER_ID"))
	if userID == "" {
		userID = devUserID
	}
	email := strings.TrimSpace(os.Getenv("DEV_USER_EMAIL"))
	if email == "" {
		email = devEmail
	}

	// Profile creation reads the caller identity from the context, the same
	// way the HTTP layer passes it in.
	ctx = utils.SetUserIdInContext(ctx, userID)
	ctx = utils.SetEmailInContext(ctx, email)

	profile, err := models.GetOrCreateProfile(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed profile: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Seeded profile: user_id=%q email=%q\n", profile.UserId, profile.Email)

	accessToken := strings.TrimSpace(os.Getenv("PLAID_SANDBOX_ACCESS_TOKEN"))
	itemID := strings.TrimSpace(os.Getenv("PLAID_SANDBOX_ITEM_ID"))
	if accessToken == "" || itemID == "" {
		fmt.Println("No sandbox item linked (set PLAID_SANDBOX_ACCESS_TOKEN and PLAID_SANDBOX_ITEM_ID to link one)")
		return
	}

	store := plaidsync.NewStoreFromEnv(db)
	if existing, err := store.GetBankItem(ctx, userID, itemID); err == nil && existing != nil {
		fmt.Printf("Sandbox item already linked: item_id=%q\n", itemID)
		return
	}
	item := &models.BankItem{
		ItemId:          itemID,
		UserId:          userID,
		AccessToken:     accessToken,
		InstitutionId:   "ins_sandbox",
		InstitutionName: "Sandbox Bank",
		Status:          models.BankItemStatusGood,
	}
	if err := store.InsertBankItem(ctx, item); err != nil {
		fmt.Fprintf(os.Stderr, "failed to link sandbox item: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Linked sandbox item: item_id=%q institution=%q\n", itemID, item.InstitutionName)
}
