// transactions-backfill re-syncs linked bank items synchronously, without
// going through pubsub. Useful after widening the transaction window or
// recovering from a long aggregator outage.
//
// Usage (from backend directory):
//   go run ./cmd/transactions-backfill -days 90            # every user with items
//   go run ./cmd/transactions-backfill -days 90 -user <id> # one user
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ledgerlink/finance_backend/config"
	"github.com/ledgerlink/finance_backend/models"
	"github.com/ledgerlink/finance_backend/plaidsync"
)

func main() {
	days := flag.Int("days", 30, "How many days of transactions to pull per item")
	user := flag.String("user", "", "Optional: backfill only this user id. If empty, backfills every user with linked items.")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	client, err := plaidsync.NewClientFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "plaid client not configured: %v\n", err)
		os.Exit(1)
	}

	// No redis lock here: the CLI is run deliberately, and item syncs are
	// idempotent upserts anyway.
	store := plaidsync.NewStoreFromEnv(db)
	syncer := plaidsync.NewSyncer(client, store, config.GetLogger(), plaidsync.WithLookbackDays(*days))

	userIds := []string{strings.TrimSpace(*user)}
	if userIds[0] == "" {
		userIds, err = syncer.UserIdsWithItems(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list users: %v\n", err)
			os.Exit(1)
		}
		if len(userIds) == 0 {
			fmt.Println("No users with linked items; nothing to backfill")
			return
		}
	}

	var failures int
	for _, uid := range userIds {
		summary, err := syncer.SyncAllForUser(ctx, uid)
		if err != nil {
			failures++
			fmt.Fprintf(os.Stderr, "user %s: backfill failed: %v\n", uid, err)
			continue
		}
		fmt.Printf("user %s: items_synced=%d items_failed=%d transactions=%d\n",
			uid, summary.ItemsSynced, summary.ItemsFailed, summary.TransactionsWritten)
		if summary.ItemsFailed > 0 {
			failures++
			for _, e := range summary.Errors {
				fmt.Fprintf(os.Stderr, "  %s\n", e)
			}
		}
	}
	if failures > 0 {
		os.Exit(1)
	}
}
