package plaidsync

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/ledgerlink/finance_backend/models"
	"gorm.io/gorm"
)

// Store is the persistence surface for the synced mirror. The gorm
// implementation backs production; the memory implementation backs
// STORAGE_BACKEND=memory and the test suite.
type Store interface {
	InsertBankItem(ctx context.Context, item *models.BankItem) error
	GetBankItem(ctx context.Context, userID, itemID string) (*models.BankItem, error)
	ListBankItems(ctx context.Context, userID string) ([]models.BankItem, error)
	UpdateItemHealth(ctx context.Context, userID, itemID, status, errorMessage string, lastSyncedAt *time.Time) error

	UpsertAccounts(ctx context.Context, accounts []models.Account) (int, error)
	UpsertTransactions(ctx context.Context, transactions []models.Transaction) (int, error)
	UpsertHoldings(ctx context.Context, holdings []models.InvestmentHolding) (int, error)
	UpsertInvestmentTransactions(ctx context.Context, transactions []models.InvestmentTransaction) (int, error)

	ListAccounts(ctx context.Context, userID string) ([]models.Account, error)
	ListTransactions(ctx context.Context, userID string, since time.Time) ([]models.Transaction, error)
	ListHoldings(ctx context.Context, userID, itemID string) ([]models.InvestmentHolding, error)
	ListInvestmentTransactions(ctx context.Context, userID, itemID string, since time.Time) ([]models.InvestmentTransaction, error)
	ListUserIdsWithItems(ctx context.Context) ([]string, error)

	RemoveItemData(ctx context.Context, userID, itemID string) error
	RemoveAllForUser(ctx context.Context, userID string) error
}

// NewStoreFromEnv picks the backend from STORAGE_BACKEND. Anything other
// than "memory" means MySQL.
func NewStoreFromEnv(db *gorm.DB) Store {
	if strings.EqualFold(strings.TrimSpace(os.Getenv("STORAGE_BACKEND")), "memory") {
		return NewMemoryStore()
	}
	return NewGormStore(db)
}
