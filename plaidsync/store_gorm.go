package plaidsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ledgerlink/finance_backend/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const upsertBatchSize = 500

// GormStore is the MySQL-backed store. Upserts ride on the tables' unique
// indexes via ON DUPLICATE KEY UPDATE, so re-running a sync rewrites rows
// instead of duplicating them.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

var _ Store = (*GormStore)(nil)

func (s *GormStore) InsertBankItem(ctx context.Context, item *models.BankItem) error {
	result := s.db.WithContext(ctx).Create(item)
	if result.Error != nil {
		return fmt.Errorf("%w: %v", ErrStorageWriteFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: bank item insert affected no rows", ErrStorageWriteFailed)
	}
	return nil
}

func (s *GormStore) GetBankItem(ctx context.Context, userID, itemID string) (*models.BankItem, error) {
	var item models.BankItem
	err := s.db.WithContext(ctx).
		Where("item_id = ? AND user_id = ?", itemID, userID).
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFoundOrForbidden
		}
		return nil, err
	}
	return &item, nil
}

func (s *GormStore) ListBankItems(ctx context.Context, userID string) ([]models.BankItem, error) {
	var items []models.BankItem
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&items).Error
	return items, err
}

func (s *GormStore) UpdateItemHealth(ctx context.Context, userID, itemID, status, errorMessage string, lastSyncedAt *time.Time) error {
	updates := map[string]interface{}{
		"status":        status,
		"error_message": errorMessage,
	}
	if lastSyncedAt != nil {
		updates["last_synced_at"] = *lastSyncedAt
	}
	return s.db.WithContext(ctx).
		Model(&models.BankItem{}).
		Where("item_id = ? AND user_id = ?", itemID, userID).
		Updates(updates).Error
}

func (s *GormStore) UpsertAccounts(ctx context.Context, accounts []models.Account) (int, error) {
	if len(accounts) == 0 {
		return 0, nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "official_name", "type", "subtype", "mask",
			"balance_current", "balance_available", "currency_code", "updated_at",
		}),
	}).CreateInBatches(&accounts, upsertBatchSize).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageWriteFailed, err)
	}
	return len(accounts), nil
}

func (s *GormStore) UpsertTransactions(ctx context.Context, transactions []models.Transaction) (int, error) {
	if len(transactions) == 0 {
		return 0, nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "transaction_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"account_id", "amount", "date", "name", "merchant_name", "category_json",
			"category_id", "payment_channel", "pending", "currency_code", "updated_at",
		}),
	}).CreateInBatches(&transactions, upsertBatchSize).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageWriteFailed, err)
	}
	return len(transactions), nil
}

func (s *GormStore) UpsertHoldings(ctx context.Context, holdings []models.InvestmentHolding) (int, error) {
	if len(holdings) == 0 {
		return 0, nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "security_id"}, {Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"ticker", "security_name", "security_type", "quantity", "price",
			"value", "cost_basis", "currency_code", "updated_at",
		}),
	}).CreateInBatches(&holdings, upsertBatchSize).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageWriteFailed, err)
	}
	return len(holdings), nil
}

func (s *GormStore) UpsertInvestmentTransactions(ctx context.Context, transactions []models.InvestmentTransaction) (int, error) {
	if len(transactions) == 0 {
		return 0, nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "investment_transaction_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"account_id", "security_id", "ticker", "name", "type", "subtype",
			"date", "quantity", "price", "amount", "fees", "currency_code", "updated_at",
		}),
	}).CreateInBatches(&transactions, upsertBatchSize).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageWriteFailed, err)
	}
	return len(transactions), nil
}

func (s *GormStore) ListAccounts(ctx context.Context, userID string) ([]models.Account, error) {
	var accounts []models.Account
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("account_id ASC").
		Find(&accounts).Error
	return accounts, err
}

func (s *GormStore) ListTransactions(ctx context.Context, userID string, since time.Time) ([]models.Transaction, error) {
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if !since.IsZero() {
		query = query.Where("date >= ?", since.Format("2006-01-02"))
	}
	var transactions []models.Transaction
	err := query.Order("date DESC, transaction_id ASC").Find(&transactions).Error
	return transactions, err
}

func (s *GormStore) ListHoldings(ctx context.Context, userID, itemID string) ([]models.InvestmentHolding, error) {
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if itemID != "" {
		query = query.Where("item_id = ?", itemID)
	}
	var holdings []models.InvestmentHolding
	err := query.Order("security_id ASC, account_id ASC").Find(&holdings).Error
	return holdings, err
}

func (s *GormStore) ListInvestmentTransactions(ctx context.Context, userID, itemID string, since time.Time) ([]models.InvestmentTransaction, error) {
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if itemID != "" {
		query = query.Where("item_id = ?", itemID)
	}
	if !since.IsZero() {
		query = query.Where("date >= ?", since.Format("2006-01-02"))
	}
	var transactions []models.InvestmentTransaction
	err := query.Order("date DESC, investment_transaction_id ASC").Find(&transactions).Error
	return transactions, err
}

func (s *GormStore) ListUserIdsWithItems(ctx context.Context) ([]string, error) {
	var userIds []string
	err := s.db.WithContext(ctx).
		Model(&models.BankItem{}).
		Distinct().
		Pluck("user_id", &userIds).Error
	return userIds, err
}

// RemoveItemData deletes an item and everything mirrored under it, children
// before parent, in one transaction.
func (s *GormStore) RemoveItemData(ctx context.Context, userID, itemID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		children := []interface{}{
			&models.InvestmentHolding{},
			&models.InvestmentTransaction{},
			&models.Transaction{},
			&models.Account{},
		}
		for _, model := range children {
			if err := tx.Where("item_id = ? AND user_id = ?", itemID, userID).Delete(model).Error; err != nil {
				return fmt.Errorf("%w: %v", ErrStorageWriteFailed, err)
			}
		}
		result := tx.Where("item_id = ? AND user_id = ?", itemID, userID).Delete(&models.BankItem{})
		if result.Error != nil {
			return fmt.Errorf("%w: %v", ErrStorageWriteFailed, result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFoundOrForbidden
		}
		return nil
	})
}

// RemoveAllForUser wipes every synced table for one user. The profile row is
// owned by the settings module and removed there.
func (s *GormStore) RemoveAllForUser(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tables := []interface{}{
			&models.InvestmentHolding{},
			&models.InvestmentTransaction{},
			&models.Transaction{},
			&models.Account{},
			&models.BankItem{},
		}
		for _, model := range tables {
			if err := tx.Where("user_id = ?", userID).Delete(model).Error; err != nil {
				return fmt.Errorf("%w: %v", ErrStorageWriteFailed, err)
			}
		}
		return nil
	})
}
