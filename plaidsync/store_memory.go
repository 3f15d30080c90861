package plaidsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ledgerlink/finance_backend/models"
)

// MemoryStore keeps the mirror in mutex-guarded maps keyed the same way the
// MySQL unique indexes are. It backs STORAGE_BACKEND=memory and the tests.
type MemoryStore struct {
	mu                     sync.RWMutex
	nextID                 uint
	items                  map[string]*models.BankItem
	accounts               map[string]*models.Account
	transactions           map[string]*models.Transaction
	holdings               map[string]*models.InvestmentHolding
	investmentTransactions map[string]*models.InvestmentTransaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:                  make(map[string]*models.BankItem),
		accounts:               make(map[string]*models.Account),
		transactions:           make(map[string]*models.Transaction),
		holdings:               make(map[string]*models.InvestmentHolding),
		investmentTransactions: make(map[string]*models.InvestmentTransaction),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) nextRowID() uint {
	s.nextID++
	return s.nextID
}

func holdingKey(securityID, accountID string) string {
	return securityID + "|" + accountID
}

func (s *MemoryStore) InsertBankItem(ctx context.Context, item *models.BankItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[item.ItemId]; exists {
		return fmt.Errorf("%w: duplicate item_id %s", ErrStorageWriteFailed, item.ItemId)
	}
	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	item.ID = s.nextRowID()

	stored := *item
	s.items[item.ItemId] = &stored
	return nil
}

func (s *MemoryStore) GetBankItem(ctx context.Context, userID, itemID string) (*models.BankItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, exists := s.items[itemID]
	if !exists || item.UserId != userID {
		return nil, ErrNotFoundOrForbidden
	}
	copied := *item
	return &copied, nil
}

func (s *MemoryStore) ListBankItems(ctx context.Context, userID string) ([]models.BankItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []models.BankItem
	for _, item := range s.items {
		if item.UserId == userID {
			items = append(items, *item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ItemId < items[j].ItemId
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (s *MemoryStore) UpdateItemHealth(ctx context.Context, userID, itemID, status, errorMessage string, lastSyncedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, exists := s.items[itemID]
	if !exists || item.UserId != userID {
		return nil
	}
	item.Status = status
	item.ErrorMessage = errorMessage
	if lastSyncedAt != nil {
		ts := *lastSyncedAt
		item.LastSyncedAt = &ts
	}
	item.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) UpsertAccounts(ctx context.Context, accounts []models.Account) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range accounts {
		acc := accounts[i]
		if existing, exists := s.accounts[acc.AccountId]; exists {
			existing.Name = acc.Name
			existing.OfficialName = acc.OfficialName
			existing.Type = acc.Type
			existing.Subtype = acc.Subtype
			existing.Mask = acc.Mask
			existing.BalanceCurrent = acc.BalanceCurrent
			existing.BalanceAvailable = acc.BalanceAvailable
			existing.CurrencyCode = acc.CurrencyCode
			existing.UpdatedAt = time.Now()
			continue
		}
		acc.ID = s.nextRowID()
		acc.CreatedAt = time.Now()
		acc.UpdatedAt = acc.CreatedAt
		s.accounts[acc.AccountId] = &acc
	}
	return len(accounts), nil
}

func (s *MemoryStore) UpsertTransactions(ctx context.Context, transactions []models.Transaction) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range transactions {
		txn := transactions[i]
		if existing, exists := s.transactions[txn.TransactionId]; exists {
			existing.AccountId = txn.AccountId
			existing.Amount = txn.Amount
			existing.Date = txn.Date
			existing.Name = txn.Name
			existing.MerchantName = txn.MerchantName
			existing.CategoryJSON = txn.CategoryJSON
			existing.Category = txn.Category
			existing.CategoryId = txn.CategoryId
			existing.PaymentChannel = txn.PaymentChannel
			existing.Pending = txn.Pending
			existing.CurrencyCode = txn.CurrencyCode
			existing.UpdatedAt = time.Now()
			continue
		}
		txn.ID = s.nextRowID()
		txn.CreatedAt = time.Now()
		txn.UpdatedAt = txn.CreatedAt
		s.transactions[txn.TransactionId] = &txn
	}
	return len(transactions), nil
}

func (s *MemoryStore) UpsertHoldings(ctx context.Context, holdings []models.InvestmentHolding) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range holdings {
		holding := holdings[i]
		key := holdingKey(holding.SecurityId, holding.AccountId)
		if existing, exists := s.holdings[key]; exists {
			existing.Ticker = holding.Ticker
			existing.SecurityName = holding.SecurityName
			existing.SecurityType = holding.SecurityType
			existing.Quantity = holding.Quantity
			existing.Price = holding.Price
			existing.Value = holding.Value
			existing.CostBasis = holding.CostBasis
			existing.CurrencyCode = holding.CurrencyCode
			existing.UpdatedAt = time.Now()
			continue
		}
		holding.ID = s.nextRowID()
		holding.CreatedAt = time.Now()
		holding.UpdatedAt = holding.CreatedAt
		s.holdings[key] = &holding
	}
	return len(holdings), nil
}

func (s *MemoryStore) UpsertInvestmentTransactions(ctx context.Context, transactions []models.InvestmentTransaction) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range transactions {
		txn := transactions[i]
		if existing, exists := s.investmentTransactions[txn.InvestmentTransactionId]; exists {
			existing.AccountId = txn.AccountId
			existing.SecurityId = txn.SecurityId
			existing.Ticker = txn.Ticker
			existing.Name = txn.Name
			existing.Type = txn.Type
			existing.Subtype = txn.Subtype
			existing.Date = txn.Date
			existing.Quantity = txn.Quantity
			existing.Price = txn.Price
			existing.Amount = txn.Amount
			existing.Fees = txn.Fees
			existing.CurrencyCode = txn.CurrencyCode
			existing.UpdatedAt = time.Now()
			continue
		}
		txn.ID = s.nextRowID()
		txn.CreatedAt = time.Now()
		txn.UpdatedAt = txn.CreatedAt
		s.investmentTransactions[txn.InvestmentTransactionId] = &txn
	}
	return len(transactions), nil
}

func (s *MemoryStore) ListAccounts(ctx context.Context, userID string) ([]models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var accounts []models.Account
	for _, acc := range s.accounts {
		if acc.UserId == userID {
			accounts = append(accounts, *acc)
		}
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountId < accounts[j].AccountId
	})
	return accounts, nil
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (s *MemoryStore) ListTransactions(ctx context.Context, userID string, since time.Time) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := dateOnly(since)
	var transactions []models.Transaction
	for _, txn := range s.transactions {
		if txn.UserId != userID {
			continue
		}
		if !since.IsZero() && txn.Date.Before(cutoff) {
			continue
		}
		transactions = append(transactions, *txn)
	}
	sort.Slice(transactions, func(i, j int) bool {
		if transactions[i].Date.Equal(transactions[j].Date) {
			return transactions[i].TransactionId < transactions[j].TransactionId
		}
		return transactions[i].Date.After(transactions[j].Date)
	})
	return transactions, nil
}

func (s *MemoryStore) ListHoldings(ctx context.Context, userID, itemID string) ([]models.InvestmentHolding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var holdings []models.InvestmentHolding
	for _, holding := range s.holdings {
		if holding.UserId != userID {
			continue
		}
		if itemID != "" && holding.ItemId != itemID {
			continue
		}
		holdings = append(holdings, *holding)
	}
	sort.Slice(holdings, func(i, j int) bool {
		if holdings[i].SecurityId == holdings[j].SecurityId {
			return holdings[i].AccountId < holdings[j].AccountId
		}
		return holdings[i].SecurityId < holdings[j].SecurityId
	})
	return holdings, nil
}

func (s *MemoryStore) ListInvestmentTransactions(ctx context.Context, userID, itemID string, since time.Time) ([]models.InvestmentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := dateOnly(since)
	var transactions []models.InvestmentTransaction
	for _, txn := range s.investmentTransactions {
		if txn.UserId != userID {
			continue
		}
		if itemID != "" && txn.ItemId != itemID {
			continue
		}
		if !since.IsZero() && txn.Date.Before(cutoff) {
			continue
		}
		transactions = append(transactions, *txn)
	}
	sort.Slice(transactions, func(i, j int) bool {
		if transactions[i].Date.Equal(transactions[j].Date) {
			return transactions[i].InvestmentTransactionId < transactions[j].InvestmentTransactionId
		}
		return transactions[i].Date.After(transactions[j].Date)
	})
	return transactions, nil
}

func (s *MemoryStore) ListUserIdsWithItems(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var userIds []string
	for _, item := range s.items {
		if !seen[item.UserId] {
			seen[item.UserId] = true
			userIds = append(userIds, item.UserId)
		}
	}
	sort.Strings(userIds)
	return userIds, nil
}

func (s *MemoryStore) RemoveItemData(ctx context.Context, userID, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, exists := s.items[itemID]
	if !exists || item.UserId != userID {
		return ErrNotFoundOrForbidden
	}
	for key, holding := range s.holdings {
		if holding.ItemId == itemID {
			delete(s.holdings, key)
		}
	}
	for key, txn := range s.investmentTransactions {
		if txn.ItemId == itemID {
			delete(s.investmentTransactions, key)
		}
	}
	for key, txn := range s.transactions {
		if txn.ItemId == itemID {
			delete(s.transactions, key)
		}
	}
	for key, acc := range s.accounts {
		if acc.ItemId == itemID {
			delete(s.accounts, key)
		}
	}
	delete(s.items, itemID)
	return nil
}

func (s *MemoryStore) RemoveAllForUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, holding := range s.holdings {
		if holding.UserId == userID {
			delete(s.holdings, key)
		}
	}
	for key, txn := range s.investmentTransactions {
		if txn.UserId == userID {
			delete(s.investmentTransactions, key)
		}
	}
	for key, txn := range s.transactions {
		if txn.UserId == userID {
			delete(s.transactions, key)
		}
	}
	for key, acc := range s.accounts {
		if acc.UserId == userID {
			delete(s.accounts, key)
		}
	}
	for key, item := range s.items {
		if item.UserId == userID {
			delete(s.items, key)
		}
	}
	return nil
}
