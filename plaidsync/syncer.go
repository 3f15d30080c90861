package plaidsync

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/ledgerlink/finance_backend/config"
	"github.com/ledgerlink/finance_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	defaultLookbackDays = 30
	syncLockTTL         = 2 * time.Minute
	syncLockPrefix      = "plaid-sync:"
)

// Syncer orchestrates aggregator fetches and mirror writes. Item health
// lives on the transaction mirror: a successful run stamps
// last_synced_at and clears the error, a failed run flips the item to
// error with the upstream message.
type Syncer struct {
	client       AggregatorClient
	store        Store
	logger       *logrus.Logger
	locker       *redislock.Client
	lookbackDays int
}

type SyncerOption func(*Syncer)

// WithLocker enables per-item redis locks so concurrent manual syncs of the
// same item fail fast instead of interleaving.
func WithLocker(locker *redislock.Client) SyncerOption {
	return func(s *Syncer) { s.locker = locker }
}

func WithLookbackDays(days int) SyncerOption {
	return func(s *Syncer) {
		if days > 0 {
			s.lookbackDays = days
		}
	}
}

func NewSyncer(client AggregatorClient, store Store, logger *logrus.Logger, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		client:       client,
		store:        store,
		logger:       logger,
		lookbackDays: lookbackDaysFromEnv(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func lookbackDaysFromEnv() int {
	if v := os.Getenv("SYNC_LOOKBACK_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultLookbackDays
}

func (s *Syncer) CreateLinkToken(ctx context.Context, userID, clientName string) (*CreateLinkTokenResponse, error) {
	result, err := s.client.CreateLinkToken(ctx, userID, clientName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	return &CreateLinkTokenResponse{LinkToken: result.LinkToken, Expiration: result.Expiration}, nil
}

// ExchangePublicToken trades the one-time public token for the durable
// credential and persists the new item. The initial mirrors run best
// effort; data is often not ready this early, so item health carries the
// outcome instead of failing the link. The credential never appears in
// the response.
func (s *Syncer) ExchangePublicToken(ctx context.Context, userID string, req *ExchangePublicTokenRequest) (*ExchangeResponse, error) {
	exchanged, err := s.client.ExchangePublicToken(ctx, req.PublicToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	institutionName := req.Metadata.Institution.Name
	if institutionName == "" {
		institutionName = "Unknown Bank"
	}
	now := time.Now()
	item := &models.BankItem{
		ItemId:          exchanged.ItemID,
		UserId:          userID,
		AccessToken:     exchanged.AccessToken,
		InstitutionId:   req.Metadata.Institution.InstitutionID,
		InstitutionName: institutionName,
		Status:          models.BankItemStatusGood,
		LastSyncedAt:    &now,
	}
	if err := s.store.InsertBankItem(ctx, item); err != nil {
		return nil, err
	}

	if _, err := s.syncAccounts(ctx, item); err != nil {
		s.logMirrorFailure("ExchangePublicToken", item.ItemId, "initial account mirror", err)
	}
	if _, err := s.syncTransactions(ctx, item, s.lookbackDays); err != nil {
		s.logMirrorFailure("ExchangePublicToken", item.ItemId, "initial transaction mirror", err)
	}

	return &ExchangeResponse{
		ItemID:          item.ItemId,
		InstitutionName: institutionName,
		Message:         "Successfully exchanged public token",
	}, nil
}

// SyncItem refreshes one item on demand. The redis lock makes a second
// concurrent sync of the same item fail fast with ErrSyncInProgress.
func (s *Syncer) SyncItem(ctx context.Context, userID, itemID string) (int, error) {
	if s.locker != nil {
		lock, err := s.locker.Obtain(ctx, syncLockPrefix+itemID, syncLockTTL, nil)
		if err == redislock.ErrNotObtained {
			return 0, ErrSyncInProgress
		}
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"item_id": itemID,
			}).Warn("error obtaining sync lock; proceeding without lock: " + err.Error())
		} else {
			defer func() {
				if releaseErr := lock.Release(ctx); releaseErr != nil && releaseErr != redislock.ErrLockNotHeld {
					s.logger.WithFields(logrus.Fields{
						"item_id": itemID,
					}).Warn("release sync lock: " + releaseErr.Error())
				}
			}()
		}
	}

	item, err := s.store.GetBankItem(ctx, userID, itemID)
	if err != nil {
		return 0, err
	}
	return s.syncTransactions(ctx, item, s.lookbackDays)
}

// ListAccountsForUser refreshes balances item by item, tolerating per-item
// failures, then assembles the stored accounts with each item's health.
func (s *Syncer) ListAccountsForUser(ctx context.Context, userID string) (*AccountsResponse, error) {
	items, err := s.store.ListBankItems(ctx, userID)
	if err != nil {
		return nil, err
	}

	byItem := make(map[string]*models.BankItem, len(items))
	for i := range items {
		item := &items[i]
		byItem[item.ItemId] = item
		if _, err := s.syncAccounts(ctx, item); err != nil {
			s.logMirrorFailure("ListAccountsForUser", item.ItemId, "refresh accounts", err)
		}
	}

	accounts, err := s.store.ListAccounts(ctx, userID)
	if err != nil {
		return nil, err
	}
	views := make([]AccountView, 0, len(accounts))
	for i := range accounts {
		views = append(views, mapAccountView(&accounts[i], byItem[accounts[i].ItemId]))
	}
	return &AccountsResponse{Accounts: views}, nil
}

// ListTransactionsForUser refreshes every item's transactions for the
// window, tolerating per-item failures, then serves the stored window.
func (s *Syncer) ListTransactionsForUser(ctx context.Context, userID string, days int) (*TransactionsResponse, error) {
	if days <= 0 {
		days = s.lookbackDays
	}
	items, err := s.store.ListBankItems(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if _, err := s.syncTransactions(ctx, &items[i], days); err != nil {
			s.logMirrorFailure("ListTransactionsForUser", items[i].ItemId, "refresh transactions", err)
		}
	}

	since := time.Now().AddDate(0, 0, -days)
	transactions, err := s.store.ListTransactions(ctx, userID, since)
	if err != nil {
		return nil, err
	}
	if transactions == nil {
		transactions = []models.Transaction{}
	}
	return &TransactionsResponse{Transactions: transactions, TotalTransactions: len(transactions)}, nil
}

// SyncAllForUser is the background refresh: accounts and transactions for
// every linked item, one item's failure never blocking the next.
func (s *Syncer) SyncAllForUser(ctx context.Context, userID string) (*SyncSummary, error) {
	items, err := s.store.ListBankItems(ctx, userID)
	if err != nil {
		return nil, err
	}

	summary := &SyncSummary{}
	for i := range items {
		item := &items[i]
		if _, err := s.syncAccounts(ctx, item); err != nil {
			s.logMirrorFailure("SyncAllForUser", item.ItemId, "refresh accounts", err)
		}
		count, err := s.syncTransactions(ctx, item, s.lookbackDays)
		if err != nil {
			summary.ItemsFailed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", item.ItemId, err))
			config.LogError(s.logger, "plaidsync", "SyncAllForUser", "sync item", item.ItemId, err)
			continue
		}
		summary.ItemsSynced++
		summary.TransactionsWritten += count
	}
	return summary, nil
}

// GetInvestmentHoldings pulls current positions for one item, stores them,
// and returns the stored rows with their total value. Items without an
// investment product yield an empty result, not an error.
func (s *Syncer) GetInvestmentHoldings(ctx context.Context, userID, itemID string) (*HoldingsResponse, error) {
	item, err := s.store.GetBankItem(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}

	result, err := s.client.GetInvestmentHoldings(ctx, item.AccessToken)
	if err != nil {
		if isInvestmentsUnsupportedErr(err) {
			return &HoldingsResponse{Holdings: []models.InvestmentHolding{}}, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	securities := securitiesByID(result.Securities)
	rows := make([]models.InvestmentHolding, 0, len(result.Holdings))
	for _, holding := range result.Holdings {
		sec := securities[holding.SecurityID]
		rows = append(rows, models.InvestmentHolding{
			SecurityId:   holding.SecurityID,
			AccountId:    holding.AccountID,
			ItemId:       item.ItemId,
			UserId:       item.UserId,
			Ticker:       sec.Ticker,
			SecurityName: sec.Name,
			SecurityType: sec.Type,
			Quantity:     holding.Quantity,
			Price:        holding.InstitutionPrice,
			Value:        holdingValue(holding),
			CostBasis:    holding.CostBasis,
			CurrencyCode: holding.CurrencyCode,
		})
	}
	if _, err := s.store.UpsertHoldings(ctx, rows); err != nil {
		return nil, err
	}

	holdings, err := s.store.ListHoldings(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	if holdings == nil {
		holdings = []models.InvestmentHolding{}
	}
	total := decimal.Zero
	for i := range holdings {
		total = total.Add(holdings[i].Value)
	}
	return &HoldingsResponse{Holdings: holdings, TotalValue: total}, nil
}

// GetInvestmentTransactions pulls the window of investment activity for
// one item, stores it, and returns the stored window.
func (s *Syncer) GetInvestmentTransactions(ctx context.Context, userID, itemID string, days int) (*InvestmentTransactionsResponse, error) {
	item, err := s.store.GetBankItem(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	if days <= 0 {
		days = s.lookbackDays
	}
	endDate := time.Now()
	startDate := endDate.AddDate(0, 0, -days)

	result, err := s.client.GetInvestmentTransactions(ctx, item.AccessToken, startDate, endDate)
	if err != nil {
		if isInvestmentsUnsupportedErr(err) {
			return &InvestmentTransactionsResponse{Transactions: []models.InvestmentTransaction{}}, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	rows := s.mapInvestmentTransactions(item, result)
	if _, err := s.store.UpsertInvestmentTransactions(ctx, rows); err != nil {
		return nil, err
	}

	transactions, err := s.store.ListInvestmentTransactions(ctx, userID, itemID, startDate)
	if err != nil {
		return nil, err
	}
	if transactions == nil {
		transactions = []models.InvestmentTransaction{}
	}
	return &InvestmentTransactionsResponse{Transactions: transactions}, nil
}

// RemoveItem deletes the item and everything mirrored under it.
func (s *Syncer) RemoveItem(ctx context.Context, userID, itemID string) error {
	return s.store.RemoveItemData(ctx, userID, itemID)
}

// UserIdsWithItems lists the users the background sync fans out over.
func (s *Syncer) UserIdsWithItems(ctx context.Context) ([]string, error) {
	return s.store.ListUserIdsWithItems(ctx)
}

func (s *Syncer) syncAccounts(ctx context.Context, item *models.BankItem) (int, error) {
	accounts, err := s.client.GetAccounts(ctx, item.AccessToken)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	rows := make([]models.Account, 0, len(accounts))
	for _, acc := range accounts {
		rows = append(rows, models.Account{
			AccountId:        acc.AccountID,
			ItemId:           item.ItemId,
			UserId:           item.UserId,
			Name:             acc.Name,
			OfficialName:     acc.OfficialName,
			Type:             acc.Type,
			Subtype:          acc.Subtype,
			Mask:             acc.Mask,
			BalanceCurrent:   acc.BalanceCurrent,
			BalanceAvailable: acc.BalanceAvailable,
			CurrencyCode:     acc.CurrencyCode,
		})
	}
	return s.store.UpsertAccounts(ctx, rows)
}

func (s *Syncer) syncTransactions(ctx context.Context, item *models.BankItem, days int) (int, error) {
	if days <= 0 {
		days = s.lookbackDays
	}
	endDate := time.Now()
	startDate := endDate.AddDate(0, 0, -days)

	transactions, err := s.client.GetTransactions(ctx, item.AccessToken, startDate, endDate)
	if err != nil {
		s.markItemError(ctx, item, err)
		return 0, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	rows := make([]models.Transaction, 0, len(transactions))
	for _, txn := range transactions {
		row, err := mapTransaction(item, txn)
		if err != nil {
			config.LogError(s.logger, "plaidsync", "syncTransactions", "map transaction", txn.TransactionID, err)
			continue
		}
		rows = append(rows, row)
	}
	count, err := s.store.UpsertTransactions(ctx, rows)
	if err != nil {
		s.markItemError(ctx, item, err)
		return 0, err
	}

	if config.InvestmentSyncEnabled() {
		invResult, invErr := s.client.GetInvestmentTransactions(ctx, item.AccessToken, startDate, endDate)
		if invErr != nil {
			if !isInvestmentsUnsupportedErr(invErr) {
				s.markItemError(ctx, item, invErr)
				return 0, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, invErr)
			}
		} else {
			invRows := s.mapInvestmentTransactions(item, invResult)
			if _, err := s.store.UpsertInvestmentTransactions(ctx, invRows); err != nil {
				s.markItemError(ctx, item, err)
				return 0, err
			}
		}
	}

	s.markItemSynced(ctx, item)
	return count, nil
}

func (s *Syncer) mapInvestmentTransactions(item *models.BankItem, result InvestmentTransactionsResult) []models.InvestmentTransaction {
	securities := securitiesByID(result.Securities)
	rows := make([]models.InvestmentTransaction, 0, len(result.Transactions))
	for _, txn := range result.Transactions {
		date, err := time.Parse("2006-01-02", txn.Date)
		if err != nil {
			config.LogError(s.logger, "plaidsync", "mapInvestmentTransactions", "parse date", txn.InvestmentTransactionID, err)
			continue
		}
		sec := securities[txn.SecurityID]
		name := txn.Name
		if name == "" {
			name = sec.Name
		}
		rows = append(rows, models.InvestmentTransaction{
			InvestmentTransactionId: txn.InvestmentTransactionID,
			AccountId:               txn.AccountID,
			SecurityId:              txn.SecurityID,
			ItemId:                  item.ItemId,
			UserId:                  item.UserId,
			Ticker:                  sec.Ticker,
			Name:                    name,
			Type:                    txn.Type,
			Subtype:                 txn.Subtype,
			Date:                    date,
			Quantity:                txn.Quantity,
			Price:                   txn.Price,
			Amount:                  txn.Amount,
			Fees:                    txn.Fees,
			CurrencyCode:            txn.CurrencyCode,
		})
	}
	return rows
}

func (s *Syncer) markItemError(ctx context.Context, item *models.BankItem, cause error) {
	if err := s.store.UpdateItemHealth(ctx, item.UserId, item.ItemId, models.BankItemStatusError, cause.Error(), nil); err != nil {
		config.LogError(s.logger, "plaidsync", "markItemError", "update item health", item.ItemId, err)
	}
}

func (s *Syncer) markItemSynced(ctx context.Context, item *models.BankItem) {
	now := time.Now()
	if err := s.store.UpdateItemHealth(ctx, item.UserId, item.ItemId, models.BankItemStatusGood, "", &now); err != nil {
		config.LogError(s.logger, "plaidsync", "markItemSynced", "update item health", item.ItemId, err)
	}
}

func (s *Syncer) logMirrorFailure(funcName, itemID, context string, err error) {
	if isProductNotReadyErr(err) {
		s.logger.WithFields(logrus.Fields{
			"item_id": itemID,
		}).Warnf("%s: transactions not ready yet", context)
		return
	}
	config.LogError(s.logger, "plaidsync", funcName, context, itemID, err)
}

func mapTransaction(item *models.BankItem, txn TransactionData) (models.Transaction, error) {
	date, err := time.Parse("2006-01-02", txn.Date)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("parse transaction date %q: %w", txn.Date, err)
	}
	row := models.Transaction{
		TransactionId:  txn.TransactionID,
		AccountId:      txn.AccountID,
		ItemId:         item.ItemId,
		UserId:         item.UserId,
		Amount:         txn.Amount,
		Date:           date,
		Name:           txn.Name,
		MerchantName:   txn.MerchantName,
		CategoryId:     txn.CategoryID,
		PaymentChannel: txn.PaymentChannel,
		Pending:        txn.Pending,
		CurrencyCode:   txn.CurrencyCode,
	}
	if err := row.SetCategory(txn.Category); err != nil {
		return models.Transaction{}, err
	}
	return row, nil
}

// holdingValue prefers the institution-reported value; otherwise it is
// price times quantity, a missing price counting as zero.
func holdingValue(holding HoldingData) decimal.Decimal {
	if holding.InstitutionValue != nil {
		return *holding.InstitutionValue
	}
	if holding.InstitutionPrice == nil {
		return decimal.Zero
	}
	return holding.InstitutionPrice.Mul(holding.Quantity)
}

func securitiesByID(securities []SecurityData) map[string]SecurityData {
	byID := make(map[string]SecurityData, len(securities))
	for _, sec := range securities {
		byID[sec.SecurityID] = sec
	}
	return byID
}
