package plaidsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ledgerlink/finance_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type fakeClient struct {
	createLinkTokenFn           func(ctx context.Context, userID, clientName string) (LinkTokenResult, error)
	exchangePublicTokenFn       func(ctx context.Context, publicToken string) (ExchangeResult, error)
	getAccountsFn               func(ctx context.Context, accessToken string) ([]AccountData, error)
	getTransactionsFn           func(ctx context.Context, accessToken string, start, end time.Time) ([]TransactionData, error)
	getInvestmentHoldingsFn     func(ctx context.Context, accessToken string) (HoldingsResult, error)
	getInvestmentTransactionsFn func(ctx context.Context, accessToken string, start, end time.Time) (InvestmentTransactionsResult, error)
}

var _ AggregatorClient = (*fakeClient)(nil)

func (f *fakeClient) CreateLinkToken(ctx context.Context, userID, clientName string) (LinkTokenResult, error) {
	if f.createLinkTokenFn != nil {
		return f.createLinkTokenFn(ctx, userID, clientName)
	}
	return LinkTokenResult{LinkToken: "link-sandbox-test"}, nil
}

func (f *fakeClient) ExchangePublicToken(ctx context.Context, publicToken string) (ExchangeResult, error) {
	if f.exchangePublicTokenFn != nil {
		return f.exchangePublicTokenFn(ctx, publicToken)
	}
	return ExchangeResult{AccessToken: "access-test", ItemID: "item-test"}, nil
}

func (f *fakeClient) GetAccounts(ctx context.Context, accessToken string) ([]AccountData, error) {
	if f.getAccountsFn != nil {
		return f.getAccountsFn(ctx, accessToken)
	}
	return nil, nil
}

func (f *fakeClient) GetTransactions(ctx context.Context, accessToken string, start, end time.Time) ([]TransactionData, error) {
	if f.getTransactionsFn != nil {
		return f.getTransactionsFn(ctx, accessToken, start, end)
	}
	return nil, nil
}

func (f *fakeClient) GetInvestmentHoldings(ctx context.Context, accessToken string) (HoldingsResult, error) {
	if f.getInvestmentHoldingsFn != nil {
		return f.getInvestmentHoldingsFn(ctx, accessToken)
	}
	return HoldingsResult{}, nil
}

func (f *fakeClient) GetInvestmentTransactions(ctx context.Context, accessToken string, start, end time.Time) (InvestmentTransactionsResult, error) {
	if f.getInvestmentTransactionsFn != nil {
		return f.getInvestmentTransactionsFn(ctx, accessToken, start, end)
	}
	return InvestmentTransactionsResult{}, nil
}

func newTestSyncer(client AggregatorClient) (*Syncer, *MemoryStore) {
	store := NewMemoryStore()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return NewSyncer(client, store, logger), store
}

func seedItem(t *testing.T, store *MemoryStore, userID, itemID, token string) *models.BankItem {
	t.Helper()
	item := &models.BankItem{
		ItemId:          itemID,
		UserId:          userID,
		AccessToken:     token,
		InstitutionName: "Test Bank",
		Status:          models.BankItemStatusGood,
	}
	if err := store.InsertBankItem(context.Background(), item); err != nil {
		t.Fatalf("InsertBankItem: %v", err)
	}
	return item
}

func testTransaction(id string, amount string, date string) TransactionData {
	return TransactionData{
		TransactionID: id,
		AccountID:     "acc-1",
		Amount:        decimal.RequireFromString(amount),
		Date:          date,
		Name:          "COFFEE SHOP",
		Category:      []string{"Food and Drink", "Coffee"},
		CurrencyCode:  "USD",
	}
}

func TestExchangePublicTokenPersistsItemAndRunsInitialMirror(t *testing.T) {
	today := time.Now().Format("2006-01-02")
	client := &fakeClient{
		getAccountsFn: func(ctx context.Context, accessToken string) ([]AccountData, error) {
			bal := decimal.NewFromInt(1200)
			return []AccountData{{
				AccountID:      "acc-1",
				Name:           "Checking",
				Type:           "depository",
				Subtype:        "checking",
				BalanceCurrent: &bal,
				CurrencyCode:   "USD",
			}}, nil
		},
		getTransactionsFn: func(ctx context.Context, accessToken string, start, end time.Time) ([]TransactionData, error) {
			return []TransactionData{
				testTransaction("txn-1", "4.25", today),
				testTransaction("txn-2", "12.80", today),
			}, nil
		},
	}
	syncer, store := newTestSyncer(client)

	req := &ExchangePublicTokenRequest{PublicToken: "public-tok"}
	req.Metadata.Institution.InstitutionID = "ins_1"
	req.Metadata.Institution.Name = "First Bank"

	resp, err := syncer.ExchangePublicToken(context.Background(), "user-a", req)
	if err != nil {
		t.Fatalf("ExchangePublicToken: %v", err)
	}
	if resp.ItemID != "item-test" || resp.InstitutionName != "First Bank" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	item, err := store.GetBankItem(context.Background(), "user-a", "item-test")
	if err != nil {
		t.Fatalf("GetBankItem: %v", err)
	}
	if item.Status != models.BankItemStatusGood {
		t.Fatalf("expected status good, got %s (%s)", item.Status, item.ErrorMessage)
	}
	if item.LastSyncedAt == nil {
		t.Fatal("expected last_synced_at to be stamped")
	}

	accounts, _ := store.ListAccounts(context.Background(), "user-a")
	if len(accounts) != 1 || accounts[0].AccountId != "acc-1" {
		t.Fatalf("unexpected accounts: %+v", accounts)
	}
	transactions, _ := store.ListTransactions(context.Background(), "user-a", time.Time{})
	if len(transactions) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(transactions))
	}
}

func TestExchangePublicTokenUpstreamFailureStoresNothing(t *testing.T) {
	client := &fakeClient{
		exchangePublicTokenFn: func(ctx context.Context, publicToken string) (ExchangeResult, error) {
			return ExchangeResult{}, &apiError{StatusCode: 400, ErrorType: "INVALID_INPUT", ErrorCode: "INVALID_PUBLIC_TOKEN", ErrorMessage: "bad token"}
		},
	}
	syncer, store := newTestSyncer(client)

	_, err := syncer.ExchangePublicToken(context.Background(), "user-a", &ExchangePublicTokenRequest{PublicToken: "bogus"})
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	userIds, _ := store.ListUserIdsWithItems(context.Background())
	if len(userIds) != 0 {
		t.Fatalf("expected no items persisted, got users %v", userIds)
	}
}

func TestExchangeSucceedsWhenTransactionsNotReady(t *testing.T) {
	client := &fakeClient{
		getTransactionsFn: func(ctx context.Context, accessToken string, start, end time.Time) ([]TransactionData, error) {
			return nil, &apiError{StatusCode: 400, ErrorType: "ITEM_ERROR", ErrorCode: "PRODUCT_NOT_READY", ErrorMessage: "still extracting"}
		},
	}
	syncer, store := newTestSyncer(client)

	resp, err := syncer.ExchangePublicToken(context.Background(), "user-a", &ExchangePublicTokenRequest{PublicToken: "public-tok"})
	if err != nil {
		t.Fatalf("exchange should tolerate a not-ready mirror, got %v", err)
	}
	if resp.InstitutionName != "Unknown Bank" {
		t.Fatalf("expected institution fallback, got %q", resp.InstitutionName)
	}

	// The failed mirror is visible on item health, not on the exchange.
	item, err := store.GetBankItem(context.Background(), "user-a", "item-test")
	if err != nil {
		t.Fatalf("GetBankItem: %v", err)
	}
	if item.Status != models.BankItemStatusError || item.ErrorMessage == "" {
		t.Fatalf("expected error health, got status=%s msg=%q", item.Status, item.ErrorMessage)
	}
}

func TestSyncItemIsIdempotent(t *testing.T) {
	today := time.Now().Format("2006-01-02")
	client := &fakeClient{
		getTransactionsFn: func(ctx context.Context, accessToken string, start, end time.Time) ([]TransactionData, error) {
			return []TransactionData{
				testTransaction("txn-1", "4.25", today),
				testTransaction("txn-2", "12.80", today),
			}, nil
		},
	}
	syncer, store := newTestSyncer(client)
	seedItem(t, store, "user-a", "item-1", "tok-1")

	for run := 0; run < 2; run++ {
		count, err := syncer.SyncItem(context.Background(), "user-a", "item-1")
		if err != nil {
			t.Fatalf("SyncItem run %d: %v", run, err)
		}
		if count != 2 {
			t.Fatalf("SyncItem run %d: expected count 2, got %d", run, count)
		}
	}

	transactions, _ := store.ListTransactions(context.Background(), "user-a", time.Time{})
	if len(transactions) != 2 {
		t.Fatalf("expected 2 rows after two syncs, got %d", len(transactions))
	}
}

func TestSyncItemUpdatesRowsInPlace(t *testing.T) {
	today := time.Now().Format("2006-01-02")
	pending := true
	client := &fakeClient{}
	client.getTransactionsFn = func(ctx context.Context, accessToken string, start, end time.Time) ([]TransactionData, error) {
		txn := testTransaction("txn-1", "4.25", today)
		txn.Pending = pending
		return []TransactionData{txn}, nil
	}
	syncer, store := newTestSyncer(client)
	seedItem(t, store, "user-a", "item-1", "tok-1")

	if _, err := syncer.SyncItem(context.Background(), "user-a", "item-1"); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	pending = false
	if _, err := syncer.SyncItem(context.Background(), "user-a", "item-1"); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	transactions, _ := store.ListTransactions(context.Background(), "user-a", time.Time{})
	if len(transactions) != 1 {
		t.Fatalf("expected a single row, got %d", len(transactions))
	}
	if transactions[0].Pending {
		t.Fatal("expected the pending flag to be overwritten by the second sync")
	}
}

func TestSyncItemRejectsForeignItem(t *testing.T) {
	syncer, store := newTestSyncer(&fakeClient{})
	seedItem(t, store, "user-a", "item-1", "tok-1")

	_, err := syncer.SyncItem(context.Background(), "user-b", "item-1")
	if !errors.Is(err, ErrNotFoundOrForbidden) {
		t.Fatalf("expected ErrNotFoundOrForbidden, got %v", err)
	}
}

func TestSyncItemHealthRoundTrip(t *testing.T) {
	today := time.Now().Format("2006-01-02")
	failing := true
	client := &fakeClient{}
	client.getTransactionsFn = func(ctx context.Context, accessToken string, start, end time.Time) ([]TransactionData, error) {
		if failing {
			return nil, &apiError{StatusCode: 400, ErrorType: "ITEM_ERROR", ErrorCode: "ITEM_LOGIN_REQUIRED", ErrorMessage: "credentials changed"}
		}
		return []TransactionData{testTransaction("txn-1", "4.25", today)}, nil
	}
	syncer, store := newTestSyncer(client)
	seedItem(t, store, "user-a", "item-1", "tok-1")

	_, err := syncer.SyncItem(context.Background(), "user-a", "item-1")
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	item, _ := store.GetBankItem(context.Background(), "user-a", "item-1")
	if item.Status != models.BankItemStatusError || item.ErrorMessage == "" {
		t.Fatalf("expected error health, got status=%s msg=%q", item.Status, item.ErrorMessage)
	}

	failing = false
	if _, err := syncer.SyncItem(context.Background(), "user-a", "item-1"); err != nil {
		t.Fatalf("recovery sync: %v", err)
	}
	item, _ = store.GetBankItem(context.Background(), "user-a", "item-1")
	if item.Status != models.BankItemStatusGood {
		t.Fatalf("expected status good after recovery, got %s", item.Status)
	}
	if item.ErrorMessage != "" {
		t.Fatalf("expected error message cleared, got %q", item.ErrorMessage)
	}
	if item.LastSyncedAt == nil {
		t.Fatal("expected last_synced_at after successful sync")
	}
}

func TestListTransactionsIsolatesFailingItems(t *testing.T) {
	today := time.Now().Format("2006-01-02")
	client := &fakeClient{
		getTransactionsFn: func(ctx context.Context, accessToken string, start, end time.Time) ([]TransactionData, error) {
			if accessToken == "tok-bad" {
				return nil, &apiError{StatusCode: 400, ErrorType: "ITEM_ERROR", ErrorCode: "ITEM_LOGIN_REQUIRED", ErrorMessage: "credentials changed"}
			}
			txn := testTransaction("txn-good", "9.99", today)
			txn.AccountID = "acc-good"
			return []TransactionData{txn}, nil
		},
	}
	syncer, store := newTestSyncer(client)
	seedItem(t, store, "user-a", "item-bad", "tok-bad")
	seedItem(t, store, "user-a", "item-good", "tok-good")

	resp, err := syncer.ListTransactionsForUser(context.Background(), "user-a", 30)
	if err != nil {
		t.Fatalf("ListTransactionsForUser: %v", err)
	}
	if resp.TotalTransactions != 1 || len(resp.Transactions) != 1 {
		t.Fatalf("expected the healthy item's transaction, got %+v", resp)
	}
	if resp.Transactions[0].TransactionId != "txn-good" {
		t.Fatalf("unexpected transaction: %+v", resp.Transactions[0])
	}

	bad, _ := store.GetBankItem(context.Background(), "user-a", "item-bad")
	good, _ := store.GetBankItem(context.Background(), "user-a", "item-good")
	if bad.Status != models.BankItemStatusError {
		t.Fatalf("expected failing item flagged, got %s", bad.Status)
	}
	if good.Status != models.BankItemStatusGood {
		t.Fatalf("expected healthy item good, got %s", good.Status)
	}
}

func TestSyncAllForUserSummary(t *testing.T) {
	today := time.Now().Format("2006-01-02")
	client := &fakeClient{
		getTransactionsFn: func(ctx context.Context, accessToken string, start, end time.Time) ([]TransactionData, error) {
			if accessToken == "tok-bad" {
				return nil, &apiError{StatusCode: 500, ErrorType: "API_ERROR", ErrorCode: "INTERNAL_SERVER_ERROR", ErrorMessage: "upstream blew up"}
			}
			return []TransactionData{testTransaction("txn-1", "1.00", today)}, nil
		},
	}
	syncer, store := newTestSyncer(client)
	seedItem(t, store, "user-a", "item-bad", "tok-bad")
	seedItem(t, store, "user-a", "item-good", "tok-good")

	summary, err := syncer.SyncAllForUser(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("SyncAllForUser: %v", err)
	}
	if summary.ItemsSynced != 1 || summary.ItemsFailed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.TransactionsWritten != 1 {
		t.Fatalf("expected 1 transaction written, got %d", summary.TransactionsWritten)
	}
	if len(summary.Errors) != 1 {
		t.Fatalf("expected one recorded error, got %v", summary.Errors)
	}
}

func TestRemoveItemCascades(t *testing.T) {
	today := time.Now().Format("2006-01-02")
	qty := decimal.NewFromInt(3)
	price := decimal.NewFromFloat(101.5)
	client := &fakeClient{
		getAccountsFn: func(ctx context.Context, accessToken string) ([]AccountData, error) {
			return []AccountData{{AccountID: "acc-" + accessToken, Name: "Brokerage", Type: "investment", CurrencyCode: "USD"}}, nil
		},
		getTransactionsFn: func(ctx context.Context, accessToken string, start, end time.Time) ([]TransactionData, error) {
			txn := testTransaction("txn-"+accessToken, "4.25", today)
			txn.AccountID = "acc-" + accessToken
			return []TransactionData{txn}, nil
		},
		getInvestmentHoldingsFn: func(ctx context.Context, accessToken string) (HoldingsResult, error) {
			return HoldingsResult{
				Holdings:   []HoldingData{{AccountID: "acc-" + accessToken, SecurityID: "sec-1", Quantity: qty, InstitutionPrice: &price}},
				Securities: []SecurityData{{SecurityID: "sec-1", Ticker: "VTI", Name: "Vanguard Total Market"}},
			}, nil
		},
		getInvestmentTransactionsFn: func(ctx context.Context, accessToken string, start, end time.Time) (InvestmentTransactionsResult, error) {
			return InvestmentTransactionsResult{
				Transactions: []InvestmentTransactionData{{
					InvestmentTransactionID: "inv-" + accessToken,
					AccountID:               "acc-" + accessToken,
					SecurityID:              "sec-1",
					Date:                    today,
					Type:                    "buy",
					Amount:                  decimal.NewFromInt(300),
				}},
				Securities: []SecurityData{{SecurityID: "sec-1", Ticker: "VTI"}},
			}, nil
		},
	}
	syncer, store := newTestSyncer(client)
	seedItem(t, store, "user-a", "item-1", "tok-1")
	seedItem(t, store, "user-a", "item-2", "tok-2")

	ctx := context.Background()
	for _, itemID := range []string{"item-1", "item-2"} {
		if _, err := syncer.SyncItem(ctx, "user-a", itemID); err != nil {
			t.Fatalf("SyncItem %s: %v", itemID, err)
		}
		if _, err := syncer.GetInvestmentHoldings(ctx, "user-a", itemID); err != nil {
			t.Fatalf("GetInvestmentHoldings %s: %v", itemID, err)
		}
	}
	if _, err := syncer.ListAccountsForUser(ctx, "user-a"); err != nil {
		t.Fatalf("ListAccountsForUser: %v", err)
	}

	if err := syncer.RemoveItem(ctx, "user-a", "item-1"); err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}

	if _, err := store.GetBankItem(ctx, "user-a", "item-1"); !errors.Is(err, ErrNotFoundOrForbidden) {
		t.Fatalf("expected item gone, got %v", err)
	}
	accounts, _ := store.ListAccounts(ctx, "user-a")
	for _, acc := range accounts {
		if acc.ItemId == "item-1" {
			t.Fatalf("expected item-1 accounts removed, found %+v", acc)
		}
	}
	transactions, _ := store.ListTransactions(ctx, "user-a", time.Time{})
	if len(transactions) != 1 || transactions[0].ItemId != "item-2" {
		t.Fatalf("expected only item-2 transactions, got %+v", transactions)
	}
	holdings, _ := store.ListHoldings(ctx, "user-a", "")
	if len(holdings) != 1 || holdings[0].ItemId != "item-2" {
		t.Fatalf("expected only item-2 holdings, got %+v", holdings)
	}
	invTxns, _ := store.ListInvestmentTransactions(ctx, "user-a", "", time.Time{})
	if len(invTxns) != 1 || invTxns[0].ItemId != "item-2" {
		t.Fatalf("expected only item-2 investment transactions, got %+v", invTxns)
	}

	// Removing it again reports not found.
	if err := syncer.RemoveItem(ctx, "user-a", "item-1"); !errors.Is(err, ErrNotFoundOrForbidden) {
		t.Fatalf("expected ErrNotFoundOrForbidden on second removal, got %v", err)
	}
}

func TestHoldingValuePrecedence(t *testing.T) {
	qty := decimal.NewFromInt(4)
	price := decimal.NewFromFloat(25.5)
	instValue := decimal.NewFromInt(999)

	cases := []struct {
		name     string
		holding  HoldingData
		expected string
	}{
		{
			name:     "institution value wins",
			holding:  HoldingData{Quantity: qty, InstitutionPrice: &price, InstitutionValue: &instValue},
			expected: "999",
		},
		{
			name:     "price times quantity",
			holding:  HoldingData{Quantity: qty, InstitutionPrice: &price},
			expected: "102",
		},
		{
			name:     "missing price counts as zero",
			holding:  HoldingData{Quantity: qty},
			expected: "0",
		},
	}
	for _, tc := range cases {
		got := holdingValue(tc.holding)
		if got.String() != tc.expected {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.expected, got.String())
		}
	}
}

func TestGetInvestmentHoldingsToleratesUnsupportedItems(t *testing.T) {
	client := &fakeClient{
		getInvestmentHoldingsFn: func(ctx context.Context, accessToken string) (HoldingsResult, error) {
			return HoldingsResult{}, &apiError{StatusCode: 400, ErrorType: "ITEM_ERROR", ErrorCode: "PRODUCTS_NOT_SUPPORTED", ErrorMessage: "no investments here"}
		},
	}
	syncer, store := newTestSyncer(client)
	seedItem(t, store, "user-a", "item-1", "tok-1")

	resp, err := syncer.GetInvestmentHoldings(context.Background(), "user-a", "item-1")
	if err != nil {
		t.Fatalf("expected unsupported code to be tolerated, got %v", err)
	}
	if len(resp.Holdings) != 0 || !resp.TotalValue.IsZero() {
		t.Fatalf("expected empty holdings, got %+v", resp)
	}
}

func TestGetInvestmentHoldingsJoinsSecuritiesAndTotals(t *testing.T) {
	qty := decimal.NewFromInt(2)
	price := decimal.NewFromInt(150)
	client := &fakeClient{
		getInvestmentHoldingsFn: func(ctx context.Context, accessToken string) (HoldingsResult, error) {
			return HoldingsResult{
				Holdings: []HoldingData{
					{AccountID: "acc-1", SecurityID: "sec-1", Quantity: qty, InstitutionPrice: &price},
					{AccountID: "acc-1", SecurityID: "sec-2", Quantity: qty},
				},
				Securities: []SecurityData{
					{SecurityID: "sec-1", Ticker: "AAPL", Name: "Apple Inc", Type: "equity"},
					{SecurityID: "sec-2", Ticker: "BND", Name: "Total Bond", Type: "etf"},
				},
			}, nil
		},
	}
	syncer, store := newTestSyncer(client)
	seedItem(t, store, "user-a", "item-1", "tok-1")

	resp, err := syncer.GetInvestmentHoldings(context.Background(), "user-a", "item-1")
	if err != nil {
		t.Fatalf("GetInvestmentHoldings: %v", err)
	}
	if len(resp.Holdings) != 2 {
		t.Fatalf("expected 2 holdings, got %d", len(resp.Holdings))
	}
	if resp.TotalValue.String() != "300" {
		t.Fatalf("expected total 300, got %s", resp.TotalValue.String())
	}

	byTicker := map[string]models.InvestmentHolding{}
	for _, h := range resp.Holdings {
		byTicker[h.Ticker] = h
	}
	if byTicker["AAPL"].SecurityName != "Apple Inc" {
		t.Fatalf("expected security join, got %+v", byTicker["AAPL"])
	}
	if !byTicker["BND"].Value.IsZero() {
		t.Fatalf("expected zero value for priceless holding, got %s", byTicker["BND"].Value)
	}

	// Repeating the call upserts, never duplicates.
	if _, err := syncer.GetInvestmentHoldings(context.Background(), "user-a", "item-1"); err != nil {
		t.Fatalf("second GetInvestmentHoldings: %v", err)
	}
	stored, _ := store.ListHoldings(context.Background(), "user-a", "item-1")
	if len(stored) != 2 {
		t.Fatalf("expected 2 stored holdings after repeat, got %d", len(stored))
	}
}
