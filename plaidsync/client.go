package plaidsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AggregatorClient is the upstream surface the syncer depends on. The
// concrete Client talks to Plaid; tests substitute a fake.
type AggregatorClient interface {
	CreateLinkToken(ctx context.Context, userID string, clientName string) (LinkTokenResult, error)
	ExchangePublicToken(ctx context.Context, publicToken string) (ExchangeResult, error)
	GetAccounts(ctx context.Context, accessToken string) ([]AccountData, error)
	GetTransactions(ctx context.Context, accessToken string, startDate, endDate time.Time) ([]TransactionData, error)
	GetInvestmentHoldings(ctx context.Context, accessToken string) (HoldingsResult, error)
	GetInvestmentTransactions(ctx context.Context, accessToken string, startDate, endDate time.Time) (InvestmentTransactionsResult, error)
}

type LinkTokenResult struct {
	LinkToken  string
	Expiration string
}

type ExchangeResult struct {
	AccessToken string
	ItemID      string
}

type AccountData struct {
	AccountID        string
	Name             string
	OfficialName     string
	Type             string
	Subtype          string
	Mask             string
	BalanceCurrent   *decimal.Decimal
	BalanceAvailable *decimal.Decimal
	CurrencyCode     string
}

type TransactionData struct {
	TransactionID  string
	AccountID      string
	Amount         decimal.Decimal
	Date           string
	Name           string
	MerchantName   string
	Category       []string
	CategoryID     string
	PaymentChannel string
	Pending        bool
	CurrencyCode   string
}

type SecurityData struct {
	SecurityID string
	Ticker     string
	Name       string
	Type       string
}

type HoldingData struct {
	AccountID        string
	SecurityID       string
	Quantity         decimal.Decimal
	InstitutionPrice *decimal.Decimal
	InstitutionValue *decimal.Decimal
	CostBasis        *decimal.Decimal
	CurrencyCode     string
}

type HoldingsResult struct {
	Holdings   []HoldingData
	Securities []SecurityData
}

type InvestmentTransactionData struct {
	InvestmentTransactionID string
	AccountID               string
	SecurityID              string
	Date                    string
	Name                    string
	Type                    string
	Subtype                 string
	Quantity                *decimal.Decimal
	Price                   *decimal.Decimal
	Amount                  decimal.Decimal
	Fees                    *decimal.Decimal
	CurrencyCode            string
}

type InvestmentTransactionsResult struct {
	Transactions []InvestmentTransactionData
	Securities   []SecurityData
}

// apiError is Plaid's error envelope plus the HTTP status it arrived with.
type apiError struct {
	StatusCode   int    `json:"-"`
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	RequestID    string `json:"request_id"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("plaid api error %d: %s/%s: %s", e.StatusCode, e.ErrorType, e.ErrorCode, e.ErrorMessage)
}

// isProductNotReadyErr reports the "just linked, data still extracting"
// condition. Common right after an exchange; clears on its own.
func isProductNotReadyErr(err error) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == "PRODUCT_NOT_READY"
}

// isInvestmentsUnsupportedErr reports items whose institution has no
// investment product. Treated as "no data", never as a sync failure.
func isInvestmentsUnsupportedErr(err error) bool {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode {
	case "PRODUCTS_NOT_SUPPORTED", "NO_INVESTMENT_ACCOUNTS", "PRODUCTS_NOT_ENABLED":
		return true
	}
	return false
}

// Client is the concrete Plaid REST client. Built once at startup and
// injected; there is no package-level instance.
type Client struct {
	baseURL  string
	clientID string
	secret   string
	http     *http.Client
	limiter  <-chan time.Time
}

var _ AggregatorClient = (*Client)(nil)

func NewClient(clientID, secret, baseURL string) (*Client, error) {
	if strings.TrimSpace(clientID) == "" || strings.TrimSpace(secret) == "" {
		return nil, errors.New("plaid credentials are empty")
	}
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("plaid base url is empty")
	}

	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		secret:   secret,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
	if v := strings.TrimSpace(os.Getenv("PLAID_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.limiter = time.Tick(time.Minute / time.Duration(n))
		}
	}
	return c, nil
}

// NewClientFromEnv builds the client from PLAID_CLIENT_ID / PLAID_SECRET /
// PLAID_ENV (sandbox|development|production). PLAID_API_BASE_URL overrides
// the host map.
func NewClientFromEnv() (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("PLAID_API_BASE_URL"))
	if baseURL == "" {
		baseURL = plaidHost(os.Getenv("PLAID_ENV"))
	}
	return NewClient(os.Getenv("PLAID_CLIENT_ID"), os.Getenv("PLAID_SECRET"), baseURL)
}

func plaidHost(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "production":
		return "https://production.plaid.com"
	case "development":
		return "https://development.plaid.com"
	default:
		return "https://sandbox.plaid.com"
	}
}

// post sends one JSON request with the credentials injected into the body,
// the way Plaid expects them.
func (c *Client) post(ctx context.Context, path string, body map[string]interface{}, out interface{}) error {
	if c.limiter != nil {
		<-c.limiter
	}

	body["client_id"] = c.clientID
	body["secret"] = c.secret
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &apiError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.ErrorCode == "" {
			return fmt.Errorf("plaid api error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(out)
}

func (c *Client) CreateLinkToken(ctx context.Context, userID string, clientName string) (LinkTokenResult, error) {
	if strings.TrimSpace(clientName) == "" {
		clientName = "LedgerLink"
	}
	var resp struct {
		LinkToken  string `json:"link_token"`
		Expiration string `json:"expiration"`
	}
	err := c.post(ctx, "/link/token/create", map[string]interface{}{
		"client_name":   clientName,
		"user":          map[string]string{"client_user_id": userID},
		"products":      []string{"transactions", "auth"},
		"country_codes": []string{"US"},
		"language":      "en",
	}, &resp)
	if err != nil {
		return LinkTokenResult{}, err
	}
	return LinkTokenResult{LinkToken: resp.LinkToken, Expiration: resp.Expiration}, nil
}

func (c *Client) ExchangePublicToken(ctx context.Context, publicToken string) (ExchangeResult, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
		ItemID      string `json:"item_id"`
	}
	err := c.post(ctx, "/item/public_token/exchange", map[string]interface{}{
		"public_token": publicToken,
	}, &resp)
	if err != nil {
		return ExchangeResult{}, err
	}
	if resp.AccessToken == "" || resp.ItemID == "" {
		return ExchangeResult{}, errors.New("exchange response missing access_token or item_id")
	}
	return ExchangeResult{AccessToken: resp.AccessToken, ItemID: resp.ItemID}, nil
}

type plaidBalances struct {
	Current         json.Number `json:"current"`
	Available       json.Number `json:"available"`
	IsoCurrencyCode string      `json:"iso_currency_code"`
}

type plaidAccount struct {
	AccountID    string        `json:"account_id"`
	Name         string        `json:"name"`
	OfficialName string        `json:"official_name"`
	Type         string        `json:"type"`
	Subtype      string        `json:"subtype"`
	Mask         string        `json:"mask"`
	Balances     plaidBalances `json:"balances"`
}

func (c *Client) GetAccounts(ctx context.Context, accessToken string) ([]AccountData, error) {
	var resp struct {
		Accounts []plaidAccount `json:"accounts"`
	}
	if err := c.post(ctx, "/accounts/get", map[string]interface{}{
		"access_token": accessToken,
	}, &resp); err != nil {
		return nil, err
	}

	out := make([]AccountData, 0, len(resp.Accounts))
	for _, acc := range resp.Accounts {
		out = append(out, AccountData{
			AccountID:        acc.AccountID,
			Name:             acc.Name,
			OfficialName:     acc.OfficialName,
			Type:             acc.Type,
			Subtype:          acc.Subtype,
			Mask:             acc.Mask,
			BalanceCurrent:   decimalPtrFromNumber(acc.Balances.Current),
			BalanceAvailable: decimalPtrFromNumber(acc.Balances.Available),
			CurrencyCode:     currencyOrUSD(acc.Balances.IsoCurrencyCode),
		})
	}
	return out, nil
}

type plaidTransaction struct {
	TransactionID   string      `json:"transaction_id"`
	AccountID       string      `json:"account_id"`
	Amount          json.Number `json:"amount"`
	Date            string      `json:"date"`
	Name            string      `json:"name"`
	MerchantName    string      `json:"merchant_name"`
	Category        []string    `json:"category"`
	CategoryID      string      `json:"category_id"`
	PaymentChannel  string      `json:"payment_channel"`
	Pending         bool        `json:"pending"`
	IsoCurrencyCode string      `json:"iso_currency_code"`
}

const transactionsPageSize = 500

func (c *Client) GetTransactions(ctx context.Context, accessToken string, startDate, endDate time.Time) ([]TransactionData, error) {
	var all []TransactionData
	offset := 0

	for {
		var resp struct {
			Transactions      []plaidTransaction `json:"transactions"`
			TotalTransactions int                `json:"total_transactions"`
		}
		err := c.post(ctx, "/transactions/get", map[string]interface{}{
			"access_token": accessToken,
			"start_date":   startDate.Format("2006-01-02"),
			"end_date":     endDate.Format("2006-01-02"),
			"options": map[string]interface{}{
				"count":  transactionsPageSize,
				"offset": offset,
			},
		}, &resp)
		if err != nil {
			return nil, err
		}

		for _, txn := range resp.Transactions {
			all = append(all, TransactionData{
				TransactionID:  txn.TransactionID,
				AccountID:      txn.AccountID,
				Amount:         decimalFromNumber(txn.Amount),
				Date:           txn.Date,
				Name:           txn.Name,
				MerchantName:   txn.MerchantName,
				Category:       txn.Category,
				CategoryID:     txn.CategoryID,
				PaymentChannel: txn.PaymentChannel,
				Pending:        txn.Pending,
				CurrencyCode:   currencyOrUSD(txn.IsoCurrencyCode),
			})
		}

		offset = len(all)
		if len(resp.Transactions) == 0 || offset >= resp.TotalTransactions {
			return all, nil
		}
	}
}

type plaidSecurity struct {
	SecurityID   string `json:"security_id"`
	TickerSymbol string `json:"ticker_symbol"`
	Name         string `json:"name"`
	Type         string `json:"type"`
}

type plaidHolding struct {
	AccountID        string      `json:"account_id"`
	SecurityID       string      `json:"security_id"`
	Quantity         json.Number `json:"quantity"`
	InstitutionPrice json.Number `json:"institution_price"`
	InstitutionValue json.Number `json:"institution_value"`
	CostBasis        json.Number `json:"cost_basis"`
	IsoCurrencyCode  string      `json:"iso_currency_code"`
}

func (c *Client) GetInvestmentHoldings(ctx context.Context, accessToken string) (HoldingsResult, error) {
	var resp struct {
		Holdings   []plaidHolding  `json:"holdings"`
		Securities []plaidSecurity `json:"securities"`
	}
	if err := c.post(ctx, "/investments/holdings/get", map[string]interface{}{
		"access_token": accessToken,
	}, &resp); err != nil {
		return HoldingsResult{}, err
	}

	result := HoldingsResult{
		Holdings:   make([]HoldingData, 0, len(resp.Holdings)),
		Securities: make([]SecurityData, 0, len(resp.Securities)),
	}
	for _, h := range resp.Holdings {
		result.Holdings = append(result.Holdings, HoldingData{
			AccountID:        h.AccountID,
			SecurityID:       h.SecurityID,
			Quantity:         decimalFromNumber(h.Quantity),
			InstitutionPrice: decimalPtrFromNumber(h.InstitutionPrice),
			InstitutionValue: decimalPtrFromNumber(h.InstitutionValue),
			CostBasis:        decimalPtrFromNumber(h.CostBasis),
			CurrencyCode:     currencyOrUSD(h.IsoCurrencyCode),
		})
	}
	for _, s := range resp.Securities {
		result.Securities = append(result.Securities, SecurityData{
			SecurityID: s.SecurityID,
			Ticker:     s.TickerSymbol,
			Name:       s.Name,
			Type:       s.Type,
		})
	}
	return result, nil
}

type plaidInvestmentTransaction struct {
	InvestmentTransactionID string      `json:"investment_transaction_id"`
	AccountID               string      `json:"account_id"`
	SecurityID              string      `json:"security_id"`
	Date                    string      `json:"date"`
	Name                    string      `json:"name"`
	Type                    string      `json:"type"`
	Subtype                 string      `json:"subtype"`
	Quantity                json.Number `json:"quantity"`
	Price                   json.Number `json:"price"`
	Amount                  json.Number `json:"amount"`
	Fees                    json.Number `json:"fees"`
	IsoCurrencyCode         string      `json:"iso_currency_code"`
}

func (c *Client) GetInvestmentTransactions(ctx context.Context, accessToken string, startDate, endDate time.Time) (InvestmentTransactionsResult, error) {
	var resp struct {
		InvestmentTransactions []plaidInvestmentTransaction `json:"investment_transactions"`
		Securities             []plaidSecurity              `json:"securities"`
	}
	if err := c.post(ctx, "/investments/transactions/get", map[string]interface{}{
		"access_token": accessToken,
		"start_date":   startDate.Format("2006-01-02"),
		"end_date":     endDate.Format("2006-01-02"),
	}, &resp); err != nil {
		return InvestmentTransactionsResult{}, err
	}

	result := InvestmentTransactionsResult{
		Transactions: make([]InvestmentTransactionData, 0, len(resp.InvestmentTransactions)),
		Securities:   make([]SecurityData, 0, len(resp.Securities)),
	}
	for _, txn := range resp.InvestmentTransactions {
		result.Transactions = append(result.Transactions, InvestmentTransactionData{
			InvestmentTransactionID: txn.InvestmentTransactionID,
			AccountID:               txn.AccountID,
			SecurityID:              txn.SecurityID,
			Date:                    txn.Date,
			Name:                    txn.Name,
			Type:                    txn.Type,
			Subtype:                 txn.Subtype,
			Quantity:                decimalPtrFromNumber(txn.Quantity),
			Price:                   decimalPtrFromNumber(txn.Price),
			Amount:                  decimalFromNumber(txn.Amount),
			Fees:                    decimalPtrFromNumber(txn.Fees),
			CurrencyCode:            currencyOrUSD(txn.IsoCurrencyCode),
		})
	}
	for _, s := range resp.Securities {
		result.Securities = append(result.Securities, SecurityData{
			SecurityID: s.SecurityID,
			Ticker:     s.TickerSymbol,
			Name:       s.Name,
			Type:       s.Type,
		})
	}
	return result, nil
}

func decimalFromNumber(num json.Number) decimal.Decimal {
	if num.String() == "" {
		return decimal.Zero
	}
	if d, err := decimal.NewFromString(num.String()); err == nil {
		return d
	}
	return decimal.Zero
}

func decimalPtrFromNumber(num json.Number) *decimal.Decimal {
	if num.String() == "" {
		return nil
	}
	d, err := decimal.NewFromString(num.String())
	if err != nil {
		return nil
	}
	return &d
}

func currencyOrUSD(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return "USD"
	}
	return code
}
