package plaidsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient("client-id", "secret-key", server.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClientRequiresCredentials(t *testing.T) {
	if _, err := NewClient("", "secret", "https://sandbox.plaid.com"); err == nil {
		t.Fatal("expected an error for an empty client id")
	}
	if _, err := NewClient("client", "", "https://sandbox.plaid.com"); err == nil {
		t.Fatal("expected an error for an empty secret")
	}
	if _, err := NewClient("client", "secret", ""); err == nil {
		t.Fatal("expected an error for an empty base url")
	}
}

func TestPlaidHostMapping(t *testing.T) {
	cases := []struct {
		env      string
		expected string
	}{
		{"production", "https://production.plaid.com"},
		{"development", "https://development.plaid.com"},
		{"sandbox", "https://sandbox.plaid.com"},
		{"", "https://sandbox.plaid.com"},
		{"  Production ", "https://production.plaid.com"},
	}
	for _, tc := range cases {
		if got := plaidHost(tc.env); got != tc.expected {
			t.Fatalf("plaidHost(%q) = %q, expected %q", tc.env, got, tc.expected)
		}
	}
}

func TestCreateLinkTokenInjectsCredentials(t *testing.T) {
	var captured map[string]interface{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/link/token/create" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"link_token": "link-sandbox-abc", "expiration": "2026-08-25T12:00:00Z"})
	})

	result, err := client.CreateLinkToken(context.Background(), "user-a", "")
	if err != nil {
		t.Fatalf("CreateLinkToken: %v", err)
	}
	if result.LinkToken != "link-sandbox-abc" {
		t.Fatalf("unexpected link token %q", result.LinkToken)
	}

	if captured["client_id"] != "client-id" || captured["secret"] != "secret-key" {
		t.Fatalf("expected credentials in the body, got %v", captured)
	}
	if captured["client_name"] != "LedgerLink" {
		t.Fatalf("expected the default client name, got %v", captured["client_name"])
	}
	products, _ := captured["products"].([]interface{})
	if len(products) != 2 || products[0] != "transactions" || products[1] != "auth" {
		t.Fatalf("unexpected products: %v", captured["products"])
	}
}

func TestPostDecodesPlaidErrorEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error_type":    "ITEM_ERROR",
			"error_code":    "PRODUCT_NOT_READY",
			"error_message": "the requested product is not yet ready",
			"request_id":    "req-1",
		})
	})

	_, err := client.GetTransactions(context.Background(), "access-tok", time.Now().AddDate(0, 0, -30), time.Now())
	if err == nil {
		t.Fatal("expected an error")
	}
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected a typed api error, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.ErrorCode != "PRODUCT_NOT_READY" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
	if !isProductNotReadyErr(err) {
		t.Fatal("expected the not-ready classifier to match")
	}
	if isInvestmentsUnsupportedErr(err) {
		t.Fatal("not-ready must not classify as unsupported")
	}
}

func TestPostFallsBackWhenEnvelopeUnparseable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "<html>upstream proxy error</html>")
	})

	_, err := client.GetAccounts(context.Background(), "access-tok")
	if err == nil {
		t.Fatal("expected an error")
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		t.Fatalf("expected a plain error for a non-plaid body, got %+v", apiErr)
	}
}

func TestGetAccountsToleratesNullBalances(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"accounts":[{"account_id":"acc-1","name":"Checking","type":"depository","subtype":"checking","mask":"0000","balances":{"current":110.94,"available":null,"iso_currency_code":null}}]}`)
	})

	accounts, err := client.GetAccounts(context.Background(), "access-tok")
	if err != nil {
		t.Fatalf("GetAccounts: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("expected 1 account, got %d", len(accounts))
	}
	acc := accounts[0]
	if acc.BalanceCurrent == nil || acc.BalanceCurrent.String() != "110.94" {
		t.Fatalf("unexpected current balance: %v", acc.BalanceCurrent)
	}
	if acc.BalanceAvailable != nil {
		t.Fatalf("expected nil available balance, got %v", acc.BalanceAvailable)
	}
	if acc.CurrencyCode != "USD" {
		t.Fatalf("expected USD fallback, got %q", acc.CurrencyCode)
	}
}

func TestGetTransactionsPaginates(t *testing.T) {
	txn := func(id string) string {
		return fmt.Sprintf(`{"transaction_id":%q,"account_id":"acc-1","amount":1.5,"date":"2026-08-20","name":"X","pending":false,"iso_currency_code":"USD"}`, id)
	}
	requests := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		var req struct {
			Options struct {
				Count  int `json:"count"`
				Offset int `json:"offset"`
			} `json:"options"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Options.Count != transactionsPageSize {
			t.Errorf("expected count %d, got %d", transactionsPageSize, req.Options.Count)
		}
		switch req.Options.Offset {
		case 0:
			fmt.Fprintf(w, `{"transactions":[%s,%s],"total_transactions":3}`, txn("txn-1"), txn("txn-2"))
		case 2:
			fmt.Fprintf(w, `{"transactions":[%s],"total_transactions":3}`, txn("txn-3"))
		default:
			t.Errorf("unexpected offset %d", req.Options.Offset)
			fmt.Fprint(w, `{"transactions":[],"total_transactions":3}`)
		}
	})

	transactions, err := client.GetTransactions(context.Background(), "access-tok", time.Now().AddDate(0, 0, -30), time.Now())
	if err != nil {
		t.Fatalf("GetTransactions: %v", err)
	}
	if len(transactions) != 3 {
		t.Fatalf("expected 3 transactions across pages, got %d", len(transactions))
	}
	if requests != 2 {
		t.Fatalf("expected 2 requests, got %d", requests)
	}
	if transactions[2].TransactionID != "txn-3" {
		t.Fatalf("unexpected ordering: %+v", transactions)
	}
}

func TestExchangePublicTokenValidatesResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"","item_id":""}`)
	})

	if _, err := client.ExchangePublicToken(context.Background(), "public-tok"); err == nil {
		t.Fatal("expected an error for an empty exchange response")
	}
}
