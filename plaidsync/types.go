package plaidsync

import (
	"encoding/json"
	"time"

	"github.com/ledgerlink/finance_backend/models"
	"github.com/shopspring/decimal"
)

type CreateLinkTokenRequest struct {
	ClientName string `json:"client_name"`
}

type CreateLinkTokenResponse struct {
	LinkToken  string `json:"link_token"`
	Expiration string `json:"expiration,omitempty"`
}

// ExchangeMetadata mirrors the institution block Plaid Link hands to the
// frontend on success.
type ExchangeMetadata struct {
	Institution struct {
		InstitutionID string `json:"institution_id"`
		Name          string `json:"name"`
	} `json:"institution"`
}

type ExchangePublicTokenRequest struct {
	PublicToken string           `json:"public_token"`
	Metadata    ExchangeMetadata `json:"metadata"`
}

type ExchangeResponse struct {
	ItemID          string `json:"item_id"`
	InstitutionName string `json:"institution_name"`
	Message         string `json:"message"`
}

// AccountView is one mirrored account joined with the health of the item
// it belongs to.
type AccountView struct {
	AccountID        string           `json:"account_id"`
	ItemID           string           `json:"item_id"`
	Name             string           `json:"name"`
	OfficialName     string           `json:"official_name,omitempty"`
	Type             string           `json:"type"`
	Subtype          string           `json:"subtype,omitempty"`
	Mask             string           `json:"mask,omitempty"`
	BalanceCurrent   *decimal.Decimal `json:"balance_current"`
	BalanceAvailable *decimal.Decimal `json:"balance_available"`
	CurrencyCode     string           `json:"currency_code"`
	InstitutionName  string           `json:"institution_name"`
	ItemStatus       string           `json:"item_status"`
	LastSyncedAt     *string          `json:"last_synced_at"`
}

type AccountsResponse struct {
	Accounts []AccountView `json:"accounts"`
}

type TransactionsResponse struct {
	Transactions      []models.Transaction `json:"transactions"`
	TotalTransactions int                  `json:"total_transactions"`
}

type SyncResponse struct {
	Message          string `json:"message"`
	TransactionCount int    `json:"transaction_count"`
}

type HoldingsResponse struct {
	Holdings   []models.InvestmentHolding `json:"holdings"`
	TotalValue decimal.Decimal            `json:"total_value"`
}

type InvestmentTransactionsResponse struct {
	Transactions []models.InvestmentTransaction `json:"transactions"`
}

// SyncSummary reports one whole-user refresh.
type SyncSummary struct {
	ItemsSynced         int      `json:"items_synced"`
	ItemsFailed         int      `json:"items_failed"`
	TransactionsWritten int      `json:"transactions_written"`
	Errors              []string `json:"errors,omitempty"`
}

// SyncJob is the pubsub payload for a background refresh of one user's
// linked items.
type SyncJob struct {
	UserID string `json:"user_id"`
}

func (j *SyncJob) Encode() ([]byte, error) {
	return json.Marshal(j)
}

func DecodeSyncJob(data []byte) (*SyncJob, error) {
	var job SyncJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// PubSubPushEnvelope is the wrapper Google Pub/Sub puts around push
// deliveries.
type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapAccountView(acc *models.Account, item *models.BankItem) AccountView {
	view := AccountView{
		AccountID:        acc.AccountId,
		ItemID:           acc.ItemId,
		Name:             acc.Name,
		OfficialName:     acc.OfficialName,
		Type:             acc.Type,
		Subtype:          acc.Subtype,
		Mask:             acc.Mask,
		BalanceCurrent:   acc.BalanceCurrent,
		BalanceAvailable: acc.BalanceAvailable,
		CurrencyCode:     acc.CurrencyCode,
	}
	if item != nil {
		view.InstitutionName = item.InstitutionName
		view.ItemStatus = item.Status
		view.LastSyncedAt = formatTime(item.LastSyncedAt)
	}
	return view
}
