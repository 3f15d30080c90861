package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Transaction mirrors one bank transaction. transaction_id is the
// aggregator's stable identifier and the upsert key, so re-syncing an
// overlapping window updates rows in place instead of duplicating them.
type Transaction struct {
	ID             uint            `gorm:"primary_key" json:"id"`
	TransactionId  string          `gorm:"uniqueIndex;size:128;not null" json:"transaction_id"`
	AccountId      string          `gorm:"index;size:128;not null" json:"account_id"`
	ItemId         string          `gorm:"index;size:128;not null" json:"item_id"`
	UserId         string          `gorm:"index;size:36;not null" json:"user_id"`
	Amount         decimal.Decimal `gorm:"type:decimal(19,4);not null" json:"amount"`
	Date           time.Time       `gorm:"type:date;index;not null" json:"date"`
	Name           string          `gorm:"size:255;not null" json:"name"`
	MerchantName   string          `gorm:"size:255" json:"merchant_name,omitempty"`
	CategoryJSON   []byte          `gorm:"type:json" json:"-"`
	Category       []string        `gorm:"-" json:"category"`
	CategoryId     string          `gorm:"size:32" json:"category_id,omitempty"`
	PaymentChannel string          `gorm:"size:32" json:"payment_channel,omitempty"`
	Pending        bool            `gorm:"not null;default:false" json:"pending"`
	CurrencyCode   string          `gorm:"size:8;not null;default:USD" json:"currency_code"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// SetCategory stores the category path in both the persisted JSON column
// and the serialized field.
func (t *Transaction) SetCategory(category []string) error {
	if category == nil {
		category = []string{}
	}
	encoded, err := json.Marshal(category)
	if err != nil {
		return err
	}
	t.Category = category
	t.CategoryJSON = encoded
	return nil
}

// AfterFind rehydrates the category path from the JSON column.
func (t *Transaction) AfterFind(tx *gorm.DB) error {
	if len(t.CategoryJSON) == 0 {
		t.Category = []string{}
		return nil
	}
	return json.Unmarshal(t.CategoryJSON, &t.Category)
}
