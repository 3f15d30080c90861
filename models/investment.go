package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvestmentHolding is one position in one account. A security can be held
// in several accounts, so the upsert key is (security_id, account_id).
type InvestmentHolding struct {
	ID           uint             `gorm:"primary_key" json:"id"`
	SecurityId   string           `gorm:"uniqueIndex:idx_holding_security_account,priority:1;size:128;not null" json:"security_id"`
	AccountId    string           `gorm:"uniqueIndex:idx_holding_security_account,priority:2;size:128;not null" json:"account_id"`
	ItemId       string           `gorm:"index;size:128;not null" json:"item_id"`
	UserId       string           `gorm:"index;size:36;not null" json:"user_id"`
	Ticker       string           `gorm:"size:32" json:"ticker,omitempty"`
	SecurityName string           `gorm:"size:255" json:"security_name,omitempty"`
	SecurityType string           `gorm:"size:50" json:"security_type,omitempty"`
	Quantity     decimal.Decimal  `gorm:"type:decimal(19,4);default:0" json:"quantity"`
	Price        *decimal.Decimal `gorm:"type:decimal(19,4)" json:"price"`
	Value        decimal.Decimal  `gorm:"type:decimal(19,4);default:0" json:"value"`
	CostBasis    *decimal.Decimal `gorm:"type:decimal(19,4)" json:"cost_basis"`
	CurrencyCode string           `gorm:"size:8;not null;default:USD" json:"currency_code"`
	CreatedAt    time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// InvestmentTransaction mirrors one trade/dividend/fee event.
// investment_transaction_id is the upsert key.
type InvestmentTransaction struct {
	ID                      uint             `gorm:"primary_key" json:"id"`
	InvestmentTransactionId string           `gorm:"uniqueIndex;size:128;not null" json:"investment_transaction_id"`
	AccountId               string           `gorm:"index;size:128;not null" json:"account_id"`
	SecurityId              string           `gorm:"size:128" json:"security_id,omitempty"`
	ItemId                  string           `gorm:"index;size:128;not null" json:"item_id"`
	UserId                  string           `gorm:"index;size:36;not null" json:"user_id"`
	Ticker                  string           `gorm:"size:32" json:"ticker,omitempty"`
	Name                    string           `gorm:"size:255" json:"name"`
	Type                    string           `gorm:"size:32;not null" json:"type"`
	Subtype                 string           `gorm:"size:32" json:"subtype,omitempty"`
	Date                    time.Time        `gorm:"type:date;index;not null" json:"date"`
	Quantity                *decimal.Decimal `gorm:"type:decimal(19,4)" json:"quantity"`
	Price                   *decimal.Decimal `gorm:"type:decimal(19,4)" json:"price"`
	Amount                  decimal.Decimal  `gorm:"type:decimal(19,4);not null" json:"amount"`
	Fees                    *decimal.Decimal `gorm:"type:decimal(19,4)" json:"fees"`
	CurrencyCode            string           `gorm:"size:8;not null;default:USD" json:"currency_code"`
	CreatedAt               time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt               time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}
