package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account mirrors one depository/credit/investment account of a linked item.
// account_id is the aggregator's stable identifier and the upsert key.
type Account struct {
	ID               uint             `gorm:"primary_key" json:"id"`
	AccountId        string           `gorm:"uniqueIndex;size:128;not null" json:"account_id"`
	ItemId           string           `gorm:"index;size:128;not null" json:"item_id"`
	UserId           string           `gorm:"index;size:36;not null" json:"user_id"`
	Name             string           `gorm:"size:255;not null" json:"name"`
	OfficialName     string           `gorm:"size:255" json:"official_name,omitempty"`
	Type             string           `gorm:"size:50;not null" json:"type"`
	Subtype          string           `gorm:"size:50" json:"subtype,omitempty"`
	Mask             string           `gorm:"size:8" json:"mask,omitempty"`
	BalanceCurrent   *decimal.Decimal `gorm:"type:decimal(19,4)" json:"balance_current"`
	BalanceAvailable *decimal.Decimal `gorm:"type:decimal(19,4)" json:"balance_available"`
	CurrencyCode     string           `gorm:"size:8;not null;default:USD" json:"currency_code"`
	CreatedAt        time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}
