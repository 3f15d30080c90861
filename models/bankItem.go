package models

import "time"

const (
	BankItemStatusGood  = "good"
	BankItemStatusError = "error"
)

// BankItem is one linked institution login. The access token is the durable
// aggregator credential; it never leaves the backend (json:"-").
type BankItem struct {
	ID              uint       `gorm:"primary_key" json:"id"`
	ItemId          string     `gorm:"uniqueIndex;size:128;not null" json:"item_id"`
	UserId          string     `gorm:"index;size:36;not null" json:"user_id"`
	AccessToken     string     `gorm:"size:255;not null" json:"-"`
	InstitutionId   string     `gorm:"size:64" json:"institution_id,omitempty"`
	InstitutionName string     `gorm:"size:255" json:"institution_name"`
	Status          string     `gorm:"size:20;not null;default:good" json:"status"`
	ErrorMessage    string     `gorm:"type:text" json:"error_message,omitempty"`
	LastSyncedAt    *time.Time `json:"last_synced_at"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
