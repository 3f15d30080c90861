package models

import (
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
)

const (
	WebhookProviderStripe = "stripe"
)

const (
	WebhookEventStatusProcessed = "processed"
	WebhookEventStatusSkipped   = "skipped"
	WebhookEventStatusFailed    = "failed"
)

// WebhookEvent records every received provider event. The (provider,
// event_id) unique index makes insert-first the dedup mechanism: a 1062 on
// insert means the event was already handled and must be acked silently.
type WebhookEvent struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	Provider    string    `gorm:"uniqueIndex:idx_webhook_provider_event,priority:1;size:32;not null" json:"provider"`
	EventId     string    `gorm:"uniqueIndex:idx_webhook_provider_event,priority:2;size:128;not null" json:"event_id"`
	EventType   string    `gorm:"size:64;not null" json:"event_type"`
	PayloadJSON []byte    `gorm:"type:json" json:"-"`
	Status      string    `gorm:"size:20;not null" json:"status"`
	Error       string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func IsDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
