package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/banksync_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SyncOutboxRecord implements a transactional outbox: a ledger mutation writes
// its record inside the caller's DB transaction, and the dispatcher publishes
// to Pub/Sub after commit. At-least-once delivery downstream is made safe by
// durable idempotency keys on the consumer side.
type SyncOutboxRecord struct {
	ID           int          `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	TenantId     string       `gorm:"size:64;not null;index" json:"tenant_id"`
	EntryId      int          `gorm:"index;not null" json:"entry_id"`
	Action       OutboxAction `gorm:"type:enum('C','U','D')" json:"action"`
	OldObj       []byte       `gorm:"type:blob" json:"old_obj"`
	NewObj       []byte       `gorm:"type:blob" json:"new_obj"`
	IsProcessed  bool         `gorm:"index;not null" json:"is_processed"`
	// Publish metadata (publish happens after commit via dispatcher).
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	// Processing metadata (consumer/worker)
	LastProcessError *string    `gorm:"type:text" json:"last_process_error"`
	ProcessedAt      *time.Time `gorm:"index" json:"processed_at"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EnqueueOutbox writes the outbox record inside the caller's transaction.
// It never publishes directly; the dispatcher picks the record up after commit.
func EnqueueOutbox(ctx context.Context, tx *gorm.DB, tenantId string, entryId int, action OutboxAction, newObj interface{}, oldObj interface{}) error {
	var newInBytes []byte
	var oldInBytes []byte
	var err error

	if newObj != nil {
		newInBytes, err = json.Marshal(newObj)
		if err != nil {
			return err
		}
	}
	if oldObj != nil {
		oldInBytes, err = json.Marshal(oldObj)
		if err != nil {
			return err
		}
	}

	record := SyncOutboxRecord{
		TenantId:      tenantId,
		EntryId:       entryId,
		Action:        action,
		NewObj:        newInBytes,
		OldObj:        oldInBytes,
		IsProcessed:   false,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
