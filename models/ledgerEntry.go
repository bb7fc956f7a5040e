package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/banksync_backend/config"
	"bitbucket.org/mmdatafocus/banksync_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// LedgerEntry is a tenant-scoped bank transaction. Amounts are stored as
// non-negative minor currency units; direction is carried by IsCredit, never
// by a negative amount. Entries are soft-deleted only.
type LedgerEntry struct {
	ID               int               `gorm:"primary_key" json:"id"`
	TenantId         string            `gorm:"size:64;not null;index;uniqueIndex:idx_ledger_entry_hash,priority:1" json:"tenant_id"`
	BankAccountId    int               `gorm:"index;not null" json:"bank_account_id"`
	TransactionDate  time.Time         `gorm:"index;not null" json:"transaction_date"`
	Description      string            `gorm:"type:text" json:"description"`
	CounterpartyName *string           `gorm:"size:255" json:"counterparty_name"`
	ReferenceNumber  *string           `gorm:"size:255" json:"reference_number"`
	AmountCents      int64             `gorm:"not null" json:"amount_cents"`
	IsCredit         bool              `gorm:"not null" json:"is_credit"`
	AccountCode      string            `gorm:"size:20" json:"account_code"`
	Source           LedgerEntrySource `gorm:"size:20;not null" json:"source"`
	ExternalId       *string           `gorm:"size:128;index" json:"external_id"`
	SyncStatus       SyncStatus        `gorm:"size:10;not null;default:'PENDING';index" json:"sync_status"`
	SyncError        *string           `gorm:"type:text" json:"sync_error"`
	LastSyncedAt     *time.Time        `json:"last_synced_at"`
	IsReconciled     bool              `gorm:"not null;default:false;index" json:"is_reconciled"`
	ReconciledAt     *time.Time        `json:"reconciled_at"`
	IsDeleted        bool              `gorm:"not null;default:false;index" json:"is_deleted"`
	ContentHash      string            `gorm:"size:64;not null;uniqueIndex:idx_ledger_entry_hash,priority:2" json:"content_hash"`
	CreatedAt        time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewLedgerEntry struct {
	BankAccountId    int               `json:"bank_account_id" binding:"required"`
	TransactionDate  time.Time         `json:"transaction_date" binding:"required"`
	Description      string            `json:"description"`
	CounterpartyName *string           `json:"counterparty_name,omitempty"`
	ReferenceNumber  *string           `json:"reference_number,omitempty"`
	AmountCents      int64             `json:"amount_cents" binding:"gte=0"`
	IsCredit         *bool             `json:"is_credit" binding:"required"`
	AccountCode      string            `json:"account_code"`
	Source           LedgerEntrySource `json:"source"`
	ExternalId       *string           `json:"external_id,omitempty"`
}

func (input *NewLedgerEntry) validate() error {
	if input.AmountCents < 0 {
		return errors.New("amount must be a non-negative integer in minor units")
	}
	if input.TransactionDate.IsZero() {
		return errors.New("transaction date is required")
	}
	if input.IsCredit == nil {
		return errors.New("credit/debit flag is required")
	}
	if input.Source == "" {
		input.Source = LedgerEntrySourceImport
	}
	return nil
}

// ComputeContentHash derives the dedupe key for idempotent ingestion:
// two imports of the same bank line collapse onto one row.
func ComputeContentHash(tenantId string, bankAccountId int, date time.Time, amountCents int64, isCredit bool, description string, reference *string) string {
	ref := ""
	if reference != nil {
		ref = *reference
	}
	raw := fmt.Sprintf("%s|%d|%s|%d|%t|%s|%s",
		tenantId, bankAccountId, date.UTC().Format("2006-01-02"), amountCents, isCredit, description, ref)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func isDuplicateKeyError(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// CreateLedgerEntry inserts a new entry, suppressing content-hash duplicates.
// The second return value reports whether a row was actually created.
func CreateLedgerEntry(ctx context.Context, input *NewLedgerEntry) (*LedgerEntry, bool, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, false, errors.New("tenant id is required")
	}
	if err := input.validate(); err != nil {
		return nil, false, err
	}

	entry := LedgerEntry{
		TenantId:         tenantId,
		BankAccountId:    input.BankAccountId,
		TransactionDate:  input.TransactionDate,
		Description:      input.Description,
		CounterpartyName: input.CounterpartyName,
		ReferenceNumber:  input.ReferenceNumber,
		AmountCents:      input.AmountCents,
		IsCredit:         *input.IsCredit,
		AccountCode:      input.AccountCode,
		Source:           input.Source,
		ExternalId:       input.ExternalId,
		SyncStatus:       SyncStatusPending,
		ContentHash: ComputeContentHash(tenantId, input.BankAccountId, input.TransactionDate,
			input.AmountCents, *input.IsCredit, input.Description, input.ReferenceNumber),
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		return EnqueueOutbox(ctx, tx, tenantId, entry.ID, OutboxActionCreate, &entry, nil)
	})
	if err != nil {
		if isDuplicateKeyError(err) {
			var existing LedgerEntry
			if ferr := db.WithContext(ctx).
				Where("tenant_id = ? AND content_hash = ?", tenantId, entry.ContentHash).
				Take(&existing).Error; ferr != nil {
				return nil, false, ferr
			}
			return &existing, false, nil
		}
		return nil, false, err
	}
	return &entry, true, nil
}

func GetLedgerEntry(ctx context.Context, id int) (*LedgerEntry, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	db := config.GetDB()
	var entry LedgerEntry
	if err := db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantId, id).
		Take(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// UpdateLedgerEntryAccountCode is the categorization mutation: it changes the
// account code and flips the entry back to PENDING so the next push run
// propagates the change.
func UpdateLedgerEntryAccountCode(ctx context.Context, id int, accountCode string) (*LedgerEntry, error) {
	entry, err := GetLedgerEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.IsDeleted {
		return nil, errors.New("entry is deleted")
	}
	if entry.IsReconciled {
		return nil, errors.New("entry is reconciled and immutable")
	}

	old := *entry
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(entry).Updates(map[string]interface{}{
			"account_code": accountCode,
			"sync_status":  SyncStatusPending,
			"sync_error":   nil,
		}).Error; err != nil {
			return err
		}
		return EnqueueOutbox(ctx, tx, entry.TenantId, entry.ID, OutboxActionUpdate, entry, &old)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// DeleteLedgerEntry soft-deletes. Hard deletes are never performed. The entry
// goes back to PENDING so an already-synced delete still propagates: the next
// push reverses the remote transaction and re-marks it SYNCED.
func DeleteLedgerEntry(ctx context.Context, id int) (*LedgerEntry, error) {
	entry, err := GetLedgerEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.IsReconciled {
		return nil, errors.New("entry is reconciled and immutable")
	}

	old := *entry
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(entry).Updates(map[string]interface{}{
			"is_deleted":  true,
			"sync_status": SyncStatusPending,
			"sync_error":  nil,
		}).Error; err != nil {
			return err
		}
		return EnqueueOutbox(ctx, tx, entry.TenantId, entry.ID, OutboxActionDelete, nil, &old)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// PendingLedgerEntryIds lists entries awaiting a push, oldest first. Deleted
// entries are included only while a remote counterpart still needs reversing.
func PendingLedgerEntryIds(ctx context.Context, limit int) ([]int, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	db := config.GetDB()
	var ids []int
	q := db.WithContext(ctx).Model(&LedgerEntry{}).
		Where("tenant_id = ? AND sync_status = ? AND (is_deleted = 0 OR external_id IS NOT NULL)", tenantId, SyncStatusPending).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
