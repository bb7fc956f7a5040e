package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/banksync_backend/config"
	"bitbucket.org/mmdatafocus/banksync_backend/utils"
	"gorm.io/gorm"
)

// Reconciliation is one row per (tenant, bank account, period). All balances
// are minor currency units; Discrepancy is signed (reported minus calculated).
// Once status is RECONCILED the row and the entries it matched are immutable.
type Reconciliation struct {
	ID                     int                  `gorm:"primary_key" json:"id"`
	TenantId               string               `gorm:"size:64;not null;uniqueIndex:idx_reconciliation_period,priority:1" json:"tenant_id"`
	BankAccountId          int                  `gorm:"not null;uniqueIndex:idx_reconciliation_period,priority:2" json:"bank_account_id"`
	PeriodStart            time.Time            `gorm:"not null;uniqueIndex:idx_reconciliation_period,priority:3" json:"period_start"`
	PeriodEnd              time.Time            `gorm:"not null;uniqueIndex:idx_reconciliation_period,priority:4" json:"period_end"`
	OpeningBalanceCents    int64                `gorm:"not null" json:"opening_balance_cents"`
	ReportedClosingCents   int64                `gorm:"not null" json:"reported_closing_cents"`
	CalculatedClosingCents int64                `gorm:"not null" json:"calculated_closing_cents"`
	DiscrepancyCents       int64                `gorm:"not null" json:"discrepancy_cents"`
	MatchedCount           int                  `gorm:"not null;default:0" json:"matched_count"`
	UnmatchedCount         int                  `gorm:"not null;default:0" json:"unmatched_count"`
	Status                 ReconciliationStatus `gorm:"size:20;not null;default:'PENDING';index" json:"status"`
	ReconcilerId           *string              `gorm:"size:64" json:"reconciler_id"`
	ReconciledAt           *time.Time           `json:"reconciled_at"`
	CreatedAt              time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetReconciliation(ctx context.Context, id int) (*Reconciliation, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	db := config.GetDB()
	var rec Reconciliation
	if err := db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantId, id).
		Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// FindReconciliationForPeriod returns the existing row for the exact
// (tenant, account, period) triple, or nil when none exists yet.
func FindReconciliationForPeriod(tx *gorm.DB, tenantId string, bankAccountId int, periodStart, periodEnd time.Time) (*Reconciliation, error) {
	var rec Reconciliation
	err := tx.
		Where("tenant_id = ? AND bank_account_id = ? AND period_start = ? AND period_end = ?",
			tenantId, bankAccountId, periodStart, periodEnd).
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}
