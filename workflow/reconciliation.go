package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/banksync_backend/config"
	"bitbucket.org/mmdatafocus/banksync_backend/models"
	"bitbucket.org/mmdatafocus/banksync_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DefaultToleranceCents is the widest discrepancy (absolute, minor units)
// still treated as clean: one cent absorbs bank-side rounding.
const DefaultToleranceCents int64 = 1

var (
	ErrPeriodAlreadyReconciled = utils.PermanentError("PERIOD_RECONCILED",
		errors.New("period is already reconciled and immutable"))
	ErrReconcileInProgress = utils.TransientError("RECONCILE_LOCKED",
		errors.New("another reconciliation is running for this account"))
)

// ReconciliationEngine closes an accounting period for one bank account:
// it recomputes the closing balance from the ledger, compares it against the
// bank-reported figure and, when they agree within tolerance, freezes both
// the period row and every entry inside it.
type ReconciliationEngine struct {
	DB             *gorm.DB
	Lock           BatchLock
	ToleranceCents int64
}

func NewReconciliationEngine(db *gorm.DB, lock BatchLock) *ReconciliationEngine {
	return &ReconciliationEngine{DB: db, Lock: lock, ToleranceCents: DefaultToleranceCents}
}

type ReconcileInput struct {
	BankAccountId        int       `json:"bank_account_id" binding:"required"`
	PeriodStart          time.Time `json:"period_start" binding:"required"`
	PeriodEnd            time.Time `json:"period_end" binding:"required"`
	OpeningBalanceCents  int64     `json:"opening_balance_cents"`
	ReportedClosingCents int64     `json:"reported_closing_cents"`
}

func (input *ReconcileInput) validate() error {
	if input.PeriodStart.IsZero() || input.PeriodEnd.IsZero() {
		return errors.New("period start and end are required")
	}
	if input.PeriodEnd.Before(input.PeriodStart) {
		return errors.New("period end must not precede period start")
	}
	return nil
}

// CalculateClosingBalance replays the period: credits raise the balance,
// debits lower it. Soft-deleted entries never count.
func CalculateClosingBalance(openingCents int64, entries []models.LedgerEntry) int64 {
	balance := openingCents
	for _, e := range entries {
		if e.IsDeleted {
			continue
		}
		if e.IsCredit {
			balance += e.AmountCents
		} else {
			balance -= e.AmountCents
		}
	}
	return balance
}

// ClassifyDiscrepancy maps a signed discrepancy onto the period status.
// The boundary is inclusive: |discrepancy| == tolerance is still clean.
func ClassifyDiscrepancy(discrepancyCents, toleranceCents int64) models.ReconciliationStatus {
	abs := discrepancyCents
	if abs < 0 {
		abs = -abs
	}
	if abs <= toleranceCents {
		return models.ReconciliationStatusReconciled
	}
	return models.ReconciliationStatusDiscrepancy
}

// reconcileOutcome tallies the period's live entries: a clean close clears
// every one of them, a discrepancy leaves prior matches as they were.
func reconcileOutcome(status models.ReconciliationStatus, entries []models.LedgerEntry) (matched, unmatched int) {
	if status == models.ReconciliationStatusReconciled {
		return len(entries), 0
	}
	for _, e := range entries {
		if e.IsReconciled {
			matched++
		} else {
			unmatched++
		}
	}
	return matched, unmatched
}

// checkPeriodOpen rejects any write against a finalized reconciliation.
func checkPeriodOpen(rec *models.Reconciliation) error {
	if rec != nil && rec.Status == models.ReconciliationStatusReconciled {
		return ErrPeriodAlreadyReconciled
	}
	return nil
}

func reconcileLockScope(bankAccountId int, periodStart time.Time) string {
	return fmt.Sprintf("reconcile:%d:%s", bankAccountId, periodStart.UTC().Format("2006-01-02"))
}

// Reconcile runs the full close for one (account, period). It is guarded by a
// batch lock per account+period and runs serializable so two concurrent closes
// cannot both read the old state and both write.
func (e *ReconciliationEngine) Reconcile(ctx context.Context, input *ReconcileInput) (*models.Reconciliation, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	if err := input.validate(); err != nil {
		return nil, utils.PermanentError("INVALID_PERIOD", err)
	}

	var rec *models.Reconciliation
	acquired, err := WithBatchLock(ctx, e.Lock, tenantId, reconcileLockScope(input.BankAccountId, input.PeriodStart), func() error {
		var innerErr error
		rec, innerErr = e.reconcileLocked(ctx, tenantId, input)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrReconcileInProgress
	}
	return rec, nil
}

func (e *ReconciliationEngine) reconcileLocked(ctx context.Context, tenantId string, input *ReconcileInput) (*models.Reconciliation, error) {
	tolerance := e.ToleranceCents
	if tolerance < 0 {
		tolerance = DefaultToleranceCents
	}

	var rec *models.Reconciliation
	err := e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := models.FindReconciliationForPeriod(tx, tenantId, input.BankAccountId, input.PeriodStart, input.PeriodEnd)
		if err != nil {
			return err
		}
		if err := checkPeriodOpen(existing); err != nil {
			return err
		}

		var entries []models.LedgerEntry
		if err := tx.
			Where("tenant_id = ? AND bank_account_id = ? AND transaction_date >= ? AND transaction_date <= ? AND is_deleted = 0",
				tenantId, input.BankAccountId, input.PeriodStart, input.PeriodEnd).
			Find(&entries).Error; err != nil {
			return err
		}

		calculated := CalculateClosingBalance(input.OpeningBalanceCents, entries)
		discrepancy := input.ReportedClosingCents - calculated
		status := ClassifyDiscrepancy(discrepancy, tolerance)
		matched, unmatched := reconcileOutcome(status, entries)

		if existing == nil {
			existing = &models.Reconciliation{
				TenantId:      tenantId,
				BankAccountId: input.BankAccountId,
				PeriodStart:   input.PeriodStart,
				PeriodEnd:     input.PeriodEnd,
			}
		}
		existing.OpeningBalanceCents = input.OpeningBalanceCents
		existing.ReportedClosingCents = input.ReportedClosingCents
		existing.CalculatedClosingCents = calculated
		existing.DiscrepancyCents = discrepancy
		existing.MatchedCount = matched
		existing.UnmatchedCount = unmatched
		existing.Status = status
		if status == models.ReconciliationStatusReconciled {
			now := time.Now().UTC()
			existing.ReconciledAt = &now
			if actorId, ok := utils.GetActorIdFromContext(ctx); ok && actorId != "" {
				existing.ReconcilerId = &actorId
			}
		}
		if err := tx.Save(existing).Error; err != nil {
			return err
		}

		if status == models.ReconciliationStatusReconciled {
			if err := tx.Model(&models.LedgerEntry{}).
				Where("tenant_id = ? AND bank_account_id = ? AND transaction_date >= ? AND transaction_date <= ? AND is_deleted = 0 AND is_reconciled = 0",
					tenantId, input.BankAccountId, input.PeriodStart, input.PeriodEnd).
				Updates(map[string]interface{}{
					"is_reconciled": true,
					"reconciled_at": existing.ReconciledAt,
				}).Error; err != nil {
				return err
			}
		}

		rec = existing
		return nil
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}

	config.GetLogger().WithFields(logrus.Fields{
		"tenant_id":         tenantId,
		"bank_account_id":   input.BankAccountId,
		"period_start":      input.PeriodStart.Format("2006-01-02"),
		"period_end":        input.PeriodEnd.Format("2006-01-02"),
		"status":            rec.Status,
		"discrepancy_cents": rec.DiscrepancyCents,
		"matched_count":     rec.MatchedCount,
		"unmatched_count":   rec.UnmatchedCount,
	}).Info("reconciliation completed")
	return rec, nil
}

// MatchTransactions clears specific entries against a pending reconciliation.
// Each entry must sit inside the reconciliation's account and period; a
// finalized period rejects further matches.
func (e *ReconciliationEngine) MatchTransactions(ctx context.Context, reconciliationId int, entryIds []int) error {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return errors.New("tenant id is required")
	}
	if len(entryIds) == 0 {
		return errors.New("no entries to match")
	}

	return e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.Reconciliation
		if err := tx.
			Where("tenant_id = ? AND id = ?", tenantId, reconciliationId).
			Take(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		if err := checkPeriodOpen(&rec); err != nil {
			return err
		}

		var entries []models.LedgerEntry
		if err := tx.
			Where("tenant_id = ? AND id IN ?", tenantId, entryIds).
			Find(&entries).Error; err != nil {
			return err
		}
		if len(entries) != len(entryIds) {
			return utils.PermanentError("ENTRY_NOT_FOUND", errors.New("one or more entries do not exist for this tenant"))
		}
		for _, entry := range entries {
			if entry.IsDeleted {
				return utils.PermanentError("ENTRY_DELETED", fmt.Errorf("entry %d is deleted", entry.ID))
			}
			if entry.BankAccountId != rec.BankAccountId {
				return utils.PermanentError("ENTRY_WRONG_ACCOUNT", fmt.Errorf("entry %d belongs to another account", entry.ID))
			}
			if entry.TransactionDate.Before(rec.PeriodStart) || entry.TransactionDate.After(rec.PeriodEnd) {
				return utils.PermanentError("ENTRY_OUT_OF_PERIOD", fmt.Errorf("entry %d falls outside the period", entry.ID))
			}
		}

		now := time.Now().UTC()
		return tx.Model(&models.LedgerEntry{}).
			Where("tenant_id = ? AND id IN ? AND is_reconciled = 0", tenantId, entryIds).
			Updates(map[string]interface{}{
				"is_reconciled": true,
				"reconciled_at": now,
			}).Error
	})
}

// GetUnmatched lists the entries of a reconciliation's period that have not
// been cleared yet.
func (e *ReconciliationEngine) GetUnmatched(ctx context.Context, reconciliationId int) ([]models.LedgerEntry, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	var rec models.Reconciliation
	if err := e.DB.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantId, reconciliationId).
		Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}

	var entries []models.LedgerEntry
	if err := e.DB.WithContext(ctx).
		Where("tenant_id = ? AND bank_account_id = ? AND transaction_date >= ? AND transaction_date <= ? AND is_deleted = 0 AND is_reconciled = 0",
			tenantId, rec.BankAccountId, rec.PeriodStart, rec.PeriodEnd).
		Order("transaction_date ASC, id ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
