package workflow

import (
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/banksync_backend/models"
)

func entry(amountCents int64, isCredit bool) models.LedgerEntry {
	return models.LedgerEntry{AmountCents: amountCents, IsCredit: isCredit}
}

func TestCalculateClosingBalance(t *testing.T) {
	entries := []models.LedgerEntry{
		entry(5000, true),
		entry(2000, false),
	}
	got := CalculateClosingBalance(10000, entries)
	if got != 13000 {
		t.Fatalf("closing balance = %d, want 13000", got)
	}
}

func TestCalculateClosingBalance_SkipsDeleted(t *testing.T) {
	deleted := entry(9999, true)
	deleted.IsDeleted = true
	entries := []models.LedgerEntry{
		entry(5000, true),
		deleted,
		entry(2000, false),
	}
	got := CalculateClosingBalance(10000, entries)
	if got != 13000 {
		t.Fatalf("closing balance = %d, want 13000 (deleted entry must not count)", got)
	}
}

func TestCalculateClosingBalance_EmptyPeriod(t *testing.T) {
	if got := CalculateClosingBalance(-2500, nil); got != -2500 {
		t.Fatalf("closing balance = %d, want opening unchanged", got)
	}
}

func TestClassifyDiscrepancy_ToleranceBoundary(t *testing.T) {
	cases := []struct {
		name        string
		discrepancy int64
		want        models.ReconciliationStatus
	}{
		{"exact match", 0, models.ReconciliationStatusReconciled},
		{"one cent over", 1, models.ReconciliationStatusReconciled},
		{"one cent under", -1, models.ReconciliationStatusReconciled},
		{"two cents over", 2, models.ReconciliationStatusDiscrepancy},
		{"two cents under", -2, models.ReconciliationStatusDiscrepancy},
		{"fifty cents", 50, models.ReconciliationStatusDiscrepancy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyDiscrepancy(tc.discrepancy, DefaultToleranceCents); got != tc.want {
				t.Fatalf("ClassifyDiscrepancy(%d) = %s, want %s", tc.discrepancy, got, tc.want)
			}
		})
	}
}

func TestClassifyDiscrepancy_ReportedMismatch(t *testing.T) {
	entries := []models.LedgerEntry{
		entry(5000, true),
		entry(2000, false),
	}
	calculated := CalculateClosingBalance(10000, entries)
	discrepancy := int64(13050) - calculated
	if discrepancy != 50 {
		t.Fatalf("discrepancy = %d, want 50", discrepancy)
	}
	if got := ClassifyDiscrepancy(discrepancy, DefaultToleranceCents); got != models.ReconciliationStatusDiscrepancy {
		t.Fatalf("status = %s, want DISCREPANCY", got)
	}
}

func TestReconcileOutcome(t *testing.T) {
	entries := []models.LedgerEntry{
		entry(5000, true),
		entry(2000, false),
	}

	matched, unmatched := reconcileOutcome(models.ReconciliationStatusReconciled, entries)
	if matched != 2 || unmatched != 0 {
		t.Fatalf("clean close: matched=%d unmatched=%d, want 2/0", matched, unmatched)
	}

	entries[0].IsReconciled = true
	matched, unmatched = reconcileOutcome(models.ReconciliationStatusDiscrepancy, entries)
	if matched != 1 || unmatched != 1 {
		t.Fatalf("discrepancy must keep prior matches only: matched=%d unmatched=%d, want 1/1", matched, unmatched)
	}

	matched, unmatched = reconcileOutcome(models.ReconciliationStatusDiscrepancy, nil)
	if matched != 0 || unmatched != 0 {
		t.Fatalf("empty period: matched=%d unmatched=%d, want 0/0", matched, unmatched)
	}
}

func TestCheckPeriodOpen_ReconciledIsImmutable(t *testing.T) {
	closed := &models.Reconciliation{Status: models.ReconciliationStatusReconciled}
	if err := checkPeriodOpen(closed); !errors.Is(err, ErrPeriodAlreadyReconciled) {
		t.Fatalf("reconciled period must reject writes, got %v", err)
	}

	for _, status := range []models.ReconciliationStatus{
		models.ReconciliationStatusPending,
		models.ReconciliationStatusDiscrepancy,
	} {
		if err := checkPeriodOpen(&models.Reconciliation{Status: status}); err != nil {
			t.Fatalf("status %s must stay writable: %v", status, err)
		}
	}
	if err := checkPeriodOpen(nil); err != nil {
		t.Fatalf("first close of a period must be allowed: %v", err)
	}
}

func TestReconcileInput_Validate(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)

	good := &ReconcileInput{BankAccountId: 1, PeriodStart: start, PeriodEnd: end}
	if err := good.validate(); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}

	sameDay := &ReconcileInput{BankAccountId: 1, PeriodStart: start, PeriodEnd: start}
	if err := sameDay.validate(); err != nil {
		t.Fatalf("single-day period rejected: %v", err)
	}

	inverted := &ReconcileInput{BankAccountId: 1, PeriodStart: end, PeriodEnd: start}
	if err := inverted.validate(); err == nil {
		t.Fatal("expected error for inverted period")
	}

	missing := &ReconcileInput{BankAccountId: 1}
	if err := missing.validate(); err == nil {
		t.Fatal("expected error for zero period bounds")
	}
}
