package models

import (
	"testing"
	"time"
)

func TestComputeContentHash_SameLineCollapses(t *testing.T) {
	date := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	ref := "INV-100"

	a := ComputeContentHash("t-1", 7, date, 12500, true, "March invoice", &ref)
	b := ComputeContentHash("t-1", 7, date.Add(4*time.Hour), 12500, true, "March invoice", &ref)
	if a != b {
		t.Fatalf("same bank line on the same day must hash equal: %s != %s", a, b)
	}
}

func TestComputeContentHash_Discriminators(t *testing.T) {
	date := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	base := ComputeContentHash("t-1", 7, date, 12500, true, "March invoice", nil)

	variants := map[string]string{
		"tenant":    ComputeContentHash("t-2", 7, date, 12500, true, "March invoice", nil),
		"account":   ComputeContentHash("t-1", 8, date, 12500, true, "March invoice", nil),
		"day":       ComputeContentHash("t-1", 7, date.AddDate(0, 0, 1), 12500, true, "March invoice", nil),
		"amount":    ComputeContentHash("t-1", 7, date, 12501, true, "March invoice", nil),
		"direction": ComputeContentHash("t-1", 7, date, 12500, false, "March invoice", nil),
	}
	for name, got := range variants {
		if got == base {
			t.Errorf("%s change must produce a different hash", name)
		}
	}
}

func TestNewLedgerEntryValidate(t *testing.T) {
	credit := true
	valid := NewLedgerEntry{
		BankAccountId:   7,
		TransactionDate: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		AmountCents:     500,
		IsCredit:        &credit,
	}
	if err := valid.validate(); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
	if valid.Source != LedgerEntrySourceImport {
		t.Fatalf("source should default to import, got %q", valid.Source)
	}

	negative := valid
	negative.AmountCents = -1
	if err := negative.validate(); err == nil {
		t.Fatal("negative amount must be rejected")
	}

	noDate := valid
	noDate.TransactionDate = time.Time{}
	if err := noDate.validate(); err == nil {
		t.Fatal("zero transaction date must be rejected")
	}

	noDirection := valid
	noDirection.IsCredit = nil
	if err := noDirection.validate(); err == nil {
		t.Fatal("missing credit/debit flag must be rejected")
	}
}
