package finbooksync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/banksync_backend/models"
	"bitbucket.org/mmdatafocus/banksync_backend/utils"
)

func testWorker() *PushWorker {
	return &PushWorker{
		Mapping:        FinBooksFieldMapping(),
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	}
}

func TestWithRetry_TransientThenSuccess(t *testing.T) {
	w := testWorker()
	attempts := 0
	err := w.withRetry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return &RemoteError{StatusCode: http.StatusTooManyRequests, Message: "rate limited"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestWithRetry_PermanentSurfacesImmediately(t *testing.T) {
	w := testWorker()
	attempts := 0
	err := w.withRetry(context.Background(), func() error {
		attempts++
		return &RemoteError{StatusCode: http.StatusBadRequest, Message: "malformed account code"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("permanent error must not retry: attempts = %d", attempts)
	}
}

func TestWithRetry_LockedRecordNeverRetried(t *testing.T) {
	w := testWorker()
	attempts := 0
	lockedErr := &RemoteError{StatusCode: http.StatusConflict, Message: "Transaction already reconciled, cannot edit"}
	err := w.withRetry(context.Background(), func() error {
		attempts++
		return lockedErr
	})
	if attempts != 1 {
		t.Fatalf("locked record must not retry: attempts = %d", attempts)
	}
	if !IsRecordLocked(err) {
		t.Fatalf("lock signature lost: %v", err)
	}
}

func TestWithRetry_ExhaustionIsTransient(t *testing.T) {
	w := testWorker()
	attempts := 0
	err := w.withRetry(context.Background(), func() error {
		attempts++
		return &RemoteError{StatusCode: http.StatusBadGateway, Message: "upstream down"}
	})
	if attempts != w.MaxAttempts {
		t.Fatalf("attempts = %d, want %d", attempts, w.MaxAttempts)
	}
	if utils.ClassifyError(err) != utils.ErrorClassTransient {
		t.Fatalf("exhausted retries must stay transient for escalation: %v", err)
	}
	if utils.ErrorCode(err) != "RETRIES_EXHAUSTED" {
		t.Fatalf("code = %q", utils.ErrorCode(err))
	}
}

func TestClassifyRemoteError(t *testing.T) {
	cases := []struct {
		status int
		want   utils.ErrorClass
	}{
		{http.StatusTooManyRequests, utils.ErrorClassTransient},
		{http.StatusInternalServerError, utils.ErrorClassTransient},
		{http.StatusBadGateway, utils.ErrorClassTransient},
		{http.StatusBadRequest, utils.ErrorClassPermanent},
		{http.StatusNotFound, utils.ErrorClassPermanent},
	}
	for _, tc := range cases {
		got := utils.ClassifyError(classifyRemoteError(&RemoteError{StatusCode: tc.status}))
		if got != tc.want {
			t.Fatalf("status %d classified %s, want %s", tc.status, got, tc.want)
		}
	}

	wrapped := utils.ManualInterventionError("X", errors.New("already classified"))
	if utils.ClassifyError(classifyRemoteError(wrapped)) != utils.ErrorClassManualIntervention {
		t.Fatal("pre-classified errors must pass through unchanged")
	}
}

func TestNeedsPush_DeletedSyncedEntryStillReverses(t *testing.T) {
	externalId := "fb-77"
	entry := &models.LedgerEntry{
		SyncStatus: models.SyncStatusSynced,
		ExternalId: &externalId,
	}
	if needsPush(entry) {
		t.Fatal("clean synced entry must be skipped")
	}

	// Soft delete resets the status; the remote transaction must be reversed.
	entry.IsDeleted = true
	entry.SyncStatus = models.SyncStatusPending
	if !needsPush(entry) {
		t.Fatal("deleted entry with a remote counterpart must be pushed")
	}

	// Reversal confirmed: back to SYNCED, a redelivery must not reverse twice.
	entry.SyncStatus = models.SyncStatusSynced
	if needsPush(entry) {
		t.Fatal("confirmed reversal must not run again")
	}
}

func TestNeedsPush_DeletedNeverSyncedEntrySkipped(t *testing.T) {
	entry := &models.LedgerEntry{
		SyncStatus: models.SyncStatusPending,
		IsDeleted:  true,
	}
	if needsPush(entry) {
		t.Fatal("entry that never reached the remote side has nothing to undo")
	}

	failed := &models.LedgerEntry{SyncStatus: models.SyncStatusFailed}
	if !needsPush(failed) {
		t.Fatal("explicitly re-pushed failed entries must be attempted")
	}
}

func TestFindRemoteByID(t *testing.T) {
	txs := []RemoteTransaction{
		{TransactionID: "fb-1"},
		{TransactionID: "fb-2"},
	}
	if got := findRemoteByID(txs, "fb-2"); got == nil || got.TransactionID != "fb-2" {
		t.Fatalf("got %+v", got)
	}
	if got := findRemoteByID(txs, "fb-9"); got != nil {
		t.Fatalf("expected nil for unknown id, got %+v", got)
	}
}

func TestFindRemoteByIdentity(t *testing.T) {
	ref := "INV-42"
	entry := &models.LedgerEntry{
		TenantId:        "tenant-1",
		AmountCents:     5000,
		IsCredit:        true,
		TransactionDate: baseTime,
		ReferenceNumber: &ref,
	}
	txs := []RemoteTransaction{
		{TransactionID: "wrong-direction", IsCredit: false, Amount: json.Number("50.00"),
			DateUTC: baseTime.Format(time.RFC3339), Reference: "INV-42"},
		{TransactionID: "wrong-day", IsCredit: true, Amount: json.Number("50.00"),
			DateUTC: baseTime.AddDate(0, 0, 1).Format(time.RFC3339), Reference: "INV-42"},
		{TransactionID: "wrong-amount", IsCredit: true, Amount: json.Number("51.00"),
			DateUTC: baseTime.Format(time.RFC3339), Reference: "INV-42"},
		{TransactionID: "match", IsCredit: true, Amount: json.Number("50.00"),
			DateUTC: baseTime.Format(time.RFC3339), Reference: "inv-42"},
	}

	got := findRemoteByIdentity(txs, entry)
	if got == nil || got.TransactionID != "match" {
		t.Fatalf("got %+v", got)
	}

	// Amount off by a single cent still matches (import rounding).
	nearCent := []RemoteTransaction{
		{TransactionID: "near", IsCredit: true, Amount: json.Number("50.01"),
			DateUTC: baseTime.Format(time.RFC3339), Reference: "INV-42"},
	}
	if got := findRemoteByIdentity(nearCent, entry); got == nil {
		t.Fatal("1-cent difference must still match")
	}
}
