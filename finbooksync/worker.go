package finbooksync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/banksync_backend/config"
	"bitbucket.org/mmdatafocus/banksync_backend/models"
	"bitbucket.org/mmdatafocus/banksync_backend/utils"
	"bitbucket.org/mmdatafocus/banksync_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("finbooksync")

const pushLockScope = "finbooks-push"

// PushWorker drives the local→remote push. Per entry: re-fetch the remote
// counterpart (range fetch filtered by id, FinBooks has no get-by-id), detect
// conflicts, auto-resolve where policy allows, then apply the mutation. Local
// status only flips SYNCED on a confirmed remote success.
type PushWorker struct {
	Client  RemoteClient
	Lock    workflow.BatchLock
	Counter workflow.AtomicCounter
	Mapping FieldMapping
	Logger  *logrus.Logger

	MaxAttempts    int
	InitialBackoff time.Duration
}

func NewPushWorker(client RemoteClient, lock workflow.BatchLock, counter workflow.AtomicCounter) *PushWorker {
	return &PushWorker{
		Client:         client,
		Lock:           lock,
		Counter:        counter,
		Mapping:        FinBooksFieldMapping(),
		Logger:         config.GetLogger(),
		MaxAttempts:    5,
		InitialBackoff: 2 * time.Second,
	}
}

type PushError struct {
	EntryId int    `json:"entry_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PushResult is the per-item outcome of a batch push; a batch never reports an
// all-or-nothing opaque failure.
type PushResult struct {
	Synced  int         `json:"synced"`
	Skipped int         `json:"skipped"`
	Failed  int         `json:"failed"`
	Errors  []PushError `json:"errors"`
}

// PushOne pushes a single entry. false with a nil error means legitimately
// skipped (already synced, or nothing to push).
func (w *PushWorker) PushOne(ctx context.Context, entryId int) (bool, error) {
	return w.pushOne(ctx, 0, entryId)
}

// PushMany pushes a batch with per-item isolation: one entry's failure never
// aborts the rest.
func (w *PushWorker) PushMany(ctx context.Context, entryIds []int) PushResult {
	return w.pushMany(ctx, 0, entryIds)
}

func (w *PushWorker) pushMany(ctx context.Context, runId uint, entryIds []int) PushResult {
	var result PushResult
	for _, entryId := range entryIds {
		synced, err := w.pushOne(ctx, runId, entryId)
		switch {
		case err != nil:
			result.Failed++
			result.Errors = append(result.Errors, PushError{
				EntryId: entryId,
				Code:    utils.ErrorCode(err),
				Message: err.Error(),
			})
		case synced:
			result.Synced++
		default:
			result.Skipped++
		}
	}
	return result
}

func (w *PushWorker) pushOne(ctx context.Context, runId uint, entryId int) (synced bool, err error) {
	ctx, span := tracer.Start(ctx, "finbooksync.pushOne",
		trace.WithAttributes(attribute.Int("entry_id", entryId)))
	defer span.End()

	entry, err := models.GetLedgerEntry(ctx, entryId)
	if err != nil {
		return false, err
	}
	if !needsPush(entry) {
		return false, nil
	}

	conn, err := GetConnection(ctx)
	if err != nil {
		return false, err
	}
	if conn == nil || conn.Status != models.IntegrationStatusConnected {
		return false, utils.PermanentError("NOT_CONNECTED", errors.New("finbooks is not connected"))
	}
	settings := DecodeSettings(conn.SettingsJSON)

	remote, err := w.fetchRemoteCounterpart(ctx, conn, entry)
	if err != nil {
		w.failEntry(ctx, runId, entry, err)
		return false, err
	}

	if entry.ExternalId == nil && remote != nil {
		// Create-create collision: both sides created the same transaction.
		return false, w.raiseCreateCollision(ctx, runId, entry, remote)
	}

	if remote != nil {
		det := DetectConflict(w.Mapping, localSnapshot(entry), remote.Snapshot(), entry.LastSyncedAt)
		if !det.Comparable {
			w.Logger.WithFields(logrus.Fields{
				"tenant_id": entry.TenantId,
				"entry_id":  entry.ID,
			}).Warn("conflict check skipped: modification timestamps missing")
		}
		if det.HasConflict {
			proceed, handled, err := w.handleConflict(ctx, runId, entry, remote, det, settings.AutoResolveStrategy)
			if err != nil {
				return false, err
			}
			if handled {
				// Remote won; local already updated and marked SYNCED.
				return true, nil
			}
			if !proceed {
				return false, nil
			}
		}
	}

	return w.applyMutation(ctx, runId, entry, remote)
}

// needsPush reports whether the entry still requires a remote write. SYNCED
// is terminal: deleting a synced entry flips it back to PENDING so the remote
// reversal happens, and the reversal flips it to SYNCED again. A deleted entry
// that never reached the remote side has nothing to undo there.
func needsPush(entry *models.LedgerEntry) bool {
	if entry.SyncStatus == models.SyncStatusSynced {
		return false
	}
	if entry.IsDeleted {
		return entry.ExternalId != nil
	}
	return true
}

// fetchRemoteCounterpart range-fetches around the entry's date and filters to
// the matching transaction.
func (w *PushWorker) fetchRemoteCounterpart(ctx context.Context, conn *models.IntegrationConnection, entry *models.LedgerEntry) (*RemoteTransaction, error) {
	dateRange := DateRange{
		From: entry.TransactionDate.AddDate(0, 0, -1),
		To:   entry.TransactionDate.AddDate(0, 0, 1),
	}

	var remoteTxs []RemoteTransaction
	err := w.withRetry(ctx, func() error {
		var listErr error
		remoteTxs, listErr = w.Client.ListTransactions(ctx, conn.RemoteTenantId, dateRange)
		return listErr
	})
	if err != nil {
		return nil, classifyRemoteError(err)
	}

	if entry.ExternalId != nil {
		return findRemoteByID(remoteTxs, *entry.ExternalId), nil
	}
	return findRemoteByIdentity(remoteTxs, entry), nil
}

func findRemoteByID(remoteTxs []RemoteTransaction, externalId string) *RemoteTransaction {
	for i := range remoteTxs {
		if remoteTxs[i].TransactionID == externalId {
			return &remoteTxs[i]
		}
	}
	return nil
}

// findRemoteByIdentity matches a never-synced entry against remote
// transactions by day, direction, amount (1-cent tolerance) and reference.
func findRemoteByIdentity(remoteTxs []RemoteTransaction, entry *models.LedgerEntry) *RemoteTransaction {
	localAmount := utils.MinorUnitsToMajor(entry.AmountCents)
	tolerance := decimal.New(1, -2)
	day := entry.TransactionDate.UTC().Format("2006-01-02")

	for i := range remoteTxs {
		tx := &remoteTxs[i]
		if tx.IsCredit != entry.IsCredit {
			continue
		}
		remoteDay := parseInstant(tx.DateUTC)
		if remoteDay == nil || remoteDay.Format("2006-01-02") != day {
			continue
		}
		remoteAmount, ok := toDecimal(tx.Amount, false)
		if !ok || localAmount.Sub(remoteAmount).Abs().GreaterThan(tolerance) {
			continue
		}
		if entry.ReferenceNumber != nil && strings.TrimSpace(*entry.ReferenceNumber) != "" {
			if !strings.EqualFold(strings.TrimSpace(*entry.ReferenceNumber), strings.TrimSpace(tx.Reference)) {
				continue
			}
		}
		return tx
	}
	return nil
}

func (w *PushWorker) raiseCreateCollision(ctx context.Context, runId uint, entry *models.LedgerEntry, remote *RemoteTransaction) error {
	det := DetectCreateCollision(w.Mapping, localSnapshot(entry), remote.Snapshot())
	if _, err := w.recordConflict(ctx, entry, remote, det); err != nil {
		return err
	}
	ferr := utils.ManualInterventionError("CREATE_COLLISION",
		fmt.Errorf("entry %d collides with remote transaction %s", entry.ID, remote.TransactionID))
	w.failEntry(ctx, runId, entry, ferr)
	return ferr
}

// handleConflict records the conflict and applies the configured strategy.
// Returns proceed=true when the local side won and the push should continue,
// handled=true when the remote side won and the entry was already finalized.
func (w *PushWorker) handleConflict(ctx context.Context, runId uint, entry *models.LedgerEntry, remote *RemoteTransaction, det Detection, strategy models.ResolutionStrategy) (proceed, handled bool, err error) {
	conflict, err := w.recordConflict(ctx, entry, remote, det)
	if err != nil {
		return false, false, err
	}

	resolved, resolution, err := autoResolve(ctx, conflict, strategy)
	if err != nil {
		return false, false, err
	}
	if !resolved {
		ferr := utils.ManualInterventionError("CONFLICT_UNRESOLVED",
			fmt.Errorf("conflict %d requires manual resolution", conflict.ID))
		w.failEntry(ctx, runId, entry, ferr)
		return false, false, ferr
	}

	w.Logger.WithFields(logrus.Fields{
		"tenant_id":    entry.TenantId,
		"entry_id":     entry.ID,
		"conflict_id":  conflict.ID,
		"kind":         det.Kind,
		"strategy":     strategy,
		"winning_side": resolution.WinningSide,
	}).Info("sync conflict auto-resolved")

	if resolution.WinningSide == WinningSideRemote {
		if err := w.adoptRemote(ctx, entry, remote); err != nil {
			return false, false, err
		}
		return false, true, nil
	}
	return true, false, nil
}

func (w *PushWorker) recordConflict(ctx context.Context, entry *models.LedgerEntry, remote *RemoteTransaction, det Detection) (*models.SyncConflict, error) {
	return models.CreateSyncConflict(ctx, nil, &models.NewSyncConflict{
		EntityType:        "ledger_entry",
		EntityId:          fmt.Sprintf("%d", entry.ID),
		Kind:              det.Kind,
		LocalSnapshot:     localSnapshot(entry),
		RemoteSnapshot:    remote.Snapshot(),
		ConflictingFields: det.ConflictingFields,
		LocalModifiedAt:   det.LocalModifiedAt,
		RemoteModifiedAt:  det.RemoteModifiedAt,
		Message:           det.Message,
	})
}

// adoptRemote overwrites the local entry with the winning remote snapshot and
// marks it synced; no remote mutation happens.
func (w *PushWorker) adoptRemote(ctx context.Context, entry *models.LedgerEntry, remote *RemoteTransaction) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"sync_status":    models.SyncStatusSynced,
		"sync_error":     nil,
		"last_synced_at": &now,
		"external_id":    remote.TransactionID,
		"account_code":   remote.AccountCode,
		"description":    remote.Description,
	}
	if amount, ok := toDecimal(remote.Amount, false); ok {
		updates["amount_cents"] = amount.Shift(2).IntPart()
		updates["is_credit"] = remote.IsCredit
	}
	return config.GetDB().WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Where("tenant_id = ? AND id = ?", entry.TenantId, entry.ID).
		Updates(updates).Error
}

// applyMutation performs the remote write for a clean (or local-wins) entry.
func (w *PushWorker) applyMutation(ctx context.Context, runId uint, entry *models.LedgerEntry, remote *RemoteTransaction) (bool, error) {
	conn, err := GetConnection(ctx)
	if err != nil {
		return false, err
	}

	switch {
	case entry.IsDeleted:
		// Soft-deleted locally after a successful sync: reverse remotely.
		if err := w.pushReversalJournal(ctx, conn, entry); err != nil {
			cerr := classifyRemoteError(err)
			w.failEntry(ctx, runId, entry, cerr)
			return false, cerr
		}
	case entry.ExternalId != nil:
		err := w.withRetry(ctx, func() error {
			return w.Client.UpdateTransactionAccountCode(ctx, conn.RemoteTenantId, *entry.ExternalId, entry.AccountCode)
		})
		if err != nil {
			if IsRecordLocked(err) {
				return false, w.handleLockedRemote(ctx, runId, conn, entry, remote, err)
			}
			cerr := classifyRemoteError(err)
			w.failEntry(ctx, runId, entry, cerr)
			return false, cerr
		}
	default:
		externalId, err := w.createRemoteCounterpart(ctx, conn, entry)
		if err != nil {
			cerr := classifyRemoteError(err)
			w.failEntry(ctx, runId, entry, cerr)
			return false, cerr
		}
		entry.ExternalId = &externalId
	}

	if err := w.markSynced(ctx, entry); err != nil {
		return false, err
	}
	return true, nil
}

// handleLockedRemote is the compensating path: FinBooks refused the edit
// because the transaction is reconciled over there. We post a manual journal
// moving the amount to the new account code instead of retrying the edit, and
// the entry stays FAILED with the reason — never silently SYNCED.
func (w *PushWorker) handleLockedRemote(ctx context.Context, runId uint, conn *models.IntegrationConnection, entry *models.LedgerEntry, remote *RemoteTransaction, lockErr error) error {
	reason := fmt.Sprintf("remote transaction locked: %v", lockErr)

	if config.CompensatingJournalEnabled() && remote != nil && remote.AccountCode != entry.AccountCode {
		journalId, err := w.pushReclassJournal(ctx, conn, entry, remote.AccountCode)
		if err != nil {
			w.Logger.WithFields(logrus.Fields{
				"tenant_id": entry.TenantId,
				"entry_id":  entry.ID,
			}).Error("compensating journal failed: " + err.Error())
			reason = fmt.Sprintf("%s; compensating journal failed: %v", reason, err)
		} else {
			reason = fmt.Sprintf("%s; compensating journal %s posted", reason, journalId)
		}
	}

	ferr := utils.ManualInterventionError("REMOTE_LOCKED", errors.New(reason))
	w.failEntry(ctx, runId, entry, ferr)
	return ferr
}

// pushReclassJournal posts a two-line journal moving the entry amount from the
// account code FinBooks still holds to the locally chosen one.
func (w *PushWorker) pushReclassJournal(ctx context.Context, conn *models.IntegrationConnection, entry *models.LedgerEntry, remoteAccountCode string) (string, error) {
	reference, err := w.nextReference(ctx, entry, "journal")
	if err != nil {
		return "", err
	}
	amount := utils.MinorUnitsToMajor(entry.AmountCents).StringFixed(2)
	journal := &ManualJournal{
		Narration: fmt.Sprintf("Reclass of locked transaction %s", derefOrEmpty(entry.ExternalId)),
		Reference: reference,
		Date:      entry.TransactionDate.UTC().Format("2006-01-02"),
		Lines: []JournalLine{
			{AccountCode: remoteAccountCode, Amount: amount, IsCredit: entry.IsCredit},
			{AccountCode: entry.AccountCode, Amount: amount, IsCredit: !entry.IsCredit},
		},
	}

	var journalId string
	err = w.withRetry(ctx, func() error {
		var createErr error
		journalId, createErr = w.Client.CreateManualJournal(ctx, conn.RemoteTenantId, journal)
		return createErr
	})
	return journalId, err
}

// pushReversalJournal undoes a synced-then-deleted entry on the remote side.
func (w *PushWorker) pushReversalJournal(ctx context.Context, conn *models.IntegrationConnection, entry *models.LedgerEntry) error {
	reference, err := w.nextReference(ctx, entry, "journal")
	if err != nil {
		return err
	}
	amount := utils.MinorUnitsToMajor(entry.AmountCents).StringFixed(2)
	journal := &ManualJournal{
		Narration: fmt.Sprintf("Reversal of deleted transaction %s", derefOrEmpty(entry.ExternalId)),
		Reference: reference,
		Date:      time.Now().UTC().Format("2006-01-02"),
		Lines: []JournalLine{
			{AccountCode: entry.AccountCode, Amount: amount, IsCredit: !entry.IsCredit},
		},
	}
	return w.withRetry(ctx, func() error {
		_, createErr := w.Client.CreateManualJournal(ctx, conn.RemoteTenantId, journal)
		return createErr
	})
}

// createRemoteCounterpart creates the entry on the remote side: credits with a
// known counterparty become a draft invoice settled by a payment; everything
// else is a manual journal.
func (w *PushWorker) createRemoteCounterpart(ctx context.Context, conn *models.IntegrationConnection, entry *models.LedgerEntry) (string, error) {
	amount := utils.MinorUnitsToMajor(entry.AmountCents).StringFixed(2)
	date := entry.TransactionDate.UTC().Format("2006-01-02")

	if entry.IsCredit && entry.CounterpartyName != nil && strings.TrimSpace(*entry.CounterpartyName) != "" {
		reference, err := w.nextReference(ctx, entry, "invoice")
		if err != nil {
			return "", err
		}
		var invoiceId string
		err = w.withRetry(ctx, func() error {
			var createErr error
			invoiceId, createErr = w.Client.CreateDraftInvoice(ctx, conn.RemoteTenantId, &DraftInvoice{
				ContactName: *entry.CounterpartyName,
				Reference:   reference,
				Date:        date,
				AccountCode: entry.AccountCode,
				Amount:      amount,
			})
			return createErr
		})
		if err != nil {
			return "", err
		}
		err = w.withRetry(ctx, func() error {
			_, payErr := w.Client.CreatePayment(ctx, conn.RemoteTenantId, &Payment{
				InvoiceID:   invoiceId,
				Reference:   reference,
				Date:        date,
				AccountCode: entry.AccountCode,
				Amount:      amount,
			})
			return payErr
		})
		if err != nil {
			return "", err
		}
		return invoiceId, nil
	}

	reference, err := w.nextReference(ctx, entry, "journal")
	if err != nil {
		return "", err
	}
	var journalId string
	err = w.withRetry(ctx, func() error {
		var createErr error
		journalId, createErr = w.Client.CreateManualJournal(ctx, conn.RemoteTenantId, &ManualJournal{
			Narration: entry.Description,
			Reference: reference,
			Date:      date,
			Lines: []JournalLine{
				{AccountCode: entry.AccountCode, Amount: amount, IsCredit: entry.IsCredit},
			},
		})
		return createErr
	})
	if err != nil {
		return "", err
	}
	return journalId, nil
}

// nextReference allocates a durable sequence value so a re-sync of the same
// entry reuses a stable, never-duplicated reference.
func (w *PushWorker) nextReference(ctx context.Context, entry *models.LedgerEntry, scope string) (string, error) {
	period := entry.TransactionDate.UTC().Format("2006-01")
	seq, err := w.Counter.Next(ctx, entry.TenantId, scope, period)
	if err != nil {
		return "", err
	}
	prefix := "FBJ"
	if scope == "invoice" {
		prefix = "FBI"
	}
	return fmt.Sprintf("%s-%s-%06d", prefix, period, seq), nil
}

// withRetry retries transient failures with capped exponential backoff.
// Permanent and locked-record errors surface immediately.
func (w *PushWorker) withRetry(ctx context.Context, op func() error) error {
	backoff := w.InitialBackoff
	var err error
	for attempt := 1; attempt <= w.MaxAttempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if IsRecordLocked(err) || !isRetryable(err) {
			return err
		}
		if attempt == w.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > time.Minute {
			backoff = time.Minute
		}
	}
	return utils.TransientError("RETRIES_EXHAUSTED",
		fmt.Errorf("gave up after %d attempts: %w", w.MaxAttempts, err))
}

func isRetryable(err error) bool {
	if IsTransientRemote(err) {
		return true
	}
	return utils.ClassifyError(err) == utils.ErrorClassTransient
}

// classifyRemoteError folds a raw client error into the retry taxonomy.
func classifyRemoteError(err error) error {
	var classified *utils.ClassifiedError
	if errors.As(err, &classified) {
		return err
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		if remoteErr.IsTransient() {
			return utils.TransientError("REMOTE_UNAVAILABLE", err)
		}
		return utils.PermanentError("REMOTE_REJECTED", err)
	}
	if utils.ClassifyError(err) == utils.ErrorClassTransient {
		return utils.TransientError("NETWORK", err)
	}
	return utils.PermanentError("REMOTE_CALL_FAILED", err)
}

func (w *PushWorker) markSynced(ctx context.Context, entry *models.LedgerEntry) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"sync_status":    models.SyncStatusSynced,
		"sync_error":     nil,
		"last_synced_at": &now,
	}
	if entry.ExternalId != nil {
		updates["external_id"] = *entry.ExternalId
	}
	return config.GetDB().WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Where("tenant_id = ? AND id = ?", entry.TenantId, entry.ID).
		Updates(updates).Error
}

// failEntry parks the entry FAILED with the last error preserved and, when a
// run is active, appends the per-item dead-letter record.
func (w *PushWorker) failEntry(ctx context.Context, runId uint, entry *models.LedgerEntry, cause error) {
	msg := cause.Error()
	db := config.GetDB().WithContext(ctx)
	if err := db.Model(&models.LedgerEntry{}).
		Where("tenant_id = ? AND id = ?", entry.TenantId, entry.ID).
		Updates(map[string]interface{}{
			"sync_status": models.SyncStatusFailed,
			"sync_error":  &msg,
		}).Error; err != nil {
		config.LogError(w.Logger, "finbooksync", "failEntry", "update entry", entry.ID, err)
	}

	if runId != 0 {
		errRec := models.IntegrationSyncError{
			SyncRunId:  runId,
			TenantId:   entry.TenantId,
			EntityType: "ledger_entry",
			EntityId:   fmt.Sprintf("%d", entry.ID),
			ErrorCode:  utils.ErrorCode(cause),
			Message:    msg,
			Retryable:  utils.ClassifyError(cause) == utils.ErrorClassTransient,
		}
		if err := db.Create(&errRec).Error; err != nil {
			config.LogError(w.Logger, "finbooksync", "failEntry", "record sync error", entry.ID, err)
		}
	}
}

func localSnapshot(entry *models.LedgerEntry) map[string]interface{} {
	return map[string]interface{}{
		"id":              entry.ID,
		"amountCents":     entry.AmountCents,
		"isCredit":        entry.IsCredit,
		"accountCode":     entry.AccountCode,
		"transactionDate": entry.TransactionDate,
		"description":     entry.Description,
		"referenceNumber": derefOrEmpty(entry.ReferenceNumber),
		"isDeleted":       entry.IsDeleted,
		"updatedAt":       entry.UpdatedAt,
	}
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// GetConnection loads the tenant's FinBooks connection row, nil when absent.
func GetConnection(ctx context.Context) (*models.IntegrationConnection, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	var conn models.IntegrationConnection
	err := config.GetDB().WithContext(ctx).
		Where("tenant_id = ? AND provider = ?", tenantId, models.IntegrationProviderFinBooks).
		Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

// ProcessSyncRun executes one queued run end to end under the per-tenant push
// lock. A second concurrent run for the same tenant is skipped, not serialized.
func (w *PushWorker) ProcessSyncRun(ctx context.Context, payload SyncPubSubPayload) error {
	if payload.RunId == 0 || payload.TenantId == "" {
		return utils.PermanentError("INVALID_PAYLOAD", errors.New("run id and tenant id are required"))
	}

	ctx = utils.SetTenantIdInContext(ctx, payload.TenantId)
	ctx, span := tracer.Start(ctx, "finbooksync.processSyncRun",
		trace.WithAttributes(attribute.Int("run_id", int(payload.RunId))))
	defer span.End()

	db := config.GetDB().WithContext(ctx)

	var run models.IntegrationSyncRun
	if err := db.Where("id = ? AND tenant_id = ?", payload.RunId, payload.TenantId).Take(&run).Error; err != nil {
		return err
	}
	if run.Status == models.SyncRunStatusSuccess || run.Status == models.SyncRunStatusFailed || run.Status == models.SyncRunStatusPartial {
		return nil
	}

	acquired, err := workflow.WithBatchLock(ctx, w.Lock, payload.TenantId, pushLockScope, func() error {
		return w.runLocked(ctx, &run, payload)
	})
	if err != nil {
		return err
	}
	if !acquired {
		return utils.TransientError("PUSH_IN_PROGRESS",
			errors.New("another push run holds the tenant lock"))
	}
	return nil
}

func (w *PushWorker) runLocked(ctx context.Context, run *models.IntegrationSyncRun, payload SyncPubSubPayload) error {
	db := config.GetDB().WithContext(ctx)

	now := time.Now()
	startedAt := run.StartedAt
	if startedAt == nil {
		startedAt = &now
	}
	if err := db.Model(run).Updates(map[string]interface{}{
		"status":     models.SyncRunStatusRunning,
		"started_at": startedAt,
	}).Error; err != nil {
		return err
	}

	entryIds := payload.EntryIds
	if len(entryIds) == 0 {
		var err error
		entryIds, err = models.PendingLedgerEntryIds(ctx, 500)
		if err != nil {
			return err
		}
	}

	result := w.pushMany(ctx, run.ID, entryIds)

	finishedAt := time.Now()
	status := models.SyncRunStatusSuccess
	if result.Failed > 0 && result.Synced == 0 {
		status = models.SyncRunStatusFailed
	} else if result.Failed > 0 {
		status = models.SyncRunStatusPartial
	}

	if err := db.Model(run).Updates(map[string]interface{}{
		"status":         status,
		"finished_at":    finishedAt,
		"duration_ms":    finishedAt.Sub(*startedAt).Milliseconds(),
		"records_synced": result.Synced,
		"skipped_count":  result.Skipped,
		"error_count":    result.Failed,
	}).Error; err != nil {
		return err
	}

	connUpdates := map[string]interface{}{
		"last_sync_at": finishedAt,
	}
	if status == models.SyncRunStatusSuccess {
		connUpdates["last_success_sync_at"] = finishedAt
	}
	return db.Model(&models.IntegrationConnection{}).
		Where("tenant_id = ? AND provider = ?", payload.TenantId, models.IntegrationProviderFinBooks).
		Updates(connUpdates).Error
}
