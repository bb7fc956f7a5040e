package models

import "errors"

type SyncStatus string

const (
	SyncStatusPending SyncStatus = "PENDING"
	SyncStatusSynced  SyncStatus = "SYNCED"
	SyncStatusFailed  SyncStatus = "FAILED"
)

type LedgerEntrySource string

const (
	LedgerEntrySourceImport     LedgerEntrySource = "IMPORT"
	LedgerEntrySourceRemoteFeed LedgerEntrySource = "REMOTE_FEED"
	LedgerEntrySourceManual     LedgerEntrySource = "MANUAL"
)

type ConflictKind string

const (
	ConflictKindUpdateUpdate ConflictKind = "UPDATE_UPDATE"
	ConflictKindDeleteUpdate ConflictKind = "DELETE_UPDATE"
	ConflictKindCreateCreate ConflictKind = "CREATE_CREATE"
)

type ConflictStatus string

const (
	ConflictStatusPending          ConflictStatus = "PENDING"
	ConflictStatusAutoResolved     ConflictStatus = "AUTO_RESOLVED"
	ConflictStatusManuallyResolved ConflictStatus = "MANUALLY_RESOLVED"
	ConflictStatusIgnored          ConflictStatus = "IGNORED"
)

type ResolutionStrategy string

const (
	ResolutionStrategyLocalWins        ResolutionStrategy = "local_wins"
	ResolutionStrategyRemoteWins       ResolutionStrategy = "remote_wins"
	ResolutionStrategyLastModifiedWins ResolutionStrategy = "last_modified_wins"
	ResolutionStrategyManual           ResolutionStrategy = "manual"
)

func ParseResolutionStrategy(s string) (ResolutionStrategy, error) {
	switch ResolutionStrategy(s) {
	case ResolutionStrategyLocalWins, ResolutionStrategyRemoteWins,
		ResolutionStrategyLastModifiedWins, ResolutionStrategyManual:
		return ResolutionStrategy(s), nil
	}
	return "", errors.New("invalid resolution strategy")
}

type ReconciliationStatus string

const (
	ReconciliationStatusPending     ReconciliationStatus = "PENDING"
	ReconciliationStatusReconciled  ReconciliationStatus = "RECONCILED"
	ReconciliationStatusDiscrepancy ReconciliationStatus = "DISCREPANCY"
)

type OutboxAction string

const (
	OutboxActionCreate OutboxAction = "C"
	OutboxActionUpdate OutboxAction = "U"
	OutboxActionDelete OutboxAction = "D"
)

const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)
