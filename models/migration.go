package models

import (
	"log"

	"bitbucket.org/mmdatafocus/banksync_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&LedgerEntry{},
		&SyncConflict{},
		&Reconciliation{},
		&SequenceCounter{},
		&SyncOutboxRecord{},
		&IdempotencyKey{},
		&IntegrationConnection{}, &IntegrationSyncRun{}, &IntegrationSyncError{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
