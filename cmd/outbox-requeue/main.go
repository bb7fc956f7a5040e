package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/banksync_backend/config"
	"bitbucket.org/mmdatafocus/banksync_backend/models"
)

// Ops tool to put DEAD (or stuck PROCESSING) outbox records back in front of
// the dispatcher after the underlying fault has been fixed.
func main() {
	tenantID := flag.String("tenant-id", "", "Required: tenant id")
	entryID := flag.Int("entry-id", 0, "Optional: limit to one ledger entry id")
	includeStuck := flag.Bool("include-stuck", false, "Also requeue PROCESSING records older than 10 minutes")
	dryRun := flag.Bool("dry-run", true, "Show matching records only (no writes)")
	confirm := flag.String("confirm", "", "Type REQUEUE to proceed when dry-run=false")
	flag.Parse()

	if strings.TrimSpace(*tenantID) == "" {
		fmt.Fprintln(os.Stderr, "--tenant-id is required")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "REQUEUE" {
		fmt.Fprintln(os.Stderr, "set --confirm=REQUEUE to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	q := db.Model(&models.SyncOutboxRecord{}).Where("tenant_id = ?", *tenantID)
	if *entryID > 0 {
		q = q.Where("entry_id = ?", *entryID)
	}
	if *includeStuck {
		stale := time.Now().UTC().Add(-10 * time.Minute)
		q = q.Where("publish_status = ? OR (publish_status = ? AND locked_at < ?)",
			models.OutboxPublishStatusDead, models.OutboxPublishStatusProcessing, stale)
	} else {
		q = q.Where("publish_status = ?", models.OutboxPublishStatusDead)
	}

	if *dryRun {
		var records []models.SyncOutboxRecord
		if err := q.Order("id").Limit(200).Find(&records).Error; err != nil {
			fmt.Fprintf(os.Stderr, "query failed: %v\n", err)
			os.Exit(1)
		}
		for _, rec := range records {
			lastErr := ""
			if rec.LastPublishError != nil {
				lastErr = *rec.LastPublishError
			}
			fmt.Printf("id=%d entry=%d status=%s attempts=%d last_error=%q\n",
				rec.ID, rec.EntryId, rec.PublishStatus, rec.PublishAttempts, lastErr)
		}
		fmt.Printf("%d record(s) would be requeued (dry-run)\n", len(records))
		return
	}

	res := q.Updates(map[string]interface{}{
		"publish_status":     models.OutboxPublishStatusPending,
		"publish_attempts":   0,
		"next_attempt_at":    nil,
		"locked_at":          nil,
		"locked_by":          nil,
		"last_publish_error": nil,
	})
	if res.Error != nil {
		fmt.Fprintf(os.Stderr, "requeue failed: %v\n", res.Error)
		os.Exit(1)
	}
	fmt.Printf("requeued %d record(s)\n", res.RowsAffected)
}
