package config

import (
	"os"
	"strings"
)

// AutoResolveStrategy controls how detected push conflicts are resolved without
// operator action. Anything other than a known strategy falls back to
// "last_modified_wins".
//
// Set via env:
// - SYNC_AUTO_RESOLVE_STRATEGY=last_modified_wins|local_wins|remote_wins|manual
func AutoResolveStrategy() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("SYNC_AUTO_RESOLVE_STRATEGY")))
	switch v {
	case "local_wins", "remote_wins", "manual", "last_modified_wins":
		return v
	}
	return "last_modified_wins"
}

// CompensatingJournalEnabled gates the fallback path taken when the remote side
// refuses an edit because the record is locked after remote reconciliation.
// When disabled the entry is parked FAILED for manual action instead.
//
// Set via env:
// - SYNC_COMPENSATING_JOURNAL=true
func CompensatingJournalEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("SYNC_COMPENSATING_JOURNAL")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
