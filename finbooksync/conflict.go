package finbooksync

import (
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/banksync_backend/models"
)

// Detection is the classification of one (local, remote) snapshot pair.
// Comparable reports whether both modification timestamps could be extracted;
// when false the detector failed open and the caller should log, not block.
type Detection struct {
	HasConflict       bool
	Kind              models.ConflictKind
	ConflictingFields []string
	LocalModifiedAt   *time.Time
	RemoteModifiedAt  *time.Time
	Comparable        bool
	Message           string
}

// DetectConflict classifies a snapshot pair against the last-synchronized
// timestamp. It is pure: persistence of a SyncConflict row is the caller's
// responsibility once a conflict is classified.
func DetectConflict(mapping FieldMapping, local, remote map[string]interface{}, lastSyncedAt *time.Time) Detection {
	localModified := ExtractTimestamp(local, mapping.LocalModifiedKeys)
	remoteModified := ExtractTimestamp(remote, mapping.RemoteModifiedKeys)

	if localModified == nil || remoteModified == nil {
		// Fail open: never block sync on missing data.
		return Detection{
			Comparable: false,
			Message:    "no conflict: modification timestamps missing",
		}
	}

	det := Detection{
		LocalModifiedAt:  localModified,
		RemoteModifiedAt: remoteModified,
		Comparable:       true,
	}

	if lastSyncedAt == nil {
		det.Message = "no conflict: first sync"
		return det
	}

	localChanged := localModified.After(*lastSyncedAt)
	remoteChanged := remoteModified.After(*lastSyncedAt)
	localDeleted := snapshotBool(local[mapping.LocalDeletedKey])
	remoteDeleted := remoteMarkedDeleted(mapping, remote)

	switch {
	case remoteDeleted && localChanged && !localDeleted:
		det.HasConflict = true
		det.Kind = models.ConflictKindDeleteUpdate
		det.Message = "remote side deleted while local side changed"
	case localDeleted && remoteChanged && !remoteDeleted:
		det.HasConflict = true
		det.Kind = models.ConflictKindDeleteUpdate
		det.Message = "local side deleted while remote side changed"
	case localChanged && remoteChanged:
		fields := mapping.Diff(local, remote)
		if len(fields) == 0 {
			det.Message = "no conflict: both sides touched but no mapped field differs"
			return det
		}
		det.HasConflict = true
		det.Kind = models.ConflictKindUpdateUpdate
		det.ConflictingFields = fields
		det.Message = "both sides modified since last sync"
	default:
		det.Message = "no conflict"
	}
	return det
}

// DetectCreateCollision classifies the create-create case: the entry has never
// synced (no external id mapping) yet a remote transaction with the same
// identity already exists. Always surfaced for manual resolution.
func DetectCreateCollision(mapping FieldMapping, local, remote map[string]interface{}) Detection {
	return Detection{
		HasConflict:       true,
		Kind:              models.ConflictKindCreateCreate,
		ConflictingFields: mapping.Diff(local, remote),
		LocalModifiedAt:   ExtractTimestamp(local, mapping.LocalModifiedKeys),
		RemoteModifiedAt:  ExtractTimestamp(remote, mapping.RemoteModifiedKeys),
		Comparable:        true,
		Message:           "both sides created the same transaction independently",
	}
}

func remoteMarkedDeleted(mapping FieldMapping, remote map[string]interface{}) bool {
	status, _ := remote[mapping.RemoteStatusKey].(string)
	status = strings.ToUpper(strings.TrimSpace(status))
	for _, deleted := range mapping.RemoteDeletedVals {
		if status == deleted {
			return true
		}
	}
	return false
}

func snapshotBool(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}
