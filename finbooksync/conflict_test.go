package finbooksync

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/banksync_backend/models"
)

var (
	baseTime = time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	tPlus    = func(hours int) time.Time { return baseTime.Add(time.Duration(hours) * time.Hour) }
)

func localSnap(updatedAt time.Time, overrides map[string]interface{}) map[string]interface{} {
	snap := map[string]interface{}{
		"amountCents":     int64(5000),
		"isCredit":        true,
		"accountCode":     "200",
		"transactionDate": baseTime,
		"description":     "Coffee supplies",
		"referenceNumber": "INV-42",
		"isDeleted":       false,
		"updatedAt":       updatedAt,
	}
	for k, v := range overrides {
		snap[k] = v
	}
	return snap
}

func remoteSnap(updatedAt time.Time, overrides map[string]interface{}) map[string]interface{} {
	snap := map[string]interface{}{
		"TransactionID":  "fb-tx-1",
		"Status":         "AUTHORISED",
		"DateUTC":        baseTime.Format(time.RFC3339),
		"UpdatedDateUTC": updatedAt.Format(time.RFC3339),
		"AccountCode":    "200",
		"Amount":         json.Number("50.00"),
		"Description":    "Coffee supplies",
		"Reference":      "INV-42",
	}
	for k, v := range overrides {
		snap[k] = v
	}
	return snap
}

func TestDetectConflict_IsDeterministic(t *testing.T) {
	mapping := FinBooksFieldMapping()
	lastSynced := tPlus(1)
	local := localSnap(tPlus(2), map[string]interface{}{"accountCode": "300"})
	remote := remoteSnap(tPlus(3), nil)

	first := DetectConflict(mapping, local, remote, &lastSynced)
	second := DetectConflict(mapping, local, remote, &lastSynced)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("detection is not deterministic: %+v vs %+v", first, second)
	}
}

func TestDetectConflict_MissingTimestampsFailsOpen(t *testing.T) {
	mapping := FinBooksFieldMapping()
	lastSynced := tPlus(1)
	local := localSnap(tPlus(2), nil)
	delete(local, "updatedAt")

	det := DetectConflict(mapping, local, remoteSnap(tPlus(3), nil), &lastSynced)
	if det.HasConflict {
		t.Fatal("missing local timestamp must not raise a conflict")
	}
	if det.Comparable {
		t.Fatal("detection must be flagged incomparable")
	}
}

func TestDetectConflict_FirstSync(t *testing.T) {
	mapping := FinBooksFieldMapping()
	det := DetectConflict(mapping, localSnap(tPlus(2), nil), remoteSnap(tPlus(3), nil), nil)
	if det.HasConflict {
		t.Fatalf("first sync must not conflict: %+v", det)
	}
	if !det.Comparable {
		t.Fatal("timestamps were present; detection should be comparable")
	}
}

func TestDetectConflict_BothModified(t *testing.T) {
	mapping := FinBooksFieldMapping()
	lastSynced := tPlus(1)
	local := localSnap(tPlus(2), map[string]interface{}{
		"accountCode": "300",
		"description": "Office supplies",
	})
	remote := remoteSnap(tPlus(3), nil)

	det := DetectConflict(mapping, local, remote, &lastSynced)
	if !det.HasConflict || det.Kind != models.ConflictKindUpdateUpdate {
		t.Fatalf("expected UPDATE_UPDATE, got %+v", det)
	}

	want := map[string]bool{"accountCode": true, "description": true}
	if len(det.ConflictingFields) != len(want) {
		t.Fatalf("conflicting fields = %v, want accountCode+description", det.ConflictingFields)
	}
	for _, f := range det.ConflictingFields {
		if !want[f] {
			t.Fatalf("unexpected conflicting field %q", f)
		}
	}
}

func TestDetectConflict_OneSideChangedIsClean(t *testing.T) {
	mapping := FinBooksFieldMapping()
	lastSynced := tPlus(1)

	onlyLocal := DetectConflict(mapping, localSnap(tPlus(2), nil), remoteSnap(tPlus(0), nil), &lastSynced)
	if onlyLocal.HasConflict {
		t.Fatalf("only local changed: %+v", onlyLocal)
	}
	onlyRemote := DetectConflict(mapping, localSnap(tPlus(0), nil), remoteSnap(tPlus(2), nil), &lastSynced)
	if onlyRemote.HasConflict {
		t.Fatalf("only remote changed: %+v", onlyRemote)
	}
}

func TestDetectConflict_RemoteDeleted(t *testing.T) {
	mapping := FinBooksFieldMapping()
	lastSynced := tPlus(1)
	remote := remoteSnap(tPlus(3), map[string]interface{}{"Status": "VOIDED"})

	det := DetectConflict(mapping, localSnap(tPlus(2), nil), remote, &lastSynced)
	if !det.HasConflict || det.Kind != models.ConflictKindDeleteUpdate {
		t.Fatalf("expected DELETE_UPDATE, got %+v", det)
	}
}

func TestDetectConflict_MoneyToleranceBoundary(t *testing.T) {
	mapping := FinBooksFieldMapping()
	lastSynced := tPlus(1)

	// 5000 cents vs 50.01: within the 1-cent tolerance, not a diff.
	within := DetectConflict(mapping,
		localSnap(tPlus(2), nil),
		remoteSnap(tPlus(3), map[string]interface{}{"Amount": json.Number("50.01")}),
		&lastSynced)
	if within.HasConflict {
		t.Fatalf("1-cent difference must be tolerated: %+v", within)
	}

	// 5000 cents vs 50.02: past tolerance.
	beyond := DetectConflict(mapping,
		localSnap(tPlus(2), nil),
		remoteSnap(tPlus(3), map[string]interface{}{"Amount": json.Number("50.02")}),
		&lastSynced)
	if !beyond.HasConflict {
		t.Fatal("2-cent difference must conflict")
	}
	if len(beyond.ConflictingFields) != 1 || beyond.ConflictingFields[0] != "amount" {
		t.Fatalf("conflicting fields = %v, want [amount]", beyond.ConflictingFields)
	}
}

func TestDetectCreateCollision(t *testing.T) {
	mapping := FinBooksFieldMapping()
	det := DetectCreateCollision(mapping, localSnap(tPlus(2), nil), remoteSnap(tPlus(3), nil))
	if !det.HasConflict || det.Kind != models.ConflictKindCreateCreate {
		t.Fatalf("expected CREATE_CREATE, got %+v", det)
	}
}

func TestExtractTimestamp_ProbesCandidates(t *testing.T) {
	mapping := FinBooksFieldMapping()

	snap := map[string]interface{}{"modifiedAt": tPlus(4)}
	got := ExtractTimestamp(snap, mapping.LocalModifiedKeys)
	if got == nil || !got.Equal(tPlus(4)) {
		t.Fatalf("fallback key not probed: %v", got)
	}

	remote := map[string]interface{}{"DateTimeUTC": tPlus(5).Format(time.RFC3339)}
	got = ExtractTimestamp(remote, mapping.RemoteModifiedKeys)
	if got == nil || !got.Equal(tPlus(5)) {
		t.Fatalf("string timestamp not parsed: %v", got)
	}

	if ExtractTimestamp(map[string]interface{}{}, mapping.LocalModifiedKeys) != nil {
		t.Fatal("empty snapshot must yield nil")
	}
}
