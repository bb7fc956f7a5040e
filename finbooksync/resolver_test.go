package finbooksync

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/banksync_backend/models"
)

func conflictWith(localAt, remoteAt *time.Time) *models.SyncConflict {
	return &models.SyncConflict{
		ID:               7,
		TenantId:         "tenant-1",
		Kind:             models.ConflictKindUpdateUpdate,
		LocalSnapshot:    models.EncodeSnapshot(map[string]interface{}{"accountCode": "300"}),
		RemoteSnapshot:   models.EncodeSnapshot(map[string]interface{}{"AccountCode": "200"}),
		LocalModifiedAt:  localAt,
		RemoteModifiedAt: remoteAt,
		Status:           models.ConflictStatusPending,
	}
}

func TestResolve_LocalAndRemoteWins(t *testing.T) {
	localAt, remoteAt := tPlus(2), tPlus(3)
	conflict := conflictWith(&localAt, &remoteAt)

	res := Resolve(conflict, models.ResolutionStrategyLocalWins)
	if !res.Success || res.WinningSide != WinningSideLocal {
		t.Fatalf("local_wins: %+v", res)
	}
	if res.WinningSnapshot["accountCode"] != "300" {
		t.Fatalf("local snapshot not returned: %v", res.WinningSnapshot)
	}

	res = Resolve(conflict, models.ResolutionStrategyRemoteWins)
	if !res.Success || res.WinningSide != WinningSideRemote {
		t.Fatalf("remote_wins: %+v", res)
	}
}

func TestResolve_LastModifiedWins(t *testing.T) {
	laterLocal, earlierRemote := tPlus(5), tPlus(3)
	res := Resolve(conflictWith(&laterLocal, &earlierRemote), models.ResolutionStrategyLastModifiedWins)
	if !res.Success || res.WinningSide != WinningSideLocal {
		t.Fatalf("strictly later local must win: %+v", res)
	}

	earlierLocal, laterRemote := tPlus(3), tPlus(5)
	res = Resolve(conflictWith(&earlierLocal, &laterRemote), models.ResolutionStrategyLastModifiedWins)
	if !res.Success || res.WinningSide != WinningSideRemote {
		t.Fatalf("strictly later remote must win: %+v", res)
	}
}

func TestResolve_LastModifiedWins_TiePicksRemote(t *testing.T) {
	at := tPlus(4)
	same := at
	res := Resolve(conflictWith(&at, &same), models.ResolutionStrategyLastModifiedWins)
	if !res.Success || res.WinningSide != WinningSideRemote {
		t.Fatalf("tie must pick remote (system of record): %+v", res)
	}
}

func TestResolve_LastModifiedWins_IncomparableFails(t *testing.T) {
	remoteAt := tPlus(3)
	res := Resolve(conflictWith(nil, &remoteAt), models.ResolutionStrategyLastModifiedWins)
	if res.Success {
		t.Fatalf("missing local timestamp must not resolve: %+v", res)
	}
}

func TestResolve_ManualNeverAutoResolves(t *testing.T) {
	localAt, remoteAt := tPlus(2), tPlus(3)
	res := Resolve(conflictWith(&localAt, &remoteAt), models.ResolutionStrategyManual)
	if res.Success {
		t.Fatalf("manual strategy must not auto-resolve: %+v", res)
	}
}

func TestAutoResolve_UndecidableLeavesPending(t *testing.T) {
	localAt, remoteAt := tPlus(2), tPlus(3)

	conflict := conflictWith(&localAt, &remoteAt)
	resolved, res, err := autoResolve(context.Background(), conflict, models.ResolutionStrategyManual)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved || res.Success {
		t.Fatalf("manual strategy must not resolve: %+v", res)
	}
	if conflict.Status != models.ConflictStatusPending {
		t.Fatalf("conflict status = %s, want PENDING", conflict.Status)
	}

	conflict = conflictWith(nil, &remoteAt)
	resolved, _, err = autoResolve(context.Background(), conflict, models.ResolutionStrategyLastModifiedWins)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved {
		t.Fatal("incomparable timestamps must not resolve")
	}
	if conflict.Status != models.ConflictStatusPending {
		t.Fatalf("conflict status = %s, want PENDING", conflict.Status)
	}
}
