package models

import (
	"context"
	"testing"
	"time"
)

func TestMarkResolved_SecondResolutionRejected(t *testing.T) {
	strategy := ResolutionStrategyLocalWins
	side := "local"
	resolvedAt := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	conflict := &SyncConflict{
		ID:              3,
		TenantId:        "tenant-1",
		Status:          ConflictStatusAutoResolved,
		AppliedStrategy: &strategy,
		WinningSide:     &side,
		ResolvedAt:      &resolvedAt,
	}

	err := conflict.MarkResolved(context.Background(), nil,
		ConflictStatusManuallyResolved, ResolutionStrategyRemoteWins, "remote", nil)
	if err == nil {
		t.Fatal("resolved conflict must reject a second resolution")
	}
	if conflict.Status != ConflictStatusAutoResolved {
		t.Fatalf("status mutated to %s", conflict.Status)
	}
	if *conflict.WinningSide != "local" || *conflict.AppliedStrategy != ResolutionStrategyLocalWins {
		t.Fatal("original resolution mutated")
	}
	if !conflict.ResolvedAt.Equal(resolvedAt) {
		t.Fatal("resolved timestamp mutated")
	}
}
