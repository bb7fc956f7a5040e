package finbooksync

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/banksync_backend/models"
	"bitbucket.org/mmdatafocus/banksync_backend/utils"
)

const (
	WinningSideLocal  = "local"
	WinningSideRemote = "remote"
)

// Resolution is the outcome of applying a strategy to a conflict. Success
// false means the strategy could not decide (manual strategy or incomparable
// timestamps) and the caller must surface a hard error instead of proceeding.
type Resolution struct {
	Success         bool
	WinningSide     string
	WinningSnapshot map[string]interface{}
	AppliedStrategy models.ResolutionStrategy
}

// Resolve picks the winning snapshot. Pure: it never touches the database and
// never pushes data anywhere.
func Resolve(conflict *models.SyncConflict, strategy models.ResolutionStrategy) Resolution {
	res := Resolution{AppliedStrategy: strategy}
	switch strategy {
	case models.ResolutionStrategyLocalWins:
		res.Success = true
		res.WinningSide = WinningSideLocal
		res.WinningSnapshot = models.DecodeSnapshot(conflict.LocalSnapshot)
	case models.ResolutionStrategyRemoteWins:
		res.Success = true
		res.WinningSide = WinningSideRemote
		res.WinningSnapshot = models.DecodeSnapshot(conflict.RemoteSnapshot)
	case models.ResolutionStrategyLastModifiedWins:
		if conflict.LocalModifiedAt == nil || conflict.RemoteModifiedAt == nil {
			return res
		}
		// Remote is the system of record: it wins ties.
		if conflict.LocalModifiedAt.After(*conflict.RemoteModifiedAt) {
			res.WinningSide = WinningSideLocal
			res.WinningSnapshot = models.DecodeSnapshot(conflict.LocalSnapshot)
		} else {
			res.WinningSide = WinningSideRemote
			res.WinningSnapshot = models.DecodeSnapshot(conflict.RemoteSnapshot)
		}
		res.Success = true
	case models.ResolutionStrategyManual:
		// Never auto-resolves.
	}
	return res
}

// AutoResolve resolves a stored conflict without human involvement. It returns
// false when the strategy cannot decide; the conflict stays PENDING.
func AutoResolve(ctx context.Context, conflictId int, strategy models.ResolutionStrategy) (bool, Resolution, error) {
	conflict, err := models.GetSyncConflict(ctx, conflictId)
	if err != nil {
		return false, Resolution{}, err
	}
	return autoResolve(ctx, conflict, strategy)
}

func autoResolve(ctx context.Context, conflict *models.SyncConflict, strategy models.ResolutionStrategy) (bool, Resolution, error) {
	res := Resolve(conflict, strategy)
	if !res.Success {
		return false, res, nil
	}
	if err := conflict.MarkResolved(ctx, nil, models.ConflictStatusAutoResolved, strategy, res.WinningSide, nil); err != nil {
		return false, res, err
	}
	return true, res, nil
}

// ResolveManually applies an operator-chosen strategy to a PENDING conflict.
func ResolveManually(ctx context.Context, conflictId int, strategy models.ResolutionStrategy, winningSide string) (*models.SyncConflict, Resolution, error) {
	conflict, err := models.GetSyncConflict(ctx, conflictId)
	if err != nil {
		return nil, Resolution{}, err
	}

	res := Resolve(conflict, strategy)
	if strategy == models.ResolutionStrategyManual {
		// A human picked a side directly.
		switch winningSide {
		case WinningSideLocal:
			res = Resolution{Success: true, WinningSide: WinningSideLocal,
				WinningSnapshot: models.DecodeSnapshot(conflict.LocalSnapshot), AppliedStrategy: strategy}
		case WinningSideRemote:
			res = Resolution{Success: true, WinningSide: WinningSideRemote,
				WinningSnapshot: models.DecodeSnapshot(conflict.RemoteSnapshot), AppliedStrategy: strategy}
		default:
			return nil, res, errors.New("manual resolution requires a winning side")
		}
	}
	if !res.Success {
		return nil, res, errors.New("strategy cannot resolve this conflict")
	}

	var resolverId *string
	if actorId, ok := utils.GetActorIdFromContext(ctx); ok && actorId != "" {
		resolverId = &actorId
	}
	if err := conflict.MarkResolved(ctx, nil, models.ConflictStatusManuallyResolved, strategy, res.WinningSide, resolverId); err != nil {
		return nil, res, err
	}
	return conflict, res, nil
}
