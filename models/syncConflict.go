package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/banksync_backend/config"
	"bitbucket.org/mmdatafocus/banksync_backend/utils"
	"gorm.io/gorm"
)

// SyncConflict records a detected disagreement between the local ledger and
// the remote system of record. Once status leaves PENDING the row is
// immutable except for audit timestamps.
type SyncConflict struct {
	ID                int                 `gorm:"primary_key" json:"id"`
	TenantId          string              `gorm:"size:64;not null;index" json:"tenant_id"`
	EntityType        string              `gorm:"size:50;not null;index" json:"entity_type"`
	EntityId          string              `gorm:"size:128;not null;index" json:"entity_id"`
	Kind              ConflictKind        `gorm:"size:20;not null" json:"kind"`
	LocalSnapshot     []byte              `gorm:"type:json" json:"local_snapshot"`
	RemoteSnapshot    []byte              `gorm:"type:json" json:"remote_snapshot"`
	ConflictingFields []byte              `gorm:"type:json" json:"conflicting_fields"`
	LocalModifiedAt   *time.Time          `json:"local_modified_at"`
	RemoteModifiedAt  *time.Time          `json:"remote_modified_at"`
	Status            ConflictStatus      `gorm:"size:20;not null;default:'PENDING';index" json:"status"`
	AppliedStrategy   *ResolutionStrategy `gorm:"size:30" json:"applied_strategy"`
	WinningSide       *string             `gorm:"size:10" json:"winning_side"`
	ResolverId        *string             `gorm:"size:64" json:"resolver_id"`
	ResolvedAt        *time.Time          `json:"resolved_at"`
	Message           string              `gorm:"type:text" json:"message"`
	CreatedAt         time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewSyncConflict struct {
	EntityType        string
	EntityId          string
	Kind              ConflictKind
	LocalSnapshot     map[string]interface{}
	RemoteSnapshot    map[string]interface{}
	ConflictingFields []string
	LocalModifiedAt   *time.Time
	RemoteModifiedAt  *time.Time
	Message           string
}

func EncodeSnapshot(snapshot map[string]interface{}) []byte {
	if snapshot == nil {
		return nil
	}
	b, _ := json.Marshal(snapshot)
	return b
}

func DecodeSnapshot(raw []byte) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var snapshot map[string]interface{}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil
	}
	return snapshot
}

func CreateSyncConflict(ctx context.Context, tx *gorm.DB, input *NewSyncConflict) (*SyncConflict, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	fieldsJSON, _ := json.Marshal(input.ConflictingFields)
	conflict := SyncConflict{
		TenantId:          tenantId,
		EntityType:        input.EntityType,
		EntityId:          input.EntityId,
		Kind:              input.Kind,
		LocalSnapshot:     EncodeSnapshot(input.LocalSnapshot),
		RemoteSnapshot:    EncodeSnapshot(input.RemoteSnapshot),
		ConflictingFields: fieldsJSON,
		LocalModifiedAt:   input.LocalModifiedAt,
		RemoteModifiedAt:  input.RemoteModifiedAt,
		Status:            ConflictStatusPending,
		Message:           input.Message,
	}
	if tx == nil {
		tx = config.GetDB()
	}
	if err := tx.WithContext(ctx).Create(&conflict).Error; err != nil {
		return nil, err
	}
	return &conflict, nil
}

func GetSyncConflict(ctx context.Context, id int) (*SyncConflict, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	db := config.GetDB()
	var conflict SyncConflict
	if err := db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantId, id).
		Take(&conflict).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &conflict, nil
}

func ListSyncConflicts(ctx context.Context, status *ConflictStatus, limit int) ([]SyncConflict, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	db := config.GetDB()
	q := db.WithContext(ctx).Where("tenant_id = ?", tenantId)
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var conflicts []SyncConflict
	if err := q.Order("id DESC").Limit(limit).Find(&conflicts).Error; err != nil {
		return nil, err
	}
	return conflicts, nil
}

// MarkResolved transitions a PENDING conflict to a terminal status. Rows that
// already left PENDING are immutable; a second resolution attempt fails.
func (c *SyncConflict) MarkResolved(ctx context.Context, tx *gorm.DB, status ConflictStatus, strategy ResolutionStrategy, winningSide string, resolverId *string) error {
	if c.Status != ConflictStatusPending {
		return errors.New("conflict is already resolved")
	}
	if tx == nil {
		tx = config.GetDB()
	}
	now := time.Now().UTC()
	res := tx.WithContext(ctx).Model(&SyncConflict{}).
		Where("id = ? AND tenant_id = ? AND status = ?", c.ID, c.TenantId, ConflictStatusPending).
		Updates(map[string]interface{}{
			"status":           status,
			"applied_strategy": strategy,
			"winning_side":     winningSide,
			"resolver_id":      resolverId,
			"resolved_at":      now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("conflict is already resolved")
	}
	c.Status = status
	c.AppliedStrategy = &strategy
	c.WinningSide = &winningSide
	c.ResolverId = resolverId
	c.ResolvedAt = &now
	return nil
}
