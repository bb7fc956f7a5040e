package models

import "time"

// SequenceCounter is one durable row per (tenant, scope, period). Values
// handed to callers are strictly increasing and never reused, even across
// process restarts. All increments go through the database's atomic
// increment-and-return path (see workflow.AtomicCounter), never
// read-modify-write at the application layer.
type SequenceCounter struct {
	ID           int       `gorm:"primary_key" json:"id"`
	TenantId     string    `gorm:"size:64;not null;uniqueIndex:idx_sequence_counter,priority:1" json:"tenant_id"`
	Scope        string    `gorm:"size:100;not null;uniqueIndex:idx_sequence_counter,priority:2" json:"scope"`
	Period       string    `gorm:"size:20;not null;uniqueIndex:idx_sequence_counter,priority:3" json:"period"`
	CurrentValue int64     `gorm:"not null;default:0" json:"current_value"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
