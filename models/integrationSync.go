package models

import "time"

const (
	IntegrationProviderFinBooks = "finbooks"
)

const (
	IntegrationStatusConnected    = "connected"
	IntegrationStatusDisconnected = "disconnected"
	IntegrationStatusError        = "error"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual = "manual"
	SyncTriggeredRetry  = "retry"
	SyncTriggeredSystem = "system"
)

type IntegrationConnection struct {
	ID                uint       `gorm:"primary_key" json:"id"`
	TenantId          string     `gorm:"index;not null" json:"tenant_id"`
	Provider          string     `gorm:"index;size:50;not null" json:"provider"`
	Status            string     `gorm:"size:20;not null" json:"status"`
	AuthType          string     `gorm:"size:20" json:"auth_type"`
	AuthSecretRef     string     `gorm:"type:text" json:"auth_secret_ref"`
	RemoteTenantId    string     `gorm:"size:100" json:"remote_tenant_id"`
	RemoteTenantName  string     `gorm:"size:255" json:"remote_tenant_name"`
	SettingsJSON      []byte     `gorm:"type:json" json:"settings"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time `json:"last_success_sync_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type IntegrationSyncRun struct {
	ID            uint       `gorm:"primary_key" json:"id"`
	TenantId      string     `gorm:"index;not null" json:"tenant_id"`
	ConnectionId  uint       `gorm:"index;not null" json:"connection_id"`
	Provider      string     `gorm:"index;size:50;not null" json:"provider"`
	Status        string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy   string     `gorm:"size:20" json:"triggered_by"`
	StatsJSON     []byte     `gorm:"type:json" json:"stats"`
	RecordsSynced int        `json:"records_synced"`
	SkippedCount  int        `json:"skipped_count"`
	ErrorCount    int        `json:"error_count"`
	ParentRunId   *uint      `gorm:"index" json:"parent_run_id"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	DurationMs    int64      `json:"duration_ms"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IntegrationSyncError is the per-item dead-letter record: an entry that
// exhausted retries or needs an operator lands here with its last error,
// never silently dropped.
type IntegrationSyncError struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	SyncRunId   uint      `gorm:"index;not null" json:"sync_run_id"`
	TenantId    string    `gorm:"index;not null" json:"tenant_id"`
	EntityType  string    `gorm:"size:50" json:"entity_type"`
	EntityId    string    `gorm:"size:128" json:"entity_id"`
	ErrorCode   string    `gorm:"size:64" json:"error_code"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}
