package finbooksync

import (
	"encoding/json"

	"bitbucket.org/mmdatafocus/banksync_backend/config"
	"bitbucket.org/mmdatafocus/banksync_backend/models"
)

type ConnectRequest struct {
	RemoteTenantId   string `json:"remoteTenantId" binding:"required"`
	RemoteTenantName string `json:"remoteTenantName"`
	APIKey           string `json:"apiKey" binding:"required"`
}

type UpdateSettingsRequest struct {
	AutoResolveStrategy string `json:"autoResolveStrategy" binding:"required"`
}

type TriggerSyncRequest struct {
	EntryIds []int `json:"entryIds"`
}

type StatusResponse struct {
	Connection        ConnectionResponse `json:"connection"`
	LastSyncAt        *string            `json:"lastSyncAt"`
	LastSuccessSyncAt *string            `json:"lastSuccessSyncAt"`
	Settings          SyncSettings       `json:"settings"`
}

type ConnectionResponse struct {
	Status           string `json:"status"`
	RemoteTenantId   string `json:"remoteTenantId"`
	RemoteTenantName string `json:"remoteTenantName"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncRunResponse struct {
	ID            uint    `json:"id"`
	Status        string  `json:"status"`
	StartedAt     *string `json:"startedAt"`
	FinishedAt    *string `json:"finishedAt"`
	DurationMs    int64   `json:"durationMs"`
	RecordsSynced int     `json:"recordsSynced"`
	SkippedCount  int     `json:"skippedCount"`
	ErrorCount    int     `json:"errorCount"`
	TriggeredBy   string  `json:"triggeredBy"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Errors []SyncErrorResponse `json:"errors"`
}

type SyncErrorResponse struct {
	ID         uint   `json:"id"`
	EntityType string `json:"entityType"`
	EntityId   string `json:"entityId"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

type ResolveConflictRequest struct {
	Strategy    string `json:"strategy" binding:"required"`
	WinningSide string `json:"winningSide"`
}

type MatchRequest struct {
	EntryIds []int `json:"entryIds" binding:"required"`
}

type SequenceRequest struct {
	Scope  string `json:"scope" binding:"required"`
	Period string `json:"period" binding:"required"`
	Count  int64  `json:"count"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type SyncPubSubPayload struct {
	RunId        uint   `json:"run_id"`
	TenantId     string `json:"tenant_id"`
	ConnectionId uint   `json:"connection_id"`
	EntryIds     []int  `json:"entry_ids,omitempty"`
}

// SyncSettings is the per-tenant policy blob persisted on the connection row.
type SyncSettings struct {
	AutoResolveStrategy models.ResolutionStrategy `json:"autoResolveStrategy"`
	MappingVersion      int                       `json:"mappingVersion"`
}

func DefaultSettings() SyncSettings {
	strategy, err := models.ParseResolutionStrategy(config.AutoResolveStrategy())
	if err != nil {
		strategy = models.ResolutionStrategyLastModifiedWins
	}
	return SyncSettings{
		AutoResolveStrategy: strategy,
		MappingVersion:      FinBooksFieldMapping().Version,
	}
}

func DecodeSettings(raw []byte) SyncSettings {
	if len(raw) == 0 {
		return DefaultSettings()
	}
	var settings SyncSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return DefaultSettings()
	}
	if _, err := models.ParseResolutionStrategy(string(settings.AutoResolveStrategy)); err != nil {
		settings.AutoResolveStrategy = models.ResolutionStrategyLastModifiedWins
	}
	if settings.MappingVersion == 0 {
		settings.MappingVersion = FinBooksFieldMapping().Version
	}
	return settings
}

func EncodeSettings(settings SyncSettings) []byte {
	b, _ := json.Marshal(settings)
	return b
}
