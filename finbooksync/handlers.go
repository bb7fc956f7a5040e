package finbooksync

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/banksync_backend/config"
	"bitbucket.org/mmdatafocus/banksync_backend/models"
	"bitbucket.org/mmdatafocus/banksync_backend/utils"
	"bitbucket.org/mmdatafocus/banksync_backend/workflow"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _, err := tenantContext(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		conn, err := GetConnection(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if conn == nil {
			c.JSON(http.StatusOK, StatusResponse{
				Connection: ConnectionResponse{Status: models.IntegrationStatusDisconnected},
				Settings:   DefaultSettings(),
			})
			return
		}

		c.JSON(http.StatusOK, StatusResponse{
			Connection: ConnectionResponse{
				Status:           conn.Status,
				RemoteTenantId:   conn.RemoteTenantId,
				RemoteTenantName: conn.RemoteTenantName,
			},
			LastSyncAt:        formatTime(conn.LastSyncAt),
			LastSuccessSyncAt: formatTime(conn.LastSuccessSyncAt),
			Settings:          DecodeSettings(conn.SettingsJSON),
		})
	}
}

func ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, tenantId, err := tenantContext(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req ConnectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}

		db := config.GetDB().WithContext(ctx)
		conn, err := GetConnection(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		now := time.Now()
		remoteTenantName := strings.TrimSpace(req.RemoteTenantName)
		if remoteTenantName == "" {
			remoteTenantName = req.RemoteTenantId
		}

		if conn == nil {
			conn = &models.IntegrationConnection{
				TenantId:         tenantId,
				Provider:         models.IntegrationProviderFinBooks,
				Status:           models.IntegrationStatusConnected,
				AuthType:         "api_key",
				AuthSecretRef:    req.APIKey,
				RemoteTenantId:   req.RemoteTenantId,
				RemoteTenantName: remoteTenantName,
				SettingsJSON:     EncodeSettings(DefaultSettings()),
				UpdatedAt:        now,
			}
			if err := db.Create(conn).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else {
			update := map[string]interface{}{
				"status":             models.IntegrationStatusConnected,
				"auth_type":          "api_key",
				"auth_secret_ref":    req.APIKey,
				"remote_tenant_id":   req.RemoteTenantId,
				"remote_tenant_name": remoteTenantName,
				"updated_at":         now,
			}
			if len(conn.SettingsJSON) == 0 {
				update["settings_json"] = EncodeSettings(DefaultSettings())
			}
			if err := db.Model(conn).Updates(update).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _, err := tenantContext(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		conn, err := GetConnection(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}

		if err := config.GetDB().WithContext(ctx).Model(conn).Updates(map[string]interface{}{
			"status":          models.IntegrationStatusDisconnected,
			"auth_secret_ref": "",
			"updated_at":      time.Now(),
		}).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func UpdateSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, tenantId, err := tenantContext(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req UpdateSettingsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		strategy, err := models.ParseResolutionStrategy(req.AutoResolveStrategy)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		settings := SyncSettings{
			AutoResolveStrategy: strategy,
			MappingVersion:      FinBooksFieldMapping().Version,
		}

		db := config.GetDB().WithContext(ctx)
		conn, err := GetConnection(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if conn == nil {
			conn = &models.IntegrationConnection{
				TenantId:     tenantId,
				Provider:     models.IntegrationProviderFinBooks,
				Status:       models.IntegrationStatusDisconnected,
				SettingsJSON: EncodeSettings(settings),
			}
			if err := db.Create(conn).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else {
			if err := db.Model(conn).Updates(map[string]interface{}{
				"settings_json": EncodeSettings(settings),
				"updated_at":    time.Now(),
			}).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, tenantId, err := tenantContext(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		// Body is optional: an empty trigger pushes everything pending.
		var req TriggerSyncRequest
		_ = c.ShouldBindJSON(&req)

		conn, err := GetConnection(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil || conn.Status != models.IntegrationStatusConnected {
			c.JSON(http.StatusConflict, gin.H{"error": "finbooks is not connected"})
			return
		}

		run := models.IntegrationSyncRun{
			TenantId:     tenantId,
			ConnectionId: conn.ID,
			Provider:     models.IntegrationProviderFinBooks,
			Status:       models.SyncRunStatusQueued,
			TriggeredBy:  models.SyncTriggeredManual,
		}
		if err := config.GetDB().WithContext(ctx).Create(&run).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		_ = PublishSyncRun(ctx, run.ID, tenantId, conn.ID, req.EntryIds)

		c.JSON(http.StatusOK, gin.H{"id": run.ID})
	}
}

func SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, tenantId, err := tenantContext(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		var runs []models.IntegrationSyncRun
		if err := config.GetDB().WithContext(ctx).
			Where("tenant_id = ? AND provider = ?", tenantId, models.IntegrationProviderFinBooks).
			Order("id desc").
			Limit(limit).
			Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

func SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, tenantId, err := tenantContext(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB().WithContext(ctx)
		var run models.IntegrationSyncRun
		if err := db.Where("id = ? AND tenant_id = ?", id, tenantId).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var errs []models.IntegrationSyncError
		if err := db.Where("sync_run_id = ?", run.ID).Order("id desc").Find(&errs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(run),
			Errors:          mapErrors(errs),
		})
	}
}

func RetrySyncRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, tenantId, err := tenantContext(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB().WithContext(ctx)
		var run models.IntegrationSyncRun
		if err := db.Where("id = ? AND tenant_id = ?", id, tenantId).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		newRun := models.IntegrationSyncRun{
			TenantId:     tenantId,
			ConnectionId: run.ConnectionId,
			Provider:     run.Provider,
			Status:       models.SyncRunStatusQueued,
			TriggeredBy:  models.SyncTriggeredRetry,
			ParentRunId:  &run.ID,
		}
		if err := db.Create(&newRun).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		_ = PublishSyncRun(ctx, newRun.ID, tenantId, run.ConnectionId, nil)

		c.JSON(http.StatusOK, gin.H{"id": newRun.ID})
	}
}

func ListConflictsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _, err := tenantContext(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var status *models.ConflictStatus
		if v := strings.TrimSpace(c.Query("status")); v != "" {
			s := models.ConflictStatus(strings.ToUpper(v))
			status = &s
		}
		limit, _ := strconv.Atoi(c.Query("limit"))

		conflicts, err := models.ListSyncConflicts(ctx, status, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": conflicts})
	}
}

func ResolveConflictHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _, err := tenantContext(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conflict id"})
			return
		}

		var req ResolveConflictRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		strategy, err := models.ParseResolutionStrategy(req.Strategy)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		conflict, resolution, err := ResolveManually(ctx, id, strategy, req.WinningSide)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"conflict":    conflict,
			"winningSide": resolution.WinningSide,
		})
	}
}

// AutoResolveConflictHandler applies a non-interactive strategy to a PENDING
// conflict. resolved=false means the strategy could not decide and the
// conflict is still waiting for a human.
func AutoResolveConflictHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _, err := tenantContext(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conflict id"})
			return
		}

		var req ResolveConflictRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		strategy, err := models.ParseResolutionStrategy(req.Strategy)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resolved, resolution, err := AutoResolve(ctx, id, strategy)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"resolved":    resolved,
			"winningSide": resolution.WinningSide,
		})
	}
}

func ReconcileHandler(engine *workflow.ReconciliationEngine) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _, err := tenantContext(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var input workflow.ReconcileInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}

		rec, err := engine.Reconcile(ctx, &input)
		if err != nil {
			switch {
			case errors.Is(err, workflow.ErrPeriodAlreadyReconciled):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			case errors.Is(err, workflow.ErrReconcileInProgress):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

func UnmatchedHandler(engine *workflow.ReconciliationEngine) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _, err := tenantContext(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reconciliation id"})
			return
		}

		entries, err := engine.GetUnmatched(ctx, id)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": entries})
	}
}

func MatchHandler(engine *workflow.ReconciliationEngine) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _, err := tenantContext(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reconciliation id"})
			return
		}

		var req MatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}

		if err := engine.MatchTransactions(ctx, id, req.EntryIds); err != nil {
			switch {
			case errors.Is(err, utils.ErrorRecordNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			case errors.Is(err, workflow.ErrPeriodAlreadyReconciled):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func NextSequenceHandler(counter workflow.AtomicCounter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, tenantId, err := tenantContext(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req SequenceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}

		value, err := counter.Next(ctx, tenantId, req.Scope, req.Period)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"value": value})
	}
}

func ReserveSequenceHandler(counter workflow.AtomicCounter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, tenantId, err := tenantContext(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req SequenceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		if req.Count <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "count must be positive"})
			return
		}

		start, err := counter.Reserve(ctx, tenantId, req.Scope, req.Period, req.Count)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"start": start, "count": req.Count})
	}
}

// tenantContext resolves the tenant for a request: the authenticated tenant
// from middleware, or an explicit tenant_id query param for admin callers.
func tenantContext(c *gin.Context) (context.Context, string, error) {
	ctx := c.Request.Context()

	if override := strings.TrimSpace(c.Query("tenant_id")); override != "" {
		isAdmin, _ := utils.GetIsAdminFromContext(ctx)
		if !isAdmin {
			return ctx, "", errors.New("unauthorized")
		}
		return utils.SetTenantIdInContext(ctx, override), override, nil
	}

	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || strings.TrimSpace(tenantId) == "" {
		return ctx, "", errors.New("tenant id is required")
	}
	return ctx, tenantId, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run models.IntegrationSyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:            run.ID,
		Status:        run.Status,
		StartedAt:     formatTime(run.StartedAt),
		FinishedAt:    formatTime(run.FinishedAt),
		DurationMs:    run.DurationMs,
		RecordsSynced: run.RecordsSynced,
		SkippedCount:  run.SkippedCount,
		ErrorCount:    run.ErrorCount,
		TriggeredBy:   run.TriggeredBy,
	}
}

func mapErrors(errorsList []models.IntegrationSyncError) []SyncErrorResponse {
	out := make([]SyncErrorResponse, 0, len(errorsList))
	for _, errItem := range errorsList {
		out = append(out, SyncErrorResponse{
			ID:         errItem.ID,
			EntityType: errItem.EntityType,
			EntityId:   errItem.EntityId,
			Message:    errItem.Message,
			Retryable:  errItem.Retryable,
		})
	}
	return out
}
