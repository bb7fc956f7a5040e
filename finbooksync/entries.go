package finbooksync

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/banksync_backend/config"
	"bitbucket.org/mmdatafocus/banksync_backend/models"
	"bitbucket.org/mmdatafocus/banksync_backend/utils"
	"github.com/gin-gonic/gin"
)

// Entry mutations are the producer side of the sync pipeline: each write
// lands an outbox record in the same transaction, and the dispatcher turns
// it into a push run trigger.

func CreateEntryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _, err := tenantContext(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var input models.NewLedgerEntry
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}

		entry, created, err := models.CreateLedgerEntry(ctx, &input)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		status := http.StatusCreated
		if !created {
			// Same bank line imported twice; hand back the surviving row.
			status = http.StatusOK
		}
		c.JSON(status, entry)
	}
}

type categorizeEntryRequest struct {
	AccountCode string `json:"accountCode" binding:"required"`
}

func CategorizeEntryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _, err := tenantContext(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entry id"})
			return
		}

		var req categorizeEntryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}

		entry, err := models.UpdateLedgerEntryAccountCode(ctx, id, req.AccountCode)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, entry)
	}
}

func DeleteEntryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _, err := tenantContext(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entry id"})
			return
		}

		if _, err := models.DeleteLedgerEntry(ctx, id); err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func ListEntriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, tenantId, err := tenantContext(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		limit := 50
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
				limit = n
			}
		}

		q := config.GetDB().WithContext(ctx).
			Where("tenant_id = ? AND is_deleted = 0", tenantId)
		if v := strings.TrimSpace(c.Query("sync_status")); v != "" {
			q = q.Where("sync_status = ?", strings.ToUpper(v))
		}
		if v := strings.TrimSpace(c.Query("bank_account_id")); v != "" {
			if accountId, err := strconv.Atoi(v); err == nil {
				q = q.Where("bank_account_id = ?", accountId)
			}
		}

		var entries []models.LedgerEntry
		if err := q.Order("transaction_date DESC, id DESC").Limit(limit).Find(&entries).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": entries})
	}
}
