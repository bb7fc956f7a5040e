package finbooksync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/banksync_backend/config"
	"bitbucket.org/mmdatafocus/banksync_backend/utils"
	"bitbucket.org/mmdatafocus/banksync_backend/workflow"
	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const (
	pushHandlerName      = "finbooks-push-run"
	entryPushHandlerName = "finbooks-push-entry"
)

// PublishSyncRun hands a queued run to the worker tier via Pub/Sub.
func PublishSyncRun(ctx context.Context, runId uint, tenantId string, connectionId uint, entryIds []int) error {
	topicName := strings.TrimSpace(os.Getenv("FINBOOKS_SYNC_TOPIC"))
	if topicName == "" {
		topicName = "finbooks-sync"
	}

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(topicName)
	if envBoolDefault("FINBOOKS_SYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			return err
		}
	}

	payload := SyncPubSubPayload{
		RunId:        runId,
		TenantId:     tenantId,
		ConnectionId: connectionId,
		EntryIds:     entryIds,
	}
	data, _ := json.Marshal(payload)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler receives Pub/Sub push deliveries. Malformed envelopes are
// acked (204) since redelivery cannot fix them; transient processing failures
// return 500 so Pub/Sub redelivers. Durable idempotency keys make the
// at-least-once delivery safe.
func PubSubPushHandler(worker *PushWorker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_FINBOOKS_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(http.StatusNoContent)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var payload SyncPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		if payload.RunId == 0 || payload.TenantId == "" {
			c.Status(http.StatusNoContent)
			return
		}

		ctx := utils.SetTenantIdInContext(c.Request.Context(), payload.TenantId)
		db := config.GetDB().WithContext(ctx)

		var skip bool
		err = db.Transaction(func(tx *gorm.DB) error {
			var beginErr error
			skip, beginErr = workflow.BeginIdempotency(tx, payload.TenantId, pushHandlerName, envelope.Message.ID)
			return beginErr
		})
		if err != nil {
			if errors.Is(err, workflow.ErrIdempotencyInProgress) {
				c.Status(http.StatusServiceUnavailable)
				return
			}
			c.Status(http.StatusInternalServerError)
			return
		}
		if skip {
			c.Status(http.StatusNoContent)
			return
		}

		if err := worker.ProcessSyncRun(ctx, payload); err != nil {
			_ = workflow.MarkIdempotencyFailed(db, payload.TenantId, pushHandlerName, envelope.Message.ID, err)
			if utils.ClassifyError(err) == utils.ErrorClassTransient {
				c.Status(http.StatusInternalServerError)
				return
			}
			// Permanent: ack so Pub/Sub stops redelivering; the failure is
			// already recorded on the run and its entries.
			c.Status(http.StatusNoContent)
			return
		}

		_ = workflow.MarkIdempotencySucceeded(db, payload.TenantId, pushHandlerName, envelope.Message.ID)
		c.Status(http.StatusNoContent)
	}
}

// PubSubEntryPushHandler consumes the per-entry messages the outbox
// dispatcher publishes. Same ack/retry contract as the run handler: malformed
// gets acked, transient failures get redelivered.
func PubSubEntryPushHandler(worker *PushWorker) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var msg config.SyncMessage
		if err := json.Unmarshal(envelope.Message.Data, &msg); err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		if msg.TenantId == "" || msg.EntryId == 0 {
			c.Status(http.StatusNoContent)
			return
		}

		ctx := utils.SetTenantIdInContext(c.Request.Context(), msg.TenantId)
		db := config.GetDB().WithContext(ctx)

		var skip bool
		err = db.Transaction(func(tx *gorm.DB) error {
			var beginErr error
			skip, beginErr = workflow.BeginIdempotency(tx, msg.TenantId, entryPushHandlerName, envelope.Message.ID)
			return beginErr
		})
		if err != nil {
			if errors.Is(err, workflow.ErrIdempotencyInProgress) {
				c.Status(http.StatusServiceUnavailable)
				return
			}
			c.Status(http.StatusInternalServerError)
			return
		}
		if skip {
			c.Status(http.StatusNoContent)
			return
		}

		if _, err := worker.PushOne(ctx, msg.EntryId); err != nil {
			_ = workflow.MarkIdempotencyFailed(db, msg.TenantId, entryPushHandlerName, envelope.Message.ID, err)
			if utils.ClassifyError(err) == utils.ErrorClassTransient {
				c.Status(http.StatusInternalServerError)
				return
			}
			c.Status(http.StatusNoContent)
			return
		}

		_ = workflow.MarkIdempotencySucceeded(db, msg.TenantId, entryPushHandlerName, envelope.Message.ID)
		c.Status(http.StatusNoContent)
	}
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
