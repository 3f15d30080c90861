package plaidsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/ledgerlink/finance_backend/config"
	"github.com/ledgerlink/finance_backend/utils"
	"github.com/sirupsen/logrus"
)

// PublishSyncJob puts one whole-user refresh on the sync topic.
func PublishSyncJob(ctx context.Context, job *SyncJob) error {
	topicName := strings.TrimSpace(os.Getenv("PLAID_SYNC_TOPIC"))
	if topicName == "" {
		topicName = "plaid-sync"
	}

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(topicName)
	if envBoolDefault("PLAID_SYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			return err
		}
	}

	data, err := job.Encode()
	if err != nil {
		return err
	}
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

// PubSubPush receives push deliveries for the sync topic. Malformed
// payloads are acked with 204 so a poison pill cannot wedge the
// subscription; processing failures return non-2xx so Pub/Sub redelivers.
func (h *Handlers) PubSubPush(c *gin.Context) {
	if !envBoolDefault("ENABLE_PLAID_PUBSUB_PUSH_ENDPOINT", true) {
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
		config.LogError(h.logger, "plaidsync", "PubSubPush", "unmarshal pubsub envelope", string(body), err)
		c.Status(http.StatusNoContent)
		return
	}

	job, err := DecodeSyncJob(envelope.Message.Data)
	if err != nil || job.UserID == "" {
		if err == nil {
			err = errors.New("user_id is required")
		}
		config.LogError(h.logger, "plaidsync", "PubSubPush", "decode sync job", envelope.Message.ID, err)
		c.Status(http.StatusNoContent)
		return
	}

	syncer := h.getSyncer()
	if syncer == nil {
		// Not ready yet; redeliver.
		c.Status(http.StatusServiceUnavailable)
		return
	}

	ctx := utils.SetUserIdInContext(c.Request.Context(), job.UserID)
	if envelope.Message.ID != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, envelope.Message.ID)
	}

	summary, err := syncer.SyncAllForUser(ctx, job.UserID)
	if err != nil {
		config.LogError(h.logger, "plaidsync", "PubSubPush", "sync all for user", job.UserID, err)
		c.Status(http.StatusInternalServerError)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"user_id":              job.UserID,
		"message_id":           envelope.Message.ID,
		"items_synced":         summary.ItemsSynced,
		"items_failed":         summary.ItemsFailed,
		"transactions_written": summary.TransactionsWritten,
	}).Info("background sync finished")
	c.Status(http.StatusNoContent)
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
