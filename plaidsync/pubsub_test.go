package plaidsync

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func newPushRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/pubsub/plaid-sync", h.PubSubPush)
	return router
}

func pushEnvelope(t *testing.T, job *SyncJob, messageID string) string {
	t.Helper()
	var envelope PubSubPushEnvelope
	if job != nil {
		data, err := job.Encode()
		if err != nil {
			t.Fatalf("encode job: %v", err)
		}
		envelope.Message.Data = data
	}
	envelope.Message.ID = messageID
	envelope.Subscription = "projects/test/subscriptions/plaid-sync"
	raw, err := json.Marshal(&envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return string(raw)
}

func TestPubSubPushAcksMalformedEnvelope(t *testing.T) {
	h, _ := setupHandlers(t, &fakeClient{})
	router := newPushRouter(h)

	w := doRequest(router, http.MethodPost, "/pubsub/plaid-sync", "definitely not json")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for a poison pill, got %d", w.Code)
	}
}

func TestPubSubPushAcksMissingUser(t *testing.T) {
	h, _ := setupHandlers(t, &fakeClient{})
	router := newPushRouter(h)

	w := doRequest(router, http.MethodPost, "/pubsub/plaid-sync", pushEnvelope(t, &SyncJob{}, "m-1"))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for an empty user id, got %d", w.Code)
	}
}

func TestPubSubPushRedeliversBeforeReady(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	h := NewHandlers(logger)
	router := newPushRouter(h)

	w := doRequest(router, http.MethodPost, "/pubsub/plaid-sync", pushEnvelope(t, &SyncJob{UserID: "user-a"}, "m-1"))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 so the message is redelivered, got %d", w.Code)
	}
}

func TestPubSubPushRunsWholeUserSync(t *testing.T) {
	today := time.Now().Format("2006-01-02")
	client := &fakeClient{
		getTransactionsFn: func(ctx context.Context, accessToken string, start, end time.Time) ([]TransactionData, error) {
			return []TransactionData{testTransaction("txn-1", "4.25", today)}, nil
		},
	}
	h, store := setupHandlers(t, client)
	seedItem(t, store, "user-a", "item-1", "tok-1")
	router := newPushRouter(h)

	w := doRequest(router, http.MethodPost, "/pubsub/plaid-sync", pushEnvelope(t, &SyncJob{UserID: "user-a"}, "m-1"))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	transactions, _ := store.ListTransactions(context.Background(), "user-a", time.Time{})
	if len(transactions) != 1 {
		t.Fatalf("expected the push to mirror transactions, got %d", len(transactions))
	}
}

func TestPubSubPushDisabledByEnv(t *testing.T) {
	t.Setenv("ENABLE_PLAID_PUBSUB_PUSH_ENDPOINT", "false")
	h, store := setupHandlers(t, &fakeClient{})
	seedItem(t, store, "user-a", "item-1", "tok-1")
	router := newPushRouter(h)

	w := doRequest(router, http.MethodPost, "/pubsub/plaid-sync", pushEnvelope(t, &SyncJob{UserID: "user-a"}, "m-1"))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 when the endpoint is disabled, got %d", w.Code)
	}
	item, _ := store.GetBankItem(context.Background(), "user-a", "item-1")
	if item.LastSyncedAt != nil {
		t.Fatal("expected no sync to run while disabled")
	}
}
