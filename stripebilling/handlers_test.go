package stripebilling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ledgerlink/finance_backend/models"
	"github.com/ledgerlink/finance_backend/utils"
	"github.com/sirupsen/logrus"
)

func newBillingRouter(h *Handlers, userID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	api := router.Group("/api")
	// The webhook is registered outside the auth group, like server.go does.
	api.POST("/stripe/webhook", h.Webhook)

	authed := api.Group("")
	if userID != "" {
		authed.Use(func(c *gin.Context) {
			ctx := utils.SetUserIdInContext(c.Request.Context(), userID)
			c.Request = c.Request.WithContext(ctx)
			c.Next()
		})
	}
	authed.POST("/stripe/create-checkout-session", h.CreateCheckoutSession)
	authed.GET("/stripe/subscription/status", h.SubscriptionStatus)
	authed.POST("/billing/portal", h.BillingPortal)
	return router
}

func setupBillingHandlers(t *testing.T, profiles ProfileStore) *Handlers {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	h := NewHandlers(logger)
	h.SetService(newTestService(&fakePayments{portalURL: "https://billing.stripe.com/p/session_1"}, profiles, newFakeEvents()))
	return h
}

func billingRequest(router *gin.Engine, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCheckoutEndpointValidatesPlan(t *testing.T) {
	h := setupBillingHandlers(t, newFakeProfiles(&models.Profile{UserId: "user-a", Email: "a@example.com"}))
	router := newBillingRouter(h, "user-a")

	w := billingRequest(router, http.MethodPost, "/api/stripe/create-checkout-session", `{}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing plan, got %d", w.Code)
	}

	w = billingRequest(router, http.MethodPost, "/api/stripe/create-checkout-session", `{"plan":"price_raw_id"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown plan, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCheckoutEndpointReturnsURL(t *testing.T) {
	h := setupBillingHandlers(t, newFakeProfiles(&models.Profile{UserId: "user-a", Email: "a@example.com"}))
	router := newBillingRouter(h, "user-a")

	w := billingRequest(router, http.MethodPost, "/api/stripe/create-checkout-session", `{"plan":"pro_monthly"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		SessionID string `json:"session_id"`
		URL       string `json:"url"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionID == "" || resp.URL == "" {
		t.Fatalf("unexpected response: %s", w.Body.String())
	}
}

func TestWebhookEndpointRequiresSignatureHeader(t *testing.T) {
	h := setupBillingHandlers(t, newFakeProfiles())
	router := newBillingRouter(h, "")

	w := billingRequest(router, http.MethodPost, "/api/stripe/webhook", `{"id":"evt_1"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Missing stripe-signature header") {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestWebhookEndpointRejectsBadSignature(t *testing.T) {
	h := setupBillingHandlers(t, newFakeProfiles())
	router := newBillingRouter(h, "")

	w := billingRequest(router, http.MethodPost, "/api/stripe/webhook", `{"id":"evt_1","type":"invoice.paid"}`,
		map[string]string{"Stripe-Signature": "t=123,v1=deadbeef"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestWebhookEndpointAcksSignedDelivery(t *testing.T) {
	profiles := newFakeProfiles(&models.Profile{UserId: "user-a", Email: "a@example.com"})
	h := setupBillingHandlers(t, profiles)
	router := newBillingRouter(h, "")

	body := checkoutCompletedEvent("evt_http", "user-a")
	header := SignPayload([]byte(body), "whsec_test", time.Now())
	w := billingRequest(router, http.MethodPost, "/api/stripe/webhook", body,
		map[string]string{"Stripe-Signature": header})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"status":"success"`) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
	if !profiles.byUser["user-a"].IsPro {
		t.Fatal("expected the delivery to upgrade the profile")
	}
}

func TestSubscriptionStatusEndpointReflectsProfile(t *testing.T) {
	profiles := newFakeProfiles(&models.Profile{
		UserId:             "user-a",
		Email:              "a@example.com",
		IsPro:              true,
		SubscriptionStatus: "active",
	})
	h := setupBillingHandlers(t, profiles)
	router := newBillingRouter(h, "user-a")

	w := billingRequest(router, http.MethodGet, "/api/stripe/subscription/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp SubscriptionStatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.IsPro || resp.Status != "active" || resp.Plan != "Pro Plan" {
		t.Fatalf("unexpected response: %s", w.Body.String())
	}
}

func TestBillingPortalEndpointRequiresCustomer(t *testing.T) {
	h := setupBillingHandlers(t, newFakeProfiles(&models.Profile{UserId: "user-a", Email: "a@example.com"}))
	router := newBillingRouter(h, "user-a")

	w := billingRequest(router, http.MethodPost, "/api/billing/portal", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a stripe customer, got %d", w.Code)
	}
}
