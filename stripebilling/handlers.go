package stripebilling

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/ledgerlink/finance_backend/config"
	"github.com/ledgerlink/finance_backend/utils"
	"github.com/sirupsen/logrus"
)

// Handlers adapts the billing service to gin. The service is swapped in
// once storage is connected, so routes can be registered before the
// database is up.
type Handlers struct {
	mu      sync.RWMutex
	service *Service
	logger  *logrus.Logger
}

func NewHandlers(logger *logrus.Logger) *Handlers {
	return &Handlers{logger: logger}
}

func (h *Handlers) SetService(s *Service) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.service = s
}

func (h *Handlers) getService() *Service {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.service
}

func (h *Handlers) requireService(c *gin.Context) (*Service, bool) {
	s := h.getService()
	if s == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service is starting, try again shortly"})
		return nil, false
	}
	return s, true
}

func requireUserID(c *gin.Context) (string, bool) {
	userID, ok := utils.GetUserIdFromContext(c.Request.Context())
	if !ok || userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user identity missing"})
		return "", false
	}
	return userID, true
}

type CheckoutSessionRequest struct {
	Plan string `json:"plan"`
}

func (h *Handlers) CreateCheckoutSession(c *gin.Context) {
	service, ok := h.requireService(c)
	if !ok {
		return
	}
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	var req CheckoutSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Plan == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "plan is required"})
		return
	}

	session, err := service.CreateCheckoutSession(c.Request.Context(), userID, req.Plan)
	if err != nil {
		config.LogError(h.logger, "stripebilling", "CreateCheckoutSession", "create checkout session", req.Plan, err)
		switch {
		case errors.Is(err, ErrInvalidPlan):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, utils.ErrorRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create checkout session"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": session.ID, "url": session.URL})
}

// Webhook receives Stripe deliveries. No JWT here; authenticity comes from
// the signature.
func (h *Handlers) Webhook(c *gin.Context) {
	service, ok := h.requireService(c)
	if !ok {
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing stripe-signature header"})
		return
	}

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read request body"})
		return
	}

	result, err := service.HandleWebhook(c.Request.Context(), payload, signature)
	if err != nil {
		config.LogError(h.logger, "stripebilling", "Webhook", "process webhook", signature, err)
		if errors.Is(err, ErrInvalidSignature) || errors.Is(err, ErrMissingSignature) || errors.Is(err, ErrInvalidPayload) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error processing webhook"})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"event_id":   result.EventID,
		"event_type": result.EventType,
		"duplicate":  result.Duplicate,
		"handled":    result.Handled,
	}).Info("webhook processed")
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handlers) SubscriptionStatus(c *gin.Context) {
	service, ok := h.requireService(c)
	if !ok {
		return
	}
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	status, err := service.SubscriptionStatus(c.Request.Context(), userID)
	if err != nil {
		config.LogError(h.logger, "stripebilling", "SubscriptionStatus", "fetch subscription status", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handlers) BillingPortal(c *gin.Context) {
	service, ok := h.requireService(c)
	if !ok {
		return
	}
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	session, err := service.CreatePortalSession(c.Request.Context(), userID)
	if err != nil {
		config.LogError(h.logger, "stripebilling", "BillingPortal", "create portal session", userID, err)
		switch {
		case errors.Is(err, ErrNoBillingAccount):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, utils.ErrorRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create billing portal session"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": session.URL})
}
