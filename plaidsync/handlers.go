package plaidsync

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ledgerlink/finance_backend/config"
	"github.com/ledgerlink/finance_backend/utils"
	"github.com/sirupsen/logrus"
)

// Handlers carries the gin handlers for the linking and syncing surface.
// The syncer is swapped in once the database and redis are connected;
// until then requests get 503 (the server starts listening before its
// dependencies are up).
type Handlers struct {
	mu     sync.RWMutex
	syncer *Syncer
	logger *logrus.Logger
}

func NewHandlers(logger *logrus.Logger) *Handlers {
	return &Handlers{logger: logger}
}

func (h *Handlers) SetSyncer(s *Syncer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.syncer = s
}

func (h *Handlers) getSyncer() *Syncer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.syncer
}

func (h *Handlers) requireSyncer(c *gin.Context) (*Syncer, bool) {
	syncer := h.getSyncer()
	if syncer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service is starting, try again shortly"})
		return nil, false
	}
	return syncer, true
}

func requireUserID(c *gin.Context) (string, bool) {
	userID, ok := utils.GetUserIdFromContext(c.Request.Context())
	if !ok || userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user identity missing"})
		return "", false
	}
	return userID, true
}

// verifyUserAccess rejects requests whose path user differs from the
// authenticated user.
func verifyUserAccess(c *gin.Context, pathUserID string) bool {
	userID, ok := requireUserID(c)
	if !ok {
		return false
	}
	if userID != pathUserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied: Can only access your own data"})
		return false
	}
	return true
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrNotFoundOrForbidden):
		return http.StatusNotFound
	case errors.Is(err, ErrSyncInProgress):
		return http.StatusConflict
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) CreateLinkToken(c *gin.Context) {
	syncer, ok := h.requireSyncer(c)
	if !ok {
		return
	}
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	// The body is optional; client_name defaults.
	var req CreateLinkTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	resp, err := syncer.CreateLinkToken(c.Request.Context(), userID, req.ClientName)
	if err != nil {
		config.LogError(h.logger, "plaidsync", "CreateLinkToken", "create link token", userID, err)
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) ExchangePublicToken(c *gin.Context) {
	syncer, ok := h.requireSyncer(c)
	if !ok {
		return
	}
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	var req ExchangePublicTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.PublicToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "public_token is required"})
		return
	}

	resp, err := syncer.ExchangePublicToken(c.Request.Context(), userID, &req)
	if err != nil {
		config.LogError(h.logger, "plaidsync", "ExchangePublicToken", "exchange public token", userID, err)
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) GetAccountsByUser(c *gin.Context) {
	syncer, ok := h.requireSyncer(c)
	if !ok {
		return
	}
	pathUserID := c.Param("user_id")
	if !verifyUserAccess(c, pathUserID) {
		return
	}

	resp, err := syncer.ListAccountsForUser(c.Request.Context(), pathUserID)
	if err != nil {
		config.LogError(h.logger, "plaidsync", "GetAccountsByUser", "list accounts", pathUserID, err)
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) GetUserTransactions(c *gin.Context) {
	syncer, ok := h.requireSyncer(c)
	if !ok {
		return
	}
	pathUserID := c.Param("user_id")
	if !verifyUserAccess(c, pathUserID) {
		return
	}
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
		return
	}

	resp, err := syncer.ListTransactionsForUser(c.Request.Context(), pathUserID, days)
	if err != nil {
		config.LogError(h.logger, "plaidsync", "GetUserTransactions", "list transactions", pathUserID, err)
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) SyncItem(c *gin.Context) {
	syncer, ok := h.requireSyncer(c)
	if !ok {
		return
	}
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	itemID := c.Param("item_id")

	count, err := syncer.SyncItem(c.Request.Context(), userID, itemID)
	if err != nil {
		config.LogError(h.logger, "plaidsync", "SyncItem", "sync item", itemID, err)
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, SyncResponse{
		Message:          fmt.Sprintf("Successfully synced %d transactions", count),
		TransactionCount: count,
	})
}

func (h *Handlers) RemoveItem(c *gin.Context) {
	syncer, ok := h.requireSyncer(c)
	if !ok {
		return
	}
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	itemID := c.Param("item_id")

	if err := syncer.RemoveItem(c.Request.Context(), userID, itemID); err != nil {
		config.LogError(h.logger, "plaidsync", "RemoveItem", "remove item", itemID, err)
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Bank item removed successfully"})
}

func (h *Handlers) GetInvestmentHoldings(c *gin.Context) {
	syncer, ok := h.requireSyncer(c)
	if !ok {
		return
	}
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	itemID := c.Param("item_id")

	resp, err := syncer.GetInvestmentHoldings(c.Request.Context(), userID, itemID)
	if err != nil {
		config.LogError(h.logger, "plaidsync", "GetInvestmentHoldings", "fetch holdings", itemID, err)
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) GetInvestmentTransactions(c *gin.Context) {
	syncer, ok := h.requireSyncer(c)
	if !ok {
		return
	}
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	itemID := c.Param("item_id")
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
		return
	}

	resp, err := syncer.GetInvestmentTransactions(c.Request.Context(), userID, itemID, days)
	if err != nil {
		config.LogError(h.logger, "plaidsync", "GetInvestmentTransactions", "fetch investment transactions", itemID, err)
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// DebugAuth echoes the authenticated claims. Registered outside production
// only.
func (h *Handlers) DebugAuth(c *gin.Context) {
	userID, _ := utils.GetUserIdFromContext(c.Request.Context())
	email, _ := utils.GetEmailFromContext(c.Request.Context())
	role, _ := utils.GetRoleFromContext(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"user_id":   userID,
		"email":     email,
		"role":      role,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type EnqueueSyncRequest struct {
	UserID string `json:"user_id"`
}

// EnqueueUserSyncs publishes one SyncJob per user: the requested user, or
// every user with linked items when the body names none. Ops-key guarded.
func (h *Handlers) EnqueueUserSyncs(c *gin.Context) {
	syncer, ok := h.requireSyncer(c)
	if !ok {
		return
	}

	var req EnqueueSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var userIds []string
	if req.UserID != "" {
		userIds = []string{req.UserID}
	} else {
		var err error
		userIds, err = syncer.UserIdsWithItems(c.Request.Context())
		if err != nil {
			config.LogError(h.logger, "plaidsync", "EnqueueUserSyncs", "list users with items", nil, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list users"})
			return
		}
	}

	published := 0
	for _, userID := range userIds {
		if err := PublishSyncJob(c.Request.Context(), &SyncJob{UserID: userID}); err != nil {
			config.LogError(h.logger, "plaidsync", "EnqueueUserSyncs", "publish sync job", userID, err)
			continue
		}
		published++
	}
	c.JSON(http.StatusOK, gin.H{
		"message":        "sync jobs enqueued",
		"users_enqueued": published,
	})
}
