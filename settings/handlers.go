package settings

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/ledgerlink/finance_backend/config"
	"github.com/ledgerlink/finance_backend/models"
	"github.com/ledgerlink/finance_backend/utils"
	"github.com/sirupsen/logrus"
)

// Handlers adapts the settings service to gin. The service is swapped in
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

// GetProfile handles GET /api/settings/profile. The profile row is created
// with defaults on first touch.
func (h *Handlers) GetProfile(c *gin.Context) {
	service, ok := h.requireService(c)
	if !ok {
		return
	}
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	profile, err := service.Profile(c.Request.Context())
	if err != nil {
		config.LogError(h.logger, "settings", "GetProfile", "load profile", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve profile"})
		return
	}
	c.JSON(http.StatusOK, profile)
}

// UpdateProfile handles PUT /api/settings/profile.
func (h *Handlers) UpdateProfile(c *gin.Context) {
	service, ok := h.requireService(c)
	if !ok {
		return
	}
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	var input models.UpdateProfileInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	profile, err := service.UpdateProfile(c.Request.Context(), &input)
	if err != nil {
		config.LogError(h.logger, "settings", "UpdateProfile", "update profile", userID, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, profile)
}

// GetNotifications handles GET /api/settings/notifications.
func (h *Handlers) GetNotifications(c *gin.Context) {
	service, ok := h.requireService(c)
	if !ok {
		return
	}
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	settings, err := service.Notifications(c.Request.Context())
	if err != nil {
		config.LogError(h.logger, "settings", "GetNotifications", "load notifications", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve notification settings"})
		return
	}
	c.JSON(http.StatusOK, settings)
}

// UpdateNotifications handles PUT /api/settings/notifications.
func (h *Handlers) UpdateNotifications(c *gin.Context) {
	service, ok := h.requireService(c)
	if !ok {
		return
	}
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	var input models.UpdateNotificationsInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	settings, err := service.UpdateNotifications(c.Request.Context(), &input)
	if err != nil {
		config.LogError(h.logger, "settings", "UpdateNotifications", "update notifications", userID, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":  "Notification settings updated",
		"settings": settings,
	})
}

// GetPreferences handles GET /api/settings/preferences.
func (h *Handlers) GetPreferences(c *gin.Context) {
	service, ok := h.requireService(c)
	if !ok {
		return
	}
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	prefs, err := service.Preferences(c.Request.Context())
	if err != nil {
		config.LogError(h.logger, "settings", "GetPreferences", "load preferences", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve preferences"})
		return
	}
	c.JSON(http.StatusOK, prefs)
}

// UpdatePreferences handles PUT /api/settings/preferences.
func (h *Handlers) UpdatePreferences(c *gin.Context) {
	service, ok := h.requireService(c)
	if !ok {
		return
	}
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	var input models.UpdatePreferencesInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	prefs, err := service.UpdatePreferences(c.Request.Context(), &input)
	if err != nil {
		config.LogError(h.logger, "settings", "UpdatePreferences", "update preferences", userID, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":     "Preferences updated",
		"preferences": prefs,
	})
}

// UploadAvatar handles POST /api/settings/avatar.
func (h *Handlers) UploadAvatar(c *gin.Context) {
	service, ok := h.requireService(c)
	if !ok {
		return
	}
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	var input AvatarUpload
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	profile, err := service.UpdateAvatar(c.Request.Context(), userID, &input)
	if err != nil {
		if errors.Is(err, ErrInvalidAvatar) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, ErrStorageNotConfigured) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage is not configured"})
			return
		}
		config.LogError(h.logger, "settings", "UploadAvatar", "upload avatar", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to upload avatar"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":    "Avatar updated",
		"avatar_url": profile.AvatarURL,
	})
}

// ExportData handles POST /api/data/export. The archive is streamed unless
// object storage is configured, in which case it is uploaded and answered
// with a signed download link.
func (h *Handlers) ExportData(c *gin.Context) {
	service, ok := h.requireService(c)
	if !ok {
		return
	}
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	format, err := NormalizeExportFormat(c.Query("format"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	archive, err := service.ExportData(c.Request.Context(), userID, format)
	if err != nil {
		config.LogError(h.logger, "settings", "ExportData", "build archive", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Data export failed"})
		return
	}

	if service.StorageConfigured() {
		link, err := service.UploadExport(c.Request.Context(), userID, archive)
		if err != nil {
			config.LogError(h.logger, "settings", "ExportData", "upload archive", userID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Data export failed"})
			return
		}
		c.JSON(http.StatusOK, link)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", archive.Filename))
	c.Data(http.StatusOK, archive.ContentType, archive.Data)
}

// DeleteAccount handles DELETE /api/account.
func (h *Handlers) DeleteAccount(c *gin.Context) {
	service, ok := h.requireService(c)
	if !ok {
		return
	}
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	if err := service.DeleteAccount(c.Request.Context(), userID); err != nil {
		config.LogError(h.logger, "settings", "DeleteAccount", "delete account", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Account deletion failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Account deleted successfully"})
}
