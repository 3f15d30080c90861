package settings

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ledgerlink/finance_backend/plaidsync"
	"github.com/ledgerlink/finance_backend/utils"
	"github.com/sirupsen/logrus"
)

func newSettingsRouter(h *Handlers, userID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	api := router.Group("/api")
	if userID != "" {
		api.Use(func(c *gin.Context) {
			ctx := utils.SetUserIdInContext(c.Request.Context(), userID)
			ctx = utils.SetEmailInContext(ctx, userID+"@example.com")
			c.Request = c.Request.WithContext(ctx)
			c.Next()
		})
	}
	api.GET("/settings/profile", h.GetProfile)
	api.PUT("/settings/profile", h.UpdateProfile)
	api.GET("/settings/notifications", h.GetNotifications)
	api.PUT("/settings/notifications", h.UpdateNotifications)
	api.GET("/settings/preferences", h.GetPreferences)
	api.PUT("/settings/preferences", h.UpdatePreferences)
	api.POST("/settings/avatar", h.UploadAvatar)
	api.POST("/data/export", h.ExportData)
	api.DELETE("/account", h.DeleteAccount)
	return router
}

func setupSettingsHandlers(t *testing.T, storage ObjectStorage) (*Handlers, *fakeProfileStore, *plaidsync.MemoryStore) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	h := NewHandlers(logger)
	service, profiles, store := newTestSettings(storage)
	h.SetService(service)
	return h, profiles, store
}

func settingsRequest(router *gin.Engine, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSettingsEndpointsUnavailableBeforeService(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	h := NewHandlers(logger)
	router := newSettingsRouter(h, "user-a")

	w := settingsRequest(router, http.MethodGet, "/api/settings/profile", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before the service is ready, got %d", w.Code)
	}
}

func TestSettingsEndpointsRequireIdentity(t *testing.T) {
	h, _, _ := setupSettingsHandlers(t, nil)
	router := newSettingsRouter(h, "")

	w := settingsRequest(router, http.MethodGet, "/api/settings/profile", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", w.Code)
	}
}

func TestGetProfileCreatesDefaults(t *testing.T) {
	h, _, _ := setupSettingsHandlers(t, nil)
	router := newSettingsRouter(h, "user-a")

	w := settingsRequest(router, http.MethodGet, "/api/settings/profile", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var profile struct {
		UserID       string `json:"user_id"`
		Email        string `json:"email"`
		PrefTheme    string `json:"pref_theme"`
		PrefCurrency string `json:"pref_currency"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &profile); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if profile.UserID != "user-a" || profile.Email != "user-a@example.com" {
		t.Fatalf("unexpected profile identity: %+v", profile)
	}
	if profile.PrefTheme != "system" || profile.PrefCurrency != "USD" {
		t.Fatalf("unexpected profile defaults: %+v", profile)
	}
}

func TestUpdateProfileEndpoint(t *testing.T) {
	h, _, _ := setupSettingsHandlers(t, nil)
	router := newSettingsRouter(h, "user-a")

	w := settingsRequest(router, http.MethodPut, "/api/settings/profile", `{"full_name":"Ada Lovelace"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"full_name":"Ada Lovelace"`) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}

	w = settingsRequest(router, http.MethodPut, "/api/settings/profile", `{"email":"not-an-email"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad email, got %d", w.Code)
	}
}

func TestUpdateNotificationsEndpoint(t *testing.T) {
	h, _, _ := setupSettingsHandlers(t, nil)
	router := newSettingsRouter(h, "user-a")

	w := settingsRequest(router, http.MethodPut, "/api/settings/notifications", `{"emailWeekly":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "Notification settings updated") {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"emailWeekly":false`) {
		t.Fatalf("expected the updated settings in the body: %s", w.Body.String())
	}
}

func TestUpdatePreferencesEndpoint(t *testing.T) {
	h, _, _ := setupSettingsHandlers(t, nil)
	router := newSettingsRouter(h, "user-a")

	w := settingsRequest(router, http.MethodPut, "/api/settings/preferences", `{"theme":"dark","currency":"eur"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "Preferences updated") {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"currency":"EUR"`) {
		t.Fatalf("expected the currency to be upcased: %s", w.Body.String())
	}
}

func TestAvatarEndpoint(t *testing.T) {
	h, _, _ := setupSettingsHandlers(t, newFakeStorage())
	router := newSettingsRouter(h, "user-a")

	encoded := base64.StdEncoding.EncodeToString(testPNG(t, 64, 64))
	body, err := json.Marshal(gin.H{"image_data": encoded})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	w := settingsRequest(router, http.MethodPost, "/api/settings/avatar", string(body))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !strings.HasPrefix(resp.AvatarURL, "https://cdn.test/avatars/user-a/") {
		t.Fatalf("unexpected avatar url %q", resp.AvatarURL)
	}

	w = settingsRequest(router, http.MethodPost, "/api/settings/avatar", `{"image_data":"bm90IGFuIGltYWdl"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-image, got %d", w.Code)
	}
}

func TestExportEndpointStreamsZip(t *testing.T) {
	h, _, store := setupSettingsHandlers(t, nil)
	seedMirror(t, store, "user-a")
	router := newSettingsRouter(h, "user-a")

	w := settingsRequest(router, http.MethodPost, "/api/data/export", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); got != "application/zip" {
		t.Fatalf("unexpected content type %q", got)
	}
	if got := w.Header().Get("Content-Disposition"); !strings.Contains(got, "ledgerlink-export.zip") {
		t.Fatalf("unexpected content disposition %q", got)
	}
	files := readZip(t, w.Body.Bytes())
	if _, ok := files["transactions.csv"]; !ok {
		t.Fatal("streamed archive is missing transactions.csv")
	}
}

func TestExportEndpointReturnsLinkWhenStorageConfigured(t *testing.T) {
	h, _, store := setupSettingsHandlers(t, newFakeStorage())
	seedMirror(t, store, "user-a")
	router := newSettingsRouter(h, "user-a")

	w := settingsRequest(router, http.MethodPost, "/api/data/export", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var link ExportLink
	if err := json.Unmarshal(w.Body.Bytes(), &link); err != nil {
		t.Fatalf("decode link: %v", err)
	}
	if !strings.HasPrefix(link.URL, "https://signed.test/exports/user-a/") {
		t.Fatalf("unexpected link url %q", link.URL)
	}
	if time.Until(link.ExpiresAt) <= 0 {
		t.Fatalf("expected a future expiry, got %v", link.ExpiresAt)
	}
}

func TestExportEndpointRejectsUnknownFormat(t *testing.T) {
	h, _, _ := setupSettingsHandlers(t, nil)
	router := newSettingsRouter(h, "user-a")

	w := settingsRequest(router, http.MethodPost, "/api/data/export?format=pdf", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestDeleteAccountEndpoint(t *testing.T) {
	h, profiles, store := setupSettingsHandlers(t, nil)
	seedMirror(t, store, "user-a")
	router := newSettingsRouter(h, "user-a")

	w := settingsRequest(router, http.MethodDelete, "/api/account", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "Account deleted successfully") {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
	if len(profiles.deleted) != 1 {
		t.Fatalf("expected the profile to be deleted, got %v", profiles.deleted)
	}
	items, err := store.ListBankItems(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("list bank items: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no bank items after deletion, got %d", len(items))
	}
}
