// Package settings implements the account-facing preferences surface:
// profile, notification and display settings, avatar upload, data export
// and account deletion.
package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ledgerlink/finance_backend/models"
	"github.com/ledgerlink/finance_backend/plaidsync"
	"github.com/ledgerlink/finance_backend/utils"
	"github.com/sirupsen/logrus"
)

// ErrStorageNotConfigured is returned by the avatar and export-link paths
// when no object storage bucket is configured.
var ErrStorageNotConfigured = errors.New("object storage is not configured")

// ProfileStore is the profile persistence surface. The caller identity
// travels in the context, matching the models layer.
type ProfileStore interface {
	GetOrCreate(ctx context.Context) (*models.Profile, error)
	Update(ctx context.Context, input *models.UpdateProfileInput) (*models.Profile, error)
	UpdateNotifications(ctx context.Context, input *models.UpdateNotificationsInput) (*models.Profile, error)
	UpdatePreferences(ctx context.Context, input *models.UpdatePreferencesInput) (*models.Profile, error)
	UpdateAvatar(ctx context.Context, avatarURL string) (*models.Profile, error)
	Delete(ctx context.Context, userID string) error
}

// GormProfileStore backs ProfileStore with the MySQL profile table.
type GormProfileStore struct{}

func (GormProfileStore) GetOrCreate(ctx context.Context) (*models.Profile, error) {
	return models.GetOrCreateProfile(ctx)
}

func (GormProfileStore) Update(ctx context.Context, input *models.UpdateProfileInput) (*models.Profile, error) {
	return models.UpdateProfile(ctx, input)
}

func (GormProfileStore) UpdateNotifications(ctx context.Context, input *models.UpdateNotificationsInput) (*models.Profile, error) {
	return models.UpdateNotifications(ctx, input)
}

func (GormProfileStore) UpdatePreferences(ctx context.Context, input *models.UpdatePreferencesInput) (*models.Profile, error) {
	return models.UpdatePreferences(ctx, input)
}

func (GormProfileStore) UpdateAvatar(ctx context.Context, avatarURL string) (*models.Profile, error) {
	return models.UpdateProfileAvatar(ctx, avatarURL)
}

func (GormProfileStore) Delete(ctx context.Context, userID string) error {
	return models.DeleteProfileByUserId(ctx, userID)
}

// ObjectStorage is the blob surface for avatars and export archives.
type ObjectStorage interface {
	Upload(ctx context.Context, objectKey string, data []byte, contentType string) error
	AccessURL(objectKey string) string
	SignedDownloadURL(ctx context.Context, objectKey string, expires time.Duration) (string, time.Time, error)
}

// GCSStorage backs ObjectStorage with Google Cloud Storage.
type GCSStorage struct{}

func (GCSStorage) Upload(ctx context.Context, objectKey string, data []byte, contentType string) error {
	return utils.UploadBytesToGCS(ctx, objectKey, data, contentType)
}

func (GCSStorage) AccessURL(objectKey string) string {
	return utils.BuildObjectAccessURL(objectKey)
}

func (GCSStorage) SignedDownloadURL(ctx context.Context, objectKey string, expires time.Duration) (string, time.Time, error) {
	signed, err := utils.SignDownload(ctx, objectKey, expires)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed.DownloadURL, signed.ExpiresAt, nil
}

// NewStorageFromEnv returns nil when no bucket is configured. Avatars are
// rejected and exports are streamed in that case.
func NewStorageFromEnv() ObjectStorage {
	if strings.TrimSpace(os.Getenv("GCS_BUCKET")) == "" {
		return nil
	}
	if utils.GetStorageProvider() != utils.StorageProviderGCS {
		return nil
	}
	return GCSStorage{}
}

// Service bundles the profile table, the synced mirror and object storage
// behind the settings endpoints.
type Service struct {
	profiles ProfileStore
	store    plaidsync.Store
	storage  ObjectStorage
	logger   *logrus.Logger
}

func NewService(profiles ProfileStore, store plaidsync.Store, storage ObjectStorage, logger *logrus.Logger) *Service {
	return &Service{
		profiles: profiles,
		store:    store,
		storage:  storage,
		logger:   logger,
	}
}

// StorageConfigured reports whether exports can be delivered as signed URLs.
func (s *Service) StorageConfigured() bool {
	return s.storage != nil
}

// NotificationSettings is the wire shape of the notification toggles. The
// camelCase keys match what the frontend sends back on update.
type NotificationSettings struct {
	EmailWeekly bool   `json:"emailWeekly"`
	InAppAlerts bool   `json:"inAppAlerts"`
	SmsAlerts   bool   `json:"smsAlerts"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

type PreferenceSettings struct {
	Theme    string `json:"theme"`
	Currency string `json:"currency"`
	Timezone string `json:"timezone"`
}

func notificationSettingsFromProfile(profile *models.Profile) *NotificationSettings {
	return &NotificationSettings{
		EmailWeekly: utils.DereferencePtr(profile.NotifEmailWeekly, true),
		InAppAlerts: utils.DereferencePtr(profile.NotifInappAlerts, true),
		SmsAlerts:   utils.DereferencePtr(profile.NotifSmsAlerts, false),
		PhoneNumber: profile.PhoneNumber,
	}
}

func preferenceSettingsFromProfile(profile *models.Profile) *PreferenceSettings {
	prefs := &PreferenceSettings{
		Theme:    profile.PrefTheme,
		Currency: profile.PrefCurrency,
		Timezone: profile.PrefTimezone,
	}
	if prefs.Theme == "" {
		prefs.Theme = models.DefaultPrefTheme
	}
	if prefs.Currency == "" {
		prefs.Currency = models.DefaultPrefCurrency
	}
	if prefs.Timezone == "" {
		prefs.Timezone = models.DefaultPrefTimezone
	}
	return prefs
}

func (s *Service) Profile(ctx context.Context) (*models.Profile, error) {
	return s.profiles.GetOrCreate(ctx)
}

func (s *Service) UpdateProfile(ctx context.Context, input *models.UpdateProfileInput) (*models.Profile, error) {
	return s.profiles.Update(ctx, input)
}

func (s *Service) Notifications(ctx context.Context) (*NotificationSettings, error) {
	profile, err := s.profiles.GetOrCreate(ctx)
	if err != nil {
		return nil, err
	}
	return notificationSettingsFromProfile(profile), nil
}

func (s *Service) UpdateNotifications(ctx context.Context, input *models.UpdateNotificationsInput) (*NotificationSettings, error) {
	profile, err := s.profiles.UpdateNotifications(ctx, input)
	if err != nil {
		return nil, err
	}
	settings := notificationSettingsFromProfile(profile)
	if input.EmailWeekly != nil {
		settings.EmailWeekly = *input.EmailWeekly
	}
	if input.InappAlerts != nil {
		settings.InAppAlerts = *input.InappAlerts
	}
	if input.SmsAlerts != nil {
		settings.SmsAlerts = *input.SmsAlerts
	}
	return settings, nil
}

func (s *Service) Preferences(ctx context.Context) (*PreferenceSettings, error) {
	profile, err := s.profiles.GetOrCreate(ctx)
	if err != nil {
		return nil, err
	}
	return preferenceSettingsFromProfile(profile), nil
}

func (s *Service) UpdatePreferences(ctx context.Context, input *models.UpdatePreferencesInput) (*PreferenceSettings, error) {
	profile, err := s.profiles.UpdatePreferences(ctx, input)
	if err != nil {
		return nil, err
	}
	prefs := preferenceSettingsFromProfile(profile)
	if input.Theme != "" {
		prefs.Theme = input.Theme
	}
	if input.Currency != "" {
		prefs.Currency = strings.ToUpper(input.Currency)
	}
	if input.Timezone != "" {
		prefs.Timezone = input.Timezone
	}
	return prefs, nil
}

// DeleteAccount removes everything the user owns: the synced mirror tree
// first (children before parents), the profile row last.
func (s *Service) DeleteAccount(ctx context.Context, userID string) error {
	if err := s.store.RemoveAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("remove user data: %w", err)
	}
	if err := s.profiles.Delete(ctx, userID); err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"user_id": userID,
	}).Info("account deleted")
	return nil
}
