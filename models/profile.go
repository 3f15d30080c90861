package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ledgerlink/finance_backend/config"
	"github.com/ledgerlink/finance_backend/utils"
	"gorm.io/gorm"
)

const (
	PrefThemeLight  = "light"
	PrefThemeDark   = "dark"
	PrefThemeSystem = "system"
)

const (
	DefaultPrefTheme    = PrefThemeSystem
	DefaultPrefCurrency = "USD"
	DefaultPrefTimezone = "America/Chicago"
)

// Profile is the per-user settings + billing row. user_id is the identity
// provider subject and there is exactly one profile per user.
type Profile struct {
	ID                           uint       `gorm:"primary_key" json:"id"`
	UserId                       string     `gorm:"uniqueIndex;size:36;not null" json:"user_id"`
	Email                        string     `gorm:"size:255;not null" json:"email"`
	FullName                     string     `gorm:"size:255" json:"full_name,omitempty"`
	AvatarURL                    string     `gorm:"size:512" json:"avatar_url,omitempty"`
	IsPro                        bool       `gorm:"not null;default:false" json:"is_pro"`
	StripeCustomerId             string     `gorm:"size:64" json:"-"`
	StripeSubscriptionId         string     `gorm:"index;size:64" json:"-"`
	SubscriptionStatus           string     `gorm:"size:32" json:"subscription_status,omitempty"`
	SubscriptionCurrentPeriodEnd *time.Time `json:"subscription_current_period_end,omitempty"`
	CancelAtPeriodEnd            bool       `gorm:"not null;default:false" json:"cancel_at_period_end"`
	NotifEmailWeekly             *bool      `gorm:"not null;default:true" json:"notif_email_weekly"`
	NotifInappAlerts             *bool      `gorm:"not null;default:true" json:"notif_inapp_alerts"`
	NotifSmsAlerts               *bool      `gorm:"not null;default:false" json:"notif_sms_alerts"`
	PhoneNumber                  string     `gorm:"size:32" json:"phone_number,omitempty"`
	PrefTheme                    string     `gorm:"size:16;not null;default:system" json:"pref_theme"`
	PrefCurrency                 string     `gorm:"size:8;not null;default:USD" json:"pref_currency"`
	PrefTimezone                 string     `gorm:"size:64;not null;default:America/Chicago" json:"pref_timezone"`
	CreatedAt                    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type UpdateProfileInput struct {
	Email       string `json:"email"`
	FullName    string `json:"full_name"`
	PhoneNumber string `json:"phone_number"`
}

func (input *UpdateProfileInput) validate() error {
	if input.Email != "" && !utils.IsValidEmail(input.Email) {
		return errors.New("invalid email")
	}
	if input.PhoneNumber != "" {
		if err := utils.ValidatePhoneNumber(input.PhoneNumber, "US"); err != nil {
			return err
		}
	}
	return nil
}

type UpdateNotificationsInput struct {
	EmailWeekly *bool  `json:"emailWeekly"`
	InappAlerts *bool  `json:"inAppAlerts"`
	SmsAlerts   *bool  `json:"smsAlerts"`
	PhoneNumber string `json:"phone_number"`
}

type UpdatePreferencesInput struct {
	Theme    string `json:"theme"`
	Currency string `json:"currency"`
	Timezone string `json:"timezone"`
}

func (input *UpdatePreferencesInput) validate() error {
	switch input.Theme {
	case "", PrefThemeLight, PrefThemeDark, PrefThemeSystem:
	default:
		return errors.New("theme must be light, dark or system")
	}
	if input.Currency != "" && len(input.Currency) != 3 {
		return errors.New("currency must be a 3-letter code")
	}
	if input.Timezone != "" {
		if _, err := time.LoadLocation(input.Timezone); err != nil {
			return errors.New("unknown timezone")
		}
	}
	return nil
}

// GetOrCreateProfile returns the caller's profile, creating one with the
// default settings on first touch. Email comes from the verified token.
func GetOrCreateProfile(ctx context.Context) (*Profile, error) {
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == "" {
		return nil, errors.New("user id is required")
	}

	db := config.GetDB()
	var profile Profile
	err := db.WithContext(ctx).Where("user_id = ?", userId).Take(&profile).Error
	if err == nil {
		return &profile, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	email, _ := utils.GetEmailFromContext(ctx)
	profile = Profile{
		UserId:           userId,
		Email:            email,
		NotifEmailWeekly: utils.NewTrue(),
		NotifInappAlerts: utils.NewTrue(),
		NotifSmsAlerts:   utils.NewFalse(),
		PrefTheme:        DefaultPrefTheme,
		PrefCurrency:     DefaultPrefCurrency,
		PrefTimezone:     DefaultPrefTimezone,
	}
	if err := db.WithContext(ctx).Create(&profile).Error; err != nil {
		// Lost a create race; the row exists now.
		if IsDuplicateKeyErr(err) {
			if err := db.WithContext(ctx).Where("user_id = ?", userId).Take(&profile).Error; err != nil {
				return nil, err
			}
			return &profile, nil
		}
		return nil, err
	}
	return &profile, nil
}

func UpdateProfile(ctx context.Context, input *UpdateProfileInput) (*Profile, error) {
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == "" {
		return nil, errors.New("user id is required")
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	profile, err := GetOrCreateProfile(ctx)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if input.Email != "" {
		updates["email"] = input.Email
	}
	if input.FullName != "" {
		updates["full_name"] = input.FullName
	}
	if input.PhoneNumber != "" {
		updates["phone_number"] = input.PhoneNumber
	}
	if len(updates) == 0 {
		return profile, nil
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(profile).Updates(updates).Error; err != nil {
		return nil, err
	}
	_ = utils.InvalidateCache(profileCacheKey(profile.UserId))
	return profile, nil
}

func UpdateNotifications(ctx context.Context, input *UpdateNotificationsInput) (*Profile, error) {
	profile, err := GetOrCreateProfile(ctx)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if input.EmailWeekly != nil {
		updates["notif_email_weekly"] = *input.EmailWeekly
	}
	if input.InappAlerts != nil {
		updates["notif_inapp_alerts"] = *input.InappAlerts
	}
	if input.SmsAlerts != nil {
		if *input.SmsAlerts {
			phone := strings.TrimSpace(input.PhoneNumber)
			if phone == "" {
				phone = profile.PhoneNumber
			}
			if phone == "" {
				return nil, errors.New("a phone number is required for sms alerts")
			}
			if err := utils.ValidatePhoneNumber(phone, "US"); err != nil {
				return nil, err
			}
			updates["phone_number"] = phone
		}
		updates["notif_sms_alerts"] = *input.SmsAlerts
	}
	if len(updates) == 0 {
		return profile, nil
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(profile).Updates(updates).Error; err != nil {
		return nil, err
	}
	_ = utils.InvalidateCache(profileCacheKey(profile.UserId))
	return profile, nil
}

func UpdatePreferences(ctx context.Context, input *UpdatePreferencesInput) (*Profile, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	profile, err := GetOrCreateProfile(ctx)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if input.Theme != "" {
		updates["pref_theme"] = input.Theme
	}
	if input.Currency != "" {
		updates["pref_currency"] = strings.ToUpper(input.Currency)
	}
	if input.Timezone != "" {
		updates["pref_timezone"] = input.Timezone
	}
	if len(updates) == 0 {
		return profile, nil
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(profile).Updates(updates).Error; err != nil {
		return nil, err
	}
	_ = utils.InvalidateCache(profileCacheKey(profile.UserId))
	return profile, nil
}

func UpdateProfileAvatar(ctx context.Context, avatarURL string) (*Profile, error) {
	profile, err := GetOrCreateProfile(ctx)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Model(profile).Update("avatar_url", avatarURL).Error; err != nil {
		return nil, err
	}
	_ = utils.InvalidateCache(profileCacheKey(profile.UserId))
	return profile, nil
}

func profileCacheKey(userId string) string {
	return "Profile:" + userId
}

// Billing lookups run outside a user request (webhook delivery), so they
// query without the context user scope.

// GetProfileByUserId is the hot read behind the subscription status poll,
// so it reads through the redis cache. Every profile write invalidates it.
func GetProfileByUserId(ctx context.Context, userId string) (*Profile, error) {
	if userId == "" {
		return nil, errors.New("user id is required")
	}
	if cached, err := utils.RetrieveCache[Profile](profileCacheKey(userId)); err == nil && cached != nil {
		return cached, nil
	}
	db := config.GetDB()
	var profile Profile
	err := db.WithContext(ctx).Where("user_id = ?", userId).Take(&profile).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	_ = utils.StoreCache(profileCacheKey(userId), &profile)
	return &profile, nil
}

func GetProfileByStripeSubscriptionId(ctx context.Context, subscriptionId string) (*Profile, error) {
	if subscriptionId == "" {
		return nil, errors.New("subscription id is required")
	}
	db := config.GetDB()
	var profile Profile
	err := db.WithContext(ctx).Where("stripe_subscription_id = ?", subscriptionId).Take(&profile).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &profile, nil
}

func UpdateProfileBillingByUserId(ctx context.Context, userId string, updates map[string]interface{}) error {
	if userId == "" {
		return errors.New("user id is required")
	}
	db := config.GetDB()
	result := db.WithContext(ctx).Model(&Profile{}).Where("user_id = ?", userId).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	_ = utils.InvalidateCache(profileCacheKey(userId))
	return nil
}

// DeleteProfileByUserId removes the profile row during account deletion.
// Zero rows is not an error; the auth user may never have touched settings.
func DeleteProfileByUserId(ctx context.Context, userId string) error {
	if userId == "" {
		return errors.New("user id is required")
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Where("user_id = ?", userId).Delete(&Profile{}).Error; err != nil {
		return err
	}
	_ = utils.InvalidateCache(profileCacheKey(userId))
	return nil
}
