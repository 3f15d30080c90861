package stripebilling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerlink/finance_backend/config"
	"github.com/ledgerlink/finance_backend/models"
	"github.com/ledgerlink/finance_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrInvalidPlan      = errors.New("invalid plan")
	ErrNoBillingAccount = errors.New("no billing account for user")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
	// ErrDuplicateEvent marks a webhook delivery that was already handled.
	ErrDuplicateEvent = errors.New("webhook event already processed")
)

// ProfileStore is the slice of profile persistence billing needs. Webhook
// handlers run outside a user request, so lookups are id-explicit.
type ProfileStore interface {
	GetByUserId(ctx context.Context, userID string) (*models.Profile, error)
	GetByStripeSubscriptionId(ctx context.Context, subscriptionID string) (*models.Profile, error)
	UpdateBillingByUserId(ctx context.Context, userID string, updates map[string]interface{}) error
}

// EventStore records webhook deliveries. Insert is the dedup point: a
// second insert of the same (provider, event_id) returns ErrDuplicateEvent.
type EventStore interface {
	Insert(ctx context.Context, event *models.WebhookEvent) error
	UpdateStatus(ctx context.Context, provider, eventID, status, errorMessage string) error
}

type GormProfileStore struct{}

var _ ProfileStore = (*GormProfileStore)(nil)

func (GormProfileStore) GetByUserId(ctx context.Context, userID string) (*models.Profile, error) {
	return models.GetProfileByUserId(ctx, userID)
}

func (GormProfileStore) GetByStripeSubscriptionId(ctx context.Context, subscriptionID string) (*models.Profile, error) {
	return models.GetProfileByStripeSubscriptionId(ctx, subscriptionID)
}

func (GormProfileStore) UpdateBillingByUserId(ctx context.Context, userID string, updates map[string]interface{}) error {
	return models.UpdateProfileBillingByUserId(ctx, userID, updates)
}

type GormEventStore struct {
	db *gorm.DB
}

var _ EventStore = (*GormEventStore)(nil)

func NewGormEventStore(db *gorm.DB) *GormEventStore {
	return &GormEventStore{db: db}
}

func (s *GormEventStore) Insert(ctx context.Context, event *models.WebhookEvent) error {
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		if models.IsDuplicateKeyErr(err) {
			return ErrDuplicateEvent
		}
		return err
	}
	return nil
}

func (s *GormEventStore) UpdateStatus(ctx context.Context, provider, eventID, status, errorMessage string) error {
	return s.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("provider = ? AND event_id = ?", provider, eventID).
		Updates(map[string]interface{}{"status": status, "error": errorMessage}).Error
}

// Service wires the payments client to profile state. Checkout plans are
// resolved against a server-side price map; the webhook path keeps the
// profile's pro flag in step with the subscription lifecycle.
type Service struct {
	client        PaymentsClient
	profiles      ProfileStore
	events        EventStore
	logger        *logrus.Logger
	webhookSecret string
	allowedPrices map[string]string
	frontendURL   string
	automaticTax  bool
}

type ServiceOption func(*Service)

func WithWebhookSecret(secret string) ServiceOption {
	return func(s *Service) { s.webhookSecret = secret }
}

func WithAllowedPrices(prices map[string]string) ServiceOption {
	return func(s *Service) { s.allowedPrices = prices }
}

func WithFrontendURL(frontendURL string) ServiceOption {
	return func(s *Service) { s.frontendURL = strings.TrimRight(frontendURL, "/") }
}

func NewService(client PaymentsClient, profiles ProfileStore, events EventStore, logger *logrus.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		client:        client,
		profiles:      profiles,
		events:        events,
		logger:        logger,
		webhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		allowedPrices: map[string]string{
			"pro_monthly": os.Getenv("STRIPE_PRICE_PRO_MONTHLY"),
			"pro_yearly":  os.Getenv("STRIPE_PRICE_PRO_YEARLY"),
		},
		frontendURL:  strings.TrimRight(os.Getenv("FRONTEND_URL"), "/"),
		automaticTax: parseBoolEnv("STRIPE_ENABLE_AUTOMATIC_TAX"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateCheckoutSession starts a subscription checkout for a named plan.
// Unknown plans are rejected; the price id never comes from the client.
func (s *Service) CreateCheckoutSession(ctx context.Context, userID, plan string) (*CheckoutSession, error) {
	priceID := s.allowedPrices[plan]
	if priceID == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPlan, plan)
	}

	profile, err := s.profiles.GetByUserId(ctx, userID)
	if err != nil {
		return nil, err
	}

	session, err := s.client.CreateCheckoutSession(ctx, CheckoutParams{
		PriceID:        priceID,
		UserID:         userID,
		UserEmail:      profile.Email,
		Plan:           plan,
		SuccessURL:     s.frontendURL + "/upgrade?success=true&session_id={CHECKOUT_SESSION_ID}",
		CancelURL:      s.frontendURL + "/upgrade?canceled=true",
		AutomaticTax:   s.automaticTax,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// CreatePortalSession opens the hosted billing portal for an existing
// customer.
func (s *Service) CreatePortalSession(ctx context.Context, userID string) (*PortalSession, error) {
	profile, err := s.profiles.GetByUserId(ctx, userID)
	if err != nil {
		return nil, err
	}
	if profile.StripeCustomerId == "" {
		return nil, ErrNoBillingAccount
	}
	session, err := s.client.CreatePortalSession(ctx, profile.StripeCustomerId, s.frontendURL+"/settings")
	if err != nil {
		return nil, err
	}
	return &session, nil
}

type SubscriptionStatusResponse struct {
	IsPro             bool    `json:"is_pro"`
	Status            string  `json:"status,omitempty"`
	CurrentPeriodEnd  *string `json:"current_period_end"`
	CancelAtPeriodEnd bool    `json:"cancel_at_period_end"`
	Plan              string  `json:"plan"`
}

// SubscriptionStatus reads the profile-backed state the webhooks maintain.
// A user with no profile row simply is not pro yet.
func (s *Service) SubscriptionStatus(ctx context.Context, userID string) (*SubscriptionStatusResponse, error) {
	profile, err := s.profiles.GetByUserId(ctx, userID)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return &SubscriptionStatusResponse{IsPro: false, Plan: "Free Plan"}, nil
		}
		return nil, err
	}

	resp := &SubscriptionStatusResponse{
		IsPro:             profile.IsPro,
		Status:            profile.SubscriptionStatus,
		CancelAtPeriodEnd: profile.CancelAtPeriodEnd,
		Plan:              "Free Plan",
	}
	if profile.IsPro {
		resp.Plan = "Pro Plan"
	}
	if profile.SubscriptionCurrentPeriodEnd != nil {
		formatted := profile.SubscriptionCurrentPeriodEnd.UTC().Format(time.RFC3339)
		resp.CurrentPeriodEnd = &formatted
	}
	return resp, nil
}

// WebhookResult reports what HandleWebhook did with a delivery.
type WebhookResult struct {
	EventID   string
	EventType string
	Duplicate bool
	Handled   bool
}

type webhookEventPayload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// HandleWebhook verifies, dedupes and dispatches one webhook delivery.
// The event row is inserted before dispatch so a concurrent redelivery of
// the same event id loses the insert race and is acked silently.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (*WebhookResult, error) {
	if err := VerifySignature(payload, signatureHeader, s.webhookSecret); err != nil {
		return nil, err
	}

	var event webhookEventPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("%w: event id or type missing", ErrInvalidPayload)
	}

	row := &models.WebhookEvent{
		Provider:    models.WebhookProviderStripe,
		EventId:     event.ID,
		EventType:   event.Type,
		PayloadJSON: payload,
		Status:      models.WebhookEventStatusProcessed,
	}
	if err := s.events.Insert(ctx, row); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			s.logger.WithFields(logrus.Fields{
				"event_id":   event.ID,
				"event_type": event.Type,
			}).Info("duplicate webhook delivery acked")
			return &WebhookResult{EventID: event.ID, EventType: event.Type, Duplicate: true}, nil
		}
		return nil, err
	}

	result := &WebhookResult{EventID: event.ID, EventType: event.Type}
	var dispatchErr error
	switch event.Type {
	case "checkout.session.completed":
		dispatchErr = s.handleCheckoutCompleted(ctx, event.Data.Object)
		result.Handled = true
	case "customer.subscription.updated":
		dispatchErr = s.handleSubscriptionUpdated(ctx, event.Data.Object)
		result.Handled = true
	case "customer.subscription.deleted":
		dispatchErr = s.handleSubscriptionDeleted(ctx, event.Data.Object)
		result.Handled = true
	default:
		s.logger.WithFields(logrus.Fields{
			"event_id":   event.ID,
			"event_type": event.Type,
		}).Info("unhandled webhook event type")
		if err := s.events.UpdateStatus(ctx, models.WebhookProviderStripe, event.ID, models.WebhookEventStatusSkipped, ""); err != nil {
			config.LogError(s.logger, "stripebilling", "HandleWebhook", "mark event skipped", event.ID, err)
		}
		return result, nil
	}

	if dispatchErr != nil {
		if err := s.events.UpdateStatus(ctx, models.WebhookProviderStripe, event.ID, models.WebhookEventStatusFailed, dispatchErr.Error()); err != nil {
			config.LogError(s.logger, "stripebilling", "HandleWebhook", "mark event failed", event.ID, err)
		}
		return nil, dispatchErr
	}
	return result, nil
}

type checkoutSessionObject struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Metadata     struct {
		UserID    string `json:"user_id"`
		UserEmail string `json:"user_email"`
		Plan      string `json:"plan"`
	} `json:"metadata"`
}

// handleCheckoutCompleted flips the paying user to pro and records the
// stripe identifiers the later lifecycle events are keyed by.
func (s *Service) handleCheckoutCompleted(ctx context.Context, object json.RawMessage) error {
	var session checkoutSessionObject
	if err := json.Unmarshal(object, &session); err != nil {
		return fmt.Errorf("parse checkout session: %w", err)
	}
	if session.Metadata.UserID == "" {
		return errors.New("no user_id in session metadata")
	}

	updates := map[string]interface{}{
		"is_pro":                          true,
		"stripe_customer_id":              session.Customer,
		"stripe_subscription_id":          session.Subscription,
		"subscription_status":             "active",
		"subscription_current_period_end": nil,
		"cancel_at_period_end":            false,
	}
	if session.Subscription != "" {
		subscription, err := s.client.GetSubscription(ctx, session.Subscription)
		if err != nil {
			// Period end stays unknown until the next lifecycle event.
			s.logger.WithFields(logrus.Fields{
				"subscription_id": session.Subscription,
			}).Warn("could not retrieve subscription details: " + err.Error())
		} else {
			updates["subscription_status"] = subscription.Status
			updates["subscription_current_period_end"] = unixToTime(subscription.CurrentPeriodEnd)
		}
	}

	if err := s.profiles.UpdateBillingByUserId(ctx, session.Metadata.UserID, updates); err != nil {
		return fmt.Errorf("upgrade profile %s: %w", session.Metadata.UserID, err)
	}
	s.logger.WithFields(logrus.Fields{
		"user_id": session.Metadata.UserID,
		"plan":    session.Metadata.Plan,
	}).Info("checkout completed; user upgraded")
	return nil
}

type subscriptionObject struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	CustomerID        string `json:"customer"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, object json.RawMessage) error {
	var subscription subscriptionObject
	if err := json.Unmarshal(object, &subscription); err != nil {
		return fmt.Errorf("parse subscription: %w", err)
	}

	profile, err := s.profiles.GetByStripeSubscriptionId(ctx, subscription.ID)
	if err != nil {
		return fmt.Errorf("find profile for subscription %s: %w", subscription.ID, err)
	}

	isPro := subscription.Status == "active" || subscription.Status == "trialing"
	updates := map[string]interface{}{
		"is_pro":                          isPro,
		"subscription_status":             subscription.Status,
		"subscription_current_period_end": unixToTime(subscription.CurrentPeriodEnd),
		"cancel_at_period_end":            subscription.CancelAtPeriodEnd,
	}
	if err := s.profiles.UpdateBillingByUserId(ctx, profile.UserId, updates); err != nil {
		return fmt.Errorf("update subscription %s: %w", subscription.ID, err)
	}
	return nil
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, object json.RawMessage) error {
	var subscription subscriptionObject
	if err := json.Unmarshal(object, &subscription); err != nil {
		return fmt.Errorf("parse subscription: %w", err)
	}

	profile, err := s.profiles.GetByStripeSubscriptionId(ctx, subscription.ID)
	if err != nil {
		return fmt.Errorf("find profile for subscription %s: %w", subscription.ID, err)
	}

	updates := map[string]interface{}{
		"is_pro":               false,
		"subscription_status":  "canceled",
		"cancel_at_period_end": false,
	}
	if err := s.profiles.UpdateBillingByUserId(ctx, profile.UserId, updates); err != nil {
		return fmt.Errorf("cancel subscription %s: %w", subscription.ID, err)
	}
	return nil
}
