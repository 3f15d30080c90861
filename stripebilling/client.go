package stripebilling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const stripeAPIVersion = "2024-06-20"

// PaymentsClient is the Stripe surface the billing service depends on.
// The concrete Client talks to the REST API; tests substitute a fake.
type PaymentsClient interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (CheckoutSession, error)
	GetSubscription(ctx context.Context, subscriptionID string) (Subscription, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (PortalSession, error)
}

// CheckoutParams carries everything a subscription checkout needs. PriceID
// is resolved server side from the plan name; raw price ids never arrive
// from clients.
type CheckoutParams struct {
	PriceID        string
	UserID         string
	UserEmail      string
	Plan           string
	SuccessURL     string
	CancelURL      string
	AutomaticTax   bool
	IdempotencyKey string
}

type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type Subscription struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	CustomerID        string `json:"customer"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
}

type PortalSession struct {
	URL string `json:"url"`
}

// stripeError is Stripe's error envelope plus the HTTP status it arrived
// with.
type stripeError struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *stripeError) Error() string {
	return fmt.Sprintf("stripe api error %d: %s/%s: %s", e.StatusCode, e.Type, e.Code, e.Message)
}

// Client is the concrete Stripe REST client. Requests are form encoded with
// the secret key as a bearer token, the way the API expects them.
type Client struct {
	baseURL   string
	secretKey string
	http      *http.Client
}

var _ PaymentsClient = (*Client)(nil)

func NewClient(secretKey, baseURL string) (*Client, error) {
	if strings.TrimSpace(secretKey) == "" {
		return nil, errors.New("stripe secret key is empty")
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://api.stripe.com"
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		http:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// NewClientFromEnv builds the client from STRIPE_SECRET_KEY.
// STRIPE_API_BASE_URL overrides the host for tests.
func NewClientFromEnv() (*Client, error) {
	return NewClient(os.Getenv("STRIPE_SECRET_KEY"), os.Getenv("STRIPE_API_BASE_URL"))
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Stripe-Version", stripeAPIVersion)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope struct {
			Error stripeError `json:"error"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Message == "" {
			return fmt.Errorf("stripe api error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		envelope.Error.StatusCode = resp.StatusCode
		return &envelope.Error
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("line_items[0][price]", params.PriceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	form.Set("allow_promotion_codes", "true")
	if params.UserEmail != "" {
		form.Set("customer_email", params.UserEmail)
	}
	form.Set("metadata[user_id]", params.UserID)
	form.Set("metadata[user_email]", params.UserEmail)
	form.Set("metadata[plan]", params.Plan)
	if params.AutomaticTax {
		form.Set("automatic_tax[enabled]", "true")
	}

	var session CheckoutSession
	err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions", form, params.IdempotencyKey, &session)
	if err != nil {
		return CheckoutSession{}, err
	}
	if session.ID == "" {
		return CheckoutSession{}, errors.New("checkout session response missing id")
	}
	return session, nil
}

func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (Subscription, error) {
	var subscription Subscription
	err := c.do(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil, "", &subscription)
	if err != nil {
		return Subscription{}, err
	}
	return subscription, nil
}

func (c *Client) CreatePortalSession(ctx context.Context, customerID, returnURL string) (PortalSession, error) {
	form := url.Values{}
	form.Set("customer", customerID)
	form.Set("return_url", returnURL)

	var session PortalSession
	err := c.do(ctx, http.MethodPost, "/v1/billing_portal/sessions", form, "", &session)
	if err != nil {
		return PortalSession{}, err
	}
	if session.URL == "" {
		return PortalSession{}, errors.New("portal session response missing url")
	}
	return session, nil
}

func unixToTime(seconds int64) *time.Time {
	if seconds <= 0 {
		return nil
	}
	t := time.Unix(seconds, 0).UTC()
	return &t
}

func parseBoolEnv(key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	return err == nil && v
}
