// Package payment talks to the payment provider's management API. Webhook
// intake lives in the webhook package; this client covers the calls the
// scheduler makes when committing deferred seat changes.
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// ProrationMode selects how the provider bills a mid-cycle quantity change.
type ProrationMode string

const (
	// ProratedImmediately bills the difference for the remainder of the
	// current cycle right away. Used for seat increases.
	ProratedImmediately ProrationMode = "prorated_immediately"

	// FullNextBillingPeriod defers the price change to the next renewal.
	// Used for seat decreases.
	FullNextBillingPeriod ProrationMode = "full_next_billing_period"
)

// Subscription is the provider-side view of an organization's plan.
type Subscription struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	Quantity     int       `json:"quantity"`
	NextBilledAt time.Time `json:"next_billed_at"`
}

// API is the subset of the provider's API the reconciliation side needs.
type API interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	UpdateSubscriptionQuantity(ctx context.Context, subscriptionID string, quantity int, mode ProrationMode) error
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// Client is the HTTP implementation of API.
type Client struct {
	http *resty.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json")
	return &Client{http: c}
}

type apiEnvelope struct {
	Data  any `json:"data"`
	Error *struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"error"`
}

func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var sub Subscription
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&apiEnvelope{Data: &sub}).
		Get("/subscriptions/" + subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get subscription %s: provider returned %s", subscriptionID, resp.Status())
	}
	return &sub, nil
}

func (c *Client) UpdateSubscriptionQuantity(ctx context.Context, subscriptionID string, quantity int, mode ProrationMode) error {
	body := map[string]any{
		"items": []map[string]any{
			{"quantity": quantity},
		},
		"proration_billing_mode": string(mode),
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Patch("/subscriptions/" + subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to update subscription quantity: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("update subscription %s: provider returned %s", subscriptionID, resp.Status())
	}
	return nil
}

func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"effective_from": "next_billing_period"}).
		Post("/subscriptions/" + subscriptionID + "/cancel")
	if err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("cancel subscription %s: provider returned %s", subscriptionID, resp.Status())
	}
	return nil
}
