package webhook

import "time"

// Event is the outer envelope of a payment-provider callback. Only the event
// types the engine cares about get a typed Data; everything else is
// acknowledged and dropped.
type Event struct {
	EventType  string          `json:"event_type"`
	EventID    string          `json:"event_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       TransactionData `json:"data"`
}

const (
	EventTransactionCompleted = "transaction.completed"
	EventSubscriptionCanceled = "subscription.canceled"
)

// TransactionData is the payload of transaction events.
type TransactionData struct {
	ID                   string     `json:"id"`
	SubscriptionID       string     `json:"subscription_id"`
	Items                []LineItem `json:"items"`
	CustomData           CustomData `json:"custom_data"`
	ProrationBillingMode string     `json:"proration_billing_mode"`
}

// LineItem carries the purchased seat count.
type LineItem struct {
	Quantity int `json:"quantity"`
}

// CustomData is the passthrough metadata attached at checkout time. Field
// names follow the checkout frontend's camelCase convention.
type CustomData struct {
	UserID           string `json:"userId"`
	Email            string `json:"email"`
	OrganizationID   string `json:"organizationId"`
	OrganizationName string `json:"organizationName"`
}

// SeatQuantity sums the line-item quantities.
func (d *TransactionData) SeatQuantity() int {
	total := 0
	for _, item := range d.Items {
		total += item.Quantity
	}
	return total
}

// Prorated reports whether the transaction was billed against the remainder
// of the current cycle, which means the pool's renewal date must not move.
func (d *TransactionData) Prorated() bool {
	return d.ProrationBillingMode == "prorated_immediately" || d.ProrationBillingMode == "prorated_next_billing_period"
}
