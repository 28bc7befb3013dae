package models

import (
	"encoding/json"
	"time"
)

// EventType is the routing discriminator carried in a webhook's "type" field
type EventType string

const (
	EventOrderCreated   EventType = "order.created"
	EventOrderUpdated   EventType = "order.updated"
	EventPaymentCreated EventType = "payment.created"
	EventPaymentUpdated EventType = "payment.updated"
	EventRefundCreated  EventType = "refund.created"
	EventRefundUpdated  EventType = "refund.updated"
)

// WebhookEnvelope is the inbound notification shape sent by the commerce platform
type WebhookEnvelope struct {
	MerchantID string      `json:"merchant_id" validate:"required"`
	Type       string      `json:"type" validate:"required"`
	EventID    string      `json:"event_id" validate:"required,max=171"`
	CreatedAt  time.Time   `json:"created_at" validate:"required"`
	Data       WebhookData `json:"data"`
}

// WebhookData wraps the changed resource
type WebhookData struct {
	Type   string          `json:"type"`
	ID     string          `json:"id" validate:"required"`
	Object json.RawMessage `json:"object"`
}

// Money is an amount in the smallest currency unit
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// OrderStateChange is the body of order.created / order.updated objects
type OrderStateChange struct {
	OrderID    string    `json:"order_id"`
	State      string    `json:"state"`
	Version    int       `json:"version"`
	LocationID string    `json:"location_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// OrderObject is the "object" of an order event
type OrderObject struct {
	OrderCreated *OrderStateChange `json:"order_created,omitempty"`
	OrderUpdated *OrderStateChange `json:"order_updated,omitempty"`
}

// Change returns whichever state change the object carries
func (o OrderObject) Change() *OrderStateChange {
	if o.OrderUpdated != nil {
		return o.OrderUpdated
	}
	return o.OrderCreated
}

// RemotePayment is the payment resource from the commerce platform
type RemotePayment struct {
	ID          string `json:"id"`
	OrderID     string `json:"order_id"`
	Status      string `json:"status"`
	AmountMoney Money  `json:"amount_money"`
	TotalMoney  *Money `json:"total_money,omitempty"`
	SourceType  string `json:"source_type"`
	ReceiptURL  string `json:"receipt_url"`
}

// PaymentObject is the "object" of a payment event
type PaymentObject struct {
	Payment *RemotePayment `json:"payment"`
}

// RemoteRefund is the refund resource from the commerce platform
type RemoteRefund struct {
	ID          string `json:"id"`
	PaymentID   string `json:"payment_id"`
	OrderID     string `json:"order_id"`
	Status      string `json:"status"`
	Reason      string `json:"reason"`
	AmountMoney Money  `json:"amount_money"`
}

// RefundObject is the "object" of a refund event
type RefundObject struct {
	Refund *RemoteRefund `json:"refund"`
}
