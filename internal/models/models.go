package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// QueueStatus is the processing state of a queued webhook event
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "PENDING"
	QueueStatusProcessing QueueStatus = "PROCESSING"
	QueueStatusCompleted  QueueStatus = "COMPLETED"
	QueueStatusFailed     QueueStatus = "FAILED"
)

// OrderStatus is the coarse lifecycle of a local order
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusCompleted  OrderStatus = "COMPLETED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

// PaymentStatus is the payment state of an order or payment row
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusPaid     PaymentStatus = "PAID"
	PaymentStatusFailed   PaymentStatus = "FAILED"
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

// RefundStatus is the state of a refund row
type RefundStatus string

// MaxExternalEventIDLength leaves room in the event_id column for a retry
// suffix ("-retry-" and 13 digits of unix millis)
const MaxExternalEventIDLength = 171

const (
	RefundStatusPending   RefundStatus = "PENDING"
	RefundStatusCompleted RefundStatus = "COMPLETED"
	RefundStatusFailed    RefundStatus = "FAILED"
)

// QueuedEvent is an inbound webhook waiting for (or done with) reconciliation.
// EventID is the external event id and the dedup key. Rescheduled copies are
// keyed by the external id plus a single retry suffix.
type QueuedEvent struct {
	EventID       string         `gorm:"column:event_id;primaryKey;size:191" json:"event_id"`
	EventType     string         `gorm:"column:event_type;not null;index" json:"event_type"`
	Payload       datatypes.JSON `gorm:"column:payload;not null" json:"payload"`
	Status        QueueStatus    `gorm:"column:status;not null;default:PENDING;index:idx_webhook_queue_claim,priority:1" json:"status"`
	Attempts      int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	Reschedules   int            `gorm:"column:reschedules;not null;default:0" json:"reschedules"`
	ErrorMessage  *string        `gorm:"column:error_message" json:"error_message,omitempty"`
	CreatedAt     time.Time      `gorm:"column:created_at;not null;index:idx_webhook_queue_claim,priority:2" json:"created_at"`
	LastAttemptAt *time.Time     `gorm:"column:last_attempt_at" json:"last_attempt_at,omitempty"`
	ProcessedAt   *time.Time     `gorm:"column:processed_at" json:"processed_at,omitempty"`
}

// TableName keeps the queue table name stable
func (QueuedEvent) TableName() string {
	return "webhook_queue"
}

// Order is a storefront order. Orders are created by the checkout flow; the
// reconciler only updates status, payment status and the raw snapshot.
type Order struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt     gorm.DeletedAt  `gorm:"index" json:"-"`
	SquareOrderID *string         `gorm:"column:square_order_id;uniqueIndex" json:"square_order_id"`
	Status        OrderStatus     `gorm:"not null;default:PENDING" json:"status"`
	PaymentStatus PaymentStatus   `gorm:"not null;default:PENDING" json:"payment_status"`
	Total         decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0" json:"total"`
	CustomerName  string          `json:"customer_name"`
	Email         string          `json:"email"`
	Phone         string          `json:"phone"`
	RawData       datatypes.JSON  `gorm:"column:raw_data" json:"raw_data,omitempty"`
	Items         []OrderItem     `gorm:"foreignKey:OrderID" json:"items,omitempty"`
}

// OrderItem is a line item on an order
type OrderItem struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	OrderID   uuid.UUID       `gorm:"type:uuid;not null;index" json:"order_id"`
	ProductID *uuid.UUID      `gorm:"type:uuid" json:"product_id"`
	Name      string          `gorm:"not null" json:"name"`
	Quantity  int             `gorm:"not null;default:1" json:"quantity"`
	Price     decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"price"`
}

// Payment is a payment against an order, keyed by the remote payment id
type Payment struct {
	ID              uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	SquarePaymentID string          `gorm:"column:square_payment_id;not null;uniqueIndex" json:"square_payment_id"`
	OrderID         uuid.UUID       `gorm:"type:uuid;not null;index" json:"order_id"`
	Amount          decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount"`
	Currency        string          `gorm:"size:3;not null;default:USD" json:"currency"`
	Status          PaymentStatus   `gorm:"not null;default:PENDING" json:"status"`
	RawData         datatypes.JSON  `gorm:"column:raw_data" json:"raw_data,omitempty"`
	Order           Order           `gorm:"foreignKey:OrderID" json:"-"`
}

// Refund is a refund against an order, keyed by the remote refund id
type Refund struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	SquareRefundID string          `gorm:"column:square_refund_id;not null;uniqueIndex" json:"square_refund_id"`
	OrderID        uuid.UUID       `gorm:"type:uuid;not null;index" json:"order_id"`
	PaymentID      *uuid.UUID      `gorm:"type:uuid" json:"payment_id"`
	Amount         decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount"`
	Currency       string          `gorm:"size:3;not null;default:USD" json:"currency"`
	Status         RefundStatus    `gorm:"not null;default:PENDING" json:"status"`
	Reason         *string         `json:"reason"`
	RawData        datatypes.JSON  `gorm:"column:raw_data" json:"raw_data,omitempty"`
	Order          Order           `gorm:"foreignKey:OrderID" json:"-"`
}

// BeforeCreate assigns a primary key when the caller did not
func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

func (i *OrderItem) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

func (p *Payment) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

func (r *Refund) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// MinorToMajor converts an integer amount in minor units (cents) to a decimal
// amount in major units.
func MinorToMajor(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}

// SetupModels runs migrations for every table the reconciler touches
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&QueuedEvent{},
		&Order{},
		&OrderItem{},
		&Payment{},
		&Refund{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
