package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ReadySet1/destino-sf-sub000/internal/models"
	"github.com/ReadySet1/destino-sf-sub000/internal/repositories"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// QueueStore is the part of the event queue the dispatcher and handlers use
type QueueStore interface {
	ClaimBatch(ctx context.Context, maxItems, maxAttempts int) ([]models.QueuedEvent, error)
	MarkProcessing(ctx context.Context, eventID string) error
	MarkCompleted(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID string, cause error) error
	Reschedule(ctx context.Context, event models.QueuedEvent, delay time.Duration) (*models.QueuedEvent, error)
}

// OrderStore reads and reconciles local orders. Lookups return
// repositories.ErrNotFound for unknown orders.
type OrderStore interface {
	FindBySquareOrderID(ctx context.Context, squareOrderID string) (*models.Order, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	UpdateReconciliation(ctx context.Context, id uuid.UUID, update repositories.OrderUpdate) error
}

// PaymentStore persists payments by remote id
type PaymentStore interface {
	FindBySquarePaymentID(ctx context.Context, squarePaymentID string) (*models.Payment, error)
	Upsert(ctx context.Context, payment *models.Payment) error
	SumPaid(ctx context.Context, orderID uuid.UUID) (decimal.Decimal, error)
}

// RefundStore persists refunds by remote id
type RefundStore interface {
	Upsert(ctx context.Context, refund *models.Refund) error
	SumCompleted(ctx context.Context, orderID uuid.UUID) (decimal.Decimal, error)
}

// RemoteOrders re-reads orders from the commerce platform
type RemoteOrders interface {
	RetrieveOrder(ctx context.Context, squareOrderID string) (json.RawMessage, error)
}

// AuditSink receives one record per dispatched event
type AuditSink interface {
	IndexDispatch(ctx context.Context, record models.DispatchRecord) error
}

var (
	_ QueueStore   = (*repositories.QueueRepository)(nil)
	_ OrderStore   = (*repositories.OrderRepository)(nil)
	_ PaymentStore = (*repositories.PaymentRepository)(nil)
	_ RefundStore  = (*repositories.RefundRepository)(nil)
)
