package repositories

import (
	"time"

	"github.com/ReadySet1/destino-sf-sub000/internal/database"
)

// Repositories groups the stores the reconciler depends on
type Repositories struct {
	Queue    *QueueRepository
	Orders   *OrderRepository
	Payments *PaymentRepository
	Refunds  *RefundRepository
}

// NewRepositories builds every repository on top of one retrying handle
func NewRepositories(db *database.RetryDB) *Repositories {
	return &Repositories{
		Queue:    NewQueueRepository(db),
		Orders:   NewOrderRepository(db),
		Payments: NewPaymentRepository(db),
		Refunds:  NewRefundRepository(db),
	}
}

func utcNow() time.Time {
	return time.Now().UTC()
}
