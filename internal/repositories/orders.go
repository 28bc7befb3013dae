package repositories

import (
	"context"
	"time"

	"github.com/ReadySet1/destino-sf-sub000/internal/database"
	"github.com/ReadySet1/destino-sf-sub000/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OrderUpdate carries the fields the reconciler may change on an order.
// Nil fields are left as they are.
type OrderUpdate struct {
	Status        *models.OrderStatus
	PaymentStatus *models.PaymentStatus
	RawData       datatypes.JSON
}

// OrderRepository provides access to order data
type OrderRepository struct {
	db  *database.RetryDB
	now func() time.Time
}

// NewOrderRepository creates a new repository
func NewOrderRepository(db *database.RetryDB) *OrderRepository {
	return &OrderRepository{db: db, now: utcNow}
}

// Create inserts an order with its items
func (r *OrderRepository) Create(ctx context.Context, order *models.Order) error {
	err := r.db.ExecuteWithRetry(ctx, "orders.create", 0, func(tx *gorm.DB) error {
		return tx.Create(order).Error
	})
	return errors.Wrap(translate(err), "failed to create order")
}

// GetByID gets an order by its local id
func (r *OrderRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.ExecuteWithRetry(ctx, "orders.get", 0, func(tx *gorm.DB) error {
		return tx.Where("id = ?", id).First(&order).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

// FindBySquareOrderID gets an order by its remote id. It returns ErrNotFound
// when no local order references it yet.
func (r *OrderRepository) FindBySquareOrderID(ctx context.Context, squareOrderID string) (*models.Order, error) {
	var order models.Order
	err := r.db.ExecuteWithRetry(ctx, "orders.find_by_square_id", 0, func(tx *gorm.DB) error {
		return tx.Where("square_order_id = ?", squareOrderID).First(&order).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

// UpdateReconciliation applies a reconciled state to an order and bumps updated_at
func (r *OrderRepository) UpdateReconciliation(ctx context.Context, id uuid.UUID, update OrderUpdate) error {
	values := map[string]interface{}{
		"updated_at": r.now(),
	}
	if update.Status != nil {
		values["status"] = string(*update.Status)
	}
	if update.PaymentStatus != nil {
		values["payment_status"] = string(*update.PaymentStatus)
	}
	if len(update.RawData) > 0 {
		values["raw_data"] = update.RawData
	}

	var rows int64
	err := r.db.ExecuteWithRetry(ctx, "orders.update_reconciliation", 0, func(tx *gorm.DB) error {
		result := tx.Model(&models.Order{}).Where("id = ?", id).Updates(values)
		rows = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return errors.Wrapf(err, "failed to update order %s", id)
	}
	if rows == 0 {
		return errors.Wrapf(ErrNotFound, "order %s", id)
	}
	return nil
}

// PaymentRepository provides access to payment data
type PaymentRepository struct {
	db *database.RetryDB
}

// NewPaymentRepository creates a new repository
func NewPaymentRepository(db *database.RetryDB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// Upsert inserts the payment or updates the row with the same remote id.
// On return payment holds the stored row.
func (r *PaymentRepository) Upsert(ctx context.Context, payment *models.Payment) error {
	err := r.db.ExecuteWithRetry(ctx, "payments.upsert", 0, func(tx *gorm.DB) error {
		err := tx.Omit(clause.Associations).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "square_payment_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"order_id", "amount", "currency", "status", "raw_data", "updated_at"}),
		}).Create(payment).Error
		if err != nil {
			return err
		}
		var stored models.Payment
		if err := tx.Where("square_payment_id = ?", payment.SquarePaymentID).First(&stored).Error; err != nil {
			return err
		}
		*payment = stored
		return nil
	})
	return errors.Wrap(translate(err), "failed to upsert payment")
}

// SumPaid totals the captured (PAID or REFUNDED) payments of an order
func (r *PaymentRepository) SumPaid(ctx context.Context, orderID uuid.UUID) (decimal.Decimal, error) {
	var payments []models.Payment
	err := r.db.ExecuteWithRetry(ctx, "payments.sum_paid", 0, func(tx *gorm.DB) error {
		payments = payments[:0]
		return tx.Select("amount").
			Where("order_id = ? AND status IN ?", orderID,
				[]string{string(models.PaymentStatusPaid), string(models.PaymentStatusRefunded)}).
			Find(&payments).Error
	})
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to sum payments")
	}
	total := decimal.Zero
	for _, payment := range payments {
		total = total.Add(payment.Amount)
	}
	return total, nil
}

// FindBySquarePaymentID gets a payment by its remote id
func (r *PaymentRepository) FindBySquarePaymentID(ctx context.Context, squarePaymentID string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.ExecuteWithRetry(ctx, "payments.find_by_square_id", 0, func(tx *gorm.DB) error {
		return tx.Where("square_payment_id = ?", squarePaymentID).First(&payment).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return &payment, nil
}

// RefundRepository provides access to refund data
type RefundRepository struct {
	db *database.RetryDB
}

// NewRefundRepository creates a new repository
func NewRefundRepository(db *database.RetryDB) *RefundRepository {
	return &RefundRepository{db: db}
}

// Upsert inserts the refund or updates the row with the same remote id.
// On return refund holds the stored row.
func (r *RefundRepository) Upsert(ctx context.Context, refund *models.Refund) error {
	err := r.db.ExecuteWithRetry(ctx, "refunds.upsert", 0, func(tx *gorm.DB) error {
		err := tx.Omit(clause.Associations).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "square_refund_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"order_id", "payment_id", "amount", "currency", "status", "reason", "raw_data", "updated_at"}),
		}).Create(refund).Error
		if err != nil {
			return err
		}
		var stored models.Refund
		if err := tx.Where("square_refund_id = ?", refund.SquareRefundID).First(&stored).Error; err != nil {
			return err
		}
		*refund = stored
		return nil
	})
	return errors.Wrap(translate(err), "failed to upsert refund")
}

// SumCompleted totals the COMPLETED refunds of an order
func (r *RefundRepository) SumCompleted(ctx context.Context, orderID uuid.UUID) (decimal.Decimal, error) {
	var refunds []models.Refund
	err := r.db.ExecuteWithRetry(ctx, "refunds.sum_completed", 0, func(tx *gorm.DB) error {
		refunds = refunds[:0]
		return tx.Select("amount").
			Where("order_id = ? AND status = ?", orderID, string(models.RefundStatusCompleted)).
			Find(&refunds).Error
	})
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to sum refunds")
	}
	total := decimal.Zero
	for _, refund := range refunds {
		total = total.Add(refund.Amount)
	}
	return total, nil
}

// FindBySquareRefundID gets a refund by its remote id
func (r *RefundRepository) FindBySquareRefundID(ctx context.Context, squareRefundID string) (*models.Refund, error) {
	var refund models.Refund
	err := r.db.ExecuteWithRetry(ctx, "refunds.find_by_square_id", 0, func(tx *gorm.DB) error {
		return tx.Where("square_refund_id = ?", squareRefundID).First(&refund).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return &refund, nil
}
