package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ReadySet1/destino-sf-sub000/internal/database"
	"github.com/ReadySet1/destino-sf-sub000/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxErrorMessageLength = 2000

// QueueRepository is the webhook event queue store. Every write touches a
// single row keyed by event id.
type QueueRepository struct {
	db  *database.RetryDB
	now func() time.Time
}

// NewQueueRepository creates a new repository
func NewQueueRepository(db *database.RetryDB) *QueueRepository {
	return &QueueRepository{db: db, now: utcNow}
}

// WithClock overrides the time source
func (r *QueueRepository) WithClock(now func() time.Time) *QueueRepository {
	r.now = now
	return r
}

// Enqueue inserts the event, or resets an existing row with the same id to
// PENDING with zero attempts, the new payload and no error.
func (r *QueueRepository) Enqueue(ctx context.Context, event *models.QueuedEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.now()
	}
	event.Status = models.QueueStatusPending
	event.Attempts = 0
	event.Reschedules = 0
	event.ErrorMessage = nil

	err := r.db.ExecuteWithRetry(ctx, "queue.enqueue", 0, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "event_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"event_type":      event.EventType,
				"payload":         event.Payload,
				"status":          string(models.QueueStatusPending),
				"attempts":        0,
				"reschedules":     0,
				"error_message":   nil,
				"last_attempt_at": nil,
				"processed_at":    nil,
			}),
		}).Create(event).Error
	})
	return errors.Wrap(err, "failed to enqueue webhook event")
}

// ClaimBatch returns up to maxItems retryable events that are due, oldest
// first. Rows are not marked here; concurrent callers may claim the same row.
func (r *QueueRepository) ClaimBatch(ctx context.Context, maxItems, maxAttempts int) ([]models.QueuedEvent, error) {
	var events []models.QueuedEvent
	now := r.now()

	err := r.db.ExecuteWithRetry(ctx, "queue.claim", 0, func(tx *gorm.DB) error {
		events = events[:0]
		return tx.
			Where("status IN ? AND attempts < ? AND created_at <= ?",
				[]string{string(models.QueueStatusPending), string(models.QueueStatusFailed)}, maxAttempts, now).
			Order("created_at ASC").
			Limit(maxItems).
			Find(&events).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim webhook events")
	}
	return events, nil
}

// MarkProcessing sets PROCESSING, bumps attempts and stamps last_attempt_at
func (r *QueueRepository) MarkProcessing(ctx context.Context, eventID string) error {
	return r.update(ctx, "queue.mark_processing", eventID, map[string]interface{}{
		"status":          string(models.QueueStatusProcessing),
		"attempts":        gorm.Expr("attempts + 1"),
		"last_attempt_at": r.now(),
	})
}

// MarkCompleted sets COMPLETED and clears the error
func (r *QueueRepository) MarkCompleted(ctx context.Context, eventID string) error {
	return r.update(ctx, "queue.mark_completed", eventID, map[string]interface{}{
		"status":        string(models.QueueStatusCompleted),
		"processed_at":  r.now(),
		"error_message": nil,
	})
}

// MarkFailed sets FAILED and records the cause
func (r *QueueRepository) MarkFailed(ctx context.Context, eventID string, cause error) error {
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	message = truncateUTF8(message, maxErrorMessageLength)

	return r.update(ctx, "queue.mark_failed", eventID, map[string]interface{}{
		"status":          string(models.QueueStatusFailed),
		"error_message":   message,
		"last_attempt_at": r.now(),
	})
}

// Reschedule inserts a fresh copy of event that becomes visible after delay.
// The copy is keyed "<external id>-retry-<unix millis>" however often the
// event was carried forward, and its reschedule count is incremented. The
// original row is left untouched.
func (r *QueueRepository) Reschedule(ctx context.Context, event models.QueuedEvent, delay time.Duration) (*models.QueuedEvent, error) {
	now := r.now()
	retry := &models.QueuedEvent{
		EventID:     fmt.Sprintf("%s-retry-%d", externalEventID(event), now.UnixMilli()),
		EventType:   event.EventType,
		Payload:     event.Payload,
		Status:      models.QueueStatusPending,
		Attempts:    0,
		Reschedules: event.Reschedules + 1,
		CreatedAt:   now.Add(delay),
	}

	err := r.db.ExecuteWithRetry(ctx, "queue.reschedule", 0, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(retry).Error
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reschedule webhook event %s", event.EventID)
	}
	return retry, nil
}

// externalEventID strips the retry suffix from a rescheduled copy
func externalEventID(event models.QueuedEvent) string {
	if event.Reschedules == 0 {
		return event.EventID
	}
	if i := strings.LastIndex(event.EventID, "-retry-"); i > 0 {
		return event.EventID[:i]
	}
	return event.EventID
}

// Get returns one event
func (r *QueueRepository) Get(ctx context.Context, eventID string) (*models.QueuedEvent, error) {
	var event models.QueuedEvent
	err := r.db.ExecuteWithRetry(ctx, "queue.get", 0, func(tx *gorm.DB) error {
		return tx.Where("event_id = ?", eventID).First(&event).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return &event, nil
}

// ListByStatus returns the newest events in a status
func (r *QueueRepository) ListByStatus(ctx context.Context, status models.QueueStatus, limit int) ([]models.QueuedEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []models.QueuedEvent
	err := r.db.ExecuteWithRetry(ctx, "queue.list", 0, func(tx *gorm.DB) error {
		events = events[:0]
		return tx.
			Where("status = ?", string(status)).
			Order("created_at DESC").
			Limit(limit).
			Find(&events).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list webhook events")
	}
	return events, nil
}

// Requeue gives a FAILED event a fresh retry budget
func (r *QueueRepository) Requeue(ctx context.Context, eventID string) error {
	event, err := r.Get(ctx, eventID)
	if err != nil {
		return err
	}
	if event.Status != models.QueueStatusFailed {
		return errors.Wrapf(ErrInvalidState, "event %s is %s", eventID, event.Status)
	}

	var rows int64
	err = r.db.ExecuteWithRetry(ctx, "queue.requeue", 0, func(tx *gorm.DB) error {
		result := tx.Model(&models.QueuedEvent{}).
			Where("event_id = ? AND status = ?", eventID, string(models.QueueStatusFailed)).
			Updates(map[string]interface{}{
				"status":        string(models.QueueStatusPending),
				"attempts":      0,
				"error_message": nil,
			})
		rows = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return errors.Wrap(err, "failed to requeue webhook event")
	}
	if rows == 0 {
		return errors.Wrapf(ErrInvalidState, "event %s changed while requeueing", eventID)
	}
	return nil
}

// PurgeCompleted deletes COMPLETED events processed before cutoff
func (r *QueueRepository) PurgeCompleted(ctx context.Context, cutoff time.Time) (int64, error) {
	var rows int64
	err := r.db.ExecuteWithRetry(ctx, "queue.purge", 0, func(tx *gorm.DB) error {
		result := tx.
			Where("status = ? AND processed_at < ?", string(models.QueueStatusCompleted), cutoff.UTC()).
			Delete(&models.QueuedEvent{})
		rows = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge completed webhook events")
	}
	return rows, nil
}

// CountByStatus returns the queue depth per status
func (r *QueueRepository) CountByStatus(ctx context.Context) (map[models.QueueStatus]int64, error) {
	var rows []struct {
		Status models.QueueStatus
		Count  int64
	}
	err := r.db.ExecuteWithRetry(ctx, "queue.count", 0, func(tx *gorm.DB) error {
		rows = rows[:0]
		return tx.Model(&models.QueuedEvent{}).
			Select("status, count(*) AS count").
			Group("status").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to count webhook events")
	}

	counts := make(map[models.QueueStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (r *QueueRepository) update(ctx context.Context, label, eventID string, values map[string]interface{}) error {
	var rows int64
	err := r.db.ExecuteWithRetry(ctx, label, 0, func(tx *gorm.DB) error {
		result := tx.Model(&models.QueuedEvent{}).Where("event_id = ?", eventID).Updates(values)
		rows = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return errors.Wrapf(err, "failed to update webhook event %s", eventID)
	}
	if rows == 0 {
		return errors.Wrapf(ErrNotFound, "webhook event %s", eventID)
	}
	return nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
