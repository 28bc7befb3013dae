package repositories

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/ReadySet1/destino-sf-sub000/internal/database"
	"github.com/ReadySet1/destino-sf-sub000/internal/models"
	"github.com/ReadySet1/destino-sf-sub000/internal/testutil"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func newTestRetryDB(t *testing.T) *database.RetryDB {
	return database.NewRetryDB(testutil.NewTestDB(t), 3,
		database.WithResetter(func(context.Context) error { return nil }),
		database.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
}

func newQueue(t *testing.T) (*QueueRepository, *testClock) {
	clock := &testClock{now: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}
	return NewQueueRepository(newTestRetryDB(t)).WithClock(clock.Now), clock
}

func queued(id string, createdAt time.Time) *models.QueuedEvent {
	return &models.QueuedEvent{
		EventID:   id,
		EventType: string(models.EventOrderUpdated),
		Payload:   datatypes.JSON(`{"event_id":"` + id + `"}`),
		CreatedAt: createdAt,
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	queue, clock := newQueue(t)

	require.NoError(t, queue.Enqueue(ctx, queued("evt-1", clock.now)))
	require.NoError(t, queue.MarkProcessing(ctx, "evt-1"))
	require.NoError(t, queue.MarkFailed(ctx, "evt-1", errors.New("boom")))

	again := queued("evt-1", clock.now.Add(time.Minute))
	again.Payload = datatypes.JSON(`{"event_id":"evt-1","v":2}`)
	require.NoError(t, queue.Enqueue(ctx, again))

	counts, err := queue.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, map[models.QueueStatus]int64{models.QueueStatusPending: 1}, counts)

	stored, err := queue.Get(ctx, "evt-1")
	require.NoError(t, err)
	require.Equal(t, models.QueueStatusPending, stored.Status)
	require.Zero(t, stored.Attempts)
	require.Nil(t, stored.ErrorMessage)
	require.JSONEq(t, `{"event_id":"evt-1","v":2}`, string(stored.Payload))
}

func TestClaimBatchOrdersOldestFirstAndRespectsLimit(t *testing.T) {
	ctx := context.Background()
	queue, clock := newQueue(t)

	require.NoError(t, queue.Enqueue(ctx, queued("evt-c", clock.now.Add(-1*time.Minute))))
	require.NoError(t, queue.Enqueue(ctx, queued("evt-a", clock.now.Add(-3*time.Minute))))
	require.NoError(t, queue.Enqueue(ctx, queued("evt-b", clock.now.Add(-2*time.Minute))))

	events, err := queue.ClaimBatch(ctx, 2, 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "evt-a", events[0].EventID)
	require.Equal(t, "evt-b", events[1].EventID)

	stored, err := queue.Get(ctx, "evt-a")
	require.NoError(t, err)
	require.Equal(t, models.QueueStatusPending, stored.Status, "claiming does not mark rows")
}

func TestClaimBatchSkipsFutureAndFinishedEvents(t *testing.T) {
	ctx := context.Background()
	queue, clock := newQueue(t)

	require.NoError(t, queue.Enqueue(ctx, queued("due", clock.now.Add(-time.Second))))
	require.NoError(t, queue.Enqueue(ctx, queued("later", clock.now.Add(30*time.Second))))
	require.NoError(t, queue.Enqueue(ctx, queued("done", clock.now.Add(-time.Minute))))
	require.NoError(t, queue.MarkCompleted(ctx, "done"))

	events, err := queue.ClaimBatch(ctx, 10, 3)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "due", events[0].EventID)

	clock.now = clock.now.Add(time.Minute)
	events, err = queue.ClaimBatch(ctx, 10, 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestClaimBatchEnforcesRetryBudget(t *testing.T) {
	ctx := context.Background()
	queue, clock := newQueue(t)
	require.NoError(t, queue.Enqueue(ctx, queued("evt-bad", clock.now)))

	for attempt := 1; attempt <= 3; attempt++ {
		events, err := queue.ClaimBatch(ctx, 10, 3)
		require.NoError(t, err)
		require.Len(t, events, 1, "attempt %d", attempt)

		require.NoError(t, queue.MarkProcessing(ctx, "evt-bad"))
		require.NoError(t, queue.MarkFailed(ctx, "evt-bad", errors.New("invalid payload")))
	}

	events, err := queue.ClaimBatch(ctx, 10, 3)
	require.NoError(t, err)
	require.Empty(t, events)

	stored, err := queue.Get(ctx, "evt-bad")
	require.NoError(t, err)
	require.Equal(t, models.QueueStatusFailed, stored.Status)
	require.Equal(t, 3, stored.Attempts)
	require.Equal(t, "invalid payload", *stored.ErrorMessage)
	require.NotNil(t, stored.LastAttemptAt)
}

func TestMarkCompletedClearsError(t *testing.T) {
	ctx := context.Background()
	queue, clock := newQueue(t)
	require.NoError(t, queue.Enqueue(ctx, queued("evt-2", clock.now)))
	require.NoError(t, queue.MarkProcessing(ctx, "evt-2"))
	require.NoError(t, queue.MarkFailed(ctx, "evt-2", errors.New("timeout")))
	require.NoError(t, queue.MarkProcessing(ctx, "evt-2"))
	require.NoError(t, queue.MarkCompleted(ctx, "evt-2"))

	stored, err := queue.Get(ctx, "evt-2")
	require.NoError(t, err)
	require.Equal(t, models.QueueStatusCompleted, stored.Status)
	require.Equal(t, 2, stored.Attempts)
	require.Nil(t, stored.ErrorMessage)
	require.NotNil(t, stored.ProcessedAt)
}

func TestMarkOnUnknownEvent(t *testing.T) {
	queue, _ := newQueue(t)
	err := queue.MarkCompleted(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReschedule(t *testing.T) {
	ctx := context.Background()
	queue, clock := newQueue(t)
	original := queued("evt-race", clock.now)
	require.NoError(t, queue.Enqueue(ctx, original))

	retry, err := queue.Reschedule(ctx, *original, 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, "evt-race-retry-1717236000000", retry.EventID)

	stored, err := queue.Get(ctx, retry.EventID)
	require.NoError(t, err)
	require.Equal(t, models.QueueStatusPending, stored.Status)
	require.Zero(t, stored.Attempts)
	require.Equal(t, original.EventType, stored.EventType)
	require.JSONEq(t, string(original.Payload), string(stored.Payload))
	require.True(t, stored.CreatedAt.Equal(clock.now.Add(30*time.Second)))
}

func TestRescheduleKeepsEventIDBounded(t *testing.T) {
	ctx := context.Background()
	queue, clock := newQueue(t)
	original := queued(strings.Repeat("e", models.MaxExternalEventIDLength), clock.now)
	require.NoError(t, queue.Enqueue(ctx, original))

	current := *original
	for i := 1; i <= 10; i++ {
		clock.now = clock.now.Add(time.Millisecond)
		retry, err := queue.Reschedule(ctx, current, time.Second)
		require.NoError(t, err)
		require.Equal(t, i, retry.Reschedules)
		require.LessOrEqual(t, len(retry.EventID), 191)
		require.Equal(t, fmt.Sprintf("%s-retry-%d", original.EventID, clock.now.UnixMilli()), retry.EventID)

		stored, err := queue.Get(ctx, retry.EventID)
		require.NoError(t, err)
		require.Equal(t, i, stored.Reschedules)
		current = *stored
	}
}

func TestMarkFailedTruncatesOnRuneBoundary(t *testing.T) {
	ctx := context.Background()
	queue, clock := newQueue(t)
	require.NoError(t, queue.Enqueue(ctx, queued("evt-utf8", clock.now)))

	cause := errors.New(strings.Repeat("a", maxErrorMessageLength-1) + "é and more")
	require.NoError(t, queue.MarkFailed(ctx, "evt-utf8", cause))

	stored, err := queue.Get(ctx, "evt-utf8")
	require.NoError(t, err)
	require.True(t, utf8.ValidString(*stored.ErrorMessage))
	require.Equal(t, strings.Repeat("a", maxErrorMessageLength-1), *stored.ErrorMessage)
}

func TestRequeue(t *testing.T) {
	ctx := context.Background()
	queue, clock := newQueue(t)
	require.NoError(t, queue.Enqueue(ctx, queued("evt-op", clock.now)))

	require.ErrorIs(t, queue.Requeue(ctx, "evt-op"), ErrInvalidState)
	require.ErrorIs(t, queue.Requeue(ctx, "missing"), ErrNotFound)

	for i := 0; i < 3; i++ {
		require.NoError(t, queue.MarkProcessing(ctx, "evt-op"))
		require.NoError(t, queue.MarkFailed(ctx, "evt-op", errors.New("constraint")))
	}
	require.NoError(t, queue.Requeue(ctx, "evt-op"))

	events, err := queue.ClaimBatch(ctx, 10, 3)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Zero(t, events[0].Attempts)
}

func TestPurgeCompleted(t *testing.T) {
	ctx := context.Background()
	queue, clock := newQueue(t)
	require.NoError(t, queue.Enqueue(ctx, queued("old", clock.now)))
	require.NoError(t, queue.Enqueue(ctx, queued("pending", clock.now)))
	require.NoError(t, queue.MarkCompleted(ctx, "old"))

	clock.now = clock.now.Add(48 * time.Hour)
	require.NoError(t, queue.Enqueue(ctx, queued("recent", clock.now)))
	require.NoError(t, queue.MarkCompleted(ctx, "recent"))

	purged, err := queue.PurgeCompleted(ctx, clock.now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)

	_, err = queue.Get(ctx, "old")
	require.ErrorIs(t, err, ErrNotFound)

	listed, err := queue.ListByStatus(ctx, models.QueueStatusCompleted, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, "recent", listed[0].EventID)
}
