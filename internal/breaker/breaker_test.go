package breaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errUpstream = errors.New("upstream returned 503")

func failing(calls *int) func(context.Context) (interface{}, error) {
	return func(context.Context) (interface{}, error) {
		*calls++
		return nil, errUpstream
	}
}

func succeeding(calls *int) func(context.Context) (interface{}, error) {
	return func(context.Context) (interface{}, error) {
		*calls++
		return "ok", nil
	}
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	var transitions []string
	b := New(Config{
		Name:             "commerce",
		FailureThreshold: 5,
		ResetTimeout:     time.Minute,
		HalfOpenRequests: 1,
		Now:              clock.Now,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	ctx := context.Background()
	calls := 0
	for i := 0; i < 5; i++ {
		_, err := b.Execute(ctx, failing(&calls))
		require.ErrorIs(t, err, errUpstream)
	}
	require.Equal(t, StateOpen, b.State())

	_, err := b.Execute(ctx, failing(&calls))
	require.ErrorIs(t, err, ErrOpen)
	require.Equal(t, 5, calls, "open circuit must not invoke the operation")

	clock.Advance(time.Minute)

	result, err := b.Execute(ctx, succeeding(&calls))
	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, 6, calls)
	require.Equal(t, StateClosed, b.State())
	require.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
}

func TestBreakerStaysOpenBeforeResetTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := New(Config{FailureThreshold: 2, ResetTimeout: 30 * time.Second, Now: clock.Now})

	calls := 0
	for i := 0; i < 2; i++ {
		_, _ = b.Execute(context.Background(), failing(&calls))
	}

	clock.Advance(29 * time.Second)
	_, err := b.Execute(context.Background(), succeeding(&calls))
	require.ErrorIs(t, err, ErrOpen)
	require.Equal(t, 2, calls)
	require.Equal(t, int64(1), b.Stats().Rejected)
}

func TestBreakerHalfOpenNeedsConsecutiveSuccesses(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := New(Config{FailureThreshold: 1, ResetTimeout: time.Second, HalfOpenRequests: 3, Now: clock.Now})
	ctx := context.Background()
	calls := 0

	_, _ = b.Execute(ctx, failing(&calls))
	require.Equal(t, StateOpen, b.State())
	clock.Advance(time.Second)

	for i := 0; i < 2; i++ {
		_, err := b.Execute(ctx, succeeding(&calls))
		require.NoError(t, err)
		require.Equal(t, StateHalfOpen, b.State())
	}
	_, err := b.Execute(ctx, succeeding(&calls))
	require.NoError(t, err)
	require.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := New(Config{FailureThreshold: 1, ResetTimeout: time.Second, HalfOpenRequests: 3, Now: clock.Now})
	ctx := context.Background()
	calls := 0

	_, _ = b.Execute(ctx, failing(&calls))
	clock.Advance(time.Second)

	_, err := b.Execute(ctx, succeeding(&calls))
	require.NoError(t, err)
	_, err = b.Execute(ctx, failing(&calls))
	require.ErrorIs(t, err, errUpstream)
	require.Equal(t, StateOpen, b.State())

	_, err = b.Execute(ctx, succeeding(&calls))
	require.ErrorIs(t, err, ErrOpen)
}

func TestBreakerIgnoresNonCountableErrors(t *testing.T) {
	errNotFound := errors.New("order not found")
	b := New(Config{
		FailureThreshold: 2,
		Classifier: func(err error) bool {
			return !errors.Is(err, errNotFound)
		},
	})

	for i := 0; i < 10; i++ {
		_, err := b.Execute(context.Background(), func(context.Context) (interface{}, error) {
			return nil, errNotFound
		})
		require.ErrorIs(t, err, errNotFound)
	}

	stats := b.Stats()
	assert.Equal(t, "CLOSED", stats.State)
	assert.Zero(t, stats.ConsecutiveFailures)
	assert.Zero(t, stats.TotalFailures)
	assert.Equal(t, int64(10), stats.TotalRequests)
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := New(Config{FailureThreshold: 3})
	ctx := context.Background()
	calls := 0

	_, _ = b.Execute(ctx, failing(&calls))
	_, _ = b.Execute(ctx, failing(&calls))
	_, _ = b.Execute(ctx, succeeding(&calls))
	_, _ = b.Execute(ctx, failing(&calls))
	_, _ = b.Execute(ctx, failing(&calls))

	require.Equal(t, StateClosed, b.State())
	require.Equal(t, 2, b.Stats().ConsecutiveFailures)
}

func TestBreakerReset(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeout: time.Hour})
	calls := 0

	_, _ = b.Execute(context.Background(), failing(&calls))
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	require.Equal(t, StateClosed, b.State())

	_, err := b.Execute(context.Background(), succeeding(&calls))
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}
