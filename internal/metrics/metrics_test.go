package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCountersAreSafeForConcurrentUse(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncrementCounter("webhook_processed")
		}()
	}
	wg.Wait()

	require.Equal(t, int64(50), m.GetCounters()["webhook_processed"])
}

func TestRecordDispatch(t *testing.T) {
	m := NewMetrics()

	m.RecordDispatch("order.updated", "processed", 20*time.Millisecond)
	m.RecordDispatch("order.updated", "failed", 40*time.Millisecond)

	counters := m.GetCounters()
	require.Equal(t, int64(1), counters["webhook_processed"])
	require.Equal(t, int64(1), counters["webhook_failed:order.updated"])

	timer := m.GetTimers()["webhook_dispatch:order.updated"]
	require.Equal(t, int64(2), timer.Count)
	require.Equal(t, int64(20), timer.MinTimeMs)
	require.Equal(t, int64(40), timer.MaxTimeMs)
	require.InDelta(t, 30.0, timer.AverageTimeMs, 0.001)

	rate := m.GetErrorRates()["webhook_dispatch"]
	require.Equal(t, int64(2), rate.Total)
	require.InDelta(t, 50.0, rate.ErrorRate, 0.001)
}

func TestRecordBreakerTransitionUpdatesHealth(t *testing.T) {
	m := NewMetrics()

	m.RecordBreakerTransition("commerce", "OPEN")
	require.False(t, m.GetHealthChecks()["breaker:commerce"])

	m.RecordBreakerTransition("commerce", "CLOSED")
	require.True(t, m.GetHealthChecks()["breaker:commerce"])
	require.Equal(t, int64(1), m.GetCounters()["breaker_transition:commerce:OPEN"])
}
