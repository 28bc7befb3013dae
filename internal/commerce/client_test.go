package commerce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ReadySet1/destino-sf-sub000/config"
	"github.com/ReadySet1/destino-sf-sub000/internal/breaker"
	"github.com/ReadySet1/destino-sf-sub000/internal/cache"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryCache struct {
	values map[string][]byte
}

func (m *memoryCache) Get(_ context.Context, key string, value interface{}) error {
	data, ok := m.values[key]
	if !ok {
		return errors.New("miss")
	}
	return json.Unmarshal(data, value)
}

func (m *memoryCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.values[key] = data
	return nil
}

func newTestClient(url string, threshold int, snapshots SnapshotCache) *Client {
	cb := breaker.New(breaker.Config{
		Name:             "commerce",
		FailureThreshold: threshold,
		ResetTimeout:     time.Hour,
		Classifier:       IsCountableFailure,
	})
	return NewClient(config.CommerceConfig{BaseURL: url, AccessToken: "token"}, cb, snapshots)
}

func TestRetrieveOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/orders/ORD-1", r.URL.Path)
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("Square-Version"))
		_, _ = w.Write([]byte(`{"order":{"id":"ORD-1","state":"OPEN"}}`))
	}))
	defer server.Close()

	order, err := newTestClient(server.URL, 5, nil).RetrieveOrder(context.Background(), "ORD-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"ORD-1","state":"OPEN"}`, string(order))
}

func TestRetrieveOrderAlwaysFetchesCurrentState(t *testing.T) {
	var state atomic.Value
	state.Store("OPEN")
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(`{"order":{"id":"ORD-2","state":"` + state.Load().(string) + `"}}`))
	}))
	defer server.Close()

	snapshots := &memoryCache{values: map[string][]byte{}}
	client := newTestClient(server.URL, 5, snapshots)

	order, err := client.RetrieveOrder(context.Background(), "ORD-2")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"ORD-2","state":"OPEN"}`, string(order))

	state.Store("COMPLETED")
	order, err = client.RetrieveOrder(context.Background(), "ORD-2")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"ORD-2","state":"COMPLETED"}`, string(order))
	require.Equal(t, int32(2), atomic.LoadInt32(&hits))
	require.JSONEq(t, `{"id":"ORD-2","state":"COMPLETED"}`, string(snapshots.values[cache.RemoteOrderKey("ORD-2")]))
}

func TestRetrieveOrderServesCachedSnapshotWhenUnavailable(t *testing.T) {
	var failing atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"order":{"id":"ORD-5","state":"OPEN","version":3}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 5, &memoryCache{values: map[string][]byte{}})
	_, err := client.RetrieveOrder(context.Background(), "ORD-5")
	require.NoError(t, err)

	failing.Store(true)
	order, err := client.RetrieveOrder(context.Background(), "ORD-5")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"ORD-5","state":"OPEN","version":3}`, string(order))

	_, err = client.RetrieveOrder(context.Background(), "ORD-unknown")
	require.Error(t, err)
}

func TestRetrieveOrderDoesNotServeCacheForMissingOrders(t *testing.T) {
	var missing atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if missing.Load() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"order":{"id":"ORD-6","state":"OPEN"}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 5, &memoryCache{values: map[string][]byte{}})
	_, err := client.RetrieveOrder(context.Background(), "ORD-6")
	require.NoError(t, err)

	missing.Store(true)
	_, err = client.RetrieveOrder(context.Background(), "ORD-6")
	require.True(t, IsNotFound(err))
}

func TestRetrieveOrderNotFoundDoesNotTripBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errors":[{"category":"INVALID_REQUEST_ERROR","code":"NOT_FOUND","detail":"Order not found"}]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 2, nil)
	for i := 0; i < 5; i++ {
		_, err := client.RetrieveOrder(context.Background(), "missing")
		require.True(t, IsNotFound(err))
	}
	require.Equal(t, breaker.StateClosed, client.Breaker().State())
}

func TestRetrieveOrderServerErrorsOpenBreaker(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 2, nil)
	for i := 0; i < 2; i++ {
		_, err := client.RetrieveOrder(context.Background(), "ORD-3")
		require.Error(t, err)
	}

	_, err := client.RetrieveOrder(context.Background(), "ORD-3")
	require.ErrorIs(t, err, breaker.ErrOpen)
	require.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestRetrieveOrderWithoutToken(t *testing.T) {
	cb := breaker.New(breaker.Config{Classifier: IsCountableFailure})
	client := NewClient(config.CommerceConfig{}, cb, nil)

	_, err := client.RetrieveOrder(context.Background(), "ORD-4")
	require.ErrorIs(t, err, ErrNotConfigured)
	require.Zero(t, cb.Stats().TotalFailures)
}

func TestIsCountableFailure(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unauthorized", &APIError{StatusCode: 401}, false},
		{"forbidden", &APIError{StatusCode: 403}, false},
		{"not found", &APIError{StatusCode: 404}, false},
		{"bad request", &APIError{StatusCode: 400}, false},
		{"throttled", &APIError{StatusCode: 429}, true},
		{"server error", errors.Wrap(&APIError{StatusCode: 503}, "retrieve"), true},
		{"network", errors.New("dial tcp: connection refused"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsCountableFailure(tc.err))
		})
	}
}

func TestIsAuth(t *testing.T) {
	require.True(t, IsAuth(&APIError{StatusCode: 401}))
	require.True(t, IsAuth(errors.Wrap(&APIError{StatusCode: 400, Category: "AUTHENTICATION_ERROR"}, "x")))
	require.False(t, IsAuth(&APIError{StatusCode: 500}))
}
