package tracker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pubtrack/pubtrack/internal/tracker/config"
	"github.com/pubtrack/pubtrack/internal/tracker/correlation"
	errspkg "github.com/pubtrack/pubtrack/internal/tracker/errors"
	"github.com/pubtrack/pubtrack/internal/tracker/ids"
	"github.com/pubtrack/pubtrack/internal/tracker/jsoncodec"
	"github.com/pubtrack/pubtrack/internal/tracker/store"
	"github.com/pubtrack/pubtrack/internal/tracker/store/memory"
	"github.com/pubtrack/pubtrack/internal/tracker/transport/channel"
)

func newTestService(t *testing.T, tr *channel.Transport, requests *memory.RequestStore) *Service {
	t.Helper()
	service, err := NewService(&config.Config{
		FetchBatchSize: 5,
		FetchMaxWait:   20 * time.Millisecond,
	}, ServiceDependencies{
		Transport: tr,
		Requests:  requests,
	})
	require.NoError(t, err)
	t.Cleanup(service.Stop)
	return service
}

// respondOnce answers the next message on requestSubject by echoing its
// correlation field to responseSubject, the way a downstream worker would.
func respondOnce(t *testing.T, tr *channel.Transport, requestSubject, responseSubject, idField string) {
	t.Helper()
	sub, err := tr.OpenPull(requestSubject)
	require.NoError(t, err)

	go func() {
		defer sub.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for {
			messages, err := sub.Fetch(ctx, 1, 50*time.Millisecond)
			if err != nil {
				return
			}
			if len(messages) == 0 {
				continue
			}
			var doc map[string]any
			if err := jsoncodec.Unmarshal(messages[0].Data(), &doc); err != nil {
				return
			}
			_ = messages[0].Ack()
			response, _ := jsoncodec.Marshal(map[string]any{
				idField:  doc[idField],
				"result": "processed",
			})
			_, _ = tr.Publish(ctx, responseSubject, response, nil)
			return
		}
	}()
}

func TestPublishWithTrackingEndToEnd(t *testing.T) {
	tr := channel.New()
	requests := memory.NewRequestStore()
	service := newTestService(t, tr, requests)
	ctx := context.Background()

	respondOnce(t, tr, "requests.orders", "responses.orders", "orderId")

	result, err := service.PublishWithTracking(ctx, correlation.PublishRequest{
		Subject:         "requests.orders",
		Payload:         []byte(`{"orderId":"o-42","amount":100}`),
		ResponseSubject: "responses.orders",
		ResponseIDField: "orderId",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(result.RequestID, ids.RequestIDPrefix))

	select {
	case err := <-result.Done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not complete")
	}

	require.Eventually(t, func() bool {
		record, err := service.GetStatus(ctx, result.RequestID)
		return err == nil && record != nil && record.Status == store.StatusSuccess
	}, 5*time.Second, 20*time.Millisecond)

	record, err := service.GetStatus(ctx, result.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "o-42", record.CorrelationID)
	assert.JSONEq(t, `{"orderId":"o-42","result":"processed"}`, string(record.Response))
	assert.NotNil(t, record.RespondedAt)
}

func TestPublishWithTrackingActivatesListenerFirst(t *testing.T) {
	tr := channel.New()
	service := newTestService(t, tr, memory.NewRequestStore())

	result, err := service.PublishWithTracking(context.Background(), correlation.PublishRequest{
		Subject:         "requests.orders",
		Payload:         []byte(`{"orderId":"o-1"}`),
		ResponseSubject: "responses.orders",
		ResponseIDField: "orderId",
	})
	require.NoError(t, err)

	// The listener exists as soon as the call returns, before the async
	// publish has necessarily happened.
	statuses := service.ListenerStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "responses.orders", statuses[0].Subject)
	assert.True(t, statuses[0].Active)

	require.NoError(t, <-result.Done)
}

func TestPublishWithTrackingValidation(t *testing.T) {
	tr := channel.New()
	requests := memory.NewRequestStore()
	service := newTestService(t, tr, requests)
	ctx := context.Background()

	cases := []struct {
		name string
		req  correlation.PublishRequest
	}{
		{"missing subject", correlation.PublishRequest{Payload: []byte(`{}`)}},
		{"missing payload", correlation.PublishRequest{Subject: "requests.orders"}},
		{"response subject without id field", correlation.PublishRequest{
			Subject:         "requests.orders",
			Payload:         []byte(`{"orderId":"o-1"}`),
			ResponseSubject: "responses.orders",
		}},
		{"id field without response subject", correlation.PublishRequest{
			Subject:         "requests.orders",
			Payload:         []byte(`{"orderId":"o-1"}`),
			ResponseIDField: "orderId",
		}},
		{"correlation field absent from payload", correlation.PublishRequest{
			Subject:         "requests.orders",
			Payload:         []byte(`{"amount":5}`),
			ResponseSubject: "responses.orders",
			ResponseIDField: "orderId",
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := service.PublishWithTracking(ctx, tc.req)
			require.Error(t, err)
			assert.Equal(t, errspkg.CategoryValidation, errspkg.Classify(err))
		})
	}

	// None of the rejected publishes left a record behind.
	stats, err := service.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestPublishWithoutTracking(t *testing.T) {
	tr := channel.New()
	requests := memory.NewRequestStore()
	service := newTestService(t, tr, requests)
	ctx := context.Background()

	result, err := service.PublishWithTracking(ctx, correlation.PublishRequest{
		Subject: "events.audit",
		Payload: []byte(`{"event":"login"}`),
	})
	require.NoError(t, err)
	require.NoError(t, <-result.Done)

	record, err := service.GetStatus(ctx, result.RequestID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, store.StatusPending, record.Status)
	assert.Empty(t, record.CorrelationID)
	assert.Empty(t, service.ListenerStatuses(), "fire-and-forget publishes start no listener")
}

func TestStopWithoutStart(t *testing.T) {
	service, err := NewService(nil, ServiceDependencies{
		Transport: channel.New(),
		Requests:  memory.NewRequestStore(),
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		service.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked when Start was never called")
	}
}

func TestGetStatusUnknownID(t *testing.T) {
	service := newTestService(t, channel.New(), memory.NewRequestStore())

	record, err := service.GetStatus(context.Background(), "REQ-unknown")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestGetStatistics(t *testing.T) {
	requests := memory.NewRequestStore()
	service := newTestService(t, channel.New(), requests)
	ctx := context.Background()

	save := func(id string, status store.RequestStatus) {
		require.NoError(t, requests.Save(ctx, &store.RequestRecord{
			ID:          id,
			Subject:     "requests.orders",
			Payload:     []byte(`{}`),
			Status:      status,
			RequestedAt: time.Now(),
		}))
	}
	save("REQ-1", store.StatusSuccess)
	save("REQ-2", store.StatusSuccess)
	save("REQ-3", store.StatusTimeout)
	save("REQ-4", store.StatusPending)

	stats, err := service.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, int64(2), stats.ByStatus[store.StatusSuccess])
	assert.InDelta(t, 50.0, stats.SuccessRate, 0.01)
}

func TestSweepTimeoutsOnce(t *testing.T) {
	requests := memory.NewRequestStore()
	tr := channel.New()
	service, err := NewService(&config.Config{
		RequestTimeout: time.Minute,
	}, ServiceDependencies{Transport: tr, Requests: requests})
	require.NoError(t, err)
	t.Cleanup(service.Stop)
	ctx := context.Background()

	require.NoError(t, requests.Save(ctx, &store.RequestRecord{
		ID:          "REQ-stale",
		Subject:     "requests.orders",
		Payload:     []byte(`{}`),
		Status:      store.StatusPending,
		RequestedAt: time.Now().Add(-time.Hour),
	}))

	marked, err := service.SweepTimeoutsOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	record, _ := service.GetStatus(ctx, "REQ-stale")
	assert.Equal(t, store.StatusTimeout, record.Status)
}

func TestNewServiceValidation(t *testing.T) {
	t.Run("transport required", func(t *testing.T) {
		_, err := NewService(nil, ServiceDependencies{Requests: memory.NewRequestStore()})
		assert.ErrorIs(t, err, errspkg.ErrPublisherRequired)
	})

	t.Run("store required", func(t *testing.T) {
		_, err := NewService(nil, ServiceDependencies{Transport: channel.New()})
		assert.ErrorIs(t, err, errspkg.ErrStoreRequired)
	})

	t.Run("lock store required when recovery enabled", func(t *testing.T) {
		_, err := NewService(&config.Config{RecoveryEnabled: true}, ServiceDependencies{
			Transport: channel.New(),
			Requests:  memory.NewRequestStore(),
		})
		assert.ErrorIs(t, err, errspkg.ErrLockStoreRequired)
	})

	t.Run("invalid config rejected", func(t *testing.T) {
		_, err := NewService(&config.Config{FetchBatchSize: -1}, ServiceDependencies{
			Transport: channel.New(),
			Requests:  memory.NewRequestStore(),
		})
		assert.Error(t, err)
	})
}

func TestStartRunsRecovery(t *testing.T) {
	tr := channel.New()
	requests := memory.NewRequestStore()
	locks := memory.NewLockStore()
	ctx := context.Background()

	// A pending tracked request survives from a previous process lifetime.
	require.NoError(t, requests.Save(ctx, &store.RequestRecord{
		ID:              "REQ-orphan",
		Subject:         "requests.orders",
		Payload:         []byte(`{"orderId":"o-9"}`),
		Status:          store.StatusPending,
		CorrelationID:   "o-9",
		ResponseSubject: "responses.orders",
		ResponseIDField: "orderId",
		RequestedAt:     time.Now(),
	}))

	service, err := NewService(&config.Config{
		FetchBatchSize:  5,
		FetchMaxWait:    20 * time.Millisecond,
		RecoveryEnabled: true,
		RecoveryDelay:   time.Millisecond,
		HolderID:        "test-replica",
	}, ServiceDependencies{
		Transport: tr,
		Requests:  requests,
		Locks:     locks,
	})
	require.NoError(t, err)
	t.Cleanup(service.Stop)

	require.NoError(t, service.Start(ctx))

	statuses := service.ListenerStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "responses.orders", statuses[0].Subject)

	// The recovered listener correlates a late response.
	response, _ := jsoncodec.Marshal(map[string]any{"orderId": "o-9", "result": "late"})
	_, err = tr.Publish(ctx, "responses.orders", response, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		record, err := service.GetStatus(ctx, "REQ-orphan")
		return err == nil && record != nil && record.Status == store.StatusSuccess
	}, 5*time.Second, 20*time.Millisecond)
}
