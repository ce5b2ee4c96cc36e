package correlation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pubtrack/pubtrack/internal/tracker/listener"
	"github.com/pubtrack/pubtrack/internal/tracker/store"
	"github.com/pubtrack/pubtrack/internal/tracker/store/memory"
)

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *fakeNotifier) Notify(_ context.Context, url string, _ *store.RequestRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, url)
}

func (n *fakeNotifier) urls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

func pendingRecord(id, correlationID string) *store.RequestRecord {
	return &store.RequestRecord{
		ID:              id,
		Subject:         "requests.user.create",
		Payload:         []byte(`{"userId":"` + correlationID + `"}`),
		Status:          store.StatusPending,
		CorrelationID:   correlationID,
		ResponseSubject: "responses.user.create",
		ResponseIDField: "userId",
		RequestedAt:     time.Now(),
	}
}

func TestProcessResponseMatches(t *testing.T) {
	requests := memory.NewRequestStore()
	service := NewService(requests, nil, nil, nil)
	ctx := context.Background()

	require.NoError(t, requests.Save(ctx, pendingRecord("REQ-1", "X")))

	matched, err := service.ProcessResponse(ctx, listener.Received{
		Subject:       "responses.user.create",
		MessageID:     "m-1",
		CorrelationID: "X",
		Payload:       []byte(`{"userId":"X","status":"OK"}`),
	}, "responses.user.create")

	require.NoError(t, err)
	assert.True(t, matched)

	record, err := requests.FindByID(ctx, "REQ-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, record.Status)
	assert.JSONEq(t, `{"userId":"X","status":"OK"}`, string(record.Response))
	assert.NotNil(t, record.RespondedAt)
}

func TestProcessResponseWithCustomStatus(t *testing.T) {
	requests := memory.NewRequestStore()
	service := NewService(requests, nil, nil, nil)
	ctx := context.Background()

	require.NoError(t, requests.Save(ctx, pendingRecord("REQ-1", "X")))

	matched, err := service.ProcessResponseWithStatus(ctx, listener.Received{
		CorrelationID: "X",
		Payload:       []byte(`{"userId":"X","error":"downstream"}`),
	}, "responses.user.create", store.StatusFailed)

	require.NoError(t, err)
	assert.True(t, matched)

	record, _ := requests.FindByID(ctx, "REQ-1")
	assert.Equal(t, store.StatusFailed, record.Status)
}

func TestProcessResponseUnmatched(t *testing.T) {
	requests := memory.NewRequestStore()
	service := NewService(requests, nil, nil, nil)
	ctx := context.Background()

	require.NoError(t, requests.Save(ctx, pendingRecord("REQ-1", "X")))

	t.Run("different correlation id", func(t *testing.T) {
		matched, err := service.ProcessResponse(ctx, listener.Received{
			CorrelationID: "Y",
		}, "responses.user.create")
		require.NoError(t, err)
		assert.False(t, matched)

		record, _ := requests.FindByID(ctx, "REQ-1")
		assert.Equal(t, store.StatusPending, record.Status, "state untouched")
	})

	t.Run("blank correlation id", func(t *testing.T) {
		matched, err := service.ProcessResponse(ctx, listener.Received{}, "responses.user.create")
		require.NoError(t, err)
		assert.False(t, matched)
	})
}

func TestProcessResponseIgnoresTerminalRecords(t *testing.T) {
	requests := memory.NewRequestStore()
	service := NewService(requests, nil, nil, nil)
	ctx := context.Background()

	require.NoError(t, requests.Save(ctx, pendingRecord("REQ-1", "X")))

	first := listener.Received{CorrelationID: "X", Payload: []byte(`{"userId":"X","n":1}`)}
	matched, err := service.ProcessResponse(ctx, first, "responses.user.create")
	require.NoError(t, err)
	require.True(t, matched)

	// A duplicate response must not overwrite the terminal record.
	duplicate := listener.Received{CorrelationID: "X", Payload: []byte(`{"userId":"X","n":2}`)}
	matched, err = service.ProcessResponse(ctx, duplicate, "responses.user.create")
	require.NoError(t, err)
	assert.False(t, matched)

	record, _ := requests.FindByID(ctx, "REQ-1")
	assert.JSONEq(t, `{"userId":"X","n":1}`, string(record.Response))
}

func TestProcessResponseFiresWebhook(t *testing.T) {
	requests := memory.NewRequestStore()
	notifier := &fakeNotifier{}
	service := NewService(requests, notifier, nil, nil)
	ctx := context.Background()

	record := pendingRecord("REQ-1", "X")
	record.WebhookURL = "https://example.test/hook"
	require.NoError(t, requests.Save(ctx, record))

	matched, err := service.ProcessResponse(ctx, listener.Received{
		CorrelationID: "X",
		Payload:       []byte(`{"userId":"X"}`),
	}, "responses.user.create")
	require.NoError(t, err)
	require.True(t, matched)

	assert.Equal(t, []string{"https://example.test/hook"}, notifier.urls())
}

func TestMarkRequestTerminal(t *testing.T) {
	requests := memory.NewRequestStore()
	service := NewService(requests, nil, nil, nil)
	ctx := context.Background()

	require.NoError(t, requests.Save(ctx, pendingRecord("REQ-1", "X")))
	require.NoError(t, requests.Save(ctx, pendingRecord("REQ-2", "Y")))

	require.NoError(t, service.MarkRequestAsFailed(ctx, "REQ-1", "downstream exploded"))
	record, _ := requests.FindByID(ctx, "REQ-1")
	assert.Equal(t, store.StatusFailed, record.Status)
	assert.Equal(t, "downstream exploded", record.ErrorMessage)

	require.NoError(t, service.MarkRequestAsTimeout(ctx, "REQ-2", "too slow"))
	record, _ = requests.FindByID(ctx, "REQ-2")
	assert.Equal(t, store.StatusTimeout, record.Status)

	t.Run("unknown id is a no-op", func(t *testing.T) {
		assert.NoError(t, service.MarkRequestAsFailed(ctx, "REQ-missing", "whatever"))
	})
}
