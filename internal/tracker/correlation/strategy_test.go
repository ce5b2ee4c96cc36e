package correlation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/pubtrack/pubtrack/internal/tracker/errors"
	"github.com/pubtrack/pubtrack/internal/tracker/store"
	"github.com/pubtrack/pubtrack/internal/tracker/store/memory"
)

type fakeStarter struct {
	calls []string
	err   error
}

func (f *fakeStarter) EnsureListenerActive(subject, idField string) (string, error) {
	f.calls = append(f.calls, subject+"|"+idField)
	return "listener-1", f.err
}

func TestProcessRequestWithoutTracking(t *testing.T) {
	starter := &fakeStarter{}
	strategy := NewPayloadTrackingStrategy(starter, memory.NewRequestStore(), nil)

	tc, err := strategy.ProcessRequest(context.Background(), PublishRequest{
		Subject: "events.audit",
		Payload: []byte(`{"event":"login"}`),
	}, "REQ-1")

	require.NoError(t, err)
	assert.False(t, tc.RequiresTracking)
	assert.Empty(t, tc.ExtractedID)
	assert.Empty(t, starter.calls, "no listener activation for untracked publishes")
}

func TestProcessRequestActivatesListenerBeforeReturning(t *testing.T) {
	starter := &fakeStarter{}
	strategy := NewPayloadTrackingStrategy(starter, memory.NewRequestStore(), nil)

	tc, err := strategy.ProcessRequest(context.Background(), PublishRequest{
		Subject:         "requests.user.create",
		Payload:         []byte(`{"userId":"u-42","name":"ada"}`),
		ResponseSubject: "responses.user.create",
		ResponseIDField: "userId",
	}, "REQ-1")

	require.NoError(t, err)
	assert.True(t, tc.RequiresTracking)
	assert.Equal(t, "u-42", tc.ExtractedID)
	assert.Equal(t, []string{"responses.user.create|userId"}, starter.calls)
}

func TestProcessRequestMissingCorrelationField(t *testing.T) {
	starter := &fakeStarter{}
	strategy := NewPayloadTrackingStrategy(starter, memory.NewRequestStore(), nil)

	_, err := strategy.ProcessRequest(context.Background(), PublishRequest{
		Subject:         "requests.user.create",
		Payload:         []byte(`{"name":"ada"}`),
		ResponseSubject: "responses.user.create",
		ResponseIDField: "userId",
	}, "REQ-1")

	require.Error(t, err)
	var verr *errspkg.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Empty(t, starter.calls, "no listener activation when extraction fails")
}

func TestProcessRequestListenerFailure(t *testing.T) {
	starter := &fakeStarter{err: errors.New("stream unavailable")}
	strategy := NewPayloadTrackingStrategy(starter, memory.NewRequestStore(), nil)

	_, err := strategy.ProcessRequest(context.Background(), PublishRequest{
		Subject:         "requests.user.create",
		Payload:         []byte(`{"userId":"u-42"}`),
		ResponseSubject: "responses.user.create",
		ResponseIDField: "userId",
	}, "REQ-1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to activate response listener")
}

func TestHandlePublishSuccess(t *testing.T) {
	requests := memory.NewRequestStore()
	strategy := NewPayloadTrackingStrategy(&fakeStarter{}, requests, nil)
	ctx := context.Background()

	t.Run("untracked context is a no-op", func(t *testing.T) {
		assert.NoError(t, strategy.HandlePublishSuccess(ctx, TrackingContext{RequestID: "REQ-1"}))
	})

	t.Run("missing record is tolerated", func(t *testing.T) {
		assert.NoError(t, strategy.HandlePublishSuccess(ctx, TrackingContext{
			RequestID:        "REQ-missing",
			RequiresTracking: true,
		}))
	})

	t.Run("terminal record is left alone", func(t *testing.T) {
		record := pendingRecord("REQ-2", "X")
		record.Status = store.StatusSuccess
		require.NoError(t, requests.Save(ctx, record))

		require.NoError(t, strategy.HandlePublishSuccess(ctx, TrackingContext{
			RequestID:        "REQ-2",
			RequiresTracking: true,
		}))

		got, _ := requests.FindByID(ctx, "REQ-2")
		assert.Equal(t, store.StatusSuccess, got.Status)
	})
}
