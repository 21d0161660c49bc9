package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testRequest() Request {
	return Request{
		Recipients:       []string{"p1", "family1"},
		MedicationName:   "Aspirin",
		NotificationType: NotifyDoseMissed,
		Urgency:          UrgencyCritical,
		Message:          "Aspirin dose scheduled at 08:00 was missed",
		Context:          map[string]string{"command_id": "med_p1_aspirin"},
	}
}

func TestClient_Dispatch_Success(t *testing.T) {
	var received Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/notifications/dispatch", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Response{Results: []DeliveryResult{
			{Recipient: "p1", Success: true},
			{Recipient: "family1", Success: false, Error: "device offline"},
		}})
	}))
	defer server.Close()

	client := NewClient(server.URL, 2*time.Second, 0, time.Millisecond, time.Millisecond, zap.NewNop())
	resp, err := client.Dispatch(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, NotifyDoseMissed, received.NotificationType)
	assert.Equal(t, UrgencyCritical, received.Urgency)
	require.Len(t, resp.Results, 2)
	assert.True(t, resp.Results[0].Success)
	assert.False(t, resp.Results[1].Success)
}

func TestClient_Dispatch_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, 2*time.Second, 0, time.Millisecond, time.Millisecond, zap.NewNop())
	_, err := client.Dispatch(context.Background(), testRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestClient_Dispatch_RetriesThenFails(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, 2*time.Second, 2, time.Millisecond, 5*time.Millisecond, zap.NewNop())
	_, err := client.Dispatch(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, 3, attempts) // 首发 + 2 次重试
}

func TestNopDispatcher_RecordsRequests(t *testing.T) {
	dispatcher := NewNopDispatcher()
	resp, err := dispatcher.Dispatch(context.Background(), testRequest())
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.True(t, resp.Results[0].Success)

	sent := dispatcher.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, NotifyDoseMissed, sent[0].NotificationType)
}
