package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWebhookClientDeliversNotification(t *testing.T) {
	var (
		got    WebhookNotification
		header string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Webhook-Secret")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewWebhookClient(server.URL, "hunter2")
	require.True(t, client.Enabled())

	err := client.NotifyStageComplete(context.Background(), "job-1", "corr-1", "http://x/hls/p/master.m3u8", "fast")
	require.NoError(t, err)
	require.Equal(t, "hunter2", header)
	require.Equal(t, "corr-1", got.CorrelationID)
	require.Equal(t, "http://x/hls/p/master.m3u8", got.HLSMasterURL)
	require.Equal(t, "fast", got.Stage)
}

func TestWebhookClientSurfacesServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := NewWebhookClient(server.URL, "")
	err := client.NotifyStageComplete(context.Background(), "job-1", "", "http://x", "fast")
	require.ErrorContains(t, err, "status 403")
}

func TestWebhookClientDisabledWithoutURL(t *testing.T) {
	client := NewWebhookClient("", "secret")
	require.False(t, client.Enabled())
	require.NoError(t, client.NotifyStageComplete(context.Background(), "job-1", "", "", "fast"))
}
