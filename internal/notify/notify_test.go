package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookDeliversPayload(t *testing.T) {
	var got messagePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL).Notify(context.Background(), "chat-42", "Present: 12 / 30")
	require.NoError(t, err)
	assert.Equal(t, "chat-42", got.ChatID)
	assert.Equal(t, "Present: 12 / 30", got.Message)
}

func TestWebhookSurfacesEndpointFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL).Notify(context.Background(), "chat-42", "hello")
	require.Error(t, err)
}
