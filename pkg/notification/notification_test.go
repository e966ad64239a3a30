package notification

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifierConfigEnabled(t *testing.T) {
	assert.False(t, NotifierConfig{}.Enabled())
	assert.True(t, NotifierConfig{Webhook: "https://example.com/hook"}.Enabled())
	assert.True(t, NotifierConfig{SlackWebhook: "https://hooks.slack.com/x"}.Enabled())
}

func TestNotifyGenericWebhook(t *testing.T) {
	var received Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifier(NotifierConfig{Webhook: server.URL}, false)
	event := RenewalFailedEvent("torrust-demo",
		[]string{"tracker.example.com"}, assert.AnError)

	require.NoError(t, n.Notify(event))
	assert.Equal(t, EventRenewalFailed, received.Type)
	assert.Equal(t, "torrust-demo", received.Project)
	assert.Equal(t, []string{"tracker.example.com"}, received.Hostnames)
	assert.NotEmpty(t, received.Error)
}

func TestNotifyServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	n := NewNotifier(NotifierConfig{Webhook: server.URL}, false)
	err := n.Notify(CertExpiredEvent("torrust-demo", []string{"tracker.example.com"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestNotifyFillsTimestamp(t *testing.T) {
	var received Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
	}))
	defer server.Close()

	n := NewNotifier(NotifierConfig{Webhook: server.URL}, false)
	require.NoError(t, n.Notify(Event{Type: EventSetupSucceeded, Project: "torrust-demo"}))
	assert.WithinDuration(t, time.Now(), received.Timestamp, time.Minute)
}
