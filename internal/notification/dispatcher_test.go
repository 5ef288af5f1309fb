// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package notification

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"fleetwatch/internal/model"
)

func TestDispatcherSendsToWebhook(t *testing.T) {
	var called atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		require.Equal(t, "Speed alert", body["title"])
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	d := NewDispatcher(nil)
	channels := []model.NotificationChannel{{Name: "primary", URL: ts.URL}}
	d.Send(channels, Notification{Title: "Speed alert", Message: "over limit", Severity: model.SeverityWarning})

	require.EqualValues(t, 1, called.Load())
}

func TestDispatcherRateLimitsRepeatedTitle(t *testing.T) {
	var called atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	d := NewDispatcher(nil)
	channels := []model.NotificationChannel{{Name: "primary", URL: ts.URL}}

	d.Send(channels, Notification{Title: "dup", Message: "first"})
	d.Send(channels, Notification{Title: "dup", Message: "second"})

	require.EqualValues(t, 1, called.Load())
}

func TestDispatcherSkipsUnmatchedChannel(t *testing.T) {
	d := NewDispatcher(nil)
	channels := []model.NotificationChannel{{Name: "unknown", URL: "ftp://example.com/x"}}
	// Should not panic or block; nothing to assert beyond completion.
	d.Send(channels, Notification{Title: "t", Message: "m"})
}

func TestSelectChannelsExplicitSelectionWins(t *testing.T) {
	user := model.User{Channels: []model.NotificationChannel{
		{Name: "a", URL: "https://a"}, {Name: "b", URL: "https://b"},
	}}
	got := SelectChannels(user, []string{"b"}, "", nil)
	require.Len(t, got, 1)
	require.Equal(t, "b", got[0].Name)
}

func TestSelectChannelsConfigKeyStrictFilterWhenPresent(t *testing.T) {
	user := model.User{Channels: []model.NotificationChannel{
		{Name: "a", URL: "https://a"}, {Name: "b", URL: "https://b"},
	}}
	// config_key present but maps to an empty list: strict filter, no channels.
	got := SelectChannels(user, nil, "maintenance", map[string][]string{"maintenance": {}})
	require.Empty(t, got)
}

func TestSelectChannelsDefaultsToAllWhenKeyAbsent(t *testing.T) {
	user := model.User{Channels: []model.NotificationChannel{
		{Name: "a", URL: "https://a"}, {Name: "b", URL: "https://b"},
	}}
	got := SelectChannels(user, nil, "maintenance", map[string][]string{})
	require.Len(t, got, 2)
}

func TestWebhookHandlerMatchesHTTPAndHTTPS(t *testing.T) {
	h := NewWebhookHandler()
	require.True(t, h.Matches("https://hooks.example.com/x"))
	require.True(t, h.Matches("http://hooks.example.com/x"))
	require.False(t, h.Matches("sip:1234@example.com"))
}

func TestVoiceCallHandlerMatchesSIP(t *testing.T) {
	h := NewVoiceCallHandler()
	require.True(t, h.Matches("sip:1234@example.com"))
	require.True(t, h.Matches("sips:1234@example.com"))
	require.False(t, h.Matches("https://example.com"))
}

func TestVoiceCallHandlerRequiresGateway(t *testing.T) {
	h := NewVoiceCallHandler()
	err := h.Send("sip:1234@example.com", "t", "m")
	require.Error(t, err)
}
