// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetwatch/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDeviceUpsertAndLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	dev := &model.Device{IMEI: "123456789012345", ProtocolName: "gt06", DisplayName: "Truck 1"}
	id, err := s.UpsertDevice(ctx, dev)
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := s.DeviceByIMEI(ctx, "123456789012345")
	require.NoError(t, err)
	require.Equal(t, "gt06", got.ProtocolName)
	require.Equal(t, "Truck 1", got.DisplayName)

	_, err = s.DeviceByIMEI(ctx, "nonexistent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeviceStateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	state, err := s.LoadDeviceState(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, int64(42), state.DeviceID)
	require.False(t, state.HasPosition())

	state.LastLatitude = 40.0
	state.LastLongitude = -70.0
	state.LastDeviceTime = time.Now().UTC().Truncate(time.Second)
	state.IgnitionOn = true
	state.AlertStates = map[string]any{"speed_tolerance_since": "2026-01-01T00:00:00Z"}

	require.NoError(t, s.SaveDeviceState(ctx, state))

	reloaded, err := s.LoadDeviceState(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, 40.0, reloaded.LastLatitude)
	require.True(t, reloaded.IgnitionOn)
	require.Equal(t, "2026-01-01T00:00:00Z", reloaded.AlertStates["speed_tolerance_since"])
}

func TestSavePosition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	speed := 42.5
	pos := model.NormalizedPosition{
		IMEI:       "123",
		DeviceTime: time.Now().UTC(),
		ServerTime: time.Now().UTC(),
		Latitude:   10.0,
		Longitude:  20.0,
		Speed:      &speed,
		ValidFix:   true,
		Sensors:    map[string]any{"battery": 80},
	}
	id, err := s.SavePosition(ctx, 1, pos)
	require.NoError(t, err)
	require.NotZero(t, id)
}

func TestTripLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	trip := &model.Trip{DeviceID: 1, StartTime: time.Now().UTC(), StartLat: 1, StartLon: 2}
	id, err := s.OpenTrip(ctx, trip)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	err = s.CloseTrip(ctx, id, time.Now().UTC(), 3, 4, 12.5, 80, 40, 15)
	require.NoError(t, err)
}

func TestAlertHistoryOneRowPerUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, userID := range []int64{1, 2, 3} {
		_, err := s.SaveAlertHistory(ctx, model.AlertHistory{
			UserID: userID, DeviceID: 99, AlertType: "speed_tolerance",
			Severity: model.SeverityWarning, Message: "over limit",
		})
		require.NoError(t, err)
	}
}

func TestCommandQueueLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.EnqueueCommand(ctx, &model.CommandQueue{DeviceID: 1, CommandType: "reboot"})
	require.NoError(t, err)

	pending, err := s.PendingCommands(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, model.CommandPending, pending[0].Status)

	require.NoError(t, s.MarkCommandSent(ctx, id))
	require.NoError(t, s.MarkCommandAcked(ctx, id, "OK"))

	pending, err = s.PendingCommands(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestCommandRetryExhaustion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.EnqueueCommand(ctx, &model.CommandQueue{DeviceID: 1, CommandType: "reboot", MaxRetries: 2})
	require.NoError(t, err)

	require.NoError(t, s.MarkCommandFailed(ctx, id))
	pending, err := s.PendingCommands(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1, "should still be pending after first failure")

	require.NoError(t, s.MarkCommandFailed(ctx, id))
	pending, err = s.PendingCommands(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, pending, "should be failed, not pending, after exhausting retries")
}

func TestGeofencesForDeviceIncludesGlobal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	deviceID := int64(5)
	_, err := s.UpsertGeofence(ctx, &model.Geofence{
		DeviceID: &deviceID, Name: "yard",
		Polygon:      []model.LatLon{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 1}, {Lat: 1, Lon: 1}, {Lat: 0, Lon: 0}},
		AlertOnEnter: true, AlertOnExit: true, IsActive: true,
	})
	require.NoError(t, err)

	_, err = s.UpsertGeofence(ctx, &model.Geofence{
		Name:         "global fence",
		Polygon:      []model.LatLon{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 1}, {Lat: 1, Lon: 1}, {Lat: 0, Lon: 0}},
		AlertOnEnter: true, AlertOnExit: true, IsActive: true,
	})
	require.NoError(t, err)

	fences, err := s.GeofencesForDevice(ctx, deviceID)
	require.NoError(t, err)
	require.Len(t, fences, 2)
}

func TestUsersForDevice(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	user := &model.User{Channels: []model.NotificationChannel{{Name: "primary", URL: "https://hooks.example.com/abc"}}}
	require.NoError(t, s.UpsertUser(ctx, user, []int64{7}))

	users, err := s.UsersForDevice(ctx, 7)
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "primary", users[0].Channels[0].Name)
}
