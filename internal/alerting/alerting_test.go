// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package alerting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetwatch/internal/model"
)

type fakeStore struct {
	states       map[int64]*model.DeviceState
	geofences    map[int64][]model.Geofence
	users        map[int64][]model.User
	savedHistory []model.AlertHistory
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: map[int64]*model.DeviceState{}, geofences: map[int64][]model.Geofence{}, users: map[int64][]model.User{}}
}

func (f *fakeStore) LoadDeviceState(ctx context.Context, deviceID int64) (*model.DeviceState, error) {
	if s, ok := f.states[deviceID]; ok {
		return s, nil
	}
	return &model.DeviceState{DeviceID: deviceID, AlertStates: map[string]any{}}, nil
}
func (f *fakeStore) SaveDeviceState(ctx context.Context, state *model.DeviceState) error {
	f.states[state.DeviceID] = state
	return nil
}
func (f *fakeStore) GeofencesForDevice(ctx context.Context, deviceID int64) ([]model.Geofence, error) {
	return f.geofences[deviceID], nil
}
func (f *fakeStore) UsersForDevice(ctx context.Context, deviceID int64) ([]model.User, error) {
	return f.users[deviceID], nil
}
func (f *fakeStore) SaveAlertHistory(ctx context.Context, entry model.AlertHistory) (string, error) {
	f.savedHistory = append(f.savedHistory, entry)
	return "id", nil
}

type fakeModule struct {
	key    string
	fire   bool
	called int
}

func (m *fakeModule) Definition() Definition { return Definition{Key: m.key} }
func (m *fakeModule) Check(ctx EvalContext) (*AlertData, error) {
	m.called++
	if !m.fire {
		return nil, nil
	}
	return &AlertData{AlertType: m.key, Severity: model.SeverityWarning, Message: "fired"}, nil
}

func speedPtr(v float64) *float64 { return &v }

func TestDispatchFiresAlertAndPublishesOnce(t *testing.T) {
	registry := NewRegistry()
	fm := &fakeModule{key: "test_module", fire: true}
	registry.Register(fm)

	store := newFakeStore()
	store.users[1] = []model.User{{ID: 10}, {ID: 20}}

	var publishCount int
	engine := NewEngine(registry, store, nil, func(deviceID int64, alertType string, data AlertData) {
		publishCount++
	})

	device := model.Device{ID: 1, Config: model.DeviceConfig{AlertRows: []model.AlertRow{
		{UID: "r1", AlertKey: "test_module"},
	}}}
	state := &model.DeviceState{DeviceID: 1, AlertStates: map[string]any{}}
	pos := model.NormalizedPosition{Latitude: 1, Longitude: 2, Speed: speedPtr(10), ServerTime: time.Now().UTC()}

	err := engine.Dispatch(context.Background(), pos, device, state)
	require.NoError(t, err)

	require.Equal(t, 1, publishCount, "alert must broadcast exactly once regardless of recipient count")
	require.Len(t, store.savedHistory, 2, "one AlertHistory row per recipient")
}

func TestDispatchSkipsInactiveSchedule(t *testing.T) {
	registry := NewRegistry()
	fm := &fakeModule{key: "test_module", fire: true}
	registry.Register(fm)

	store := newFakeStore()
	engine := NewEngine(registry, store, nil, nil)

	device := model.Device{ID: 1, Config: model.DeviceConfig{AlertRows: []model.AlertRow{
		{UID: "r1", AlertKey: "test_module", Schedule: &model.Schedule{Days: map[int]bool{0: true}, HourStart: 0, HourEnd: 23}},
	}}}
	state := &model.DeviceState{DeviceID: 1, AlertStates: map[string]any{}}
	// Pick a time whose weekday is NOT Monday (Days only allows Mon=0).
	sunday := time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC) // a Sunday
	pos := model.NormalizedPosition{Latitude: 1, Longitude: 2, ServerTime: sunday}

	err := engine.Dispatch(context.Background(), pos, device, state)
	require.NoError(t, err)
	require.Zero(t, fm.called, "module must not be invoked outside its schedule")
}

func TestDispatchSkipsUnknownModule(t *testing.T) {
	registry := NewRegistry()
	store := newFakeStore()
	engine := NewEngine(registry, store, nil, nil)

	device := model.Device{ID: 1, Config: model.DeviceConfig{AlertRows: []model.AlertRow{
		{UID: "r1", AlertKey: "does_not_exist"},
	}}}
	state := &model.DeviceState{DeviceID: 1, AlertStates: map[string]any{}}
	pos := model.NormalizedPosition{ServerTime: time.Now().UTC()}

	err := engine.Dispatch(context.Background(), pos, device, state)
	require.NoError(t, err)
}

func TestBuildParamsForCustomRow(t *testing.T) {
	row := model.AlertRow{AlertKey: "__custom__", Name: "harsh braking", Rule: "speed < 5", Channels: []string{"sms"}}
	params := buildParams(row)
	require.Equal(t, "harsh braking", params["name"])
	require.Equal(t, "speed < 5", params["rule"])
}
