// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package position

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetwatch/internal/devicelock"
	"fleetwatch/internal/logging"
	"fleetwatch/internal/model"
)

type fakeStore struct {
	devices    map[string]*model.Device
	states     map[int64]*model.DeviceState
	positions  []model.NormalizedPosition
	openTrips  []model.Trip
	closeCalls []closedTrip
}

type closedTrip struct {
	tripID          string
	endTime         time.Time
	endLat, endLon  float64
	distanceKM      float64
	maxSpeed        float64
	avgSpeed        float64
	durationMinutes float64
}

func newFakeStore() *fakeStore {
	return &fakeStore{devices: map[string]*model.Device{}, states: map[int64]*model.DeviceState{}}
}

func (f *fakeStore) DeviceByIMEI(ctx context.Context, imei string) (*model.Device, error) {
	d, ok := f.devices[imei]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return d, nil
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

func (f *fakeStore) SavePosition(ctx context.Context, deviceID int64, pos model.NormalizedPosition) (int64, error) {
	f.positions = append(f.positions, pos)
	return int64(len(f.positions)), nil
}

func (f *fakeStore) OpenTrip(ctx context.Context, trip *model.Trip) (string, error) {
	trip.ID = "trip-1"
	f.openTrips = append(f.openTrips, *trip)
	return trip.ID, nil
}

func (f *fakeStore) CloseTrip(ctx context.Context, tripID string, endTime time.Time, endLat, endLon, distanceKM, maxSpeed, avgSpeed, durationMinutes float64) error {
	f.closeCalls = append(f.closeCalls, closedTrip{tripID, endTime, endLat, endLon, distanceKM, maxSpeed, avgSpeed, durationMinutes})
	return nil
}

type fakeEngine struct {
	calls int
}

func (f *fakeEngine) Dispatch(ctx context.Context, pos model.NormalizedPosition, device model.Device, state *model.DeviceState) error {
	f.calls++
	return nil
}

func speedPtr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool        { return &v }

func TestProcessDropsUnknownDevice(t *testing.T) {
	store := newFakeStore()
	engine := &fakeEngine{}
	proc := NewProcessor(store, engine, nil, logging.Default(), devicelock.NewRegistry())

	err := proc.Process(context.Background(), model.NormalizedPosition{IMEI: "unknown"})
	require.Error(t, err)
	require.Zero(t, engine.calls)
}

func TestProcessAccumulatesOdometer(t *testing.T) {
	store := newFakeStore()
	store.devices["123"] = &model.Device{ID: 1, IMEI: "123"}
	store.states[1] = &model.DeviceState{
		DeviceID: 1, AlertStates: map[string]any{},
		LastLatitude: 10, LastLongitude: 10, LastDeviceTime: time.Now().Add(-time.Minute),
	}
	engine := &fakeEngine{}
	proc := NewProcessor(store, engine, nil, logging.Default(), devicelock.NewRegistry())

	pos := model.NormalizedPosition{
		IMEI: "123", Latitude: 10.01, Longitude: 10.01,
		DeviceTime: time.Now(), ServerTime: time.Now(), Speed: speedPtr(40),
	}
	err := proc.Process(context.Background(), pos)
	require.NoError(t, err)

	state := store.states[1]
	require.Greater(t, state.TotalOdometerKM, 0.0)
	require.True(t, state.IsMoving)
	require.True(t, state.IsOnline)
	require.Equal(t, 1, engine.calls)
	require.Len(t, store.positions, 1)
}

func TestProcessOpensAndClosesTripOnIgnitionTransitions(t *testing.T) {
	store := newFakeStore()
	store.devices["123"] = &model.Device{ID: 1, IMEI: "123"}
	engine := &fakeEngine{}
	proc := NewProcessor(store, engine, nil, logging.Default(), devicelock.NewRegistry())

	start := time.Now()
	onPos := model.NormalizedPosition{
		IMEI: "123", Latitude: 1, Longitude: 1, Ignition: boolPtr(true),
		DeviceTime: start, ServerTime: start, Speed: speedPtr(0),
	}
	require.NoError(t, proc.Process(context.Background(), onPos))
	state := store.states[1]
	require.NotNil(t, state.ActiveTripID)
	require.Len(t, store.openTrips, 1)

	offPos := model.NormalizedPosition{
		IMEI: "123", Latitude: 1.1, Longitude: 1.1, Ignition: boolPtr(false),
		DeviceTime: start.Add(10 * time.Minute), ServerTime: start.Add(10 * time.Minute), Speed: speedPtr(0),
	}
	require.NoError(t, proc.Process(context.Background(), offPos))
	state = store.states[1]
	require.Nil(t, state.ActiveTripID)
	require.Len(t, store.closeCalls, 1)
	require.Greater(t, store.closeCalls[0].distanceKM, 0.0)
}

func TestProcessNoTransitionWhenIgnitionNil(t *testing.T) {
	store := newFakeStore()
	store.devices["123"] = &model.Device{ID: 1, IMEI: "123"}
	store.states[1] = &model.DeviceState{DeviceID: 1, AlertStates: map[string]any{}, IgnitionOn: true}
	engine := &fakeEngine{}
	proc := NewProcessor(store, engine, nil, logging.Default(), devicelock.NewRegistry())

	pos := model.NormalizedPosition{IMEI: "123", Latitude: 1, Longitude: 1, DeviceTime: time.Now(), ServerTime: time.Now()}
	require.NoError(t, proc.Process(context.Background(), pos))
	require.Empty(t, store.openTrips)
	require.Empty(t, store.closeCalls)
	require.True(t, store.states[1].IgnitionOn, "ignition flag must be unchanged when the frame carries no ignition signal")
}
