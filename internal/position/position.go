// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package position implements the per-position pipeline: device lookup,
// device-state mutation (odometer, trip state machine, flags), persistence,
// and hand-off to the alert engine, per spec.md section 4.3.
package position

import (
	"context"
	"time"

	"fleetwatch/internal/apperrors"
	"fleetwatch/internal/bus"
	"fleetwatch/internal/devicelock"
	"fleetwatch/internal/geo"
	"fleetwatch/internal/logging"
	"fleetwatch/internal/model"
)

// movingThresholdKMH is the speed above which a device counts as moving for
// the is_moving flag, per spec.md section 4.3 step 5.
const movingThresholdKMH = 1.0

// Store is the subset of store.Store the processor needs. It is declared
// locally, as alerting.DeviceStore is, to avoid a dependency on the concrete
// persistence package from this package's public surface.
type Store interface {
	DeviceByIMEI(ctx context.Context, imei string) (*model.Device, error)
	LoadDeviceState(ctx context.Context, deviceID int64) (*model.DeviceState, error)
	SaveDeviceState(ctx context.Context, state *model.DeviceState) error
	SavePosition(ctx context.Context, deviceID int64, pos model.NormalizedPosition) (int64, error)
	OpenTrip(ctx context.Context, trip *model.Trip) (string, error)
	CloseTrip(ctx context.Context, tripID string, endTime time.Time, endLat, endLon, distanceKM, maxSpeed, avgSpeed, durationMinutes float64) error
}

// AlertEngine is the subset of alerting.Engine the processor hands positions
// off to.
type AlertEngine interface {
	Dispatch(ctx context.Context, pos model.NormalizedPosition, device model.Device, state *model.DeviceState) error
}

// Processor implements spec.md section 4.3.
type Processor struct {
	store  Store
	engine AlertEngine
	bus    *bus.Bus
	locks  *devicelock.Registry
	logger *logging.Logger
}

// NewProcessor builds a Processor. locks must be the same devicelock.Registry
// the periodic sweep locks against, so that a device's live ingestion and
// its sweep evaluation never run their load-mutate-save spans concurrently.
func NewProcessor(store Store, engine AlertEngine, realtime *bus.Bus, logger *logging.Logger, locks *devicelock.Registry) *Processor {
	return &Processor{store: store, engine: engine, bus: realtime, locks: locks, logger: logger.WithComponent("position")}
}

// Process runs the full section 4.3 pipeline for one normalized position.
// It returns apperrors.KindUnknownDevice when the IMEI is not registered;
// callers should log and drop per spec.md section 7, not treat it as fatal.
func (p *Processor) Process(ctx context.Context, pos model.NormalizedPosition) error {
	device, err := p.store.DeviceByIMEI(ctx, pos.IMEI)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindUnknownDevice, "position: unknown device")
	}

	// Serialize this device's whole load-mutate-save span (state load
	// through alert dispatch) against any other goroutine touching the
	// same device: a second connection for the same IMEI during the
	// gateway's connection-supersede window, or the periodic sweep.
	if p.locks != nil {
		unlock := p.locks.Lock(device.ID)
		defer unlock()
	}

	state, err := p.store.LoadDeviceState(ctx, device.ID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindDatabase, "position: load device state")
	}

	if err := p.applyToState(ctx, pos, device, state); err != nil {
		return err
	}

	if _, err := p.store.SavePosition(ctx, device.ID, pos); err != nil {
		return apperrors.Wrap(err, apperrors.KindDatabase, "position: save position record")
	}
	if err := p.store.SaveDeviceState(ctx, state); err != nil {
		return apperrors.Wrap(err, apperrors.KindDatabase, "position: save device state")
	}

	if p.bus != nil {
		p.bus.Publish(device.ID, bus.Message{
			Type:      bus.MessagePosition,
			DeviceID:  device.ID,
			Payload:   pos,
			Timestamp: pos.ServerTime,
		})
	}

	if p.engine != nil {
		if err := p.engine.Dispatch(ctx, pos, *device, state); err != nil {
			p.logger.ErrorContext(ctx, "alert dispatch failed", "device_id", device.ID, "error", err)
		}
	}
	return nil
}

// applyToState mutates state in place per spec.md section 4.3 steps 3-5:
// odometer accumulation, the ignition-keyed trip state machine, and flag
// updates. It is the core of the processor and has no suspension points of
// its own, so it is kept pure of I/O beyond the trip open/close calls.
func (p *Processor) applyToState(ctx context.Context, pos model.NormalizedPosition, device *model.Device, state *model.DeviceState) error {
	if state.HasPosition() {
		distanceKM := geo.DistanceKM(state.LastLatitude, state.LastLongitude, pos.Latitude, pos.Longitude)
		state.TotalOdometerKM += distanceKM
		if state.ActiveTripID != nil {
			state.TripOdometerKM += distanceKM
		}
	}

	if pos.Ignition != nil {
		wasOn := state.IgnitionOn
		isOn := *pos.Ignition
		if !wasOn && isOn {
			if err := p.openTrip(ctx, device.ID, pos, state); err != nil {
				return err
			}
			state.LastIgnitionOn = pos.DeviceTime
		} else if wasOn && !isOn {
			if err := p.closeTrip(ctx, pos, state); err != nil {
				return err
			}
			state.LastIgnitionOff = pos.DeviceTime
		}
		state.IgnitionOn = isOn
	}

	speed := 0.0
	if pos.Speed != nil {
		speed = *pos.Speed
		state.IsMoving = speed > movingThresholdKMH
	}
	state.IsOnline = true
	state.LastLatitude = pos.Latitude
	state.LastLongitude = pos.Longitude
	if pos.Altitude != nil {
		state.LastAltitude = *pos.Altitude
	}
	if pos.Speed != nil {
		state.LastSpeed = *pos.Speed
	}
	if pos.Course != nil {
		state.LastCourse = *pos.Course
	}
	if pos.Satellites != nil {
		state.LastSatellites = *pos.Satellites
	}
	state.LastDeviceTime = pos.DeviceTime
	state.LastUpdateUTC = pos.ServerTime
	return nil
}

func (p *Processor) openTrip(ctx context.Context, deviceID int64, pos model.NormalizedPosition, state *model.DeviceState) error {
	trip := &model.Trip{
		DeviceID:  deviceID,
		StartTime: pos.DeviceTime,
		StartLat:  pos.Latitude,
		StartLon:  pos.Longitude,
	}
	id, err := p.store.OpenTrip(ctx, trip)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindDatabase, "position: open trip")
	}
	state.ActiveTripID = &id
	state.TripOdometerKM = 0
	return nil
}

func (p *Processor) closeTrip(ctx context.Context, pos model.NormalizedPosition, state *model.DeviceState) error {
	if state.ActiveTripID == nil {
		return nil
	}
	tripID := *state.ActiveTripID
	durationMinutes := pos.DeviceTime.Sub(state.LastIgnitionOn).Minutes()
	if durationMinutes < 0 {
		durationMinutes = 0
	}
	var avgSpeed float64
	if durationMinutes > 0 {
		avgSpeed = state.TripOdometerKM / durationMinutes * 60
	}
	maxSpeed := state.LastSpeed

	if err := p.store.CloseTrip(ctx, tripID, pos.DeviceTime, pos.Latitude, pos.Longitude, state.TripOdometerKM, maxSpeed, avgSpeed, durationMinutes); err != nil {
		return apperrors.Wrap(err, apperrors.KindDatabase, "position: close trip")
	}
	state.ActiveTripID = nil
	state.TripOdometerKM = 0
	return nil
}
