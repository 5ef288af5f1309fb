// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package alerting implements the module registry and per-position/per-sweep
// dispatch described in spec.md section 4.4, grounded on the teacher's rule
// registry + cooldown + channel fan-out shape (internal/alerting/engine.go),
// generalized from a fixed rule set to a pluggable module contract.
package alerting

import (
	"context"
	"time"

	"fleetwatch/internal/logging"
	"fleetwatch/internal/model"
	"fleetwatch/internal/ruleeval"
)

// FieldSpec describes one typed, labelled, bounded parameter a module
// accepts, for frontend introspection.
type FieldSpec struct {
	Name        string
	Type        string // "float", "int", "string", "bool", "string_list"
	Label       string
	Default     any
	Min         *float64
	Max         *float64
}

// Definition is a module's self-description, per spec.md section 4.4.
type Definition struct {
	Key         string
	Label       string
	Description string
	Severity    model.Severity
	Fields      []FieldSpec
	StateKeys   []string
	Hidden      bool
	Icon        string
}

// AlertData is one fired alert, prior to having its coordinates and
// recipients filled in.
type AlertData struct {
	AlertType        string
	Severity         model.Severity
	Message          string
	Latitude         *float64
	Longitude        *float64
	Metadata         map[string]any
	SelectedChannels []string
	ConfigKey        string
}

// EvalContext is everything a module needs to evaluate one row, for one
// device, at one point in time.
type EvalContext struct {
	Now       time.Time
	Position  model.NormalizedPosition
	Device    model.Device
	State     *model.DeviceState
	Params    map[string]any
	Geofences []model.Geofence
	RuleCache *ruleeval.Cache
}

// Module is the contract every alert module implements.
type Module interface {
	Definition() Definition
	Check(ctx EvalContext) (*AlertData, error)
}

// ManyChecker is implemented by modules that can produce more than one alert
// per position (geofences with multiple matching fences).
type ManyChecker interface {
	CheckMany(ctx EvalContext) ([]AlertData, error)
}

// DeviceChecker is implemented by modules evaluated on the periodic sweep
// rather than per position (e.g. offline_detection).
type DeviceChecker interface {
	CheckDevice(ctx EvalContext) (*AlertData, error)
}

// checkMany calls a module's CheckMany if it implements ManyChecker,
// otherwise wraps its single Check result.
func checkMany(m Module, ctx EvalContext) ([]AlertData, error) {
	if many, ok := m.(ManyChecker); ok {
		return many.CheckMany(ctx)
	}
	alert, err := m.Check(ctx)
	if err != nil || alert == nil {
		return nil, err
	}
	return []AlertData{*alert}, nil
}

// Registry is the startup-time, key-indexed set of alert modules.
type Registry struct {
	modules map[string]Module
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register adds m under its own definition key. Panics on duplicate keys,
// since module registration happens once at startup from a fixed list.
func (r *Registry) Register(m Module) {
	key := m.Definition().Key
	if _, exists := r.modules[key]; exists {
		panic("alerting: duplicate module key " + key)
	}
	r.modules[key] = m
}

// Get returns the module registered under key, if any.
func (r *Registry) Get(key string) (Module, bool) {
	m, ok := r.modules[key]
	return m, ok
}

// Definitions returns every non-hidden module's definition, for the
// frontend's add-alert dropdown.
func (r *Registry) Definitions() []Definition {
	var out []Definition
	for _, m := range r.modules {
		def := m.Definition()
		if !def.Hidden {
			out = append(out, def)
		}
	}
	return out
}

// DeviceStore is the subset of store.Store the engine needs. Defined here
// (not imported from internal/store) to avoid a dependency cycle, since
// store persists the very AlertHistory/DeviceState rows this engine produces.
type DeviceStore interface {
	LoadDeviceState(ctx context.Context, deviceID int64) (*model.DeviceState, error)
	SaveDeviceState(ctx context.Context, state *model.DeviceState) error
	GeofencesForDevice(ctx context.Context, deviceID int64) ([]model.Geofence, error)
	UsersForDevice(ctx context.Context, deviceID int64) ([]model.User, error)
	SaveAlertHistory(ctx context.Context, entry model.AlertHistory) (string, error)
}

// Engine evaluates a device's alert_rows against a position (or, on the
// sweep, against device-triggered modules) and dispatches fired alerts.
type Engine struct {
	registry  *Registry
	store     DeviceStore
	ruleCache *ruleeval.Cache
	logger    *logging.Logger
	publish   func(deviceID int64, alertType string, data AlertData)
}

// NewEngine builds an Engine. publish is called once per fired alert event,
// after the per-recipient AlertHistory rows are persisted, to drive the
// exactly-once real-time broadcast (spec.md section 4.7); the caller wires
// it to a bus.Bus and a notification.Dispatcher.
func NewEngine(registry *Registry, store DeviceStore, logger *logging.Logger, publish func(deviceID int64, alertType string, data AlertData)) *Engine {
	if logger == nil {
		logger = logging.Default().WithComponent("alerting")
	}
	return &Engine{
		registry:  registry,
		store:     store,
		ruleCache: ruleeval.NewCache(),
		logger:    logger,
		publish:   publish,
	}
}

// Dispatch evaluates every active alert_row against pos, for device/state,
// per spec.md section 4.4's per-position dispatch algorithm.
func (e *Engine) Dispatch(ctx context.Context, pos model.NormalizedPosition, device model.Device, state *model.DeviceState) error {
	now := pos.ServerTime
	if now.IsZero() {
		now = time.Now().UTC()
	}

	geofences, err := e.store.GeofencesForDevice(ctx, device.ID)
	if err != nil {
		e.logger.Warn("failed to load geofences", "device_id", device.ID, "error", err)
	}

	var fired []AlertData
	for _, row := range device.Config.AlertRows {
		if !row.Schedule.Active(now) {
			continue
		}
		module, ok := e.registry.Get(row.AlertKey)
		if !ok {
			e.logger.Warn("unknown alert module", "alert_key", row.AlertKey, "uid", row.UID)
			continue
		}

		params := buildParams(row)
		evalCtx := EvalContext{
			Now: now, Position: pos, Device: device, State: state,
			Params: params, Geofences: geofences, RuleCache: e.ruleCache,
		}

		alerts, err := checkMany(module, evalCtx)
		if err != nil {
			// Configuration/malformed-rule errors silently skip this row's
			// invocation, per spec.md section 7.
			e.logger.Warn("alert module evaluation failed", "alert_key", row.AlertKey, "uid", row.UID, "error", err)
			continue
		}
		for i := range alerts {
			alerts[i].SelectedChannels = row.Channels
			fired = append(fired, alerts[i])
		}
	}

	if err := e.store.SaveDeviceState(ctx, state); err != nil {
		return err
	}

	for _, alert := range fired {
		e.fillCoordinates(&alert, pos)
		e.dispatchAlert(ctx, device, alert)
	}
	return nil
}

// Sweep evaluates every check_device module's row for device/state, called
// every 60s by the periodic sweep loop (spec.md section 4.4).
func (e *Engine) Sweep(ctx context.Context, device model.Device, state *model.DeviceState) error {
	now := time.Now().UTC()
	var fired []AlertData
	for _, row := range device.Config.AlertRows {
		if !row.Schedule.Active(now) {
			continue
		}
		module, ok := e.registry.Get(row.AlertKey)
		if !ok {
			continue
		}
		checker, ok := module.(DeviceChecker)
		if !ok {
			continue
		}

		evalCtx := EvalContext{Now: now, Device: device, State: state, Params: buildParams(row), RuleCache: e.ruleCache}
		alert, err := checker.CheckDevice(evalCtx)
		if err != nil {
			e.logger.Warn("device alert check failed", "alert_key", row.AlertKey, "uid", row.UID, "error", err)
			continue
		}
		if alert != nil {
			alert.SelectedChannels = row.Channels
			fired = append(fired, *alert)
		}
	}

	if err := e.store.SaveDeviceState(ctx, state); err != nil {
		return err
	}
	for _, alert := range fired {
		if alert.Latitude == nil {
			alert.Latitude = floatPtr(state.LastLatitude)
		}
		if alert.Longitude == nil {
			alert.Longitude = floatPtr(state.LastLongitude)
		}
		e.dispatchAlert(ctx, device, alert)
	}
	return nil
}

func buildParams(row model.AlertRow) map[string]any {
	if row.AlertKey == "__custom__" {
		params := map[string]any{
			"name":     row.Name,
			"rule":     row.Rule,
			"channels": row.Channels,
		}
		if row.Params != nil {
			if d, ok := row.Params["duration"]; ok {
				params["duration"] = d
			}
		}
		return params
	}
	return row.Params
}

func (e *Engine) fillCoordinates(alert *AlertData, pos model.NormalizedPosition) {
	if alert.Latitude == nil {
		alert.Latitude = floatPtr(pos.Latitude)
	}
	if alert.Longitude == nil {
		alert.Longitude = floatPtr(pos.Longitude)
	}
}

// dispatchAlert persists one AlertHistory row per recipient user and
// publishes exactly one real-time event for the alert, regardless of
// recipient count, per spec.md section 4.7.
func (e *Engine) dispatchAlert(ctx context.Context, device model.Device, alert AlertData) {
	users, err := e.store.UsersForDevice(ctx, device.ID)
	if err != nil {
		e.logger.Warn("failed to load device owners", "device_id", device.ID, "error", err)
		return
	}

	for _, user := range users {
		_, err := e.store.SaveAlertHistory(ctx, model.AlertHistory{
			UserID: user.ID, DeviceID: device.ID, AlertType: alert.AlertType,
			Severity: alert.Severity, Message: alert.Message,
			Latitude: alert.Latitude, Longitude: alert.Longitude, Metadata: alert.Metadata,
		})
		if err != nil {
			e.logger.Warn("failed to persist alert history", "user_id", user.ID, "error", err)
		}
	}

	if e.publish != nil {
		e.publish(device.ID, alert.AlertType, alert)
	}
}

func floatPtr(v float64) *float64 { return &v }
