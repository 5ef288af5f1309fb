// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package modules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetwatch/internal/alerting"
	"fleetwatch/internal/model"
	"fleetwatch/internal/ruleeval"
)

func speedPtr(v float64) *float64 { return &v }

func baseCtx(now time.Time) alerting.EvalContext {
	return alerting.EvalContext{
		Now:       now,
		State:     &model.DeviceState{AlertStates: map[string]any{}},
		Params:    map[string]any{},
		RuleCache: ruleeval.NewCache(),
	}
}

func TestSpeedToleranceRequiresSustainedDuration(t *testing.T) {
	now := time.Now().UTC()
	ctx := baseCtx(now)
	ctx.Params = map[string]any{"speed_limit": 100.0, "duration_seconds": 30.0}
	ctx.Position = model.NormalizedPosition{Speed: speedPtr(120)}

	alert, err := (SpeedTolerance{}).Check(ctx)
	require.NoError(t, err)
	require.Nil(t, alert, "must not fire before the sustained duration elapses")

	ctx.Now = now.Add(31 * time.Second)
	alert, err = (SpeedTolerance{}).Check(ctx)
	require.NoError(t, err)
	require.NotNil(t, alert)
}

func TestSpeedToleranceLatchPreventsRefire(t *testing.T) {
	now := time.Now().UTC()
	ctx := baseCtx(now)
	ctx.Params = map[string]any{"speed_limit": 100.0, "duration_seconds": 0.0}
	ctx.Position = model.NormalizedPosition{Speed: speedPtr(120)}

	first, err := (SpeedTolerance{}).Check(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := (SpeedTolerance{}).Check(ctx)
	require.NoError(t, err)
	require.Nil(t, second, "latch must prevent re-firing while still speeding")

	ctx.Position.Speed = speedPtr(50)
	cleared, err := (SpeedTolerance{}).Check(ctx)
	require.NoError(t, err)
	require.Nil(t, cleared)
	require.False(t, alerted(ctx.State.AlertStates, "speeding_alerted"))
}

func TestIdleTimeoutRequiresIgnitionOn(t *testing.T) {
	now := time.Now().UTC()
	ctx := baseCtx(now)
	ctx.Params = map[string]any{"timeout_minutes": 1.0, "speed_threshold": 1.0}
	ctx.Position = model.NormalizedPosition{Speed: speedPtr(0)}
	ctx.State.IgnitionOn = false

	alert, err := (IdleTimeout{}).Check(ctx)
	require.NoError(t, err)
	require.Nil(t, alert, "idling requires ignition on")

	ctx.State.IgnitionOn = true
	ctx.Now = now.Add(2 * time.Minute)
	_, _ = (IdleTimeout{}).Check(ctx) // sets since at ctx.Now (now+2m), not fired yet within same call chain
}

func TestTowingAnchorsOnFirstIgnitionOff(t *testing.T) {
	ctx := baseCtx(time.Now().UTC())
	ctx.Params = map[string]any{"threshold_meters": 50.0}
	ctx.State.IgnitionOn = false
	ctx.Position = model.NormalizedPosition{Latitude: 10, Longitude: 10}

	alert, err := (Towing{}).Check(ctx)
	require.NoError(t, err)
	require.Nil(t, alert, "first off-position only sets the anchor")
	require.Equal(t, 10.0, ctx.State.AlertStates["towing_anchor_lat"])
}

func TestTowingFiresWhenMovedPastThreshold(t *testing.T) {
	ctx := baseCtx(time.Now().UTC())
	ctx.Params = map[string]any{"threshold_meters": 50.0}
	ctx.State.IgnitionOn = false
	ctx.State.AlertStates["towing_anchor_lat"] = 10.0
	ctx.State.AlertStates["towing_anchor_lon"] = 10.0
	ctx.Position = model.NormalizedPosition{Latitude: 10.01, Longitude: 10.01} // roughly 1.5km away

	alert, err := (Towing{}).Check(ctx)
	require.NoError(t, err)
	require.NotNil(t, alert)
}

func TestTowingResetsAnchorOnIgnitionOn(t *testing.T) {
	ctx := baseCtx(time.Now().UTC())
	ctx.Params = map[string]any{"reset_on_ignition": true}
	ctx.State.AlertStates["towing_anchor_lat"] = 10.0
	ctx.State.IgnitionOn = true

	_, err := (Towing{}).Check(ctx)
	require.NoError(t, err)
	_, ok := ctx.State.AlertStates["towing_anchor_lat"]
	require.False(t, ok)
}

func TestGeofenceEnterExitDebounce(t *testing.T) {
	ctx := baseCtx(time.Now().UTC())
	ring := []model.LatLon{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 1}, {Lat: 1, Lon: 1}, {Lat: 1, Lon: 0}, {Lat: 0, Lon: 0}}
	ctx.Geofences = []model.Geofence{{ID: 1, Name: "yard", Polygon: ring, AlertOnEnter: true, AlertOnExit: true, IsActive: true}}
	ctx.Params = map[string]any{"event_type": "both"}

	ctx.Position = model.NormalizedPosition{Latitude: 0.5, Longitude: 0.5} // inside
	alerts, err := (Geofence{}).CheckMany(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, "enter", alerts[0].Metadata["direction"])

	// Still inside: must not refire.
	alerts, err = (Geofence{}).CheckMany(ctx)
	require.NoError(t, err)
	require.Empty(t, alerts)

	// Exit.
	ctx.Position = model.NormalizedPosition{Latitude: 5, Longitude: 5}
	alerts, err = (Geofence{}).CheckMany(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, "exit", alerts[0].Metadata["direction"])
}

func TestMaintenanceFiresWithinWarningWindow(t *testing.T) {
	ctx := baseCtx(time.Now().UTC())
	ctx.Params = map[string]any{"maintenance_type": "oil_change", "interval_km": 10000.0, "warning_km": 500.0}
	ctx.State.TotalOdometerKM = 9600 // 400km remaining, inside the 500km window

	alert, err := (Maintenance{}).Check(ctx)
	require.NoError(t, err)
	require.NotNil(t, alert)

	// Does not refire immediately.
	alert, err = (Maintenance{}).Check(ctx)
	require.NoError(t, err)
	require.Nil(t, alert)
}

func TestMaintenanceDoesNotFireOutsideWindow(t *testing.T) {
	ctx := baseCtx(time.Now().UTC())
	ctx.Params = map[string]any{"maintenance_type": "oil_change", "interval_km": 10000.0, "warning_km": 500.0}
	ctx.State.TotalOdometerKM = 3000 // 7000km remaining

	alert, err := (Maintenance{}).Check(ctx)
	require.NoError(t, err)
	require.Nil(t, alert)
}

func TestOfflineFiresAfterTimeout(t *testing.T) {
	now := time.Now().UTC()
	ctx := baseCtx(now)
	ctx.Params = map[string]any{"timeout_hours": 1.0}
	ctx.State.LastUpdateUTC = now.Add(-2 * time.Hour)

	alert, err := (Offline{}).CheckDevice(ctx)
	require.NoError(t, err)
	require.NotNil(t, alert)
}

func TestOfflineDoesNotFireBeforeTimeout(t *testing.T) {
	now := time.Now().UTC()
	ctx := baseCtx(now)
	ctx.Params = map[string]any{"timeout_hours": 1.0}
	ctx.State.LastUpdateUTC = now.Add(-10 * time.Minute)

	alert, err := (Offline{}).CheckDevice(ctx)
	require.NoError(t, err)
	require.Nil(t, alert)
}

func TestCustomRuleFiresOnTrueExpression(t *testing.T) {
	ctx := baseCtx(time.Now().UTC())
	ctx.Params = map[string]any{"name": "hard stop", "rule": "speed < 2 && ignition"}
	ctx.Position = model.NormalizedPosition{Speed: speedPtr(1)}
	ctx.State.IgnitionOn = true

	alert, err := (Custom{}).Check(ctx)
	require.NoError(t, err)
	require.NotNil(t, alert)
}

func TestCustomRuleRejectsEmptyRule(t *testing.T) {
	ctx := baseCtx(time.Now().UTC())
	ctx.Params = map[string]any{"name": "broken"}
	ctx.Position = model.NormalizedPosition{Speed: speedPtr(1)}

	_, err := (Custom{}).Check(ctx)
	require.Error(t, err)
}

func TestCustomRuleSustainedDuration(t *testing.T) {
	now := time.Now().UTC()
	ctx := baseCtx(now)
	ctx.Params = map[string]any{"name": "stopped", "rule": "speed == 0", "duration": 10.0}
	ctx.Position = model.NormalizedPosition{Speed: speedPtr(0)}

	alert, err := (Custom{}).Check(ctx)
	require.NoError(t, err)
	require.Nil(t, alert, "must wait for sustained duration")

	ctx.Now = now.Add(11 * time.Second)
	alert, err = (Custom{}).Check(ctx)
	require.NoError(t, err)
	require.NotNil(t, alert)
}

func TestRegisterAllRegistersEveryBuiltin(t *testing.T) {
	registry := alerting.NewRegistry()
	RegisterAll(registry)

	for _, key := range []string{
		"speed_tolerance", "idle_timeout_minutes", "towing_threshold_meters",
		"geofence_alert", "maintenance_alert", "offline_detection", "__custom__",
	} {
		_, ok := registry.Get(key)
		require.True(t, ok, "expected module %q to be registered", key)
	}
}
