// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package modules

import (
	"fmt"

	"fleetwatch/internal/alerting"
	"fleetwatch/internal/geo"
	"fleetwatch/internal/model"
)

// Towing fires when, with the ignition off, the vehicle moves further than
// threshold_meters from the point where the ignition was last turned off
// (the "anchor"), per spec.md section 4.5.
type Towing struct{}

func (Towing) Definition() alerting.Definition {
	return alerting.Definition{
		Key:         "towing_threshold_meters",
		Label:       "Possible towing",
		Description: "Fires when a parked (ignition off) vehicle moves away from where it was parked.",
		Severity:    model.SeverityCritical,
		StateKeys:   []string{"towing_anchor_lat", "towing_anchor_lon", "towing_alerted"},
		Fields: []FieldSpec{
			{Name: "threshold_meters", Type: "float", Label: "Distance threshold (m)", Default: 50.0},
			{Name: "reset_on_ignition", Type: "bool", Label: "Reset anchor when ignition turns on", Default: true},
		},
	}
}

func (Towing) Check(ctx alerting.EvalContext) (*alerting.AlertData, error) {
	resetOnIgnition := boolParam(ctx.Params, "reset_on_ignition", true)

	if ctx.State.IgnitionOn {
		if resetOnIgnition {
			delete(ctx.State.AlertStates, "towing_anchor_lat")
			delete(ctx.State.AlertStates, "towing_anchor_lon")
			setAlerted(ctx.State.AlertStates, "towing_alerted", false)
		}
		return nil, nil
	}

	anchorLat, hasLat := ctx.State.AlertStates["towing_anchor_lat"].(float64)
	anchorLon, hasLon := ctx.State.AlertStates["towing_anchor_lon"].(float64)
	if !hasLat || !hasLon {
		ctx.State.AlertStates["towing_anchor_lat"] = ctx.Position.Latitude
		ctx.State.AlertStates["towing_anchor_lon"] = ctx.Position.Longitude
		return nil, nil
	}

	threshold := floatParam(ctx.Params, "threshold_meters", 50.0)
	distance := geo.DistanceMeters(anchorLat, anchorLon, ctx.Position.Latitude, ctx.Position.Longitude)
	if distance <= threshold {
		return nil, nil
	}
	if alerted(ctx.State.AlertStates, "towing_alerted") {
		return nil, nil
	}
	setAlerted(ctx.State.AlertStates, "towing_alerted", true)

	return &alerting.AlertData{
		AlertType: "towing_threshold_meters",
		Severity:  model.SeverityCritical,
		Message:   fmt.Sprintf("Vehicle moved %.0fm from parked location while ignition is off", distance),
		Metadata:  map[string]any{"distance_meters": distance, "threshold_meters": threshold},
	}, nil
}
