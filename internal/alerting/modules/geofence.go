// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package modules

import (
	"fmt"

	"fleetwatch/internal/alerting"
	"fleetwatch/internal/geo"
	"fleetwatch/internal/model"
)

// Geofence fires on enter/exit crossings of a selected geofence, or of every
// geofence visible to the device when none is selected, per spec.md section
// 4.5. It implements ManyChecker because an unscoped row can cross several
// geofences on the same position.
type Geofence struct{}

func (Geofence) Definition() alerting.Definition {
	return alerting.Definition{
		Key:         "geofence_alert",
		Label:       "Geofence enter/exit",
		Description: "Fires when a device enters or exits a configured geofence.",
		Severity:    model.SeverityInfo,
		StateKeys:   []string{"geofence_<id>_enter", "geofence_<id>_exit"},
		Fields: []FieldSpec{
			{Name: "geofence_id", Type: "int", Label: "Geofence (blank = all)"},
			{Name: "event_type", Type: "string", Label: "Event", Default: "both"},
		},
	}
}

func (Geofence) Check(ctx alerting.EvalContext) (*alerting.AlertData, error) {
	alerts, err := Geofence{}.CheckMany(ctx)
	if err != nil || len(alerts) == 0 {
		return nil, err
	}
	return &alerts[0], nil
}

func (Geofence) CheckMany(ctx alerting.EvalContext) ([]alerting.AlertData, error) {
	geofenceID := intParam(ctx.Params, "geofence_id", 0)
	eventType := stringParam(ctx.Params, "event_type", "both")
	wantEnter := eventType == "enter" || eventType == "both"
	wantExit := eventType == "exit" || eventType == "both"

	var out []alerting.AlertData
	for _, fence := range ctx.Geofences {
		if !fence.IsActive {
			continue
		}
		if geofenceID != 0 && fence.ID != int64(geofenceID) {
			continue
		}

		inside := geo.Contains(geo.Polygon(fence.Polygon), ctx.Position.Latitude, ctx.Position.Longitude)
		enterKey := fmt.Sprintf("geofence_%d_enter", fence.ID)
		exitKey := fmt.Sprintf("geofence_%d_exit", fence.ID)

		if inside {
			clearLatch(ctx.State.AlertStates, exitKey)
			if !hasLatch(ctx.State.AlertStates, enterKey) {
				setLatch(ctx.State.AlertStates, enterKey)
				if wantEnter && fence.AlertOnEnter {
					out = append(out, alerting.AlertData{
						AlertType: "geofence_alert",
						Severity:  model.SeverityInfo,
						Message:   fmt.Sprintf("Entered geofence %q", fence.Name),
						Metadata:  map[string]any{"geofence_id": fence.ID, "direction": "enter"},
					})
				}
			}
		} else {
			clearLatch(ctx.State.AlertStates, enterKey)
			if !hasLatch(ctx.State.AlertStates, exitKey) {
				setLatch(ctx.State.AlertStates, exitKey)
				if wantExit && fence.AlertOnExit {
					out = append(out, alerting.AlertData{
						AlertType: "geofence_alert",
						Severity:  model.SeverityInfo,
						Message:   fmt.Sprintf("Exited geofence %q", fence.Name),
						Metadata:  map[string]any{"geofence_id": fence.ID, "direction": "exit"},
					})
				}
			}
		}
	}
	return out, nil
}

func hasLatch(state map[string]any, key string) bool {
	b, _ := state[key].(bool)
	return b
}

func setLatch(state map[string]any, key string) { state[key] = true }

func clearLatch(state map[string]any, key string) { delete(state, key) }
