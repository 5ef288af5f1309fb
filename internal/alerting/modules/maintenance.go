// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package modules

import (
	"fmt"
	"math"

	"fleetwatch/internal/alerting"
	"fleetwatch/internal/model"
)

// Maintenance fires once per service interval, in the window before the
// odometer reaches the next multiple of interval_km, per spec.md section 4.5.
type Maintenance struct{}

func (Maintenance) Definition() alerting.Definition {
	return alerting.Definition{
		Key:         "maintenance_alert",
		Label:       "Maintenance due",
		Description: "Fires when the odometer approaches a configured service interval.",
		Severity:    model.SeverityWarning,
		StateKeys:   []string{"maint_<type>_alerted"},
		Fields: []FieldSpec{
			{Name: "maintenance_type", Type: "string", Label: "Maintenance type", Default: "oil_change"},
			{Name: "interval_km", Type: "float", Label: "Service interval (km)", Default: 10000.0},
			{Name: "warning_km", Type: "float", Label: "Warn within (km)", Default: 500.0},
			{Name: "custom_label", Type: "string", Label: "Custom label"},
		},
	}
}

func (Maintenance) Check(ctx alerting.EvalContext) (*alerting.AlertData, error) {
	maintenanceType := stringParam(ctx.Params, "maintenance_type", "oil_change")
	intervalKM := floatParam(ctx.Params, "interval_km", 10000)
	warningKM := floatParam(ctx.Params, "warning_km", 500)
	if intervalKM <= 0 {
		return nil, nil
	}

	key := "maint_" + maintenanceType + "_alerted"
	remaining := intervalKM - math.Mod(ctx.State.TotalOdometerKM, intervalKM)

	if remaining <= 0 || remaining > warningKM {
		setAlerted(ctx.State.AlertStates, key, false)
		return nil, nil
	}
	if alerted(ctx.State.AlertStates, key) {
		return nil, nil
	}
	setAlerted(ctx.State.AlertStates, key, true)

	label := stringParam(ctx.Params, "custom_label", "")
	if label == "" {
		label = maintenanceType
	}

	return &alerting.AlertData{
		AlertType: "maintenance_alert",
		Severity:  model.SeverityWarning,
		Message:   fmt.Sprintf("%s due in %.0f km", label, remaining),
		Metadata:  map[string]any{"maintenance_type": maintenanceType, "remaining_km": remaining},
	}, nil
}
