// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package modules

import (
	"fmt"
	"time"

	"fleetwatch/internal/alerting"
	"fleetwatch/internal/model"
)

// Offline is a check_device module: it fires on the periodic sweep, not on
// the position path, when a device has not reported in timeout_hours.
type Offline struct{}

func (Offline) Definition() alerting.Definition {
	return alerting.Definition{
		Key:         "offline_detection",
		Label:       "Device offline",
		Description: "Fires when a device has not reported a position within a configured window.",
		Severity:    model.SeverityWarning,
		StateKeys:   []string{"offline_alerted"},
		Fields: []FieldSpec{
			{Name: "timeout_hours", Type: "float", Label: "Offline timeout (hours)", Default: 2.0},
		},
	}
}

// Check always returns nil: this module only fires on the periodic sweep.
func (Offline) Check(ctx alerting.EvalContext) (*alerting.AlertData, error) {
	return nil, nil
}

func (Offline) CheckDevice(ctx alerting.EvalContext) (*alerting.AlertData, error) {
	timeoutHours := floatParam(ctx.Params, "timeout_hours", 2.0)
	if ctx.State.LastUpdateUTC.IsZero() {
		return nil, nil
	}

	offline := ctx.Now.Sub(ctx.State.LastUpdateUTC) >= time.Duration(timeoutHours*float64(time.Hour))
	if !offline {
		ctx.State.IsOnline = true
		setAlerted(ctx.State.AlertStates, "offline_alerted", false)
		return nil, nil
	}

	ctx.State.IsOnline = false
	if alerted(ctx.State.AlertStates, "offline_alerted") {
		return nil, nil
	}
	setAlerted(ctx.State.AlertStates, "offline_alerted", true)

	return &alerting.AlertData{
		AlertType: "offline_detection",
		Severity:  model.SeverityWarning,
		Message:   fmt.Sprintf("No position reported in over %.1f hours", timeoutHours),
		Metadata:  map[string]any{"timeout_hours": timeoutHours},
	}, nil
}
