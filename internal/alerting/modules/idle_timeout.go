// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package modules

import (
	"fmt"
	"time"

	"fleetwatch/internal/alerting"
	"fleetwatch/internal/model"
)

// IdleTimeout fires when the engine is on but speed stays at or below
// speed_threshold for a sustained timeout_minutes, per spec.md section 4.5.
type IdleTimeout struct{}

func (IdleTimeout) Definition() alerting.Definition {
	return alerting.Definition{
		Key:         "idle_timeout_minutes",
		Label:       "Excessive idling",
		Description: "Fires when the engine idles (ignition on, not moving) longer than a configured duration.",
		Severity:    model.SeverityWarning,
		StateKeys:   []string{"idling_since", "idling_alerted"},
		Fields: []FieldSpec{
			{Name: "timeout_minutes", Type: "int", Label: "Idle timeout (minutes)", Default: 10.0},
			{Name: "speed_threshold", Type: "float", Label: "Moving threshold (km/h)", Default: 1.0},
		},
	}
}

func (IdleTimeout) Check(ctx alerting.EvalContext) (*alerting.AlertData, error) {
	if ctx.Position.Speed == nil {
		return nil, nil
	}
	threshold := floatParam(ctx.Params, "speed_threshold", 1.0)
	timeoutMin := floatParam(ctx.Params, "timeout_minutes", 10)

	idling := ctx.State.IgnitionOn && *ctx.Position.Speed <= threshold
	if !idling {
		clearSince(ctx.State.AlertStates, "idling_since")
		setAlerted(ctx.State.AlertStates, "idling_alerted", false)
		return nil, nil
	}

	since := sinceTime(ctx.State.AlertStates, "idling_since")
	if since.IsZero() {
		setSince(ctx.State.AlertStates, "idling_since", ctx.Now)
		since = ctx.Now
	}

	if ctx.Now.Sub(since) < time.Duration(timeoutMin)*time.Minute {
		return nil, nil
	}
	if alerted(ctx.State.AlertStates, "idling_alerted") {
		return nil, nil
	}
	setAlerted(ctx.State.AlertStates, "idling_alerted", true)

	return &alerting.AlertData{
		AlertType: "idle_timeout_minutes",
		Severity:  model.SeverityWarning,
		Message:   fmt.Sprintf("Engine idling for over %.0f minutes", timeoutMin),
		Metadata:  map[string]any{"timeout_minutes": timeoutMin},
	}, nil
}
