// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package modules

import (
	"fmt"
	"time"

	"fleetwatch/internal/alerting"
	"fleetwatch/internal/model"
)

// SpeedTolerance fires when speed stays above speed_limit for a sustained
// duration_seconds, per spec.md section 4.5.
type SpeedTolerance struct{}

func (SpeedTolerance) Definition() alerting.Definition {
	five := 5.0
	return alerting.Definition{
		Key:         "speed_tolerance",
		Label:       "Speed limit exceeded",
		Description: "Fires when a device exceeds a configured speed limit for a sustained duration.",
		Severity:    model.SeverityWarning,
		StateKeys:   []string{"speeding_since", "speeding_alerted"},
		Fields: []FieldSpec{
			{Name: "speed_limit", Type: "float", Label: "Speed limit (km/h)", Default: 120.0, Min: &five},
			{Name: "duration_seconds", Type: "int", Label: "Sustained duration (s)", Default: 0.0},
		},
	}
}

func (SpeedTolerance) Check(ctx alerting.EvalContext) (*alerting.AlertData, error) {
	if ctx.Position.Speed == nil {
		return nil, nil
	}
	limit := floatParam(ctx.Params, "speed_limit", 120)
	durationSec := floatParam(ctx.Params, "duration_seconds", 0)

	if *ctx.Position.Speed <= limit {
		clearSince(ctx.State.AlertStates, "speeding_since")
		setAlerted(ctx.State.AlertStates, "speeding_alerted", false)
		return nil, nil
	}

	since := sinceTime(ctx.State.AlertStates, "speeding_since")
	if since.IsZero() {
		setSince(ctx.State.AlertStates, "speeding_since", ctx.Now)
		since = ctx.Now
	}

	if ctx.Now.Sub(since) < time.Duration(durationSec)*time.Second {
		return nil, nil
	}
	if alerted(ctx.State.AlertStates, "speeding_alerted") {
		return nil, nil
	}
	setAlerted(ctx.State.AlertStates, "speeding_alerted", true)

	return &alerting.AlertData{
		AlertType: "speed_tolerance",
		Severity:  model.SeverityWarning,
		Message:   fmt.Sprintf("Speed %.1f km/h exceeds limit of %.1f km/h", *ctx.Position.Speed, limit),
		Metadata:  map[string]any{"speed": *ctx.Position.Speed, "speed_limit": limit},
	}, nil
}
