// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package modules

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"fleetwatch/internal/alerting"
	"fleetwatch/internal/apperrors"
	"fleetwatch/internal/model"
	"fleetwatch/internal/ruleeval"
)

// Custom is the "__custom__" reserved module key: a user-supplied boolean
// expression over speed/ignition/sensors, per spec.md sections 4.4 and 4.5.
type Custom struct{}

func (Custom) Definition() alerting.Definition {
	return alerting.Definition{
		Key:         "__custom__",
		Label:       "Custom rule",
		Description: "Fires when a user-supplied boolean expression over speed, ignition, and sensors evaluates true.",
		Severity:    model.SeverityWarning,
		StateKeys:   []string{"c_since_<slug>", "c_fired_<slug>"},
		Fields: []FieldSpec{
			{Name: "name", Type: "string", Label: "Name"},
			{Name: "rule", Type: "string", Label: "Rule expression"},
			{Name: "duration", Type: "int", Label: "Sustained duration (s)"},
		},
	}
}

func (Custom) Check(ctx alerting.EvalContext) (*alerting.AlertData, error) {
	rule := stringParam(ctx.Params, "rule", "")
	if rule == "" {
		return nil, apperrors.New(apperrors.KindConfig, "custom rule: empty rule expression")
	}
	if ctx.RuleCache == nil {
		return nil, apperrors.New(apperrors.KindInternal, "custom rule: no rule cache configured")
	}

	slug := slugify(rule)
	sinceKey := "c_since_" + slug
	firedKey := "c_fired_" + slug

	speed := 0.0
	if ctx.Position.Speed != nil {
		speed = *ctx.Position.Speed
	}
	truth, err := ctx.RuleCache.Eval(rule, ruleeval.Context{
		Speed: speed, Ignition: ctx.State.IgnitionOn, Sensors: ctx.Position.Sensors,
	})
	if err != nil {
		return nil, err
	}

	if !truth {
		clearSince(ctx.State.AlertStates, sinceKey)
		setAlerted(ctx.State.AlertStates, firedKey, false)
		return nil, nil
	}

	durationSec := floatParam(ctx.Params, "duration", 0)
	if durationSec > 0 {
		since := sinceTime(ctx.State.AlertStates, sinceKey)
		if since.IsZero() {
			setSince(ctx.State.AlertStates, sinceKey, ctx.Now)
			return nil, nil
		}
		if ctx.Now.Sub(since) < time.Duration(durationSec)*time.Second {
			return nil, nil
		}
	}

	if alerted(ctx.State.AlertStates, firedKey) {
		return nil, nil
	}
	setAlerted(ctx.State.AlertStates, firedKey, true)

	name := stringParam(ctx.Params, "name", "Custom rule")
	return &alerting.AlertData{
		AlertType: "custom",
		Severity:  model.SeverityWarning,
		Message:   fmt.Sprintf("%s triggered", name),
		Metadata:  map[string]any{"rule": rule, "name": name},
	}, nil
}

// slugify derives a stable, key-safe identifier from a rule string so that
// multiple custom rows can coexist in alert_states, per spec.md section 4.4.
func slugify(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if len(out) > 32 {
		out = out[:32]
	}
	return out
}
