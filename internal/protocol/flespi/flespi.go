// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flespi implements the Flespi JSON protocol (spec.md section 4.1):
// newline-delimited JSON objects (or arrays of them) with dotted field
// names.
package flespi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fleetwatch/internal/apperrors"
	"fleetwatch/internal/model"
	"fleetwatch/internal/protocol"
)

const Port = 5149

type Decoder struct{}

func New() *Decoder { return &Decoder{} }

func (d *Decoder) Name() string                  { return "flespi" }
func (d *Decoder) Port() int                     { return Port }
func (d *Decoder) Transport() protocol.Transport { return protocol.TCP }

func (d *Decoder) Decode(buf []byte, client protocol.ClientInfo) (protocol.Result, int, error) {
	idx := bytes.IndexByte(buf, '\n')
	if idx == -1 {
		if len(buf) > protocol.MaxBufferedBytes {
			return protocol.Result{}, len(buf), apperrors.New(apperrors.KindMalformedFrame, "flespi: no newline boundary")
		}
		return protocol.Result{}, 0, nil
	}
	consumed := idx + 1
	jsonStr := strings.TrimSpace(string(buf[:idx]))
	if jsonStr == "" {
		return protocol.Result{}, consumed, nil
	}

	var raw json.RawMessage
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return protocol.Result{}, consumed, apperrors.Wrap(err, apperrors.KindMalformedFrame, "flespi: invalid JSON")
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []map[string]any
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return protocol.Result{}, consumed, apperrors.Wrap(err, apperrors.KindMalformedFrame, "flespi: invalid JSON array")
		}
		var positions []model.NormalizedPosition
		for _, msg := range batch {
			if pos := parseMessage(msg, client.KnownIMEI); pos != nil {
				positions = append(positions, *pos)
			}
		}
		if len(positions) == 0 {
			return protocol.Result{}, consumed, nil
		}
		event := &protocol.Event{Name: "batch", Position: &positions[0]}
		if len(positions) > 1 {
			event.ExtraPositions = positions[1:]
		}
		return protocol.Result{Event: event}, consumed, nil
	}

	var msg map[string]any
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return protocol.Result{}, consumed, apperrors.Wrap(err, apperrors.KindMalformedFrame, "flespi: invalid JSON object")
	}

	if ident, ok := identOf(msg); ok && client.KnownIMEI == "" {
		return protocol.Result{Event: &protocol.Event{
			Name:          "login",
			IMEI:          ident,
			ResponseBytes: []byte(`{"status": "ok"}` + "\n"),
		}}, consumed, nil
	}

	pos := parseMessage(msg, client.KnownIMEI)
	if pos == nil {
		return protocol.Result{}, consumed, nil
	}
	return protocol.Result{Position: pos}, consumed, nil
}

func identOf(msg map[string]any) (string, bool) {
	if v, ok := msg["ident"]; ok {
		return fmt.Sprint(v), true
	}
	if v, ok := msg["device.ident"]; ok {
		return fmt.Sprint(v), true
	}
	return "", false
}

func getNested(msg map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := msg[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func parseMessage(msg map[string]any, knownIMEI string) *model.NormalizedPosition {
	imei := knownIMEI
	if imei == "" {
		if ident, ok := identOf(msg); ok {
			imei = ident
		}
	}
	if imei == "" {
		return nil
	}

	deviceTime := time.Now().UTC()
	if ts, ok := getNested(msg, "timestamp", "server.timestamp"); ok {
		if secs, ok := asFloat(ts); ok && secs > 0 {
			if secs > 10000000000 {
				deviceTime = time.UnixMilli(int64(secs)).UTC()
			} else {
				deviceTime = time.Unix(int64(secs), 0).UTC()
			}
		}
	}

	latRaw, latOK := getNested(msg, "position.latitude", "lat", "latitude")
	lonRaw, lonOK := getNested(msg, "position.longitude", "lon", "longitude")
	latitude, latFloatOK := asFloat(latRaw)
	longitude, lonFloatOK := asFloat(lonRaw)
	if !latOK || !lonOK || !latFloatOK || !lonFloatOK {
		return nil
	}

	altitude, _ := asFloat(firstOr(msg, 0.0, "position.altitude", "alt", "altitude"))
	speed, _ := asFloat(firstOr(msg, 0.0, "position.speed", "speed"))
	course, _ := asFloat(firstOr(msg, 0.0, "position.direction", "course", "heading"))
	satellitesF, _ := asFloat(firstOr(msg, 0.0, "position.satellites", "sat", "satellites"))
	satellites := int(satellitesF)

	valid := true
	if v, ok := getNested(msg, "position.valid", "valid"); ok {
		if b, ok := v.(bool); ok {
			valid = b
		}
	}

	sensors := map[string]any{}
	var ignition *bool
	if v, ok := getNested(msg, "engine.ignition.status", "ignition"); ok {
		b := truthy(v)
		ignition = &b
		sensors["ignition"] = b
	}
	if v, ok := getNested(msg, "battery.voltage", "battery_voltage"); ok {
		if f, ok := asFloat(v); ok {
			sensors["battery_voltage"] = f
		}
	}
	if v, ok := getNested(msg, "external.powersource.voltage", "external_voltage"); ok {
		if f, ok := asFloat(v); ok {
			sensors["external_voltage"] = f
		}
	}
	if v, ok := getNested(msg, "gnss.hdop", "hdop"); ok {
		if f, ok := asFloat(v); ok {
			sensors["hdop"] = f
		}
	}
	if v, ok := getNested(msg, "gsm.signal.level", "rssi", "signal"); ok {
		if f, ok := asFloat(v); ok {
			sensors["rssi"] = int(f)
		}
	}
	if v, ok := getNested(msg, "engine.rpm", "rpm"); ok {
		if f, ok := asFloat(v); ok {
			sensors["rpm"] = int(f)
		}
	}
	if v, ok := getNested(msg, "fuel.level", "fuel_level"); ok {
		if f, ok := asFloat(v); ok {
			sensors["fuel_level"] = f
		}
	}
	if v, ok := getNested(msg, "vehicle.mileage", "odometer", "mileage"); ok {
		if f, ok := asFloat(v); ok {
			sensors["odometer"] = f
		}
	}

	skip := map[string]bool{"ident": true, "device.ident": true, "timestamp": true, "server.timestamp": true}
	for k, v := range msg {
		if skip[k] || strings.HasPrefix(k, "position.") {
			continue
		}
		if _, exists := sensors[k]; exists {
			continue
		}
		sensors[k] = v
	}

	var hdop *float64
	if v, ok := sensors["hdop"].(float64); ok {
		hdop = &v
	}

	return &model.NormalizedPosition{
		IMEI:       imei,
		DeviceTime: deviceTime,
		ServerTime: time.Now().UTC(),
		Latitude:   latitude,
		Longitude:  longitude,
		Altitude:   &altitude,
		Speed:      &speed,
		Course:     &course,
		Satellites: &satellites,
		HDOP:       hdop,
		Ignition:   ignition,
		Sensors:    sensors,
		ValidFix:   valid,
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	}
	return false
}

func firstOr(msg map[string]any, def any, keys ...string) any {
	if v, ok := getNested(msg, keys...); ok {
		return v
	}
	return def
}

func (d *Decoder) EncodeCommand(commandType string, params map[string]any) ([]byte, error) {
	cmd := map[string]any{
		"command":   commandType,
		"timestamp": time.Now().UTC().Unix(),
	}
	if payload, ok := params["payload"]; ok {
		switch p := payload.(type) {
		case string:
			var decoded map[string]any
			if err := json.Unmarshal([]byte(p), &decoded); err == nil {
				for k, v := range decoded {
					cmd[k] = v
				}
			} else {
				cmd["data"] = p
			}
		case map[string]any:
			for k, v := range p {
				cmd[k] = v
			}
		}
	}
	out, err := json.Marshal(cmd)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInternal, "flespi: encode command")
	}
	return append(out, '\n'), nil
}

var availableCommands = []protocol.CommandInfo{
	{Name: "custom", Description: "Send custom JSON command", Params: []protocol.ParamInfo{
		{Name: "payload", Type: "string", Description: "JSON object or string with command data"},
	}},
	{Name: "reboot", Description: "Reboot the device"},
	{Name: "config", Description: "Update device configuration"},
	{Name: "request_position", Description: "Request immediate position update"},
	{Name: "set_interval", Description: "Set reporting interval", Params: []protocol.ParamInfo{
		{Name: "interval", Type: "int", Description: "Interval in seconds"},
	}},
}

func (d *Decoder) AvailableCommands() []protocol.CommandInfo { return availableCommands }

func (d *Decoder) CommandInfo(name string) (protocol.CommandInfo, bool) {
	for _, c := range availableCommands {
		if c.Name == name {
			return c, true
		}
	}
	return protocol.CommandInfo{}, false
}
