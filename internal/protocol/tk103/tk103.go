// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package tk103 implements the TK103 ASCII protocol (spec.md section 4.1):
// parenthesis-delimited frames "(IIIIIIIIIIII CC LL payload)".
package tk103

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"fleetwatch/internal/apperrors"
	"fleetwatch/internal/model"
	"fleetwatch/internal/protocol"
)

const Port = 5001

// frame matches a 12-15 digit IMEI, a two-letter command, a two-digit
// length, and the remaining payload up to the closing parenthesis. The
// command is restricted to letters (not ".{2}") so stray bytes preceding a
// real frame cannot be mistaken for one.
var frame = regexp.MustCompile(`\((\d{12,15})([A-Z]{2})(\d{2})(.+?)\)`)

type Decoder struct{}

func New() *Decoder { return &Decoder{} }

func (d *Decoder) Name() string                  { return "tk103" }
func (d *Decoder) Port() int                     { return Port }
func (d *Decoder) Transport() protocol.Transport { return protocol.TCP }

func (d *Decoder) Decode(buf []byte, client protocol.ClientInfo) (protocol.Result, int, error) {
	text := string(buf)
	loc := frame.FindStringSubmatchIndex(text)
	if loc == nil {
		if len(buf) > protocol.MaxBufferedBytes {
			return protocol.Result{}, len(buf), apperrors.New(apperrors.KindMalformedFrame, "tk103: buffer too large without frame")
		}
		if strings.Contains(text, "(") {
			return protocol.Result{}, 0, nil
		}
		return protocol.Result{}, len(buf), nil
	}
	consumed := loc[1]
	imei := text[loc[2]:loc[3]]
	command := text[loc[4]:loc[5]]
	payload := text[loc[8]:loc[9]]

	switch command {
	case "BP":
		return protocol.Result{Event: &protocol.Event{
			Name:          "heartbeat",
			IMEI:          imei,
			ResponseBytes: []byte("(" + imei + "AP05)"),
		}}, consumed, nil
	case "BR":
		return protocol.Result{Event: &protocol.Event{
			Name:          "login",
			IMEI:          imei,
			ResponseBytes: []byte("(" + imei + "AP01HSO)"),
		}}, consumed, nil
	case "BO", "BV", "BZ", "BX", "BN":
		pos, err := parsePosition(imei, payload, command)
		if err != nil {
			return protocol.Result{}, consumed, err
		}
		return protocol.Result{Position: pos}, consumed, nil
	default:
		return protocol.Result{}, consumed, nil
	}
}

func parsePosition(imei, payload, command string) (*model.NormalizedPosition, error) {
	if len(payload) < 40 {
		return nil, apperrors.New(apperrors.KindMalformedFrame, "tk103: payload too short")
	}
	dateStr := payload[0:6]
	valid := payload[6] == 'A'

	latStr := payload[7:16]
	latDir := string(payload[16])
	lonStr := payload[17:27]
	lonDir := string(payload[27])

	speedStr := payload[28:33]
	timeStr := payload[33:39]

	if len(payload) > 39 {
		valid = valid && payload[39] == 'A'
	}

	courseStr := "0000"
	if len(payload) > 43 {
		courseStr = payload[40:44]
	}

	lat, latErr := parseCoordinate(latStr, latDir)
	lon, lonErr := parseCoordinate(lonStr, lonDir)
	if latErr != nil || lonErr != nil {
		return nil, apperrors.New(apperrors.KindMalformedFrame, "tk103: invalid coordinates")
	}

	speedKnots, err := strconv.ParseFloat(speedStr, 64)
	if err != nil {
		speedKnots = 0
	}
	speedKMH := speedKnots * 1.852

	course, err := strconv.ParseFloat(courseStr, 64)
	if err != nil {
		course = 0
	}

	day, _ := strconv.Atoi(dateStr[0:2])
	month, _ := strconv.Atoi(dateStr[2:4])
	year := 2000 + mustAtoi(dateStr[4:6])
	hour, _ := strconv.Atoi(timeStr[0:2])
	minute, _ := strconv.Atoi(timeStr[2:4])
	second, _ := strconv.Atoi(timeStr[4:6])
	deviceTime := time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)

	sensors := map[string]any{"command": command}
	if command == "BN" {
		sensors["alert_type"] = "SOS"
	}
	if len(payload) > 44 {
		end := len(payload)
		if end > 52 {
			end = 52
		}
		if flags, err := strconv.ParseUint(payload[44:end], 16, 64); err == nil {
			sensors["flags"] = flags
			sensors["ignition"] = flags&0x01 != 0
			sensors["door"] = flags&0x02 != 0
			sensors["shock"] = flags&0x04 != 0
		}
	}

	var ignition *bool
	if v, ok := sensors["ignition"].(bool); ok {
		ignition = &v
	}

	return &model.NormalizedPosition{
		IMEI:       imei,
		DeviceTime: deviceTime,
		ServerTime: time.Now().UTC(),
		Latitude:   lat,
		Longitude:  lon,
		Speed:      &speedKMH,
		Course:     &course,
		Ignition:   ignition,
		Sensors:    sensors,
		ValidFix:   valid,
	}, nil
}

func mustAtoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func parseCoordinate(coord, direction string) (float64, error) {
	coord = strings.TrimSpace(coord)
	dot := strings.IndexByte(coord, '.')
	if dot == -1 || dot < 2 {
		return 0, apperrors.New(apperrors.KindMalformedFrame, "tk103: bad coordinate")
	}
	degrees, err := strconv.Atoi(coord[:dot-2])
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.ParseFloat(coord[dot-2:], 64)
	if err != nil {
		return 0, err
	}
	decimal := float64(degrees) + minutes/60.0
	if direction == "S" || direction == "W" {
		decimal = -decimal
	}
	return decimal, nil
}

func (d *Decoder) EncodeCommand(commandType string, params map[string]any) ([]byte, error) {
	imei, _ := params["imei"].(string)
	switch commandType {
	case "request_position":
		return []byte("(" + imei + "AP10)"), nil
	case "reboot":
		return []byte("(" + imei + "AP11)"), nil
	case "set_interval":
		interval := 30
		if v, ok := params["interval"].(int); ok {
			interval = v
		}
		return []byte("(" + imei + "AR00" + pad4(interval) + "0000)"), nil
	default:
		return nil, apperrors.Errorf(apperrors.KindValidation, "tk103: unsupported command %q", commandType)
	}
}

func pad4(n int) string {
	s := strconv.Itoa(n)
	for len(s) < 4 {
		s = "0" + s
	}
	return s
}

var availableCommands = []protocol.CommandInfo{
	{Name: "request_position", Description: "Request immediate position update"},
	{Name: "reboot", Description: "Reboot the device"},
	{Name: "set_interval", Description: "Set reporting interval in seconds", Params: []protocol.ParamInfo{
		{Name: "interval", Type: "int", Description: "Reporting interval in seconds", Required: true},
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
