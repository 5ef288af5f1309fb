// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package queclink implements the Queclink ASCII protocol (spec.md section
// 4.1): "+RESP|ACK|BUFF:TYPE,field,field,...$" fixed-field-index reports.
package queclink

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"fleetwatch/internal/apperrors"
	"fleetwatch/internal/model"
	"fleetwatch/internal/protocol"
)

const Port = 5026

const (
	fieldIMEI      = 1
	fieldState     = 3
	fieldHDOP      = 7
	fieldSpeed     = 8
	fieldCourse    = 9
	fieldAltitude  = 10
	fieldLongitude = 11
	fieldLatitude  = 12
	fieldTimestamp = 13
	fieldMCC       = 14
	fieldMNC       = 15
	fieldLAC       = 16
	fieldCellID    = 17
)

var positionTypes = map[string]bool{
	"GTFRI": true, "GTGEO": true, "GTRTL": true, "GTDOG": true, "GTIDN": true,
	"GTSOS": true, "GTSPD": true, "GTPNA": true, "GTPFA": true, "GTIGN": true, "GTIGF": true,
}

var frame = regexp.MustCompile(`(?s)\+(\w+):(\w+),(.*?)\$`)

type Decoder struct{}

func New() *Decoder { return &Decoder{} }

func (d *Decoder) Name() string                  { return "queclink" }
func (d *Decoder) Port() int                     { return Port }
func (d *Decoder) Transport() protocol.Transport { return protocol.TCP }

func (d *Decoder) Decode(buf []byte, client protocol.ClientInfo) (protocol.Result, int, error) {
	text := string(buf)
	start := strings.IndexByte(text, '+')
	if start == -1 {
		if len(buf) > protocol.MaxBufferedBytes {
			return protocol.Result{}, len(buf), apperrors.New(apperrors.KindMalformedFrame, "queclink: no frame start")
		}
		return protocol.Result{}, len(buf), nil
	}
	end := strings.IndexByte(text[start:], '$')
	if end == -1 {
		if len(buf) > protocol.MaxBufferedBytes*2 {
			return protocol.Result{}, len(buf), apperrors.New(apperrors.KindMalformedFrame, "queclink: buffer too large without terminator")
		}
		return protocol.Result{}, 0, nil
	}
	consumed := start + end + 1
	message := text[start:consumed]

	loc := frame.FindStringSubmatchIndex(message)
	if loc == nil {
		return protocol.Result{}, consumed, apperrors.New(apperrors.KindMalformedFrame, "queclink: invalid frame format")
	}
	msgType := message[loc[4]:loc[5]]
	payload := message[loc[6]:loc[7]]
	fields := strings.Split(payload, ",")

	if !positionTypes[msgType] {
		return protocol.Result{}, consumed, nil
	}
	pos, err := parsePosition(fields, msgType, client.KnownIMEI)
	if err != nil {
		return protocol.Result{}, consumed, err
	}
	applyMessageTypeOverrides(pos, msgType)
	return protocol.Result{Position: pos}, consumed, nil
}

func applyMessageTypeOverrides(pos *model.NormalizedPosition, msgType string) {
	switch msgType {
	case "GTIGN":
		on := true
		pos.Ignition = &on
		pos.Sensors["event"] = "ignition_on"
	case "GTIGF":
		off := false
		pos.Ignition = &off
		pos.Sensors["event"] = "ignition_off"
	case "GTSOS":
		pos.Sensors["alert_type"] = "SOS"
	case "GTSPD":
		pos.Sensors["alert_type"] = "speed"
	case "GTPNA":
		pos.Sensors["event"] = "power_on"
	case "GTPFA":
		pos.Sensors["event"] = "power_off"
	}
}

func parsePosition(fields []string, msgType, knownIMEI string) (*model.NormalizedPosition, error) {
	if len(fields) <= fieldLatitude {
		return nil, apperrors.New(apperrors.KindMalformedFrame, "queclink: not enough fields")
	}
	imei := knownIMEI
	if imei == "" && len(fields) > fieldIMEI {
		imei = strings.TrimSpace(fields[fieldIMEI])
	}
	if imei == "" {
		return nil, apperrors.New(apperrors.KindMalformedFrame, "queclink: no imei")
	}

	var ignition *bool
	if len(fields) > fieldState && strings.TrimSpace(fields[fieldState]) != "" {
		if state, err := strconv.ParseUint(strings.TrimSpace(fields[fieldState]), 16, 64); err == nil {
			on := state&0x01 != 0
			ignition = &on
		}
	}

	latitude, errLat := strconv.ParseFloat(strings.TrimSpace(fields[fieldLatitude]), 64)
	longitude, errLon := strconv.ParseFloat(strings.TrimSpace(fields[fieldLongitude]), 64)
	if errLat != nil || errLon != nil {
		return nil, apperrors.New(apperrors.KindMalformedFrame, "queclink: invalid coordinates")
	}

	f := func(idx int) float64 {
		if idx >= len(fields) || strings.TrimSpace(fields[idx]) == "" {
			return 0
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[idx]), 64)
		if err != nil {
			return 0
		}
		return v
	}
	speed := f(fieldSpeed)
	course := f(fieldCourse)
	altitude := f(fieldAltitude)
	hdop := f(fieldHDOP)

	deviceTime := time.Now().UTC()
	if len(fields) > fieldTimestamp && len(strings.TrimSpace(fields[fieldTimestamp])) >= 14 {
		ts := strings.TrimSpace(fields[fieldTimestamp])
		year, _ := strconv.Atoi(ts[0:4])
		month, _ := strconv.Atoi(ts[4:6])
		day, _ := strconv.Atoi(ts[6:8])
		hour, _ := strconv.Atoi(ts[8:10])
		minute, _ := strconv.Atoi(ts[10:12])
		second, _ := strconv.Atoi(ts[12:14])
		if year > 0 {
			deviceTime = time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
		}
	}

	sensors := map[string]any{"message_type": msgType}
	if hdop != 0 {
		sensors["hdop"] = hdop
	}
	if len(fields) > fieldMCC && strings.TrimSpace(fields[fieldMCC]) != "" {
		sensors["mcc"] = strings.TrimSpace(fields[fieldMCC])
	}
	if len(fields) > fieldMNC && strings.TrimSpace(fields[fieldMNC]) != "" {
		sensors["mnc"] = strings.TrimSpace(fields[fieldMNC])
	}
	if len(fields) > fieldLAC && strings.TrimSpace(fields[fieldLAC]) != "" {
		sensors["lac"] = strings.TrimSpace(fields[fieldLAC])
	}
	if len(fields) > fieldCellID && strings.TrimSpace(fields[fieldCellID]) != "" {
		sensors["cell_id"] = strings.TrimSpace(fields[fieldCellID])
	}
	if len(fields) > 0 && strings.TrimSpace(fields[0]) != "" {
		sensors["protocol_version"] = strings.TrimSpace(fields[0])
	}
	if len(fields) > 2 && strings.TrimSpace(fields[2]) != "" {
		sensors["device_name"] = strings.TrimSpace(fields[2])
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
		Ignition:   ignition,
		Sensors:    sensors,
		ValidFix:   true, // Queclink only reports when its GPS fix is valid.
	}, nil
}

func (d *Decoder) EncodeCommand(commandType string, params map[string]any) ([]byte, error) {
	password, _ := params["password"].(string)
	if password == "" {
		password = "000000"
	}
	var cmd string
	switch commandType {
	case "reboot":
		cmd = "AT+GTRTO=" + password + ",,,,0002$"
	case "get_version":
		cmd = "AT+GTVER=" + password + ",,0003$"
	case "set_interval":
		interval := 30
		if v, ok := params["interval"].(int); ok {
			interval = v
		}
		cmd = "AT+GTFRI=" + password + "," + strconv.Itoa(interval) + ",,,,0004$"
	case "request_position":
		cmd = "AT+GTQSS=" + password + ",,0005$"
	case "set_server":
		ip, _ := params["ip"].(string)
		port := 5026
		if v, ok := params["port"].(int); ok {
			port = v
		}
		cmd = "AT+GTBSI=" + password + "," + ip + "," + strconv.Itoa(port) + ",0,0,,,0006$"
	case "set_apn":
		apn, _ := params["apn"].(string)
		if apn == "" {
			apn = "internet"
		}
		cmd = "AT+GTBSI=" + password + ",,,,0," + apn + ",,,0007$"
	case "enable_output":
		outputType, _ := params["output_type"].(string)
		if outputType == "" {
			outputType = "GTFRI"
		}
		cmd = "AT+GTTOW=" + password + "," + outputType + ",1,,0008$"
	case "disable_output":
		outputType, _ := params["output_type"].(string)
		if outputType == "" {
			outputType = "GTFRI"
		}
		cmd = "AT+GTTOW=" + password + "," + outputType + ",0,,0009$"
	case "custom":
		cmd, _ = params["payload"].(string)
		if !strings.HasPrefix(cmd, "AT+") {
			cmd = "AT+" + cmd
		}
		if !strings.HasSuffix(cmd, "$") {
			cmd += "$"
		}
	default:
		return nil, apperrors.Errorf(apperrors.KindValidation, "queclink: unsupported command %q", commandType)
	}
	return []byte(cmd), nil
}

var availableCommands = []protocol.CommandInfo{
	{Name: "reboot", Description: "Reboot the device"},
	{Name: "get_version", Description: "Get firmware version"},
	{Name: "set_interval", Description: "Set reporting interval in seconds"},
	{Name: "request_position", Description: "Request immediate GPS position"},
	{Name: "set_server", Description: "Configure server IP and port"},
	{Name: "set_apn", Description: "Configure APN for GPRS"},
	{Name: "enable_output", Description: "Enable a message output type"},
	{Name: "disable_output", Description: "Disable a message output type"},
	{Name: "custom", Description: "Send a raw custom AT command"},
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
