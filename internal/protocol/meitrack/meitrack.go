// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package meitrack implements the Meitrack ASCII protocol (spec.md section
// 4.1): "$$" framed, comma-separated, newline-terminated messages with an
// optional trailing XOR checksum.
package meitrack

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"fleetwatch/internal/apperrors"
	"fleetwatch/internal/model"
	"fleetwatch/internal/protocol"
)

const Port = 5020

type Decoder struct{}

func New() *Decoder { return &Decoder{} }

func (d *Decoder) Name() string                  { return "meitrack" }
func (d *Decoder) Port() int                     { return Port }
func (d *Decoder) Transport() protocol.Transport { return protocol.TCP }

func (d *Decoder) Decode(buf []byte, client protocol.ClientInfo) (protocol.Result, int, error) {
	text := string(buf)
	start := strings.Index(text, "$$")
	if start == -1 {
		if len(buf) > protocol.MaxBufferedBytes {
			return protocol.Result{}, len(buf), apperrors.New(apperrors.KindMalformedFrame, "meitrack: no frame start")
		}
		return protocol.Result{}, len(buf), nil
	}
	end := strings.IndexByte(text[start:], '\n')
	if end == -1 {
		if len(buf) > protocol.MaxBufferedBytes*2 {
			return protocol.Result{}, len(buf), apperrors.New(apperrors.KindMalformedFrame, "meitrack: buffer too large without terminator")
		}
		return protocol.Result{}, 0, nil
	}
	consumed := start + end + 1
	message := strings.TrimRight(text[start:consumed], "\r\n")

	body := message[2:] // strip "$$"
	if idx := strings.LastIndexByte(body, '*'); idx != -1 {
		body = body[:idx]
	}
	fields := strings.SplitN(body, ",", 4)
	if len(fields) < 4 {
		return protocol.Result{}, consumed, apperrors.New(apperrors.KindMalformedFrame, "meitrack: too few header fields")
	}
	imei := fields[1]
	eventCode := fields[2]
	payload := fields[3]

	switch eventCode {
	case "AAA", "CCC", "DDD":
		pos, err := parsePosition(imei, eventCode, strings.Split(payload, ","))
		if err != nil {
			return protocol.Result{}, consumed, err
		}
		if eventCode != "AAA" {
			return protocol.Result{Position: pos}, consumed, nil
		}
		ev := &protocol.Event{
			Name:          "login",
			IMEI:          imei,
			Position:      pos,
			ResponseBytes: []byte(fmt.Sprintf("$$B%d,%s,AAA\r\n", len(imei)+3, imei)),
		}
		return protocol.Result{Event: ev}, consumed, nil
	default:
		return protocol.Result{}, consumed, nil
	}
}

func parsePosition(imei, eventCode string, fields []string) (*model.NormalizedPosition, error) {
	if len(fields) < 10 {
		return nil, apperrors.New(apperrors.KindMalformedFrame, "meitrack: not enough fields")
	}

	f := func(idx int) float64 {
		if idx >= len(fields) || fields[idx] == "" {
			return 0
		}
		v, err := strconv.ParseFloat(fields[idx], 64)
		if err != nil {
			return 0
		}
		return v
	}
	i := func(idx int) int {
		if idx >= len(fields) || fields[idx] == "" {
			return 0
		}
		v, err := strconv.Atoi(fields[idx])
		if err != nil {
			return 0
		}
		return v
	}

	latitude := f(1)
	longitude := f(2)

	deviceTime := time.Now().UTC()
	if len(fields) > 3 && len(fields[3]) >= 12 {
		ts := fields[3]
		year := 2000 + mustAtoi(ts[0:2])
		month := mustAtoi(ts[2:4])
		day := mustAtoi(ts[4:6])
		hour := mustAtoi(ts[6:8])
		minute := mustAtoi(ts[8:10])
		second := mustAtoi(ts[10:12])
		deviceTime = time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
	}

	valid := len(fields) > 4 && fields[4] == "A"
	satellites := i(5)
	speed := f(7)
	course := f(8)
	hdop := f(9)
	altitude := f(10)

	sensors := map[string]any{
		"event_code": eventCode,
		"gsm_signal": i(6),
		"hdop":       hdop,
	}
	if len(fields) > 11 && fields[11] != "" {
		if v, err := strconv.ParseFloat(fields[11], 64); err == nil {
			sensors["odometer"] = v
		}
	}
	if len(fields) > 12 && fields[12] != "" {
		if v, err := strconv.Atoi(fields[12]); err == nil {
			sensors["runtime"] = v
		}
	}
	if len(fields) > 13 && fields[13] != "" {
		bs := strings.Split(fields[13], "|")
		if len(bs) >= 4 {
			sensors["mcc"] = bs[0]
			sensors["mnc"] = bs[1]
			sensors["lac"] = bs[2]
			sensors["cell_id"] = bs[3]
		}
	}
	if len(fields) > 14 && fields[14] != "" {
		if v, err := strconv.ParseFloat(fields[14], 64); err == nil {
			sensors["battery_voltage"] = v
		}
	}
	if len(fields) > 15 && fields[15] != "" {
		if v, err := strconv.Atoi(fields[15]); err == nil {
			sensors["battery_percent"] = v
		}
	}

	var ignition *bool
	if len(fields) > 16 && fields[16] != "" {
		if digitalInputs, err := strconv.Atoi(fields[16]); err == nil {
			sensors["digital_inputs"] = digitalInputs
			on := digitalInputs&0x01 != 0
			ignition = &on
		}
	}
	if len(fields) > 17 && fields[17] != "" {
		if v, err := strconv.Atoi(fields[17]); err == nil {
			sensors["digital_outputs"] = v
		}
	}
	if len(fields) > 18 && fields[18] != "" {
		for idx, val := range strings.Split(fields[18], "|") {
			if val == "" {
				continue
			}
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				sensors[fmt.Sprintf("analog_%d", idx+1)] = v
			}
		}
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
		Ignition:   ignition,
		Sensors:    sensors,
		ValidFix:   valid,
	}, nil
}

func mustAtoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func (d *Decoder) EncodeCommand(commandType string, params map[string]any) ([]byte, error) {
	imei, _ := params["imei"].(string)
	if imei == "" {
		return nil, apperrors.New(apperrors.KindValidation, "meitrack: imei required for commands")
	}
	var cmdStr string
	switch commandType {
	case "request_position":
		cmdStr = fmt.Sprintf("A10,%s", imei)
	case "reboot":
		cmdStr = fmt.Sprintf("A11,%s", imei)
	case "set_interval":
		interval := 30
		if v, ok := params["interval"].(int); ok {
			interval = v
		}
		cmdStr = fmt.Sprintf("A12,%s,%d", imei, interval)
	case "set_server":
		ip, _ := params["ip"].(string)
		port := 5020
		if v, ok := params["port"].(int); ok {
			port = v
		}
		cmdStr = fmt.Sprintf("A13,%s,%s,%d", imei, ip, port)
	case "set_apn":
		apn, _ := params["apn"].(string)
		username, _ := params["username"].(string)
		password, _ := params["password"].(string)
		cmdStr = fmt.Sprintf("A14,%s,%s,%s,%s", imei, apn, username, password)
	case "set_timezone":
		tzOffset := 0
		if v, ok := params["timezone"].(int); ok {
			tzOffset = v
		}
		cmdStr = fmt.Sprintf("A15,%s,%d", imei, tzOffset)
	case "enable_output":
		outputType, _ := params["output_type"].(string)
		cmdStr = fmt.Sprintf("A16,%s,%s,1", imei, outputType)
	case "disable_output":
		outputType, _ := params["output_type"].(string)
		cmdStr = fmt.Sprintf("A16,%s,%s,0", imei, outputType)
	case "custom":
		cmdStr, _ = params["payload"].(string)
	default:
		return nil, apperrors.Errorf(apperrors.KindValidation, "meitrack: unsupported command %q", commandType)
	}

	command := fmt.Sprintf("@@A%02d,%s", len(cmdStr), cmdStr)
	var checksum byte
	for _, b := range []byte(command) {
		checksum ^= b
	}
	command += fmt.Sprintf("*%02X\r\n", checksum)
	return []byte(command), nil
}

var availableCommands = []protocol.CommandInfo{
	{Name: "request_position", Description: "Request current position"},
	{Name: "reboot", Description: "Reboot the device"},
	{Name: "set_interval", Description: "Set reporting interval in seconds"},
	{Name: "set_server", Description: "Set server IP and port"},
	{Name: "set_apn", Description: "Set GPRS APN"},
	{Name: "set_timezone", Description: "Set timezone offset"},
	{Name: "enable_output", Description: "Enable an output (ACC, etc.)"},
	{Name: "disable_output", Description: "Disable an output (ACC, etc.)"},
	{Name: "custom", Description: "Send a raw custom command string"},
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
