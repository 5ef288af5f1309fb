// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package teltonika implements the Codec 8 / Codec 8E binary protocol
// (spec.md section 4.1) and Codec 12 command encoding for downlink commands.
package teltonika

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"fleetwatch/internal/apperrors"
	"fleetwatch/internal/model"
	"fleetwatch/internal/protocol"
)

const Port = 5027

// ioNames maps Teltonika AVL IO element IDs to semantic sensor names,
// carried over from the original implementation's IO_MAP
// (original_source/app/protocols/teltonika.py).
var ioNames = map[uint16]string{
	1: "din1", 2: "din2", 3: "din3", 4: "din4", 9: "adc1", 10: "adc2", 11: "iccid",
	12: "fuel_used", 13: "fuel_consumption", 16: "odometer", 17: "axisX", 18: "axisY", 19: "axisZ",
	21: "gsm_signal", 24: "speed", 30: "fault_count", 31: "engine_load", 32: "coolant_temp", 36: "rpm",
	66: "external_voltage", 67: "battery_voltage", 68: "battery_current", 69: "gnss_status", 70: "pcb_temp",
	72: "temp1", 73: "temp2", 74: "temp3", 75: "temp4", 80: "data_mode", 81: "obd_speed", 82: "throttle",
	83: "fuel_used_obd", 84: "fuel_level_obd", 85: "rpm_obd", 87: "odometer_obd", 89: "fuel_level_percent",
	113: "battery_level_percent", 115: "engine_temp", 179: "din_out1", 180: "din_out2", 181: "pdop",
	182: "hdop", 199: "trip_odometer", 200: "sleep_mode", 205: "cid2g", 206: "lac", 239: "ignition",
	240: "movement", 241: "gsm_operator", 244: "roaming", 636: "cid4g", 662: "door",
}

var ioMultipliers = map[uint16]float64{
	9: 0.001, 10: 0.001, 12: 0.001, 13: 0.01, 66: 0.001, 67: 0.001, 68: 0.001,
	70: 0.1, 72: 0.1, 73: 0.1, 74: 0.1, 75: 0.1, 83: 0.1, 84: 0.1, 115: 0.1,
	181: 0.1, 182: 0.1,
}

const ignitionIOID = 239

// Decoder implements protocol.Decoder for Teltonika Codec 8 / 8E.
type Decoder struct{}

func New() *Decoder { return &Decoder{} }

func (d *Decoder) Name() string              { return "teltonika" }
func (d *Decoder) Port() int                 { return Port }
func (d *Decoder) Transport() protocol.Transport { return protocol.TCP }

// CRC16IBM computes CRC-16/IBM (Modbus): polynomial 0xA001, initial 0xFFFF.
func CRC16IBM(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

func (d *Decoder) Decode(buf []byte, client protocol.ClientInfo) (protocol.Result, int, error) {
	if len(buf) >= 4 && isZero4(buf[:4]) {
		return d.decodeDataFrame(buf, client)
	}
	return d.decodeLoginFrame(buf)
}

func isZero4(b []byte) bool {
	return b[0] == 0 && b[1] == 0 && b[2] == 0 && b[3] == 0
}

func (d *Decoder) decodeLoginFrame(buf []byte) (protocol.Result, int, error) {
	if len(buf) < 2 {
		return protocol.Result{}, 0, nil
	}
	imeiLen := int(binary.BigEndian.Uint16(buf[0:2]))
	if imeiLen <= 0 || imeiLen > 32 {
		// Not a plausible login length; resync one byte.
		return protocol.Result{}, 1, apperrors.New(apperrors.KindMalformedFrame, "teltonika: implausible login length")
	}
	if len(buf) < 2+imeiLen {
		return protocol.Result{}, 0, nil
	}
	imeiBytes := buf[2 : 2+imeiLen]
	consumed := 2 + imeiLen
	if !isAllDigits(imeiBytes) {
		return protocol.Result{Event: &protocol.Event{Name: "login", ResponseBytes: []byte{0x00}}}, consumed,
			apperrors.New(apperrors.KindMalformedFrame, "teltonika: non-numeric IMEI")
	}
	return protocol.Result{Event: &protocol.Event{
		Name:          "login",
		IMEI:          string(imeiBytes),
		ResponseBytes: []byte{0x01},
	}}, consumed, nil
}

func isAllDigits(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(b) > 0
}

func (d *Decoder) decodeDataFrame(buf []byte, client protocol.ClientInfo) (protocol.Result, int, error) {
	if len(buf) < 8 {
		return protocol.Result{}, 0, nil
	}
	dataLen := binary.BigEndian.Uint32(buf[4:8])
	total := 8 + int(dataLen) + 4
	if total > protocol.MaxBufferedBytes*2 {
		// Implausible length; treat as malformed and resync.
		return protocol.Result{}, 1, apperrors.New(apperrors.KindMalformedFrame, "teltonika: implausible data length")
	}
	if len(buf) < total {
		return protocol.Result{}, 0, nil
	}
	payload := buf[8 : 8+dataLen]
	crcField := buf[8+dataLen : total]
	expectedCRC := binary.BigEndian.Uint32(crcField)
	actualCRC := uint32(CRC16IBM(payload))
	if actualCRC != expectedCRC {
		return protocol.Result{}, total, apperrors.New(apperrors.KindMalformedFrame, "teltonika: CRC mismatch")
	}
	if len(payload) < 3 {
		return protocol.Result{}, total, apperrors.New(apperrors.KindMalformedFrame, "teltonika: payload too short")
	}
	codecID := payload[0]
	recordCount := int(payload[1])
	wide := codecID == 0x8E
	records := payload[2 : len(payload)-1] // trailing byte is the repeated record count
	trailingCount := int(payload[len(payload)-1])
	if trailingCount != recordCount {
		return protocol.Result{}, total, apperrors.New(apperrors.KindMalformedFrame, "teltonika: record count mismatch")
	}

	positions := make([]model.NormalizedPosition, 0, recordCount)
	off := 0
	now := time.Now().UTC()
	for i := 0; i < recordCount; i++ {
		pos, n, err := parseRecord(records[off:], wide, client.KnownIMEI, now)
		if err != nil {
			return protocol.Result{}, total, apperrors.Wrap(err, apperrors.KindMalformedFrame, "teltonika: record decode")
		}
		off += n
		if pos.Latitude == 0 && pos.Longitude == 0 {
			continue // discarded per spec.md section 4.1, but still consumed
		}
		positions = append(positions, pos)
	}

	ack := make([]byte, 4)
	binary.BigEndian.PutUint32(ack, uint32(recordCount))

	event := &protocol.Event{Name: "data", ResponseBytes: ack}
	if len(positions) > 0 {
		event.Position = &positions[0]
		if len(positions) > 1 {
			event.ExtraPositions = positions[1:]
		}
	}
	return protocol.Result{Event: event}, total, nil
}

func parseRecord(buf []byte, wide bool, imei string, serverTime time.Time) (model.NormalizedPosition, int, error) {
	const fixedLen = 8 + 1 + 15 // timestamp + priority + gps element
	if len(buf) < fixedLen {
		return model.NormalizedPosition{}, 0, fmt.Errorf("record too short")
	}
	ms := binary.BigEndian.Uint64(buf[0:8])
	deviceTime := epochFromMillis(ms)
	off := 9 // skip 8-byte timestamp + 1-byte priority

	lon := float64(int32(binary.BigEndian.Uint32(buf[off:off+4]))) / 1e7
	lat := float64(int32(binary.BigEndian.Uint32(buf[off+4:off+8]))) / 1e7
	alt := float64(int16(binary.BigEndian.Uint16(buf[off+8 : off+10])))
	course := float64(binary.BigEndian.Uint16(buf[off+10 : off+12]))
	sats := int(buf[off+12])
	speed := float64(binary.BigEndian.Uint16(buf[off+13 : off+15]))
	off += 15

	idWidth := 1
	cntWidth := 1
	if wide {
		idWidth = 2
		cntWidth = 2
	}
	if len(buf) < off+2*idWidth {
		return model.NormalizedPosition{}, 0, fmt.Errorf("record truncated at IO header")
	}
	off += 2 * idWidth // event IO id + total IO count, not individually needed

	sensors := make(map[string]any)
	var ignition *bool

	groups := []int{1, 2, 4, 8}
	for _, width := range groups {
		if len(buf) < off+cntWidth {
			return model.NormalizedPosition{}, 0, fmt.Errorf("record truncated at group count")
		}
		var count int
		if cntWidth == 1 {
			count = int(buf[off])
		} else {
			count = int(binary.BigEndian.Uint16(buf[off : off+2]))
		}
		off += cntWidth
		for j := 0; j < count; j++ {
			if len(buf) < off+idWidth+width {
				return model.NormalizedPosition{}, 0, fmt.Errorf("record truncated in group")
			}
			var ioID uint16
			if idWidth == 1 {
				ioID = uint16(buf[off])
			} else {
				ioID = binary.BigEndian.Uint16(buf[off : off+2])
			}
			off += idWidth
			valBytes := buf[off : off+width]
			off += width
			raw := bytesToUint(valBytes)
			if ioID == ignitionIOID {
				b := raw != 0
				ignition = &b
			}
			name, ok := ioNames[ioID]
			if !ok {
				name = fmt.Sprintf("io_%d", ioID)
			}
			var val any = raw
			if mult, ok := ioMultipliers[ioID]; ok {
				val = float64(raw) * mult
			}
			sensors[name] = val
		}
	}

	pos := model.NormalizedPosition{
		IMEI:       imei,
		DeviceTime: deviceTime,
		ServerTime: serverTime,
		Latitude:   lat,
		Longitude:  lon,
		Altitude:   &alt,
		Speed:      &speed,
		Course:     &course,
		Satellites: &sats,
		Ignition:   ignition,
		Sensors:    sensors,
		ValidFix:   true,
	}
	return pos, off, nil
}

func bytesToUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func epochFromMillis(ms uint64) time.Time {
	return time.UnixMilli(int64(ms)).UTC()
}

// EncodeCommand produces a Codec 12 command frame. commandType is used as
// the literal command text sent to the device (e.g. "getver"); a non-empty
// "args" string in params is appended after a single space. Other params
// are ignored.
func (d *Decoder) EncodeCommand(commandType string, params map[string]any) ([]byte, error) {
	cmd := commandType
	if args, ok := params["args"].(string); ok && args != "" {
		cmd = strings.TrimSpace(commandType + " " + args)
	}
	return EncodeCodec12(cmd), nil
}

// EncodeCodec12 wraps cmd in a Codec 12 downlink command frame.
func EncodeCodec12(cmd string) []byte {
	cmdBytes := []byte(cmd)
	l := 1 + 1 + 1 + 4 + len(cmdBytes) + 1 // codec + qty1 + type + cmdLen + cmd + qty2
	payload := make([]byte, 0, l)
	payload = append(payload, 0x0C)       // codec
	payload = append(payload, 0x01)       // quantity 1
	payload = append(payload, 0x05)       // type: command
	cmdLen := make([]byte, 4)
	binary.BigEndian.PutUint32(cmdLen, uint32(len(cmdBytes)))
	payload = append(payload, cmdLen...)
	payload = append(payload, cmdBytes...)
	payload = append(payload, 0x01) // quantity 2

	frame := make([]byte, 0, 8+len(payload)+4)
	frame = append(frame, 0, 0, 0, 0)
	lenField := make([]byte, 4)
	binary.BigEndian.PutUint32(lenField, uint32(len(payload)))
	frame = append(frame, lenField...)
	frame = append(frame, payload...)
	crc := CRC16IBM(payload)
	crcField := make([]byte, 4)
	binary.BigEndian.PutUint32(crcField, uint32(crc))
	frame = append(frame, crcField...)
	return frame
}

var availableCommands = []protocol.CommandInfo{
	{Name: "getver", Description: "Request firmware version"},
	{Name: "getstatus", Description: "Request device status"},
	{Name: "getgps", Description: "Request last known position"},
	{Name: "setdigout", Description: "Set digital output", Params: []protocol.ParamInfo{
		{Name: "args", Type: "string", Description: "output index and state, e.g. \"1 1\"", Required: true},
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
