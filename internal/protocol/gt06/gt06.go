// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package gt06 implements the GT06 binary protocol (spec.md section 4.1):
// short (0x7878) and long (0x7979) frames, login/position/heartbeat.
package gt06

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"

	"fleetwatch/internal/apperrors"
	"fleetwatch/internal/model"
	"fleetwatch/internal/protocol"
)

const Port = 5023

var shortStart = []byte{0x78, 0x78}
var longStart = []byte{0x79, 0x79}
var stopBytes = []byte{0x0D, 0x0A}

type Decoder struct{}

func New() *Decoder { return &Decoder{} }

func (d *Decoder) Name() string                  { return "gt06" }
func (d *Decoder) Port() int                     { return Port }
func (d *Decoder) Transport() protocol.Transport { return protocol.TCP }

// CRC16X25 computes CRC-16/X-25 (poly 0x1021 reflected to 0x8408, init
// 0xFFFF, reflected in/out, final XOR 0xFFFF) over data, per spec.md's
// frame-check description.
func CRC16X25(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return crc ^ 0xFFFF
}

func (d *Decoder) Decode(buf []byte, client protocol.ClientInfo) (protocol.Result, int, error) {
	if len(buf) < 5 {
		return protocol.Result{}, 0, nil
	}
	var short bool
	switch {
	case buf[0] == shortStart[0] && buf[1] == shortStart[1]:
		short = true
	case buf[0] == longStart[0] && buf[1] == longStart[1]:
		short = false
	default:
		return protocol.Result{}, 1, apperrors.New(apperrors.KindMalformedFrame, "gt06: bad start bytes")
	}

	var total int
	var headerLen int
	if short {
		contentLen := int(buf[2])
		total = contentLen + 5
		headerLen = 3
	} else {
		if len(buf) < 4 {
			return protocol.Result{}, 0, nil
		}
		contentLen := int(binary.BigEndian.Uint16(buf[2:4]))
		total = contentLen + 6
		headerLen = 4
	}
	if total > protocol.MaxBufferedBytes {
		return protocol.Result{}, 1, apperrors.New(apperrors.KindMalformedFrame, "gt06: implausible length")
	}
	if len(buf) < total {
		return protocol.Result{}, 0, nil
	}
	packet := buf[:total]

	crcRegion := packet[2 : total-4]
	expected := binary.BigEndian.Uint16(packet[total-4 : total-2])
	if CRC16X25(crcRegion) != expected {
		return protocol.Result{}, total, apperrors.New(apperrors.KindMalformedFrame, "gt06: CRC mismatch")
	}

	protocolNumber := packet[headerLen]
	body := packet[headerLen+1:]

	switch protocolNumber {
	case 0x01:
		return decodeLogin(body, total)
	case 0x12, 0x16, 0x1A:
		return decodePosition(body, client.KnownIMEI, total)
	case 0x13:
		return decodeHeartbeat(body, total)
	default:
		return protocol.Result{}, total, nil
	}
}

func buildResponse(protocolNumber byte, serial []byte) []byte {
	resp := []byte{0x78, 0x78, 0x05, protocolNumber}
	resp = append(resp, serial...)
	crc := CRC16X25(resp[2:])
	crcBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(crcBytes, crc)
	resp = append(resp, crcBytes...)
	resp = append(resp, stopBytes...)
	return resp
}

func decodeLogin(body []byte, total int) (protocol.Result, int, error) {
	if len(body) < 10 {
		return protocol.Result{}, total, apperrors.New(apperrors.KindMalformedFrame, "gt06: login too short")
	}
	imei := bcdToIMEI(body[0:8])
	serial := body[8:10]
	return protocol.Result{Event: &protocol.Event{
		Name:          "login",
		IMEI:          imei,
		ResponseBytes: buildResponse(0x01, serial),
	}}, total, nil
}

func decodeHeartbeat(body []byte, total int) (protocol.Result, int, error) {
	if len(body) < 2 {
		return protocol.Result{}, total, apperrors.New(apperrors.KindMalformedFrame, "gt06: heartbeat too short")
	}
	serial := body[0:2]
	return protocol.Result{Event: &protocol.Event{
		Name:          "heartbeat",
		ResponseBytes: buildResponse(0x13, serial),
	}}, total, nil
}

func decodePosition(body []byte, knownIMEI string, total int) (protocol.Result, int, error) {
	if len(body) < 6+12 {
		return protocol.Result{}, total, apperrors.New(apperrors.KindMalformedFrame, "gt06: position too short")
	}
	year := 2000 + int(body[0])
	month := int(body[1])
	day := int(body[2])
	hour := int(body[3])
	minute := int(body[4])
	second := int(body[5])
	deviceTime := time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)

	gps := body[6:]
	satAcc := gps[0]
	satellites := int((satAcc >> 4) & 0x0F)
	status := binary.BigEndian.Uint16(gps[1:3])
	course := float64(status & 0x03FF)
	latSouth := status&0x0400 != 0
	lonWest := status&0x0800 != 0
	gpsValid := status&0x1000 != 0
	ignition := status&0x4000 != 0

	latRaw := binary.BigEndian.Uint32(gps[3:7])
	lonRaw := binary.BigEndian.Uint32(gps[7:11])
	latitude := float64(latRaw) / 1800000.0
	longitude := float64(lonRaw) / 1800000.0
	if latSouth {
		latitude = -latitude
	}
	if lonWest {
		longitude = -longitude
	}
	speed := float64(gps[11])

	pos := model.NormalizedPosition{
		IMEI:       knownIMEI,
		DeviceTime: deviceTime,
		ServerTime: time.Now().UTC(),
		Latitude:   latitude,
		Longitude:  longitude,
		Speed:      &speed,
		Course:     &course,
		Satellites: &satellites,
		Ignition:   &ignition,
		ValidFix:   gpsValid,
		Sensors: map[string]any{
			"status_raw": status,
			"acc":        ignition,
		},
	}
	return protocol.Result{Position: &pos}, total, nil
}

// bcdToIMEI decodes 8 packed-BCD bytes (16 nibbles) into the 15-digit IMEI
// string, stripping the single leading padding nibble.
func bcdToIMEI(b []byte) string {
	hexStr := hex.EncodeToString(b)
	return strings.TrimPrefix(hexStr, "0")
}

func (d *Decoder) EncodeCommand(commandType string, params map[string]any) ([]byte, error) {
	switch commandType {
	case "reset":
		cmd := []byte{0x78, 0x78, 0x05, 0x80, 0x01, 0x00, 0x01}
		crc := CRC16X25(cmd[2:])
		crcBytes := make([]byte, 2)
		binary.BigEndian.PutUint16(crcBytes, crc)
		cmd = append(cmd, crcBytes...)
		cmd = append(cmd, stopBytes...)
		return cmd, nil
	default:
		return nil, apperrors.Errorf(apperrors.KindValidation, "gt06: unsupported command %q", commandType)
	}
}

var availableCommands = []protocol.CommandInfo{
	{Name: "reset", Description: "Reboot the device"},
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
