// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package h02 implements the H02 ASCII protocol (spec.md section 4.1):
// comma-separated fields framed by "*HQ," and a trailing "#".
package h02

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"fleetwatch/internal/apperrors"
	"fleetwatch/internal/model"
	"fleetwatch/internal/protocol"
)

const Port = 5013

const prefix = "*HQ,"

type Decoder struct{}

func New() *Decoder { return &Decoder{} }

func (d *Decoder) Name() string                  { return "h02" }
func (d *Decoder) Port() int                     { return Port }
func (d *Decoder) Transport() protocol.Transport { return protocol.TCP }

func (d *Decoder) Decode(buf []byte, client protocol.ClientInfo) (protocol.Result, int, error) {
	end := bytes.IndexByte(buf, '#')
	if end == -1 {
		if len(buf) > protocol.MaxBufferedBytes {
			return protocol.Result{}, len(buf), apperrors.New(apperrors.KindMalformedFrame, "h02: no frame boundary")
		}
		return protocol.Result{}, 0, nil
	}
	consumed := end + 1
	frame := string(buf[:end])
	if !strings.HasPrefix(frame, prefix) {
		return protocol.Result{}, 1, apperrors.New(apperrors.KindMalformedFrame, "h02: missing *HQ, prefix")
	}
	parts := strings.Split(frame[len(prefix):], ",")
	if len(parts) < 2 {
		return protocol.Result{}, consumed, apperrors.New(apperrors.KindMalformedFrame, "h02: too few fields")
	}
	imei := parts[0]
	msgType := parts[1]

	switch msgType {
	case "HTBT":
		return protocol.Result{Event: &protocol.Event{
			Name:          "heartbeat",
			IMEI:          imei,
			ResponseBytes: []byte("*HQ," + imei + ",R12#"),
		}}, consumed, nil
	case "V1", "V4":
		pos, err := decodePosition(imei, parts)
		if err != nil {
			return protocol.Result{}, consumed, err
		}
		return protocol.Result{Position: pos}, consumed, nil
	case "NBR", "LINK":
		return protocol.Result{Event: &protocol.Event{Name: strings.ToLower(msgType), IMEI: imei}}, consumed, nil
	default:
		return protocol.Result{}, consumed, nil
	}
}

func decodePosition(imei string, parts []string) (*model.NormalizedPosition, error) {
	if len(parts) < 12 {
		return nil, apperrors.New(apperrors.KindMalformedFrame, "h02: V1/V4 too few fields")
	}
	timeStr := parts[2]
	valid := parts[3]
	latStr, latHemi := parts[4], parts[5]
	lonStr, lonHemi := parts[6], parts[7]
	speedStr := parts[8]
	courseStr := parts[9]
	dateStr := parts[10]
	flagsStr := parts[11]

	if len(timeStr) < 6 || len(dateStr) < 6 {
		return nil, apperrors.New(apperrors.KindMalformedFrame, "h02: short time/date fields")
	}
	hour, _ := strconv.Atoi(timeStr[0:2])
	minute, _ := strconv.Atoi(timeStr[2:4])
	second, _ := strconv.Atoi(timeStr[4:6])
	day, _ := strconv.Atoi(dateStr[0:2])
	month, _ := strconv.Atoi(dateStr[2:4])
	year := 2000 + mustAtoi(dateStr[4:6])
	deviceTime := time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)

	lat, err := parseCoordinate(latStr, latHemi)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindMalformedFrame, "h02: bad latitude")
	}
	lon, err := parseCoordinate(lonStr, lonHemi)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindMalformedFrame, "h02: bad longitude")
	}
	knots, _ := strconv.ParseFloat(speedStr, 64)
	speedKMH := knots * 1.852
	course, _ := strconv.ParseFloat(courseStr, 64)

	validFix := valid == "A"

	var ignition *bool
	if flags, err := strconv.ParseUint(strings.TrimSpace(flagsStr), 16, 64); err == nil {
		on := flags&0x1 != 0
		ignition = &on
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
		ValidFix:   validFix,
	}, nil
}

func mustAtoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// parseCoordinate decodes H02's DDMM.MMMM / DDDMM.MMMM layout: all digits
// before the last two whole-number digits are the degrees, the trailing two
// whole digits plus any fraction are minutes.
func parseCoordinate(coord, hemisphere string) (float64, error) {
	if coord == "" {
		return 0, nil
	}
	dot := strings.IndexByte(coord, '.')
	var degreesStr, minutesStr string
	if dot == -1 {
		if len(coord) < 2 {
			return 0, apperrors.New(apperrors.KindMalformedFrame, "h02: coordinate too short")
		}
		degreesStr = coord[:len(coord)-2]
		minutesStr = coord[len(coord)-2:]
	} else {
		if dot < 2 {
			return 0, apperrors.New(apperrors.KindMalformedFrame, "h02: coordinate too short")
		}
		degreesStr = coord[:dot-2]
		minutesStr = coord[dot-2:]
	}
	degrees, err := strconv.ParseFloat(degreesStr, 64)
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.ParseFloat(minutesStr, 64)
	if err != nil {
		return 0, err
	}
	val := degrees + minutes/60.0
	if hemisphere == "S" || hemisphere == "W" {
		val = -val
	}
	return val, nil
}

func (d *Decoder) EncodeCommand(commandType string, params map[string]any) ([]byte, error) {
	return nil, apperrors.Errorf(apperrors.KindValidation, "h02: unsupported command %q", commandType)
}

func (d *Decoder) AvailableCommands() []protocol.CommandInfo { return nil }

func (d *Decoder) CommandInfo(name string) (protocol.CommandInfo, bool) {
	return protocol.CommandInfo{}, false
}
