// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package osmand implements the OsmAnd HTTP tracking protocol (spec.md
// section 4.1): a single HTTP GET whose parameters arrive in the query
// string or, if present, a URL-encoded body.
package osmand

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"fleetwatch/internal/apperrors"
	"fleetwatch/internal/model"
	"fleetwatch/internal/protocol"
)

const Port = 5055

const response = "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"

type Decoder struct{}

func New() *Decoder { return &Decoder{} }

func (d *Decoder) Name() string                  { return "osmand" }
func (d *Decoder) Port() int                     { return Port }
func (d *Decoder) Transport() protocol.Transport { return protocol.TCP }

func (d *Decoder) Decode(buf []byte, client protocol.ClientInfo) (protocol.Result, int, error) {
	text := string(buf)
	headerEnd := strings.Index(text, "\r\n\r\n")
	sepLen := 4
	if headerEnd == -1 {
		headerEnd = strings.Index(text, "\n\n")
		sepLen = 2
	}
	if headerEnd == -1 {
		if len(buf) > protocol.MaxBufferedBytes {
			return protocol.Result{}, len(buf), apperrors.New(apperrors.KindMalformedFrame, "osmand: no end of headers")
		}
		return protocol.Result{}, 0, nil
	}
	headerBlock := text[:headerEnd]
	bodyStart := headerEnd + sepLen
	contentLength := contentLengthOf(headerBlock)
	if len(buf) < bodyStart+contentLength {
		return protocol.Result{}, 0, nil
	}
	consumed := bodyStart + contentLength
	body := text[bodyStart:consumed]

	lines := strings.Split(headerBlock, "\n")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "GET ") {
		return protocol.Result{}, consumed, apperrors.New(apperrors.KindMalformedFrame, "osmand: not a GET request")
	}
	requestLine := strings.TrimSpace(lines[0])
	parts := strings.Split(requestLine, " ")
	if len(parts) < 2 {
		return protocol.Result{}, consumed, apperrors.New(apperrors.KindMalformedFrame, "osmand: malformed request line")
	}
	urlPath := parts[1]

	params := parseParams(urlPath, strings.TrimSpace(body))
	if len(params) == 0 {
		return protocol.Result{}, consumed, apperrors.New(apperrors.KindMalformedFrame, "osmand: no parameters")
	}

	deviceID := client.KnownIMEI
	if deviceID == "" {
		deviceID = firstNonEmpty(params, "id", "deviceid")
		if deviceID == "" {
			return protocol.Result{}, consumed, apperrors.New(apperrors.KindMalformedFrame, "osmand: no device id")
		}
	}

	pos, err := parsePosition(params, deviceID)
	if err != nil {
		return protocol.Result{}, consumed, err
	}
	return protocol.Result{Event: &protocol.Event{
		Name:          "position",
		IMEI:          deviceID,
		Position:      pos,
		ResponseBytes: []byte(response),
	}}, consumed, nil
}

func contentLengthOf(headerBlock string) int {
	for _, line := range strings.Split(headerBlock, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "content-length:") {
			v := strings.TrimSpace(line[len("content-length:"):])
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 0
}

func parseParams(urlPath, body string) map[string]string {
	params := map[string]string{}
	if idx := strings.IndexByte(urlPath, '?'); idx != -1 {
		mergeQuery(params, urlPath[idx+1:])
	}
	if body != "" {
		mergeQuery(params, body)
	}
	return params
}

func mergeQuery(params map[string]string, query string) {
	values, err := url.ParseQuery(query)
	if err != nil {
		return
	}
	for k, v := range values {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
}

func firstNonEmpty(params map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := params[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

func parseFloat(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

var reservedParams = map[string]bool{
	"id": true, "deviceid": true, "lat": true, "latitude": true, "lon": true,
	"longitude": true, "speed": true, "bearing": true, "course": true,
	"altitude": true, "alt": true, "timestamp": true, "sat": true, "hdop": true,
	"accuracy": true, "batt": true, "battery": true,
}

func parsePosition(params map[string]string, deviceID string) (*model.NormalizedPosition, error) {
	latStr := firstNonEmpty(params, "lat", "latitude")
	lonStr := firstNonEmpty(params, "lon", "longitude")
	latitude, latOK := parseFloat(latStr)
	longitude, lonOK := parseFloat(lonStr)
	if !latOK || !lonOK {
		return nil, apperrors.New(apperrors.KindMalformedFrame, "osmand: missing GPS coordinates")
	}

	deviceTime := time.Now().UTC()
	if ts, ok := parseFloat(params["timestamp"]); ok && ts > 0 {
		if ts > 10000000000 {
			deviceTime = time.UnixMilli(int64(ts)).UTC()
		} else {
			deviceTime = time.Unix(int64(ts), 0).UTC()
		}
	}

	speedMS, _ := parseFloat(params["speed"])
	speedKMH := speedMS * 3.6
	course, _ := parseFloat(firstNonEmpty(params, "bearing", "course"))
	altitude, _ := parseFloat(firstNonEmpty(params, "altitude", "alt"))
	satellitesF, _ := parseFloat(params["sat"])
	satellites := int(satellitesF)

	sensors := map[string]any{}
	if v, ok := parseFloat(params["hdop"]); ok {
		sensors["hdop"] = v
	}
	if v, ok := parseFloat(params["accuracy"]); ok {
		sensors["accuracy"] = v
	}
	if batt := firstNonEmpty(params, "batt", "battery"); batt != "" {
		if v, ok := parseFloat(batt); ok {
			sensors["battery"] = v
		}
	}
	for k, v := range params {
		if reservedParams[k] {
			continue
		}
		sensors[k] = v
	}

	var hdop *float64
	if v, ok := sensors["hdop"].(float64); ok {
		hdop = &v
	}

	return &model.NormalizedPosition{
		IMEI:       deviceID,
		DeviceTime: deviceTime,
		ServerTime: time.Now().UTC(),
		Latitude:   latitude,
		Longitude:  longitude,
		Altitude:   &altitude,
		Speed:      &speedKMH,
		Course:     &course,
		Satellites: &satellites,
		HDOP:       hdop,
		Sensors:    sensors,
		ValidFix:   true, // OsmAnd only reports when its GPS has a fix.
	}, nil
}

// EncodeCommand always errors: OsmAnd is a mobile app with no
// server-to-device command channel in this protocol.
func (d *Decoder) EncodeCommand(commandType string, params map[string]any) ([]byte, error) {
	return nil, apperrors.New(apperrors.KindValidation, "osmand: protocol does not support commands")
}

func (d *Decoder) AvailableCommands() []protocol.CommandInfo { return nil }

func (d *Decoder) CommandInfo(name string) (protocol.CommandInfo, bool) {
	return protocol.CommandInfo{}, false
}
