// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package osmand

import (
	"testing"

	"github.com/stretchr/testify/require"

	"fleetwatch/internal/protocol"
)

func TestDecodeSingleGETWithQueryParams(t *testing.T) {
	d := New()
	req := "GET /?id=123456789012345&lat=51.5074&lon=-0.1278&speed=10&bearing=90&altitude=15&timestamp=1700000000 HTTP/1.1\r\nHost: x\r\nContent-Length: 0\r\n\r\n"

	result, consumed, err := d.Decode([]byte(req), protocol.ClientInfo{})
	require.NoError(t, err)
	require.Equal(t, len(req), consumed)
	require.NotNil(t, result.Event)
	require.Equal(t, "123456789012345", result.Event.IMEI)
	require.NotNil(t, result.Event.Position)
	require.InDelta(t, 51.5074, result.Event.Position.Latitude, 0.0001)
	require.InDelta(t, -0.1278, result.Event.Position.Longitude, 0.0001)
	require.InDelta(t, 36.0, *result.Event.Position.Speed, 0.01) // 10 m/s -> 36 km/h
	require.NotEmpty(t, result.Event.ResponseBytes)
}

func TestDecodeIncompleteRequestWaitsForMore(t *testing.T) {
	d := New()
	partial := "GET /?id=1&lat=1&lon=2 HTTP/1.1\r\nHost: x\r\n"
	_, consumed, err := d.Decode([]byte(partial), protocol.ClientInfo{})
	require.NoError(t, err)
	require.Equal(t, 0, consumed)
}

func TestDecodeMissingCoordinatesIsMalformed(t *testing.T) {
	d := New()
	req := "GET /?id=123 HTTP/1.1\r\nContent-Length: 0\r\n\r\n"
	_, consumed, err := d.Decode([]byte(req), protocol.ClientInfo{})
	require.Error(t, err)
	require.Equal(t, len(req), consumed)
}

func TestEncodeCommandUnsupported(t *testing.T) {
	d := New()
	_, err := d.EncodeCommand("reboot", nil)
	require.Error(t, err)
}
