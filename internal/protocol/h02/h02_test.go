// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package h02

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetwatch/internal/protocol"
)

func TestDecodeV1PositionFrame(t *testing.T) {
	d := New()
	frame := "*HQ,123456789012345,V1,120000,A,5130.0000,N,01740.0000,W,10,90,010124,1#"

	result, consumed, err := d.Decode([]byte(frame), protocol.ClientInfo{})
	require.NoError(t, err)
	require.Equal(t, len(frame), consumed)
	require.NotNil(t, result.Position)

	pos := result.Position
	require.Equal(t, "123456789012345", pos.IMEI)
	require.InDelta(t, 51.5, pos.Latitude, 0.0001)
	require.InDelta(t, -17.6667, pos.Longitude, 0.001)
	require.InDelta(t, 18.52, *pos.Speed, 0.01)
	require.InDelta(t, 90.0, *pos.Course, 0.01)
	require.True(t, pos.ValidFix)
	require.NotNil(t, pos.Ignition)
	require.True(t, *pos.Ignition)
	require.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), pos.DeviceTime)
}

func TestDecodeHeartbeatAcks(t *testing.T) {
	d := New()
	frame := "*HQ,123456789012345,HTBT#"
	result, consumed, err := d.Decode([]byte(frame), protocol.ClientInfo{})
	require.NoError(t, err)
	require.Equal(t, len(frame), consumed)
	require.NotNil(t, result.Event)
	require.Equal(t, "123456789012345", result.Event.IMEI)
	require.Equal(t, "*HQ,123456789012345,R12#", string(result.Event.ResponseBytes))
}

func TestDecodeIncompleteFrameWaitsForMore(t *testing.T) {
	d := New()
	_, consumed, err := d.Decode([]byte("*HQ,123456789012345,V1,1200"), protocol.ClientInfo{})
	require.NoError(t, err)
	require.Equal(t, 0, consumed)
}

func TestDecodeMissingPrefixIsMalformed(t *testing.T) {
	d := New()
	_, _, err := d.Decode([]byte("garbage#"), protocol.ClientInfo{})
	require.Error(t, err)
}
