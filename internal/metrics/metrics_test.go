// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestPositionsIngestedCountsByProtocol(t *testing.T) {
	m := New()
	m.PositionsIngested.WithLabelValues("teltonika").Inc()
	m.PositionsIngested.WithLabelValues("teltonika").Inc()
	m.PositionsIngested.WithLabelValues("gt06").Inc()

	var metric dto.Metric
	require.NoError(t, m.PositionsIngested.WithLabelValues("teltonika").Write(&metric))
	require.Equal(t, 2.0, metric.GetCounter().GetValue())
}

func TestDevicesOnlineGaugeSettable(t *testing.T) {
	m := New()
	m.DevicesOnline.Set(3)

	var metric dto.Metric
	require.NoError(t, m.DevicesOnline.Write(&metric))
	require.Equal(t, 3.0, metric.GetGauge().GetValue())
}
