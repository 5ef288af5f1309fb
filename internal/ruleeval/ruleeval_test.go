// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ruleeval

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvalTrueAndFalse(t *testing.T) {
	c := NewCache()

	ok, err := c.Eval("speed > 50", Context{Speed: 80})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Eval("speed > 50", Context{Speed: 10})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvalReferencesSensorsAndIgnition(t *testing.T) {
	c := NewCache()
	ok, err := c.Eval("ignition && fuel_level < 10", Context{
		Ignition: true,
		Sensors:  map[string]any{"fuel_level": 5.0},
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvalCachesCompiledProgram(t *testing.T) {
	c := NewCache()
	_, err := c.Eval("speed > 1", Context{Speed: 2})
	require.NoError(t, err)
	require.Len(t, c.programs, 1)
	_, err = c.Eval("speed > 1", Context{Speed: 3})
	require.NoError(t, err)
	require.Len(t, c.programs, 1)
}

func TestEvalMalformedRuleReturnsError(t *testing.T) {
	c := NewCache()
	_, err := c.Eval("speed >>> 1 +", Context{})
	require.Error(t, err)
}

func TestEvalNonBooleanResultReturnsError(t *testing.T) {
	c := NewCache()
	_, err := c.Eval("speed + 1", Context{Speed: 1})
	require.Error(t, err)
}
