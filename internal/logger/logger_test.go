package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesRoleAndFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "peer", false).WithField("room", "ABC234")

	log.Info().Str("peer", "d-1").Msg("connected")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "peer", entry["role"])
	assert.Equal(t, "ABC234", entry["room"])
	assert.Equal(t, "d-1", entry["peer"])
	assert.Equal(t, "connected", entry["message"])
	assert.Contains(t, entry, "func")
}

func TestNew_DebugGate(t *testing.T) {
	var quiet, loud bytes.Buffer

	New(&quiet, "peer", false).Debug().Msg("trace")
	New(&loud, "peer", true).Debug().Msg("trace")

	assert.Empty(t, quiet.String())
	assert.Contains(t, loud.String(), "trace")
}

func TestNop_Discards(t *testing.T) {
	assert.NotPanics(t, func() { Nop().Error().Msg("ignored") })
}
