package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerLevelAndComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "warn", Service: "balanceguard"})

	logger.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	guardLog := Component(logger, "guard")
	guardLog.Warn().Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "guard", line["component"])
	assert.Equal(t, "balanceguard", line["service"])
	assert.Equal(t, "kept", line["message"])
}
