package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONIncludesComponent(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Format: "json", Component: "monitor", Output: &buf})

	log.WithField("attempt", 2).Info("reconnecting")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "monitor", entry["component"])
	assert.Equal(t, "reconnecting", entry["msg"])
	assert.EqualValues(t, 2, entry["attempt"])
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})

	log.Info("hidden")
	assert.Zero(t, buf.Len())

	log.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNamed_OverridesComponent(t *testing.T) {
	var buf bytes.Buffer
	parent := New(Config{Format: "json", Component: "datalayer", Output: &buf})

	parent.Named("executor").Info("queued")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "executor", entry["component"])
}

func TestOrDefault_Nil(t *testing.T) {
	log := OrDefault(nil, "livesync")
	require.NotNil(t, log)
	assert.Equal(t, "livesync", log.Data["component"])
}
