package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildLoggersChainLevelMethods(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{
		Level:      DebugLevel,
		JSONOutput: true,
		Output:     &buf,
	})

	WithComponent("storage").Info().Str("file", "00001_initial_schema.sql").Msg("applied migration")
	WithEndpointID("ep-1").Warn().Msg("endpoint marked offline")
	WithPoolID("pool-1").Debug().Msg("analysis cached")
	WithOperationID("op-1").Error().Msg("failed to start operation")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 4)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "storage", entry["component"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "applied migration", entry["message"])

	require.NoError(t, json.Unmarshal(lines[1], &entry))
	assert.Equal(t, "ep-1", entry["endpoint_id"])

	require.NoError(t, json.Unmarshal(lines[2], &entry))
	assert.Equal(t, "pool-1", entry["pool_id"])

	require.NoError(t, json.Unmarshal(lines[3], &entry))
	assert.Equal(t, "op-1", entry["operation_id"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{
		Level:      WarnLevel,
		JSONOutput: true,
		Output:     &buf,
	})

	WithComponent("api").Debug().Msg("dropped")
	WithComponent("api").Info().Msg("dropped")
	WithComponent("api").Warn().Msg("kept")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	assert.Contains(t, string(lines[0]), "kept")
}
