package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_Levels(t *testing.T) {
	require.NoError(t, Init(Config{Level: "warn"}))
	assert.Equal(t, "warn", Get().GetLevel().String())

	require.NoError(t, Init(Config{Level: "error", Debug: true}))
	assert.Equal(t, "debug", Get().GetLevel().String())

	assert.Error(t, Init(Config{Level: "loud"}))

	require.NoError(t, Init(Config{}))
	assert.Equal(t, "info", Get().GetLevel().String())
}

func TestNew_TagsComponent(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "auth")
	l.Info().Str("id", "dev1").Msg("accepted")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "auth", line["component"])
	assert.Equal(t, "dev1", line["id"])
	assert.Equal(t, "accepted", line["message"])
}
