package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func restoreGlobals(t *testing.T) {
	t.Helper()
	prevLogger := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})
}

func TestGetLogger_TagsComponent(t *testing.T) {
	restoreGlobals(t)
	var buf bytes.Buffer
	log.Logger = zerolog.New(&buf)

	l := GetLogger("risks")
	l.Info().Str("k", "v").Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "hello", entry["message"])
	require.Equal(t, "risks", entry["component"])
	require.Equal(t, "v", entry["k"])
}

func TestWatermillAdapter(t *testing.T) {
	restoreGlobals(t)
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	var buf bytes.Buffer
	var adapter watermill.LoggerAdapter = NewWatermill(zerolog.New(&buf))

	adapter.With(watermill.LogFields{"topic": "risks.status_changed"}).
		Error("publish failed", errors.New("boom"), watermill.LogFields{"attempt": 1})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "error", entry["level"])
	require.Equal(t, "boom", entry["error"])
	require.Equal(t, "risks.status_changed", entry["topic"])
	require.EqualValues(t, 1, entry["attempt"])
}
