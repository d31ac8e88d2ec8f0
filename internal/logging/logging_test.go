package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-network-server/internal/config"
)

func TestSetupFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "ns.log")

	closer, err := setup(config.LogConfig{Level: "debug", Format: "json", File: path, MaxSize: 1}, &buf)
	require.NoError(t, err)

	log.Debug().Str("dev_eui", "0102030405060708").Msg("uplink received")
	closer()

	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	assert.Contains(t, buf.String(), `"dev_eui":"0102030405060708"`)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "uplink received")
}

func TestSetupInvalidLevel(t *testing.T) {
	var buf bytes.Buffer
	closer, err := setup(config.LogConfig{Level: "chatty", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closer()

	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
	log.Debug().Msg("hidden")
	assert.Empty(t, buf.String())
}
